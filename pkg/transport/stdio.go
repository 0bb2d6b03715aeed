// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/stacklok/toolmux/pkg/logger"
	"github.com/stacklok/toolmux/pkg/protocol"
	"github.com/stacklok/toolmux/pkg/transport/session"
	"github.com/stacklok/toolmux/pkg/transport/types"
)

// maxFrameSize bounds one newline-delimited frame.
const maxFrameSize = 16 << 20

// StdioTransport serves one connection as newline-delimited JSON-RPC on a
// reader and a writer. The stream lifetime is the session.
type StdioTransport struct {
	dispatcher *protocol.Dispatcher
	setup      types.ConnSetup
	in         io.Reader
	out        io.Writer

	// writeMu serializes frames on out
	writeMu sync.Mutex

	mu       sync.Mutex
	conn     *protocol.Conn
	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

// NewStdioTransport creates a stdio transport.
func NewStdioTransport(dispatcher *protocol.Dispatcher, in io.Reader, out io.Writer, setup types.ConnSetup) *StdioTransport {
	return &StdioTransport{
		dispatcher: dispatcher,
		setup:      setup,
		in:         in,
		out:        out,
		done:       make(chan struct{}),
	}
}

// Mode returns the transport mode.
func (*StdioTransport) Mode() types.TransportType {
	return types.TransportTypeStdio
}

// Start reads frames until EOF, ctx cancellation or Stop. Each frame is
// dispatched in arrival order and its response written before the next
// frame is read. EOF is a clean shutdown.
func (t *StdioTransport) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	conn := protocol.NewConn(session.NewID())

	t.mu.Lock()
	t.conn = conn
	t.cancel = cancel
	t.mu.Unlock()

	defer close(t.done)
	defer cancel()
	defer t.closeConn()

	if t.setup != nil {
		if err := t.setup(ctx, conn); err != nil {
			return fmt.Errorf("failed to prepare stdio connection: %w", err)
		}
	}

	frames := make(chan []byte)
	readErr := make(chan error, 1)
	go t.readFrames(ctx, frames, readErr)

	logger.Infof("stdio transport ready (conn %s)", conn.ID())

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			if err != nil {
				return fmt.Errorf("failed to read from stdin: %w", err)
			}
			logger.Info("stdin closed, stopping stdio transport")
			return nil
		case frame := <-frames:
			if resp := t.dispatcher.HandleMessage(ctx, conn, frame); resp != nil {
				if err := t.writeFrame(resp); err != nil {
					return fmt.Errorf("failed to write to stdout: %w", err)
				}
			}
		}
	}
}

func (t *StdioTransport) readFrames(ctx context.Context, frames chan<- []byte, readErr chan<- error) {
	scanner := bufio.NewScanner(t.in)
	scanner.Buffer(make([]byte, 0, 64*1024), maxFrameSize)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		frame := append([]byte(nil), line...)
		select {
		case frames <- frame:
		case <-ctx.Done():
			return
		}
	}

	err := scanner.Err()
	if errors.Is(err, io.EOF) {
		err = nil
	}
	readErr <- err
}

func (t *StdioTransport) writeFrame(data []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	buf := make([]byte, 0, len(data)+1)
	buf = append(buf, data...)
	buf = append(buf, '\n')
	_, err := t.out.Write(buf)
	return err
}

func (t *StdioTransport) closeConn() {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return
	}
	if err := conn.Close(); err != nil {
		logger.Warnf("failed to release stdio connection: %v", err)
	}
}

// Stop ends the read loop and waits for it to return. The blocked stdin
// read itself cannot be interrupted; it is abandoned.
func (t *StdioTransport) Stop(ctx context.Context) error {
	t.stopOnce.Do(func() {
		t.mu.Lock()
		cancel := t.cancel
		t.mu.Unlock()
		if cancel != nil {
			cancel()
		}
	})

	t.mu.Lock()
	started := t.cancel != nil
	t.mu.Unlock()
	if !started {
		return nil
	}

	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
