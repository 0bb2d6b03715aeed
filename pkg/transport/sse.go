// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strings"

	"golang.org/x/exp/jsonrpc2"

	"github.com/stacklok/toolmux/pkg/protocol"
	"github.com/stacklok/toolmux/pkg/transport/errors"
)

const (
	// EventMessage is the event type of JSON-RPC messages in a stream.
	EventMessage = "message"

	maxEventSize = 16 << 20
)

// WriteEvent writes one server-sent event. Multi-line data is split over
// several data lines.
func WriteEvent(w io.Writer, event string, data []byte) error {
	var b strings.Builder
	if event != "" {
		fmt.Fprintf(&b, "event: %s\n", event)
	}
	for _, line := range strings.Split(strings.TrimSuffix(string(data), "\n"), "\n") {
		fmt.Fprintf(&b, "data: %s\n", line)
	}
	b.WriteString("\n")
	_, err := io.WriteString(w, b.String())
	return err
}

// FirstMessage reads an event stream and returns the first event whose
// data decodes as a JSON-RPC message, with its raw payload. Comments,
// non-data fields and unparseable events are skipped.
func FirstMessage(r io.Reader) (jsonrpc2.Message, []byte, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxEventSize)

	var data [][]byte
	flush := func() (jsonrpc2.Message, []byte) {
		if len(data) == 0 {
			return nil, nil
		}
		payload := bytes.Join(data, []byte("\n"))
		data = data[:0]
		msg, err := protocol.Decode(payload)
		if err != nil {
			return nil, nil
		}
		return msg, payload
	}

	for scanner.Scan() {
		line := scanner.Bytes()
		switch {
		case len(line) == 0:
			if msg, payload := flush(); msg != nil {
				return msg, payload, nil
			}
		case line[0] == ':':
			// comment
		case bytes.HasPrefix(line, []byte("data:")):
			value := bytes.TrimPrefix(line, []byte("data:"))
			value = bytes.TrimPrefix(value, []byte(" "))
			data = append(data, append([]byte(nil), value...))
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, fmt.Errorf("failed to read event stream: %w", err)
	}
	if msg, payload := flush(); msg != nil {
		return msg, payload, nil
	}
	return nil, nil, errors.ErrNoMessage
}
