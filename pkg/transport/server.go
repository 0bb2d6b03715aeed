// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/stacklok/toolmux/pkg/logger"
)

const (
	// defaultReadHeaderTimeout prevents slowloris attacks by limiting time to read request headers.
	defaultReadHeaderTimeout = 10 * time.Second

	// defaultReadTimeout is the maximum duration for reading the entire request, including body.
	defaultReadTimeout = 30 * time.Second

	// defaultWriteTimeout is the maximum duration before timing out writes of the response.
	defaultWriteTimeout = 5 * time.Minute

	// defaultIdleTimeout is the maximum amount of time to wait for the next request when keep-alive's are enabled.
	defaultIdleTimeout = 120 * time.Second

	// defaultMaxHeaderBytes is the maximum size of request headers in bytes (1 MB).
	defaultMaxHeaderBytes = 1 << 20

	// defaultShutdownTimeout is the maximum time to wait for graceful shutdown.
	defaultShutdownTimeout = 10 * time.Second

	// maxBodyBytes bounds a single JSON-RPC request body.
	maxBodyBytes = 4 << 20

	// DefaultEndpointPath is the JSON-RPC endpoint of the HTTP transports.
	DefaultEndpointPath = "/mcp"
)

// httpServer runs an http.Server on a listener so port 0 can be used.
type httpServer struct {
	name string
	addr string

	mu       sync.RWMutex
	server   *http.Server
	listener net.Listener

	ready     chan struct{}
	readyOnce sync.Once
}

func newHTTPServer(name, host string, port int) *httpServer {
	return &httpServer{
		name:  name,
		addr:  net.JoinHostPort(host, fmt.Sprintf("%d", port)),
		ready: make(chan struct{}),
	}
}

// serve blocks until ctx is cancelled or the server fails.
func (s *httpServer) serve(ctx context.Context, handler http.Handler) error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to create listener: %w", err)
	}

	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: defaultReadHeaderTimeout,
		ReadTimeout:       defaultReadTimeout,
		WriteTimeout:      defaultWriteTimeout,
		IdleTimeout:       defaultIdleTimeout,
		MaxHeaderBytes:    defaultMaxHeaderBytes,
	}

	s.mu.Lock()
	s.server = srv
	s.listener = listener
	s.mu.Unlock()

	logger.Infof("Starting %s transport at %s", s.name, listener.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server error: %w", err)
		}
		close(errCh)
	}()

	s.readyOnce.Do(func() { close(s.ready) })

	select {
	case <-ctx.Done():
		logger.Infof("Context cancelled, shutting down %s transport", s.name)
		return s.shutdown(context.Background())
	case err, ok := <-errCh:
		if !ok {
			// Serve returned ErrServerClosed: Stop was called
			return nil
		}
		logger.Errorf("HTTP server error: %v", err)
		return err
	}
}

func (s *httpServer) shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	s.server = nil
	s.mu.Unlock()

	if srv == nil {
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, defaultShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	return nil
}

// Address returns the bound listen address once serving has started.
func (s *httpServer) Address() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Ready is closed once the listener accepts connections.
func (s *httpServer) Ready() <-chan struct{} {
	return s.ready
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Errorf("Failed to encode response: %v", err)
	}
}

func writeRaw(w http.ResponseWriter, status int, data []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		logger.Debugf("Failed to write response: %v", err)
	}
}
