// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/toolmux/pkg/cluster"
	"github.com/stacklok/toolmux/pkg/protocol"
	"github.com/stacklok/toolmux/pkg/tools"
	"github.com/stacklok/toolmux/pkg/transport"
	"github.com/stacklok/toolmux/pkg/transport/types"
	"github.com/stacklok/toolmux/pkg/vmcp"
)

// startMCPBackend serves an in-process MCP server with an echo tool and a
// tool that answers with a tool-level error.
func startMCPBackend(t *testing.T, header *atomic.Value) string {
	t.Helper()

	srv := mcpserver.NewMCPServer("test-backend", "1.0.0")
	srv.AddTool(
		mcp.NewTool("echo",
			mcp.WithDescription("Echoes the input back"),
			mcp.WithString("input", mcp.Required()),
		),
		func(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args, _ := req.Params.Arguments.(map[string]any)
			input, _ := args["input"].(string)
			return mcp.NewToolResultText(input), nil
		},
	)
	srv.AddTool(
		mcp.NewTool("refuse", mcp.WithDescription("Always refuses")),
		func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return mcp.NewToolResultError("volume is read-only"), nil
		},
	)

	streamable := mcpserver.NewStreamableHTTPServer(srv)
	mux := http.NewServeMux()
	mux.Handle("/mcp", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if header != nil {
			header.Store(r.Header.Get("X-Backend-Token"))
		}
		streamable.ServeHTTP(w, r)
	}))

	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts.URL + "/mcp"
}

// startToolmuxBackend serves a toolmux session endpoint over a local
// registry.
func startToolmuxBackend(t *testing.T) string {
	t.Helper()

	reg := tools.NewRegistry()
	reg.MustRegister(tools.Registration{
		Name: "greet",
		Definition: func() mcp.Tool {
			return mcp.NewTool("greet", mcp.WithString("name", mcp.Required()))
		},
		Handler: func(_ context.Context, args map[string]any, _ *cluster.Registry) (any, error) {
			return fmt.Sprintf("hello %v", args["name"]), nil
		},
	})
	reg.Seal()

	st := transport.NewStreamableTransport(types.Config{
		Dispatcher: protocol.NewDispatcher(protocol.NewLocalProvider(reg)),
	})
	ts := httptest.NewServer(st.Handler())
	t.Cleanup(func() {
		ts.Close()
		st.Sessions().CloseAll()
	})
	return ts.URL + transport.DefaultEndpointPath
}

func fastConfig() Config {
	return Config{
		ConnectTimeout:  5 * time.Second,
		ConnectAttempts: 3,
		RetryInterval:   time.Millisecond,
	}
}

func TestConnector_StreamableHTTP(t *testing.T) {
	t.Parallel()

	var header atomic.Value
	url := startMCPBackend(t, &header)

	c := NewConnector(fastConfig())
	bc, err := c.Connect(context.Background(), vmcp.BackendConfig{
		Name:      "alpha",
		URL:       url,
		Transport: vmcp.TransportStreamableHTTP,
		Headers:   map[string]string{"X-Backend-Token": "secret"},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = bc.Close() })

	assert.Equal(t, "alpha", bc.Name())
	assert.Equal(t, "secret", header.Load())

	ctx := context.Background()
	listed, err := bc.ListTools(ctx)
	require.NoError(t, err)
	names := make([]string, 0, len(listed))
	for _, tool := range listed {
		names = append(names, tool.Name)
	}
	assert.ElementsMatch(t, []string{"echo", "refuse"}, names)

	result, err := bc.CallTool(ctx, "echo", map[string]any{"input": "ping"})
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Equal(t, "ping", vmcp.Summary(result))

	result, err = bc.CallTool(ctx, "refuse", nil)
	require.NoError(t, err, "tool-level failures are results, not errors")
	assert.True(t, result.IsError)
}

func TestConnector_Toolmux(t *testing.T) {
	t.Parallel()

	url := startToolmuxBackend(t)

	c := NewConnector(fastConfig())
	bc, err := c.Connect(context.Background(), vmcp.BackendConfig{
		Name:      "downstream",
		URL:       url,
		Transport: vmcp.TransportToolmux,
	})
	require.NoError(t, err)

	listed, err := bc.ListTools(context.Background())
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, "greet", listed[0].Name)

	result, err := bc.CallTool(context.Background(), "greet", map[string]any{"name": "ops"})
	require.NoError(t, err)
	assert.Equal(t, "hello ops", vmcp.Summary(result))

	require.NoError(t, bc.Close())

	_, err = bc.ListTools(context.Background())
	require.Error(t, err, "a closed client has no session")
	assert.ErrorIs(t, err, vmcp.ErrBackendUnavailable)
}

func TestConnector_Retries(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		failures     int
		attempts     int
		dialErr      error
		wantErr      error
		wantAttempts int32
	}{
		{
			name:         "succeeds after transient failures",
			failures:     2,
			attempts:     3,
			dialErr:      errors.New("connection refused"),
			wantAttempts: 3,
		},
		{
			name:         "gives up after max attempts",
			failures:     10,
			attempts:     3,
			dialErr:      errors.New("connection refused"),
			wantErr:      vmcp.ErrBackendUnavailable,
			wantAttempts: 3,
		},
		{
			name:         "unsupported transport is not retried",
			failures:     10,
			attempts:     3,
			dialErr:      fmt.Errorf("%w: grpc", vmcp.ErrUnsupportedTransport),
			wantErr:      vmcp.ErrUnsupportedTransport,
			wantAttempts: 1,
		},
		{
			name:         "single attempt",
			failures:     1,
			attempts:     1,
			dialErr:      errors.New("no such host"),
			wantErr:      vmcp.ErrBackendUnavailable,
			wantAttempts: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var calls atomic.Int32
			cfg := fastConfig()
			cfg.ConnectAttempts = tt.attempts
			c := &connector{
				config: cfg.withDefaults(),
				dial: func(context.Context, vmcp.BackendConfig, mcp.Implementation) (BackendClient, error) {
					if int(calls.Add(1)) <= tt.failures {
						return nil, tt.dialErr
					}
					return &toolmuxBackendClient{name: "b"}, nil
				},
			}

			bc, err := c.Connect(context.Background(), vmcp.BackendConfig{Name: "b"})
			assert.Equal(t, tt.wantAttempts, calls.Load())
			if tt.wantErr != nil {
				require.Error(t, err)
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "b", bc.Name())
		})
	}
}

func TestConnector_AttemptTimeout(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(func() {
		close(release)
		ts.Close()
	})

	c := NewConnector(Config{
		ConnectTimeout:  50 * time.Millisecond,
		ConnectAttempts: 1,
		RetryInterval:   time.Millisecond,
	})

	start := time.Now()
	_, err := c.Connect(context.Background(), vmcp.BackendConfig{
		Name:      "slow",
		URL:       ts.URL,
		Transport: vmcp.TransportToolmux,
	})
	require.Error(t, err)
	assert.True(t, vmcp.IsTimeoutError(err), "got %v", err)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestConnector_UnknownTransport(t *testing.T) {
	t.Parallel()

	c := NewConnector(fastConfig())
	_, err := c.Connect(context.Background(), vmcp.BackendConfig{Name: "x", URL: "http://x", Transport: "grpc"})
	assert.ErrorIs(t, err, vmcp.ErrUnsupportedTransport)
}

func TestWrapBackendError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want error
	}{
		{name: "cancelled", err: context.Canceled, want: vmcp.ErrCancelled},
		{name: "deadline", err: context.DeadlineExceeded, want: vmcp.ErrTimeout},
		{name: "refused", err: errors.New("dial tcp: connection refused"), want: vmcp.ErrBackendUnavailable},
		{name: "already classified", err: fmt.Errorf("%w: x", vmcp.ErrTimeout), want: vmcp.ErrTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := wrapBackendError(tt.err, "b", "connect")
			assert.ErrorIs(t, err, tt.want)
			assert.ErrorIs(t, err, tt.err)
		})
	}
	assert.NoError(t, wrapBackendError(nil, "b", "connect"))
}

func TestEnvList(t *testing.T) {
	t.Parallel()

	assert.Equal(t, []string{"A=1", "B=2"}, envList(map[string]string{"B": "2", "A": "1"}))
	assert.Empty(t, envList(nil))
}
