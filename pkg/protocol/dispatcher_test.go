// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package protocol_test

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"go.uber.org/mock/gomock"

	"github.com/stacklok/toolmux/pkg/cluster"
	thverrors "github.com/stacklok/toolmux/pkg/errors"
	"github.com/stacklok/toolmux/pkg/protocol"
	"github.com/stacklok/toolmux/pkg/protocol/mocks"
	"github.com/stacklok/toolmux/pkg/tools"
)

const initializeFrame = `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-06-18",` +
	`"clientInfo":{"name":"test-client","version":"1.0"}}}`

func newRegistry(t *testing.T, calls *atomic.Int32) *tools.Registry {
	t.Helper()

	reg := tools.NewRegistry()
	reg.MustRegister(
		tools.Registration{
			Name:     "greet",
			Category: "test",
			Definition: func() mcp.Tool {
				return mcp.NewTool("greet",
					mcp.WithDescription("Greets someone"),
					mcp.WithString("name", mcp.Required()),
				)
			},
			Handler: func(_ context.Context, args map[string]any, _ *cluster.Registry) (any, error) {
				calls.Add(1)
				return fmt.Sprintf("hello %v", args["name"]), nil
			},
		},
		tools.Registration{
			Name:     "explode",
			Category: "test",
			Definition: func() mcp.Tool {
				return mcp.NewTool("explode", mcp.WithDescription("Always fails"))
			},
			Handler: func(context.Context, map[string]any, *cluster.Registry) (any, error) {
				return nil, errors.New("volume is offline")
			},
		},
		tools.Registration{
			Name:     "count_clusters",
			Category: "test",
			Definition: func() mcp.Tool {
				return mcp.NewTool("count_clusters", mcp.WithDescription("Counts clusters"))
			},
			Handler: func(_ context.Context, _ map[string]any, clusters *cluster.Registry) (any, error) {
				return fmt.Sprintf("%d", clusters.Len()), nil
			},
		},
	)
	return reg
}

func newLocalDispatcher(t *testing.T, opts ...protocol.Option) (*protocol.Dispatcher, *atomic.Int32) {
	t.Helper()
	calls := &atomic.Int32{}
	return protocol.NewDispatcher(protocol.NewLocalProvider(newRegistry(t, calls)), opts...), calls
}

func initialized(t *testing.T, d *protocol.Dispatcher) *protocol.Conn {
	t.Helper()
	conn := protocol.NewConn("test")
	out := d.HandleMessage(context.Background(), conn, []byte(initializeFrame))
	require.False(t, gjson.GetBytes(out, "error").Exists(), string(out))
	return conn
}

func TestDispatcher_Initialize(t *testing.T) {
	t.Parallel()

	d, _ := newLocalDispatcher(t, protocol.WithServerInfo("toolmux", "1.2.3"), protocol.WithInstructions("be nice"))
	conn := protocol.NewConn("c")

	out := d.HandleMessage(context.Background(), conn, []byte(initializeFrame))
	require.NotNil(t, out)

	assert.Equal(t, int64(1), gjson.GetBytes(out, "id").Int())
	assert.Equal(t, protocol.ProtocolVersion, gjson.GetBytes(out, "result.protocolVersion").String())
	assert.Equal(t, "toolmux", gjson.GetBytes(out, "result.serverInfo.name").String())
	assert.Equal(t, "1.2.3", gjson.GetBytes(out, "result.serverInfo.version").String())
	assert.Equal(t, "be nice", gjson.GetBytes(out, "result.instructions").String())
	assert.True(t, gjson.GetBytes(out, "result.capabilities.tools").IsObject())
	assert.Equal(t, protocol.StateActive, conn.State())
	assert.Equal(t, "test-client", conn.ClientInfo().Name)
}

func TestDispatcher_InitializeVersionNegotiation(t *testing.T) {
	t.Parallel()

	d, _ := newLocalDispatcher(t)

	out := d.HandleMessage(context.Background(), protocol.NewConn("old"),
		[]byte(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2024-11-05"}}`))
	assert.Equal(t, "2024-11-05", gjson.GetBytes(out, "result.protocolVersion").String())

	out = d.HandleMessage(context.Background(), protocol.NewConn("future"),
		[]byte(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2099-01-01"}}`))
	assert.Equal(t, protocol.ProtocolVersion, gjson.GetBytes(out, "result.protocolVersion").String())
}

func TestDispatcher_InitializeHook(t *testing.T) {
	t.Parallel()

	t.Run("receives initialization options", func(t *testing.T) {
		t.Parallel()

		hook := func(_ context.Context, conn *protocol.Conn, params protocol.InitializeParams) error {
			clusters, err := cluster.FromInitOptions(params.InitializationOptions)
			if err != nil {
				return err
			}
			for _, c := range clusters {
				if err := conn.Clusters().Add(c); err != nil {
					return err
				}
			}
			return nil
		}
		d, _ := newLocalDispatcher(t, protocol.WithInitializeHook(hook))
		conn := protocol.NewConn("c")

		frame := `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"initializationOptions":` +
			`{"clusters":{"prod":{"cluster_ip":"10.0.0.1","username":"admin","password":"x"}}}}}`
		out := d.HandleMessage(context.Background(), conn, []byte(frame))
		require.False(t, gjson.GetBytes(out, "error").Exists(), string(out))

		out = d.HandleMessage(context.Background(), conn,
			[]byte(`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"count_clusters"}}`))
		assert.Equal(t, "1", gjson.GetBytes(out, "result.content.0.text").String())
	})

	t.Run("failure keeps the conn uninitialized", func(t *testing.T) {
		t.Parallel()

		hook := func(context.Context, *protocol.Conn, protocol.InitializeParams) error {
			return thverrors.NewValidationError("bad cluster options", nil)
		}
		d, _ := newLocalDispatcher(t, protocol.WithInitializeHook(hook))
		conn := protocol.NewConn("c")

		out := d.HandleMessage(context.Background(), conn, []byte(initializeFrame))
		assert.Equal(t, thverrors.CodeInvalidParams, gjson.GetBytes(out, "error.code").Int())
		assert.Equal(t, "bad cluster options", gjson.GetBytes(out, "error.message").String())
		assert.Equal(t, protocol.StateUninitialized, conn.State())
	})
}

func TestDispatcher_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		skipInit    bool
		frame       string
		wantCode    int64
		wantMessage string
	}{
		{
			name:        "tools/list before initialize",
			skipInit:    true,
			frame:       `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`,
			wantCode:    thverrors.CodeInvalidRequest,
			wantMessage: "session not initialized",
		},
		{
			name:        "tools/call before initialize",
			skipInit:    true,
			frame:       `{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"greet"}}`,
			wantCode:    thverrors.CodeInvalidRequest,
			wantMessage: "session not initialized",
		},
		{
			name:     "unknown method",
			frame:    `{"jsonrpc":"2.0","id":2,"method":"resources/list"}`,
			wantCode: thverrors.CodeMethodNotFound,
		},
		{
			name:        "missing tool name",
			frame:       `{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"arguments":{}}}`,
			wantCode:    thverrors.CodeInvalidParams,
			wantMessage: "missing required parameter: name",
		},
		{
			name:     "missing params",
			frame:    `{"jsonrpc":"2.0","id":2,"method":"tools/call"}`,
			wantCode: thverrors.CodeInvalidParams,
		},
		{
			name:     "arguments not an object",
			frame:    `{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"greet","arguments":[1,2]}}`,
			wantCode: thverrors.CodeInvalidParams,
		},
		{
			name:        "unknown tool",
			frame:       `{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"nope"}}`,
			wantCode:    thverrors.CodeMethodNotFound,
			wantMessage: "unknown tool: nope",
		},
		{
			name:     "schema violation",
			frame:    `{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"greet","arguments":{}}}`,
			wantCode: thverrors.CodeInvalidParams,
		},
		{
			name:        "handler failure",
			frame:       `{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"explode"}}`,
			wantCode:    thverrors.CodeInternalError,
			wantMessage: "volume is offline",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			d, calls := newLocalDispatcher(t)
			conn := protocol.NewConn("c")
			if !tt.skipInit {
				conn = initialized(t, d)
			}

			out := d.HandleMessage(context.Background(), conn, []byte(tt.frame))
			require.NotNil(t, out)
			assert.Equal(t, int64(2), gjson.GetBytes(out, "id").Int())
			assert.Equal(t, tt.wantCode, gjson.GetBytes(out, "error.code").Int(), string(out))
			if tt.wantMessage != "" {
				assert.Equal(t, tt.wantMessage, gjson.GetBytes(out, "error.message").String())
			}
			assert.False(t, gjson.GetBytes(out, "result").Exists())
			assert.Zero(t, calls.Load(), "greet handler must not run")
		})
	}
}

func TestDispatcher_ToolsListAndCall(t *testing.T) {
	t.Parallel()

	d, calls := newLocalDispatcher(t)
	conn := initialized(t, d)

	out := d.HandleMessage(context.Background(), conn, []byte(`{"jsonrpc":"2.0","id":"l","method":"tools/list"}`))
	names := gjson.GetBytes(out, "result.tools.#.name").Array()
	require.Len(t, names, 3)
	assert.Equal(t, "greet", names[0].String())
	assert.Equal(t, "explode", names[1].String())
	assert.Equal(t, "l", gjson.GetBytes(out, "id").String())

	out = d.HandleMessage(context.Background(), conn,
		[]byte(`{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"greet","arguments":{"name":"ada"}}}`))
	assert.Equal(t, "hello ada", gjson.GetBytes(out, "result.content.0.text").String())
	assert.Equal(t, int32(1), calls.Load())
}

func TestDispatcher_PingAndNotifications(t *testing.T) {
	t.Parallel()

	d, _ := newLocalDispatcher(t)
	conn := protocol.NewConn("c")

	out := d.HandleMessage(context.Background(), conn, []byte(`{"jsonrpc":"2.0","id":9,"method":"ping"}`))
	assert.JSONEq(t, `{}`, gjson.GetBytes(out, "result").Raw)

	assert.Nil(t, d.HandleMessage(context.Background(), conn,
		[]byte(`{"jsonrpc":"2.0","method":"notifications/initialized"}`)))
	assert.Nil(t, d.HandleMessage(context.Background(), conn,
		[]byte(`{"jsonrpc":"2.0","method":"tools/list"}`)))
	assert.Nil(t, d.HandleMessage(context.Background(), conn,
		[]byte(`{"jsonrpc":"2.0","id":4,"result":{}}`)))
}

func TestDispatcher_TerminatedConn(t *testing.T) {
	t.Parallel()

	d, _ := newLocalDispatcher(t)
	conn := initialized(t, d)
	require.NoError(t, conn.Close())

	for _, frame := range []string{
		`{"jsonrpc":"2.0","id":5,"method":"tools/list"}`,
		`{"jsonrpc":"2.0","id":5,"method":"ping"}`,
		initializeFrame,
	} {
		out := d.HandleMessage(context.Background(), conn, []byte(frame))
		assert.Equal(t, thverrors.CodeInvalidRequest, gjson.GetBytes(out, "error.code").Int())
		assert.Equal(t, "session terminated", gjson.GetBytes(out, "error.message").String())
	}
}

func TestDispatcher_MalformedFrame(t *testing.T) {
	t.Parallel()

	d, _ := newLocalDispatcher(t)
	out := d.HandleMessage(context.Background(), protocol.NewConn("c"), []byte(`{not json`))
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":null,"error":{"code":-32700,"message":"parse error"}}`, string(out))
}

func TestDispatcher_ProviderErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		err      error
		wantCode int64
		wantMsg  string
	}{
		{name: "raw network error", err: errors.New("dial tcp 10.0.0.1:443: connection refused"),
			wantCode: thverrors.CodeInternalError, wantMsg: "dial tcp 10.0.0.1:443: connection refused"},
		{name: "not found", err: thverrors.NewNotFoundError("tool 'x' not available on any connected server", nil),
			wantCode: thverrors.CodeMethodNotFound, wantMsg: "tool 'x' not available on any connected server"},
		{name: "execution", err: thverrors.NewExecutionError("all servers failed", errors.New("boom")),
			wantCode: thverrors.CodeInternalError, wantMsg: "all servers failed"},
		{name: "wrapped validation", err: fmt.Errorf("backend: %w", thverrors.NewValidationError("bad input", nil)),
			wantCode: thverrors.CodeInvalidParams, wantMsg: "bad input"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			ctrl := gomock.NewController(t)
			provider := mocks.NewMockProvider(ctrl)
			provider.EXPECT().CallTool(gomock.Any(), gomock.Any(), "x", map[string]any{}).Return(nil, tt.err)

			d := protocol.NewDispatcher(provider)
			conn := initialized(t, d)

			out := d.HandleMessage(context.Background(), conn,
				[]byte(`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"x"}}`))
			assert.Equal(t, tt.wantCode, gjson.GetBytes(out, "error.code").Int())
			assert.Equal(t, tt.wantMsg, gjson.GetBytes(out, "error.message").String())
		})
	}
}

func TestDispatcher_PreferredBackend(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	provider := mocks.NewMockProvider(ctrl)
	provider.EXPECT().
		CallTool(gomock.Any(), gomock.Any(), "x", map[string]any{"a": "b"}).
		DoAndReturn(func(ctx context.Context, _ *protocol.Conn, _ string, _ map[string]any) (*mcp.CallToolResult, error) {
			backend, ok := protocol.PreferredBackend(ctx)
			require.True(t, ok)
			assert.Equal(t, "backend-b", backend)
			return mcp.NewToolResultText("pinned"), nil
		})
	provider.EXPECT().ListTools(gomock.Any()).Return(nil, nil)

	d := protocol.NewDispatcher(provider)
	conn := initialized(t, d)

	out := d.HandleMessage(context.Background(), conn, []byte(
		`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"x","arguments":{"a":"b"},"_meta":{"backend":"backend-b"}}}`))
	assert.Equal(t, "pinned", gjson.GetBytes(out, "result.content.0.text").String())

	out = d.HandleMessage(context.Background(), conn, []byte(`{"jsonrpc":"2.0","id":2,"method":"tools/list"}`))
	assert.Equal(t, "[]", gjson.GetBytes(out, "result.tools").Raw)
}
