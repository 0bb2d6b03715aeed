// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package tools

import (
	"context"
	"errors"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/toolmux/pkg/cluster"
	thverrors "github.com/stacklok/toolmux/pkg/errors"
)

func registration(name, category string, handler Handler) Registration {
	return Registration{
		Name:     name,
		Category: category,
		Definition: func() mcp.Tool {
			return mcp.NewTool(name,
				mcp.WithDescription("test tool "+name),
				mcp.WithString("input", mcp.Required()),
			)
		},
		Handler: handler,
	}
}

func okHandler(_ context.Context, args map[string]any, _ *cluster.Registry) (any, error) {
	return args["input"], nil
}

func TestRegistry_Register(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		reg     Registration
		wantErr error
	}{
		{
			name: "valid",
			reg:  registration("echo", "diagnostics", okHandler),
		},
		{
			name:    "missing handler",
			reg:     Registration{Name: "echo", Definition: func() mcp.Tool { return mcp.NewTool("echo") }},
			wantErr: ErrInvalidRegistration,
		},
		{
			name:    "missing name",
			reg:     Registration{Definition: func() mcp.Tool { return mcp.NewTool("echo") }, Handler: okHandler},
			wantErr: ErrInvalidRegistration,
		},
		{
			name: "definition name mismatch",
			reg: Registration{
				Name:       "echo",
				Definition: func() mcp.Tool { return mcp.NewTool("other") },
				Handler:    okHandler,
			},
			wantErr: ErrInvalidRegistration,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r := NewRegistry()
			err := r.Register(tt.reg)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				assert.Zero(t, r.Count())
				return
			}
			require.NoError(t, err)
			assert.Equal(t, 1, r.Count())
		})
	}
}

func TestRegistry_DuplicateLeavesRegistryUnchanged(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	require.NoError(t, r.Register(registration("a", "x", okHandler)))
	require.NoError(t, r.Register(registration("b", "x", okHandler)))

	err := r.Register(registration("a", "y", okHandler))
	require.ErrorIs(t, err, ErrDuplicateTool)
	assert.Contains(t, err.Error(), "tool 'a' is already registered")

	assert.Equal(t, []string{"a", "b"}, r.Names())
	assert.Equal(t, map[string]int{"x": 2}, r.CategorySummary())

	assert.Panics(t, func() { r.MustRegister(registration("b", "x", okHandler)) })
	assert.Equal(t, 2, r.Count())
}

func TestRegistry_Seal(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	r.MustRegister(registration("a", "x", okHandler))
	r.Seal()

	require.ErrorIs(t, r.Register(registration("b", "x", okHandler)), ErrRegistrySealed)
	assert.Equal(t, 1, r.Count())
}

func TestRegistry_DefinitionsOrder(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	r.MustRegister(
		registration("zeta", "b", okHandler),
		registration("alpha", "a", okHandler),
		registration("mid", "b", okHandler),
	)

	defs := r.Definitions()
	require.Len(t, defs, 3)
	assert.Equal(t, "zeta", defs[0].Name)
	assert.Equal(t, "alpha", defs[1].Name)
	assert.Equal(t, "mid", defs[2].Name)

	byCat := r.ByCategory("b")
	require.Len(t, byCat, 2)
	assert.Equal(t, "zeta", byCat[0].Name)
	assert.Equal(t, "mid", byCat[1].Name)

	tool, ok := r.Lookup("alpha")
	require.True(t, ok)
	assert.Equal(t, "test tool alpha", tool.Description)

	_, ok = r.Handler("missing")
	assert.False(t, ok)
	h, ok := r.Handler("mid")
	require.True(t, ok)
	assert.NotNil(t, h)
}

func TestRegistry_Call(t *testing.T) {
	t.Parallel()

	handlerRan := false
	r := NewRegistry()
	r.MustRegister(
		registration("echo", "diagnostics", okHandler),
		registration("fail", "diagnostics", func(context.Context, map[string]any, *cluster.Registry) (any, error) {
			return nil, errors.New("volume vol1 is offline")
		}),
		registration("guarded", "diagnostics", func(context.Context, map[string]any, *cluster.Registry) (any, error) {
			handlerRan = true
			return "ran", nil
		}),
	)

	tests := []struct {
		name      string
		tool      string
		args      map[string]any
		want      any
		wantCheck func(error) bool
		wantMsg   string
	}{
		{
			name: "success",
			tool: "echo",
			args: map[string]any{"input": "hello"},
			want: "hello",
		},
		{
			name:      "unknown tool",
			tool:      "nope",
			wantCheck: thverrors.IsNotFound,
		},
		{
			name:      "missing required argument",
			tool:      "echo",
			args:      map[string]any{},
			wantCheck: thverrors.IsValidation,
			wantMsg:   "input",
		},
		{
			name:      "wrong argument type",
			tool:      "echo",
			args:      map[string]any{"input": 7},
			wantCheck: thverrors.IsValidation,
		},
		{
			name:      "handler failure",
			tool:      "fail",
			args:      map[string]any{"input": "x"},
			wantCheck: thverrors.IsExecution,
			wantMsg:   "volume vol1 is offline",
		},
		{
			name:      "validation prevents handler",
			tool:      "guarded",
			args:      nil,
			wantCheck: thverrors.IsValidation,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.Call(context.Background(), tt.tool, tt.args, cluster.NewRegistry())
			if tt.wantCheck != nil {
				require.Error(t, err)
				assert.True(t, tt.wantCheck(err), "unexpected error class: %v", err)
				if tt.wantMsg != "" {
					assert.Contains(t, err.Error(), tt.wantMsg)
				}
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	assert.False(t, handlerRan)
}

func TestRegistry_Validate(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	r.MustRegister(registration("echo", "diagnostics", okHandler))

	require.NoError(t, r.Validate("echo", map[string]any{"input": "x"}))
	require.ErrorIs(t, r.Validate("echo", nil), ErrInvalidArguments)
	require.ErrorIs(t, r.Validate("missing", nil), ErrToolNotFound)
}
