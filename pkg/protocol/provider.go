// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/stacklok/toolmux/pkg/tools"
)

//go:generate mockgen -destination=mocks/mock_provider.go -package=mocks -source=provider.go Provider

// Provider is the tool surface a Dispatcher serves.
//
// CallTool errors are classified with pkg/errors: not-found errors become
// -32601, validation errors -32602 and everything else -32603.
type Provider interface {
	// ListTools returns the tool definitions to advertise.
	ListTools(ctx context.Context) ([]mcp.Tool, error)

	// CallTool runs the named tool for conn.
	CallTool(ctx context.Context, conn *Conn, name string, args map[string]any) (*mcp.CallToolResult, error)
}

// LocalProvider serves the tools of an in-process registry. Handlers run
// against the calling connection's cluster registry.
type LocalProvider struct {
	registry *tools.Registry
}

// NewLocalProvider wraps registry.
func NewLocalProvider(registry *tools.Registry) *LocalProvider {
	return &LocalProvider{registry: registry}
}

// ListTools returns the registry's definitions in registration order.
func (p *LocalProvider) ListTools(_ context.Context) ([]mcp.Tool, error) {
	return p.registry.Definitions(), nil
}

// CallTool validates args and runs the tool.
func (p *LocalProvider) CallTool(ctx context.Context, conn *Conn, name string, args map[string]any) (*mcp.CallToolResult, error) {
	v, err := p.registry.Call(ctx, name, args, conn.Clusters())
	if err != nil {
		return nil, err
	}
	return tools.ToResult(v)
}
