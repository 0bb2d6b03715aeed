// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package manager

import (
	"context"
	"errors"

	"github.com/mark3labs/mcp-go/mcp"

	thverrors "github.com/stacklok/toolmux/pkg/errors"
	"github.com/stacklok/toolmux/pkg/protocol"
	"github.com/stacklok/toolmux/pkg/vmcp"
)

// Provider serves a Manager's aggregated catalog through the protocol
// runtime.
type Provider struct {
	manager *Manager
}

var _ protocol.Provider = (*Provider)(nil)

// NewProvider wraps m.
func NewProvider(m *Manager) *Provider {
	return &Provider{manager: m}
}

// ListTools returns the canonical definitions in discovery order.
func (p *Provider) ListTools(_ context.Context) ([]mcp.Tool, error) {
	all := p.manager.ListAllTools()
	out := make([]mcp.Tool, 0, len(all))
	for _, t := range all {
		out = append(out, t.Tool)
	}
	return out, nil
}

// CallTool routes the call through the manager. A backend pinned with
// protocol.WithPreferredBackend is honored.
func (p *Provider) CallTool(ctx context.Context, _ *protocol.Conn, name string, args map[string]any) (*mcp.CallToolResult, error) {
	preferred, _ := protocol.PreferredBackend(ctx)
	result, err := p.manager.CallTool(ctx, name, args, preferred)
	if err == nil {
		return result, nil
	}

	switch {
	case errors.Is(err, vmcp.ErrToolNotAvailable):
		return nil, thverrors.NewNotFoundError(err.Error(), err)
	case errors.Is(err, vmcp.ErrAllBackendsFailed):
		return nil, thverrors.NewExecutionError(err.Error(), err)
	case vmcp.IsConnectionError(err) || vmcp.IsTimeoutError(err):
		return nil, thverrors.NewConnectivityError(err.Error(), err)
	default:
		return nil, thverrors.NewExecutionError(err.Error(), err)
	}
}
