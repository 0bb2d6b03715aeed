// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/stacklok/toolmux/pkg/protocol"
	"github.com/stacklok/toolmux/pkg/transport"
	"github.com/stacklok/toolmux/pkg/vmcp"
)

// toolmuxBackendClient is a BackendClient over another toolmux session
// endpoint.
type toolmuxBackendClient struct {
	name    string
	client  *transport.Client
	timeout func() (context.Context, context.CancelFunc)
}

func dialToolmux(ctx context.Context, backend vmcp.BackendConfig, info mcp.Implementation) (BackendClient, error) {
	httpClient := newHTTPClient(backend)
	c := transport.NewClient(backend.URL, transport.WithHTTPClient(httpClient))

	if _, err := c.Initialize(ctx, protocol.InitializeParams{ClientInfo: info}); err != nil {
		return nil, fmt.Errorf("initialize: %w", err)
	}
	return &toolmuxBackendClient{
		name:   backend.Name,
		client: c,
		timeout: func() (context.Context, context.CancelFunc) {
			return context.WithTimeout(context.Background(), httpClient.Timeout)
		},
	}, nil
}

func (c *toolmuxBackendClient) Name() string {
	return c.name
}

func (c *toolmuxBackendClient) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	tools, err := c.client.ListTools(ctx)
	if err != nil {
		return nil, wrapBackendError(err, c.name, "list tools from")
	}
	return tools, nil
}

func (c *toolmuxBackendClient) CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	result, err := c.client.CallTool(ctx, name, args)
	if err != nil {
		return nil, wrapBackendError(err, c.name, "call tool "+name+" on")
	}
	return result, nil
}

// Close ends the remote session.
func (c *toolmuxBackendClient) Close() error {
	ctx, cancel := c.timeout()
	defer cancel()
	return c.client.Close(ctx)
}
