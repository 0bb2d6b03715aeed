// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"fmt"
	"sort"

	mcpclient "github.com/mark3labs/mcp-go/client"
	mcptransport "github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/stacklok/toolmux/pkg/logger"
	"github.com/stacklok/toolmux/pkg/vmcp"
)

// maxToolPages bounds tools/list pagination.
const maxToolPages = 100

// mcpBackendClient is a BackendClient over a mark3labs MCP client.
type mcpBackendClient struct {
	name   string
	client *mcpclient.Client
	server mcp.Implementation
}

func dialMCP(ctx context.Context, backend vmcp.BackendConfig, transportType vmcp.TransportType, info mcp.Implementation) (BackendClient, error) {
	c, err := newMCPClient(ctx, backend, transportType)
	if err != nil {
		return nil, err
	}

	result, err := c.Initialize(ctx, mcp.InitializeRequest{
		Params: mcp.InitializeParams{
			ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
			ClientInfo:      info,
		},
	})
	if err != nil {
		if closeErr := c.Close(); closeErr != nil {
			logger.Debugf("Failed to close client for backend %s: %v", backend.Name, closeErr)
		}
		return nil, fmt.Errorf("initialize: %w", err)
	}

	logger.Debugw("backend initialized",
		"backend", backend.Name,
		"server", result.ServerInfo.Name,
		"server_version", result.ServerInfo.Version,
		"protocol_version", result.ProtocolVersion)

	return &mcpBackendClient{name: backend.Name, client: c, server: result.ServerInfo}, nil
}

// newMCPClient creates and starts a mark3labs client for transportType.
func newMCPClient(ctx context.Context, backend vmcp.BackendConfig, transportType vmcp.TransportType) (*mcpclient.Client, error) {
	var (
		c   *mcpclient.Client
		err error
	)

	switch transportType {
	case vmcp.TransportStreamableHTTP:
		httpClient := newHTTPClient(backend)
		c, err = mcpclient.NewStreamableHttpClient(
			backend.URL,
			mcptransport.WithHTTPTimeout(httpClient.Timeout),
			mcptransport.WithHTTPBasicClient(httpClient),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create streamable-http client: %w", err)
		}

	case vmcp.TransportSSE:
		c, err = mcpclient.NewSSEMCPClient(
			backend.URL,
			mcptransport.WithHTTPClient(newHTTPClient(backend)),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create SSE client: %w", err)
		}

	case vmcp.TransportStdio:
		// The stdio client spawns the process itself and needs no Start.
		c, err = mcpclient.NewStdioMCPClient(backend.Command, envList(backend.Env), backend.Args...)
		if err != nil {
			return nil, fmt.Errorf("failed to start stdio backend: %w", err)
		}
		return c, nil

	default:
		return nil, fmt.Errorf("%w: %s", vmcp.ErrUnsupportedTransport, transportType)
	}

	// The SSE stream lives as long as the connection, not the attempt.
	if err := c.Start(context.WithoutCancel(ctx)); err != nil {
		return nil, fmt.Errorf("failed to start client connection: %w", err)
	}
	return c, nil
}

// envList renders env as sorted KEY=value pairs.
func envList(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

func (c *mcpBackendClient) Name() string {
	return c.name
}

// ListTools follows pagination cursors until the catalog is complete.
func (c *mcpBackendClient) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	var (
		tools []mcp.Tool
		req   mcp.ListToolsRequest
	)
	for range maxToolPages {
		result, err := c.client.ListTools(ctx, req)
		if err != nil {
			return nil, wrapBackendError(err, c.name, "list tools from")
		}
		tools = append(tools, result.Tools...)
		if result.NextCursor == "" {
			return tools, nil
		}
		req.Params.Cursor = result.NextCursor
	}
	logger.Warnf("Backend %s returned more than %d pages of tools, truncating", c.name, maxToolPages)
	return tools, nil
}

func (c *mcpBackendClient) CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	result, err := c.client.CallTool(ctx, mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	})
	if err != nil {
		return nil, wrapBackendError(err, c.name, "call tool "+name+" on")
	}
	if result.IsError {
		logger.Debugw("backend tool returned an error result", "backend", c.name, "tool", name)
	}
	return result, nil
}

func (c *mcpBackendClient) Close() error {
	return c.client.Close()
}
