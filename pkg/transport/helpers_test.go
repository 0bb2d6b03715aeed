// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/stacklok/toolmux/pkg/cluster"
	"github.com/stacklok/toolmux/pkg/protocol"
	"github.com/stacklok/toolmux/pkg/tools"
)

const initializeFrame = `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-06-18",` +
	`"clientInfo":{"name":"test-client","version":"1.0"}}}`

func testRegistry(t *testing.T) *tools.Registry {
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
	reg.Seal()
	return reg
}

// clusterHook registers the clusters passed in initializationOptions.
func clusterHook(_ context.Context, conn *protocol.Conn, params protocol.InitializeParams) error {
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

func testDispatcher(t *testing.T, opts ...protocol.Option) (*protocol.Dispatcher, protocol.Provider) {
	t.Helper()
	provider := protocol.NewLocalProvider(testRegistry(t))
	opts = append([]protocol.Option{protocol.WithInitializeHook(clusterHook)}, opts...)
	return protocol.NewDispatcher(provider, opts...), provider
}
