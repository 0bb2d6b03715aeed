// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package builtin provides the tools every toolmux server registers in
// local mode: cluster management against the calling session's cluster
// registry, and an echo tool for diagnostics.
package builtin

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/stacklok/toolmux/pkg/cluster"
	"github.com/stacklok/toolmux/pkg/tools"
)

// Tool categories.
const (
	CategoryCluster     = "cluster"
	CategoryDiagnostics = "diagnostics"
)

// errNoContext is returned when a handler runs without a cluster registry.
var errNoContext = errors.New("no cluster registry for this session")

// Register adds every builtin tool to reg.
func Register(reg *tools.Registry) error {
	for _, r := range Registrations() {
		if err := reg.Register(r); err != nil {
			return err
		}
	}
	return nil
}

// Registrations returns the builtin tools in registration order.
func Registrations() []tools.Registration {
	return []tools.Registration{
		{Name: "add_cluster", Category: CategoryCluster, Definition: addClusterTool, Handler: handleAddCluster},
		{Name: "list_registered_clusters", Category: CategoryCluster, Definition: listClustersTool, Handler: handleListClusters},
		{Name: "get_cluster_info", Category: CategoryCluster, Definition: clusterInfoTool, Handler: handleClusterInfo},
		{Name: "remove_cluster", Category: CategoryCluster, Definition: removeClusterTool, Handler: handleRemoveCluster},
		{Name: "echo", Category: CategoryDiagnostics, Definition: echoTool, Handler: handleEcho},
	}
}

func addClusterTool() mcp.Tool {
	return mcp.NewTool("add_cluster",
		mcp.WithDescription("Add a cluster to the session's registry for multi-cluster management"),
		mcp.WithString("name", mcp.Required(), mcp.Description("Unique name for the cluster")),
		mcp.WithString("cluster_ip", mcp.Required(), mcp.Description("IP address or FQDN of the cluster")),
		mcp.WithString("username", mcp.Required(), mcp.Description("Username for authentication")),
		mcp.WithString("password", mcp.Required(), mcp.Description("Password for authentication")),
		mcp.WithString("description", mcp.Description("Optional description of the cluster")),
	)
}

func listClustersTool() mcp.Tool {
	return mcp.NewTool("list_registered_clusters",
		mcp.WithDescription("List all clusters registered in this session"),
	)
}

func clusterInfoTool() mcp.Tool {
	return mcp.NewTool("get_cluster_info",
		mcp.WithDescription("Show the registration details of a cluster"),
		mcp.WithString("cluster_name", mcp.Required(), mcp.Description("Name of the registered cluster")),
	)
}

func removeClusterTool() mcp.Tool {
	return mcp.NewTool("remove_cluster",
		mcp.WithDescription("Remove a cluster from the session's registry"),
		mcp.WithString("cluster_name", mcp.Required(), mcp.Description("Name of the registered cluster")),
	)
}

func echoTool() mcp.Tool {
	return mcp.NewTool("echo",
		mcp.WithDescription("Return the message unchanged, as a summary and structured data"),
		mcp.WithString("message", mcp.Required(), mcp.Description("Text to echo")),
		mcp.WithNumber("repeat", mcp.Description("Number of copies in the data field (1-10)"), mcp.Min(1), mcp.Max(10)),
	)
}

func stringArg(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return strings.TrimSpace(s)
}

func handleAddCluster(_ context.Context, args map[string]any, clusters *cluster.Registry) (any, error) {
	if clusters == nil {
		return nil, errNoContext
	}
	c := cluster.Cluster{
		Name:        stringArg(args, "name"),
		Address:     stringArg(args, "cluster_ip"),
		Username:    stringArg(args, "username"),
		Password:    stringArg(args, "password"),
		Description: stringArg(args, "description"),
	}
	if err := clusters.Add(c); err != nil {
		return nil, err
	}

	description := c.Description
	if description == "" {
		description = "None"
	}
	return fmt.Sprintf("Cluster '%s' added successfully:\nIP: %s\nDescription: %s\nUsername: %s",
		c.Name, c.Address, description, c.Username), nil
}

func handleListClusters(_ context.Context, _ map[string]any, clusters *cluster.Registry) (any, error) {
	if clusters == nil || clusters.Len() == 0 {
		return "No clusters registered. Use 'add_cluster' to register clusters.", nil
	}

	list := clusters.List()
	var b strings.Builder
	fmt.Fprintf(&b, "Registered clusters (%d):\n", len(list))
	for _, c := range list {
		description := c.Description
		if description == "" {
			description = "No description"
		}
		fmt.Fprintf(&b, "\n- %s: %s (%s)", c.Name, c.Address, description)
	}
	return b.String(), nil
}

func handleClusterInfo(_ context.Context, args map[string]any, clusters *cluster.Registry) (any, error) {
	if clusters == nil {
		return nil, errNoContext
	}
	c, err := clusters.Get(stringArg(args, "cluster_name"))
	if err != nil {
		return nil, err
	}
	return tools.Hybrid{
		Summary: fmt.Sprintf("Cluster '%s' at %s (user %s)", c.Name, c.Address, c.Username),
		Data:    c.Redacted(),
	}, nil
}

func handleRemoveCluster(_ context.Context, args map[string]any, clusters *cluster.Registry) (any, error) {
	if clusters == nil {
		return nil, errNoContext
	}
	name := stringArg(args, "cluster_name")
	if err := clusters.Remove(name); err != nil {
		return nil, err
	}
	return fmt.Sprintf("Cluster '%s' removed.", name), nil
}

func handleEcho(_ context.Context, args map[string]any, _ *cluster.Registry) (any, error) {
	message, _ := args["message"].(string)
	repeat := 1
	if n, ok := args["repeat"].(float64); ok {
		repeat = int(n)
	}

	copies := make([]string, repeat)
	for i := range copies {
		copies[i] = message
	}
	return tools.Hybrid{
		Summary: message,
		Data: map[string]any{
			"message": message,
			"copies":  copies,
			"length":  len(message),
		},
	}, nil
}
