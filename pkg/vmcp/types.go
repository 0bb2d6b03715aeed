// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package vmcp

import (
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
)

// TransportType is the protocol used to reach a backend.
type TransportType string

const (
	// TransportStreamableHTTP is the MCP streamable HTTP transport.
	TransportStreamableHTTP TransportType = "streamable-http"

	// TransportSSE is the legacy MCP HTTP+SSE transport.
	TransportSSE TransportType = "sse"

	// TransportStdio launches the backend as a subprocess.
	TransportStdio TransportType = "stdio"

	// TransportToolmux talks to another toolmux session endpoint.
	TransportToolmux TransportType = "toolmux"
)

// ParseTransportType validates s. An empty string selects streamable-http.
func ParseTransportType(s string) (TransportType, error) {
	switch t := TransportType(s); t {
	case "":
		return TransportStreamableHTTP, nil
	case TransportStreamableHTTP, TransportSSE, TransportStdio, TransportToolmux:
		return t, nil
	case "streamable":
		return TransportStreamableHTTP, nil
	default:
		return "", fmt.Errorf("%w: %s (supported: streamable-http, sse, stdio, toolmux)", ErrUnsupportedTransport, s)
	}
}

// BackendConfig describes one backend server.
type BackendConfig struct {
	// Name identifies the backend. It must be unique.
	Name string

	// URL is the endpoint for HTTP based transports.
	URL string

	// Transport selects the protocol used to reach the backend.
	Transport TransportType

	// Enabled backends are connected by Initialize. Disabled ones are ignored.
	Enabled bool

	// Command, Args and Env start a stdio backend.
	Command string
	Args    []string
	Env     map[string]string

	// Headers are added to every HTTP request sent to the backend.
	Headers map[string]string

	// Timeout bounds a single request to the backend. Zero means the
	// client default.
	Timeout time.Duration
}

// Validate reports configuration that cannot produce a connection.
func (b BackendConfig) Validate() error {
	if b.Name == "" {
		return fmt.Errorf("%w: backend name is required", ErrInvalidConfig)
	}
	if _, err := ParseTransportType(string(b.Transport)); err != nil {
		return fmt.Errorf("backend %s: %w", b.Name, err)
	}
	if b.Transport == TransportStdio {
		if b.Command == "" {
			return fmt.Errorf("%w: backend %s: command is required for stdio", ErrInvalidConfig, b.Name)
		}
		return nil
	}
	if b.URL == "" {
		return fmt.Errorf("%w: backend %s: url is required", ErrInvalidConfig, b.Name)
	}
	return nil
}

// Tool is an aggregated tool definition together with every backend that
// advertises it, in discovery order.
type Tool struct {
	mcp.Tool

	// AvailableFrom lists backend names. The first entry owns the
	// definition.
	AvailableFrom []string `json:"availableFrom"`
}

// BackendStats is the per-backend part of Stats.
type BackendStats struct {
	Name  string `json:"name"`
	Tools int    `json:"tools"`
}

// Stats summarizes the manager state.
type Stats struct {
	// ConnectedBackends is the number of live backend connections.
	ConnectedBackends int `json:"connectedServers"`

	// TotalTools is the number of distinct tool names routed.
	TotalTools int `json:"totalTools"`

	// Backends holds per-backend tool counts in connection order.
	Backends []BackendStats `json:"servers"`
}
