// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package types provides common types and interfaces for the transport package.
package types

import (
	"context"
	"io"
	"net/http"
	"strings"

	"github.com/jonboulle/clockwork"

	"github.com/stacklok/toolmux/pkg/protocol"
	"github.com/stacklok/toolmux/pkg/telemetry"
	"github.com/stacklok/toolmux/pkg/transport/errors"
	"github.com/stacklok/toolmux/pkg/transport/session"
)

// Transport is one way of exposing a Dispatcher to clients.
type Transport interface {
	// Mode returns the transport type.
	Mode() TransportType

	// Start serves until ctx is cancelled, Stop is called or, for stdio,
	// the input ends.
	Start(ctx context.Context) error

	// Stop shuts the transport down and releases every connection it holds.
	Stop(ctx context.Context) error
}

// TransportType represents the type of transport to use.
//
//nolint:revive // Intentionally named TransportType despite package name
type TransportType string

const (
	// TransportTypeStdio is newline-framed JSON-RPC over standard input/output.
	TransportTypeStdio TransportType = "stdio"

	// TransportTypeHTTP is the stateless HTTP transport with per-tool endpoints.
	TransportTypeHTTP TransportType = "http"

	// TransportTypeStreamableHTTP is the session-oriented HTTP transport.
	TransportTypeStreamableHTTP TransportType = "streamable-http"
)

// String returns the string representation of the transport type.
func (t TransportType) String() string {
	return string(t)
}

// ParseTransportType parses a string into a transport type.
func ParseTransportType(s string) (TransportType, error) {
	switch strings.ToLower(s) {
	case "stdio":
		return TransportTypeStdio, nil
	case "http", "stateless":
		return TransportTypeHTTP, nil
	case "streamable-http", "streamable", "streamablehttp":
		return TransportTypeStreamableHTTP, nil
	default:
		return "", errors.ErrUnsupportedTransport
	}
}

// ConnSetup prepares a connection that skips the initialize handshake.
type ConnSetup func(ctx context.Context, conn *protocol.Conn) error

// Config contains configuration options for a transport.
type Config struct {
	// Type is the transport type.
	Type TransportType

	// Host and Port are the HTTP listen address. Port 0 picks a free port.
	Host string
	Port int

	// EndpointPath is the JSON-RPC endpoint of the HTTP transports.
	EndpointPath string

	// Session holds the streaming-session expiry policy.
	Session session.Config

	// AllowedOrigins lists CORS origins for the streaming-session transport.
	AllowedOrigins []string

	// Dispatcher handles every JSON-RPC message.
	Dispatcher *protocol.Dispatcher

	// Provider serves the stateless per-tool endpoints.
	Provider protocol.Provider

	// ConnSetup runs on connections created without a handshake (stdio
	// before its first frame, stateless per request).
	ConnSetup ConnSetup

	// MetricsHandler serves /metrics when set.
	MetricsHandler http.Handler

	// Recorder receives session events.
	Recorder telemetry.Recorder

	// Clock drives session expiry. Defaults to the real clock.
	Clock clockwork.Clock

	// Stdin and Stdout are the stdio transport's streams.
	Stdin  io.Reader
	Stdout io.Writer
}
