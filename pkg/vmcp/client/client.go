// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package client opens connections to backend tool servers.
//
// Backends speaking MCP (streamable-http, sse, stdio) are reached through the
// mark3labs/mcp-go client. Other toolmux instances are reached through the
// toolmux session endpoint client.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/stacklok/toolmux/pkg/logger"
	"github.com/stacklok/toolmux/pkg/vmcp"
)

//go:generate mockgen -destination=mocks/mock_client.go -package=mocks -source=client.go BackendClient,Connector

// BackendClient is an initialized connection to one backend.
type BackendClient interface {
	// Name returns the configured backend name.
	Name() string

	// ListTools returns the backend's tool catalog.
	ListTools(ctx context.Context) ([]mcp.Tool, error)

	// CallTool runs a tool on the backend. Transport and protocol failures
	// are returned as errors; tool-level failures come back as results
	// with IsError set.
	CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error)

	// Close releases the connection.
	Close() error
}

// Connector opens backend connections.
type Connector interface {
	// Connect dials and initializes backend.
	Connect(ctx context.Context, backend vmcp.BackendConfig) (BackendClient, error)
}

const (
	// DefaultConnectTimeout bounds a single connection attempt.
	DefaultConnectTimeout = 30 * time.Second

	// DefaultConnectAttempts is the number of connection attempts per backend.
	DefaultConnectAttempts = 3

	// DefaultRequestTimeout bounds a single HTTP request to a backend.
	DefaultRequestTimeout = 30 * time.Second

	// maxResponseSize caps HTTP response bodies from backends.
	maxResponseSize = 100 * 1024 * 1024

	defaultRetryInterval = 500 * time.Millisecond
)

// Config tunes a Connector.
type Config struct {
	// ConnectTimeout bounds each attempt, handshake included.
	ConnectTimeout time.Duration

	// ConnectAttempts is the total number of attempts, the first included.
	ConnectAttempts int

	// RetryInterval is the initial backoff between attempts.
	RetryInterval time.Duration

	// ClientInfo is reported to backends during initialize.
	ClientInfo mcp.Implementation
}

func (c Config) withDefaults() Config {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.ConnectAttempts <= 0 {
		c.ConnectAttempts = DefaultConnectAttempts
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = defaultRetryInterval
	}
	if c.ClientInfo.Name == "" {
		c.ClientInfo = mcp.Implementation{Name: "toolmux", Version: "dev"}
	}
	return c
}

// dialFunc performs one connection attempt.
type dialFunc func(ctx context.Context, backend vmcp.BackendConfig, info mcp.Implementation) (BackendClient, error)

type connector struct {
	config Config
	dial   dialFunc
}

// NewConnector returns a Connector that dispatches on the backend transport
// and retries failed attempts with exponential backoff.
func NewConnector(config Config) Connector {
	return &connector{
		config: config.withDefaults(),
		dial:   dial,
	}
}

// Connect implements Connector.
func (c *connector) Connect(ctx context.Context, backend vmcp.BackendConfig) (BackendClient, error) {
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = c.config.RetryInterval
	expBackoff.MaxInterval = 30 * c.config.RetryInterval
	expBackoff.Reset()

	attempt := 0
	operation := func() (BackendClient, error) {
		attempt++
		attemptCtx, cancel := context.WithTimeout(ctx, c.config.ConnectTimeout)
		defer cancel()

		bc, err := c.dial(attemptCtx, backend, c.config.ClientInfo)
		if err != nil {
			if errors.Is(err, vmcp.ErrUnsupportedTransport) || errors.Is(err, vmcp.ErrInvalidConfig) {
				return nil, backoff.Permanent(err)
			}
			if ctx.Err() != nil {
				return nil, backoff.Permanent(wrapBackendError(err, backend.Name, "connect"))
			}
			logger.Debugw("backend connection attempt failed",
				"backend", backend.Name,
				"attempt", attempt,
				"max_attempts", c.config.ConnectAttempts,
				"error", err)
			return nil, wrapBackendError(err, backend.Name, "connect")
		}
		return bc, nil
	}

	bc, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxTries(uint(c.config.ConnectAttempts)), // #nosec G115 -- validated positive
		backoff.WithNotify(func(_ error, d time.Duration) {
			logger.Debugf("Retrying connection to backend %s after %v", backend.Name, d)
		}),
	)
	if err != nil {
		return nil, err
	}
	logger.Infow("connected to backend", "backend", backend.Name, "transport", string(backend.Transport), "attempts", attempt)
	return bc, nil
}

// dial connects according to backend.Transport.
func dial(ctx context.Context, backend vmcp.BackendConfig, info mcp.Implementation) (BackendClient, error) {
	transportType, err := vmcp.ParseTransportType(string(backend.Transport))
	if err != nil {
		return nil, err
	}

	switch transportType {
	case vmcp.TransportStreamableHTTP, vmcp.TransportSSE, vmcp.TransportStdio:
		return dialMCP(ctx, backend, transportType, info)
	case vmcp.TransportToolmux:
		return dialToolmux(ctx, backend, info)
	default:
		return nil, fmt.Errorf("%w: %s", vmcp.ErrUnsupportedTransport, backend.Transport)
	}
}

// roundTripperFunc is a function adapter for http.RoundTripper.
type roundTripperFunc func(*http.Request) (*http.Response, error)

// RoundTrip implements http.RoundTripper.
func (f roundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

// newHTTPClient builds the HTTP client used for a backend: static headers
// first, then a response size limit.
func newHTTPClient(backend vmcp.BackendConfig) *http.Client {
	base := http.DefaultTransport
	headers := backend.Headers

	limited := roundTripperFunc(func(req *http.Request) (*http.Response, error) {
		if len(headers) > 0 {
			req = req.Clone(req.Context())
			for k, v := range headers {
				req.Header.Set(k, v)
			}
		}
		resp, err := base.RoundTrip(req)
		if err != nil {
			return nil, err
		}
		resp.Body = struct {
			io.Reader
			io.Closer
		}{
			Reader: io.LimitReader(resp.Body, maxResponseSize),
			Closer: resp.Body,
		}
		return resp, nil
	})

	timeout := backend.Timeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	return &http.Client{Transport: limited, Timeout: timeout}
}

// wrapBackendError classifies err under a vmcp sentinel so callers can use
// errors.Is without matching strings.
func wrapBackendError(err error, backend, operation string) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, vmcp.ErrBackendUnavailable), errors.Is(err, vmcp.ErrTimeout), errors.Is(err, vmcp.ErrCancelled):
		return err
	case errors.Is(err, context.Canceled):
		return fmt.Errorf("%w: failed to %s backend %s: %w", vmcp.ErrCancelled, operation, backend, err)
	case vmcp.IsTimeoutError(err):
		return fmt.Errorf("%w: failed to %s backend %s: %w", vmcp.ErrTimeout, operation, backend, err)
	default:
		return fmt.Errorf("%w: failed to %s backend %s: %w", vmcp.ErrBackendUnavailable, operation, backend, err)
	}
}
