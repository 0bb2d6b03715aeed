// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package transport provides the stdio, stateless HTTP and streaming-session
// HTTP transports that expose a protocol.Dispatcher to clients, plus a
// client for the streaming-session transport.
package transport

import (
	"os"

	"github.com/stacklok/toolmux/pkg/transport/errors"
	"github.com/stacklok/toolmux/pkg/transport/types"
)

// Factory creates transports
type Factory struct{}

// NewFactory creates a new transport factory
func NewFactory() *Factory {
	return &Factory{}
}

// Create creates a transport based on the provided configuration
func (*Factory) Create(config types.Config) (types.Transport, error) {
	if config.Dispatcher == nil {
		return nil, errors.ErrMissingDispatcher
	}

	switch config.Type {
	case types.TransportTypeStdio:
		in, out := config.Stdin, config.Stdout
		if in == nil {
			in = os.Stdin
		}
		if out == nil {
			out = os.Stdout
		}
		return NewStdioTransport(config.Dispatcher, in, out, config.ConnSetup), nil
	case types.TransportTypeHTTP:
		if config.Provider == nil {
			return nil, errors.NewTransportError(errors.ErrUnsupportedTransport, string(config.Type),
				"stateless transport requires a provider")
		}
		return NewStatelessTransport(config), nil
	case types.TransportTypeStreamableHTTP:
		return NewStreamableTransport(config), nil
	default:
		return nil, errors.ErrUnsupportedTransport
	}
}
