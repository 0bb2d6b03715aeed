// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package errors provides error types and constants for the transport package.
package errors

import (
	"errors"
	"fmt"
)

// Common transport errors
var (
	ErrUnsupportedTransport = errors.New("unsupported transport type")
	ErrTransportNotStarted  = errors.New("transport not started")
	ErrTransportClosed      = errors.New("transport closed")
	ErrInvalidMessage       = errors.New("invalid message")
	ErrMissingDispatcher    = errors.New("transport requires a dispatcher")
	ErrSessionNotFound      = errors.New("session not found")
	ErrNoMessage            = errors.New("no JSON-RPC message in event stream")
)

// TransportError represents an error related to transport operations
type TransportError struct {
	// Err is the underlying error
	Err error
	// Transport is the transport type that failed
	Transport string
	// Message is an optional error message
	Message string
}

// Error returns the error message
func (e *TransportError) Error() string {
	if e.Message != "" {
		if e.Transport != "" {
			return fmt.Sprintf("%s: %s (transport: %s)", e.Err, e.Message, e.Transport)
		}
		return fmt.Sprintf("%s: %s", e.Err, e.Message)
	}

	if e.Transport != "" {
		return fmt.Sprintf("%s (transport: %s)", e.Err, e.Transport)
	}
	return e.Err.Error()
}

// Unwrap returns the underlying error
func (e *TransportError) Unwrap() error {
	return e.Err
}

// NewTransportError creates a new transport error
func NewTransportError(err error, transport, message string) *TransportError {
	return &TransportError{
		Err:       err,
		Transport: transport,
		Message:   message,
	}
}
