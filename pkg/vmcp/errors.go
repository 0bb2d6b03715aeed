// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package vmcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"
)

// Domain errors shared by the vmcp subpackages. Check them with errors.Is.
var (
	// ErrInvalidConfig indicates an unusable backend configuration.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrUnsupportedTransport indicates an unknown backend transport.
	ErrUnsupportedTransport = errors.New("unsupported transport type")

	// ErrNoBackendsAvailable is returned when no backend could be connected.
	ErrNoBackendsAvailable = errors.New("no backends available")

	// ErrBackendNotFound indicates a backend name that is not configured.
	ErrBackendNotFound = errors.New("backend not found")

	// ErrBackendUnavailable wraps transport failures talking to a backend.
	ErrBackendUnavailable = errors.New("backend unavailable")

	// ErrToolNotAvailable is the class of ToolNotAvailableError.
	ErrToolNotAvailable = errors.New("tool not available")

	// ErrAllBackendsFailed is the class of CallError.
	ErrAllBackendsFailed = errors.New("all backends failed")

	// ErrTimeout indicates a backend operation timed out.
	ErrTimeout = errors.New("operation timed out")

	// ErrCancelled indicates a backend operation was cancelled.
	ErrCancelled = errors.New("operation cancelled")
)

// ToolNotAvailableError is returned when no connected backend routes a tool.
type ToolNotAvailableError struct {
	Tool string
}

func (e *ToolNotAvailableError) Error() string {
	return fmt.Sprintf("tool '%s' not available on any connected server", e.Tool)
}

// Is matches ErrToolNotAvailable.
func (*ToolNotAvailableError) Is(target error) bool {
	return target == ErrToolNotAvailable
}

// CallError is returned when every candidate backend for a tool failed.
// It unwraps to ErrAllBackendsFailed and to the last backend error.
type CallError struct {
	Tool string

	// Attempted lists the backends tried, in order.
	Attempted []string

	// Last is the error of the final attempt.
	Last error
}

func (e *CallError) Error() string {
	return fmt.Sprintf("all servers failed for tool '%s': %v", e.Tool, e.Last)
}

// Unwrap exposes the error class and the last failure.
func (e *CallError) Unwrap() []error {
	return []error{ErrAllBackendsFailed, e.Last}
}

// IsTimeoutError reports whether err is a timeout.
func IsTimeoutError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded")
}

// IsConnectionError reports whether err means the backend could not be
// reached or dropped the connection. Any error classified as
// ErrBackendUnavailable counts.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrBackendUnavailable) || IsUnreachableError(err)
}

// IsUnreachableError reports whether err carries evidence that the
// connection itself is gone: a refused or reset socket, a closed pipe or an
// end of stream. Errors answered by a live backend do not count.
func IsUnreachableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, pattern := range []string{"connection refused", "connection reset", "no such host", "broken pipe", "unexpected eof"} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}
