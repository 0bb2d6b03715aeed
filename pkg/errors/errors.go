// Package errors defines the error taxonomy shared by toolmux components
// and its mapping onto JSON-RPC error codes.
package errors

import (
	"errors"
	"fmt"
)

// Error types
const (
	// ErrProtocol is a malformed envelope, wrong version tag or unknown method.
	ErrProtocol = "protocol"

	// ErrValidation is a missing or malformed tool argument.
	ErrValidation = "validation"

	// ErrNotFound is an unknown tool.
	ErrNotFound = "not_found"

	// ErrExecution is a failure raised by a tool handler or a backend.
	ErrExecution = "execution"

	// ErrConnectivity is an unreachable backend.
	ErrConnectivity = "connectivity"

	// ErrLifecycle is a failure while tearing down a session or connection.
	ErrLifecycle = "lifecycle"
)

// JSON-RPC error codes.
const (
	CodeParseError     int64 = -32700
	CodeInvalidRequest int64 = -32600
	CodeMethodNotFound int64 = -32601
	CodeInvalidParams  int64 = -32602
	CodeInternalError  int64 = -32603
	// CodeSessionError is returned by the streaming transport for
	// missing, unknown or expired sessions.
	CodeSessionError int64 = -32000
)

// Error represents a classified error.
type Error struct {
	// Type is the error type
	Type string

	// Message is the error message
	Message string

	// Cause is the underlying error
	Cause error
}

// Error returns the error message
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new error
func NewError(errorType, message string, cause error) *Error {
	return &Error{
		Type:    errorType,
		Message: message,
		Cause:   cause,
	}
}

// NewProtocolError creates a new protocol error
func NewProtocolError(message string, cause error) *Error {
	return NewError(ErrProtocol, message, cause)
}

// NewValidationError creates a new validation error
func NewValidationError(message string, cause error) *Error {
	return NewError(ErrValidation, message, cause)
}

// NewNotFoundError creates a new not found error
func NewNotFoundError(message string, cause error) *Error {
	return NewError(ErrNotFound, message, cause)
}

// NewExecutionError creates a new execution error
func NewExecutionError(message string, cause error) *Error {
	return NewError(ErrExecution, message, cause)
}

// NewConnectivityError creates a new connectivity error
func NewConnectivityError(message string, cause error) *Error {
	return NewError(ErrConnectivity, message, cause)
}

// NewLifecycleError creates a new lifecycle error
func NewLifecycleError(message string, cause error) *Error {
	return NewError(ErrLifecycle, message, cause)
}

func isType(err error, errorType string) bool {
	var e *Error
	return errors.As(err, &e) && e.Type == errorType
}

// IsProtocol checks if the error is a protocol error
func IsProtocol(err error) bool {
	return isType(err, ErrProtocol)
}

// IsValidation checks if the error is a validation error
func IsValidation(err error) bool {
	return isType(err, ErrValidation)
}

// IsNotFound checks if the error is a not found error
func IsNotFound(err error) bool {
	return isType(err, ErrNotFound)
}

// IsExecution checks if the error is an execution error
func IsExecution(err error) bool {
	return isType(err, ErrExecution)
}

// IsConnectivity checks if the error is a connectivity error
func IsConnectivity(err error) bool {
	return isType(err, ErrConnectivity)
}

// IsLifecycle checks if the error is a lifecycle error
func IsLifecycle(err error) bool {
	return isType(err, ErrLifecycle)
}

// Code returns the JSON-RPC error code for err. Unclassified errors,
// including raw network failures, map to CodeInternalError.
func Code(err error) int64 {
	var e *Error
	if !errors.As(err, &e) {
		return CodeInternalError
	}
	switch e.Type {
	case ErrProtocol:
		return CodeInvalidRequest
	case ErrValidation:
		return CodeInvalidParams
	case ErrNotFound:
		return CodeMethodNotFound
	default:
		return CodeInternalError
	}
}
