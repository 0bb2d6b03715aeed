// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/exp/jsonrpc2"

	thverrors "github.com/stacklok/toolmux/pkg/errors"
)

var (
	// ErrNotInitialized is the cause of requests rejected before the handshake.
	ErrNotInitialized = errors.New("session not initialized")

	// ErrConnTerminated is the cause of requests rejected after close.
	ErrConnTerminated = errors.New("session terminated")

	// ErrMethodNotFound is the cause of requests for unknown methods.
	ErrMethodNotFound = errors.New("method not found")

	// ErrInvalidParams is the cause of malformed request parameters.
	ErrInvalidParams = errors.New("invalid params")
)

// DecodeError describes a frame that could not be turned into a message.
// ID is the request id when one could be recovered, nil otherwise.
type DecodeError struct {
	ID      json.RawMessage
	Code    int64
	Message string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("jsonrpc decode error %d: %s", e.Code, e.Message)
}

// Encode renders the error response for the frame.
func (e *DecodeError) Encode() []byte {
	return EncodeError(e.ID, e.Code, e.Message)
}

type errorEnvelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Error   errorObject     `json:"error"`
}

type errorObject struct {
	Code    int64  `json:"code"`
	Message string `json:"message"`
}

// EncodeError builds an error response by hand. It is used where the
// request id is unknown, because the jsonrpc2 encoder omits invalid ids
// instead of writing null.
func EncodeError(id json.RawMessage, code int64, message string) []byte {
	if len(id) == 0 {
		id = json.RawMessage("null")
	}
	data, err := json.Marshal(errorEnvelope{
		JSONRPC: "2.0",
		ID:      id,
		Error:   errorObject{Code: code, Message: message},
	})
	if err != nil {
		// id is the only variable part; fall back to null
		return []byte(fmt.Sprintf(`{"jsonrpc":"2.0","id":null,"error":{"code":%d,"message":"internal error"}}`,
			thverrors.CodeInternalError))
	}
	return data
}

// toWireError normalizes err to a JSON-RPC error. Classified errors keep
// their own message; anything else, including network failures, becomes an
// internal error.
func toWireError(err error) error {
	msg := err.Error()
	var te *thverrors.Error
	if errors.As(err, &te) {
		msg = te.Message
	}
	return jsonrpc2.NewError(thverrors.Code(err), msg)
}
