// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
	"golang.org/x/exp/jsonrpc2"

	thverrors "github.com/stacklok/toolmux/pkg/errors"
)

// Version is the only accepted value of the jsonrpc member.
const Version = "2.0"

// Decode parses one JSON-RPC frame. Failures are returned as *DecodeError
// carrying the error code and, when recoverable, the request id.
func Decode(data []byte) (jsonrpc2.Message, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, &DecodeError{Code: thverrors.CodeParseError, Message: "empty message"}
	}
	if trimmed[0] == '[' {
		return nil, &DecodeError{Code: thverrors.CodeInvalidRequest, Message: "batch requests are not supported"}
	}
	if !gjson.ValidBytes(trimmed) {
		return nil, &DecodeError{Code: thverrors.CodeParseError, Message: "parse error"}
	}

	root := gjson.ParseBytes(trimmed)
	if !root.IsObject() {
		return nil, &DecodeError{Code: thverrors.CodeInvalidRequest, Message: "message must be a JSON object"}
	}

	id := rawID(root.Get("id"))
	if v := root.Get("jsonrpc"); v.Type != gjson.String || v.String() != Version {
		return nil, &DecodeError{
			ID:      id,
			Code:    thverrors.CodeInvalidRequest,
			Message: fmt.Sprintf("invalid request: jsonrpc must be %q", Version),
		}
	}

	method := root.Get("method")
	if method.Exists() && method.Type != gjson.String {
		return nil, &DecodeError{ID: id, Code: thverrors.CodeInvalidRequest, Message: "invalid request: method must be a string"}
	}
	if !method.Exists() && !root.Get("result").Exists() && !root.Get("error").Exists() {
		return nil, &DecodeError{ID: id, Code: thverrors.CodeInvalidRequest, Message: "invalid request: missing method"}
	}

	msg, err := jsonrpc2.DecodeMessage(trimmed)
	if err != nil {
		return nil, &DecodeError{ID: id, Code: thverrors.CodeInvalidRequest, Message: fmt.Sprintf("invalid request: %v", err)}
	}
	return msg, nil
}

// rawID keeps string and numeric ids exactly as sent.
func rawID(v gjson.Result) json.RawMessage {
	switch v.Type {
	case gjson.String, gjson.Number:
		return json.RawMessage(v.Raw)
	default:
		return nil
	}
}

// Encode renders a response produced by the Dispatcher.
func Encode(resp *jsonrpc2.Response) ([]byte, error) {
	return jsonrpc2.EncodeMessage(resp)
}

// IsNotification reports whether msg is a request that expects no response.
func IsNotification(msg jsonrpc2.Message) bool {
	if req, ok := msg.(*jsonrpc2.Request); ok {
		return !req.IsCall()
	}
	return false
}

// IsInitialize reports whether msg is an initialize call.
func IsInitialize(msg jsonrpc2.Message) bool {
	req, ok := msg.(*jsonrpc2.Request)
	return ok && req.IsCall() && req.Method == MethodInitialize
}
