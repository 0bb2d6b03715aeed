// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package router

import (
	"encoding/json"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/tidwall/gjson"
)

// SameInputSchema reports whether a and b accept the same arguments.
// Schemas are compared as decoded JSON, so raw and structured forms of the
// same schema are equal. Members holding an empty list or object, such as
// "required": [], are treated as absent.
func SameInputSchema(a, b mcp.Tool) bool {
	return cmp.Equal(inputSchema(a), inputSchema(b), cmpopts.EquateEmpty())
}

func inputSchema(tool mcp.Tool) any {
	encoded, err := json.Marshal(tool)
	if err != nil {
		return nil
	}
	raw := gjson.GetBytes(encoded, "inputSchema")
	if !raw.Exists() {
		return nil
	}
	return pruneEmpty(raw.Value())
}

// pruneEmpty drops object members whose value is an empty list or object,
// recursively.
func pruneEmpty(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, member := range t {
			member = pruneEmpty(member)
			if isEmpty(member) {
				continue
			}
			out[k] = member
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = pruneEmpty(item)
		}
		return out
	default:
		return v
	}
}

func isEmpty(v any) bool {
	switch t := v.(type) {
	case map[string]any:
		return len(t) == 0
	case []any:
		return len(t) == 0
	default:
		return false
	}
}
