// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package tools

import (
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
)

// Hybrid is a handler result carrying a human-readable summary alongside
// machine-readable data. It is sent as a JSON text block so clients can
// pick either half.
type Hybrid struct {
	Summary string `json:"summary"`
	Data    any    `json:"data"`
}

// ToResult converts a handler's return value into a tool call result.
//
//   - *mcp.CallToolResult passes through.
//   - string becomes a single text block.
//   - Hybrid becomes a JSON text block with Data as structured content.
//   - Anything else is rendered as indented JSON text.
func ToResult(v any) (*mcp.CallToolResult, error) {
	switch val := v.(type) {
	case *mcp.CallToolResult:
		return val, nil
	case string:
		return &mcp.CallToolResult{Content: []mcp.Content{mcp.NewTextContent(val)}}, nil
	case Hybrid:
		return hybridResult(val)
	case *Hybrid:
		return hybridResult(*val)
	case nil:
		return &mcp.CallToolResult{Content: []mcp.Content{}}, nil
	}

	text, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode tool result: %w", err)
	}
	return &mcp.CallToolResult{Content: []mcp.Content{mcp.NewTextContent(string(text))}}, nil
}

func hybridResult(h Hybrid) (*mcp.CallToolResult, error) {
	text, err := json.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("failed to encode tool result: %w", err)
	}
	return &mcp.CallToolResult{
		Content:           []mcp.Content{mcp.NewTextContent(string(text))},
		StructuredContent: h.Data,
	}, nil
}
