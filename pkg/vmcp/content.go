// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package vmcp

import (
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/tidwall/gjson"
)

// ExtractData returns the machine-readable part of a tool result.
//
// Structured content wins when present. Otherwise the first text block is
// read: the "data" field of a {summary,data} object, any other JSON value
// as decoded, or the raw text. A result without text yields nil.
func ExtractData(result *mcp.CallToolResult) any {
	if result == nil {
		return nil
	}
	if result.StructuredContent != nil {
		return result.StructuredContent
	}
	text, ok := firstText(result)
	if !ok {
		return nil
	}
	if !gjson.Valid(text) {
		return text
	}
	parsed := gjson.Parse(text)
	if parsed.IsObject() {
		if data := parsed.Get("data"); data.Exists() && parsed.Get("summary").Exists() {
			return data.Value()
		}
	}
	return parsed.Value()
}

// Summary returns the human-readable part of a tool result: the "summary"
// field of a {summary,data} object, or all text blocks joined by newlines.
func Summary(result *mcp.CallToolResult) string {
	if result == nil {
		return ""
	}
	if text, ok := firstText(result); ok && gjson.Valid(text) {
		if s := gjson.Get(text, "summary"); s.Type == gjson.String {
			return s.String()
		}
	}
	var parts []string
	for _, c := range result.Content {
		if tc, ok := mcp.AsTextContent(c); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}

func firstText(result *mcp.CallToolResult) (string, bool) {
	for _, c := range result.Content {
		if tc, ok := mcp.AsTextContent(c); ok {
			return tc.Text, true
		}
	}
	return "", false
}
