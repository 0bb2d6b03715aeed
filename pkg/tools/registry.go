// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package tools provides the in-process tool registry used in local mode.
//
// Tools are registered once during startup. Definitions are reported in
// registration order, which callers may rely on for caching. Arguments are
// validated against each tool's input schema before its handler runs.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/tidwall/gjson"
	"github.com/xeipuuv/gojsonschema"

	"github.com/stacklok/toolmux/pkg/cluster"
	thverrors "github.com/stacklok/toolmux/pkg/errors"
)

var (
	// ErrDuplicateTool is returned when a tool name is registered twice.
	ErrDuplicateTool = errors.New("duplicate tool")

	// ErrInvalidRegistration is returned for incomplete registrations.
	ErrInvalidRegistration = errors.New("invalid tool registration")

	// ErrRegistrySealed is returned when registering after Seal.
	ErrRegistrySealed = errors.New("tool registry is sealed")

	// ErrToolNotFound is the cause of not-found errors returned by Call.
	ErrToolNotFound = errors.New("tool not found")

	// ErrInvalidArguments is the cause of validation errors returned by Call.
	ErrInvalidArguments = errors.New("invalid tool arguments")
)

// Handler executes a tool. clusters is the calling session's execution context.
type Handler func(ctx context.Context, args map[string]any, clusters *cluster.Registry) (any, error)

// Registration describes one tool.
type Registration struct {
	Name       string
	Category   string
	Definition func() mcp.Tool
	Handler    Handler
}

type entry struct {
	reg    Registration
	tool   mcp.Tool
	schema *gojsonschema.Schema
}

// Registry maps tool names to their definitions and handlers.
type Registry struct {
	mu      sync.RWMutex
	order   []string
	entries map[string]*entry
	sealed  bool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Register adds reg. A failed registration leaves the registry unchanged.
func (r *Registry) Register(reg Registration) error {
	if reg.Name == "" || reg.Definition == nil || reg.Handler == nil {
		return fmt.Errorf("%w: name, definition and handler are required", ErrInvalidRegistration)
	}

	tool := reg.Definition()
	if tool.Name == "" {
		tool.Name = reg.Name
	}
	if tool.Name != reg.Name {
		return fmt.Errorf("%w: definition name %q does not match %q", ErrInvalidRegistration, tool.Name, reg.Name)
	}

	schema, err := compileSchema(tool)
	if err != nil {
		return fmt.Errorf("%w: tool '%s': %v", ErrInvalidRegistration, reg.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed {
		return ErrRegistrySealed
	}
	if _, exists := r.entries[reg.Name]; exists {
		return fmt.Errorf("%w: tool '%s' is already registered", ErrDuplicateTool, reg.Name)
	}

	r.entries[reg.Name] = &entry{reg: reg, tool: tool, schema: schema}
	r.order = append(r.order, reg.Name)
	return nil
}

// MustRegister is Register for startup code; it panics on failure.
func (r *Registry) MustRegister(regs ...Registration) {
	for _, reg := range regs {
		if err := r.Register(reg); err != nil {
			panic(err)
		}
	}
}

// Seal rejects any further registration.
func (r *Registry) Seal() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sealed = true
}

// Definitions returns every tool definition in registration order.
func (r *Registry) Definitions() []mcp.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]mcp.Tool, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.entries[name].tool)
	}
	return out
}

// Handler returns the handler registered under name.
func (r *Registry) Handler(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[name]
	if !ok {
		return nil, false
	}
	return e.reg.Handler, true
}

// Lookup returns the definition registered under name.
func (r *Registry) Lookup(name string) (mcp.Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[name]
	if !ok {
		return mcp.Tool{}, false
	}
	return e.tool, true
}

// Names returns the registered names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Count returns the number of registered tools.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// ByCategory returns the definitions tagged with category, in registration order.
func (r *Registry) ByCategory(category string) []mcp.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []mcp.Tool
	for _, name := range r.order {
		if e := r.entries[name]; e.reg.Category == category {
			out = append(out, e.tool)
		}
	}
	return out
}

// CategorySummary returns the number of tools per category.
func (r *Registry) CategorySummary() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]int)
	for _, e := range r.entries {
		out[e.reg.Category]++
	}
	return out
}

// Validate checks args against the input schema of the named tool.
func (r *Registry) Validate(name string, args map[string]any) error {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return thverrors.NewNotFoundError(fmt.Sprintf("unknown tool: %s", name), ErrToolNotFound)
	}
	return validate(e, args)
}

// Call validates args and runs the named tool. Failures are classified:
// unknown tools as not-found, schema violations as validation and handler
// failures as execution errors carrying the handler's message.
func (r *Registry) Call(ctx context.Context, name string, args map[string]any, clusters *cluster.Registry) (any, error) {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return nil, thverrors.NewNotFoundError(fmt.Sprintf("unknown tool: %s", name), ErrToolNotFound)
	}

	if err := validate(e, args); err != nil {
		return nil, err
	}
	if args == nil {
		args = map[string]any{}
	}

	result, err := e.reg.Handler(ctx, args, clusters)
	if err != nil {
		return nil, thverrors.NewExecutionError(err.Error(), err)
	}
	return result, nil
}

func validate(e *entry, args map[string]any) error {
	if args == nil {
		args = map[string]any{}
	}
	result, err := e.schema.Validate(gojsonschema.NewGoLoader(args))
	if err != nil {
		return thverrors.NewValidationError(fmt.Sprintf("invalid arguments for tool '%s': %v", e.reg.Name, err), ErrInvalidArguments)
	}
	if result.Valid() {
		return nil
	}

	msgs := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		msgs = append(msgs, desc.String())
	}
	return thverrors.NewValidationError(
		fmt.Sprintf("invalid arguments for tool '%s': %s", e.reg.Name, strings.Join(msgs, "; ")),
		ErrInvalidArguments,
	)
}

// compileSchema extracts the inputSchema from the tool's wire form so raw
// and structured schemas are treated alike.
func compileSchema(tool mcp.Tool) (*gojsonschema.Schema, error) {
	raw, err := json.Marshal(tool)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal definition: %w", err)
	}
	doc := gjson.GetBytes(raw, "inputSchema")
	if !doc.Exists() || !doc.IsObject() {
		return gojsonschema.NewSchema(gojsonschema.NewStringLoader(`{"type":"object"}`))
	}

	// null members (e.g. "required": null) are not valid schema keywords
	schema := make(map[string]any)
	doc.ForEach(func(key, value gjson.Result) bool {
		if value.Type != gjson.Null {
			schema[key.String()] = value.Value()
		}
		return true
	})
	return gojsonschema.NewSchema(gojsonschema.NewGoLoader(schema))
}
