// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package router maps tool names to the backends that serve them.
//
// A Table is built once per discovery pass and never modified afterwards.
// Router publishes the current table atomically, so lookups see either the
// old table or the new one.
package router

import (
	"errors"
	"fmt"
	"slices"
	"sync/atomic"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/stacklok/toolmux/pkg/logger"
)

// ErrToolNotFound indicates the tool is not in the routing table.
var ErrToolNotFound = errors.New("tool not found")

// Route describes how one tool name is served.
type Route struct {
	// Tool is the canonical definition, taken from the first advertiser.
	Tool mcp.Tool

	// Backends lists every advertiser in discovery order.
	Backends []string

	// Candidates lists the backends eligible for failover, in discovery
	// order. It is Backends minus those with a divergent input schema,
	// unless divergent schemas are allowed.
	Candidates []string
}

func (r Route) clone() Route {
	r.Backends = slices.Clone(r.Backends)
	r.Candidates = slices.Clone(r.Candidates)
	return r
}

// Table is an immutable routing table.
type Table struct {
	routes map[string]*Route
	// order holds tool names in the order they were first seen.
	order []string
	// counts holds advertised tools per backend.
	counts map[string]int
}

// Empty returns a table without routes.
func Empty() *Table {
	return &Table{routes: map[string]*Route{}, counts: map[string]int{}}
}

// Lookup returns the route for name.
func (t *Table) Lookup(name string) (Route, bool) {
	r, ok := t.routes[name]
	if !ok {
		return Route{}, false
	}
	return r.clone(), true
}

// Routes returns every route in first-seen order.
func (t *Table) Routes() []Route {
	out := make([]Route, 0, len(t.order))
	for _, name := range t.order {
		out = append(out, t.routes[name].clone())
	}
	return out
}

// Len returns the number of distinct tool names.
func (t *Table) Len() int {
	return len(t.order)
}

// BackendToolCount returns the number of tools backend advertised.
func (t *Table) BackendToolCount(backend string) int {
	return t.counts[backend]
}

// Builder assembles a Table from backend catalogs.
type Builder struct {
	requireIdenticalSchemas bool
	table                   *Table
}

// NewBuilder returns a Builder. With requireIdenticalSchemas set, a backend
// whose input schema differs from the canonical definition is recorded in
// Backends but left out of Candidates.
func NewBuilder(requireIdenticalSchemas bool) *Builder {
	return &Builder{requireIdenticalSchemas: requireIdenticalSchemas, table: Empty()}
}

// Add records the catalog of backend. Catalogs must be added in discovery
// order: the first backend to advertise a name owns its definition.
// Tools without a name and repeated names within one catalog are skipped.
// It returns the number of tools recorded for backend.
func (b *Builder) Add(backend string, tools []mcp.Tool) int {
	seen := make(map[string]struct{}, len(tools))
	added := 0
	for _, tool := range tools {
		if tool.Name == "" {
			logger.Warnw("skipping tool without a name", "backend", backend)
			continue
		}
		if _, dup := seen[tool.Name]; dup {
			logger.Warnw("skipping repeated tool in catalog", "backend", backend, "tool", tool.Name)
			continue
		}
		seen[tool.Name] = struct{}{}
		added++

		route, exists := b.table.routes[tool.Name]
		if !exists {
			b.table.routes[tool.Name] = &Route{
				Tool:       tool,
				Backends:   []string{backend},
				Candidates: []string{backend},
			}
			b.table.order = append(b.table.order, tool.Name)
			continue
		}

		route.Backends = append(route.Backends, backend)
		if b.requireIdenticalSchemas && !SameInputSchema(route.Tool, tool) {
			logger.Warnw("tool schema differs from canonical definition, excluded from failover",
				"tool", tool.Name, "backend", backend, "owner", route.Backends[0])
			continue
		}
		route.Candidates = append(route.Candidates, backend)
	}
	b.table.counts[backend] += added
	return added
}

// Build returns the table. The Builder must not be used afterwards.
func (b *Builder) Build() *Table {
	t := b.table
	b.table = nil
	return t
}

// Router holds the current Table.
type Router struct {
	table atomic.Pointer[Table]
}

// New returns a Router with an empty table.
func New() *Router {
	r := &Router{}
	r.table.Store(Empty())
	return r
}

// Table returns the current table.
func (r *Router) Table() *Table {
	return r.table.Load()
}

// Update replaces the current table.
func (r *Router) Update(t *Table) {
	if t == nil {
		t = Empty()
	}
	r.table.Store(t)
	logger.Infof("Updated routing table: %d tools", t.Len())
}

// RouteTool resolves name against the current table.
func (r *Router) RouteTool(name string) (Route, error) {
	route, ok := r.table.Load().Lookup(name)
	if !ok {
		logger.Debugf("Tool not found in routing table: %s", name)
		return Route{}, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	return route, nil
}
