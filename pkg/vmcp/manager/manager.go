// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package manager connects to a set of backend tool servers, merges their
// catalogs into one routing table and calls tools with failover.
package manager

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"golang.org/x/sync/errgroup"

	"github.com/stacklok/toolmux/pkg/logger"
	"github.com/stacklok/toolmux/pkg/telemetry"
	"github.com/stacklok/toolmux/pkg/vmcp"
	"github.com/stacklok/toolmux/pkg/vmcp/client"
	"github.com/stacklok/toolmux/pkg/vmcp/router"
)

// ErrAlreadyInitialized is returned by a second Initialize without an
// intervening CloseAll.
var ErrAlreadyInitialized = errors.New("manager already initialized")

// defaultConcurrency limits parallel connects and catalog queries.
const defaultConcurrency = 10

// Option configures a Manager.
type Option func(*Manager)

// WithConnector sets how backend connections are opened.
func WithConnector(c client.Connector) Option {
	return func(m *Manager) {
		m.connector = c
	}
}

// WithRecorder sets the telemetry recorder for failover events.
func WithRecorder(r telemetry.Recorder) Option {
	return func(m *Manager) {
		if r != nil {
			m.recorder = r
		}
	}
}

// WithRequireIdenticalSchemas controls failover across backends whose input
// schema differs from the canonical definition. It is on by default.
func WithRequireIdenticalSchemas(require bool) Option {
	return func(m *Manager) {
		m.requireIdenticalSchemas = require
	}
}

// WithConcurrency limits parallel backend operations.
func WithConcurrency(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.concurrency = n
		}
	}
}

// Manager owns the backend connections and the routing table.
// It is safe for concurrent use.
type Manager struct {
	connector               client.Connector
	recorder                telemetry.Recorder
	requireIdenticalSchemas bool
	concurrency             int
	router                  *router.Router

	mu       sync.RWMutex
	backends *vmcp.BackendRegistry
	clients  map[string]client.BackendClient
	failures map[string]error
}

// New returns a Manager. Without WithConnector it uses
// client.NewConnector with default settings.
func New(opts ...Option) *Manager {
	m := &Manager{
		recorder:                telemetry.NoopRecorder(),
		requireIdenticalSchemas: true,
		concurrency:             defaultConcurrency,
		router:                  router.New(),
		clients:                 map[string]client.BackendClient{},
		failures:                map[string]error{},
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.connector == nil {
		m.connector = client.NewConnector(client.Config{})
	}
	return m
}

// Initialize connects to every enabled backend concurrently and waits for
// all attempts. Failed backends are logged and left out. It fails with
// vmcp.ErrNoBackendsAvailable when nothing was attempted or nothing
// connected; otherwise it runs DiscoverAll.
func (m *Manager) Initialize(ctx context.Context, backends []vmcp.BackendConfig) error {
	registry, err := vmcp.NewBackendRegistry(backends)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if m.backends != nil {
		m.mu.Unlock()
		return ErrAlreadyInitialized
	}
	m.backends = registry
	m.mu.Unlock()

	enabled := registry.Enabled()
	if len(enabled) == 0 {
		m.reset()
		return fmt.Errorf("%w: no enabled backends configured", vmcp.ErrNoBackendsAvailable)
	}

	logger.Infow("connecting to backends", "count", len(enabled))

	connected := make([]client.BackendClient, len(enabled))
	failed := make([]error, len(enabled))

	var g errgroup.Group
	g.SetLimit(m.concurrency)
	for i, backend := range enabled {
		g.Go(func() error {
			bc, err := m.connector.Connect(ctx, backend)
			if err != nil {
				logger.Warnw("failed to connect to backend", "backend", backend.Name, "error", err)
				failed[i] = err
				return nil
			}
			connected[i] = bc
			return nil
		})
	}
	_ = g.Wait()

	m.mu.Lock()
	count := 0
	for i, backend := range enabled {
		if connected[i] != nil {
			m.clients[backend.Name] = connected[i]
			count++
			continue
		}
		m.failures[backend.Name] = failed[i]
	}
	m.mu.Unlock()

	if count == 0 {
		m.reset()
		return fmt.Errorf("%w: all %d backends failed to connect: %w",
			vmcp.ErrNoBackendsAvailable, len(enabled), errors.Join(failed...))
	}

	logger.Infow("backend connections established", "connected", count, "failed", len(enabled)-count)
	return m.DiscoverAll(ctx)
}

// reset forgets the backend configuration so Initialize can run again.
// Recorded failures are kept for FailedBackends.
func (m *Manager) reset() {
	m.mu.Lock()
	m.backends = nil
	m.mu.Unlock()
}

// DiscoverAll lists the tools of every connected backend and publishes a
// new routing table. Catalogs are merged in configuration order, so the
// first configured backend that advertises a tool owns its definition.
// Backends whose catalog cannot be read are skipped.
func (m *Manager) DiscoverAll(ctx context.Context) error {
	names, clients := m.snapshot()

	catalogs := make([][]mcp.Tool, len(clients))
	ok := make([]bool, len(clients))

	var g errgroup.Group
	g.SetLimit(m.concurrency)
	for i, bc := range clients {
		g.Go(func() error {
			tools, err := bc.ListTools(ctx)
			switch {
			case err != nil:
				logger.Warnw("failed to list tools, skipping backend", "backend", names[i], "error", err)
			case tools == nil:
				logger.Warnw("backend returned no tool list, skipping backend", "backend", names[i])
			default:
				catalogs[i] = tools
				ok[i] = true
			}
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return err
	}

	builder := router.NewBuilder(m.requireIdenticalSchemas)
	for i, name := range names {
		if !ok[i] {
			continue
		}
		added := builder.Add(name, catalogs[i])
		logger.Debugw("discovered backend tools", "backend", name, "tools", added)
	}
	table := builder.Build()
	m.router.Update(table)

	logger.Infow("tool discovery complete", "backends", len(names), "tools", table.Len())
	return nil
}

// snapshot returns the connected backends in configuration order.
func (m *Manager) snapshot() ([]string, []client.BackendClient) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.backends == nil {
		return nil, nil
	}
	var (
		names   []string
		clients []client.BackendClient
	)
	for _, name := range m.backends.Names() {
		if bc, ok := m.clients[name]; ok {
			names = append(names, name)
			clients = append(clients, bc)
		}
	}
	return names, clients
}

func (m *Manager) client(name string) (client.BackendClient, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	bc, ok := m.clients[name]
	return bc, ok
}

// CallTool runs name on a backend that serves it.
//
// A connected preferred backend is called directly and its error is
// returned unchanged. Otherwise the failover candidates are tried in
// discovery order until one answers. Only errors move on to the next
// candidate; a result with IsError set is returned as the answer.
// When every candidate fails the error is a *vmcp.CallError.
// A backend that turns out to be unreachable is disconnected, recorded in
// FailedBackends and left out of routing until it is reconnected.
func (m *Manager) CallTool(ctx context.Context, name string, args map[string]any, preferred string) (*mcp.CallToolResult, error) {
	if preferred != "" {
		if bc, ok := m.client(preferred); ok {
			logger.Debugw("calling tool on pinned backend", "tool", name, "backend", preferred)
			result, err := bc.CallTool(ctx, name, args)
			if err != nil && m.dropIfUnreachable(preferred, bc, err) {
				m.rediscover(ctx)
			}
			return result, err
		}
		logger.Debugw("pinned backend not connected, routing normally", "tool", name, "backend", preferred)
	}

	route, err := m.router.RouteTool(name)
	if err != nil {
		return nil, &vmcp.ToolNotAvailableError{Tool: name}
	}

	type candidate struct {
		name   string
		client client.BackendClient
	}
	candidates := make([]candidate, 0, len(route.Candidates))
	for _, backend := range route.Candidates {
		if bc, ok := m.client(backend); ok {
			candidates = append(candidates, candidate{name: backend, client: bc})
		}
	}
	if len(candidates) == 0 {
		return nil, &vmcp.ToolNotAvailableError{Tool: name}
	}

	dropped := false
	defer func() {
		if dropped {
			m.rediscover(ctx)
		}
	}()

	if len(candidates) == 1 {
		result, err := candidates[0].client.CallTool(ctx, name, args)
		if err != nil {
			dropped = m.dropIfUnreachable(candidates[0].name, candidates[0].client, err)
		}
		return result, err
	}

	attempted := make([]string, 0, len(candidates))
	var last error
	for i, c := range candidates {
		attempted = append(attempted, c.name)
		result, err := c.client.CallTool(ctx, name, args)
		if err == nil {
			if i > 0 {
				logger.Infow("tool call served after failover", "tool", name, "backend", c.name, "attempts", i+1)
			}
			return result, nil
		}
		last = err
		if m.dropIfUnreachable(c.name, c.client, err) {
			dropped = true
		}
		if ctx.Err() != nil {
			break
		}
		if i+1 < len(candidates) {
			next := candidates[i+1].name
			logger.Warnw("tool call failed, failing over",
				"tool", name, "backend", c.name, "next", next, "error", err)
			m.recorder.Failover(ctx, name, next)
		}
	}

	return nil, &vmcp.CallError{Tool: name, Attempted: attempted, Last: last}
}

// dropIfUnreachable disconnects backend when err says it cannot be reached.
// The error is recorded for FailedBackends so recovery picks it up. It is a
// no-op when bc is no longer the live connection for backend.
func (m *Manager) dropIfUnreachable(backend string, bc client.BackendClient, err error) bool {
	if !vmcp.IsUnreachableError(err) {
		return false
	}

	m.mu.Lock()
	current, ok := m.clients[backend]
	if !ok || current != bc {
		m.mu.Unlock()
		return false
	}
	delete(m.clients, backend)
	m.failures[backend] = err
	m.mu.Unlock()

	logger.Warnw("backend unreachable, removing it from routing", "backend", backend, "error", err)
	if closeErr := bc.Close(); closeErr != nil {
		logger.Debugw("failed to close lost connection", "backend", backend, "error", closeErr)
	}
	return true
}

// rediscover rebuilds the routing table after a backend was dropped. It
// runs even when the triggering call was cancelled.
func (m *Manager) rediscover(ctx context.Context) {
	if err := m.DiscoverAll(context.WithoutCancel(ctx)); err != nil {
		logger.Warnw("failed to rebuild routing table", "error", err)
	}
}

// Stats summarizes connections and routed tools.
func (m *Manager) Stats() vmcp.Stats {
	names, _ := m.snapshot()
	table := m.router.Table()

	stats := vmcp.Stats{
		ConnectedBackends: len(names),
		TotalTools:        table.Len(),
		Backends:          make([]vmcp.BackendStats, 0, len(names)),
	}
	for _, name := range names {
		stats.Backends = append(stats.Backends, vmcp.BackendStats{Name: name, Tools: table.BackendToolCount(name)})
	}
	return stats
}

// ListAllTools returns the canonical definition of every routed tool with
// the backends that advertise it.
func (m *Manager) ListAllTools() []vmcp.Tool {
	routes := m.router.Table().Routes()
	out := make([]vmcp.Tool, 0, len(routes))
	for _, r := range routes {
		out = append(out, vmcp.Tool{Tool: r.Tool, AvailableFrom: r.Backends})
	}
	return out
}

// ConnectedBackends returns the names of connected backends in
// configuration order.
func (m *Manager) ConnectedBackends() []string {
	names, _ := m.snapshot()
	return names
}

// FailedBackends returns the last connection error of each enabled backend
// that is not connected.
func (m *Manager) FailedBackends() map[string]error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return maps.Clone(m.failures)
}

// IsToolAvailable reports whether a connected backend routes name.
func (m *Manager) IsToolAvailable(name string) bool {
	route, ok := m.router.Table().Lookup(name)
	if !ok {
		return false
	}
	for _, backend := range route.Backends {
		if _, ok := m.client(backend); ok {
			return true
		}
	}
	return false
}

// ToolBackends returns every backend that advertises name, in discovery
// order.
func (m *Manager) ToolBackends(name string) []string {
	route, ok := m.router.Table().Lookup(name)
	if !ok {
		return nil
	}
	return route.Backends
}

// Reconnect replaces the connection to backend and rebuilds the routing
// table. A failed attempt leaves the backend disconnected.
func (m *Manager) Reconnect(ctx context.Context, backend string) error {
	m.mu.RLock()
	registry := m.backends
	m.mu.RUnlock()
	if registry == nil {
		return fmt.Errorf("%w: %s", vmcp.ErrBackendNotFound, backend)
	}
	cfg, ok := registry.Get(backend)
	if !ok {
		return fmt.Errorf("%w: %s", vmcp.ErrBackendNotFound, backend)
	}

	m.mu.Lock()
	old := m.clients[backend]
	delete(m.clients, backend)
	m.mu.Unlock()
	if old != nil {
		if err := old.Close(); err != nil {
			logger.Debugw("failed to close previous connection", "backend", backend, "error", err)
		}
	}

	bc, connectErr := m.connector.Connect(ctx, cfg)

	m.mu.Lock()
	if connectErr != nil {
		m.failures[backend] = connectErr
	} else {
		m.clients[backend] = bc
		delete(m.failures, backend)
	}
	m.mu.Unlock()

	if old == nil && connectErr != nil {
		// nothing was routed to backend, the table is unchanged
		return fmt.Errorf("reconnect %s: %w", backend, connectErr)
	}
	if err := m.DiscoverAll(ctx); err != nil {
		return err
	}
	if connectErr != nil {
		return fmt.Errorf("reconnect %s: %w", backend, connectErr)
	}
	return nil
}

// CloseAll closes every connection and clears the routing table. Close
// errors are logged and joined; every connection is attempted. Calling it
// again is a no-op. Afterwards the manager can be initialized again.
func (m *Manager) CloseAll() error {
	m.mu.Lock()
	clients := m.clients
	m.clients = map[string]client.BackendClient{}
	m.failures = map[string]error{}
	m.backends = nil
	m.mu.Unlock()

	m.router.Update(router.Empty())

	var errs []error
	for name, bc := range clients {
		if err := bc.Close(); err != nil {
			logger.Warnw("failed to close backend connection", "backend", name, "error", err)
			errs = append(errs, fmt.Errorf("close %s: %w", name, err))
		}
	}
	if len(clients) > 0 {
		logger.Infow("closed backend connections", "count", len(clients))
	}
	return errors.Join(errs...)
}
