// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"sync"
	"sync/atomic"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/stacklok/toolmux/pkg/cluster"
)

// State is the handshake state of a Conn.
type State int32

const (
	// StateUninitialized accepts only initialize and ping.
	StateUninitialized State = iota
	// StateActive accepts every method.
	StateActive
	// StateTerminated rejects every request.
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "UNINITIALIZED"
	case StateActive:
		return "ACTIVE"
	case StateTerminated:
		return "TERMINATED"
	default:
		return "UNKNOWN"
	}
}

// Conn is the protocol state of one logical client connection. Its cluster
// registry is the connection's private execution context.
type Conn struct {
	id       string
	clusters *cluster.Registry
	state    atomic.Int32

	// dispatch serializes requests so they are handled in arrival order
	dispatch sync.Mutex

	infoMu          sync.RWMutex
	clientInfo      mcp.Implementation
	protocolVersion string
}

// NewConn returns an uninitialized connection with an empty cluster registry.
func NewConn(id string) *Conn {
	return &Conn{id: id, clusters: cluster.NewRegistry()}
}

// ID returns the connection identifier (the session id for HTTP sessions).
func (c *Conn) ID() string { return c.id }

// Clusters returns the connection's execution context.
func (c *Conn) Clusters() *cluster.Registry { return c.clusters }

// State returns the current handshake state.
func (c *Conn) State() State { return State(c.state.Load()) }

// MarkActive skips the handshake. The stateless transport uses it for its
// per-request connections.
func (c *Conn) MarkActive() {
	c.state.CompareAndSwap(int32(StateUninitialized), int32(StateActive))
}

// ClientInfo returns what the client reported during initialize.
func (c *Conn) ClientInfo() mcp.Implementation {
	c.infoMu.RLock()
	defer c.infoMu.RUnlock()
	return c.clientInfo
}

// ProtocolVersion returns the negotiated protocol version.
func (c *Conn) ProtocolVersion() string {
	c.infoMu.RLock()
	defer c.infoMu.RUnlock()
	return c.protocolVersion
}

func (c *Conn) activate(info mcp.Implementation, version string) bool {
	c.infoMu.Lock()
	c.clientInfo = info
	c.protocolVersion = version
	c.infoMu.Unlock()

	if c.state.CompareAndSwap(int32(StateUninitialized), int32(StateActive)) {
		return true
	}
	return c.State() == StateActive
}

// Close terminates the connection and releases its execution context. It
// does not wait for an in-flight request; that request completes, and
// every later one is rejected. Close is idempotent.
func (c *Conn) Close() error {
	c.state.Store(int32(StateTerminated))
	return c.clusters.Close()
}
