// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package vmcp aggregates the tool catalogs of several backend MCP servers
// into one surface.
//
// The package root holds the shared domain types and errors. The work is
// split into subpackages:
//
//	pkg/vmcp/
//	├── types.go     // BackendConfig, Tool, Stats
//	├── errors.go    // domain errors
//	├── registry.go  // configured backends in configuration order
//	├── content.go   // helpers for hybrid {summary,data} results
//	├── client/      // connections to backends (mcp-go, toolmux HTTP)
//	├── router/      // tool name to backend routing table
//	└── manager/     // connect, discover, call with failover
//
// # Routing
//
// Discovery walks connected backends in configuration order. The first
// backend that advertises a tool owns its canonical definition; every later
// advertiser is recorded as an additional candidate. A call is sent to the
// candidates in that order and moves to the next one only on transport or
// protocol failures. Tool-level errors (results with IsError set) are
// answers, not failures.
//
// # Schema divergence
//
// Two backends can advertise the same tool name with different input
// schemas. By default only backends whose schema matches the canonical one
// are failover candidates. The others stay listed and can still be reached
// by pinning the call to them.
package vmcp
