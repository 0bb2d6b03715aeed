// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package protocol implements the JSON-RPC 2.0 method dispatch shared by
// every toolmux transport.
//
// A Conn tracks one logical client connection through the states
// UNINITIALIZED, ACTIVE and TERMINATED. The Dispatcher decodes frames,
// enforces the handshake, and routes tools/list and tools/call to a
// Provider. Failures are normalized to JSON-RPC error responses.
package protocol
