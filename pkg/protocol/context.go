// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package protocol

import "context"

type preferredBackendKey struct{}

// WithPreferredBackend pins the tool call carried by ctx to one backend.
func WithPreferredBackend(ctx context.Context, backend string) context.Context {
	if backend == "" {
		return ctx
	}
	return context.WithValue(ctx, preferredBackendKey{}, backend)
}

// PreferredBackend returns the backend pinned by WithPreferredBackend.
func PreferredBackend(ctx context.Context) (string, bool) {
	backend, ok := ctx.Value(preferredBackendKey{}).(string)
	return backend, ok && backend != ""
}
