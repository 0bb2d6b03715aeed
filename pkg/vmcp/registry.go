// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package vmcp

import (
	"fmt"
	"slices"
)

// BackendRegistry holds the configured backends. It is immutable after
// construction and safe for concurrent reads.
type BackendRegistry struct {
	// order keeps configuration order; discovery and failover follow it.
	order    []string
	backends map[string]BackendConfig
}

// NewBackendRegistry validates backends and returns a registry that keeps
// their configuration order. Names must be unique.
func NewBackendRegistry(backends []BackendConfig) (*BackendRegistry, error) {
	reg := &BackendRegistry{
		order:    make([]string, 0, len(backends)),
		backends: make(map[string]BackendConfig, len(backends)),
	}
	for _, b := range backends {
		if b.Transport == "" {
			b.Transport = TransportStreamableHTTP
		}
		if err := b.Validate(); err != nil {
			return nil, err
		}
		if _, exists := reg.backends[b.Name]; exists {
			return nil, fmt.Errorf("%w: duplicate backend name %q", ErrInvalidConfig, b.Name)
		}
		reg.order = append(reg.order, b.Name)
		reg.backends[b.Name] = b
	}
	return reg, nil
}

// Get returns the backend called name.
func (r *BackendRegistry) Get(name string) (BackendConfig, bool) {
	b, ok := r.backends[name]
	return b, ok
}

// List returns every backend in configuration order.
func (r *BackendRegistry) List() []BackendConfig {
	out := make([]BackendConfig, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.backends[name])
	}
	return out
}

// Enabled returns the enabled backends in configuration order.
func (r *BackendRegistry) Enabled() []BackendConfig {
	out := make([]BackendConfig, 0, len(r.order))
	for _, name := range r.order {
		if b := r.backends[name]; b.Enabled {
			out = append(out, b)
		}
	}
	return out
}

// Names returns backend names in configuration order.
func (r *BackendRegistry) Names() []string {
	return slices.Clone(r.order)
}

// Count returns the number of configured backends.
func (r *BackendRegistry) Count() int {
	return len(r.order)
}
