// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package cluster holds the per-session registry of storage clusters that
// tool handlers operate against. Each session owns exactly one Registry;
// registries are never shared between sessions.
package cluster

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
)

var (
	// ErrClusterExists is returned when adding a cluster whose name is taken.
	ErrClusterExists = errors.New("cluster already registered")

	// ErrClusterNotFound is returned when a named cluster is not registered.
	ErrClusterNotFound = errors.New("cluster not found")

	// ErrInvalidCluster is returned for clusters missing a name or address.
	ErrInvalidCluster = errors.New("invalid cluster")

	// ErrRegistryClosed is returned when a closed registry is modified.
	ErrRegistryClosed = errors.New("cluster registry closed")
)

// Cluster describes one management endpoint.
type Cluster struct {
	Name        string `json:"name"`
	Address     string `json:"cluster_ip"`
	Username    string `json:"username,omitempty"`
	Password    string `json:"password,omitempty"`
	Description string `json:"description,omitempty"`
}

// Redacted returns a copy of c without credentials.
func (c Cluster) Redacted() Cluster {
	c.Password = ""
	return c
}

func (c Cluster) validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidCluster)
	}
	if strings.TrimSpace(c.Address) == "" {
		return fmt.Errorf("%w: cluster %q: cluster_ip is required", ErrInvalidCluster, c.Name)
	}
	return nil
}

// Registry is a concurrency-safe set of clusters keyed by name.
type Registry struct {
	mu       sync.RWMutex
	clusters map[string]Cluster
	closed   bool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{clusters: make(map[string]Cluster)}
}

// Add registers c.
func (r *Registry) Add(c Cluster) error {
	if err := c.validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrRegistryClosed
	}
	if _, ok := r.clusters[c.Name]; ok {
		return fmt.Errorf("%w: %s", ErrClusterExists, c.Name)
	}
	r.clusters[c.Name] = c
	return nil
}

// Get returns the named cluster.
func (r *Registry) Get(name string) (Cluster, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.clusters[name]
	if !ok {
		return Cluster{}, fmt.Errorf("%w: %s", ErrClusterNotFound, name)
	}
	return c, nil
}

// Remove unregisters the named cluster.
func (r *Registry) Remove(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.clusters[name]; !ok {
		return fmt.Errorf("%w: %s", ErrClusterNotFound, name)
	}
	delete(r.clusters, name)
	return nil
}

// List returns all clusters sorted by name.
func (r *Registry) List() []Cluster {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Cluster, 0, len(r.clusters))
	for _, c := range r.clusters {
		out = append(out, c)
	}
	slices.SortFunc(out, func(a, b Cluster) int { return strings.Compare(a.Name, b.Name) })
	return out
}

// Len returns the number of registered clusters.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clusters)
}

// Close drops every cluster and rejects further additions. Closing twice
// is a no-op.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed = true
	clear(r.clusters)
	return nil
}
