// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package cluster

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/stacklok/toolhive-core/env"

	"github.com/stacklok/toolmux/pkg/logger"
)

// ErrInvalidClusterConfig is returned when a cluster document cannot be parsed.
var ErrInvalidClusterConfig = errors.New("invalid cluster configuration")

// Keys consulted for cluster definitions, in order.
var (
	initOptionKeys = []string{"clusters", "ONTAP_CLUSTERS"}
	envKeys        = []string{"TOOLMUX_CLUSTERS", "ONTAP_CLUSTERS"}
)

// Parse decodes a cluster document. Two shapes are accepted:
//
//	{"prod": {"cluster_ip": "10.0.0.1", "username": "admin", "password": "x"}}
//	[{"name": "prod", "cluster_ip": "10.0.0.1", ...}]
//
// A JSON string holding either shape is unwrapped once.
func Parse(raw []byte) ([]Cluster, error) {
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("%w: not valid JSON", ErrInvalidClusterConfig)
	}
	return fromResult(gjson.ParseBytes(raw), true)
}

func fromResult(res gjson.Result, unwrap bool) ([]Cluster, error) {
	var out []Cluster
	switch {
	case res.IsArray():
		for _, item := range res.Array() {
			out = append(out, clusterFrom(item.Get("name").String(), item))
		}
	case res.IsObject():
		res.ForEach(func(key, value gjson.Result) bool {
			out = append(out, clusterFrom(key.String(), value))
			return true
		})
	case res.Type == gjson.String && unwrap:
		inner := res.String()
		if !gjson.Valid(inner) {
			return nil, fmt.Errorf("%w: embedded string is not valid JSON", ErrInvalidClusterConfig)
		}
		return fromResult(gjson.Parse(inner), false)
	default:
		return nil, fmt.Errorf("%w: expected object or array", ErrInvalidClusterConfig)
	}
	return out, nil
}

func clusterFrom(name string, v gjson.Result) Cluster {
	addr := v.Get("cluster_ip").String()
	if addr == "" {
		addr = v.Get("address").String()
	}
	return Cluster{
		Name:        name,
		Address:     addr,
		Username:    v.Get("username").String(),
		Password:    v.Get("password").String(),
		Description: v.Get("description").String(),
	}
}

// FromInitOptions extracts cluster definitions from the initializationOptions
// object of an initialize request. Missing keys yield no clusters.
func FromInitOptions(initOptions json.RawMessage) ([]Cluster, error) {
	if len(initOptions) == 0 || !gjson.ValidBytes(initOptions) {
		return nil, nil
	}
	for _, key := range initOptionKeys {
		res := gjson.GetBytes(initOptions, key)
		if res.Exists() {
			return fromResult(res, true)
		}
	}
	return nil, nil
}

// FromEnv reads cluster definitions from TOOLMUX_CLUSTERS, falling back
// to ONTAP_CLUSTERS.
func FromEnv(envReader env.Reader) ([]Cluster, error) {
	for _, key := range envKeys {
		if raw := envReader.Getenv(key); raw != "" {
			clusters, err := Parse([]byte(raw))
			if err != nil {
				return nil, fmt.Errorf("%s: %w", key, err)
			}
			return clusters, nil
		}
	}
	return nil, nil
}

// Load registers clusters from initOptions into reg. When initOptions
// yields nothing the environment is consulted instead. Entries that fail
// to parse or register are logged and skipped. It returns the number of
// clusters added.
func Load(reg *Registry, initOptions json.RawMessage, envReader env.Reader) int {
	clusters, err := FromInitOptions(initOptions)
	if err != nil {
		logger.Warnf("ignoring clusters from initialization options: %v", err)
	}

	added := addAll(reg, clusters)
	if added > 0 || envReader == nil {
		return added
	}

	clusters, err = FromEnv(envReader)
	if err != nil {
		logger.Warnf("ignoring clusters from environment: %v", err)
		return 0
	}
	return addAll(reg, clusters)
}

func addAll(reg *Registry, clusters []Cluster) int {
	added := 0
	for _, c := range clusters {
		if err := reg.Add(c); err != nil {
			logger.Warnf("skipping cluster %q: %v", c.Name, err)
			continue
		}
		added++
	}
	return added
}
