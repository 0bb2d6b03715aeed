// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package config loads the toolmux configuration file and applies
// environment and flag overrides.
package config

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/stacklok/toolmux/pkg/telemetry"
	"github.com/stacklok/toolmux/pkg/transport/session"
	"github.com/stacklok/toolmux/pkg/transport/types"
	"github.com/stacklok/toolmux/pkg/vmcp"
	"github.com/stacklok/toolmux/pkg/vmcp/client"
	"github.com/stacklok/toolmux/pkg/vmcp/health"
)

// Duration is a time.Duration that marshals as a duration string ("30s").
type Duration time.Duration

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration: %w", err)
	}
	*d = Duration(dur)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration: %w", err)
	}
	*d = Duration(dur)
	return nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Defaults.
const (
	DefaultServerName      = "toolmux"
	DefaultHost            = "127.0.0.1"
	DefaultPort            = 3000
	DefaultTransport       = string(types.TransportTypeStdio)
	DefaultEndpointPath    = "/mcp"
	DefaultShutdownTimeout = 10 * time.Second
	DefaultMetricsPath     = "/metrics"
)

// Config is the toolmux configuration file.
type Config struct {
	Server      ServerConfig      `json:"server" yaml:"server"`
	Session     SessionConfig     `json:"session" yaml:"session"`
	Backends    []BackendConfig   `json:"backends,omitempty" yaml:"backends,omitempty"`
	Aggregation AggregationConfig `json:"aggregation" yaml:"aggregation"`
	Telemetry   TelemetryConfig   `json:"telemetry" yaml:"telemetry"`
}

// ServerConfig describes the served surface.
type ServerConfig struct {
	// Name and Version are reported by initialize.
	Name    string `json:"name,omitempty" yaml:"name,omitempty"`
	Version string `json:"version,omitempty" yaml:"version,omitempty"`

	// Instructions are returned by initialize.
	Instructions string `json:"instructions,omitempty" yaml:"instructions,omitempty"`

	// Transport is stdio, http or streamable-http.
	Transport string `json:"transport,omitempty" yaml:"transport,omitempty"`

	Host         string `json:"host,omitempty" yaml:"host,omitempty"`
	Port         int    `json:"port,omitempty" yaml:"port,omitempty"`
	EndpointPath string `json:"endpointPath,omitempty" yaml:"endpointPath,omitempty"`

	// AllowedOrigins are the CORS origins of the streaming transport.
	// Empty allows any origin.
	AllowedOrigins []string `json:"allowedOrigins,omitempty" yaml:"allowedOrigins,omitempty"`

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout Duration `json:"shutdownTimeout,omitempty" yaml:"shutdownTimeout,omitempty"`
}

// SessionConfig is the session expiry policy of the streaming transport.
type SessionConfig struct {
	InactivityTimeout Duration `json:"inactivityTimeout,omitempty" yaml:"inactivityTimeout,omitempty"`
	MaxLifetime       Duration `json:"maxLifetime,omitempty" yaml:"maxLifetime,omitempty"`
	SweepInterval     Duration `json:"sweepInterval,omitempty" yaml:"sweepInterval,omitempty"`
}

// BackendConfig describes one backend server.
type BackendConfig struct {
	Name      string `json:"name" yaml:"name"`
	URL       string `json:"url,omitempty" yaml:"url,omitempty"`
	Transport string `json:"transport,omitempty" yaml:"transport,omitempty"`

	// Enabled defaults to true.
	Enabled *bool `json:"enabled,omitempty" yaml:"enabled,omitempty"`

	Command string            `json:"command,omitempty" yaml:"command,omitempty"`
	Args    []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	Timeout Duration          `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// IsEnabled reports whether the backend should be connected.
func (b BackendConfig) IsEnabled() bool {
	return b.Enabled == nil || *b.Enabled
}

// AggregationConfig tunes backend connections and failover.
type AggregationConfig struct {
	ConnectTimeout  Duration `json:"connectTimeout,omitempty" yaml:"connectTimeout,omitempty"`
	ConnectAttempts int      `json:"connectAttempts,omitempty" yaml:"connectAttempts,omitempty"`

	// RecoveryInterval is the period between reconnect attempts of failed
	// backends.
	RecoveryInterval Duration `json:"recoveryInterval,omitempty" yaml:"recoveryInterval,omitempty"`

	// RequireIdenticalSchemas limits failover to backends whose input schema
	// matches the canonical definition. Defaults to true.
	RequireIdenticalSchemas *bool `json:"requireIdenticalSchemas,omitempty" yaml:"requireIdenticalSchemas,omitempty"`
}

// TelemetryConfig controls metrics and tracing.
type TelemetryConfig struct {
	Enabled      bool    `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	MetricsPath  string  `json:"metricsPath,omitempty" yaml:"metricsPath,omitempty"`
	OTLPEndpoint string  `json:"otlpEndpoint,omitempty" yaml:"otlpEndpoint,omitempty"`
	Insecure     bool    `json:"insecure,omitempty" yaml:"insecure,omitempty"`
	SamplingRate float64 `json:"samplingRate,omitempty" yaml:"samplingRate,omitempty"`
	ServiceName  string  `json:"serviceName,omitempty" yaml:"serviceName,omitempty"`

	// ExportMetrics also pushes metrics to otlpEndpoint.
	ExportMetrics bool `json:"exportMetrics,omitempty" yaml:"exportMetrics,omitempty"`

	// RuntimeMetrics adds Go runtime and process metrics. Defaults to true.
	RuntimeMetrics *bool `json:"runtimeMetrics,omitempty" yaml:"runtimeMetrics,omitempty"`
}

func boolPtr(v bool) *bool {
	return &v
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.Server.Name == "" {
		c.Server.Name = DefaultServerName
	}
	if c.Server.Transport == "" {
		c.Server.Transport = DefaultTransport
	}
	if c.Server.Host == "" {
		c.Server.Host = DefaultHost
	}
	if c.Server.Port == 0 {
		c.Server.Port = DefaultPort
	}
	if c.Server.EndpointPath == "" {
		c.Server.EndpointPath = DefaultEndpointPath
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = Duration(DefaultShutdownTimeout)
	}

	if c.Session.InactivityTimeout == 0 {
		c.Session.InactivityTimeout = Duration(session.DefaultInactivityTimeout)
	}
	if c.Session.MaxLifetime == 0 {
		c.Session.MaxLifetime = Duration(session.DefaultMaxLifetime)
	}
	if c.Session.SweepInterval == 0 {
		c.Session.SweepInterval = Duration(session.DefaultSweepInterval)
	}

	if c.Aggregation.ConnectTimeout == 0 {
		c.Aggregation.ConnectTimeout = Duration(client.DefaultConnectTimeout)
	}
	if c.Aggregation.ConnectAttempts == 0 {
		c.Aggregation.ConnectAttempts = client.DefaultConnectAttempts
	}
	if c.Aggregation.RecoveryInterval == 0 {
		c.Aggregation.RecoveryInterval = Duration(health.DefaultRecoveryInterval)
	}
	if c.Aggregation.RequireIdenticalSchemas == nil {
		c.Aggregation.RequireIdenticalSchemas = boolPtr(true)
	}

	for i := range c.Backends {
		if c.Backends[i].Transport == "" {
			c.Backends[i].Transport = string(vmcp.TransportStreamableHTTP)
		}
	}

	if c.Telemetry.MetricsPath == "" {
		c.Telemetry.MetricsPath = DefaultMetricsPath
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = c.Server.Name
	}
	if c.Telemetry.SamplingRate == 0 {
		c.Telemetry.SamplingRate = 1
	}
	if c.Telemetry.RuntimeMetrics == nil {
		c.Telemetry.RuntimeMetrics = boolPtr(true)
	}
}

// VMCPBackends converts the backend list for the manager.
func (c *Config) VMCPBackends() []vmcp.BackendConfig {
	out := make([]vmcp.BackendConfig, 0, len(c.Backends))
	for _, b := range c.Backends {
		out = append(out, vmcp.BackendConfig{
			Name:      b.Name,
			URL:       b.URL,
			Transport: vmcp.TransportType(b.Transport),
			Enabled:   b.IsEnabled(),
			Command:   b.Command,
			Args:      slices.Clone(b.Args),
			Env:       maps.Clone(b.Env),
			Headers:   maps.Clone(b.Headers),
			Timeout:   b.Timeout.Std(),
		})
	}
	return out
}

// SessionPolicy returns the session manager configuration.
func (c *Config) SessionPolicy() session.Config {
	return session.Config{
		InactivityTimeout: c.Session.InactivityTimeout.Std(),
		MaxLifetime:       c.Session.MaxLifetime.Std(),
		SweepInterval:     c.Session.SweepInterval.Std(),
	}
}

// ConnectorConfig returns the backend connector configuration.
func (c *Config) ConnectorConfig(clientVersion string) client.Config {
	return client.Config{
		ConnectTimeout:  c.Aggregation.ConnectTimeout.Std(),
		ConnectAttempts: c.Aggregation.ConnectAttempts,
		ClientInfo:      mcp.Implementation{Name: c.Server.Name, Version: clientVersion},
	}
}

// RequireIdenticalSchemas reports the effective failover policy.
func (c *Config) RequireIdenticalSchemas() bool {
	return c.Aggregation.RequireIdenticalSchemas == nil || *c.Aggregation.RequireIdenticalSchemas
}

// TelemetryProviderConfig returns the telemetry provider configuration.
func (c *Config) TelemetryProviderConfig(version string) telemetry.Config {
	return telemetry.Config{
		ServiceName:           c.Telemetry.ServiceName,
		ServiceVersion:        version,
		Endpoint:              c.Telemetry.OTLPEndpoint,
		Insecure:              c.Telemetry.Insecure,
		ExportMetrics:         c.Telemetry.ExportMetrics,
		SamplingRate:          c.Telemetry.SamplingRate,
		IncludeRuntimeMetrics: c.Telemetry.RuntimeMetrics == nil || *c.Telemetry.RuntimeMetrics,
	}
}
