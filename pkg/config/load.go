// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/stacklok/toolhive-core/env"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes environment overrides: server.port is read from
// TOOLMUX_SERVER_PORT.
const EnvPrefix = "TOOLMUX"

// Legacy session variables, in milliseconds.
const (
	EnvLegacyInactivityTimeout = "MCP_SESSION_INACTIVITY_TIMEOUT"
	EnvLegacyMaxLifetime       = "MCP_SESSION_MAX_LIFETIME"
)

// Override keys understood by Load. Flags bound to these keys, and the
// matching TOOLMUX_ variables, win over the file.
const (
	KeyServerName              = "server.name"
	KeyServerTransport         = "server.transport"
	KeyServerHost              = "server.host"
	KeyServerPort              = "server.port"
	KeyServerEndpointPath      = "server.endpointPath"
	KeySessionInactivity       = "session.inactivityTimeout"
	KeySessionMaxLifetime      = "session.maxLifetime"
	KeySessionSweepInterval    = "session.sweepInterval"
	KeyConnectTimeout          = "aggregation.connectTimeout"
	KeyConnectAttempts         = "aggregation.connectAttempts"
	KeyRequireIdenticalSchemas = "aggregation.requireIdenticalSchemas"
	KeyRecoveryInterval        = "aggregation.recoveryInterval"
	KeyTelemetryEnabled        = "telemetry.enabled"
	KeyTelemetryOTLPEndpoint   = "telemetry.otlpEndpoint"
	KeyTelemetryMetricsPath    = "telemetry.metricsPath"
)

// NewViper returns a viper instance reading TOOLMUX_ variables.
func NewViper() *viper.Viper {
	return BindEnv(viper.New())
}

// BindEnv makes v read TOOLMUX_ variables and returns it.
func BindEnv(v *viper.Viper) *viper.Viper {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// LoadFile decodes the YAML file at path. Unknown fields are rejected.
func LoadFile(path string) (*Config, error) {
	// #nosec G304 -- the path is chosen by the operator
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML configuration.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return cfg, nil
}

// Load builds the effective configuration: the file at path (optional),
// then the legacy session variables read from envReader, then keys set in
// v. Defaults fill the rest and the result is validated.
func Load(path string, v *viper.Viper, envReader env.Reader) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		loaded, err := LoadFile(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if envReader != nil {
		if err := applyLegacyEnv(cfg, envReader); err != nil {
			return nil, err
		}
	}
	if v != nil {
		applyOverrides(cfg, v)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyLegacyEnv(cfg *Config, envReader env.Reader) error {
	for name, target := range map[string]*Duration{
		EnvLegacyInactivityTimeout: &cfg.Session.InactivityTimeout,
		EnvLegacyMaxLifetime:       &cfg.Session.MaxLifetime,
	} {
		raw := strings.TrimSpace(envReader.Getenv(name))
		if raw == "" {
			continue
		}
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || ms <= 0 {
			return fmt.Errorf("%w: %s must be a positive number of milliseconds, got %q", ErrInvalidConfig, name, raw)
		}
		*target = Duration(time.Duration(ms) * time.Millisecond)
	}
	return nil
}

func applyOverrides(cfg *Config, v *viper.Viper) {
	setString := func(key string, dst *string) {
		if v.IsSet(key) {
			*dst = v.GetString(key)
		}
	}
	setDuration := func(key string, dst *Duration) {
		if v.IsSet(key) {
			*dst = Duration(v.GetDuration(key))
		}
	}

	setString(KeyServerName, &cfg.Server.Name)
	setString(KeyServerTransport, &cfg.Server.Transport)
	setString(KeyServerHost, &cfg.Server.Host)
	setString(KeyServerEndpointPath, &cfg.Server.EndpointPath)
	if v.IsSet(KeyServerPort) {
		cfg.Server.Port = v.GetInt(KeyServerPort)
	}

	setDuration(KeySessionInactivity, &cfg.Session.InactivityTimeout)
	setDuration(KeySessionMaxLifetime, &cfg.Session.MaxLifetime)
	setDuration(KeySessionSweepInterval, &cfg.Session.SweepInterval)

	setDuration(KeyConnectTimeout, &cfg.Aggregation.ConnectTimeout)
	setDuration(KeyRecoveryInterval, &cfg.Aggregation.RecoveryInterval)
	if v.IsSet(KeyConnectAttempts) {
		cfg.Aggregation.ConnectAttempts = v.GetInt(KeyConnectAttempts)
	}
	if v.IsSet(KeyRequireIdenticalSchemas) {
		cfg.Aggregation.RequireIdenticalSchemas = boolPtr(v.GetBool(KeyRequireIdenticalSchemas))
	}

	if v.IsSet(KeyTelemetryEnabled) {
		cfg.Telemetry.Enabled = v.GetBool(KeyTelemetryEnabled)
	}
	setString(KeyTelemetryOTLPEndpoint, &cfg.Telemetry.OTLPEndpoint)
	setString(KeyTelemetryMetricsPath, &cfg.Telemetry.MetricsPath)
}
