// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	neturl "net/url"
	"strings"

	"github.com/stacklok/toolmux/pkg/transport/types"
	"github.com/stacklok/toolmux/pkg/vmcp"
)

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// maxConnectAttempts caps aggregation.connectAttempts.
const maxConnectAttempts = 10

// Validate checks c after defaults were applied. Every problem is reported
// with its field path.
func (c *Config) Validate() error {
	var problems []string
	add := func(path, format string, args ...any) {
		problems = append(problems, path+": "+fmt.Sprintf(format, args...))
	}

	if _, err := types.ParseTransportType(c.Server.Transport); err != nil {
		add("server.transport", "unsupported transport %q", c.Server.Transport)
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		add("server.port", "must be between 0 and 65535")
	}
	if !strings.HasPrefix(c.Server.EndpointPath, "/") {
		add("server.endpointPath", "must start with /")
	}
	if c.Server.ShutdownTimeout < 0 {
		add("server.shutdownTimeout", "must not be negative")
	}

	if c.Session.InactivityTimeout <= 0 {
		add("session.inactivityTimeout", "must be positive")
	}
	if c.Session.MaxLifetime <= 0 {
		add("session.maxLifetime", "must be positive")
	}
	if c.Session.SweepInterval <= 0 {
		add("session.sweepInterval", "must be positive")
	}

	seen := make(map[string]struct{}, len(c.Backends))
	for i, b := range c.Backends {
		path := fmt.Sprintf("backends[%d]", i)
		if b.Name == "" {
			add(path+".name", "is required")
		} else if _, dup := seen[b.Name]; dup {
			add(path+".name", "duplicate backend name %q", b.Name)
		}
		seen[b.Name] = struct{}{}

		transport, err := vmcp.ParseTransportType(b.Transport)
		if err != nil {
			add(path+".transport", "unsupported transport %q", b.Transport)
			continue
		}
		if transport == vmcp.TransportStdio {
			if b.Command == "" {
				add(path+".command", "is required for stdio backends")
			}
			continue
		}
		if b.URL == "" {
			add(path+".url", "is required")
			continue
		}
		if u, err := neturl.Parse(b.URL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			add(path+".url", "must be an absolute http(s) URL")
		}
		if b.Timeout < 0 {
			add(path+".timeout", "must not be negative")
		}
	}

	if c.Aggregation.ConnectTimeout <= 0 {
		add("aggregation.connectTimeout", "must be positive")
	}
	if c.Aggregation.ConnectAttempts < 1 || c.Aggregation.ConnectAttempts > maxConnectAttempts {
		add("aggregation.connectAttempts", "must be between 1 and %d", maxConnectAttempts)
	}

	if c.Aggregation.RecoveryInterval <= 0 {
		add("aggregation.recoveryInterval", "must be positive")
	}

	if c.Telemetry.SamplingRate < 0 || c.Telemetry.SamplingRate > 1 {
		add("telemetry.samplingRate", "must be between 0 and 1")
	}
	if c.Telemetry.Enabled && !strings.HasPrefix(c.Telemetry.MetricsPath, "/") {
		add("telemetry.metricsPath", "must start with /")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w:\n  - %s", ErrInvalidConfig, strings.Join(problems, "\n  - "))
	}
	return nil
}

// ValidateAggregate checks the extra requirements of serving backends.
func (c *Config) ValidateAggregate() error {
	enabled := 0
	for _, b := range c.Backends {
		if b.IsEnabled() {
			enabled++
		}
	}
	if enabled == 0 {
		return fmt.Errorf("%w:\n  - backends: at least one enabled backend is required", ErrInvalidConfig)
	}
	return nil
}
