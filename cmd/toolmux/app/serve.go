// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel/trace"

	"github.com/stacklok/toolhive-core/env"

	"github.com/stacklok/toolmux/pkg/cluster"
	"github.com/stacklok/toolmux/pkg/config"
	"github.com/stacklok/toolmux/pkg/logger"
	"github.com/stacklok/toolmux/pkg/protocol"
	"github.com/stacklok/toolmux/pkg/telemetry"
	"github.com/stacklok/toolmux/pkg/transport"
	"github.com/stacklok/toolmux/pkg/transport/types"
	"github.com/stacklok/toolmux/pkg/versions"
	"github.com/stacklok/toolmux/pkg/vmcp/client"
	"github.com/stacklok/toolmux/pkg/vmcp/health"
	"github.com/stacklok/toolmux/pkg/vmcp/manager"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the toolmux server",
		Long: `Start serving tools over the configured transport.

By default the builtin tool registry is served. With --aggregate, every
enabled backend in the configuration file is connected, their tool catalogs
are merged and calls are routed to the backends that offer each tool.`,
		RunE: runServe,
	}

	cmd.Flags().String("transport", "", "Transport to serve: stdio, http or streamable-http")
	cmd.Flags().String("host", "", "Host to listen on for HTTP transports")
	cmd.Flags().Int("port", 0, "Port to listen on for HTTP transports")
	cmd.Flags().Bool("aggregate", false, "Serve the configured backends instead of the builtin tools")

	for key, flag := range map[string]string{
		config.KeyServerTransport: "transport",
		config.KeyServerHost:      "host",
		config.KeyServerPort:      "port",
		"aggregate":               "aggregate",
	} {
		if err := viper.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			logger.Errorf("Error binding %s flag: %v", flag, err)
		}
	}

	return cmd
}

// observability is what the telemetry provider contributes to a server.
type observability struct {
	recorder telemetry.Recorder
	tracer   trace.Tracer
	metrics  http.Handler
	shutdown func(context.Context) error
}

func newObservability(ctx context.Context, cfg *config.Config, version string) (*observability, error) {
	if !cfg.Telemetry.Enabled {
		return &observability{
			recorder: telemetry.NoopRecorder(),
			shutdown: func(context.Context) error { return nil },
		}, nil
	}

	provider, err := telemetry.NewProvider(ctx, cfg.TelemetryProviderConfig(version))
	if err != nil {
		return nil, fmt.Errorf("failed to create telemetry provider: %w", err)
	}
	return &observability{
		recorder: provider.Recorder(),
		tracer:   provider.Tracer(),
		metrics:  provider.Handler(),
		shutdown: provider.Shutdown,
	}, nil
}

// runServe implements the serve command logic
func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	transportType, err := types.ParseTransportType(cfg.Server.Transport)
	if err != nil {
		return fmt.Errorf("invalid transport %q: %w", cfg.Server.Transport, err)
	}

	version := cfg.Server.Version
	if version == "" {
		version = versions.GetVersionInfo().Version
	}

	obs, err := newObservability(ctx, cfg, version)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout.Std())
		defer cancel()
		if err := obs.shutdown(shutdownCtx); err != nil {
			logger.Warnf("Failed to shut down telemetry: %v", err)
		}
	}()

	provider, closeProvider, err := newProvider(ctx, cfg, version, obs.recorder)
	if err != nil {
		return err
	}
	defer closeProvider()

	envReader := &env.OSReader{}
	dispatcher := protocol.NewDispatcher(provider,
		protocol.WithServerInfo(cfg.Server.Name, version),
		protocol.WithInstructions(cfg.Server.Instructions),
		protocol.WithRecorder(obs.recorder),
		protocol.WithTracer(obs.tracer),
		protocol.WithInitializeHook(func(_ context.Context, conn *protocol.Conn, params protocol.InitializeParams) error {
			n := cluster.Load(conn.Clusters(), params.InitializationOptions, envReader)
			logger.Debugw("loaded session clusters", "session", conn.ID(), "clusters", n)
			return nil
		}),
	)

	t, err := transport.NewFactory().Create(types.Config{
		Type:           transportType,
		Host:           cfg.Server.Host,
		Port:           cfg.Server.Port,
		EndpointPath:   cfg.Server.EndpointPath,
		Session:        cfg.SessionPolicy(),
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Dispatcher:     dispatcher,
		Provider:       provider,
		ConnSetup: func(_ context.Context, conn *protocol.Conn) error {
			cluster.Load(conn.Clusters(), nil, envReader)
			return nil
		},
		MetricsHandler: obs.metrics,
		Recorder:       obs.recorder,
	})
	if err != nil {
		return fmt.Errorf("failed to create transport: %w", err)
	}

	logger.Infow("starting toolmux",
		"name", cfg.Server.Name,
		"version", version,
		"transport", transportType.String(),
		"aggregate", viper.GetBool("aggregate"),
	)

	serveErr := t.Start(ctx)

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout.Std())
	defer cancel()
	if err := t.Stop(stopCtx); err != nil {
		logger.Warnf("Failed to stop transport: %v", err)
	}

	if serveErr != nil && !errors.Is(serveErr, context.Canceled) {
		return fmt.Errorf("transport failed: %w", serveErr)
	}
	logger.Info("toolmux stopped")
	return nil
}

// newProvider returns the tool provider for the configured mode and a
// function releasing it.
func newProvider(
	ctx context.Context,
	cfg *config.Config,
	version string,
	recorder telemetry.Recorder,
) (protocol.Provider, func(), error) {
	if !viper.GetBool("aggregate") {
		reg, err := localRegistry()
		if err != nil {
			return nil, nil, err
		}
		logger.Infof("Serving %d local tools", reg.Count())
		return protocol.NewLocalProvider(reg), func() {}, nil
	}

	if err := cfg.ValidateAggregate(); err != nil {
		return nil, nil, err
	}

	mgr := manager.New(
		manager.WithConnector(client.NewConnector(cfg.ConnectorConfig(version))),
		manager.WithRecorder(recorder),
		manager.WithRequireIdenticalSchemas(cfg.RequireIdenticalSchemas()),
	)
	if err := mgr.Initialize(ctx, cfg.VMCPBackends()); err != nil {
		return nil, nil, fmt.Errorf("failed to initialize backends: %w", err)
	}

	stats := mgr.Stats()
	logger.Infow("aggregating backends",
		"connected", stats.ConnectedBackends,
		"tools", stats.TotalTools,
	)
	for name, err := range mgr.FailedBackends() {
		logger.Warnw("backend unavailable", "backend", name, "error", err)
	}

	monitor := health.NewMonitor(mgr, cfg.Aggregation.RecoveryInterval.Std())
	monitor.Start(ctx)

	closeManager := func() {
		monitor.Stop()
		if err := mgr.CloseAll(); err != nil {
			logger.Warnf("Failed to close backends: %v", err)
		}
	}
	return manager.NewProvider(mgr), closeManager, nil
}
