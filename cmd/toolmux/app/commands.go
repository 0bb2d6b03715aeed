// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package app provides the toolmux command-line application.
package app

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/tw"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stacklok/toolhive-core/env"

	"github.com/stacklok/toolmux/pkg/config"
	"github.com/stacklok/toolmux/pkg/logger"
	"github.com/stacklok/toolmux/pkg/tools"
	"github.com/stacklok/toolmux/pkg/tools/builtin"
	"github.com/stacklok/toolmux/pkg/versions"
)

// NewRootCmd creates the root command for the toolmux CLI.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:               "toolmux",
		DisableAutoGenTag: true,
		Short:             "JSON-RPC tool server for language-model clients",
		Long: `toolmux serves a registry of tools to language-model clients over stdio,
stateless HTTP or streaming-session HTTP. With --aggregate it instead fronts
the backend servers listed in the configuration file, merging their tool
catalogs and failing over between backends that offer the same tool.`,
		Run: func(cmd *cobra.Command, _ []string) {
			if err := cmd.Help(); err != nil {
				logger.Errorf("Error displaying help: %v", err)
			}
		},
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			logger.Initialize()
		},
	}

	config.BindEnv(viper.GetViper())

	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug logging")
	if err := viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug")); err != nil {
		logger.Errorf("Error binding debug flag: %v", err)
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to the toolmux configuration file")
	if err := viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config")); err != nil {
		logger.Errorf("Error binding config flag: %v", err)
	}

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newToolsCmd())
	rootCmd.AddCommand(newValidateCmd())
	rootCmd.AddCommand(newVersionCmd())

	// Silence printing the usage on error
	rootCmd.SilenceUsage = true

	return rootCmd
}

// loadConfig reads the file named by --config and applies overrides.
func loadConfig() (*config.Config, error) {
	configPath := viper.GetString("config")
	if configPath != "" {
		logger.Debugf("Loading configuration from: %s", configPath)
	}
	cfg, err := config.Load(configPath, viper.GetViper(), &env.OSReader{})
	if err != nil {
		return nil, fmt.Errorf("configuration loading failed: %w", err)
	}
	return cfg, nil
}

func newValidateCmd() *cobra.Command {
	var aggregate bool

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a configuration file",
		Long: `Validate the toolmux configuration file for syntax and semantic errors.

Unknown fields, malformed durations, unsupported transports and incomplete
backend entries are all reported with their field path.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if viper.GetString("config") == "" {
				return fmt.Errorf("no configuration file specified, use --config flag")
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if aggregate {
				if err := cfg.ValidateAggregate(); err != nil {
					return fmt.Errorf("validation failed: %w", err)
				}
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "Configuration is valid")
			fmt.Fprintf(out, "  Name: %s\n", cfg.Server.Name)
			fmt.Fprintf(out, "  Transport: %s\n", cfg.Server.Transport)
			if cfg.Server.Transport != config.DefaultTransport {
				fmt.Fprintf(out, "  Address: %s:%d%s\n", cfg.Server.Host, cfg.Server.Port, cfg.Server.EndpointPath)
			}
			enabled := 0
			for _, b := range cfg.Backends {
				if b.IsEnabled() {
					enabled++
				}
			}
			fmt.Fprintf(out, "  Backends: %d configured, %d enabled\n", len(cfg.Backends), enabled)
			return nil
		},
	}

	cmd.Flags().BoolVar(&aggregate, "aggregate", false, "Also check the requirements of aggregate mode")
	return cmd
}

func newToolsCmd() *cobra.Command {
	var (
		jsonOutput bool
		category   string
	)

	cmd := &cobra.Command{
		Use:   "tools",
		Short: "List the locally registered tools",
		RunE: func(cmd *cobra.Command, _ []string) error {
			reg, err := localRegistry()
			if err != nil {
				return err
			}

			defs := reg.Definitions()
			if category != "" {
				defs = reg.ByCategory(category)
			}
			if jsonOutput {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(defs)
			}
			return printTools(cmd.OutOrStdout(), reg, defs)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Print the tool definitions as JSON")
	cmd.Flags().StringVar(&category, "category", "", "Only list tools in this category")
	return cmd
}

// localRegistry builds the sealed registry served in local mode.
func localRegistry() (*tools.Registry, error) {
	reg := tools.NewRegistry()
	if err := builtin.Register(reg); err != nil {
		return nil, fmt.Errorf("failed to register builtin tools: %w", err)
	}
	reg.Seal()
	return reg, nil
}

func printTools(out io.Writer, reg *tools.Registry, defs []mcp.Tool) error {
	if len(defs) == 0 {
		fmt.Fprintln(out, "No tools registered.")
		return nil
	}

	categories := make(map[string]string)
	for c := range reg.CategorySummary() {
		for _, t := range reg.ByCategory(c) {
			categories[t.Name] = c
		}
	}

	table := tablewriter.NewWriter(out)
	table.Options(
		tablewriter.WithHeader([]string{"Name", "Category", "Description"}),
		tablewriter.WithRendition(
			tw.Rendition{
				Borders: tw.Border{
					Left:   tw.State(1),
					Top:    tw.State(1),
					Right:  tw.State(1),
					Bottom: tw.State(1),
				},
			},
		),
		tablewriter.WithAlignment(tw.MakeAlign(3, tw.AlignLeft)),
	)

	for _, t := range defs {
		if err := table.Append([]string{t.Name, categories[t.Name], t.Description}); err != nil {
			return fmt.Errorf("failed to append row: %w", err)
		}
	}

	if err := table.Render(); err != nil {
		return fmt.Errorf("failed to render table: %w", err)
	}
	return nil
}

func newVersionCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Show the version of toolmux",
		RunE: func(cmd *cobra.Command, _ []string) error {
			info := versions.GetVersionInfo()
			out := cmd.OutOrStdout()
			if jsonOutput {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(info)
			}
			fmt.Fprintf(out, "toolmux %s\n", info.Version)
			fmt.Fprintf(out, "Commit: %s\n", info.Commit)
			fmt.Fprintf(out, "Built: %s\n", info.BuildDate)
			fmt.Fprintf(out, "Go version: %s\n", info.GoVersion)
			fmt.Fprintf(out, "Platform: %s\n", info.Platform)
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output version information as JSON")
	return cmd
}
