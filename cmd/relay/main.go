// Package main is the CLI entry point for the relay gateway.
//
// Relay is a single-operator agent gateway: one WebSocket surface for
// operator consoles, paired devices, and worker nodes, with agent runs,
// scheduled jobs, and channel bridging behind it.
//
// # Basic Usage
//
// Start the gateway:
//
//	relay serve --config ~/.relay/relay.yaml
//
// Validate a configuration file without starting anything:
//
//	relay config validate --config relay.yaml
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags:
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// Persistent flags shared by every subcommand.
var (
	flagConfig    string
	flagLogLevel  string
	flagLogFormat string
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// Separated from main() to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "relay",
		Short:        "Relay - personal agent gateway",
		Long:         "Relay runs a local agent gateway: a WebSocket control plane for\nconsoles, devices, and nodes, with streaming agent runs, approvals,\nscheduled jobs, and channel bridging.",
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&flagConfig, "config", "c", "",
		"Path to YAML configuration file (default ~/.relay/relay.yaml)")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "",
		"Override logging.level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&flagLogFormat, "log-format", "",
		"Override logging.format (text, json)")

	rootCmd.AddCommand(
		buildServeCmd(),
		buildConfigCmd(),
	)
	return rootCmd
}
