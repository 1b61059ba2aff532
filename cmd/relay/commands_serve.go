package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/relay/internal/app"
)

// buildServeCmd creates the "serve" command that runs the gateway until
// a signal or a system.shutdown request arrives. A system.restart
// request rebuilds the process in place so config changes that need a
// restart take effect without supervision.
func buildServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the relay gateway",
		Long: `Start the relay gateway with the configured sessions backend,
providers, tools, channels, and cron engine.

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Start with the default config
  relay serve

  # Start with a custom config and debug logging
  relay serve --config /etc/relay/relay.yaml --log-level debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(ctx context.Context) error {
	for {
		a, err := app.New(app.Options{
			ConfigPath: flagConfig,
			Version:    version,
			LogLevel:   flagLogLevel,
			LogFormat:  flagLogFormat,
		})
		if err != nil {
			return err
		}
		if err := a.Run(ctx); err != nil {
			return err
		}
		if !a.RestartRequested() {
			return nil
		}
	}
}
