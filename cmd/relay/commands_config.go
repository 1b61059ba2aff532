package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/relay/internal/bootstrap"
	"github.com/haasonsaas/relay/internal/config"
)

// buildConfigCmd creates the "config" command group.
func buildConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and manage the relay configuration",
	}
	cmd.AddCommand(
		buildConfigValidateCmd(),
		buildConfigPathCmd(),
		buildConfigInitCmd(),
	)
	return cmd
}

func configPath() string {
	if flagConfig != "" {
		return flagConfig
	}
	return config.DefaultPath()
}

func buildConfigValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Load the configuration and report structural problems",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPath()
			if _, err := config.Load(path); err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok\n", path)
			return nil
		},
	}
}

func buildConfigPathCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Print the resolved configuration file path",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), configPath())
			return nil
		},
	}
}

// buildConfigInitCmd writes a default config file and seeds the
// workspace prompt files. Existing files are never overwritten.
func buildConfigInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a default configuration and seed the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPath()
			if _, err := os.Stat(path); err == nil {
				fmt.Fprintf(cmd.OutOrStdout(), "%s already exists, leaving it alone\n", path)
			} else if !os.IsNotExist(err) {
				return err
			} else {
				var cfg config.Config
				config.ApplyDefaults(&cfg)
				if err := config.Save(path, &cfg); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			}

			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			res, err := bootstrap.Seed(cfg.Workspace)
			if err != nil {
				return err
			}
			for _, name := range res.Created {
				fmt.Fprintf(cmd.OutOrStdout(), "seeded %s\n", name)
			}
			return nil
		},
	}
}
