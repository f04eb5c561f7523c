package main

import (
	"context"
	"fmt"
	"os"

	"extremis/internal/bootstrap"
	"extremis/internal/config"
	"extremis/internal/logging"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// Version info set via ldflags at build time.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// engineOptions lets tests swap the provider and MCP dialer.
var engineOptions = func(log zerolog.Logger) bootstrap.Options {
	return bootstrap.Options{Logger: log}
}

func newRootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:           "extremis",
		Short:         "Tool-enabled chat engine with approval gating",
		Long:          "Extremis runs model conversations that call shell, GitHub, Slack, Discord and MCP tools, gated by per-call approval.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to extremis.toml (default: ./extremis.toml)")

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newChatCmd(&configPath))
	cmd.AddCommand(newRunCmd(&configPath))
	cmd.AddCommand(newServeCmd(&configPath))
	cmd.AddCommand(newSessionsCmd(&configPath))
	cmd.AddCommand(newToolsCmd(&configPath))
	cmd.AddCommand(newAuditCmd(&configPath))
	cmd.AddCommand(newConfigCmd(&configPath))
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "extremis %s (commit: %s, built: %s)\n", Version, Commit, Date)
		},
	}
}

// openEngine loads the config and builds every component. Callers close the
// result with a fresh context so shutdown still runs after cancellation.
func openEngine(ctx context.Context, configPath string) (*bootstrap.BuildResult, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	log := logging.New(cfg.Log)
	res, err := bootstrap.Build(ctx, cfg, engineOptions(log))
	if err != nil {
		return nil, err
	}
	return res, nil
}

func closeEngine(cmd *cobra.Command, res *bootstrap.BuildResult) {
	if err := res.Close(context.Background()); err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "shutdown: %v\n", err)
	}
}

func execute(cmd *cobra.Command) int {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "Error: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(execute(newRootCmd()))
}
