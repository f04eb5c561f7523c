package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"extremis/internal/server"

	"github.com/spf13/cobra"
)

func newServeCmd(configPath *string) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP control surface",
		Long:  "Starts the HTTP API: sessions, generations, the approval queue and an SSE event stream.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, *configPath, addr)
		},
	}

	cmd.Flags().StringVarP(&addr, "addr", "a", "", "listen address (overrides server.addr)")
	return cmd
}

func runServe(cmd *cobra.Command, configPath, addr string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			fmt.Fprintf(cmd.OutOrStdout(), "\nReceived %s, shutting down...\n", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	res, err := openEngine(ctx, configPath)
	if err != nil {
		return err
	}
	defer closeEngine(cmd, res)

	if addr == "" {
		addr = res.Config.Server.Addr
	}
	return server.Start(ctx, addr, res.ServerOptions(), cmd.OutOrStdout())
}
