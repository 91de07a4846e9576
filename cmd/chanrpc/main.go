package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"chanrpc/config"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "chanrpc",
		Short: "Authenticated RPC over framed channels",
		Long: `chanrpc serves and calls commands over length-prefixed channels.

Peers share a key and prove it with an HMAC challenge before any
command runs. Settings come from a TOML file (--config) with
CHANRPC_* environment overrides.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("CHANRPC_CONFIG"), "path to the TOML config file")

	load := func() (config.Config, error) {
		return config.Load(configPath)
	}
	rootCmd.AddCommand(
		serveCmd(load),
		callCmd(load),
		versionCmd(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}
