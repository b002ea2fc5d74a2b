// Package main boots the storefront core: cart, checkout, session and the realtime hub
// connection behind a local HTTP bridge.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fairyhunter13/storefront-core/internal/config"
)

var version = "0.1.0"

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "storefront-core",
		Short:        "Storefront cart, checkout and realtime notification core",
		SilenceUsage: true,
	}
	root.AddCommand(newServeCmd(), newVersionCmd())
	return root
}

func newServeCmd() *cobra.Command {
	cfg := config.Load()
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP bridge and hub connection until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), cfg)
		},
	}
	f := cmd.Flags()
	f.StringVar(&cfg.HTTPAddr, "addr", cfg.HTTPAddr, "HTTP listen address (HTTP_ADDR)")
	f.StringVar(&cfg.APIBaseURL, "api-url", cfg.APIBaseURL, "upstream API base URL (API_BASE_URL)")
	f.StringVar(&cfg.HubURL, "hub-url", cfg.HubURL, "notification hub URL (HUB_URL)")
	f.StringVar(&cfg.StorageBackend, "storage", cfg.StorageBackend, "storage backend: memory, sqlite or redis (STORAGE_BACKEND)")
	f.StringVar(&cfg.SQLitePath, "sqlite-path", cfg.SQLitePath, "sqlite database file (SQLITE_PATH)")
	f.StringVar(&cfg.RedisAddr, "redis-addr", cfg.RedisAddr, "redis address or URL (REDIS_ADDR)")
	f.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error (LOG_LEVEL)")
	f.IntVar(&cfg.MaxReconnectAttempts, "max-reconnect-attempts", cfg.MaxReconnectAttempts, "reconnects before giving up (RECONNECT_MAX_ATTEMPTS)")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}
