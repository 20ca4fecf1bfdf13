// Package main runs the OAuth2 authorization server.
//
// Configuration is read from an optional config file and from OAUTH2_*
// environment variables, e.g. OAUTH2_ISSUER or OAUTH2_STORAGE_BACKEND.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// version is set at build time
var version = "dev"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		slog.Error("Server exited with error", "error", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	var configFile string

	cmd := &cobra.Command{
		Use:           "oauth2-server",
		Short:         "OAuth2 authorization server",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(v, configFile)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVar(&configFile, "config", "", "path to a config file (yaml, json or toml)")
	cmd.Flags().String("listen-address", defaultListenAddress, "address to listen on")
	cmd.Flags().String("issuer", "", "issuer URL of this server")
	_ = v.BindPFlag("listen_address", cmd.Flags().Lookup("listen-address"))
	_ = v.BindPFlag("issuer", cmd.Flags().Lookup("issuer"))

	return cmd
}
