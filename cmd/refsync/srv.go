package main

import (
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"refsync/internal/auth"
	"refsync/internal/blob"
	"refsync/internal/config"
	"refsync/internal/server"
)

func newSrvCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "srv",
		Short: "Run the refsync server",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := slog.Default().With("component", "server")

			secret := cfg.TokenSecret
			if secret == "" {
				secret = auth.DefaultSecret
				logger.Warn("TOKEN_SECRET is not set, using the insecure default; do not run this in production")
			}

			logger.Info("opening storage", "root", cfg.StorageRoot)
			store, err := blob.NewStore(cfg.StorageRoot)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			srv := server.New(cfg.ListenAddr(), store, auth.NewVerifier(secret), logger)
			return srv.Run(ctx)
		},
	}
}
