package main

import (
	"context"
	"errors"

	"qms/walkin-queue/internal/config"
	"qms/walkin-queue/internal/store/postgres"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func migrateCommand(ctx context.Context, cfg config.Config, logger *zap.Logger) *cobra.Command {
	return &cobra.Command{
		Use:       "migrate [up|down|status]",
		Short:     "Apply or inspect database migrations",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"up", "down", "status"},
		RunE: func(_ *cobra.Command, args []string) error {
			if cfg.DatabaseURL == "" {
				return errors.New("DB_DSN is required for migrations")
			}
			pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer pool.Close()

			if err := postgres.Migrate(ctx, pool, args[0]); err != nil {
				return err
			}
			logger.Info("migrations applied", zap.String("command", args[0]))
			return nil
		},
	}
}
