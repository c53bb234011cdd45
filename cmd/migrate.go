package main

import (
	"context"
	"database/sql"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rryowa/sessionauth/internal/migrations"
	"github.com/rryowa/sessionauth/internal/util"
)

func newMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the PostgreSQL schema",
	}

	cmd.AddCommand(
		migrateSubcommand("up", "Apply all pending migrations", func(ctx context.Context, db *sql.DB, log *zap.SugaredLogger) error {
			return migrations.RunMigrations(ctx, db, log)
		}),
		migrateSubcommand("down", "Roll back the latest migration", migrations.Down),
		migrateSubcommand("status", "Print applied and pending migrations", func(ctx context.Context, db *sql.DB, _ *zap.SugaredLogger) error {
			return migrations.Status(ctx, db)
		}),
	)

	return cmd
}

func migrateSubcommand(use, short string, run func(context.Context, *sql.DB, *zap.SugaredLogger) error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := util.NewZapLogger()
			defer func() { _ = logger.Sync() }()

			cfg, err := util.NewDBConfig()
			if err != nil {
				return err
			}
			cfg.Driver = util.DriverPostgres

			db, cleanup, err := util.NewDBConnection(logger, cfg)
			if err != nil {
				return err
			}
			defer cleanup()

			return run(cmd.Context(), db, logger)
		},
	}
}
