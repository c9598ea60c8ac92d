package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"voip-notify/internal/config"
	"voip-notify/internal/db"
	"voip-notify/internal/logging"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, err := cmd.Flags().GetString("config")
			if err != nil {
				return err
			}
			cfg, err := config.Load(path)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			log, err := logging.New(cfg.Logging.Level, cfg.Logging.JSON)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
			defer cancel()

			pool, err := db.NewPool(ctx, cfg.DBDSN)
			if err != nil {
				return fmt.Errorf("db connect: %w", err)
			}
			defer pool.Close()

			if err := db.Migrate(ctx, pool); err != nil {
				return err
			}
			log.Info("schema applied")
			return nil
		},
	}
}
