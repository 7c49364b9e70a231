package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/maltedev/product-pipeline/internal/database"
)

func init() {
	rootCmd.AddCommand(migrateCmd)
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Applies the postgres schema for product records and the outbox.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := setup()
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		db, err := database.New(ctx, databaseConfig(cfg.Database))
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer db.Close()

		if err := db.Migrate(ctx); err != nil {
			return err
		}

		logger.Info("schema applied", "database", cfg.Database.Name)
		return nil
	},
}
