package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/maltedev/product-pipeline/internal/database"
)

var requeueDeadLetters *bool

func init() {
	requeueDeadLetters = relayCmd.Flags().Bool("requeue-dead-letters", false, "Move dead-lettered outbox events back to pending before relaying.")
	rootCmd.AddCommand(relayCmd)
}

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Runs only the outbox relay, publishing saved products to the redis stream.",
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

		redisClient, err := newRedisClient(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		defer redisClient.Close()

		outbox := database.NewOutboxRepository(db, cfg.Relay.Stream)
		if *requeueDeadLetters {
			moved, err := outbox.RequeueDeadLetters(ctx)
			if err != nil {
				return err
			}
			logger.Info("requeued dead letters", "count", moved)
		}

		relay := newRelay(cfg, outbox, redisClient, logger)

		logger.Info("relay starting", "stream", cfg.Relay.Stream, "poll_interval", cfg.Relay.PollInterval)
		if err := relay.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("relay stopped: %w", err)
		}

		logger.Info("relay stopped")
		return nil
	},
}
