package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/maltedev/product-pipeline/internal/api"
	"github.com/maltedev/product-pipeline/internal/pipeline"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serves the batch API. Starts the outbox relay when records go to postgres.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(cmd.Context())
	},
}

func serve(ctx context.Context) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}

	var closers cleanup
	defer closers.run()

	f, err := buildFetcher(cfg, logger, &closers)
	if err != nil {
		return err
	}
	e, err := buildExtractor(cfg, logger)
	if err != nil {
		return err
	}
	store, err := buildSink(ctx, cfg, logger, &closers)
	if err != nil {
		return err
	}

	controller := pipeline.New(f, e, store.sink, pipelineConfig(cfg), logger)

	handlersOpts := api.HandlersOptions{
		Runner:       controller,
		Defaults:     fetchOptions(cfg.Fetcher),
		MaxBatchSize: cfg.API.MaxBatchSize,
	}
	if store.outbox != nil {
		handlersOpts.Outbox = store.outbox
	}

	if store.outbox != nil && cfg.Relay.Enabled {
		redisClient, err := newRedisClient(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		closers.add(func() { redisClient.Close() })

		relay := newRelay(cfg, store.outbox, redisClient, logger)
		go func() {
			if err := relay.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("relay stopped with error", "error", err)
			}
		}()
	}

	handler := api.NewRouter(api.NewHandlers(handlersOpts, logger), api.RouterOptions{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		RequestTimeout: cfg.Server.WriteTimeout,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.ReadTimeout * 4,
	}

	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		<-ctx.Done()

		logger.Info("shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown failed", "error", err)
		}
	}()

	logger.Info("server starting",
		"port", cfg.Server.Port,
		"fetcher", f.Name(),
		"extractor", e.Name(),
		"sink", cfg.Sink.Type)

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server failed: %w", err)
	}

	<-shutdownDone
	logger.Info("server stopped")
	return nil
}
