package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/maltedev/product-pipeline/internal/browser"
	"github.com/maltedev/product-pipeline/internal/config"
	"github.com/maltedev/product-pipeline/internal/database"
	"github.com/maltedev/product-pipeline/internal/extractor"
	"github.com/maltedev/product-pipeline/internal/fetcher"
	"github.com/maltedev/product-pipeline/internal/llm"
	"github.com/maltedev/product-pipeline/internal/pipeline"
	"github.com/maltedev/product-pipeline/internal/ratelimit"
	"github.com/maltedev/product-pipeline/internal/sink"
)

// cleanup collects shutdown hooks; they run in reverse order.
type cleanup []func()

func (c *cleanup) add(fn func()) {
	*c = append(*c, fn)
}

func (c cleanup) run() {
	for i := len(c) - 1; i >= 0; i-- {
		c[i]()
	}
}

func databaseConfig(cfg config.DatabaseConfig) database.Config {
	return database.Config{
		Host:     cfg.Host,
		Port:     cfg.Port,
		User:     cfg.User,
		Password: cfg.Password,
		Database: cfg.Name,
		SSLMode:  cfg.SSLMode,
		MaxConns: cfg.MaxConns,
	}
}

func newRedisClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

func fetchOptions(cfg config.FetcherConfig) fetcher.Options {
	return fetcher.Options{
		RenderJavascript: cfg.RenderJavascript,
		GeoLocation:      cfg.GeoLocation,
		UserAgentProfile: cfg.UserAgentProfile,
	}
}

func pipelineConfig(cfg *config.Config) pipeline.Config {
	return pipeline.Config{
		MaxConcurrency: cfg.Pipeline.MaxConcurrency,
		MaxRetries:     cfg.Pipeline.MaxRetries,
		RetryBackoff:   cfg.Pipeline.RetryBackoff,
		MaxBackoff:     cfg.Pipeline.MaxBackoff,
		GracePeriod:    cfg.Pipeline.GracePeriod,
		BatchTimeout:   cfg.Pipeline.BatchTimeout,
		FetchOptions:   fetchOptions(cfg.Fetcher),
	}
}

// buildFetcher returns the configured strategy, wrapped in a Selector when a
// separate strategy handles javascript rendering.
func buildFetcher(cfg *config.Config, logger *slog.Logger, closers *cleanup) (fetcher.Fetcher, error) {
	limiter := ratelimit.NewHostLimiter(cfg.Fetcher.RequestsPerSec, cfg.Fetcher.Burst)

	primary, err := newFetchStrategy(cfg.Fetcher.Strategy, cfg, limiter, logger, closers)
	if err != nil {
		return nil, err
	}

	if cfg.Fetcher.RenderStrategy == "" || cfg.Fetcher.RenderStrategy == cfg.Fetcher.Strategy {
		return primary, nil
	}

	rendering, err := newFetchStrategy(cfg.Fetcher.RenderStrategy, cfg, limiter, logger, closers)
	if err != nil {
		return nil, err
	}
	return &fetcher.Selector{Default: primary, Rendering: rendering}, nil
}

func newFetchStrategy(name string, cfg *config.Config, limiter *ratelimit.HostLimiter, logger *slog.Logger, closers *cleanup) (fetcher.Fetcher, error) {
	switch name {
	case "http":
		return fetcher.NewHTTPFetcher(fetcher.HTTPOptions{
			Timeout:      cfg.Fetcher.Timeout,
			MaxBodyBytes: cfg.Fetcher.MaxBodyBytes,
			Limiter:      limiter,
		}, logger), nil

	case "scrapingapi":
		return fetcher.NewScrapingAPIFetcher(fetcher.ScrapingAPIOptions{
			Endpoint: cfg.ScrapingAPI.Endpoint,
			Source:   cfg.ScrapingAPI.Source,
			Username: cfg.ScrapingAPI.Username,
			Password: cfg.ScrapingAPI.Password,
			Timeout:  cfg.ScrapingAPI.Timeout,
			Limiter:  limiter,
		}, logger)

	case "browser":
		opts := browser.DefaultOptions()
		opts.Headless = cfg.Browser.Headless
		opts.Timeout = cfg.Browser.Timeout
		opts.ProxyServer = cfg.Browser.Proxy

		b, err := browser.New(opts, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize browser: %w", err)
		}
		closers.add(func() {
			if err := b.Close(); err != nil {
				logger.Error("failed to close browser", "error", err)
			}
		})
		return fetcher.NewBrowserFetcher(b, limiter, logger), nil

	default:
		return nil, fmt.Errorf("unknown fetcher strategy: %q", name)
	}
}

func buildExtractor(cfg *config.Config, logger *slog.Logger) (extractor.Extractor, error) {
	structural := extractor.NewStructuralExtractor(extractor.StructuralOptions{
		SavedBy:             cfg.Extractor.SavedBy,
		AvailabilityPhrases: cfg.Extractor.AvailabilityPhrases,
	})
	if cfg.Extractor.Strategy == "structural" {
		return structural, nil
	}

	client, err := llm.NewClient(llm.Options{
		APIURL:  cfg.LLM.APIURL,
		APIKey:  cfg.LLM.APIKey,
		Model:   cfg.LLM.Model,
		Timeout: cfg.LLM.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create llm client: %w", err)
	}
	delegated := extractor.NewDelegatedExtractor(client, extractor.DelegatedOptions{
		SavedBy:         cfg.Extractor.SavedBy,
		MaxContentBytes: cfg.Extractor.MaxContentBytes,
	}, logger)

	switch cfg.Extractor.Strategy {
	case "llm":
		return delegated, nil
	case "structural+llm":
		return &extractor.Fallback{Primary: structural, Secondary: delegated}, nil
	default:
		return nil, fmt.Errorf("unknown extractor strategy: %q", cfg.Extractor.Strategy)
	}
}

// storage is the configured sink plus the outbox behind it, which is only
// set for the postgres sink.
type storage struct {
	sink   sink.Sink
	outbox *database.OutboxRepository
}

func buildSink(ctx context.Context, cfg *config.Config, logger *slog.Logger, closers *cleanup) (*storage, error) {
	switch cfg.Sink.Type {
	case "memory":
		return &storage{sink: sink.NewMemorySink()}, nil

	case "redis":
		client, err := newRedisClient(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
		s := sink.NewRedisSink(client, cfg.Sink.RedisPrefix, 0)
		closers.add(func() { s.Close() })
		return &storage{sink: s}, nil

	case "sqlite":
		s, err := sink.NewSQLiteSink(ctx, cfg.Sink.SQLitePath)
		if err != nil {
			return nil, err
		}
		closers.add(func() { s.Close() })
		return &storage{sink: s}, nil

	case "postgres":
		db, err := database.New(ctx, databaseConfig(cfg.Database))
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		closers.add(db.Close)

		if err := db.Migrate(ctx); err != nil {
			return nil, err
		}

		outbox := database.NewOutboxRepository(db, cfg.Relay.Stream)
		store := database.NewProductStore(db, outbox, cfg.Extractor.SavedBy, logger)
		return &storage{sink: store, outbox: outbox}, nil

	default:
		return nil, fmt.Errorf("unknown sink type: %q", cfg.Sink.Type)
	}
}

func newRelay(cfg *config.Config, outbox *database.OutboxRepository, redisClient *redis.Client, logger *slog.Logger) *database.Relay {
	return database.NewRelay(outbox, redisClient, logger, database.RelayConfig{
		PollInterval: cfg.Relay.PollInterval,
		BatchSize:    cfg.Relay.BatchSize,
		Source:       cfg.Extractor.SavedBy,
	})
}
