package database

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/maltedev/product-pipeline/internal/events"
)

var tracer = otel.Tracer("internal/database")

// RedisClient is the part of the redis client the relay needs.
type RedisClient interface {
	XAdd(ctx context.Context, args *redis.XAddArgs) *redis.StringCmd
}

type OutboxRepo interface {
	GetPending(ctx context.Context, limit int) ([]*OutboxEvent, error)
	MarkProcessed(ctx context.Context, id uuid.UUID) error
	MarkFailed(ctx context.Context, id uuid.UUID, err error) error
}

// Relay publishes committed outbox events to their Redis streams. An event is
// marked processed only after XADD succeeded, so consumers may see it twice.
type Relay struct {
	redis     RedisClient
	outbox    OutboxRepo
	logger    *slog.Logger
	interval  time.Duration
	batchSize int
	source    string
}

type RelayConfig struct {
	PollInterval time.Duration
	BatchSize    int
	// Source is stamped into every envelope's metadata.
	Source string
}

// RelayStats counts the events handled by one Drain.
type RelayStats struct {
	Published int
	Failed    int
}

// NewRelay creates a relay, filling unset config with defaults.
func NewRelay(outbox OutboxRepo, redisClient RedisClient, logger *slog.Logger, config RelayConfig) *Relay {
	if config.PollInterval <= 0 {
		config.PollInterval = 5 * time.Second
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 100
	}
	if config.Source == "" {
		config.Source = "product-pipeline"
	}

	return &Relay{
		redis:     redisClient,
		outbox:    outbox,
		logger:    logger.With("component", "relay"),
		interval:  config.PollInterval,
		batchSize: config.BatchSize,
		source:    config.Source,
	}
}

// Start drains the outbox, then again on every tick until ctx is done.
func (r *Relay) Start(ctx context.Context) error {
	r.logger.Info("starting relay",
		"interval", r.interval,
		"batch_size", r.batchSize)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		stats, err := r.Drain(ctx)
		if err != nil && ctx.Err() == nil {
			r.logger.Error("failed to drain outbox", "error", err)
		}
		if stats.Published > 0 || stats.Failed > 0 {
			r.logger.Info("outbox drained", "published", stats.Published, "failed", stats.Failed)
		}

		select {
		case <-ctx.Done():
			r.logger.Info("relay stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Drain relays batches until the outbox hands back a short batch or a batch in
// which nothing could be published. Failed events are rescheduled by the
// outbox and are not retried within the same call.
func (r *Relay) Drain(ctx context.Context) (RelayStats, error) {
	var total RelayStats
	for {
		stats, fetched, err := r.relayBatch(ctx)
		total.Published += stats.Published
		total.Failed += stats.Failed
		if err != nil {
			return total, err
		}
		if fetched < r.batchSize || stats.Published == 0 {
			return total, nil
		}
		if err := ctx.Err(); err != nil {
			return total, err
		}
	}
}

func (r *Relay) relayBatch(ctx context.Context) (RelayStats, int, error) {
	ctx, span := tracer.Start(ctx, "relay.batch")
	defer span.End()

	pending, err := r.outbox.GetPending(ctx, r.batchSize)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return RelayStats{}, 0, fmt.Errorf("failed to get pending events: %w", err)
	}

	var stats RelayStats
	for _, event := range pending {
		if err := r.relay(ctx, event); err != nil {
			stats.Failed++
			r.logger.Warn("failed to relay event",
				"event_id", event.ID,
				"aggregate_id", event.AggregateID,
				"retry_count", event.RetryCount,
				"error", err)
			continue
		}
		stats.Published++
		r.logger.Debug("event relayed",
			"event_id", event.ID,
			"aggregate_id", event.AggregateID,
			"target_stream", event.TargetStream)
	}

	span.SetAttributes(
		attribute.Int("fetched", len(pending)),
		attribute.Int("published", stats.Published),
		attribute.Int("failed", stats.Failed),
	)
	return stats, len(pending), nil
}

func (r *Relay) relay(ctx context.Context, event *OutboxEvent) error {
	args, err := r.message(event)
	if err == nil {
		if _, xerr := r.redis.XAdd(ctx, args).Result(); xerr != nil {
			err = fmt.Errorf("failed to publish to redis: %w", xerr)
		}
	}
	if err != nil {
		if markErr := r.outbox.MarkFailed(ctx, event.ID, err); markErr != nil {
			r.logger.Error("failed to reschedule event",
				"event_id", event.ID,
				"error", markErr)
		}
		return err
	}

	if err := r.outbox.MarkProcessed(ctx, event.ID); err != nil {
		return fmt.Errorf("failed to mark event as processed: %w", err)
	}
	return nil
}

// message builds the stream entry. Payloads of unknown event types, or ones
// that no longer decode, are rejected so the outbox can dead-letter them.
func (r *Relay) message(event *OutboxEvent) (*redis.XAddArgs, error) {
	values := map[string]interface{}{
		"original_id":    event.ID.String(),
		"aggregate_id":   event.AggregateID,
		"aggregate_type": event.AggregateType,
		"event_type":     event.EventType,
		"timestamp":      strconv.FormatInt(event.CreatedAt.UnixNano(), 10),
	}

	switch events.EventType(event.EventType) {
	case events.EventTypeProductSaved:
		p, err := events.DecodeProductSaved(event.Payload)
		if err != nil {
			return nil, err
		}
		values["dedup_key"] = p.DedupKey
		values["detail_url"] = p.DetailURL
	default:
		return nil, fmt.Errorf("unknown event type %q", event.EventType)
	}

	data, err := json.Marshal(events.Envelope{
		ID:            event.ID.String(),
		Type:          events.EventType(event.EventType),
		AggregateType: event.AggregateType,
		AggregateID:   event.AggregateID,
		Timestamp:     event.CreatedAt,
		Payload:       event.Payload,
		Metadata: events.Metadata{
			Source:       r.source,
			OutboxID:     event.ID.String(),
			RetryCount:   event.RetryCount,
			TargetStream: event.TargetStream,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope: %w", err)
	}
	values["data"] = string(data)

	return &redis.XAddArgs{
		Stream: event.TargetStream,
		Values: values,
	}, nil
}
