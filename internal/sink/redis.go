package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/maltedev/product-pipeline/internal/models"
	"github.com/redis/go-redis/v9"
)

// RedisClient is the subset of the redis client the sink uses.
type RedisClient interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Close() error
}

// RedisSink stores each record as JSON under <prefix><dedupKey>. SETNX makes
// the first writer win.
type RedisSink struct {
	client RedisClient
	prefix string
	ttl    time.Duration
}

// NewRedisSink creates a sink that claims dedup keys with SETNX. A zero ttl keeps keys forever.
func NewRedisSink(client RedisClient, prefix string, ttl time.Duration) *RedisSink {
	if prefix == "" {
		prefix = "product:"
	}
	return &RedisSink{
		client: client,
		prefix: prefix,
		ttl:    ttl,
	}
}

func (s *RedisSink) Save(ctx context.Context, record *models.ProductRecord) (Result, error) {
	data, err := json.Marshal(record)
	if err != nil {
		return "", fmt.Errorf("failed to marshal record: %w", err)
	}

	created, err := s.client.SetNX(ctx, s.Key(record), data, s.ttl).Result()
	if err != nil {
		return "", Unavailable(fmt.Errorf("failed to write to redis: %w", err))
	}

	if !created {
		return Duplicate, nil
	}
	return Created, nil
}

// Key is the redis key for record.
func (s *RedisSink) Key(record *models.ProductRecord) string {
	return s.prefix + record.DedupKey()
}

func (s *RedisSink) Close() error {
	return s.client.Close()
}
