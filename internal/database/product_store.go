package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/maltedev/product-pipeline/internal/events"
	"github.com/maltedev/product-pipeline/internal/models"
	"github.com/maltedev/product-pipeline/internal/sink"
)

var ErrNoRecord = errors.New("product record not found")

// ProductStore is the Postgres sink. A newly created record and its
// PRODUCT_SAVED outbox event are committed in one transaction.
type ProductStore struct {
	db     *DB
	outbox *OutboxRepository
	source string
	logger *slog.Logger
}

// NewProductStore creates a store that writes products and their outbox events in one transaction.
func NewProductStore(db *DB, outbox *OutboxRepository, source string, logger *slog.Logger) *ProductStore {
	return &ProductStore{
		db:     db,
		outbox: outbox,
		source: source,
		logger: logger.With("component", "product_store"),
	}
}

// Save inserts the record unless its dedup key exists already.
func (s *ProductStore) Save(ctx context.Context, record *models.ProductRecord) (sink.Result, error) {
	data, err := json.Marshal(record)
	if err != nil {
		return "", fmt.Errorf("failed to marshal record: %w", err)
	}

	payload, err := events.NewProductSaved(record, s.source).Marshal()
	if err != nil {
		return "", err
	}

	key := record.DedupKey()
	created := false

	err = s.db.Transaction(ctx, func(tx pgx.Tx) error {
		var id int64
		err := tx.QueryRow(ctx, `
			INSERT INTO product_records (
				dedup_key, product_id, title, detail_url, price,
				is_active, saved_by, data, created_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (dedup_key) DO NOTHING
			RETURNING id`,
			key, record.ProductID, record.Title, record.DetailURL, record.Price,
			record.IsActive, record.SavedBy, data, record.CreatedAt,
		).Scan(&id)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to insert product record: %w", err)
		}

		created = true
		return s.outbox.InsertWithTx(ctx, tx, &OutboxEvent{
			AggregateType: events.AggregateProduct,
			AggregateID:   key,
			EventType:     string(events.EventTypeProductSaved),
			Payload:       payload,
		})
	})
	if err != nil {
		return "", sink.Unavailable(err)
	}

	if !created {
		s.logger.Debug("record already stored", "dedup_key", key)
		return sink.Duplicate, nil
	}
	return sink.Created, nil
}

// Get loads a record by dedup key.
func (s *ProductStore) Get(ctx context.Context, key string) (*models.ProductRecord, error) {
	var data []byte
	var active bool
	err := s.db.QueryRow(ctx,
		`SELECT data, is_active FROM product_records WHERE dedup_key = $1`, key,
	).Scan(&data, &active)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNoRecord
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get product record: %w", err)
	}

	var record models.ProductRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to decode product record: %w", err)
	}
	record.IsActive = active
	return &record, nil
}

func (s *ProductStore) MarkInactive(ctx context.Context, key string) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE product_records SET is_active = FALSE WHERE dedup_key = $1`, key)
	if err != nil {
		return fmt.Errorf("failed to mark product inactive: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNoRecord
	}
	return nil
}
