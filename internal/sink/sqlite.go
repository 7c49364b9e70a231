package sink

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/maltedev/product-pipeline/internal/models"
	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS product_records (
	id INTEGER NOT NULL PRIMARY KEY AUTOINCREMENT,
	dedup_key TEXT NOT NULL UNIQUE,
	product_id TEXT,
	title TEXT NOT NULL,
	detail_url TEXT NOT NULL,
	price REAL,
	is_active BOOLEAN NOT NULL DEFAULT 0,
	saved_by TEXT,
	data TEXT NOT NULL,
	created_at DATETIME NOT NULL
);`

var ErrNotFound = errors.New("record not found")

// SQLiteSink writes records to a local sqlite file.
type SQLiteSink struct {
	db *sql.DB
}

// NewSQLiteSink opens the database at path and creates the product_records table.
func NewSQLiteSink(ctx context.Context, path string) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// sqlite allows one writer; serialize through a single connection
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping sqlite database: %w", err)
	}

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &SQLiteSink{db: db}, nil
}

func (s *SQLiteSink) Save(ctx context.Context, record *models.ProductRecord) (Result, error) {
	data, err := json.Marshal(record)
	if err != nil {
		return "", fmt.Errorf("failed to marshal record: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO product_records (
			dedup_key, product_id, title, detail_url, price, is_active, saved_by, data, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(dedup_key) DO NOTHING`,
		record.DedupKey(), record.ProductID, record.Title, record.DetailURL, record.Price,
		record.IsActive, record.SavedBy, string(data), record.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return "", Unavailable(fmt.Errorf("failed to insert record: %w", err))
	}

	n, err := res.RowsAffected()
	if err != nil {
		return "", Unavailable(fmt.Errorf("failed to read rows affected: %w", err))
	}
	if n == 0 {
		return Duplicate, nil
	}
	return Created, nil
}

func (s *SQLiteSink) Get(ctx context.Context, key string) (*models.ProductRecord, error) {
	var data string
	var active bool
	err := s.db.QueryRowContext(ctx,
		`SELECT data, is_active FROM product_records WHERE dedup_key = ?`, key,
	).Scan(&data, &active)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query record: %w", err)
	}

	var record models.ProductRecord
	if err := json.Unmarshal([]byte(data), &record); err != nil {
		return nil, fmt.Errorf("failed to decode record: %w", err)
	}
	record.IsActive = active
	return &record, nil
}

func (s *SQLiteSink) MarkInactive(ctx context.Context, key string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE product_records SET is_active = 0 WHERE dedup_key = ?`, key)
	if err != nil {
		return fmt.Errorf("failed to update record: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteSink) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM product_records`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count records: %w", err)
	}
	return n, nil
}

func (s *SQLiteSink) Close() error {
	return s.db.Close()
}
