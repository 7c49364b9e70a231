// Package events defines the payloads written to the transactional outbox.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/maltedev/product-pipeline/internal/models"
)

type EventType string

const (
	// EventTypeProductSaved is emitted once per record that a sink reported as Created.
	EventTypeProductSaved EventType = "PRODUCT_SAVED"
)

const AggregateProduct = "product"

type ProductSavedPayload struct {
	EventID     string    `json:"event_id"`
	EventType   string    `json:"event_type"`
	Timestamp   time.Time `json:"timestamp"`
	DedupKey    string    `json:"dedup_key"`
	ProductID   string    `json:"product_id,omitempty"`
	Title       string    `json:"title"`
	DetailURL   string    `json:"detail_url"`
	Price       *float64  `json:"price,omitempty"`
	ImageURL    *string   `json:"image_url,omitempty"`
	Category    *string   `json:"category,omitempty"`
	Subcategory *string   `json:"subcategory,omitempty"`
	Seller      *string   `json:"seller,omitempty"`
	IsActive    bool      `json:"is_active"`
	SavedBy     string    `json:"saved_by"`
	Source      string    `json:"source"`
}

// NewProductSaved builds the PRODUCT_SAVED payload for record.
func NewProductSaved(record *models.ProductRecord, source string) *ProductSavedPayload {
	return &ProductSavedPayload{
		EventID:     uuid.New().String(),
		EventType:   string(EventTypeProductSaved),
		Timestamp:   time.Now().UTC(),
		DedupKey:    record.DedupKey(),
		ProductID:   record.ProductID,
		Title:       record.Title,
		DetailURL:   record.DetailURL,
		Price:       record.Price,
		ImageURL:    record.ImageURL,
		Category:    record.Category,
		Subcategory: record.Subcategory,
		Seller:      record.Seller,
		IsActive:    record.IsActive,
		SavedBy:     record.SavedBy,
		Source:      source,
	}
}

func (p *ProductSavedPayload) Marshal() (json.RawMessage, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event: %w", err)
	}
	return data, nil
}

// DecodeProductSaved parses a PRODUCT_SAVED payload read back from the outbox.
func DecodeProductSaved(data []byte) (*ProductSavedPayload, error) {
	var p ProductSavedPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to decode %s payload: %w", EventTypeProductSaved, err)
	}
	if p.DedupKey == "" {
		return nil, fmt.Errorf("%s payload has no dedup key", EventTypeProductSaved)
	}
	return &p, nil
}

// Envelope is the document published to a stream for every outbox event.
type Envelope struct {
	ID            string          `json:"id"`
	Type          EventType       `json:"type"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	Timestamp     time.Time       `json:"timestamp"`
	Payload       json.RawMessage `json:"payload"`
	Metadata      Metadata        `json:"metadata"`
}

type Metadata struct {
	Source       string `json:"source"`
	OutboxID     string `json:"outbox_id"`
	RetryCount   int    `json:"retry_count"`
	TargetStream string `json:"target_stream"`
}
