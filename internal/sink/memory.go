package sink

import (
	"context"
	"sync"

	"github.com/maltedev/product-pipeline/internal/models"
)

// MemorySink keeps records in process. Useful for tests and dry runs.
type MemorySink struct {
	mu      sync.RWMutex
	records map[string]*models.ProductRecord
	order   []string
}

// NewMemorySink creates an empty in-process sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{
		records: make(map[string]*models.ProductRecord),
	}
}

func (s *MemorySink) Save(ctx context.Context, record *models.ProductRecord) (Result, error) {
	if err := ctx.Err(); err != nil {
		return "", Unavailable(err)
	}

	key := record.DedupKey()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[key]; exists {
		return Duplicate, nil
	}

	stored := *record
	s.records[key] = &stored
	s.order = append(s.order, key)
	return Created, nil
}

// Records returns copies of the stored records in insertion order.
func (s *MemorySink) Records() []models.ProductRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.ProductRecord, 0, len(s.order))
	for _, key := range s.order {
		out = append(out, *s.records[key])
	}
	return out
}

// MarkInactive flips isActive off for a stored record. It reports whether the key was known.
func (s *MemorySink) MarkInactive(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[key]
	if !ok {
		return false
	}
	record.IsActive = false
	return true
}

func (s *MemorySink) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
