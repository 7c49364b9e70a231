// Package sink persists product records and reports whether a record was new.
package sink

import (
	"context"
	"fmt"

	"github.com/maltedev/product-pipeline/internal/models"
)

type Result string

const (
	Created   Result = "created"
	Duplicate Result = "duplicate"
)

// Sink stores records keyed by ProductRecord.DedupKey. Implementations must
// guarantee that two concurrent saves of the same key yield exactly one Created.
type Sink interface {
	Save(ctx context.Context, record *models.ProductRecord) (Result, error)
}

type ErrorKind string

const KindUnavailable ErrorKind = "unavailable"

type SinkError struct {
	Kind  ErrorKind
	Cause error
}

func (e *SinkError) Error() string {
	return fmt.Sprintf("sink %s: %v", e.Kind, e.Cause)
}

func (e *SinkError) Unwrap() error {
	return e.Cause
}

// Unavailable wraps err as a SinkError.
func Unavailable(err error) *SinkError {
	return &SinkError{Kind: KindUnavailable, Cause: err}
}
