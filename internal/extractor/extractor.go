// Package extractor turns fetched page content into normalized product records.
package extractor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/maltedev/product-pipeline/internal/models"
)

type Extractor interface {
	Extract(ctx context.Context, content *models.RawContent, sourceURL string) (*models.ProductRecord, error)
	Name() string
}

type ErrorKind string

const (
	KindNoMatch           ErrorKind = "no_match"
	KindUpstreamFailure   ErrorKind = "upstream_failure"
	KindMalformedResponse ErrorKind = "malformed_response"
	KindEmptyContent      ErrorKind = "empty_content"
)

type ExtractionError struct {
	Kind  ErrorKind
	Cause error
}

func (e *ExtractionError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("extraction failed (%s)", e.Kind)
	}
	return fmt.Sprintf("extraction failed (%s): %v", e.Kind, e.Cause)
}

func (e *ExtractionError) Unwrap() error {
	return e.Cause
}

// Kind returns the extraction error kind carried by err, or "" if there is none.
func Kind(err error) ErrorKind {
	var ee *ExtractionError
	if errors.As(err, &ee) {
		return ee.Kind
	}
	return ""
}

// Clock is injected so tests can pin createdAt.
type Clock func() time.Time

func newError(kind ErrorKind, cause error) *ExtractionError {
	return &ExtractionError{Kind: kind, Cause: cause}
}

var errEmptyContent = newError(KindEmptyContent, errors.New("content is empty"))

// finish stamps the fields every extractor owns and enforces record invariants.
func finish(record *models.ProductRecord, sourceURL, savedBy string, clock Clock) *models.ProductRecord {
	record.DetailURL = sourceURL
	record.SavedBy = savedBy
	record.CreatedAt = clock().UTC()
	record.Normalize()
	return record
}
