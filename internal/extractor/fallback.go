package extractor

import (
	"context"

	"github.com/maltedev/product-pipeline/internal/models"
)

// Fallback tries Primary and hands the content to Secondary only when Primary
// found nothing. Upstream and decoding failures are returned as-is.
type Fallback struct {
	Primary   Extractor
	Secondary Extractor
}

func (f *Fallback) Name() string {
	return f.Primary.Name() + "+" + f.Secondary.Name()
}

// Extract tries Primary and falls back to Secondary on no match or empty content.
func (f *Fallback) Extract(ctx context.Context, content *models.RawContent, sourceURL string) (*models.ProductRecord, error) {
	record, err := f.Primary.Extract(ctx, content, sourceURL)
	if err == nil {
		return record, nil
	}

	switch Kind(err) {
	case KindNoMatch, KindEmptyContent:
		return f.Secondary.Extract(ctx, content, sourceURL)
	default:
		return nil, err
	}
}
