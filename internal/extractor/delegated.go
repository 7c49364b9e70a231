package extractor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"github.com/maltedev/product-pipeline/internal/llm"
	"github.com/maltedev/product-pipeline/internal/models"
)

const DefaultMaxContentBytes = 20000

const promptTemplate = `Extract the product on the page below as one JSON object with these keys:
productId, title, price (number, no currency), imageUrl, images (array), vendorLinks (array of
{imageUrl, sourceUrl}), seller, shopId, category, subcategory, description, colors (array),
sizes (array), isActive (boolean). Use null for unknown values and [] for empty lists.
Reply with the JSON object only.

Page URL: %s

Page content:
%s`

type DelegatedOptions struct {
	SavedBy         string
	MaxContentBytes int
	// RawContent skips reducing HTML to visible text before truncation.
	RawContent bool
	Clock      Clock
}

// DelegatedExtractor hands bounded page text to a language model and parses
// the first JSON object in its reply.
type DelegatedExtractor struct {
	completer llm.Completer
	opts      DelegatedOptions
	logger    *slog.Logger
}

// NewDelegatedExtractor creates an extractor that asks a language model for the record.
func NewDelegatedExtractor(completer llm.Completer, opts DelegatedOptions, logger *slog.Logger) *DelegatedExtractor {
	if opts.MaxContentBytes <= 0 {
		opts.MaxContentBytes = DefaultMaxContentBytes
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &DelegatedExtractor{
		completer: completer,
		opts:      opts,
		logger:    logger.With("component", "delegated_extractor"),
	}
}

func (e *DelegatedExtractor) Name() string {
	return "llm"
}

func (e *DelegatedExtractor) Extract(ctx context.Context, content *models.RawContent, sourceURL string) (*models.ProductRecord, error) {
	if content.IsEmpty() {
		return nil, errEmptyContent
	}

	text := string(content.Body)
	if !e.opts.RawContent {
		text = visibleText(content.Body)
	}
	if strings.TrimSpace(text) == "" {
		return nil, errEmptyContent
	}
	text = truncate(text, e.opts.MaxContentBytes)

	e.logger.Debug("requesting delegated extraction", "url", sourceURL, "content_bytes", len(text))

	reply, err := e.completer.Complete(ctx, fmt.Sprintf(promptTemplate, sourceURL, text))
	if err != nil {
		return nil, newError(KindUpstreamFailure, err)
	}

	raw, ok := FirstJSONObject(reply)
	if !ok {
		return nil, newError(KindMalformedResponse, errors.New("no JSON object in reply"))
	}

	record, err := decodeRecord(raw)
	if err != nil {
		return nil, newError(KindMalformedResponse, err)
	}

	return finish(record, sourceURL, e.opts.SavedBy, e.opts.Clock), nil
}

// delegatedRecord shadows the fields models tend to get wrong.
type delegatedRecord struct {
	models.ProductRecord
	ProductID json.RawMessage `json:"productId"`
	Price     json.RawMessage `json:"price"`
	CreatedAt json.RawMessage `json:"createdAt"`
	DetailURL json.RawMessage `json:"detailUrl"`
	SavedBy   json.RawMessage `json:"savedBy"`
}

func decodeRecord(raw string) (*models.ProductRecord, error) {
	var dr delegatedRecord
	if err := json.Unmarshal([]byte(raw), &dr); err != nil {
		return nil, fmt.Errorf("failed to decode reply: %w", err)
	}

	record := dr.ProductRecord
	if strings.TrimSpace(record.Title) == "" {
		return nil, errors.New("reply has no title")
	}

	record.ProductID = rawScalar(dr.ProductID)
	record.Price = rawPrice(dr.Price)
	return &record, nil
}

func rawScalar(msg json.RawMessage) string {
	var v any
	if len(msg) == 0 || json.Unmarshal(msg, &v) != nil {
		return ""
	}
	switch s := v.(type) {
	case string:
		return s
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	}
	return ""
}

// rawPrice accepts a number or a string like "$1,234.56".
func rawPrice(msg json.RawMessage) *float64 {
	var v any
	if len(msg) == 0 || json.Unmarshal(msg, &v) != nil {
		return nil
	}
	switch p := v.(type) {
	case float64:
		return &p
	case string:
		return ParsePrice(p)
	}
	return nil
}

// visibleText drops scripts and styles but keeps JSON-LD, which often carries
// the cleanest product data on the page.
func visibleText(body []byte) string {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return string(body)
	}
	doc.Find(`script:not([type="application/ld+json"]), style, noscript, svg, iframe`).Remove()
	return strings.Join(strings.Fields(doc.Text()), " ")
}

// truncate cuts s to at most max bytes without splitting a rune.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
