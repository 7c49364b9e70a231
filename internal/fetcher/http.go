package fetcher

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/maltedev/product-pipeline/internal/models"
	"github.com/maltedev/product-pipeline/internal/ratelimit"
)

// DefaultMaxBodyBytes caps how much of a response body HTTPFetcher reads.
const DefaultMaxBodyBytes = 10 << 20

// HTTPFetcher requests the page directly. It cannot render javascript and
// has no notion of geo location, so both options are ignored.
type HTTPFetcher struct {
	client       *resty.Client
	limiter      *ratelimit.HostLimiter
	maxBodyBytes int64
	logger       *slog.Logger
}

type HTTPOptions struct {
	Timeout time.Duration
	Limiter *ratelimit.HostLimiter
	// MaxBodyBytes rejects larger pages; zero means DefaultMaxBodyBytes.
	MaxBodyBytes int64
	// Client overrides the resty client, mainly for tests.
	Client *resty.Client
}

// NewHTTPFetcher creates a fetcher that requests pages directly.
func NewHTTPFetcher(opts HTTPOptions, logger *slog.Logger) *HTTPFetcher {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = DefaultMaxBodyBytes
	}
	client := opts.Client
	if client == nil {
		client = resty.New()
	}
	if opts.Timeout > 0 {
		client.SetTimeout(opts.Timeout)
	}
	client.SetHeaders(map[string]string{
		"Accept":          "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8",
		"Accept-Language": "en-US,en;q=0.9",
	})

	return &HTTPFetcher{
		client:       client,
		limiter:      opts.Limiter,
		maxBodyBytes: opts.MaxBodyBytes,
		logger:       logger.With("component", "http_fetcher"),
	}
}

func (f *HTTPFetcher) Name() string {
	return "http"
}

func (f *HTTPFetcher) Fetch(ctx context.Context, rawURL string, opts Options) (*models.RawContent, error) {
	if err := ValidateURL(rawURL); err != nil {
		return nil, err
	}

	if opts.RenderJavascript || opts.GeoLocation != "" {
		f.logger.Debug("ignoring unsupported fetch options",
			"url", rawURL,
			"render_javascript", opts.RenderJavascript,
			"geo_location", opts.GeoLocation)
	}

	if err := f.limiter.WaitURL(ctx, rawURL); err != nil {
		return nil, transportError(rawURL, fmt.Errorf("rate limiter: %w", err))
	}

	resp, err := f.client.R().
		SetContext(ctx).
		SetHeader("User-Agent", UserAgentFor(opts.UserAgentProfile)).
		SetDoNotParseResponse(true).
		Get(rawURL)
	if err != nil {
		return nil, transportError(rawURL, err)
	}
	defer resp.RawBody().Close()

	if resp.StatusCode() < 200 || resp.StatusCode() > 299 {
		return nil, statusError(rawURL, resp.StatusCode(), fmt.Errorf("unexpected status %s", resp.Status()))
	}

	body, err := io.ReadAll(io.LimitReader(resp.RawBody(), f.maxBodyBytes+1))
	if err != nil {
		return nil, transportError(rawURL, fmt.Errorf("failed to read body: %w", err))
	}
	if int64(len(body)) > f.maxBodyBytes {
		return nil, newError(KindTooLarge, rawURL, fmt.Errorf("body exceeds %d bytes", f.maxBodyBytes))
	}

	finalURL := rawURL
	if resp.RawResponse != nil && resp.RawResponse.Request != nil && resp.RawResponse.Request.URL != nil {
		finalURL = resp.RawResponse.Request.URL.String()
	}

	f.logger.Debug("fetched page", "url", rawURL, "status", resp.StatusCode(), "bytes", len(body))

	return &models.RawContent{
		Body:        body,
		ContentType: resp.Header().Get("Content-Type"),
		URL:         finalURL,
		StatusCode:  resp.StatusCode(),
		FetchedAt:   time.Now(),
		Strategy:    f.Name(),
	}, nil
}
