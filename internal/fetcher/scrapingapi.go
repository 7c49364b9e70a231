package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/maltedev/product-pipeline/internal/models"
	"github.com/maltedev/product-pipeline/internal/ratelimit"
)

// ScrapingAPIFetcher delegates retrieval to a managed scraping service that
// accepts a realtime query and answers with the page content.
type ScrapingAPIFetcher struct {
	client   *resty.Client
	endpoint string
	source   string
	limiter  *ratelimit.HostLimiter
	logger   *slog.Logger
}

type ScrapingAPIOptions struct {
	Endpoint string
	Source   string
	Username string
	Password string
	Timeout  time.Duration
	Limiter  *ratelimit.HostLimiter
	Client   *resty.Client
}

type scrapingAPIRequest struct {
	Source        string `json:"source"`
	URL           string `json:"url"`
	Render        string `json:"render,omitempty"`
	GeoLocation   string `json:"geo_location,omitempty"`
	UserAgentType string `json:"user_agent_type,omitempty"`
}

type scrapingAPIResponse struct {
	Results []struct {
		Content    json.RawMessage `json:"content"`
		StatusCode int             `json:"status_code"`
		URL        string          `json:"url"`
	} `json:"results"`
}

var ErrMissingCredentials = errors.New("scraping api credentials are not configured")

// NewScrapingAPIFetcher creates a fetcher backed by the scraping service. Credentials are required.
func NewScrapingAPIFetcher(opts ScrapingAPIOptions, logger *slog.Logger) (*ScrapingAPIFetcher, error) {
	if opts.Endpoint == "" {
		return nil, fmt.Errorf("scraping api endpoint is required")
	}
	if opts.Username == "" || opts.Password == "" {
		return nil, ErrMissingCredentials
	}
	if opts.Source == "" {
		opts.Source = "universal"
	}

	client := opts.Client
	if client == nil {
		client = resty.New()
	}
	if opts.Timeout > 0 {
		client.SetTimeout(opts.Timeout)
	}
	client.SetBasicAuth(opts.Username, opts.Password)
	client.SetHeader("Content-Type", "application/json")

	return &ScrapingAPIFetcher{
		client:   client,
		endpoint: opts.Endpoint,
		source:   opts.Source,
		limiter:  opts.Limiter,
		logger:   logger.With("component", "scrapingapi_fetcher"),
	}, nil
}

func (f *ScrapingAPIFetcher) Name() string {
	return "scrapingapi"
}

func (f *ScrapingAPIFetcher) Fetch(ctx context.Context, rawURL string, opts Options) (*models.RawContent, error) {
	if err := ValidateURL(rawURL); err != nil {
		return nil, err
	}

	// the service is the remote party here, so it is the one being rate limited
	if err := f.limiter.WaitURL(ctx, f.endpoint); err != nil {
		return nil, transportError(rawURL, fmt.Errorf("rate limiter: %w", err))
	}

	body := scrapingAPIRequest{
		Source:        f.source,
		URL:           rawURL,
		GeoLocation:   opts.GeoLocation,
		UserAgentType: userAgentType(opts.UserAgentProfile),
	}
	if opts.RenderJavascript {
		body.Render = "html"
	}

	var result scrapingAPIResponse
	resp, err := f.client.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&result).
		Post(f.endpoint)
	if err != nil {
		return nil, transportError(rawURL, err)
	}

	if resp.IsError() {
		return nil, statusError(rawURL, resp.StatusCode(), fmt.Errorf("scraping api returned %s", resp.Status()))
	}

	if len(result.Results) == 0 {
		return nil, newError(KindTransport, rawURL, fmt.Errorf("scraping api returned no results"))
	}

	first := result.Results[0]
	if first.StatusCode >= 400 {
		return nil, statusError(rawURL, first.StatusCode, fmt.Errorf("target returned status %d", first.StatusCode))
	}

	content, contentType := decodeContent(first.Content)
	finalURL := first.URL
	if finalURL == "" {
		finalURL = rawURL
	}

	f.logger.Debug("fetched page through scraping api",
		"url", rawURL,
		"status", first.StatusCode,
		"bytes", len(content),
		"render", opts.RenderJavascript)

	return &models.RawContent{
		Body:        content,
		ContentType: contentType,
		URL:         finalURL,
		StatusCode:  first.StatusCode,
		FetchedAt:   time.Now(),
		Strategy:    f.Name(),
	}, nil
}

// decodeContent accepts content as a JSON string (raw html) or as an already
// parsed JSON document, which the service returns for structured sources.
func decodeContent(raw json.RawMessage) ([]byte, string) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return []byte(s), "text/html"
	}
	return []byte(raw), "application/json"
}

func userAgentType(profile string) string {
	switch strings.ToLower(strings.TrimSpace(profile)) {
	case "":
		return ""
	case "mobile":
		return "mobile"
	case "tablet":
		return "tablet"
	default:
		return "desktop"
	}
}
