package fetcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/maltedev/product-pipeline/internal/browser"
	"github.com/maltedev/product-pipeline/internal/models"
	"github.com/maltedev/product-pipeline/internal/ratelimit"
)

// Renderer is the part of the browser the fetcher needs.
type Renderer interface {
	Render(ctx context.Context, url string, opts browser.PageOptions) (*browser.Page, error)
}

// BrowserFetcher renders pages in a headless browser. It always executes
// javascript, so RenderJavascript is implied.
type BrowserFetcher struct {
	renderer Renderer
	limiter  *ratelimit.HostLimiter
	logger   *slog.Logger
}

// NewBrowserFetcher creates a fetcher that renders pages in a headless browser.
func NewBrowserFetcher(renderer Renderer, limiter *ratelimit.HostLimiter, logger *slog.Logger) *BrowserFetcher {
	return &BrowserFetcher{
		renderer: renderer,
		limiter:  limiter,
		logger:   logger.With("component", "browser_fetcher"),
	}
}

func (f *BrowserFetcher) Name() string {
	return "browser"
}

func (f *BrowserFetcher) Fetch(ctx context.Context, rawURL string, opts Options) (*models.RawContent, error) {
	if err := ValidateURL(rawURL); err != nil {
		return nil, err
	}

	if err := f.limiter.WaitURL(ctx, rawURL); err != nil {
		return nil, transportError(rawURL, fmt.Errorf("rate limiter: %w", err))
	}

	locale := localeFor(opts.GeoLocation)
	if opts.GeoLocation != "" && locale == "" {
		f.logger.Debug("no locale for geo location, ignoring", "geo_location", opts.GeoLocation)
	}

	page, err := f.renderer.Render(ctx, rawURL, browser.PageOptions{
		UserAgent: UserAgentFor(opts.UserAgentProfile),
		Locale:    locale,
	})
	if err != nil {
		if errors.Is(err, browser.ErrNavigationTimeout) {
			return nil, newError(KindTimeout, rawURL, err)
		}
		return nil, transportError(rawURL, err)
	}

	if page.StatusCode >= 400 {
		return nil, statusError(rawURL, page.StatusCode, fmt.Errorf("page returned status %d", page.StatusCode))
	}

	return &models.RawContent{
		Body:        []byte(page.HTML),
		ContentType: "text/html; charset=utf-8",
		URL:         page.URL,
		StatusCode:  page.StatusCode,
		FetchedAt:   time.Now(),
		Strategy:    f.Name(),
	}, nil
}

var geoLocales = map[string]string{
	"us":             "en-US",
	"united states":  "en-US",
	"gb":             "en-GB",
	"united kingdom": "en-GB",
	"de":             "de-DE",
	"germany":        "de-DE",
	"fr":             "fr-FR",
	"france":         "fr-FR",
	"es":             "es-ES",
	"spain":          "es-ES",
	"it":             "it-IT",
	"italy":          "it-IT",
	"cn":             "zh-CN",
	"china":          "zh-CN",
	"jp":             "ja-JP",
	"japan":          "ja-JP",
}

func localeFor(geo string) string {
	return geoLocales[strings.ToLower(strings.TrimSpace(geo))]
}
