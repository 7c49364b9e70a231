package fetcher

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/maltedev/product-pipeline/internal/models"
)

// Options are passed through to whichever strategy is configured. A strategy
// that cannot honor an option ignores it.
type Options struct {
	RenderJavascript bool   `json:"renderJavascript"`
	GeoLocation      string `json:"geoLocation,omitempty"`
	UserAgentProfile string `json:"userAgentProfile,omitempty"`
}

// Fetcher produces RawContent for a URL. Implementations never retry.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string, opts Options) (*models.RawContent, error)
	Name() string
}

// ValidateURL requires an absolute http(s) URL with a host.
func ValidateURL(rawURL string) error {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return newError(KindInvalidURL, rawURL, err)
	}
	if !u.IsAbs() || u.Host == "" {
		return newError(KindInvalidURL, rawURL, fmt.Errorf("url must be absolute"))
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return newError(KindInvalidURL, rawURL, fmt.Errorf("unsupported scheme %q", u.Scheme))
	}
	return nil
}

// Selector routes requests that ask for javascript rendering to a rendering
// capable fetcher and everything else to the default one.
type Selector struct {
	Default   Fetcher
	Rendering Fetcher
}

func (s *Selector) Fetch(ctx context.Context, rawURL string, opts Options) (*models.RawContent, error) {
	if opts.RenderJavascript && s.Rendering != nil {
		return s.Rendering.Fetch(ctx, rawURL, opts)
	}
	return s.Default.Fetch(ctx, rawURL, opts)
}

func (s *Selector) Name() string {
	if s.Rendering == nil {
		return s.Default.Name()
	}
	return s.Default.Name() + "|" + s.Rendering.Name()
}

const (
	desktopUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
	mobileUserAgent  = "Mozilla/5.0 (iPhone; CPU iPhone OS 17_2 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.2 Mobile/15E148 Safari/604.1"
	tabletUserAgent  = "Mozilla/5.0 (iPad; CPU OS 17_2 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.2 Mobile/15E148 Safari/604.1"
)

// UserAgentFor maps a profile name to a concrete user agent. Unknown profiles get the desktop one.
func UserAgentFor(profile string) string {
	switch strings.ToLower(strings.TrimSpace(profile)) {
	case "mobile":
		return mobileUserAgent
	case "tablet":
		return tabletUserAgent
	default:
		return desktopUserAgent
	}
}
