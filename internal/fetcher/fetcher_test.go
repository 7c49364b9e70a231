package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/maltedev/product-pipeline/internal/browser"
	"github.com/maltedev/product-pipeline/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestValidateURL(t *testing.T) {
	tests := []struct {
		url   string
		valid bool
	}{
		{"https://shop.example/p/1", true},
		{"http://shop.example", true},
		{"/relative/path", false},
		{"ftp://shop.example/file", false},
		{"not a url", false},
		{"https://", false},
	}

	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			err := ValidateURL(tt.url)
			if tt.valid {
				assert.NoError(t, err)
				return
			}
			var fe *FetchError
			require.ErrorAs(t, err, &fe)
			assert.Equal(t, KindInvalidURL, fe.Kind)
			assert.False(t, fe.Transient())
		})
	}
}

func TestFetchErrorTransient(t *testing.T) {
	tests := []struct {
		name      string
		err       *FetchError
		transient bool
	}{
		{"transport", &FetchError{Kind: KindTransport}, true},
		{"timeout", &FetchError{Kind: KindTimeout}, true},
		{"auth", &FetchError{Kind: KindAuthFailure, StatusCode: 401}, false},
		{"not found", &FetchError{Kind: KindStatus, StatusCode: 404}, false},
		{"unavailable", &FetchError{Kind: KindStatus, StatusCode: 503}, true},
		{"throttled", &FetchError{Kind: KindStatus, StatusCode: 429}, true},
		{"invalid url", &FetchError{Kind: KindInvalidURL}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.transient, tt.err.Transient())
			assert.Equal(t, tt.transient, IsTransient(fmt.Errorf("wrapped: %w", tt.err)))
		})
	}

	assert.False(t, IsTransient(errors.New("plain")))
}

func TestHTTPFetcher(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/product":
			assert.Equal(t, UserAgentFor("mobile"), r.Header.Get("User-Agent"))
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			fmt.Fprint(w, "<html><h1>Widget</h1></html>")
		case "/private":
			w.WriteHeader(http.StatusForbidden)
		case "/down":
			w.WriteHeader(http.StatusServiceUnavailable)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	f := NewHTTPFetcher(HTTPOptions{Timeout: 5 * time.Second}, testLogger())
	ctx := context.Background()

	t.Run("success ignores render option", func(t *testing.T) {
		content, err := f.Fetch(ctx, srv.URL+"/product", Options{RenderJavascript: true, UserAgentProfile: "mobile"})
		require.NoError(t, err)
		assert.Equal(t, "<html><h1>Widget</h1></html>", string(content.Body))
		assert.Contains(t, content.ContentType, "text/html")
		assert.Equal(t, 200, content.StatusCode)
		assert.Equal(t, "http", content.Strategy)
	})

	statusCases := []struct {
		path      string
		kind      ErrorKind
		status    int
		transient bool
	}{
		{"/private", KindAuthFailure, 403, false},
		{"/down", KindStatus, 503, true},
		{"/missing", KindStatus, 404, false},
	}
	for _, tc := range statusCases {
		t.Run(tc.path, func(t *testing.T) {
			_, err := f.Fetch(ctx, srv.URL+tc.path, Options{})
			var fe *FetchError
			require.ErrorAs(t, err, &fe)
			assert.Equal(t, tc.kind, fe.Kind)
			assert.Equal(t, tc.status, fe.StatusCode)
			assert.Equal(t, tc.transient, fe.Transient())
		})
	}

	t.Run("transport failure", func(t *testing.T) {
		dead := httptest.NewServer(http.NotFoundHandler())
		deadURL := dead.URL
		dead.Close()

		_, err := f.Fetch(ctx, deadURL+"/product", Options{})
		var fe *FetchError
		require.ErrorAs(t, err, &fe)
		assert.True(t, fe.Transient())
	})

	t.Run("timeout", func(t *testing.T) {
		slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Second):
			}
		}))
		defer slow.Close()

		tctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		defer cancel()

		_, err := f.Fetch(tctx, slow.URL, Options{})
		var fe *FetchError
		require.ErrorAs(t, err, &fe)
		assert.Equal(t, KindTimeout, fe.Kind)
	})
}

func TestHTTPFetcherBodyLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, strings.Repeat("a", 64))
	}))
	defer srv.Close()

	t.Run("over the limit", func(t *testing.T) {
		f := NewHTTPFetcher(HTTPOptions{MaxBodyBytes: 32}, testLogger())
		_, err := f.Fetch(context.Background(), srv.URL, Options{})
		var fe *FetchError
		require.ErrorAs(t, err, &fe)
		assert.Equal(t, KindTooLarge, fe.Kind)
		assert.False(t, fe.Transient())
	})

	t.Run("exactly at the limit", func(t *testing.T) {
		f := NewHTTPFetcher(HTTPOptions{MaxBodyBytes: 64}, testLogger())
		content, err := f.Fetch(context.Background(), srv.URL, Options{})
		require.NoError(t, err)
		assert.Len(t, content.Body, 64)
	})
}

func TestScrapingAPIFetcher(t *testing.T) {
	var got scrapingAPIRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "user" || pass != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "application/json")
		if got.URL == "https://shop.example/feed" {
			fmt.Fprint(w, `{"results":[{"content":{"title":"Lamp","price":19.5},"status_code":200,"url":"https://shop.example/feed"}]}`)
			return
		}
		if got.URL == "https://shop.example/gone" {
			fmt.Fprint(w, `{"results":[{"content":"","status_code":404,"url":"https://shop.example/gone"}]}`)
			return
		}
		fmt.Fprint(w, `{"results":[{"content":"<html><title>Lamp</title></html>","status_code":200,"url":"https://shop.example/lamp"}]}`)
	}))
	defer srv.Close()

	t.Run("requires credentials", func(t *testing.T) {
		_, err := NewScrapingAPIFetcher(ScrapingAPIOptions{Endpoint: srv.URL}, testLogger())
		assert.ErrorIs(t, err, ErrMissingCredentials)
	})

	f, err := NewScrapingAPIFetcher(ScrapingAPIOptions{
		Endpoint: srv.URL,
		Username: "user",
		Password: "secret",
	}, testLogger())
	require.NoError(t, err)

	t.Run("passes options through", func(t *testing.T) {
		content, err := f.Fetch(context.Background(), "https://shop.example/lamp", Options{
			RenderJavascript: true,
			GeoLocation:      "Germany",
			UserAgentProfile: "mobile",
		})
		require.NoError(t, err)

		assert.Equal(t, "<html><title>Lamp</title></html>", string(content.Body))
		assert.Equal(t, "text/html", content.ContentType)
		assert.Equal(t, "scrapingapi", content.Strategy)
		assert.Equal(t, "universal", got.Source)
		assert.Equal(t, "html", got.Render)
		assert.Equal(t, "Germany", got.GeoLocation)
		assert.Equal(t, "mobile", got.UserAgentType)
	})

	t.Run("structured content is json", func(t *testing.T) {
		content, err := f.Fetch(context.Background(), "https://shop.example/feed", Options{})
		require.NoError(t, err)

		assert.Equal(t, "application/json", content.ContentType)
		assert.JSONEq(t, `{"title":"Lamp","price":19.5}`, string(content.Body))
	})

	t.Run("target status is reported", func(t *testing.T) {
		_, err := f.Fetch(context.Background(), "https://shop.example/gone", Options{})
		var fe *FetchError
		require.ErrorAs(t, err, &fe)
		assert.Equal(t, KindStatus, fe.Kind)
		assert.Equal(t, 404, fe.StatusCode)
	})

	t.Run("rejected credentials", func(t *testing.T) {
		bad, err := NewScrapingAPIFetcher(ScrapingAPIOptions{
			Endpoint: srv.URL,
			Username: "user",
			Password: "wrong",
		}, testLogger())
		require.NoError(t, err)

		_, err = bad.Fetch(context.Background(), "https://shop.example/lamp", Options{})
		var fe *FetchError
		require.ErrorAs(t, err, &fe)
		assert.Equal(t, KindAuthFailure, fe.Kind)
		assert.False(t, fe.Transient())
	})
}

type mockRenderer struct {
	mock.Mock
}

func (m *mockRenderer) Render(ctx context.Context, url string, opts browser.PageOptions) (*browser.Page, error) {
	args := m.Called(ctx, url, opts)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*browser.Page), args.Error(1)
}

func TestBrowserFetcher(t *testing.T) {
	ctx := context.Background()

	t.Run("maps geo location to locale", func(t *testing.T) {
		r := new(mockRenderer)
		r.On("Render", ctx, "https://shop.example/p", browser.PageOptions{
			UserAgent: UserAgentFor("desktop"),
			Locale:    "de-DE",
		}).Return(&browser.Page{HTML: "<html></html>", URL: "https://shop.example/p", StatusCode: 200}, nil)

		f := NewBrowserFetcher(r, nil, testLogger())
		content, err := f.Fetch(ctx, "https://shop.example/p", Options{GeoLocation: "DE"})
		require.NoError(t, err)
		assert.Equal(t, "browser", content.Strategy)
		r.AssertExpectations(t)
	})

	t.Run("navigation timeout", func(t *testing.T) {
		r := new(mockRenderer)
		r.On("Render", ctx, "https://shop.example/slow", mock.Anything).
			Return(nil, fmt.Errorf("%w: deadline", browser.ErrNavigationTimeout))

		f := NewBrowserFetcher(r, nil, testLogger())
		_, err := f.Fetch(ctx, "https://shop.example/slow", Options{GeoLocation: "atlantis"})
		var fe *FetchError
		require.ErrorAs(t, err, &fe)
		assert.Equal(t, KindTimeout, fe.Kind)
	})
}

type stubFetcher struct {
	name  string
	calls int
}

func (s *stubFetcher) Fetch(ctx context.Context, rawURL string, opts Options) (*models.RawContent, error) {
	s.calls++
	return &models.RawContent{Body: []byte("ok"), Strategy: s.name}, nil
}

func (s *stubFetcher) Name() string { return s.name }

func TestSelectorRoutesRenderRequests(t *testing.T) {
	plain := &stubFetcher{name: "http"}
	render := &stubFetcher{name: "browser"}
	sel := &Selector{Default: plain, Rendering: render}

	c, err := sel.Fetch(context.Background(), "https://shop.example", Options{RenderJavascript: true})
	require.NoError(t, err)
	assert.Equal(t, "browser", c.Strategy)

	c, err = sel.Fetch(context.Background(), "https://shop.example", Options{})
	require.NoError(t, err)
	assert.Equal(t, "http", c.Strategy)
	assert.Equal(t, "http|browser", sel.Name())

	noRender := &Selector{Default: plain}
	c, err = noRender.Fetch(context.Background(), "https://shop.example", Options{RenderJavascript: true})
	require.NoError(t, err)
	assert.Equal(t, "http", c.Strategy)
}
