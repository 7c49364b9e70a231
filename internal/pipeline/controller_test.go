package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/maltedev/product-pipeline/internal/extractor"
	"github.com/maltedev/product-pipeline/internal/fetcher"
	"github.com/maltedev/product-pipeline/internal/models"
	"github.com/maltedev/product-pipeline/internal/sink"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func page(title string) string {
	return fmt.Sprintf(`<html><head><title>%s</title></head><body><span itemprop="price">$1,234.56</span></body></html>`, title)
}

// gauge tracks how many fetch/extract calls are in flight at once.
type gauge struct {
	current atomic.Int64
	peak    atomic.Int64
}

func (g *gauge) enter() {
	n := g.current.Add(1)
	for {
		p := g.peak.Load()
		if n <= p || g.peak.CompareAndSwap(p, n) {
			return
		}
	}
}

func (g *gauge) exit() { g.current.Add(-1) }

// fakeFetcher serves pages by URL. errs holds errors returned on successive
// attempts before the page is served.
type fakeFetcher struct {
	mu      sync.Mutex
	pages   map[string]string
	errs    map[string][]error
	calls   map[string]int
	started chan string
	release chan struct{}
	delay   time.Duration
	gauge   *gauge
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		pages: make(map[string]string),
		errs:  make(map[string][]error),
		calls: make(map[string]int),
	}
}

func (f *fakeFetcher) Name() string { return "fake" }

func (f *fakeFetcher) Fetch(ctx context.Context, rawURL string, opts fetcher.Options) (*models.RawContent, error) {
	if f.gauge != nil {
		f.gauge.enter()
		defer f.gauge.exit()
	}

	f.mu.Lock()
	f.calls[rawURL]++
	var err error
	if pending := f.errs[rawURL]; len(pending) > 0 {
		err, f.errs[rawURL] = pending[0], pending[1:]
	}
	body := f.pages[rawURL]
	f.mu.Unlock()

	if f.started != nil {
		f.started <- rawURL
	}
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return nil, &fetcher.FetchError{Kind: fetcher.KindTransport, URL: rawURL, Cause: ctx.Err()}
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	if err != nil {
		return nil, err
	}
	return &models.RawContent{Body: []byte(body), URL: rawURL, StatusCode: 200, FetchedAt: time.Now()}, nil
}

func (f *fakeFetcher) callCount(rawURL string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[rawURL]
}

type countingExtractor struct {
	inner extractor.Extractor
	gauge *gauge
	delay time.Duration
}

func (e *countingExtractor) Name() string { return e.inner.Name() }

func (e *countingExtractor) Extract(ctx context.Context, content *models.RawContent, sourceURL string) (*models.ProductRecord, error) {
	e.gauge.enter()
	defer e.gauge.exit()
	time.Sleep(e.delay)
	return e.inner.Extract(ctx, content, sourceURL)
}

type MockExtractor struct {
	mock.Mock
}

func (m *MockExtractor) Name() string { return "mock" }

func (m *MockExtractor) Extract(ctx context.Context, content *models.RawContent, sourceURL string) (*models.ProductRecord, error) {
	args := m.Called(ctx, content, sourceURL)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.ProductRecord), args.Error(1)
}

type MockSink struct {
	mock.Mock
}

func (m *MockSink) Save(ctx context.Context, record *models.ProductRecord) (sink.Result, error) {
	args := m.Called(ctx, record)
	return args.Get(0).(sink.Result), args.Error(1)
}

func structural() extractor.Extractor {
	return extractor.NewStructuralExtractor(extractor.StructuralOptions{SavedBy: "test"})
}

func fastConfig() Config {
	return Config{
		MaxConcurrency: 3,
		MaxRetries:     2,
		RetryBackoff:   time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		GracePeriod:    5 * time.Second,
	}
}

func TestRunPreservesLengthAndOrder(t *testing.T) {
	f := newFakeFetcher()
	var urls []string
	for i := 0; i < 12; i++ {
		u := fmt.Sprintf("https://shop.example/p/%d", i)
		urls = append(urls, u)
		f.pages[u] = page(fmt.Sprintf("Product %d", i))
	}
	f.errs[urls[3]] = []error{&fetcher.FetchError{Kind: fetcher.KindStatus, StatusCode: 404}}
	f.pages[urls[5]] = "<div>no product</div>"
	f.delay = 2 * time.Millisecond

	c := New(f, structural(), sink.NewMemorySink(), fastConfig(), testLogger())
	outcomes := c.Run(context.Background(), urls)

	require.Len(t, outcomes, len(urls))
	for i, o := range outcomes {
		assert.Equal(t, urls[i], o.URL)
	}
	assert.Equal(t, KindFailed, outcomes[3].Kind)
	assert.Equal(t, StageFetch, outcomes[3].Stage)
	assert.Equal(t, KindFailed, outcomes[5].Kind)
	assert.Equal(t, StageExtract, outcomes[5].Stage)
	assert.Equal(t, "Product 7", outcomes[7].Record.Title)

	assert.Equal(t, Summary{Total: 12, Saved: 10, Failed: 2}, Summarize(outcomes))
}

func TestRunEmptyBatch(t *testing.T) {
	c := New(newFakeFetcher(), structural(), sink.NewMemorySink(), fastConfig(), testLogger())
	assert.Empty(t, c.Run(context.Background(), nil))
}

func TestNonTransientFetchFailureStopsTheURL(t *testing.T) {
	for _, kind := range []fetcher.ErrorKind{fetcher.KindInvalidURL, fetcher.KindAuthFailure} {
		t.Run(string(kind), func(t *testing.T) {
			u := "https://shop.example/locked"
			f := newFakeFetcher()
			f.errs[u] = []error{&fetcher.FetchError{Kind: kind, URL: u}}

			ex := new(MockExtractor)
			sk := new(MockSink)

			outcomes := New(f, ex, sk, fastConfig(), testLogger()).Run(context.Background(), []string{u})

			require.Len(t, outcomes, 1)
			assert.Equal(t, KindFailed, outcomes[0].Kind)
			assert.Equal(t, StageFetch, outcomes[0].Stage)
			assert.Equal(t, 1, outcomes[0].Attempts)
			assert.Equal(t, 1, f.callCount(u), "non-transient errors are not retried")

			var fe *fetcher.FetchError
			require.ErrorAs(t, outcomes[0].Err, &fe)
			assert.Equal(t, kind, fe.Kind)

			ex.AssertNotCalled(t, "Extract", mock.Anything, mock.Anything, mock.Anything)
			sk.AssertNotCalled(t, "Save", mock.Anything, mock.Anything)
		})
	}
}

func TestNoMatchNeverReachesSink(t *testing.T) {
	u := "https://shop.example/blog"
	f := newFakeFetcher()
	f.pages[u] = "<div>just a blog post</div>"

	sk := new(MockSink)
	outcomes := New(f, structural(), sk, fastConfig(), testLogger()).Run(context.Background(), []string{u})

	require.Len(t, outcomes, 1)
	assert.Equal(t, KindFailed, outcomes[0].Kind)
	assert.Equal(t, StageExtract, outcomes[0].Stage)
	assert.Equal(t, extractor.KindNoMatch, extractor.Kind(outcomes[0].Err))
	sk.AssertNotCalled(t, "Save", mock.Anything, mock.Anything)
}

func TestInvalidRecordNeverReachesSink(t *testing.T) {
	u := "https://shop.example/untitled"
	f := newFakeFetcher()
	f.pages[u] = "<html></html>"

	ex := new(MockExtractor)
	ex.On("Extract", mock.Anything, mock.Anything, u).Return(&models.ProductRecord{DetailURL: u}, nil)
	sk := new(MockSink)

	outcomes := New(f, ex, sk, fastConfig(), testLogger()).Run(context.Background(), []string{u})

	require.Len(t, outcomes, 1)
	assert.Equal(t, KindFailed, outcomes[0].Kind)
	assert.Equal(t, StageExtract, outcomes[0].Stage)
	assert.ErrorContains(t, outcomes[0].Err, "title is required")
	sk.AssertNotCalled(t, "Save", mock.Anything, mock.Anything)
}

func TestDuplicateDetailURLIsSkipped(t *testing.T) {
	u := "https://shop.example/p/lamp"
	f := newFakeFetcher()
	f.pages[u] = page("Lamp")

	cfg := fastConfig()
	cfg.MaxConcurrency = 1
	memory := sink.NewMemorySink()

	outcomes := New(f, structural(), memory, cfg, testLogger()).Run(context.Background(), []string{u, u})

	require.Len(t, outcomes, 2)
	assert.Equal(t, KindSaved, outcomes[0].Kind)
	assert.Equal(t, KindSkipped, outcomes[1].Kind)
	assert.Equal(t, ReasonDuplicate, outcomes[1].Reason)
	assert.Len(t, memory.Records(), 1)
}

// jitterFetcher serves the same page for every url after a random delay.
type jitterFetcher struct {
	body string
}

func (f *jitterFetcher) Name() string { return "jitter" }

func (f *jitterFetcher) Fetch(ctx context.Context, rawURL string, opts fetcher.Options) (*models.RawContent, error) {
	time.Sleep(time.Duration(rand.IntN(10)) * time.Millisecond)
	return &models.RawContent{Body: []byte(f.body), URL: rawURL, StatusCode: 200, FetchedAt: time.Now()}, nil
}

func TestDuplicateDetailURLIsSkippedInInputOrder(t *testing.T) {
	u := "https://shop.example/p/lamp"
	other := "https://shop.example/p/desk"
	cfg := fastConfig()
	cfg.MaxConcurrency = 4

	for run := 0; run < 50; run++ {
		memory := sink.NewMemorySink()
		c := New(&jitterFetcher{body: page("Lamp")}, structural(), memory, cfg, testLogger())

		outcomes := c.Run(context.Background(), []string{u, other, u, u})

		require.Len(t, outcomes, 4)
		assert.Equal(t, KindSaved, outcomes[0].Kind, "run %d", run)
		assert.Equal(t, KindSaved, outcomes[1].Kind, "run %d", run)
		for _, i := range []int{2, 3} {
			assert.Equal(t, KindSkipped, outcomes[i].Kind, "run %d index %d", run, i)
			assert.Equal(t, ReasonDuplicate, outcomes[i].Reason, "run %d index %d", run, i)
		}
		assert.Len(t, memory.Records(), 2)
	}
}

func TestStructuralPriceRoundTrip(t *testing.T) {
	u := "https://shop.example/p/1"
	f := newFakeFetcher()
	f.pages[u] = page("Sofa")

	outcomes := New(f, structural(), sink.NewMemorySink(), fastConfig(), testLogger()).Run(context.Background(), []string{u})

	require.Equal(t, KindSaved, outcomes[0].Kind)
	require.NotNil(t, outcomes[0].Record.Price)
	assert.Equal(t, 1234.56, *outcomes[0].Record.Price)
	assert.Equal(t, u, outcomes[0].Record.DetailURL)
}

func TestTransientFetchFailureIsRetried(t *testing.T) {
	u := "https://shop.example/flaky"
	f := newFakeFetcher()
	f.pages[u] = page("Flaky")
	f.errs[u] = []error{&fetcher.FetchError{Kind: fetcher.KindStatus, StatusCode: 503, URL: u}}

	outcomes := New(f, structural(), sink.NewMemorySink(), fastConfig(), testLogger()).Run(context.Background(), []string{u})

	require.Len(t, outcomes, 1)
	assert.Equal(t, KindSaved, outcomes[0].Kind)
	assert.Equal(t, 2, outcomes[0].Attempts)
	assert.Equal(t, 2, f.callCount(u))
}

func TestRetriesAreBounded(t *testing.T) {
	u := "https://shop.example/down"
	f := newFakeFetcher()
	timeout := &fetcher.FetchError{Kind: fetcher.KindTimeout, URL: u}
	f.errs[u] = []error{timeout, timeout, timeout, timeout, timeout}

	outcomes := New(f, structural(), sink.NewMemorySink(), fastConfig(), testLogger()).Run(context.Background(), []string{u})

	assert.Equal(t, KindFailed, outcomes[0].Kind)
	assert.Equal(t, 3, outcomes[0].Attempts)
	assert.Equal(t, 3, f.callCount(u))
}

func TestSinkFailureIsReported(t *testing.T) {
	u := "https://shop.example/p/1"
	f := newFakeFetcher()
	f.pages[u] = page("Chair")

	sk := new(MockSink)
	sk.On("Save", mock.Anything, mock.Anything).Return(sink.Result(""), sink.Unavailable(errors.New("disk full")))

	outcomes := New(f, structural(), sk, fastConfig(), testLogger()).Run(context.Background(), []string{u})

	assert.Equal(t, KindFailed, outcomes[0].Kind)
	assert.Equal(t, StageSave, outcomes[0].Stage)
	var se *sink.SinkError
	assert.ErrorAs(t, outcomes[0].Err, &se)
}

func TestCancellationSkipsUnstartedURLs(t *testing.T) {
	const started, total = 2, 6

	f := newFakeFetcher()
	f.started = make(chan string, total)
	f.release = make(chan struct{})

	var urls []string
	for i := 0; i < total; i++ {
		u := fmt.Sprintf("https://shop.example/p/%d", i)
		urls = append(urls, u)
		f.pages[u] = page(fmt.Sprintf("Item %d", i))
	}

	cfg := fastConfig()
	cfg.MaxConcurrency = started

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan []Outcome)
	go func() {
		done <- New(f, structural(), sink.NewMemorySink(), cfg, testLogger()).Run(ctx, urls)
	}()

	for i := 0; i < started; i++ {
		<-f.started
	}
	cancel()
	close(f.release)

	var outcomes []Outcome
	select {
	case outcomes = <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("run did not return after cancellation")
	}

	require.Len(t, outcomes, total)
	for i := 0; i < started; i++ {
		assert.Equal(t, KindSaved, outcomes[i].Kind, "started url %d completes", i)
	}
	for i := started; i < total; i++ {
		assert.Equal(t, KindSkipped, outcomes[i].Kind)
		assert.Equal(t, ReasonCancelled, outcomes[i].Reason)
	}
	assert.Equal(t, total-started, Summarize(outcomes).Cancelled)
}

func TestInFlightWorkIsAbandonedAfterGracePeriod(t *testing.T) {
	u := "https://shop.example/hang"
	f := newFakeFetcher()
	f.started = make(chan string, 1)
	f.release = make(chan struct{})
	f.pages[u] = page("Never")

	cfg := fastConfig()
	cfg.GracePeriod = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan []Outcome)
	go func() {
		done <- New(f, structural(), sink.NewMemorySink(), cfg, testLogger()).Run(ctx, []string{u})
	}()

	<-f.started
	cancel()

	var outcomes []Outcome
	select {
	case outcomes = <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("in-flight work was not abandoned")
	}

	require.Len(t, outcomes, 1)
	assert.Equal(t, KindFailed, outcomes[0].Kind)
	assert.Equal(t, StageFetch, outcomes[0].Stage)
	assert.ErrorIs(t, outcomes[0].Err, context.Canceled)
	assert.Equal(t, 1, f.callCount(u), "cancelled work is not retried")
}

func TestAlreadyCancelledContextSkipsEverything(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	f := newFakeFetcher()
	outcomes := New(f, structural(), sink.NewMemorySink(), fastConfig(), testLogger()).
		Run(ctx, []string{"https://shop.example/a", "https://shop.example/b"})

	require.Len(t, outcomes, 2)
	for _, o := range outcomes {
		assert.Equal(t, KindSkipped, o.Kind)
		assert.Equal(t, ReasonCancelled, o.Reason)
	}
	assert.Zero(t, f.callCount("https://shop.example/a"))
}

func TestBoundedConcurrency(t *testing.T) {
	const limit = 3

	g := &gauge{}
	f := newFakeFetcher()
	f.gauge = g
	f.delay = 5 * time.Millisecond

	var urls []string
	for i := 0; i < 20; i++ {
		u := fmt.Sprintf("https://shop.example/p/%d", i)
		urls = append(urls, u)
		f.pages[u] = page(fmt.Sprintf("Item %d", i))
	}

	ex := &countingExtractor{inner: structural(), gauge: g, delay: 5 * time.Millisecond}
	cfg := fastConfig()
	cfg.MaxConcurrency = limit

	outcomes := New(f, ex, sink.NewMemorySink(), cfg, testLogger()).Run(context.Background(), urls)

	assert.Equal(t, 20, Summarize(outcomes).Saved)
	assert.LessOrEqual(t, g.peak.Load(), int64(limit))
	assert.Greater(t, g.peak.Load(), int64(1), "work should actually overlap")
}

func TestBackoff(t *testing.T) {
	c := New(newFakeFetcher(), structural(), sink.NewMemorySink(), Config{
		RetryBackoff: 100 * time.Millisecond,
		MaxBackoff:   time.Second,
	}, testLogger())

	assert.Equal(t, 100*time.Millisecond, c.backoff(0))
	assert.Equal(t, 200*time.Millisecond, c.backoff(1))
	assert.Equal(t, 800*time.Millisecond, c.backoff(3))
	assert.Equal(t, time.Second, c.backoff(4))
	assert.Equal(t, time.Second, c.backoff(40))
}
