// Package pipeline runs batches of URLs through fetch, extract and save.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/maltedev/product-pipeline/internal/extractor"
	"github.com/maltedev/product-pipeline/internal/fetcher"
	"github.com/maltedev/product-pipeline/internal/models"
	"github.com/maltedev/product-pipeline/internal/sink"
)

var tracer = otel.Tracer("internal/pipeline")

type Config struct {
	MaxConcurrency int
	MaxRetries     int
	RetryBackoff   time.Duration
	MaxBackoff     time.Duration
	// GracePeriod is how long in-flight URLs may keep running after the
	// caller's context is done.
	GracePeriod  time.Duration
	BatchTimeout time.Duration
	FetchOptions fetcher.Options
}

type Controller struct {
	fetcher   fetcher.Fetcher
	extractor extractor.Extractor
	sink      sink.Sink
	cfg       Config
	logger    *slog.Logger
}

// New creates a controller. MaxConcurrency below one is treated as one.
func New(f fetcher.Fetcher, e extractor.Extractor, s sink.Sink, cfg Config, logger *slog.Logger) *Controller {
	if cfg.MaxConcurrency < 1 {
		cfg.MaxConcurrency = 1
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &Controller{
		fetcher:   f,
		extractor: e,
		sink:      s,
		cfg:       cfg,
		logger:    logger.With("component", "pipeline"),
	}
}

// Run processes urls with the configured fetch options.
func (c *Controller) Run(ctx context.Context, urls []string) []Outcome {
	return c.RunWithOptions(ctx, urls, c.cfg.FetchOptions)
}

// RunWithOptions returns one outcome per url, in input order. Once ctx is done
// no further url is started; those are reported as skipped. Started urls keep
// running for up to GracePeriod before their work is cancelled.
func (c *Controller) RunWithOptions(ctx context.Context, urls []string, opts fetcher.Options) []Outcome {
	outcomes := make([]Outcome, len(urls))
	if len(urls) == 0 {
		return outcomes
	}

	if c.cfg.BatchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.BatchTimeout)
		defer cancel()
	}

	workCtx, cancelWork := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWork()

	finished := make(chan struct{})
	defer close(finished)
	go c.abandonAfterGrace(ctx, finished, cancelWork)

	start := time.Now()
	sem := semaphore.NewWeighted(int64(c.cfg.MaxConcurrency))
	var wg sync.WaitGroup

	// A repeated url saves only after its previous occurrence finished, so the
	// later copy is the one the sink reports as a duplicate.
	done := make([]chan struct{}, len(urls))
	previous := make(map[string]int, len(urls))

	for i, rawURL := range urls {
		done[i] = make(chan struct{})
		var after <-chan struct{}
		if prev, ok := previous[rawURL]; ok {
			after = done[prev]
		}
		previous[rawURL] = i

		if ctx.Err() != nil {
			outcomes[i] = Skipped(rawURL, ReasonCancelled)
			close(done[i])
			continue
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			outcomes[i] = Skipped(rawURL, ReasonCancelled)
			close(done[i])
			continue
		}
		if ctx.Err() != nil {
			sem.Release(1)
			outcomes[i] = Skipped(rawURL, ReasonCancelled)
			close(done[i])
			continue
		}

		wg.Add(1)
		go func(i int, rawURL string, after <-chan struct{}) {
			defer wg.Done()
			defer sem.Release(1)
			defer close(done[i])
			outcomes[i] = c.process(workCtx, rawURL, opts, after)
		}(i, rawURL, after)
	}

	wg.Wait()

	summary := Summarize(outcomes)
	c.logger.Info("batch finished",
		"total", summary.Total,
		"saved", summary.Saved,
		"skipped", summary.Skipped,
		"failed", summary.Failed,
		"duration", time.Since(start))

	return outcomes
}

func (c *Controller) abandonAfterGrace(ctx context.Context, finished <-chan struct{}, cancelWork context.CancelFunc) {
	select {
	case <-finished:
		return
	case <-ctx.Done():
	}

	c.logger.Warn("batch cancelled, waiting for in-flight urls", "grace_period", c.cfg.GracePeriod)

	timer := time.NewTimer(c.cfg.GracePeriod)
	defer timer.Stop()

	select {
	case <-finished:
	case <-timer.C:
		c.logger.Warn("grace period elapsed, abandoning in-flight urls")
		cancelWork()
	}
}

func (c *Controller) process(ctx context.Context, rawURL string, opts fetcher.Options, after <-chan struct{}) Outcome {
	ctx, span := tracer.Start(ctx, "pipeline.process", trace.WithAttributes(attribute.String("url", rawURL)))
	defer span.End()

	start := time.Now()
	outcome := c.runStages(ctx, rawURL, opts, after)

	span.SetAttributes(
		attribute.String("outcome", string(outcome.Kind)),
		attribute.Int("attempts", outcome.Attempts),
	)
	if outcome.Err != nil {
		span.RecordError(outcome.Err)
		span.SetStatus(codes.Error, outcome.Err.Error())
	}

	c.logOutcome(outcome, time.Since(start))
	return outcome
}

// runStages fetches and extracts rawURL, then waits for after (when set)
// before saving.
func (c *Controller) runStages(ctx context.Context, rawURL string, opts fetcher.Options, after <-chan struct{}) Outcome {
	content, attempts, err := c.fetch(ctx, rawURL, opts)
	if err != nil {
		o := Failed(rawURL, StageFetch, err)
		o.Attempts = attempts
		return o
	}

	record, err := c.extract(ctx, content, rawURL)
	if err != nil {
		o := Failed(rawURL, StageExtract, err)
		o.Attempts = attempts
		return o
	}

	if after != nil {
		select {
		case <-after:
		case <-ctx.Done():
			o := Failed(rawURL, StageSave, ctx.Err())
			o.Attempts = attempts
			return o
		}
	}

	result, err := c.save(ctx, record)
	var o Outcome
	switch {
	case err != nil:
		o = Failed(rawURL, StageSave, err)
	case result == sink.Duplicate:
		o = Skipped(rawURL, ReasonDuplicate)
		o.Record = record
	default:
		o = Saved(rawURL, record)
	}
	o.Attempts = attempts
	return o
}

// fetch retries transient failures with exponential backoff. It returns the
// number of attempts made.
func (c *Controller) fetch(ctx context.Context, rawURL string, opts fetcher.Options) (*models.RawContent, int, error) {
	ctx, span := tracer.Start(ctx, "pipeline.fetch", trace.WithAttributes(attribute.String("fetcher", c.fetcher.Name())))
	defer span.End()

	var lastErr error
	attempts := 0
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			wait := c.backoff(attempt - 1)
			c.logger.Debug("retrying fetch", "url", rawURL, "attempt", attempt+1, "wait", wait, "error", lastErr)
			if err := sleep(ctx, wait); err != nil {
				lastErr = fmt.Errorf("%w (retry abandoned: %w)", lastErr, err)
				break
			}
		}

		attempts++
		content, err := c.fetcher.Fetch(ctx, rawURL, opts)
		if err == nil {
			span.SetAttributes(attribute.Int("attempts", attempts))
			return content, attempts, nil
		}

		lastErr = err
		if !fetcher.IsTransient(err) || ctx.Err() != nil {
			break
		}
	}

	span.SetAttributes(attribute.Int("attempts", attempts))
	span.RecordError(lastErr)
	span.SetStatus(codes.Error, lastErr.Error())
	return nil, attempts, lastErr
}

func (c *Controller) extract(ctx context.Context, content *models.RawContent, rawURL string) (*models.ProductRecord, error) {
	ctx, span := tracer.Start(ctx, "pipeline.extract", trace.WithAttributes(attribute.String("extractor", c.extractor.Name())))
	defer span.End()

	record, err := c.extractor.Extract(ctx, content, rawURL)
	if err == nil {
		if problems := record.Validate(); len(problems) > 0 {
			err = fmt.Errorf("invalid record: %s", strings.Join(problems, "; "))
		}
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return record, nil
}

func (c *Controller) save(ctx context.Context, record *models.ProductRecord) (sink.Result, error) {
	ctx, span := tracer.Start(ctx, "pipeline.save", trace.WithAttributes(attribute.String("dedup_key", record.DedupKey())))
	defer span.End()

	result, err := c.sink.Save(ctx, record)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	span.SetAttributes(attribute.String("result", string(result)))
	return result, nil
}

// backoff is RetryBackoff * 2^attempt, capped at MaxBackoff.
func (c *Controller) backoff(attempt int) time.Duration {
	d := c.cfg.RetryBackoff
	for i := 0; i < attempt; i++ {
		d *= 2
		if c.cfg.MaxBackoff > 0 && d >= c.cfg.MaxBackoff {
			return c.cfg.MaxBackoff
		}
	}
	if c.cfg.MaxBackoff > 0 && d > c.cfg.MaxBackoff {
		return c.cfg.MaxBackoff
	}
	return d
}

func (c *Controller) logOutcome(o Outcome, elapsed time.Duration) {
	attrs := []any{
		"url", o.URL,
		"outcome", o.Kind,
		"attempts", o.Attempts,
		"duration", elapsed,
	}
	if o.Record != nil {
		attrs = append(attrs, "dedup_key", o.Record.DedupKey())
	}

	switch o.Kind {
	case KindFailed:
		c.logger.Warn("url failed", append(attrs, "stage", o.Stage, "error", o.Err)...)
	case KindSkipped:
		c.logger.Info("url skipped", append(attrs, "reason", o.Reason)...)
	default:
		c.logger.Info("url saved", attrs...)
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
