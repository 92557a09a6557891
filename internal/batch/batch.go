// Package batch runs many logical fetches at once. It bounds in-flight
// fetches with a semaphore gate, spaces requests per host, retries whole
// orchestrations with backoff and persists each outcome.
package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/stealth-fetcher/internal/fetch"
	"github.com/JakeFAU/stealth-fetcher/internal/metrics"
	"github.com/JakeFAU/stealth-fetcher/internal/orchestrator"
)

// DefaultConcurrency bounds in-flight fetches when Config leaves it unset.
const DefaultConcurrency = 4

// Fetcher runs one orchestrated fetch.
type Fetcher interface {
	Fetch(ctx context.Context, req fetch.Request) (orchestrator.Result, error)
}

// HostLimiter spaces requests to the same host.
type HostLimiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Config controls a Runner.
type Config struct {
	Concurrency int64
}

// Outcome is the result of one logical fetch including retries.
type Outcome struct {
	URL      string
	RecordID string
	BlobURI  string
	Result   *orchestrator.Result
	Err      error
	Retries  int
	Elapsed  time.Duration
}

// Attempts returns the strategy attempts of the final orchestration.
func (o Outcome) Attempts() []fetch.Attempt {
	if o.Result != nil {
		return o.Result.Attempts
	}
	var failure *orchestrator.FailureError
	if errors.As(o.Err, &failure) {
		return failure.Attempts
	}
	return nil
}

// MarshalJSON renders the outcome as one output line.
func (o Outcome) MarshalJSON() ([]byte, error) {
	type line struct {
		URL         string             `json:"url"`
		RecordID    string             `json:"record_id,omitempty"`
		BlobURI     string             `json:"blob_uri,omitempty"`
		FinalURL    string             `json:"final_url,omitempty"`
		StatusCode  int                `json:"status_code,omitempty"`
		ContentType string             `json:"content_type,omitempty"`
		Strategy    fetch.StrategyName `json:"strategy,omitempty"`
		HTMLLength  int                `json:"html_length,omitempty"`
		Attempts    []fetch.Attempt    `json:"attempts"`
		Retries     int                `json:"retries"`
		ElapsedMS   int64              `json:"elapsed_ms"`
		Error       string             `json:"error,omitempty"`
	}
	out := line{
		URL:       o.URL,
		RecordID:  o.RecordID,
		BlobURI:   o.BlobURI,
		Attempts:  o.Attempts(),
		Retries:   o.Retries,
		ElapsedMS: o.Elapsed.Milliseconds(),
	}
	if out.Attempts == nil {
		out.Attempts = []fetch.Attempt{}
	}
	if o.Result != nil {
		out.FinalURL = o.Result.FinalURL
		out.StatusCode = o.Result.StatusCode
		out.ContentType = o.Result.ContentType
		out.Strategy = o.Result.Strategy
		out.HTMLLength = len(o.Result.HTML)
	}
	if o.Err != nil {
		out.Error = o.Err.Error()
	}
	return json.Marshal(out)
}

// Runner fans logical fetches out over an Orchestrator.
type Runner struct {
	fetcher Fetcher
	gate    *semaphore.Weighted
	limiter HostLimiter
	retry   *RetryPolicy
	sink    *Sink
	logger  *zap.Logger
	sleep   func(context.Context, time.Duration) error
}

// Option customizes a Runner.
type Option func(*Runner)

// WithLimiter spaces requests per host.
func WithLimiter(l HostLimiter) Option {
	return func(r *Runner) { r.limiter = l }
}

// WithRetryPolicy enables whole-fetch retries.
func WithRetryPolicy(p *RetryPolicy) Option {
	return func(r *Runner) { r.retry = p }
}

// WithSink persists every outcome.
func WithSink(s *Sink) Option {
	return func(r *Runner) { r.sink = s }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewRunner constructs a Runner.
func NewRunner(fetcher Fetcher, cfg Config, opts ...Option) *Runner {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	r := &Runner{
		fetcher: fetcher,
		gate:    semaphore.NewWeighted(cfg.Concurrency),
		logger:  zap.NewNop(),
		sleep:   sleepContext,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.Named("batch")
	return r
}

// Fetch runs one logical fetch through the gate, retrying and persisting it.
func (r *Runner) Fetch(ctx context.Context, req fetch.Request) Outcome {
	start := time.Now()
	out := Outcome{URL: req.URL}
	if err := r.gate.Acquire(ctx, 1); err != nil {
		out.Err = fmt.Errorf("acquire fetch slot: %w", err)
		out.Elapsed = time.Since(start)
		return out
	}
	defer r.gate.Release(1)

	logger := r.logger.With(zap.String("url", req.URL))
	for {
		res, err := r.fetchOnce(ctx, req)
		if err == nil {
			out.Result = &res
			out.Err = nil
			break
		}
		out.Err = err
		if !r.retry.ShouldRetry(err, out.Retries) {
			break
		}
		wait := r.retry.Backoff(out.Retries)
		logger.Info("fetch failed, retrying",
			zap.Int("retry", out.Retries+1),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)
		if err := r.sleep(ctx, wait); err != nil {
			break
		}
		out.Retries++
		metrics.ObserveRetry()
	}
	out.Elapsed = time.Since(start)

	status := "success"
	if out.Err != nil {
		status = "failed"
	}
	metrics.ObserveFetch(req.URL, status)

	if r.sink != nil {
		rec, err := r.sink.Persist(ctx, req.URL, out.Result, out.Err)
		if err != nil {
			logger.Warn("persist fetch failed", zap.Error(err))
		}
		out.RecordID = rec.ID
		out.BlobURI = rec.BlobURI
	}
	return out
}

// Run fetches every request concurrently and returns outcomes in input order.
func (r *Runner) Run(ctx context.Context, reqs []fetch.Request) []Outcome {
	outcomes := make([]Outcome, len(reqs))
	var g errgroup.Group
	for i, req := range reqs {
		g.Go(func() error {
			outcomes[i] = r.Fetch(ctx, req)
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

func (r *Runner) fetchOnce(ctx context.Context, req fetch.Request) (orchestrator.Result, error) {
	if r.limiter != nil {
		if err := r.limiter.Wait(ctx, req.URL); err != nil {
			return orchestrator.Result{}, err
		}
	}
	res, err := r.fetcher.Fetch(ctx, req)
	if err != nil {
		return orchestrator.Result{}, fmt.Errorf("fetch %s: %w", req.URL, err)
	}
	return res, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
