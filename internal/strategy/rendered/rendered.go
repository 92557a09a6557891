// Package rendered implements the full browser fetch strategy on top of the
// driver pool and the challenge handler.
package rendered

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/stealth-fetcher/internal/browser"
	"github.com/JakeFAU/stealth-fetcher/internal/challenge"
	"github.com/JakeFAU/stealth-fetcher/internal/fetch"
	"github.com/JakeFAU/stealth-fetcher/internal/pool"
)

// DriverPool lends exclusive driver instances.
type DriverPool interface {
	WithDriver(ctx context.Context, fn func(ctx context.Context, inst *pool.Instance) error) error
}

// Config tunes the post-navigation waits.
type Config struct {
	// SettleInterval is the gap between URL checks after a challenge clears.
	SettleInterval time.Duration
	// SettleTimeout bounds the whole settle wait.
	SettleTimeout   time.Duration
	SelectorTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.SettleInterval <= 0 {
		c.SettleInterval = 500 * time.Millisecond
	}
	if c.SettleTimeout <= 0 {
		c.SettleTimeout = 15 * time.Second
	}
	if c.SelectorTimeout <= 0 {
		c.SelectorTimeout = 10 * time.Second
	}
	return c
}

// settleChecks is how many consecutive unchanged URL reads count as settled.
const settleChecks = 2

// Strategy renders pages in a pooled browser.
type Strategy struct {
	pool      DriverPool
	challenge *challenge.Handler
	cfg       Config
	logger    *zap.Logger
}

// New builds a Strategy. A nil handler uses challenge defaults.
func New(p DriverPool, handler *challenge.Handler, cfg Config, logger *zap.Logger) *Strategy {
	if logger == nil {
		logger = zap.NewNop()
	}
	if handler == nil {
		handler = challenge.NewHandler(challenge.Config{}, nil, logger)
	}
	return &Strategy{pool: p, challenge: handler, cfg: cfg.withDefaults(), logger: logger}
}

// Name implements fetch.Strategy.
func (s *Strategy) Name() fetch.StrategyName {
	return fetch.StrategyRendered
}

// Scrape implements fetch.Strategy.
func (s *Strategy) Scrape(ctx context.Context, req fetch.Request) (fetch.Result, error) {
	start := time.Now()
	if req.Proxy != nil || req.ProxyURL != "" {
		s.logger.Info("per-request proxy ignored by browser strategy", zap.String("url", req.URL))
	}

	var res fetch.Result
	err := s.pool.WithDriver(ctx, func(ctx context.Context, inst *pool.Instance) error {
		logger := s.logger.With(zap.String("instance_id", inst.ID()), zap.String("url", req.URL))
		r, err := s.render(ctx, inst.Driver(), req, logger)
		res = r
		return err
	})
	if err != nil {
		return fetch.Result{}, classify(err)
	}
	res.Duration = time.Since(start)
	return res, nil
}

func classify(err error) *fetch.Error {
	switch {
	case errors.Is(err, pool.ErrQueueFull), errors.Is(err, pool.ErrQueueTimeout),
		errors.Is(err, pool.ErrPoolClosed), errors.Is(err, pool.ErrNotInitialized):
		out := fetch.NewUnavailableError("browser pool", err)
		out.Strategy = fetch.StrategyRendered
		return out
	default:
		return fetch.Classify(fetch.StrategyRendered, err)
	}
}

func (s *Strategy) render(ctx context.Context, d browser.Driver, req fetch.Request, logger *zap.Logger) (fetch.Result, error) {
	if err := d.Navigate(ctx, req.URL, req.Headers); err != nil {
		return fetch.Result{}, fmt.Errorf("navigate: %w", err)
	}
	if err := d.WaitReady(ctx); err != nil {
		return fetch.Result{}, fmt.Errorf("wait for document: %w", err)
	}

	outcome, err := s.challenge.Handle(ctx, d, d.Response().Headers)
	if err != nil {
		return fetch.Result{}, fmt.Errorf("challenge: %w", err)
	}
	switch outcome.State {
	case challenge.StateChallenged:
		label := string(outcome.Detection.Classification)
		if outcome.Resolution != nil {
			label += ":" + string(outcome.Resolution.Method)
		}
		return fetch.Result{}, fetch.NewChallengeError(label)
	case challenge.StateResolved:
		if err := s.settle(ctx, d); err != nil {
			return fetch.Result{}, err
		}
	}

	if req.WaitSelector != "" {
		selCtx, cancel := context.WithTimeout(ctx, s.cfg.SelectorTimeout)
		err := d.WaitSelector(selCtx, req.WaitSelector)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return fetch.Result{}, fmt.Errorf("wait for selector: %w", ctx.Err())
			}
			return fetch.Result{}, fetch.NewTimeoutError(fmt.Errorf("selector %q did not appear: %w", req.WaitSelector, err))
		}
	}

	html, err := d.HTML(ctx)
	if err != nil {
		return fetch.Result{}, fmt.Errorf("read document: %w", err)
	}
	finalURL, err := d.Location(ctx)
	if err != nil {
		return fetch.Result{}, fmt.Errorf("read location: %w", err)
	}

	resp := d.Response()
	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}
	// A challenge cleared in place leaves the interstitial's status behind.
	if outcome.State != challenge.StateResolved && status >= http.StatusBadRequest {
		return fetch.Result{}, fetch.NewHTTPStatusError(status)
	}
	logger.Debug("page rendered", zap.Int("status", status), zap.Int("bytes", len(html)))
	return fetch.Result{
		HTML:        html,
		FinalURL:    finalURL,
		StatusCode:  status,
		ContentType: resp.MimeType,
		Headers:     fetch.CloneHeader(resp.Headers),
		Strategy:    fetch.StrategyRendered,
	}, nil
}

// settle waits until the URL reads the same on consecutive checks, giving
// post-challenge redirects time to land. Hitting SettleTimeout is not an error.
func (s *Strategy) settle(ctx context.Context, d browser.Driver) error {
	deadline := time.NewTimer(s.cfg.SettleTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(s.cfg.SettleInterval)
	defer ticker.Stop()

	last, err := d.Location(ctx)
	if err != nil {
		return fmt.Errorf("settle: %w", err)
	}
	stable := 0
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("settle: %w", ctx.Err())
		case <-deadline.C:
			s.logger.Debug("redirect settle timed out", zap.String("url", last))
			return nil
		case <-ticker.C:
			current, err := d.Location(ctx)
			if err != nil {
				return fmt.Errorf("settle: %w", err)
			}
			if current != last {
				last = current
				stable = 0
				continue
			}
			stable++
			if stable >= settleChecks {
				return nil
			}
		}
	}
}
