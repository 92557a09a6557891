// Package plain implements the cheapest fetch strategy: a direct HTTP GET
// through colly with browser-like headers.
package plain

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/stealth-fetcher/internal/challenge"
	"github.com/JakeFAU/stealth-fetcher/internal/fetch"
	"github.com/JakeFAU/stealth-fetcher/internal/strategy"
	"github.com/JakeFAU/stealth-fetcher/internal/useragent"
)

// Config controls collector behavior.
type Config struct {
	// Timeout bounds a request when the caller sets no deadline.
	Timeout       time.Duration
	MinTextLength int
	UserAgents    *useragent.Pool
	Detector      *challenge.Detector
	// Transport replaces the pooled default transport.
	Transport http.RoundTripper
}

// Strategy fetches pages with a fresh colly collector per request.
type Strategy struct {
	cfg       Config
	transport http.RoundTripper
	inspector strategy.Inspector
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Strategy.
func New(cfg Config) *Strategy {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.UserAgents == nil {
		cfg.UserAgents = useragent.NewPool(nil)
	}
	if cfg.Detector == nil {
		cfg.Detector = challenge.NewDetector(challenge.DefaultSignatures())
	}
	transport := cfg.Transport
	if transport == nil {
		transport = newHTTPTransport()
	}
	return &Strategy{
		cfg:       cfg,
		transport: transport,
		inspector: strategy.Inspector{
			Matcher:       strategy.DetectorMatcher{Detector: cfg.Detector},
			MinTextLength: cfg.MinTextLength,
		},
	}
}

// Name implements fetch.Strategy.
func (s *Strategy) Name() fetch.StrategyName {
	return fetch.StrategyPlain
}

// Scrape implements fetch.Strategy.
func (s *Strategy) Scrape(ctx context.Context, req fetch.Request) (fetch.Result, error) {
	var (
		result   fetch.Result
		fetchErr error
	)
	start := time.Now()
	collector := s.buildCollector(ctx, req)
	s.configureCollectorHooks(collector, req, start, &result, &fetchErr)

	if err := s.runCollector(ctx, collector, req.URL, &fetchErr); err != nil {
		return fetch.Result{}, fetch.Classify(fetch.StrategyPlain, err)
	}
	if failure := s.inspector.Inspect(result.StatusCode, result.HTML, result.Headers); failure != nil {
		failure.Strategy = fetch.StrategyPlain
		return fetch.Result{}, failure
	}
	result.Duration = time.Since(start)
	return result, nil
}

func (s *Strategy) buildCollector(ctx context.Context, req fetch.Request) *colly.Collector {
	collector := colly.NewCollector(
		colly.Async(false),
		colly.StdlibContext(ctx),
		colly.UserAgent(s.cfg.UserAgents.Next()),
	)
	collector.AllowURLRevisit = true
	collector.ParseHTTPErrorResponse = true
	collector.WithTransport(s.transport)

	timeout := s.cfg.Timeout
	if req.Timeout > 0 {
		timeout = req.Timeout
	}
	if deadline, ok := ctx.Deadline(); ok {
		timeout = min(timeout, time.Until(deadline))
	}
	collector.SetRequestTimeout(timeout)
	return collector
}

func (s *Strategy) configureCollectorHooks(
	hooks collectorHooks,
	req fetch.Request,
	start time.Time,
	result *fetch.Result,
	fetchErr *error,
) {
	hooks.OnRequest(func(r *colly.Request) {
		setBrowserHeaders(r.Headers)
		for key, values := range req.Headers {
			r.Headers.Del(key)
			for _, v := range values {
				r.Headers.Add(key, v)
			}
		}
	})

	hooks.OnResponse(func(r *colly.Response) {
		var headers http.Header
		if r.Headers != nil {
			headers = r.Headers.Clone()
		}
		*result = fetch.Result{
			HTML:        string(r.Body),
			FinalURL:    r.Request.URL.String(),
			StatusCode:  r.StatusCode,
			ContentType: headers.Get("Content-Type"),
			Headers:     headers,
			Strategy:    fetch.StrategyPlain,
			Duration:    time.Since(start),
		}
	})

	hooks.OnError(func(_ *colly.Response, err error) {
		*fetchErr = err
	})
}

func (s *Strategy) runCollector(ctx context.Context, collector *colly.Collector, url string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("plain fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("plain visit failed: %w", err)
		}
		if *fetchErr != nil {
			return fmt.Errorf("plain response failed: %w", *fetchErr)
		}
		return nil
	}
}

func setBrowserHeaders(h *http.Header) {
	h.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8")
	h.Set("Accept-Language", "en-US,en;q=0.9")
	h.Set("Cache-Control", "no-cache")
	h.Set("Pragma", "no-cache")
	h.Set("Sec-Fetch-Dest", "document")
	h.Set("Sec-Fetch-Mode", "navigate")
	h.Set("Sec-Fetch-Site", "none")
	h.Set("Sec-Fetch-User", "?1")
	h.Set("Upgrade-Insecure-Requests", "1")
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   8,
		IdleConnTimeout:       90 * time.Second,
		ForceAttemptHTTP2:     true,
	}
}
