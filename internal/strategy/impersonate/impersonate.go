// Package impersonate implements the fetch strategy that presents a real
// browser's TLS fingerprint.
package impersonate

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/JakeFAU/stealth-fetcher/internal/fetch"
	"github.com/JakeFAU/stealth-fetcher/internal/fingerprint"
	"github.com/JakeFAU/stealth-fetcher/internal/strategy"
	"github.com/JakeFAU/stealth-fetcher/internal/useragent"
)

const maxBodyBytes = 10 << 20

// Config controls the impersonating client.
type Config struct {
	Profile       fingerprint.Profile
	Timeout       time.Duration
	MinTextLength int
	UserAgents    *useragent.Pool
	// PairUserAgent picks a User-Agent whose family matches Profile.
	PairUserAgent bool
	Matcher       strategy.Matcher
	RootCAs       *x509.CertPool
}

// Strategy fetches over a uTLS transport. Transports are cached per proxy.
type Strategy struct {
	cfg       Config
	inspector strategy.Inspector

	mu         sync.Mutex
	transports map[string]*http.Transport
}

// New validates the profile and builds the direct transport.
func New(cfg Config) (*Strategy, error) {
	if cfg.Profile == "" {
		cfg.Profile = fingerprint.ProfileChrome
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	if cfg.UserAgents == nil {
		cfg.UserAgents = useragent.NewPool(nil)
	}
	if cfg.Matcher == nil {
		cfg.Matcher = strategy.DefaultPhraseMatcher()
	}
	s := &Strategy{
		cfg: cfg,
		inspector: strategy.Inspector{
			Matcher:       cfg.Matcher,
			MinTextLength: cfg.MinTextLength,
		},
		transports: make(map[string]*http.Transport),
	}
	if _, err := s.transport(nil); err != nil {
		return nil, err
	}
	return s, nil
}

// Name implements fetch.Strategy.
func (s *Strategy) Name() fetch.StrategyName {
	return fetch.StrategyImpersonate
}

// Scrape implements fetch.Strategy.
func (s *Strategy) Scrape(ctx context.Context, req fetch.Request) (fetch.Result, error) {
	start := time.Now()
	res, err := s.scrape(ctx, req)
	if err != nil {
		return fetch.Result{}, fetch.Classify(fetch.StrategyImpersonate, err)
	}
	res.Duration = time.Since(start)
	return res, nil
}

func (s *Strategy) scrape(ctx context.Context, req fetch.Request) (fetch.Result, error) {
	proxyURL, err := req.ResolvedProxy()
	if err != nil {
		return fetch.Result{}, fetch.NewUnavailableError("invalid proxy", err)
	}
	transport, err := s.transport(proxyURL)
	if errors.Is(err, fingerprint.ErrUnsupportedProxy) {
		return fetch.Result{}, fetch.NewUnavailableError("unsupported proxy scheme", err)
	}
	if err != nil {
		return fetch.Result{}, fetch.NewUnavailableError("build transport", err)
	}
	timeout := s.cfg.Timeout
	if req.Timeout > 0 {
		timeout = req.Timeout
	}
	client := &http.Client{Transport: transport, Timeout: timeout}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return fetch.Result{}, fmt.Errorf("build request: %w", err)
	}
	s.setHeaders(httpReq.Header, req.Headers)

	resp, err := client.Do(httpReq)
	if err != nil {
		return fetch.Result{}, fmt.Errorf("impersonate request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return fetch.Result{}, fmt.Errorf("read body: %w", err)
	}

	html := string(body)
	if failure := s.inspector.Inspect(resp.StatusCode, html, resp.Header); failure != nil {
		return fetch.Result{}, failure
	}
	return fetch.Result{
		HTML:        html,
		FinalURL:    resp.Request.URL.String(),
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Headers:     resp.Header.Clone(),
		Strategy:    fetch.StrategyImpersonate,
	}, nil
}

func (s *Strategy) setHeaders(dst, overrides http.Header) {
	ua := s.cfg.UserAgents.Next()
	if s.cfg.PairUserAgent {
		if family, ok := profileFamily[s.cfg.Profile]; ok {
			ua = s.cfg.UserAgents.NextOf(family)
		}
	}
	dst.Set("User-Agent", ua)
	dst.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8")
	dst.Set("Accept-Language", "en-US,en;q=0.9")
	dst.Set("Sec-Fetch-Dest", "document")
	dst.Set("Sec-Fetch-Mode", "navigate")
	dst.Set("Sec-Fetch-Site", "none")
	dst.Set("Sec-Fetch-User", "?1")
	dst.Set("Upgrade-Insecure-Requests", "1")
	for key, values := range overrides {
		dst[http.CanonicalHeaderKey(key)] = append([]string(nil), values...)
	}
}

var profileFamily = map[fingerprint.Profile]useragent.Family{
	fingerprint.ProfileChrome:  useragent.FamilyChrome,
	fingerprint.ProfileFirefox: useragent.FamilyFirefox,
	fingerprint.ProfileSafari:  useragent.FamilySafari,
}

func (s *Strategy) transport(proxy *url.URL) (*http.Transport, error) {
	key := ""
	if proxy != nil {
		key = proxy.String()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.transports[key]; ok {
		return t, nil
	}
	t, err := fingerprint.Transport(fingerprint.Options{Profile: s.cfg.Profile, Proxy: proxy, RootCAs: s.cfg.RootCAs})
	if err != nil {
		return nil, fmt.Errorf("impersonate transport: %w", err)
	}
	s.transports[key] = t
	return t, nil
}
