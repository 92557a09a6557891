package rendered

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/stealth-fetcher/internal/browser"
	"github.com/JakeFAU/stealth-fetcher/internal/challenge"
	"github.com/JakeFAU/stealth-fetcher/internal/fetch"
	"github.com/JakeFAU/stealth-fetcher/internal/pool"
)

var homeHTML = "<html><head><title>Home</title></head><body><p>" +
	strings.Repeat("Prices for eggs fell three percent this month. ", 4) + "</p></body></html>"

const challengeHTML = `<html><head><title>Just a moment...</title></head><body>
<form id="challenge-form" action="/cdn-cgi/challenge-platform/h/g"></form></body></html>`

const blockedHTML = `<html><head><title>Attention Required! | Cloudflare</title></head>
<body><h1>Sorry, you have been blocked</h1></body></html>`

type page struct {
	html   string
	status int
}

// scriptedDriver serves fixed pages and, optionally, moves to redirectTo
// once Location has been read redirectAfter times.
type scriptedDriver struct {
	mu            sync.Mutex
	pages         map[string]page
	current       string
	locCalls      int
	redirectAfter int
	redirectTo    string
	hasSelector   bool
}

func (d *scriptedDriver) Navigate(_ context.Context, url string, _ http.Header) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.current = url
	d.locCalls = 0
	return nil
}

func (d *scriptedDriver) WaitReady(context.Context) error { return nil }

func (d *scriptedDriver) Location(context.Context) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.locCalls++
	if d.redirectTo != "" && d.locCalls > d.redirectAfter {
		d.current = d.redirectTo
	}
	return d.current, nil
}

func (d *scriptedDriver) HTML(context.Context) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pages[d.current].html, nil
}

func (d *scriptedDriver) WaitSelector(ctx context.Context, _ string) error {
	if d.hasSelector {
		return nil
	}
	<-ctx.Done()
	return ctx.Err()
}

func (d *scriptedDriver) Response() browser.Response {
	d.mu.Lock()
	defer d.mu.Unlock()
	return browser.Response{
		URL:      d.current,
		Status:   d.pages[d.current].status,
		MimeType: "text/html",
		Headers:  http.Header{"Server": {"cloudflare"}},
	}
}

func (d *scriptedDriver) Alive() bool  { return true }
func (d *scriptedDriver) Close() error { return nil }

func newStrategy(t *testing.T, d *scriptedDriver, cfg challenge.Config) (*Strategy, *pool.Pool) {
	t.Helper()
	p := pool.New(pool.Config{Size: 1, QueueTimeout: time.Second}, func(context.Context) (browser.Driver, error) {
		return d, nil
	})
	require.NoError(t, p.Initialize(context.Background()))
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })

	handler := challenge.NewHandler(cfg, nil, zap.NewNop())
	s := New(p, handler, Config{SettleInterval: 10 * time.Millisecond, SelectorTimeout: 30 * time.Millisecond}, zap.NewNop())
	return s, p
}

func TestScrapeRendersPage(t *testing.T) {
	t.Parallel()

	d := &scriptedDriver{pages: map[string]page{"https://x/home": {html: homeHTML, status: http.StatusOK}}}
	s, p := newStrategy(t, d, challenge.Config{})

	res, err := s.Scrape(context.Background(), fetch.Request{URL: "https://x/home"})
	require.NoError(t, err)
	require.Equal(t, fetch.StrategyRendered, res.Strategy)
	require.Equal(t, homeHTML, res.HTML)
	require.Equal(t, "https://x/home", res.FinalURL)
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Equal(t, "text/html", res.ContentType)
	require.Equal(t, 1, p.GetStats().Available)
	require.Equal(t, int64(1), p.GetStats().TotalRequests)
}

func TestScrapeWaitsOutChallenge(t *testing.T) {
	t.Parallel()

	d := &scriptedDriver{
		pages: map[string]page{
			"https://x/chal": {html: challengeHTML, status: http.StatusForbidden},
			"https://x/home": {html: homeHTML, status: http.StatusOK},
		},
		redirectAfter: 2,
		redirectTo:    "https://x/home",
	}
	s, _ := newStrategy(t, d, challenge.Config{PollInterval: 20 * time.Millisecond, MaxWait: 2 * time.Second})

	res, err := s.Scrape(context.Background(), fetch.Request{URL: "https://x/chal"})
	require.NoError(t, err)
	require.Equal(t, "https://x/home", res.FinalURL)
	require.Equal(t, homeHTML, res.HTML)
	require.Equal(t, http.StatusOK, res.StatusCode)
}

func TestScrapeChallengeFailures(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		html  string
		label string
	}{
		{name: "timed out", html: challengeHTML, label: "script-challenge:timed-out"},
		{name: "blocked", html: blockedHTML, label: "blocked:timed-out"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			d := &scriptedDriver{pages: map[string]page{"https://x/p": {html: tc.html, status: http.StatusForbidden}}}
			s, _ := newStrategy(t, d, challenge.Config{PollInterval: 20 * time.Millisecond, MaxWait: 100 * time.Millisecond})

			_, err := s.Scrape(context.Background(), fetch.Request{URL: "https://x/p"})
			var ferr *fetch.Error
			require.ErrorAs(t, err, &ferr)
			require.Equal(t, fetch.KindChallenge, ferr.Kind)
			require.Equal(t, tc.label, ferr.Challenge)
			require.Equal(t, fetch.StrategyRendered, ferr.Strategy)
			require.True(t, ferr.Retryable())
		})
	}
}

func TestScrapeReportsHTTPStatus(t *testing.T) {
	t.Parallel()

	d := &scriptedDriver{pages: map[string]page{"https://x/gone": {html: homeHTML, status: http.StatusNotFound}}}
	s, _ := newStrategy(t, d, challenge.Config{})

	_, err := s.Scrape(context.Background(), fetch.Request{URL: "https://x/gone"})
	var ferr *fetch.Error
	require.ErrorAs(t, err, &ferr)
	require.Equal(t, fetch.KindHTTPStatus, ferr.Kind)
	require.Equal(t, http.StatusNotFound, ferr.StatusCode)
	require.False(t, ferr.Retryable())
}

func TestScrapeSelectorTimeout(t *testing.T) {
	t.Parallel()

	d := &scriptedDriver{pages: map[string]page{"https://x/home": {html: homeHTML, status: http.StatusOK}}}
	s, _ := newStrategy(t, d, challenge.Config{})

	_, err := s.Scrape(context.Background(), fetch.Request{URL: "https://x/home", WaitSelector: "#prices"})
	var ferr *fetch.Error
	require.ErrorAs(t, err, &ferr)
	require.Equal(t, fetch.KindTimeout, ferr.Kind)
	require.ErrorContains(t, err, "#prices")

	d.hasSelector = true
	_, err = s.Scrape(context.Background(), fetch.Request{URL: "https://x/home", WaitSelector: "#prices"})
	require.NoError(t, err)
}

func TestScrapeMapsPoolErrorsToUnavailable(t *testing.T) {
	t.Parallel()

	d := &scriptedDriver{pages: map[string]page{}}
	s, p := newStrategy(t, d, challenge.Config{})
	require.NoError(t, p.Shutdown(context.Background()))

	_, err := s.Scrape(context.Background(), fetch.Request{URL: "https://x/home"})
	var ferr *fetch.Error
	require.ErrorAs(t, err, &ferr)
	require.Equal(t, fetch.KindUnavailable, ferr.Kind)
	require.ErrorIs(t, err, pool.ErrPoolClosed)
}
