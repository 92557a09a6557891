package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/stealth-fetcher/internal/fetch"
	"github.com/JakeFAU/stealth-fetcher/internal/orchestrator"
)

type scriptedFetcher struct {
	mu       sync.Mutex
	calls    map[string]int
	failures map[string][]error
	delay    time.Duration
	inFlight atomic.Int64
	peak     atomic.Int64
}

func newScriptedFetcher() *scriptedFetcher {
	return &scriptedFetcher{calls: map[string]int{}, failures: map[string][]error{}}
}

func (f *scriptedFetcher) Fetch(ctx context.Context, req fetch.Request) (orchestrator.Result, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		peak := f.peak.Load()
		if n <= peak || f.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	if f.delay > 0 {
		select {
		case <-ctx.Done():
			return orchestrator.Result{}, ctx.Err()
		case <-time.After(f.delay):
		}
	}

	f.mu.Lock()
	call := f.calls[req.URL]
	f.calls[req.URL]++
	var err error
	if call < len(f.failures[req.URL]) {
		err = f.failures[req.URL][call]
	}
	f.mu.Unlock()
	if err != nil {
		return orchestrator.Result{}, err
	}
	return orchestrator.Result{
		Result: fetch.Result{
			HTML:       "<html><body>" + req.URL + "</body></html>",
			FinalURL:   req.URL,
			StatusCode: http.StatusOK,
			Strategy:   fetch.StrategyPlain,
		},
		Attempts: []fetch.Attempt{{Strategy: fetch.StrategyPlain}},
	}, nil
}

func (f *scriptedFetcher) callsFor(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[url]
}

type countingLimiter struct {
	waits atomic.Int64
}

func (l *countingLimiter) Wait(context.Context, string) error {
	l.waits.Add(1)
	return nil
}

func failure(errs ...*fetch.Error) error {
	attempts := make([]fetch.Attempt, 0, len(errs))
	for _, err := range errs {
		attempts = append(attempts, fetch.Attempt{Strategy: err.Strategy, Err: err})
	}
	return &orchestrator.FailureError{Attempts: attempts}
}

func challengeFailure() error {
	err := fetch.NewChallengeError("script-challenge")
	err.Strategy = fetch.StrategyRendered
	return failure(err)
}

func noSleep(context.Context, time.Duration) error { return nil }

func TestRunKeepsInputOrderAndBoundsConcurrency(t *testing.T) {
	t.Parallel()

	fetcher := newScriptedFetcher()
	fetcher.delay = 20 * time.Millisecond
	runner := NewRunner(fetcher, Config{Concurrency: 2})

	reqs := make([]fetch.Request, 6)
	for i := range reqs {
		reqs[i] = fetch.Request{URL: fmt.Sprintf("https://site-%d.test/", i)}
	}
	outcomes := runner.Run(context.Background(), reqs)

	require.Len(t, outcomes, len(reqs))
	for i, out := range outcomes {
		require.Equal(t, reqs[i].URL, out.URL)
		require.NoError(t, out.Err)
		require.NotNil(t, out.Result)
		require.Equal(t, reqs[i].URL, out.Result.FinalURL)
	}
	require.LessOrEqual(t, fetcher.peak.Load(), int64(2))
}

func TestFetchRetriesRetryableFailures(t *testing.T) {
	t.Parallel()

	fetcher := newScriptedFetcher()
	url := "https://guarded.test/"
	fetcher.failures[url] = []error{challengeFailure(), challengeFailure()}
	limiter := &countingLimiter{}
	runner := NewRunner(fetcher, Config{},
		WithRetryPolicy(NewRetryPolicy(2, time.Millisecond, time.Millisecond)),
		WithLimiter(limiter),
	)
	runner.sleep = noSleep

	out := runner.Fetch(context.Background(), fetch.Request{URL: url})
	require.NoError(t, out.Err)
	require.Equal(t, 2, out.Retries)
	require.Equal(t, 3, fetcher.callsFor(url))
	require.Equal(t, int64(3), limiter.waits.Load())
}

func TestFetchGivesUpAfterMaxRetries(t *testing.T) {
	t.Parallel()

	fetcher := newScriptedFetcher()
	url := "https://guarded.test/"
	fetcher.failures[url] = []error{challengeFailure(), challengeFailure(), challengeFailure()}
	runner := NewRunner(fetcher, Config{}, WithRetryPolicy(NewRetryPolicy(1, time.Millisecond, time.Millisecond)))
	runner.sleep = noSleep

	out := runner.Fetch(context.Background(), fetch.Request{URL: url})
	require.ErrorIs(t, out.Err, orchestrator.ErrAllStrategiesFailed)
	require.Equal(t, 1, out.Retries)
	require.Equal(t, 2, fetcher.callsFor(url))
	require.Len(t, out.Attempts(), 1)
}

func TestFetchDoesNotRetryPermanentFailures(t *testing.T) {
	t.Parallel()

	notFound := fetch.NewHTTPStatusError(http.StatusNotFound)
	notFound.Strategy = fetch.StrategyPlain

	fetcher := newScriptedFetcher()
	url := "https://gone.test/"
	fetcher.failures[url] = []error{failure(notFound)}
	runner := NewRunner(fetcher, Config{}, WithRetryPolicy(NewRetryPolicy(3, time.Millisecond, time.Millisecond)))
	runner.sleep = noSleep

	out := runner.Fetch(context.Background(), fetch.Request{URL: url})
	require.Error(t, out.Err)
	require.Zero(t, out.Retries)
	require.Equal(t, 1, fetcher.callsFor(url))
}

func TestFetchHonorsCancelledContext(t *testing.T) {
	t.Parallel()

	fetcher := newScriptedFetcher()
	fetcher.delay = time.Second
	runner := NewRunner(fetcher, Config{}, WithRetryPolicy(NewRetryPolicy(3, time.Millisecond, time.Millisecond)))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	out := runner.Fetch(ctx, fetch.Request{URL: "https://slow.test/"})
	require.ErrorIs(t, out.Err, context.DeadlineExceeded)
	require.Zero(t, out.Retries)
}

func TestFetchWaitsForGateSlot(t *testing.T) {
	t.Parallel()

	fetcher := newScriptedFetcher()
	runner := NewRunner(fetcher, Config{Concurrency: 1})
	require.True(t, runner.gate.TryAcquire(1))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	out := runner.Fetch(ctx, fetch.Request{URL: "https://queued.test/"})
	require.ErrorContains(t, out.Err, "acquire fetch slot")
	require.Zero(t, fetcher.callsFor("https://queued.test/"))
	runner.gate.Release(1)
}

func TestOutcomeJSON(t *testing.T) {
	t.Parallel()

	ok := Outcome{
		URL:     "https://example.com",
		Result:  &orchestrator.Result{Result: fetch.Result{HTML: "<html></html>", StatusCode: 200, Strategy: fetch.StrategyImpersonate}},
		Elapsed: 1500 * time.Millisecond,
	}
	raw, err := json.Marshal(ok)
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	require.Equal(t, "impersonate", decoded["strategy"])
	require.InDelta(t, 13, decoded["html_length"], 0)
	require.InDelta(t, 1500, decoded["elapsed_ms"], 0)
	require.NotContains(t, decoded, "error")

	failed := Outcome{URL: "https://example.com", Err: errors.New("boom")}
	raw, err = json.Marshal(failed)
	require.NoError(t, err)
	require.JSONEq(t, `{"url":"https://example.com","attempts":[],"retries":0,"elapsed_ms":0,"error":"boom"}`, string(raw))
}
