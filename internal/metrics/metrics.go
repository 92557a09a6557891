// Package metrics exposes Prometheus collectors for the fetch service.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	poolInstances              *prometheus.GaugeVec
	poolQueueLength            prometheus.Gauge
	poolAcquireWaitSeconds     *prometheus.HistogramVec
	poolRecyclesTotal          *prometheus.CounterVec
	strategyAttemptsTotal      *prometheus.CounterVec
	strategyDurationSeconds    *prometheus.HistogramVec
	challengesTotal            *prometheus.CounterVec
	fetchesTotal               *prometheus.CounterVec
	fetchRetriesTotal          prometheus.Counter
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	rateLimitDelaysSeconds     *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		poolInstances = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "fetcher_pool_instances",
				Help: "Browser instances in the pool, labeled by status.",
			},
			[]string{"status"},
		)

		poolQueueLength = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "fetcher_pool_queue_length",
				Help: "Callers currently waiting for a browser instance.",
			},
		)

		poolAcquireWaitSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fetcher_pool_acquire_wait_seconds",
				Help:    "Time spent acquiring a browser instance, labeled by outcome.",
				Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 15, 30},
			},
			[]string{"outcome"},
		)

		poolRecyclesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fetcher_pool_recycles_total",
				Help: "Browser instance recycles, labeled by reason and result.",
			},
			[]string{"reason", "result"},
		)

		strategyAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fetcher_strategy_attempts_total",
				Help: "Strategy attempts, labeled by strategy and outcome kind.",
			},
			[]string{"strategy", "outcome"},
		)

		strategyDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fetcher_strategy_duration_seconds",
				Help:    "Histogram of strategy attempt latencies.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 90},
			},
			[]string{"strategy"},
		)

		challengesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fetcher_challenges_total",
				Help: "Challenge pages handled, labeled by classification and resolution method.",
			},
			[]string{"classification", "method"},
		)

		fetchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fetcher_fetches_total",
				Help: "Completed fetches, labeled by site and status.",
			},
			[]string{"site", "status"},
		)

		fetchRetriesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "fetcher_fetch_retries_total",
				Help: "Whole-fetch retries issued by the batch runner.",
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 30, 90},
			},
			[]string{"method", "route"},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fetcher_rate_limit_delays_seconds",
				Help:    "Histogram of per-host politeness waits.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"site"},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// PoolSnapshot is the subset of pool statistics exported as gauges.
type PoolSnapshot struct {
	Available   int
	Busy        int
	Recycling   int
	Unhealthy   int
	QueueLength int
}

// SetPoolStats publishes the latest pool snapshot.
func SetPoolStats(s PoolSnapshot) {
	Init()
	poolInstances.WithLabelValues("idle").Set(float64(s.Available))
	poolInstances.WithLabelValues("busy").Set(float64(s.Busy))
	poolInstances.WithLabelValues("recycling").Set(float64(s.Recycling))
	poolInstances.WithLabelValues("unhealthy").Set(float64(s.Unhealthy))
	poolQueueLength.Set(float64(s.QueueLength))
}

// ObservePoolAcquire records how long an acquire took and how it ended.
func ObservePoolAcquire(outcome string, wait time.Duration) {
	Init()
	poolAcquireWaitSeconds.WithLabelValues(outcome).Observe(wait.Seconds())
}

// ObservePoolRecycle counts a recycle by reason ("pages", "age", "dead", "retry").
func ObservePoolRecycle(reason string, ok bool) {
	Init()
	result := "ok"
	if !ok {
		result = "failed"
	}
	poolRecyclesTotal.WithLabelValues(reason, result).Inc()
}

// ObserveAttempt records one strategy attempt.
func ObserveAttempt(strategy, outcome string, duration time.Duration) {
	Init()
	strategyAttemptsTotal.WithLabelValues(strategy, outcome).Inc()
	strategyDurationSeconds.WithLabelValues(strategy).Observe(duration.Seconds())
}

// ObserveChallenge counts a handled challenge page.
func ObserveChallenge(classification, method string) {
	Init()
	challengesTotal.WithLabelValues(classification, method).Inc()
}

// ObserveFetch counts a completed logical fetch.
func ObserveFetch(site, status string) {
	Init()
	fetchesTotal.WithLabelValues(SanitizeSite(site), status).Inc()
}

// ObserveRetry counts a whole-fetch retry.
func ObserveRetry() {
	Init()
	fetchRetriesTotal.Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveRateLimitDelay records the duration of a politeness wait.
func ObserveRateLimitDelay(site string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(site).Observe(duration.Seconds())
}
