package batch

import (
	"context"
	"crypto/rand"
	"errors"
	"math"
	"math/big"
	"net"
	"time"

	"github.com/JakeFAU/stealth-fetcher/internal/orchestrator"
)

// RetryPolicy retries a whole orchestration with jittered exponential backoff.
type RetryPolicy struct {
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

// NewRetryPolicy builds a policy. Zero delays fall back to 1s base and 30s cap.
func NewRetryPolicy(maxRetries int, baseDelay, maxDelay time.Duration) *RetryPolicy {
	if maxRetries < 0 {
		maxRetries = 0
	}
	if baseDelay <= 0 {
		baseDelay = time.Second
	}
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}
	if maxDelay < baseDelay {
		maxDelay = baseDelay
	}
	return &RetryPolicy{maxRetries: maxRetries, baseDelay: baseDelay, maxDelay: maxDelay}
}

// MaxRetries reports how many extra orchestrations are allowed.
func (p *RetryPolicy) MaxRetries() int {
	if p == nil {
		return 0
	}
	return p.maxRetries
}

// ShouldRetry decides whether a failed fetch is worth running again. retry is
// the number of retries already spent.
func (p *RetryPolicy) ShouldRetry(err error, retry int) bool {
	if p == nil || err == nil || retry >= p.maxRetries {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var failure *orchestrator.FailureError
	if errors.As(err, &failure) {
		last := failure.Last()
		return last != nil && last.Retryable()
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}

// Backoff returns the wait before retry number retry+1.
func (p *RetryPolicy) Backoff(retry int) time.Duration {
	delay := float64(p.baseDelay) * math.Pow(2, float64(retry))
	if delay > float64(p.maxDelay) {
		delay = float64(p.maxDelay)
	}
	half := time.Duration(delay / 2)
	return half + randomJitter(half)
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
