package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Kind is the failure classification a strategy attaches to an error.
type Kind string

// Failure kinds.
const (
	KindChallenge           Kind = "challenge_detected"
	KindInsufficientContent Kind = "insufficient_content"
	KindHTTPStatus          Kind = "http_status"
	KindTimeout             Kind = "timeout"
	KindUnavailable         Kind = "unavailable"
	KindUnknown             Kind = "unknown"
)

// Error is a classified strategy failure.
type Error struct {
	Kind     Kind
	Strategy StrategyName
	// Challenge names the detected challenge classification or provider.
	Challenge  string
	StatusCode int
	Length     int
	Threshold  int
	Reason     string
	Err        error
}

// NewChallengeError reports an anti-automation page.
func NewChallengeError(challenge string) *Error {
	return &Error{Kind: KindChallenge, Challenge: challenge}
}

// NewInsufficientContentError reports a body whose visible text is shorter than threshold.
func NewInsufficientContentError(length, threshold int) *Error {
	return &Error{Kind: KindInsufficientContent, Length: length, Threshold: threshold}
}

// NewHTTPStatusError reports a non-2xx upstream response.
func NewHTTPStatusError(code int) *Error {
	return &Error{Kind: KindHTTPStatus, StatusCode: code}
}

// NewTimeoutError reports an attempt that exceeded its budget.
func NewTimeoutError(cause error) *Error {
	return &Error{Kind: KindTimeout, Err: cause}
}

// NewUnavailableError reports a strategy whose dependency cannot be used.
func NewUnavailableError(reason string, cause error) *Error {
	return &Error{Kind: KindUnavailable, Reason: reason, Err: cause}
}

// NewUnknownError wraps an unclassified failure.
func NewUnknownError(cause error) *Error {
	return &Error{Kind: KindUnknown, Err: cause}
}

func (e *Error) Error() string {
	var msg string
	switch e.Kind {
	case KindChallenge:
		msg = fmt.Sprintf("challenge detected (%s)", e.Challenge)
	case KindInsufficientContent:
		msg = fmt.Sprintf("insufficient content: %d chars < %d", e.Length, e.Threshold)
	case KindHTTPStatus:
		msg = fmt.Sprintf("http status %d", e.StatusCode)
	case KindTimeout:
		msg = "timeout"
	case KindUnavailable:
		msg = "unavailable: " + e.Reason
	default:
		msg = "unknown failure"
	}
	if e.Strategy != "" {
		msg = string(e.Strategy) + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether the orchestrator should cascade to the next strategy.
// HTTP failures cascade only for 403, 429 and 5xx.
func (e *Error) Retryable() bool {
	if e.Kind != KindHTTPStatus {
		return true
	}
	switch {
	case e.StatusCode == http.StatusForbidden, e.StatusCode == http.StatusTooManyRequests:
		return true
	case e.StatusCode >= 500:
		return true
	default:
		return false
	}
}

// MarshalJSON renders the failure for attempt histories.
func (e *Error) MarshalJSON() ([]byte, error) {
	payload := struct {
		Kind       Kind   `json:"kind"`
		Message    string `json:"message"`
		Retryable  bool   `json:"retryable"`
		StatusCode int    `json:"status_code,omitempty"`
		Challenge  string `json:"challenge,omitempty"`
	}{
		Kind:       e.Kind,
		Message:    e.Error(),
		Retryable:  e.Retryable(),
		StatusCode: e.StatusCode,
		Challenge:  e.Challenge,
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal fetch error: %w", err)
	}
	return b, nil
}

// Classify turns any error into an *Error tagged with the strategy name.
// Already classified errors keep their kind; the result is always a copy so a
// shared *Error is never relabelled.
func Classify(strategy StrategyName, err error) *Error {
	if err == nil {
		return nil
	}
	var classified *Error
	if errors.As(err, &classified) {
		out := *classified
		if out.Strategy == "" {
			out.Strategy = strategy
		}
		return &out
	}
	var out *Error
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		out = NewTimeoutError(err)
	case errors.As(err, &netErr) && netErr.Timeout():
		out = NewTimeoutError(err)
	default:
		out = NewUnknownError(err)
	}
	out.Strategy = strategy
	return out
}
