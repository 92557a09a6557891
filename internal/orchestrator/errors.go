package orchestrator

import (
	"strings"

	"github.com/JakeFAU/stealth-fetcher/internal/fetch"
)

// FailureError reports a fetch that produced no result. It lists every
// attempt in order and unwraps to the context error when the fetch was
// cancelled or ran out of time.
type FailureError struct {
	Attempts []fetch.Attempt
	cause    error
}

func (e *FailureError) Error() string {
	var b strings.Builder
	b.WriteString(ErrAllStrategiesFailed.Error())
	if len(e.Attempts) == 0 {
		b.WriteString(": no attempt started")
	}
	for i, a := range e.Attempts {
		if i == 0 {
			b.WriteString(": ")
		} else {
			b.WriteString("; ")
		}
		if a.Err != nil {
			b.WriteString(a.Err.Error())
		} else {
			b.WriteString(string(a.Strategy) + ": ok")
		}
	}
	if e.cause != nil {
		b.WriteString(" (" + e.cause.Error() + ")")
	}
	return b.String()
}

// Is matches ErrAllStrategiesFailed.
func (e *FailureError) Is(target error) bool {
	return target == ErrAllStrategiesFailed
}

func (e *FailureError) Unwrap() error {
	return e.cause
}

// Errors maps each attempted strategy to its failure.
func (e *FailureError) Errors() map[fetch.StrategyName]error {
	out := make(map[fetch.StrategyName]error, len(e.Attempts))
	for _, a := range e.Attempts {
		if a.Err != nil {
			out[a.Strategy] = a.Err
		}
	}
	return out
}

// Last returns the final classified failure, or nil.
func (e *FailureError) Last() *fetch.Error {
	if len(e.Attempts) == 0 {
		return nil
	}
	return e.Attempts[len(e.Attempts)-1].Err
}
