// Package orchestrator cascades a fetch through strategies of increasing cost
// until one succeeds or a failure says there is no point continuing.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/stealth-fetcher/internal/fetch"
	"github.com/JakeFAU/stealth-fetcher/internal/metrics"
)

var (
	// ErrNoStrategies is returned when skip lists remove every strategy.
	ErrNoStrategies = errors.New("orchestrator: no strategies to run")
	// ErrUnknownStrategy reports a strategy name with no registered implementation.
	ErrUnknownStrategy = errors.New("orchestrator: strategy is not registered")
	// ErrAllStrategiesFailed is matched by every *FailureError.
	ErrAllStrategiesFailed = errors.New("orchestrator: all strategies failed")
)

// Result is a successful fetch plus the full attempt history.
type Result struct {
	fetch.Result
	Attempts []fetch.Attempt `json:"attempts"`
	Elapsed  time.Duration   `json:"elapsed"`
}

// Orchestrator runs registered strategies in order.
type Orchestrator struct {
	strategies map[fetch.StrategyName]fetch.Strategy
	order      []fetch.StrategyName
	skip       []fetch.StrategyName
	soft       map[fetch.StrategyName]time.Duration
	hard       time.Duration
	logger     *zap.Logger
	now        func() time.Time
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithStrategy registers a strategy under its own name.
func WithStrategy(s fetch.Strategy) Option {
	return func(o *Orchestrator) {
		o.strategies[s.Name()] = s
	}
}

// WithOrder sets the default cascade order.
func WithOrder(names ...fetch.StrategyName) Option {
	return func(o *Orchestrator) {
		o.order = append([]fetch.StrategyName(nil), names...)
	}
}

// WithSkip removes strategies from every cascade.
func WithSkip(names ...fetch.StrategyName) Option {
	return func(o *Orchestrator) {
		o.skip = append(o.skip, names...)
	}
}

// WithSoftTimeout bounds one strategy's attempt; expiry cascades to the next strategy.
func WithSoftTimeout(name fetch.StrategyName, d time.Duration) Option {
	return func(o *Orchestrator) {
		o.soft[name] = d
	}
}

// WithHardTimeout bounds the whole cascade.
func WithHardTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		o.hard = d
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// New builds an Orchestrator. Every name in the order must be registered.
func New(opts ...Option) (*Orchestrator, error) {
	o := &Orchestrator{
		strategies: make(map[fetch.StrategyName]fetch.Strategy),
		soft:       make(map[fetch.StrategyName]time.Duration),
		hard:       90 * time.Second,
		logger:     zap.NewNop(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.order == nil {
		for _, name := range fetch.DefaultOrder {
			if _, ok := o.strategies[name]; ok {
				o.order = append(o.order, name)
			}
		}
	}
	for _, name := range o.order {
		if _, ok := o.strategies[name]; !ok {
			return nil, fmt.Errorf("%w: %q in order", ErrUnknownStrategy, name)
		}
	}
	if len(o.order) == 0 {
		return nil, ErrNoStrategies
	}
	return o, nil
}

// Order returns the default cascade order.
func (o *Orchestrator) Order() []fetch.StrategyName {
	return slices.Clone(o.order)
}

// Plan resolves the strategies a request will try, in order.
func (o *Orchestrator) Plan(req fetch.Request) ([]fetch.StrategyName, error) {
	candidates := o.order
	if len(req.Strategies) > 0 {
		candidates = req.Strategies
	}
	plan := make([]fetch.StrategyName, 0, len(candidates))
	for _, name := range candidates {
		if _, ok := o.strategies[name]; !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, name)
		}
		if slices.Contains(o.skip, name) || slices.Contains(req.Skip, name) || slices.Contains(plan, name) {
			continue
		}
		plan = append(plan, name)
	}
	if len(plan) == 0 {
		return nil, ErrNoStrategies
	}
	return plan, nil
}

// Fetch tries each planned strategy in turn. It returns on the first success
// or the first non-retryable failure; every failure is a *FailureError.
func (o *Orchestrator) Fetch(ctx context.Context, req fetch.Request) (Result, error) {
	plan, err := o.Plan(req)
	if err != nil {
		return Result{}, err
	}
	hard := o.hard
	if req.Timeout > 0 && (hard <= 0 || req.Timeout < hard) {
		hard = req.Timeout
	}
	if hard > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, hard)
		defer cancel()
	}

	logger := o.logger.With(zap.String("url", req.URL))
	start := o.now()
	attempts := make([]fetch.Attempt, 0, len(plan))
	for _, name := range plan {
		if ctx.Err() != nil {
			break
		}
		res, attempt := o.attempt(ctx, name, req)
		attempts = append(attempts, attempt)
		if attempt.Succeeded() {
			logger.Info("fetch succeeded",
				zap.String("strategy", string(name)),
				zap.Int("status", res.StatusCode),
				zap.Int("attempts", len(attempts)),
			)
			return Result{Result: res, Attempts: attempts, Elapsed: o.now().Sub(start)}, nil
		}
		if !attempt.Err.Retryable() {
			logger.Info("strategy failed, not cascading", zap.String("strategy", string(name)), zap.Error(attempt.Err))
			break
		}
		logger.Info("strategy failed, cascading", zap.String("strategy", string(name)), zap.Error(attempt.Err))
	}

	return Result{}, &FailureError{Attempts: attempts, cause: ctx.Err()}
}

func (o *Orchestrator) attempt(ctx context.Context, name fetch.StrategyName, req fetch.Request) (fetch.Result, fetch.Attempt) {
	attemptCtx := ctx
	if soft := o.soft[name]; soft > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, soft)
		defer cancel()
	}

	attempt := fetch.Attempt{Strategy: name, Started: o.now()}
	res, err := o.strategies[name].Scrape(attemptCtx, req)
	attempt.Finished = o.now()

	outcome := "success"
	if err != nil {
		attempt.Err = fetch.Classify(name, err)
		outcome = string(attempt.Err.Kind)
	} else if res.Strategy == "" {
		res.Strategy = name
	}
	metrics.ObserveAttempt(string(name), outcome, attempt.Duration())
	return res, attempt
}
