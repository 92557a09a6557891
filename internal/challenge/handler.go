package challenge

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/stealth-fetcher/internal/metrics"
)

// State is where a page sits in the challenge lifecycle.
type State string

// States.
const (
	StateUnchallenged State = "unchallenged"
	StateChallenged   State = "challenged"
	StateResolved     State = "resolved"
)

// Method is how a challenge ended.
type Method string

// Resolution methods.
const (
	MethodURLChanged     Method = "url-changed"
	MethodSignalsCleared Method = "signals-cleared"
	MethodTimedOut       Method = "timed-out"
)

// Resolution is the outcome of waiting on a challenge.
type Resolution struct {
	Resolved bool          `json:"resolved"`
	Method   Method        `json:"method"`
	Elapsed  time.Duration `json:"elapsed"`
}

// Outcome is the full result of Handle.
type Outcome struct {
	State      State
	Detection  Detection
	Resolution *Resolution
}

// Page is the slice of the browser driver the handler needs.
type Page interface {
	Location(ctx context.Context) (string, error)
	HTML(ctx context.Context) (string, error)
	WaitReady(ctx context.Context) error
}

// Config controls polling.
type Config struct {
	PollInterval time.Duration
	MaxWait      time.Duration
	// LoadTimeout bounds the post-resolution wait for the next document.
	LoadTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.MaxWait <= 0 {
		c.MaxWait = 45 * time.Second
	}
	if c.LoadTimeout <= 0 {
		c.LoadTimeout = 10 * time.Second
	}
	return c
}

// Handler detects challenges on a loaded page and polls until they clear.
type Handler struct {
	cfg      Config
	detector *Detector
	logger   *zap.Logger
}

// NewHandler builds a Handler. A nil detector uses DefaultSignatures.
func NewHandler(cfg Config, detector *Detector, logger *zap.Logger) *Handler {
	if detector == nil {
		detector = NewDetector(DefaultSignatures())
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{cfg: cfg.withDefaults(), detector: detector, logger: logger}
}

// Detector returns the signal analyzer the handler uses.
func (h *Handler) Detector() *Detector {
	return h.detector
}

// Handle analyzes the current page and, when it is a challenge or block page,
// waits for it to resolve. The detection keeps its classification either way.
func (h *Handler) Handle(ctx context.Context, page Page, headers http.Header) (Outcome, error) {
	html, err := page.HTML(ctx)
	if err != nil {
		return Outcome{}, fmt.Errorf("read page: %w", err)
	}
	det := h.detector.Analyze(html, headers)
	if !det.IsChallenge {
		return Outcome{State: StateUnchallenged, Detection: det}, nil
	}
	logger := h.logger.With(
		zap.String("classification", string(det.Classification)),
		zap.String("provider", det.Provider),
		zap.Float64("confidence", det.Confidence),
	)
	initialURL, err := page.Location(ctx)
	if err != nil {
		return Outcome{}, fmt.Errorf("read location: %w", err)
	}
	logger.Info("challenge detected, waiting", zap.String("url", initialURL), zap.Strings("signals", det.Signals))

	res, err := h.WaitForResolution(ctx, page, initialURL, headers)
	if err != nil {
		return Outcome{State: StateChallenged, Detection: det}, err
	}
	metrics.ObserveChallenge(string(det.Classification), string(res.Method))
	logger.Info("challenge wait finished",
		zap.Bool("resolved", res.Resolved),
		zap.String("method", string(res.Method)),
		zap.Duration("elapsed", res.Elapsed),
	)
	state := StateChallenged
	if res.Resolved {
		state = StateResolved
	}
	return Outcome{State: state, Detection: det, Resolution: &res}, nil
}

// WaitForResolution polls until the URL moves away from initialURL or the
// challenge signals disappear, up to MaxWait.
func (h *Handler) WaitForResolution(ctx context.Context, page Page, initialURL string, headers http.Header) (Resolution, error) {
	start := time.Now()
	deadline := time.NewTimer(h.cfg.MaxWait)
	defer deadline.Stop()
	ticker := time.NewTicker(h.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return Resolution{Method: MethodTimedOut, Elapsed: time.Since(start)}, fmt.Errorf("challenge wait: %w", ctx.Err())
		case <-deadline.C:
			return Resolution{Method: MethodTimedOut, Elapsed: time.Since(start)}, nil
		case <-ticker.C:
			method, ok := h.poll(ctx, page, initialURL, headers)
			if !ok {
				continue
			}
			h.waitLoaded(ctx, page)
			return Resolution{Resolved: true, Method: method, Elapsed: time.Since(start)}, nil
		}
	}
}

func (h *Handler) poll(ctx context.Context, page Page, initialURL string, headers http.Header) (Method, bool) {
	loc, err := page.Location(ctx)
	if err != nil {
		h.logger.Debug("poll location failed", zap.Error(err))
	} else if loc != "" && loc != initialURL {
		return MethodURLChanged, true
	}
	html, err := page.HTML(ctx)
	if err != nil {
		h.logger.Debug("poll html failed", zap.Error(err))
		return "", false
	}
	if !h.detector.Analyze(html, headers).IsChallenge {
		return MethodSignalsCleared, true
	}
	return "", false
}

// waitLoaded gives a post-challenge redirect time to produce a document.
func (h *Handler) waitLoaded(ctx context.Context, page Page) {
	loadCtx, cancel := context.WithTimeout(ctx, h.cfg.LoadTimeout)
	defer cancel()
	if err := page.WaitReady(loadCtx); err != nil {
		h.logger.Debug("post-challenge load wait ended", zap.Error(err))
	}
}
