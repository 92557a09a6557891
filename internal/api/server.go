package api

import (
	"bufio"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/stealth-fetcher/internal/batch"
	"github.com/JakeFAU/stealth-fetcher/internal/config"
	"github.com/JakeFAU/stealth-fetcher/internal/fetch"
	"github.com/JakeFAU/stealth-fetcher/internal/metrics"
	"github.com/JakeFAU/stealth-fetcher/internal/orchestrator"
	"github.com/JakeFAU/stealth-fetcher/internal/pool"
)

const maxFetchBody = 1 << 20

// Fetcher runs one logical fetch with retries and persistence.
type Fetcher interface {
	Fetch(ctx context.Context, req fetch.Request) batch.Outcome
}

// PoolInspector reports browser pool occupancy and health.
type PoolInspector interface {
	GetStats() pool.Stats
	HealthCheck() pool.Health
}

// Server wires HTTP handlers to the fetch runner and browser pool.
type Server struct {
	router  chi.Router
	fetcher Fetcher
	pool    PoolInspector
	records *RecordHandler
	cfg     config.Config
	logger  *zap.Logger
}

// NewServer constructs a Server with middleware and routes. pool and records
// may be nil when the browser strategy or record store is disabled.
func NewServer(
	fetcher Fetcher,
	pool PoolInspector,
	records *RecordHandler,
	cfg config.Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if records == nil {
		records = NewRecordHandler(nil, logger)
	}
	s := &Server{
		fetcher: fetcher,
		pool:    pool,
		records: records,
		cfg:     cfg,
		logger:  logger.Named("api"),
	}
	timeout := cfg.Server.RequestTimeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Use(timeoutMiddleware(timeout))
		r.Post("/fetch", s.fetch)
		r.Get("/pool/stats", s.poolStats)
		r.Get("/records/latest", s.records.Latest)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	if s.pool == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
		return
	}
	health := s.pool.HealthCheck()
	if !health.Healthy {
		s.logger.Warn("pool unhealthy", zap.Strings("issues", health.Issues))
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "degraded",
			"issues": health.Issues,
			"stats":  health.Stats,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready", "stats": health.Stats})
}

func (s *Server) poolStats(w http.ResponseWriter, _ *http.Request) {
	if s.pool == nil {
		writeError(w, http.StatusServiceUnavailable, "browser pool disabled")
		return
	}
	writeJSON(w, http.StatusOK, s.pool.GetStats())
}

type fetchRequest struct {
	URL          string            `json:"url"`
	TimeoutMS    int64             `json:"timeout_ms"`
	Headers      map[string]string `json:"headers"`
	WaitSelector string            `json:"wait_selector"`
	Strategy     string            `json:"strategy"`
	Skip         []string          `json:"skip"`
	ProxyURL     string            `json:"proxy_url"`
	Proxy        *fetch.Proxy      `json:"proxy"`
}

type fetchResponse struct {
	RecordID    string             `json:"record_id,omitempty"`
	BlobURI     string             `json:"blob_uri,omitempty"`
	HTML        string             `json:"html"`
	FinalURL    string             `json:"final_url"`
	StatusCode  int                `json:"status_code"`
	ContentType string             `json:"content_type,omitempty"`
	Headers     http.Header        `json:"headers,omitempty"`
	Strategy    fetch.StrategyName `json:"strategy"`
	ElapsedMS   int64              `json:"elapsed_ms"`
	Attempts    []fetch.Attempt    `json:"attempts"`
	Retries     int                `json:"retries"`
}

type fetchFailure struct {
	Error    string          `json:"error"`
	RecordID string          `json:"record_id,omitempty"`
	Attempts []fetch.Attempt `json:"attempts"`
	Retries  int             `json:"retries"`
}

func (s *Server) fetch(w http.ResponseWriter, r *http.Request) {
	var body fetchRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxFetchBody)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	req, err := toFetchRequest(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	out := s.fetcher.Fetch(r.Context(), req)
	if out.Err == nil && out.Result != nil {
		writeJSON(w, http.StatusOK, fetchResponse{
			RecordID:    out.RecordID,
			BlobURI:     out.BlobURI,
			HTML:        out.Result.HTML,
			FinalURL:    out.Result.FinalURL,
			StatusCode:  out.Result.StatusCode,
			ContentType: out.Result.ContentType,
			Headers:     out.Result.Headers,
			Strategy:    out.Result.Strategy,
			ElapsedMS:   out.Result.Elapsed.Milliseconds(),
			Attempts:    out.Result.Attempts,
			Retries:     out.Retries,
		})
		return
	}

	status := failureStatus(out.Err)
	attempts := out.Attempts()
	if attempts == nil {
		attempts = []fetch.Attempt{}
	}
	s.logger.Info("fetch failed",
		zap.String("url", req.URL),
		zap.Int("status", status),
		zap.Int("attempts", len(attempts)),
		zap.Error(out.Err),
	)
	writeJSON(w, status, fetchFailure{
		Error:    errorText(out.Err),
		RecordID: out.RecordID,
		Attempts: attempts,
		Retries:  out.Retries,
	})
}

func toFetchRequest(body fetchRequest) (fetch.Request, error) {
	if body.URL == "" {
		return fetch.Request{}, errors.New("url required")
	}
	u, err := url.Parse(body.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fetch.Request{}, errors.New("url must be an absolute http(s) URL")
	}
	if body.TimeoutMS < 0 {
		return fetch.Request{}, errors.New("timeout_ms must be >= 0")
	}
	req := fetch.Request{
		URL:          body.URL,
		Timeout:      time.Duration(body.TimeoutMS) * time.Millisecond,
		WaitSelector: body.WaitSelector,
		ProxyURL:     body.ProxyURL,
		Proxy:        body.Proxy,
	}
	if len(body.Headers) > 0 {
		req.Headers = make(http.Header, len(body.Headers))
		for k, v := range body.Headers {
			req.Headers.Set(k, v)
		}
	}
	if body.Strategy != "" {
		name, err := fetch.ParseStrategyName(body.Strategy)
		if err != nil {
			return fetch.Request{}, err
		}
		req.Strategies = []fetch.StrategyName{name}
	}
	for _, raw := range body.Skip {
		name, err := fetch.ParseStrategyName(raw)
		if err != nil {
			return fetch.Request{}, err
		}
		req.Skip = append(req.Skip, name)
	}
	if _, err := req.ResolvedProxy(); err != nil {
		return fetch.Request{}, fmt.Errorf("invalid proxy: %w", err)
	}
	return req, nil
}

func failureStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusInternalServerError
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	case errors.Is(err, orchestrator.ErrAllStrategiesFailed):
		return http.StatusBadGateway
	case errors.Is(err, orchestrator.ErrNoStrategies), errors.Is(err, orchestrator.ErrUnknownStrategy):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func errorText(err error) string {
	if err == nil {
		return "fetch produced no result"
	}
	return err.Error()
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		reqID, _ := r.Context().Value(requestIDKey{}).(string)
		s.logger.Info("request completed",
			zap.String("request_id", reqID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("panic", rec), zap.String("path", r.URL.Path))
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

// apiKeyMiddleware accepts the key only from the X-API-Key header so it never
// lands in access logs.
func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	want := []byte(expected)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := []byte(r.Header.Get("X-API-Key"))
			if subtle.ConstantTimeCompare(key, want) != 1 {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
