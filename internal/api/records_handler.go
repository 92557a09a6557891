package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/stealth-fetcher/internal/storage"
)

const recordLookupTimeout = 3 * time.Second

// RecordReader looks up stored fetch records.
type RecordReader interface {
	Latest(ctx context.Context, url string) (storage.Record, error)
}

// RecordHandler exposes read-only fetch record endpoints.
type RecordHandler struct {
	repo    RecordReader
	timeout time.Duration
	logger  *zap.Logger
}

// NewRecordHandler wires the reader and logger. A nil reader answers 503.
func NewRecordHandler(repo RecordReader, logger *zap.Logger) *RecordHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RecordHandler{
		repo:    repo,
		timeout: recordLookupTimeout,
		logger:  logger,
	}
}

type recordDTO struct {
	ID          string `json:"id"`
	URL         string `json:"url"`
	FinalURL    string `json:"final_url,omitempty"`
	StatusCode  int    `json:"status_code,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	Strategy    string `json:"strategy,omitempty"`
	ElapsedMS   int64  `json:"elapsed_ms"`
	BlobURI     string `json:"blob_uri,omitempty"`
	ContentHash string `json:"content_hash,omitempty"`
	Error       string `json:"error,omitempty"`
	FetchedAt   string `json:"fetched_at"`
}

// Latest handles GET /v1/records/latest?url=. It returns {"record": {...}},
// 400 without a url, 404 when nothing was stored, 503 when no record store
// is configured, or 500 for repository errors.
func (h *RecordHandler) Latest(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "record store unavailable")
		return
	}
	target := strings.TrimSpace(r.URL.Query().Get("url"))
	if target == "" {
		writeError(w, http.StatusBadRequest, "url is required")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	rec, err := h.repo.Latest(ctx, target)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "record not found")
			return
		}
		h.logger.Error("latest record lookup failed", zap.String("url", target), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load record")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"record": toRecordDTO(rec)})
}

func toRecordDTO(rec storage.Record) recordDTO {
	return recordDTO{
		ID:          rec.ID,
		URL:         rec.URL,
		FinalURL:    rec.FinalURL,
		StatusCode:  rec.StatusCode,
		ContentType: rec.ContentType,
		Strategy:    string(rec.Strategy),
		ElapsedMS:   rec.Elapsed.Milliseconds(),
		BlobURI:     rec.BlobURI,
		ContentHash: rec.ContentHash,
		Error:       rec.Error,
		FetchedAt:   rec.FetchedAt.UTC().Format(time.RFC3339),
	}
}
