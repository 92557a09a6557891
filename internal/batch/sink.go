package batch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/stealth-fetcher/internal/orchestrator"
	"github.com/JakeFAU/stealth-fetcher/internal/storage"
)

// IDGenerator mints record ids.
type IDGenerator interface {
	NewID() (string, error)
}

// Hasher digests a snapshot body.
type Hasher interface {
	Sum(html string) string
}

// Clock supplies record timestamps.
type Clock interface {
	Now() time.Time
}

// SinkConfig controls where snapshots land.
type SinkConfig struct {
	Prefix      string
	ContentType string
}

// Sink persists fetch outcomes: the HTML snapshot to a blob store and the
// attempt history to a record store. Either store may be nil.
type Sink struct {
	blobs   storage.BlobStore
	records storage.RecordStore
	ids     IDGenerator
	hasher  Hasher
	clock   Clock
	cfg     SinkConfig
	logger  *zap.Logger
}

// NewSink constructs a Sink.
func NewSink(
	blobs storage.BlobStore,
	records storage.RecordStore,
	ids IDGenerator,
	hasher Hasher,
	clock Clock,
	cfg SinkConfig,
	logger *zap.Logger,
) *Sink {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ContentType == "" {
		cfg.ContentType = "text/html; charset=utf-8"
	}
	return &Sink{
		blobs:   blobs,
		records: records,
		ids:     ids,
		hasher:  hasher,
		clock:   clock,
		cfg:     cfg,
		logger:  logger.Named("sink"),
	}
}

// Persist stores one outcome and returns the record written.
func (s *Sink) Persist(ctx context.Context, url string, res *orchestrator.Result, fetchErr error) (storage.Record, error) {
	id, err := s.ids.NewID()
	if err != nil {
		return storage.Record{}, fmt.Errorf("generate record id: %w", err)
	}
	rec := storage.Record{ID: id, URL: url, FetchedAt: s.clock.Now()}

	if res != nil {
		rec.FinalURL = res.FinalURL
		rec.StatusCode = res.StatusCode
		rec.ContentType = res.ContentType
		rec.Strategy = res.Strategy
		rec.Headers = res.Headers
		rec.Attempts = res.Attempts
		rec.Elapsed = res.Elapsed
		if s.hasher != nil {
			rec.ContentHash = s.hasher.Sum(res.HTML)
		}
		if s.blobs != nil {
			path := storage.SnapshotPath(s.cfg.Prefix, url, id)
			uri, err := s.blobs.PutObject(ctx, path, s.cfg.ContentType, strings.NewReader(res.HTML))
			if err != nil {
				return rec, fmt.Errorf("put snapshot: %w", err)
			}
			rec.BlobURI = uri
		}
	}
	if fetchErr != nil {
		rec.Error = fetchErr.Error()
		var failure *orchestrator.FailureError
		if errors.As(fetchErr, &failure) {
			rec.Attempts = failure.Attempts
		}
	}

	if s.records != nil {
		if err := s.records.SaveRecord(ctx, rec); err != nil {
			return rec, fmt.Errorf("save record: %w", err)
		}
	}
	s.logger.Debug("fetch persisted",
		zap.String("id", rec.ID),
		zap.String("url", url),
		zap.String("blob_uri", rec.BlobURI),
		zap.Bool("succeeded", rec.Succeeded()),
	)
	return rec, nil
}
