// Package storage defines where fetched pages and their attempt histories are
// persisted. Blob backends live in subpackages.
package storage

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/JakeFAU/stealth-fetcher/internal/fetch"
)

// ErrNotFound is returned by record lookups with no match.
var ErrNotFound = errors.New("record not found")

// BlobStore writes raw HTML snapshots and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// Record is the persisted outcome of one logical fetch.
type Record struct {
	ID          string
	URL         string
	FinalURL    string
	StatusCode  int
	ContentType string
	Strategy    fetch.StrategyName
	Headers     http.Header
	Attempts    []fetch.Attempt
	Elapsed     time.Duration
	BlobURI     string
	ContentHash string
	// Error is the terminal failure message; empty on success.
	Error     string
	FetchedAt time.Time
}

// Succeeded reports whether the fetch produced HTML.
func (r Record) Succeeded() bool {
	return r.Error == ""
}

// RecordStore persists fetch records.
type RecordStore interface {
	SaveRecord(ctx context.Context, rec Record) error
}

// SnapshotPath builds <prefix>/<host>/<id>.html for a fetched URL.
func SnapshotPath(prefix, rawURL, id string) string {
	host := "unknown"
	if u, err := url.Parse(rawURL); err == nil && u.Hostname() != "" {
		host = strings.ToLower(u.Hostname())
	}
	return path.Join(strings.Trim(prefix, "/"), host, id+".html")
}
