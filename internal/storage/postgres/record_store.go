// Package postgres persists fetch records in Postgres.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/stealth-fetcher/internal/fetch"
	"github.com/JakeFAU/stealth-fetcher/internal/storage"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool used for fetch records.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type querier interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// RecordStore writes fetch records into Postgres.
type RecordStore struct {
	pool  querier
	table string
}

// New connects a pgx pool using cfg.
func New(ctx context.Context, cfg Config) (*RecordStore, error) {
	if cfg.DSN == "" {
		return nil, errors.New("db.dsn is required")
	}
	table, err := tableName(cfg.Table)
	if err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &RecordStore{pool: pool, table: table}, nil
}

// NewWithPool constructs a store from an existing pool.
func NewWithPool(pool querier, table string) (*RecordStore, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	table, err := tableName(table)
	if err != nil {
		return nil, err
	}
	return &RecordStore{pool: pool, table: table}, nil
}

func tableName(table string) (string, error) {
	if table == "" {
		table = "fetch_attempts"
	}
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return table, nil
}

// Close releases the underlying pool resources.
func (s *RecordStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates the records table when it does not exist.
func (s *RecordStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id            TEXT PRIMARY KEY,
	url           TEXT NOT NULL,
	final_url     TEXT NOT NULL DEFAULT '',
	status_code   INTEGER NOT NULL DEFAULT 0,
	content_type  TEXT NOT NULL DEFAULT '',
	strategy      TEXT NOT NULL DEFAULT '',
	headers       JSONB NOT NULL DEFAULT '{}'::jsonb,
	attempts      JSONB NOT NULL DEFAULT '[]'::jsonb,
	elapsed_ms    BIGINT NOT NULL DEFAULT 0,
	blob_uri      TEXT NOT NULL DEFAULT '',
	content_hash  TEXT NOT NULL DEFAULT '',
	error         TEXT NOT NULL DEFAULT '',
	fetched_at    TIMESTAMPTZ NOT NULL
)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create %s: %w", s.table, err)
	}
	return nil
}

// SaveRecord inserts one fetch record.
func (s *RecordStore) SaveRecord(ctx context.Context, rec storage.Record) error {
	if rec.ID == "" {
		return errors.New("record id is required")
	}
	headersJSON, err := json.Marshal(normalizeHeaders(rec.Headers))
	if err != nil {
		return fmt.Errorf("marshal headers: %w", err)
	}
	attempts := rec.Attempts
	if attempts == nil {
		attempts = []fetch.Attempt{}
	}
	attemptsJSON, err := json.Marshal(attempts)
	if err != nil {
		return fmt.Errorf("marshal attempts: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	id,
	url,
	final_url,
	status_code,
	content_type,
	strategy,
	headers,
	attempts,
	elapsed_ms,
	blob_uri,
	content_hash,
	error,
	fetched_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13
)`, s.table)

	args := []any{
		rec.ID,
		rec.URL,
		rec.FinalURL,
		rec.StatusCode,
		rec.ContentType,
		string(rec.Strategy),
		headersJSON,
		attemptsJSON,
		rec.Elapsed.Milliseconds(),
		rec.BlobURI,
		rec.ContentHash,
		rec.Error,
		rec.FetchedAt,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert fetch record: %w", err)
	}
	return nil
}

// Latest returns the most recent record for url without its headers and attempts.
func (s *RecordStore) Latest(ctx context.Context, url string) (storage.Record, error) {
	query := fmt.Sprintf(`
SELECT id, url, final_url, status_code, content_type, strategy, elapsed_ms, blob_uri, content_hash, error, fetched_at
FROM %s
WHERE url = $1
ORDER BY fetched_at DESC
LIMIT 1`, s.table)

	var (
		rec       storage.Record
		strategy  string
		elapsedMS int64
	)
	err := s.pool.QueryRow(ctx, query, url).Scan(
		&rec.ID,
		&rec.URL,
		&rec.FinalURL,
		&rec.StatusCode,
		&rec.ContentType,
		&strategy,
		&elapsedMS,
		&rec.BlobURI,
		&rec.ContentHash,
		&rec.Error,
		&rec.FetchedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return storage.Record{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.Record{}, fmt.Errorf("select latest fetch record: %w", err)
	}
	rec.Strategy = fetch.StrategyName(strategy)
	rec.Elapsed = time.Duration(elapsedMS) * time.Millisecond
	return rec, nil
}

func normalizeHeaders(h http.Header) map[string][]string {
	if len(h) == 0 {
		return map[string][]string{}
	}
	out := make(map[string][]string, len(h))
	for k, values := range h {
		out[k] = append([]string(nil), values...)
	}
	return out
}
