// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kudoshq/ingestd/internal/ingest"
)

// RecordSchema creates the records table. The unique index on
// (source, source_external_id) is what makes replayed collection jobs
// idempotent.
const RecordSchema = `
CREATE TABLE IF NOT EXISTS records (
	id                 BIGSERIAL PRIMARY KEY,
	source             TEXT NOT NULL,
	source_external_id TEXT NOT NULL,
	text               TEXT NOT NULL,
	author_name        TEXT NOT NULL,
	author_handle      TEXT NOT NULL DEFAULT '',
	author_title       TEXT NOT NULL DEFAULT '',
	author_company     TEXT NOT NULL DEFAULT '',
	avatar_url         TEXT NOT NULL DEFAULT '',
	posted_at          TIMESTAMPTZ,
	rating             DOUBLE PRECISION NOT NULL DEFAULT 0,
	metadata           JSONB NOT NULL DEFAULT '{}',
	created_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE UNIQUE INDEX IF NOT EXISTS records_source_external
	ON records (source, source_external_id);
`

type pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// StoreConfig controls the Postgres connection pool behind the stores.
type StoreConfig struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

func newPool(ctx context.Context, cfg StoreConfig) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
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
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return p, nil
}

// RecordStore persists accepted testimonial records.
type RecordStore struct {
	pool pool
}

// NewRecordStore creates a Postgres-backed RecordStore.
func NewRecordStore(ctx context.Context, cfg StoreConfig) (*RecordStore, error) {
	p, err := newPool(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &RecordStore{pool: p}, nil
}

// NewRecordStoreWithPool constructs a store from an existing pool (primarily
// for testing).
func NewRecordStoreWithPool(p pool) (*RecordStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &RecordStore{pool: p}, nil
}

// EnsureSchema creates the records table if missing.
func (s *RecordStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, RecordSchema); err != nil {
		return fmt.Errorf("ensure records schema: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *RecordStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

const insertRecordSQL = `
INSERT INTO records (
	source, source_external_id, text, author_name, author_handle,
	author_title, author_company, avatar_url, posted_at, rating, metadata
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
ON CONFLICT (source, source_external_id) DO NOTHING`

// InsertRecords inserts each record, skipping rows whose
// (source, source external id) already exists, and returns how many were
// actually inserted.
func (s *RecordStore) InsertRecords(ctx context.Context, records []ingest.RawRecord) (int, error) {
	inserted := 0
	for _, rec := range records {
		metadata, err := json.Marshal(metadataOrEmpty(rec.Metadata))
		if err != nil {
			return inserted, fmt.Errorf("marshal metadata: %w", err)
		}
		tag, err := s.pool.Exec(ctx, insertRecordSQL,
			rec.Source,
			rec.SourceExternalID,
			rec.Text,
			rec.AuthorName,
			rec.AuthorHandle,
			rec.AuthorTitle,
			rec.AuthorCompany,
			rec.AvatarURL,
			rec.PostedAt,
			rec.Rating,
			metadata,
		)
		if err != nil {
			return inserted, fmt.Errorf("insert record %s/%s: %w", rec.Source, rec.SourceExternalID, err)
		}
		inserted += int(tag.RowsAffected())
	}
	return inserted, nil
}

func metadataOrEmpty(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
