package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/kudoshq/ingestd/internal/ingest"
)

// ConnectionSchema creates the connections table.
const ConnectionSchema = `
CREATE TABLE IF NOT EXISTS connections (
	id             TEXT PRIMARY KEY,
	org_id         TEXT NOT NULL,
	project_id     TEXT NOT NULL,
	platform       TEXT NOT NULL,
	credentials    JSONB NOT NULL DEFAULT '{}',
	status         TEXT NOT NULL DEFAULT 'pending',
	last_run_at    TIMESTAMPTZ,
	last_run_error TEXT NOT NULL DEFAULT '',
	schedule_every TEXT NOT NULL DEFAULT '',
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// ConnectionStore reads connections and records worker-side status updates.
// Workers only touch status, last_run_at and last_run_error; the dashboard
// owns the remaining columns, so the two writers never conflict.
type ConnectionStore struct {
	pool pool
}

// NewConnectionStore creates a Postgres-backed ConnectionStore.
func NewConnectionStore(ctx context.Context, cfg StoreConfig) (*ConnectionStore, error) {
	p, err := newPool(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &ConnectionStore{pool: p}, nil
}

// NewConnectionStoreWithPool constructs a store from an existing pool
// (primarily for testing).
func NewConnectionStoreWithPool(p pool) (*ConnectionStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &ConnectionStore{pool: p}, nil
}

// EnsureSchema creates the connections table if missing.
func (s *ConnectionStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, ConnectionSchema); err != nil {
		return fmt.Errorf("ensure connections schema: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *ConnectionStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

const selectConnectionSQL = `
SELECT id, org_id, project_id, platform, credentials, status,
       last_run_at, last_run_error, schedule_every, updated_at
FROM connections WHERE id = $1`

// Connection loads one connection by ID.
func (s *ConnectionStore) Connection(ctx context.Context, id string) (ingest.Connection, error) {
	var (
		conn        ingest.Connection
		credentials []byte
		status      string
	)
	err := s.pool.QueryRow(ctx, selectConnectionSQL, id).Scan(
		&conn.ID,
		&conn.OrgID,
		&conn.ProjectID,
		&conn.Platform,
		&credentials,
		&status,
		&conn.LastRunAt,
		&conn.LastRunError,
		&conn.ScheduleEvery,
		&conn.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return ingest.Connection{}, fmt.Errorf("%w: %s", ingest.ErrConnectionNotFound, id)
	}
	if err != nil {
		return ingest.Connection{}, fmt.Errorf("select connection: %w", err)
	}
	conn.Status = ingest.ConnectionStatus(status)
	if len(credentials) > 0 {
		if err := json.Unmarshal(credentials, &conn.Credentials); err != nil {
			return ingest.Connection{}, fmt.Errorf("decode credentials: %w", err)
		}
	}
	return conn, nil
}

const activeConnectionsSQL = `
SELECT id, org_id, project_id, platform, credentials, status,
       last_run_at, last_run_error, schedule_every, updated_at
FROM connections
WHERE status IN ('active', 'pending')
ORDER BY id`

// ActiveConnections lists connections eligible for scheduled collection.
func (s *ConnectionStore) ActiveConnections(ctx context.Context) ([]ingest.Connection, error) {
	rows, err := s.pool.Query(ctx, activeConnectionsSQL)
	if err != nil {
		return nil, fmt.Errorf("select active connections: %w", err)
	}
	defer rows.Close()

	var out []ingest.Connection
	for rows.Next() {
		var (
			conn        ingest.Connection
			credentials []byte
			status      string
		)
		if err := rows.Scan(
			&conn.ID,
			&conn.OrgID,
			&conn.ProjectID,
			&conn.Platform,
			&credentials,
			&status,
			&conn.LastRunAt,
			&conn.LastRunError,
			&conn.ScheduleEvery,
			&conn.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan connection: %w", err)
		}
		conn.Status = ingest.ConnectionStatus(status)
		if len(credentials) > 0 {
			if err := json.Unmarshal(credentials, &conn.Credentials); err != nil {
				return nil, fmt.Errorf("decode credentials: %w", err)
			}
		}
		out = append(out, conn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate connections: %w", err)
	}
	return out, nil
}

const updateStatusSQL = `
UPDATE connections
SET status = $2, last_run_error = $3, updated_at = now()
WHERE id = $1`

const updateStatusWithRunSQL = `
UPDATE connections
SET status = $2, last_run_error = $3, last_run_at = now(), updated_at = now()
WHERE id = $1`

// UpdateConnectionStatus records a worker-side status transition. Entering a
// terminal run state (active or error) also stamps last_run_at.
func (s *ConnectionStore) UpdateConnectionStatus(ctx context.Context, id string, status ingest.ConnectionStatus, runErr string) error {
	sql := updateStatusSQL
	if status == ingest.ConnectionActive || status == ingest.ConnectionError {
		sql = updateStatusWithRunSQL
	}
	tag, err := s.pool.Exec(ctx, sql, id, string(status), runErr)
	if err != nil {
		return fmt.Errorf("update connection status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ingest.ErrConnectionNotFound, id)
	}
	return nil
}
