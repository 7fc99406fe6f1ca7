// Package postgres provides the durable Postgres-backed job queue.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kudoshq/ingestd/internal/backoff"
	"github.com/kudoshq/ingestd/internal/ingest"
)

// Schema creates the jobs table. The partial unique index is what enforces
// the at-most-one-non-terminal-job-per-dedup-key invariant under concurrent
// enqueuers.
const Schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id              UUID PRIMARY KEY,
	queue           TEXT NOT NULL,
	payload         BYTEA,
	state           TEXT NOT NULL,
	priority        INT NOT NULL DEFAULT 0,
	dedup_key       TEXT,
	attempts        INT NOT NULL DEFAULT 0,
	max_attempts    INT NOT NULL,
	created_seq     BIGSERIAL,
	created_at      TIMESTAMPTZ NOT NULL,
	ready_at        TIMESTAMPTZ NOT NULL,
	started_at      TIMESTAMPTZ,
	finished_at     TIMESTAMPTZ,
	last_error      TEXT NOT NULL DEFAULT '',
	lock_owner      TEXT NOT NULL DEFAULT '',
	lock_expires_at TIMESTAMPTZ
);
CREATE UNIQUE INDEX IF NOT EXISTS jobs_dedup_live
	ON jobs (queue, dedup_key)
	WHERE dedup_key IS NOT NULL AND state IN ('waiting', 'active');
CREATE INDEX IF NOT EXISTS jobs_ready
	ON jobs (queue, state, ready_at, priority DESC, created_seq);
`

// Config controls the Postgres queue.
type Config struct {
	DSN                string
	LeaseDuration      time.Duration
	DefaultMaxAttempts int
	KeepCompleted      int
	KeepFailed         int
	Backoff            backoff.Func
	Clock              ingest.Clock
	IDs                ingest.IDGenerator
	MaxConns           int32
}

type pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Queue is a Postgres-backed ingest.Queue. Dequeue atomicity comes from a
// single UPDATE over a SKIP LOCKED subselect, so two workers can never claim
// the same row. Pause flags are process-local.
type Queue struct {
	db  pool
	cfg Config

	mu        sync.Mutex
	paused    map[string]bool
	pausedAll bool
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

type uuidIDs struct{}

func (uuidIDs) NewID() (string, error) { return uuid.NewString(), nil }

// New connects a pgx pool and returns a Queue.
func New(ctx context.Context, cfg Config) (*Queue, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("queue.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	db, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return NewWithPool(db, cfg)
}

// NewWithPool constructs a Queue from an existing pool (primarily for testing).
func NewWithPool(db pool, cfg Config) (*Queue, error) {
	if db == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = 2 * time.Minute
	}
	if cfg.DefaultMaxAttempts <= 0 {
		cfg.DefaultMaxAttempts = 3
	}
	if cfg.KeepCompleted <= 0 {
		cfg.KeepCompleted = 100
	}
	if cfg.KeepFailed <= 0 {
		cfg.KeepFailed = 50
	}
	if cfg.Backoff == nil {
		cfg.Backoff = backoff.Exponential(time.Minute, 5, 15*time.Minute)
	}
	if cfg.Clock == nil {
		cfg.Clock = systemClock{}
	}
	if cfg.IDs == nil {
		cfg.IDs = uuidIDs{}
	}
	return &Queue{db: db, cfg: cfg, paused: make(map[string]bool)}, nil
}

// EnsureSchema applies the jobs table schema.
func (q *Queue) EnsureSchema(ctx context.Context) error {
	if _, err := q.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("ensure jobs schema: %w", err)
	}
	return nil
}

// Close releases the underlying pool.
func (q *Queue) Close() {
	if q == nil || q.db == nil {
		return
	}
	q.db.Close()
}

// Enqueue inserts a waiting job, enforcing the dedup invariant through the
// partial unique index.
func (q *Queue) Enqueue(ctx context.Context, queue string, payload []byte, opts ingest.EnqueueOptions) (string, error) {
	if queue == "" {
		return "", fmt.Errorf("queue name is required")
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = q.cfg.DefaultMaxAttempts
	}
	now := q.cfg.Clock.Now()
	id, err := q.cfg.IDs.NewID()
	if err != nil {
		return "", fmt.Errorf("generate job id: %w", err)
	}

	var dedup *string
	if opts.DedupKey != "" {
		dedup = &opts.DedupKey
	}
	_, err = q.db.Exec(ctx, `
		INSERT INTO jobs (id, queue, payload, state, priority, dedup_key, max_attempts, created_at, ready_at)
		VALUES ($1, $2, $3, 'waiting', $4, $5, $6, $7, $8)`,
		id, queue, payload, opts.Priority, dedup, maxAttempts, now, now.Add(opts.Delay),
	)
	if err == nil {
		return id, nil
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "23505" {
		return "", fmt.Errorf("insert job: %w", err)
	}

	if opts.OnDuplicate == ingest.ReplaceDuplicate {
		var existing string
		replaceErr := q.db.QueryRow(ctx, `
			UPDATE jobs SET payload = $3, priority = $4
			WHERE queue = $1 AND dedup_key = $2 AND state = 'waiting'
			RETURNING id`,
			queue, opts.DedupKey, payload, opts.Priority,
		).Scan(&existing)
		if replaceErr == nil {
			return existing, nil
		}
		if !errors.Is(replaceErr, pgx.ErrNoRows) {
			return "", fmt.Errorf("replace duplicate job: %w", replaceErr)
		}
	}

	var existing string
	lookupErr := q.db.QueryRow(ctx, `
		SELECT id FROM jobs
		WHERE queue = $1 AND dedup_key = $2 AND state IN ('waiting', 'active')`,
		queue, opts.DedupKey,
	).Scan(&existing)
	if lookupErr != nil {
		return "", ingest.ErrDuplicateJob
	}
	return existing, ingest.ErrDuplicateJob
}

const dequeueSQL = `
UPDATE jobs SET
	state = 'active',
	lock_owner = $2,
	lock_expires_at = $3,
	started_at = COALESCE(started_at, $4)
WHERE id = (
	SELECT id FROM jobs
	WHERE queue = $1 AND state = 'waiting' AND ready_at <= $4
	ORDER BY priority DESC, created_seq
	FOR UPDATE SKIP LOCKED
	LIMIT 1
)
RETURNING id, queue, payload, state, priority, COALESCE(dedup_key, ''), attempts, max_attempts,
	created_at, ready_at, started_at, last_error, lock_owner, lock_expires_at`

// Dequeue claims the next ready job, or returns nil when none is ready.
func (q *Queue) Dequeue(ctx context.Context, queue, workerID string) (*ingest.Job, error) {
	q.mu.Lock()
	paused := q.pausedAll || q.paused[queue]
	q.mu.Unlock()
	if paused {
		return nil, nil
	}

	now := q.cfg.Clock.Now()
	var job ingest.Job
	var state string
	err := q.db.QueryRow(ctx, dequeueSQL, queue, workerID, now.Add(q.cfg.LeaseDuration), now).Scan(
		&job.ID, &job.Queue, &job.Payload, &state, &job.Priority, &job.DedupKey,
		&job.Attempts, &job.MaxAttempts, &job.CreatedAt, &job.ReadyAt, &job.StartedAt,
		&job.LastError, &job.LockOwner, &job.LockExpiresAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue job: %w", err)
	}
	job.State = ingest.JobState(state)
	return &job, nil
}

// Heartbeat extends the worker's lease.
func (q *Queue) Heartbeat(ctx context.Context, jobID, workerID string) error {
	tag, err := q.db.Exec(ctx, `
		UPDATE jobs SET lock_expires_at = $3
		WHERE id = $1 AND state = 'active' AND lock_owner = $2`,
		jobID, workerID, q.cfg.Clock.Now().Add(q.cfg.LeaseDuration),
	)
	if err != nil {
		return fmt.Errorf("heartbeat job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ingest.ErrLockLost
	}
	return nil
}

// Complete transitions an active job to completed and trims retention.
func (q *Queue) Complete(ctx context.Context, jobID, workerID string) error {
	var queue string
	err := q.db.QueryRow(ctx, `
		UPDATE jobs SET state = 'completed', finished_at = $3, lock_owner = '', lock_expires_at = NULL
		WHERE id = $1 AND state = 'active' AND lock_owner = $2
		RETURNING queue`,
		jobID, workerID, q.cfg.Clock.Now(),
	).Scan(&queue)
	if errors.Is(err, pgx.ErrNoRows) {
		return ingest.ErrLockLost
	}
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	return q.trim(ctx, queue, ingest.JobStateCompleted, q.cfg.KeepCompleted)
}

// Fail charges an attempt and either schedules a retry or fails terminally.
func (q *Queue) Fail(ctx context.Context, jobID, workerID string, cause error) error {
	var attempts, maxAttempts int
	err := q.db.QueryRow(ctx, `
		SELECT attempts, max_attempts FROM jobs
		WHERE id = $1 AND state = 'active' AND lock_owner = $2`,
		jobID, workerID,
	).Scan(&attempts, &maxAttempts)
	if errors.Is(err, pgx.ErrNoRows) {
		return ingest.ErrLockLost
	}
	if err != nil {
		return fmt.Errorf("load job for fail: %w", err)
	}

	now := q.cfg.Clock.Now()
	lastError := ""
	if cause != nil {
		lastError = cause.Error()
	}
	attempts++

	if attempts >= maxAttempts {
		var queue string
		err = q.db.QueryRow(ctx, `
			UPDATE jobs SET state = 'failed', attempts = $3, last_error = $4,
				finished_at = $5, lock_owner = '', lock_expires_at = NULL
			WHERE id = $1 AND state = 'active' AND lock_owner = $2
			RETURNING queue`,
			jobID, workerID, attempts, lastError, now,
		).Scan(&queue)
		if errors.Is(err, pgx.ErrNoRows) {
			return ingest.ErrLockLost
		}
		if err != nil {
			return fmt.Errorf("fail job: %w", err)
		}
		return q.trim(ctx, queue, ingest.JobStateFailed, q.cfg.KeepFailed)
	}

	tag, err := q.db.Exec(ctx, `
		UPDATE jobs SET state = 'waiting', attempts = $3, last_error = $4,
			ready_at = $5, lock_owner = '', lock_expires_at = NULL
		WHERE id = $1 AND state = 'active' AND lock_owner = $2`,
		jobID, workerID, attempts, lastError, now.Add(q.cfg.Backoff(attempts)),
	)
	if err != nil {
		return fmt.Errorf("schedule job retry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ingest.ErrLockLost
	}
	return nil
}

// ReapStalled requeues expired active jobs without charging an attempt.
func (q *Queue) ReapStalled(ctx context.Context) (int, error) {
	now := q.cfg.Clock.Now()
	tag, err := q.db.Exec(ctx, `
		UPDATE jobs SET state = 'waiting', lock_owner = '', lock_expires_at = NULL, ready_at = $1
		WHERE state = 'active' AND lock_expires_at <= $1`,
		now,
	)
	if err != nil {
		return 0, fmt.Errorf("reap stalled jobs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// Job returns the stored job by ID.
func (q *Queue) Job(ctx context.Context, jobID string) (ingest.Job, error) {
	var job ingest.Job
	var state string
	err := q.db.QueryRow(ctx, `
		SELECT id, queue, payload, state, priority, COALESCE(dedup_key, ''), attempts, max_attempts,
			created_at, ready_at, started_at, finished_at, last_error, lock_owner, lock_expires_at
		FROM jobs WHERE id = $1`,
		jobID,
	).Scan(
		&job.ID, &job.Queue, &job.Payload, &state, &job.Priority, &job.DedupKey,
		&job.Attempts, &job.MaxAttempts, &job.CreatedAt, &job.ReadyAt, &job.StartedAt,
		&job.FinishedAt, &job.LastError, &job.LockOwner, &job.LockExpiresAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return ingest.Job{}, ingest.ErrJobNotFound
	}
	if err != nil {
		return ingest.Job{}, fmt.Errorf("load job: %w", err)
	}
	job.State = ingest.JobState(state)
	return job, nil
}

// Pause stops Dequeue for one queue, or all queues when name is empty.
func (q *Queue) Pause(_ context.Context, queue string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if queue == "" {
		q.pausedAll = true
		return nil
	}
	q.paused[queue] = true
	return nil
}

// Resume re-enables Dequeue.
func (q *Queue) Resume(_ context.Context, queue string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if queue == "" {
		q.pausedAll = false
		return nil
	}
	delete(q.paused, queue)
	return nil
}

func (q *Queue) trim(ctx context.Context, queue string, state ingest.JobState, keep int) error {
	_, err := q.db.Exec(ctx, `
		DELETE FROM jobs WHERE id IN (
			SELECT id FROM jobs
			WHERE queue = $1 AND state = $2
			ORDER BY finished_at DESC
			OFFSET $3
		)`,
		queue, string(state), keep,
	)
	if err != nil {
		return fmt.Errorf("trim terminal jobs: %w", err)
	}
	return nil
}
