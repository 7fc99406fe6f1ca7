package ingest

import (
	"context"
	"time"
)

// Queue is the durable job queue shared by the dispatcher and worker pool.
// Dequeue is the only operation requiring atomicity: a job must never be
// handed to two workers at once. All other operations are independent
// per-job updates guarded by lock-owner checks.
type Queue interface {
	// Enqueue stores a job in waiting state and returns its ID. It returns
	// ErrDuplicateJob when a dedup key is supplied, a non-terminal job
	// already holds it, and the duplicate policy rejects.
	Enqueue(ctx context.Context, queue string, payload []byte, opts EnqueueOptions) (string, error)

	// Dequeue atomically transitions one ready waiting job to active,
	// stamping the worker's lock. It returns nil when no job is ready or
	// the queue is paused.
	Dequeue(ctx context.Context, queue, workerID string) (*Job, error)

	// Heartbeat extends the caller's lease. ErrLockLost if another owner
	// holds the job.
	Heartbeat(ctx context.Context, jobID, workerID string) error

	// Complete transitions an active job to completed.
	Complete(ctx context.Context, jobID, workerID string) error

	// Fail records the handler error. If attempts remain it schedules a
	// retry after the queue's backoff; otherwise the job is terminally
	// failed.
	Fail(ctx context.Context, jobID, workerID string, cause error) error

	// ReapStalled returns expired active jobs to waiting without charging
	// an attempt: the work is assumed incomplete, not failed.
	ReapStalled(ctx context.Context) (int, error)

	// Job returns the stored job by ID, for the status boundary.
	Job(ctx context.Context, jobID string) (Job, error)

	// Pause stops Dequeue for one queue; Resume re-enables it. An empty
	// queue name pauses or resumes all queues.
	Pause(ctx context.Context, queue string) error
	Resume(ctx context.Context, queue string) error
}

// Collector is the platform adapter contract. Adapters never persist
// directly; they return records to the pipeline, which routes them through
// validation and the trust filter.
type Collector interface {
	Platform() string
	Scrape(ctx context.Context, conn Connection) (ScrapeResult, error)
}

// RecordStore persists accepted records. Insert is idempotent on
// (source, source external ID) so replayed collection jobs are safe.
type RecordStore interface {
	InsertRecords(ctx context.Context, records []RawRecord) (int, error)
}

// ConnectionStore reads connections and records worker-side status updates.
type ConnectionStore interface {
	Connection(ctx context.Context, id string) (Connection, error)
	UpdateConnectionStatus(ctx context.Context, id string, status ConnectionStatus, runErr string) error
}

// Notifier announces newly ingested records to downstream consumers.
// Fire-and-forget: failures never roll back job state.
type Notifier interface {
	NotifyNewRecords(ctx context.Context, connectionID string, count int) error
}

// RebuildTrigger kicks an external site rebuild (CI/CD webhook or similar).
type RebuildTrigger interface {
	Trigger(ctx context.Context, reason string) error
}

// Archive optionally stores the raw payload of a collector run for audit.
// The pipeline checks for presence before calling.
type Archive interface {
	PutBatch(ctx context.Context, connectionID string, payload []byte) (string, error)
}

// Limiter enforces minimum spacing between upstream requests. One limiter
// per platform connection so a slow platform cannot starve another's budget.
type Limiter interface {
	Acquire(ctx context.Context) error
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}

// Hasher computes digests used to derive deterministic external IDs.
type Hasher interface {
	Hash(data []byte) (string, error)
}
