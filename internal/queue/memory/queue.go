// Package memory provides a queue implementation for local development and
// tests. It honors the full queue contract, including dedup keys, leases,
// retry scheduling, and terminal-job retention.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kudoshq/ingestd/internal/backoff"
	"github.com/kudoshq/ingestd/internal/ingest"
)

// Config controls queue behavior.
type Config struct {
	LeaseDuration      time.Duration
	DefaultMaxAttempts int
	KeepCompleted      int
	KeepFailed         int
	Backoff            backoff.Func
	Clock              ingest.Clock
	IDs                ingest.IDGenerator
}

const (
	defaultLease       = 2 * time.Minute
	defaultMaxAttempts = 3
	defaultKeepDone    = 100
	defaultKeepFailed  = 50
)

type entry struct {
	job ingest.Job
	seq uint64
}

// Queue is an in-memory ingest.Queue.
type Queue struct {
	mu        sync.Mutex
	cfg       Config
	jobs      map[string]*entry
	seq       uint64
	paused    map[string]bool
	pausedAll bool
	completed map[string][]string
	failed    map[string][]string
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

type uuidIDs struct{}

func (uuidIDs) NewID() (string, error) { return uuid.NewString(), nil }

// New constructs a Queue.
func New(cfg Config) *Queue {
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = defaultLease
	}
	if cfg.DefaultMaxAttempts <= 0 {
		cfg.DefaultMaxAttempts = defaultMaxAttempts
	}
	if cfg.KeepCompleted <= 0 {
		cfg.KeepCompleted = defaultKeepDone
	}
	if cfg.KeepFailed <= 0 {
		cfg.KeepFailed = defaultKeepFailed
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
	return &Queue{
		cfg:       cfg,
		jobs:      make(map[string]*entry),
		paused:    make(map[string]bool),
		completed: make(map[string][]string),
		failed:    make(map[string][]string),
	}
}

// Enqueue stores a job in waiting state.
func (q *Queue) Enqueue(_ context.Context, queue string, payload []byte, opts ingest.EnqueueOptions) (string, error) {
	if queue == "" {
		return "", fmt.Errorf("queue name is required")
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.cfg.Clock.Now()
	if opts.DedupKey != "" {
		if dup := q.findDuplicateLocked(queue, opts.DedupKey); dup != nil {
			if opts.OnDuplicate == ingest.ReplaceDuplicate && dup.job.State == ingest.JobStateWaiting {
				dup.job.Payload = append([]byte(nil), payload...)
				dup.job.Priority = opts.Priority
				return dup.job.ID, nil
			}
			return dup.job.ID, ingest.ErrDuplicateJob
		}
	}

	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = q.cfg.DefaultMaxAttempts
	}
	id, err := q.cfg.IDs.NewID()
	if err != nil {
		return "", fmt.Errorf("generate job id: %w", err)
	}
	q.seq++
	q.jobs[id] = &entry{
		seq: q.seq,
		job: ingest.Job{
			ID:          id,
			Queue:       queue,
			Payload:     append([]byte(nil), payload...),
			State:       ingest.JobStateWaiting,
			Priority:    opts.Priority,
			DedupKey:    opts.DedupKey,
			MaxAttempts: maxAttempts,
			CreatedAt:   now,
			ReadyAt:     now.Add(opts.Delay),
		},
	}
	return id, nil
}

func (q *Queue) findDuplicateLocked(queue, dedupKey string) *entry {
	for _, e := range q.jobs {
		if e.job.Queue == queue && e.job.DedupKey == dedupKey && !e.job.State.Terminal() {
			return e
		}
	}
	return nil
}

// Dequeue claims the next ready job: highest priority first, then insertion
// order. The claim happens under one lock so no two workers can receive the
// same job.
func (q *Queue) Dequeue(_ context.Context, queue, workerID string) (*ingest.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.pausedAll || q.paused[queue] {
		return nil, nil
	}
	now := q.cfg.Clock.Now()

	var best *entry
	for _, e := range q.jobs {
		if e.job.Queue != queue || e.job.State != ingest.JobStateWaiting || e.job.ReadyAt.After(now) {
			continue
		}
		if best == nil || e.job.Priority > best.job.Priority ||
			(e.job.Priority == best.job.Priority && e.seq < best.seq) {
			best = e
		}
	}
	if best == nil {
		return nil, nil
	}

	expires := now.Add(q.cfg.LeaseDuration)
	best.job.State = ingest.JobStateActive
	best.job.LockOwner = workerID
	best.job.LockExpiresAt = &expires
	if best.job.StartedAt == nil {
		started := now
		best.job.StartedAt = &started
	}
	claimed := cloneJob(best.job)
	return &claimed, nil
}

// Heartbeat extends the worker's lease.
func (q *Queue) Heartbeat(_ context.Context, jobID, workerID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.jobs[jobID]
	if !ok {
		return ingest.ErrJobNotFound
	}
	if e.job.State != ingest.JobStateActive || e.job.LockOwner != workerID {
		return ingest.ErrLockLost
	}
	expires := q.cfg.Clock.Now().Add(q.cfg.LeaseDuration)
	e.job.LockExpiresAt = &expires
	return nil
}

// Complete transitions an active job to completed.
func (q *Queue) Complete(_ context.Context, jobID, workerID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, err := q.ownedLocked(jobID, workerID)
	if err != nil {
		return err
	}
	now := q.cfg.Clock.Now()
	e.job.State = ingest.JobStateCompleted
	e.job.FinishedAt = &now
	e.job.LockOwner = ""
	e.job.LockExpiresAt = nil
	q.retainLocked(e.job.Queue, jobID, true)
	return nil
}

// Fail records a handler failure, scheduling a retry while attempts remain.
func (q *Queue) Fail(_ context.Context, jobID, workerID string, cause error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, err := q.ownedLocked(jobID, workerID)
	if err != nil {
		return err
	}
	now := q.cfg.Clock.Now()
	e.job.Attempts++
	if cause != nil {
		e.job.LastError = cause.Error()
	}
	e.job.LockOwner = ""
	e.job.LockExpiresAt = nil

	if e.job.Attempts >= e.job.MaxAttempts {
		e.job.State = ingest.JobStateFailed
		e.job.FinishedAt = &now
		q.retainLocked(e.job.Queue, jobID, false)
		return nil
	}
	e.job.State = ingest.JobStateWaiting
	e.job.ReadyAt = now.Add(q.cfg.Backoff(e.job.Attempts))
	return nil
}

func (q *Queue) ownedLocked(jobID, workerID string) (*entry, error) {
	e, ok := q.jobs[jobID]
	if !ok {
		return nil, ingest.ErrJobNotFound
	}
	if e.job.State != ingest.JobStateActive || e.job.LockOwner != workerID {
		return nil, ingest.ErrLockLost
	}
	return e, nil
}

// ReapStalled requeues active jobs with expired leases. Attempts stay
// unchanged: the work is assumed incomplete, not failed.
func (q *Queue) ReapStalled(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.cfg.Clock.Now()
	reaped := 0
	for _, e := range q.jobs {
		if e.job.State != ingest.JobStateActive {
			continue
		}
		if e.job.LockExpiresAt == nil || e.job.LockExpiresAt.After(now) {
			continue
		}
		e.job.State = ingest.JobStateWaiting
		e.job.LockOwner = ""
		e.job.LockExpiresAt = nil
		e.job.ReadyAt = now
		reaped++
	}
	return reaped, nil
}

// Job returns a copy of the stored job.
func (q *Queue) Job(_ context.Context, jobID string) (ingest.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.jobs[jobID]
	if !ok {
		return ingest.Job{}, ingest.ErrJobNotFound
	}
	return cloneJob(e.job), nil
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

// Resume re-enables Dequeue for one queue, or all queues when name is empty.
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

// retainLocked appends jobID to the terminal ring for the queue and discards
// the oldest entries beyond the retention limit.
func (q *Queue) retainLocked(queue, jobID string, completed bool) {
	ring := q.failed
	keep := q.cfg.KeepFailed
	if completed {
		ring = q.completed
		keep = q.cfg.KeepCompleted
	}
	ids := append(ring[queue], jobID)
	for len(ids) > keep {
		delete(q.jobs, ids[0])
		ids = ids[1:]
	}
	ring[queue] = ids
}

func cloneJob(j ingest.Job) ingest.Job {
	cp := j
	cp.Payload = append([]byte(nil), j.Payload...)
	if j.StartedAt != nil {
		t := *j.StartedAt
		cp.StartedAt = &t
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		cp.FinishedAt = &t
	}
	if j.LockExpiresAt != nil {
		t := *j.LockExpiresAt
		cp.LockExpiresAt = &t
	}
	return cp
}
