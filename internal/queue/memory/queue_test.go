package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kudoshq/ingestd/internal/backoff"
	"github.com/kudoshq/ingestd/internal/ingest"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0).UTC()}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestQueue(clock ingest.Clock) *Queue {
	return New(Config{
		LeaseDuration:      time.Minute,
		DefaultMaxAttempts: 3,
		Backoff:            backoff.Exponential(time.Minute, 5, 15*time.Minute),
		Clock:              clock,
	})
}

func TestEnqueueDequeueRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q := newTestQueue(newFakeClock())

	id, err := q.Enqueue(ctx, "collect", []byte(`{"connection_id":"c1"}`), ingest.EnqueueOptions{})
	require.NoError(t, err)

	job, err := q.Dequeue(ctx, "collect", "w1")
	require.NoError(t, err)
	require.NotNil(t, job)
	require.Equal(t, id, job.ID)
	require.Equal(t, ingest.JobStateActive, job.State)
	require.Equal(t, "w1", job.LockOwner)
	require.NotNil(t, job.LockExpiresAt)

	empty, err := q.Dequeue(ctx, "collect", "w2")
	require.NoError(t, err)
	require.Nil(t, empty)
}

func TestDedupKeyAllowsOneNonTerminalJob(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q := newTestQueue(newFakeClock())

	first, err := q.Enqueue(ctx, "collect", []byte("a"), ingest.EnqueueOptions{DedupKey: "collect:c1"})
	require.NoError(t, err)

	dup, err := q.Enqueue(ctx, "collect", []byte("b"), ingest.EnqueueOptions{DedupKey: "collect:c1"})
	require.ErrorIs(t, err, ingest.ErrDuplicateJob)
	require.Equal(t, first, dup)

	// A completed job releases the key.
	job, err := q.Dequeue(ctx, "collect", "w1")
	require.NoError(t, err)
	require.NoError(t, q.Complete(ctx, job.ID, "w1"))

	second, err := q.Enqueue(ctx, "collect", []byte("c"), ingest.EnqueueOptions{DedupKey: "collect:c1"})
	require.NoError(t, err)
	require.NotEqual(t, first, second)
}

func TestReplaceDuplicateUpdatesWaitingJob(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q := newTestQueue(newFakeClock())

	id, err := q.Enqueue(ctx, "collect", []byte("old"), ingest.EnqueueOptions{DedupKey: "k"})
	require.NoError(t, err)

	same, err := q.Enqueue(ctx, "collect", []byte("new"), ingest.EnqueueOptions{
		DedupKey:    "k",
		Priority:    9,
		OnDuplicate: ingest.ReplaceDuplicate,
	})
	require.NoError(t, err)
	require.Equal(t, id, same)

	job, err := q.Job(ctx, id)
	require.NoError(t, err)
	require.Equal(t, []byte("new"), job.Payload)
	require.Equal(t, 9, job.Priority)

	// Replacement never applies to an active job.
	active, err := q.Dequeue(ctx, "collect", "w1")
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, "collect", []byte("x"), ingest.EnqueueOptions{
		DedupKey:    "k",
		OnDuplicate: ingest.ReplaceDuplicate,
	})
	require.ErrorIs(t, err, ingest.ErrDuplicateJob)
	require.NoError(t, q.Complete(ctx, active.ID, "w1"))
}

func TestDequeueOrderPriorityThenFIFO(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q := newTestQueue(newFakeClock())

	low1, err := q.Enqueue(ctx, "collect", nil, ingest.EnqueueOptions{Priority: 1})
	require.NoError(t, err)
	low2, err := q.Enqueue(ctx, "collect", nil, ingest.EnqueueOptions{Priority: 1})
	require.NoError(t, err)
	high, err := q.Enqueue(ctx, "collect", nil, ingest.EnqueueOptions{Priority: 5})
	require.NoError(t, err)

	var got []string
	for range 3 {
		job, err := q.Dequeue(ctx, "collect", "w1")
		require.NoError(t, err)
		require.NotNil(t, job)
		got = append(got, job.ID)
		require.NoError(t, q.Complete(ctx, job.ID, "w1"))
	}
	require.Equal(t, []string{high, low1, low2}, got)
}

func TestDelayedJobNotReadyUntilDelayElapses(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := newFakeClock()
	q := newTestQueue(clock)

	_, err := q.Enqueue(ctx, "collect", nil, ingest.EnqueueOptions{Delay: 10 * time.Minute})
	require.NoError(t, err)

	job, err := q.Dequeue(ctx, "collect", "w1")
	require.NoError(t, err)
	require.Nil(t, job)

	clock.Advance(10 * time.Minute)
	job, err = q.Dequeue(ctx, "collect", "w1")
	require.NoError(t, err)
	require.NotNil(t, job)
}

func TestFailSchedulesRetryThenTerminal(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := newFakeClock()
	q := newTestQueue(clock)

	id, err := q.Enqueue(ctx, "collect", nil, ingest.EnqueueOptions{MaxAttempts: 3})
	require.NoError(t, err)

	handlerRuns := 0
	var lastReady time.Time
	for {
		job, err := q.Dequeue(ctx, "collect", "w1")
		require.NoError(t, err)
		if job == nil {
			stored, err := q.Job(ctx, id)
			require.NoError(t, err)
			if stored.State == ingest.JobStateFailed {
				break
			}
			// Backoff delays are non-decreasing between attempts.
			require.True(t, stored.ReadyAt.After(lastReady))
			lastReady = stored.ReadyAt
			clock.Advance(stored.ReadyAt.Sub(clock.Now()))
			continue
		}
		handlerRuns++
		require.NoError(t, q.Fail(ctx, job.ID, "w1", errors.New("upstream 500")))
	}

	require.Equal(t, 3, handlerRuns)
	stored, err := q.Job(ctx, id)
	require.NoError(t, err)
	require.Equal(t, ingest.JobStateFailed, stored.State)
	require.Equal(t, 3, stored.Attempts)
	require.Equal(t, "upstream 500", stored.LastError)
}

func TestReapStalledRequeuesWithoutChargingAttempt(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := newFakeClock()
	q := newTestQueue(clock)

	id, err := q.Enqueue(ctx, "collect", nil, ingest.EnqueueOptions{})
	require.NoError(t, err)

	_, err = q.Dequeue(ctx, "collect", "w1")
	require.NoError(t, err)

	// Lease still valid: nothing reaped.
	n, err := q.ReapStalled(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	clock.Advance(2 * time.Minute)
	n, err = q.ReapStalled(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	job, err := q.Job(ctx, id)
	require.NoError(t, err)
	require.Equal(t, ingest.JobStateWaiting, job.State)
	require.Zero(t, job.Attempts)
	require.Empty(t, job.LockOwner)

	// The stale owner can no longer ack the job.
	require.ErrorIs(t, q.Complete(ctx, id, "w1"), ingest.ErrLockLost)
}

func TestHeartbeatExtendsLeaseAndRejectsStrangers(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := newFakeClock()
	q := newTestQueue(clock)

	id, err := q.Enqueue(ctx, "collect", nil, ingest.EnqueueOptions{})
	require.NoError(t, err)
	_, err = q.Dequeue(ctx, "collect", "w1")
	require.NoError(t, err)

	clock.Advance(50 * time.Second)
	require.NoError(t, q.Heartbeat(ctx, id, "w1"))
	require.ErrorIs(t, q.Heartbeat(ctx, id, "w2"), ingest.ErrLockLost)

	// Without the heartbeat the lease would have expired at +60s.
	clock.Advance(50 * time.Second)
	n, err := q.ReapStalled(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestPauseStopsDequeue(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q := newTestQueue(newFakeClock())

	_, err := q.Enqueue(ctx, "collect", nil, ingest.EnqueueOptions{})
	require.NoError(t, err)

	require.NoError(t, q.Pause(ctx, "collect"))
	job, err := q.Dequeue(ctx, "collect", "w1")
	require.NoError(t, err)
	require.Nil(t, job)

	require.NoError(t, q.Resume(ctx, "collect"))
	job, err = q.Dequeue(ctx, "collect", "w1")
	require.NoError(t, err)
	require.NotNil(t, job)
	require.NoError(t, q.Complete(ctx, job.ID, "w1"))

	// Global pause wins over per-queue resume.
	_, err = q.Enqueue(ctx, "collect", nil, ingest.EnqueueOptions{})
	require.NoError(t, err)
	require.NoError(t, q.Pause(ctx, ""))
	job, err = q.Dequeue(ctx, "collect", "w1")
	require.NoError(t, err)
	require.Nil(t, job)
	require.NoError(t, q.Resume(ctx, ""))
}

func TestConcurrentDequeueNeverDoubleClaims(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q := newTestQueue(newFakeClock())

	const jobs = 200
	const workers = 16
	for range jobs {
		_, err := q.Enqueue(ctx, "collect", nil, ingest.EnqueueOptions{})
		require.NoError(t, err)
	}

	var mu sync.Mutex
	claims := make(map[string]int, jobs)
	var wg sync.WaitGroup
	for w := range workers {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			workerID := string(rune('a' + worker))
			for {
				job, err := q.Dequeue(ctx, "collect", workerID)
				require.NoError(t, err)
				if job == nil {
					return
				}
				mu.Lock()
				claims[job.ID]++
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()

	require.Len(t, claims, jobs)
	for id, n := range claims {
		require.Equal(t, 1, n, "job %s claimed %d times", id, n)
	}
}

func TestRetentionRingDiscardsOldestTerminalJobs(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q := New(Config{
		LeaseDuration: time.Minute,
		KeepCompleted: 2,
		KeepFailed:    1,
		Clock:         newFakeClock(),
	})

	var ids []string
	for range 4 {
		id, err := q.Enqueue(ctx, "collect", nil, ingest.EnqueueOptions{})
		require.NoError(t, err)
		job, err := q.Dequeue(ctx, "collect", "w1")
		require.NoError(t, err)
		require.NoError(t, q.Complete(ctx, job.ID, "w1"))
		ids = append(ids, id)
	}

	_, err := q.Job(ctx, ids[0])
	require.ErrorIs(t, err, ingest.ErrJobNotFound)
	_, err = q.Job(ctx, ids[1])
	require.ErrorIs(t, err, ingest.ErrJobNotFound)
	_, err = q.Job(ctx, ids[3])
	require.NoError(t, err)
}
