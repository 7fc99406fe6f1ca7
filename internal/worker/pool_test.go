package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kudoshq/ingestd/internal/events"
	"github.com/kudoshq/ingestd/internal/ingest"
	queuememory "github.com/kudoshq/ingestd/internal/queue/memory"
)

type recordingSink struct {
	mu     sync.Mutex
	events []events.Event
}

func (s *recordingSink) Emit(evt events.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, evt)
}

func (s *recordingSink) kinds() []events.Kind {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]events.Kind, 0, len(s.events))
	for _, evt := range s.events {
		out = append(out, evt.Kind)
	}
	return out
}

func newPoolQueue(lease time.Duration, zeroBackoff bool) *queuememory.Queue {
	cfg := queuememory.Config{LeaseDuration: lease}
	if zeroBackoff {
		cfg.Backoff = func(int) time.Duration { return 0 }
	}
	return queuememory.New(cfg)
}

func TestPoolCompletesJob(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q := newPoolQueue(time.Minute, false)
	sink := &recordingSink{}
	pool := New(q, sink, Config{PollInterval: 10 * time.Millisecond}, zap.NewNop())

	var mu sync.Mutex
	var payloads []string
	pool.Register("collect", 2, func(_ context.Context, job ingest.Job) error {
		mu.Lock()
		payloads = append(payloads, string(job.Payload))
		mu.Unlock()
		return nil
	})

	id, err := q.Enqueue(ctx, "collect", []byte(`{"connection_id":"c1"}`), ingest.EnqueueOptions{})
	require.NoError(t, err)

	go pool.Run(ctx)

	require.Eventually(t, func() bool {
		job, err := q.Job(ctx, id)
		return err == nil && job.State == ingest.JobStateCompleted
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	require.Equal(t, []string{`{"connection_id":"c1"}`}, payloads)
	mu.Unlock()
	require.Contains(t, sink.kinds(), events.KindCompleted)
	cancel()
}

func TestPoolFailingHandlerReachesTerminalAfterMaxAttempts(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q := newPoolQueue(time.Minute, true)
	sink := &recordingSink{}
	pool := New(q, sink, Config{PollInterval: 5 * time.Millisecond}, zap.NewNop())

	var mu sync.Mutex
	invocations := 0
	pool.Register("collect", 1, func(context.Context, ingest.Job) error {
		mu.Lock()
		invocations++
		mu.Unlock()
		return errors.New("credential revoked")
	})

	id, err := q.Enqueue(ctx, "collect", nil, ingest.EnqueueOptions{MaxAttempts: 3})
	require.NoError(t, err)

	go pool.Run(ctx)

	require.Eventually(t, func() bool {
		job, err := q.Job(ctx, id)
		return err == nil && job.State == ingest.JobStateFailed
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	require.Equal(t, 3, invocations)
	mu.Unlock()

	job, err := q.Job(ctx, id)
	require.NoError(t, err)
	require.Equal(t, 3, job.Attempts)
	require.Equal(t, "credential revoked", job.LastError)

	kinds := sink.kinds()
	require.Contains(t, kinds, events.KindRetried)
	require.Contains(t, kinds, events.KindFailed)
	cancel()
}

func TestPoolRecoversHandlerPanic(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q := newPoolQueue(time.Minute, true)
	pool := New(q, nil, Config{PollInterval: 5 * time.Millisecond}, zap.NewNop())
	pool.Register("collect", 1, func(context.Context, ingest.Job) error {
		panic("boom")
	})

	id, err := q.Enqueue(ctx, "collect", nil, ingest.EnqueueOptions{MaxAttempts: 1})
	require.NoError(t, err)

	go pool.Run(ctx)

	require.Eventually(t, func() bool {
		job, err := q.Job(ctx, id)
		return err == nil && job.State == ingest.JobStateFailed
	}, 2*time.Second, 10*time.Millisecond)

	job, err := q.Job(ctx, id)
	require.NoError(t, err)
	require.Contains(t, job.LastError, "handler panic")
	cancel()
}

func TestPoolHeartbeatKeepsSlowJobAlive(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	lease := 150 * time.Millisecond
	q := newPoolQueue(lease, false)
	pool := New(q, nil, Config{
		PollInterval:      5 * time.Millisecond,
		HeartbeatInterval: 40 * time.Millisecond,
		LeaseDuration:     lease,
		ReapInterval:      50 * time.Millisecond,
	}, zap.NewNop())

	pool.Register("collect", 1, func(ctx context.Context, _ ingest.Job) error {
		select {
		case <-time.After(400 * time.Millisecond):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	id, err := q.Enqueue(ctx, "collect", nil, ingest.EnqueueOptions{MaxAttempts: 1})
	require.NoError(t, err)

	go pool.Run(ctx)

	require.Eventually(t, func() bool {
		job, err := q.Job(ctx, id)
		return err == nil && job.State == ingest.JobStateCompleted
	}, 3*time.Second, 20*time.Millisecond)
	cancel()
}

func TestPoolCancelsHandlerWhenLeaseNotRenewed(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	lease := 80 * time.Millisecond
	q := newPoolQueue(lease, true)
	pool := New(q, nil, Config{
		PollInterval:      5 * time.Millisecond,
		HeartbeatInterval: time.Hour, // never renews
		LeaseDuration:     lease,
	}, zap.NewNop())

	canceled := make(chan struct{})
	pool.Register("collect", 1, func(ctx context.Context, _ ingest.Job) error {
		<-ctx.Done()
		close(canceled)
		return ctx.Err()
	})

	_, err := q.Enqueue(ctx, "collect", nil, ingest.EnqueueOptions{MaxAttempts: 1})
	require.NoError(t, err)

	go pool.Run(ctx)

	select {
	case <-canceled:
	case <-time.After(2 * time.Second):
		t.Fatal("handler was not canceled after lease expiry")
	}
	cancel()
}

func TestPoolShutdownDrainsInFlightHandler(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())

	q := newPoolQueue(time.Minute, false)
	pool := New(q, nil, Config{
		PollInterval: 5 * time.Millisecond,
		DrainGrace:   time.Second,
	}, zap.NewNop())

	started := make(chan struct{})
	pool.Register("collect", 1, func(context.Context, ingest.Job) error {
		close(started)
		time.Sleep(100 * time.Millisecond)
		return nil
	})

	id, err := q.Enqueue(ctx, "collect", nil, ingest.EnqueueOptions{})
	require.NoError(t, err)

	runDone := make(chan struct{})
	go func() {
		pool.Run(ctx)
		close(runDone)
	}()

	<-started
	cancel()

	select {
	case <-runDone:
	case <-time.After(2 * time.Second):
		t.Fatal("pool did not shut down within grace window")
	}

	job, err := q.Job(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, ingest.JobStateCompleted, job.State)
}
