// Package worker implements the job execution loops over the queue.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kudoshq/ingestd/internal/events"
	"github.com/kudoshq/ingestd/internal/ingest"
	"github.com/kudoshq/ingestd/internal/metrics"
)

// Handler processes one job. The supplied context is canceled when the job's
// lease is about to expire or the pool shuts down; handlers must check it at
// I/O boundaries and stop promptly.
type Handler func(ctx context.Context, job ingest.Job) error

// Config controls Pool behavior.
type Config struct {
	// PollInterval is how long a loop sleeps when its queue is empty.
	PollInterval time.Duration
	// ReapInterval is how often expired leases are swept back to waiting.
	ReapInterval time.Duration
	// HeartbeatInterval is how often an in-flight job's lease is extended.
	// It must be comfortably below LeaseDuration.
	HeartbeatInterval time.Duration
	// LeaseDuration mirrors the queue's lease length; the pool cancels a
	// handler whose lease it can no longer renew.
	LeaseDuration time.Duration
	// DrainGrace bounds how long Shutdown waits for in-flight handlers.
	// Handlers that do not finish are abandoned; their lease expires and the
	// reaper requeues them on the next start.
	DrainGrace time.Duration
}

type registration struct {
	queue       string
	concurrency int
	handler     Handler
}

// Pool runs bounded per-queue pull loops against the job queue.
type Pool struct {
	queue  ingest.Queue
	sink   events.Sink
	logger *zap.Logger
	cfg    Config

	regs []registration

	mu      sync.Mutex
	pulling bool
	wg      sync.WaitGroup
}

// New constructs a Pool.
func New(queue ingest.Queue, sink events.Sink, cfg Config, logger *zap.Logger) *Pool {
	if sink == nil {
		sink = events.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = 30 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 20 * time.Second
	}
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = 2 * time.Minute
	}
	if cfg.DrainGrace <= 0 {
		cfg.DrainGrace = 30 * time.Second
	}
	return &Pool{
		queue:  queue,
		sink:   sink,
		logger: logger,
		cfg:    cfg,
	}
}

// Register adds concurrency pull loops for a queue. It must be called before
// Run.
func (p *Pool) Register(queue string, concurrency int, handler Handler) {
	if concurrency <= 0 {
		concurrency = 1
	}
	p.regs = append(p.regs, registration{queue: queue, concurrency: concurrency, handler: handler})
}

// Run starts all registered loops plus the stalled-job reaper and blocks
// until ctx is done, then drains in-flight handlers up to the grace window.
func (p *Pool) Run(ctx context.Context) {
	p.mu.Lock()
	p.pulling = true
	p.mu.Unlock()

	runCtx, cancelHandlers := context.WithCancel(context.Background())

	for _, reg := range p.regs {
		for i := 0; i < reg.concurrency; i++ {
			workerID := fmt.Sprintf("%s-%d", reg.queue, i)
			p.wg.Add(1)
			go func(reg registration, workerID string) {
				defer p.wg.Done()
				p.loop(ctx, runCtx, reg, workerID)
			}(reg, workerID)
		}
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.reapLoop(ctx)
	}()

	<-ctx.Done()

	// Stop pulling, then drain. Handlers that outlive the grace window are
	// abandoned; lease expiry makes that safe.
	p.mu.Lock()
	p.pulling = false
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(p.cfg.DrainGrace):
		p.logger.Warn("drain grace expired, abandoning in-flight handlers")
	}
	cancelHandlers()
}

func (p *Pool) loop(ctx context.Context, runCtx context.Context, reg registration, workerID string) {
	for {
		if ctx.Err() != nil || !p.isPulling() {
			return
		}
		job, err := p.queue.Dequeue(ctx, reg.queue, workerID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Error("dequeue failed", zap.String("queue", reg.queue), zap.Error(err))
			p.sleep(ctx, p.cfg.PollInterval)
			continue
		}
		if job == nil {
			p.sleep(ctx, p.cfg.PollInterval)
			continue
		}
		p.process(runCtx, reg.handler, *job, workerID)
	}
}

func (p *Pool) process(ctx context.Context, handler Handler, job ingest.Job, workerID string) {
	metrics.WorkerStarted()
	defer metrics.WorkerFinished()
	start := time.Now()

	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	hbDone := make(chan struct{})
	go p.heartbeat(jobCtx, cancel, job, workerID, hbDone)

	err := p.invoke(jobCtx, handler, job)
	close(hbDone)
	metrics.ObserveJobDuration(job.Queue, time.Since(start))

	if err == nil {
		if completeErr := p.queue.Complete(context.Background(), job.ID, workerID); completeErr != nil {
			p.logger.Error("complete failed",
				zap.String("job_id", job.ID), zap.Error(completeErr))
			return
		}
		p.emit(events.KindCompleted, job, "")
		return
	}

	if failErr := p.queue.Fail(context.Background(), job.ID, workerID, err); failErr != nil {
		p.logger.Error("fail transition failed",
			zap.String("job_id", job.ID), zap.Error(failErr))
		return
	}
	stored, lookupErr := p.queue.Job(context.Background(), job.ID)
	if lookupErr != nil || stored.State == ingest.JobStateFailed {
		p.emit(events.KindFailed, job, err.Error())
		p.logger.Error("job failed terminally",
			zap.String("job_id", job.ID),
			zap.String("queue", job.Queue),
			zap.Int("attempts", job.Attempts+1),
			zap.Error(err),
		)
		return
	}
	p.emit(events.KindRetried, job, err.Error())
	p.logger.Warn("job scheduled for retry",
		zap.String("job_id", job.ID),
		zap.String("queue", job.Queue),
		zap.Time("ready_at", stored.ReadyAt),
		zap.Error(err),
	)
}

// invoke runs the handler, converting panics into errors so no handler can
// crash the worker process.
func (p *Pool) invoke(ctx context.Context, handler Handler, job ingest.Job) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panic: %v", rec)
			p.logger.Error("handler panic recovered",
				zap.String("job_id", job.ID), zap.Any("panic", rec))
		}
	}()
	return handler(ctx, job)
}

// heartbeat extends the lease while the handler runs. A heartbeat failure or
// an unrenewed lease cancels the handler: another worker may already own the
// job.
func (p *Pool) heartbeat(ctx context.Context, cancel context.CancelFunc, job ingest.Job, workerID string, done <-chan struct{}) {
	ticker := time.NewTicker(p.cfg.HeartbeatInterval)
	defer ticker.Stop()

	lease := time.NewTimer(p.cfg.LeaseDuration)
	if job.LockExpiresAt != nil {
		lease.Reset(time.Until(*job.LockExpiresAt))
	}
	defer lease.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-lease.C:
			p.logger.Warn("lease expired, canceling handler", zap.String("job_id", job.ID))
			cancel()
			return
		case <-ticker.C:
			if err := p.queue.Heartbeat(ctx, job.ID, workerID); err != nil {
				p.logger.Warn("heartbeat failed, canceling handler",
					zap.String("job_id", job.ID), zap.Error(err))
				cancel()
				return
			}
			lease.Reset(p.cfg.LeaseDuration)
		}
	}
}

func (p *Pool) reapLoop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.queue.ReapStalled(ctx)
			if err != nil {
				if ctx.Err() == nil {
					p.logger.Error("reap stalled failed", zap.Error(err))
				}
				continue
			}
			if n > 0 {
				p.logger.Warn("requeued stalled jobs", zap.Int("count", n))
				p.emit(events.KindStalled, ingest.Job{}, fmt.Sprintf("%d jobs requeued", n))
			}
		}
	}
}

func (p *Pool) emit(kind events.Kind, job ingest.Job, detail string) {
	p.sink.Emit(events.Event{
		Kind:   kind,
		JobID:  job.ID,
		Queue:  job.Queue,
		Detail: detail,
		TS:     time.Now().UTC(),
	})
}

func (p *Pool) isPulling() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pulling
}

func (p *Pool) sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
