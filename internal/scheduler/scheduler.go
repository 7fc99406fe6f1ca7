// Package scheduler enqueues collection jobs for due connections on a cron
// cadence. The dedup key keeps a connection from piling up jobs when a run
// takes longer than the cadence.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/kudoshq/ingestd/internal/ingest"
	"github.com/kudoshq/ingestd/internal/pipeline"
)

// ConnectionLister yields the connections eligible for scheduled collection.
type ConnectionLister interface {
	ActiveConnections(ctx context.Context) ([]ingest.Connection, error)
}

// Config controls scheduling behavior.
type Config struct {
	// Spec is the cron expression for the sweep. Defaults to every 5 minutes.
	Spec string
	// DefaultEvery is the per-connection collection interval used when the
	// connection does not set its own.
	DefaultEvery time.Duration
	// MaxAttempts for the enqueued collection jobs.
	MaxAttempts int
}

// Scheduler sweeps connections and enqueues collect jobs for the due ones.
type Scheduler struct {
	queue  ingest.Queue
	conns  ConnectionLister
	cfg    Config
	cron   *cron.Cron
	logger *zap.Logger
}

// New constructs a Scheduler.
func New(queue ingest.Queue, conns ConnectionLister, cfg Config, logger *zap.Logger) *Scheduler {
	if cfg.Spec == "" {
		cfg.Spec = "*/5 * * * *"
	}
	if cfg.DefaultEvery <= 0 {
		cfg.DefaultEvery = time.Hour
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		queue:  queue,
		conns:  conns,
		cfg:    cfg,
		cron:   cron.New(),
		logger: logger,
	}
}

// Start registers the sweep and starts the cron runner.
func (s *Scheduler) Start(ctx context.Context) error {
	_, err := s.cron.AddFunc(s.cfg.Spec, func() {
		if n, err := s.RunOnce(ctx); err != nil {
			s.logger.Error("scheduled sweep failed", zap.Error(err))
		} else if n > 0 {
			s.logger.Info("scheduled collection jobs", zap.Int("enqueued", n))
		}
	})
	if err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// Stop halts the cron runner and waits for a running sweep to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// RunOnce performs one sweep and returns how many jobs were enqueued.
func (s *Scheduler) RunOnce(ctx context.Context) (int, error) {
	conns, err := s.conns.ActiveConnections(ctx)
	if err != nil {
		return 0, err
	}

	enqueued := 0
	for _, conn := range conns {
		if !s.due(conn) {
			continue
		}
		payload, err := json.Marshal(pipeline.CollectionPayload{ConnectionID: conn.ID})
		if err != nil {
			return enqueued, err
		}
		_, err = s.queue.Enqueue(ctx, pipeline.QueueCollect, payload, ingest.EnqueueOptions{
			DedupKey:    "collect:" + conn.ID,
			MaxAttempts: s.cfg.MaxAttempts,
		})
		if errors.Is(err, ingest.ErrDuplicateJob) {
			s.logger.Debug("collection already queued", zap.String("connection_id", conn.ID))
			continue
		}
		if err != nil {
			return enqueued, err
		}
		enqueued++
	}
	return enqueued, nil
}

// due reports whether the connection's collection interval has elapsed.
func (s *Scheduler) due(conn ingest.Connection) bool {
	if conn.LastRunAt == nil {
		return true
	}
	every := s.cfg.DefaultEvery
	if conn.ScheduleEvery != "" {
		if d, err := time.ParseDuration(conn.ScheduleEvery); err == nil && d > 0 {
			every = d
		}
	}
	return time.Since(*conn.LastRunAt) >= every
}
