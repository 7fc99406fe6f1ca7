// Package main wires together the ingestion service binary.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	gcstorage "cloud.google.com/go/storage"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/kudoshq/ingestd/internal/api"
	archivegcs "github.com/kudoshq/ingestd/internal/archive/gcs"
	"github.com/kudoshq/ingestd/internal/backoff"
	"github.com/kudoshq/ingestd/internal/clock/system"
	"github.com/kudoshq/ingestd/internal/collector"
	"github.com/kudoshq/ingestd/internal/config"
	"github.com/kudoshq/ingestd/internal/events"
	"github.com/kudoshq/ingestd/internal/events/sinks"
	"github.com/kudoshq/ingestd/internal/hash/sha256"
	iduuid "github.com/kudoshq/ingestd/internal/id/uuid"
	"github.com/kudoshq/ingestd/internal/ingest"
	"github.com/kudoshq/ingestd/internal/logging"
	"github.com/kudoshq/ingestd/internal/metrics"
	notifypubsub "github.com/kudoshq/ingestd/internal/notify/pubsub"
	notifywebhook "github.com/kudoshq/ingestd/internal/notify/webhook"
	"github.com/kudoshq/ingestd/internal/pipeline"
	queuememory "github.com/kudoshq/ingestd/internal/queue/memory"
	queuepostgres "github.com/kudoshq/ingestd/internal/queue/postgres"
	"github.com/kudoshq/ingestd/internal/ratelimit"
	"github.com/kudoshq/ingestd/internal/scheduler"
	storagememory "github.com/kudoshq/ingestd/internal/storage/memory"
	storagepostgres "github.com/kudoshq/ingestd/internal/storage/postgres"
	"github.com/kudoshq/ingestd/internal/worker"
)

// connectionStore is what the pipeline and scheduler together need from the
// connections backend.
type connectionStore interface {
	ingest.ConnectionStore
	ActiveConnections(ctx context.Context) ([]ingest.Connection, error)
}

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.Init()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("service failed", zap.Error(err))
	}
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	var closers []func()
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}()

	queue, conns, records, queueClosers, err := buildStores(ctx, cfg)
	if err != nil {
		return err
	}
	closers = append(closers, queueClosers...)

	limiterFor, limiterClose, err := buildLimiters(cfg)
	if err != nil {
		return err
	}
	if limiterClose != nil {
		closers = append(closers, limiterClose)
	}

	collectors := buildCollectors(cfg, limiterFor)

	opts, optCloser, err := buildCollaborators(ctx, cfg)
	if err != nil {
		return err
	}
	if optCloser != nil {
		closers = append(closers, optCloser)
	}

	pl := pipeline.New(conns, records, collectors, opts, logger.Named("pipeline"))

	promSink, err := sinks.NewPrometheusSink(nil)
	if err != nil {
		return err
	}
	sink := events.Multi{sinks.NewLogSink(logger.Named("events")), promSink}

	pool := worker.New(queue, sink, worker.Config{
		PollInterval:      time.Duration(cfg.Worker.PollIntervalMS) * time.Millisecond,
		ReapInterval:      time.Duration(cfg.Worker.ReapSeconds) * time.Second,
		HeartbeatInterval: time.Duration(cfg.Worker.HeartbeatSeconds) * time.Second,
		LeaseDuration:     cfg.Lease(),
		DrainGrace:        time.Duration(cfg.Worker.DrainGraceSeconds) * time.Second,
	}, logger.Named("worker"))
	pool.Register(pipeline.QueueCollect, cfg.Worker.CollectConcurrency, pl.HandleCollection)
	pool.Register(pipeline.QueueApprove, cfg.Worker.ApproveConcurrency, pl.HandleApproval)
	pool.Register(pipeline.QueueNotify, cfg.Worker.NotifyConcurrency, pl.HandleNotification)

	if cfg.Scheduler.Enabled {
		sched := scheduler.New(queue, conns, scheduler.Config{
			Spec:         cfg.Scheduler.Spec,
			DefaultEvery: cfg.DefaultEvery(),
			MaxAttempts:  cfg.Queue.DefaultMaxAttempts,
		}, logger.Named("scheduler"))
		if err := sched.Start(ctx); err != nil {
			return err
		}
		closers = append(closers, sched.Stop)
	}

	apiCfg := api.Config{RequestTimeout: time.Duration(cfg.Server.TimeoutSeconds) * time.Second}
	if cfg.Auth.Enabled {
		apiCfg.APIKey = cfg.Auth.APIKey
	}
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           api.NewServer(queue, apiCfg, logger.Named("api")).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	httpErr := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErr <- err
		}
	}()

	poolDone := make(chan struct{})
	go func() {
		pool.Run(ctx)
		close(poolDone)
	}()

	select {
	case err := <-httpErr:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown failed", zap.Error(err))
	}
	<-poolDone
	return nil
}

// buildStores picks Postgres-backed queue and stores when a DSN is
// configured, in-memory ones otherwise.
func buildStores(ctx context.Context, cfg config.Config) (ingest.Queue, connectionStore, ingest.RecordStore, []func(), error) {
	clk := system.New()
	ids := iduuid.New()
	queueBackoff := backoff.Exponential(
		time.Duration(cfg.Queue.BackoffBaseSeconds)*time.Second,
		float64(cfg.Queue.BackoffFactor),
		time.Duration(cfg.Queue.BackoffMaxSeconds)*time.Second,
	)

	if cfg.Database.DSN == "" {
		queue := queuememory.New(queuememory.Config{
			LeaseDuration:      cfg.Lease(),
			DefaultMaxAttempts: cfg.Queue.DefaultMaxAttempts,
			KeepCompleted:      cfg.Queue.KeepCompleted,
			KeepFailed:         cfg.Queue.KeepFailed,
			Backoff:            queueBackoff,
			Clock:              clk,
			IDs:                ids,
		})
		return queue, storagememory.NewConnectionStore(), storagememory.NewRecordStore(), nil, nil
	}

	queue, err := queuepostgres.New(ctx, queuepostgres.Config{
		DSN:                cfg.Database.DSN,
		LeaseDuration:      cfg.Lease(),
		DefaultMaxAttempts: cfg.Queue.DefaultMaxAttempts,
		KeepCompleted:      cfg.Queue.KeepCompleted,
		KeepFailed:         cfg.Queue.KeepFailed,
		Backoff:            queueBackoff,
		Clock:              clk,
		IDs:                ids,
		MaxConns:           cfg.Database.MaxConns,
	})
	if err != nil {
		return nil, nil, nil, nil, err
	}
	if err := queue.EnsureSchema(ctx); err != nil {
		return nil, nil, nil, nil, err
	}

	storeCfg := storagepostgres.StoreConfig{
		DSN:             cfg.Database.DSN,
		MaxConns:        cfg.Database.MaxConns,
		MinConns:        cfg.Database.MinConns,
		MaxConnLifetime: time.Duration(cfg.Database.ConnLifetimeMin) * time.Minute,
	}
	records, err := storagepostgres.NewRecordStore(ctx, storeCfg)
	if err != nil {
		queue.Close()
		return nil, nil, nil, nil, err
	}
	if err := records.EnsureSchema(ctx); err != nil {
		records.Close()
		queue.Close()
		return nil, nil, nil, nil, err
	}
	conns, err := storagepostgres.NewConnectionStore(ctx, storeCfg)
	if err != nil {
		records.Close()
		queue.Close()
		return nil, nil, nil, nil, err
	}
	if err := conns.EnsureSchema(ctx); err != nil {
		conns.Close()
		records.Close()
		queue.Close()
		return nil, nil, nil, nil, err
	}
	return queue, conns, records, []func(){queue.Close, records.Close, conns.Close}, nil
}

// buildLimiters returns a per-platform limiter factory. With a Redis address
// configured the limiters coordinate across replicas; otherwise they are
// process-local.
func buildLimiters(cfg config.Config) (func(platform string) ingest.Limiter, func(), error) {
	defaultInterval := time.Duration(cfg.Collector.IntervalSeconds) * time.Second
	intervals := cfg.PlatformIntervals()

	if cfg.Redis.Addr == "" {
		registry := ratelimit.NewRegistry(intervals, defaultInterval)
		return func(platform string) ingest.Limiter {
			return registry.For(platform)
		}, nil, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	factory := func(platform string) ingest.Limiter {
		interval := defaultInterval
		if d, ok := intervals[platform]; ok {
			interval = d
		}
		return ratelimit.NewRedisLimiter(client, platform, interval)
	}
	return factory, func() { _ = client.Close() }, nil
}

func buildCollectors(cfg config.Config, limiterFor func(platform string) ingest.Limiter) *collector.Registry {
	retry := collector.RetryPolicy{
		MaxAttempts: cfg.Collector.RetryMaxAttempts,
		Schedule:    collector.DefaultSchedule,
	}
	hasher := sha256.New()

	registry := collector.NewRegistry()
	registry.Register(collector.NewTwitter(limiterFor("twitter"), retry, hasher,
		collector.TwitterOptions{MaxPages: cfg.Collector.MaxPages}))
	registry.Register(collector.NewLinkedIn(limiterFor("linkedin"), retry, hasher,
		collector.LinkedInOptions{MaxPages: cfg.Collector.MaxPages}))
	registry.Register(collector.NewProductHunt(limiterFor("producthunt"), retry, hasher,
		collector.ProductHuntOptions{MaxPages: cfg.Collector.MaxPages}))
	registry.Register(collector.NewG2(limiterFor("g2"), retry, hasher,
		collector.G2Options{MaxPages: cfg.Collector.MaxPages}))
	return registry
}

// buildCollaborators constructs the optional pipeline backends: Pub/Sub
// notifications, the GCS run archive, and the rebuild webhook.
func buildCollaborators(ctx context.Context, cfg config.Config) (pipeline.Options, func(), error) {
	var opts pipeline.Options
	var closeFns []func()

	if cfg.PubSub.TopicName != "" {
		client, err := pubsub.NewClient(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			return opts, nil, fmt.Errorf("pubsub client: %w", err)
		}
		topic := client.Topic(cfg.PubSub.TopicName)
		opts.Notifier = notifypubsub.New(topic)
		closeFns = append(closeFns, func() {
			topic.Stop()
			_ = client.Close()
		})
	}

	if cfg.Archive.GCSBucket != "" {
		client, err := gcstorage.NewClient(ctx)
		if err != nil {
			for _, fn := range closeFns {
				fn()
			}
			return opts, nil, fmt.Errorf("storage client: %w", err)
		}
		opts.Archive = archivegcs.New(client, cfg.Archive.GCSBucket, cfg.Archive.Prefix)
		closeFns = append(closeFns, func() { _ = client.Close() })
	}

	if cfg.Rebuild.HookURL != "" {
		opts.Rebuild = notifywebhook.New(cfg.Rebuild.HookURL, nil)
	}

	if len(closeFns) == 0 {
		return opts, nil, nil
	}
	return opts, func() {
		for i := len(closeFns) - 1; i >= 0; i-- {
			closeFns[i]()
		}
	}, nil
}
