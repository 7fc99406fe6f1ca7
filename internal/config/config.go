// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Collector CollectorConfig `mapstructure:"collector"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Rebuild   RebuildConfig   `mapstructure:"rebuild"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port           int `mapstructure:"port"`
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// DatabaseConfig controls the Postgres pool. An empty DSN selects the
// in-memory queue and stores, for development runs.
type DatabaseConfig struct {
	DSN             string `mapstructure:"dsn"`
	MaxConns        int32  `mapstructure:"max_conns"`
	MinConns        int32  `mapstructure:"min_conns"`
	ConnLifetimeMin int    `mapstructure:"conn_lifetime_minutes"`
}

// QueueConfig governs job leases, retries and retention.
type QueueConfig struct {
	LeaseSeconds       int `mapstructure:"lease_seconds"`
	DefaultMaxAttempts int `mapstructure:"default_max_attempts"`
	BackoffBaseSeconds int `mapstructure:"backoff_base_seconds"`
	BackoffFactor      int `mapstructure:"backoff_factor"`
	BackoffMaxSeconds  int `mapstructure:"backoff_max_seconds"`
	KeepCompleted      int `mapstructure:"keep_completed"`
	KeepFailed         int `mapstructure:"keep_failed"`
}

// WorkerConfig sizes the pull loops.
type WorkerConfig struct {
	CollectConcurrency int `mapstructure:"collect_concurrency"`
	ApproveConcurrency int `mapstructure:"approve_concurrency"`
	NotifyConcurrency  int `mapstructure:"notify_concurrency"`
	PollIntervalMS     int `mapstructure:"poll_interval_ms"`
	HeartbeatSeconds   int `mapstructure:"heartbeat_seconds"`
	ReapSeconds        int `mapstructure:"reap_seconds"`
	DrainGraceSeconds  int `mapstructure:"drain_grace_seconds"`
}

// CollectorConfig tunes outbound fetch behavior.
type CollectorConfig struct {
	// IntervalSeconds is the default minimum spacing between calls to one
	// platform; PlatformIntervals overrides it per platform key.
	IntervalSeconds   int            `mapstructure:"interval_seconds"`
	PlatformIntervals map[string]int `mapstructure:"platform_intervals"`
	RetryMaxAttempts  int            `mapstructure:"retry_max_attempts"`
	MaxPages          int            `mapstructure:"max_pages"`
}

// SchedulerConfig controls the collection sweep.
type SchedulerConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	Spec         string `mapstructure:"spec"`
	DefaultEvery string `mapstructure:"default_every"`
}

// PubSubConfig holds metadata for publish-subscribe notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// ArchiveConfig sets the GCS bucket for raw run payloads. Empty bucket
// disables archiving.
type ArchiveConfig struct {
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// RedisConfig enables the distributed rate limiter. Empty address keeps the
// in-process limiter.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// RebuildConfig points at the downstream deploy hook.
type RebuildConfig struct {
	HookURL string `mapstructure:"hook_url"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("INGESTD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.timeout_seconds", 60)
	v.SetDefault("queue.lease_seconds", 120)
	v.SetDefault("queue.default_max_attempts", 3)
	v.SetDefault("queue.backoff_base_seconds", 60)
	v.SetDefault("queue.backoff_factor", 5)
	v.SetDefault("queue.backoff_max_seconds", 900)
	v.SetDefault("queue.keep_completed", 100)
	v.SetDefault("queue.keep_failed", 50)
	v.SetDefault("worker.collect_concurrency", 4)
	v.SetDefault("worker.approve_concurrency", 1)
	v.SetDefault("worker.notify_concurrency", 2)
	v.SetDefault("worker.poll_interval_ms", 1000)
	v.SetDefault("worker.heartbeat_seconds", 20)
	v.SetDefault("worker.reap_seconds", 30)
	v.SetDefault("worker.drain_grace_seconds", 30)
	v.SetDefault("collector.interval_seconds", 2)
	v.SetDefault("collector.retry_max_attempts", 3)
	v.SetDefault("collector.max_pages", 10)
	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.spec", "*/5 * * * *")
	v.SetDefault("scheduler.default_every", "1h")
	v.SetDefault("archive.prefix", "runs")
	v.SetDefault("logging.development", false)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Queue.LeaseSeconds <= 0 {
		return fmt.Errorf("queue.lease_seconds must be > 0")
	}
	if c.Queue.DefaultMaxAttempts <= 0 {
		return fmt.Errorf("queue.default_max_attempts must be > 0")
	}
	if c.Worker.CollectConcurrency <= 0 {
		return fmt.Errorf("worker.collect_concurrency must be > 0")
	}
	if c.Worker.HeartbeatSeconds*2 > c.Queue.LeaseSeconds {
		return fmt.Errorf("worker.heartbeat_seconds must be at most half of queue.lease_seconds")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.PubSub.TopicName != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when pubsub.topic_name is set")
	}
	if _, err := time.ParseDuration(c.Scheduler.DefaultEvery); c.Scheduler.Enabled && err != nil {
		return fmt.Errorf("scheduler.default_every is not a duration: %w", err)
	}
	return nil
}

// Lease returns the queue lease duration.
func (c Config) Lease() time.Duration {
	return time.Duration(c.Queue.LeaseSeconds) * time.Second
}

// DefaultEvery returns the per-connection collection interval.
func (c Config) DefaultEvery() time.Duration {
	d, err := time.ParseDuration(c.Scheduler.DefaultEvery)
	if err != nil {
		return time.Hour
	}
	return d
}

// PlatformIntervals converts the per-platform spacing map to durations.
func (c Config) PlatformIntervals() map[string]time.Duration {
	out := make(map[string]time.Duration, len(c.Collector.PlatformIntervals))
	for platform, secs := range c.Collector.PlatformIntervals {
		out[platform] = time.Duration(secs) * time.Second
	}
	return out
}
