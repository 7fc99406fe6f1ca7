package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kudoshq/ingestd/internal/metrics"
)

// RedisLimiter spaces calls across processes. A platform slot is a redis key
// written with SET NX PX; whoever sets it owns the next call, everyone else
// polls until the key expires.
type RedisLimiter struct {
	client   *redis.Client
	platform string
	interval time.Duration
	poll     time.Duration
}

// NewRedisLimiter builds a distributed limiter for one platform.
func NewRedisLimiter(client *redis.Client, platform string, interval time.Duration) *RedisLimiter {
	poll := interval / 10
	if poll < 10*time.Millisecond {
		poll = 10 * time.Millisecond
	}
	return &RedisLimiter{
		client:   client,
		platform: platform,
		interval: interval,
		poll:     poll,
	}
}

func (l *RedisLimiter) key() string {
	return fmt.Sprintf("ratelimit:slot:%s", l.platform)
}

// Acquire claims the next slot for the platform, blocking until the previous
// slot's TTL lapses or ctx is done.
func (l *RedisLimiter) Acquire(ctx context.Context) error {
	start := time.Now()
	ticker := time.NewTicker(l.poll)
	defer ticker.Stop()

	for {
		ok, err := l.client.SetNX(ctx, l.key(), "1", l.interval).Result()
		if err != nil {
			return fmt.Errorf("rate limit slot: %w", err)
		}
		if ok {
			if waited := time.Since(start); waited > time.Millisecond {
				metrics.ObserveRateLimitWait(l.platform, waited)
			}
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("rate limit wait: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}
