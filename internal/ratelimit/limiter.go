// Package ratelimit spaces outbound platform calls so collectors stay inside
// third-party API budgets.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/kudoshq/ingestd/internal/metrics"
)

// Interval enforces a minimum gap between consecutive calls to one platform.
// Burst is pinned to 1 so two acquisitions can never land back to back.
type Interval struct {
	platform string
	limiter  *rate.Limiter
}

// NewInterval builds a limiter that releases one slot every interval.
func NewInterval(platform string, interval time.Duration) *Interval {
	if interval <= 0 {
		return &Interval{platform: platform, limiter: rate.NewLimiter(rate.Inf, 1)}
	}
	return &Interval{
		platform: platform,
		limiter:  rate.NewLimiter(rate.Every(interval), 1),
	}
}

// Acquire blocks until the next slot opens or ctx is done.
func (i *Interval) Acquire(ctx context.Context) error {
	start := time.Now()
	if err := i.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveRateLimitWait(i.platform, waited)
	}
	return nil
}

// Registry hands out one limiter per platform. All workers in a process share
// the same limiter for a platform, so concurrent jobs against it still respect
// the spacing.
type Registry struct {
	mu              sync.Mutex
	limiters        map[string]*Interval
	intervals       map[string]time.Duration
	defaultInterval time.Duration
}

// NewRegistry builds a registry with per-platform intervals and a fallback for
// platforms not listed.
func NewRegistry(intervals map[string]time.Duration, defaultInterval time.Duration) *Registry {
	if defaultInterval <= 0 {
		defaultInterval = time.Second
	}
	return &Registry{
		limiters:        make(map[string]*Interval),
		intervals:       intervals,
		defaultInterval: defaultInterval,
	}
}

// For returns the shared limiter for a platform, creating it on first use.
func (r *Registry) For(platform string) *Interval {
	r.mu.Lock()
	defer r.mu.Unlock()
	if lim, ok := r.limiters[platform]; ok {
		return lim
	}
	interval := r.defaultInterval
	if d, ok := r.intervals[platform]; ok && d > 0 {
		interval = d
	}
	lim := NewInterval(platform, interval)
	r.limiters[platform] = lim
	return lim
}
