// Package collector holds the platform adapter contract, its registry, and
// the retry wrapper adapters use around upstream fetches.
package collector

import (
	"context"
	"errors"
	"time"

	"github.com/kudoshq/ingestd/internal/backoff"
	"github.com/kudoshq/ingestd/internal/ingest"
)

// DefaultSchedule is the fetch-level backoff ladder. It is deliberately much
// shorter-fused than the queue's job-level backoff: this layer absorbs
// transient network and anti-bot hiccups inside a single job attempt.
var DefaultSchedule = []time.Duration{time.Minute, 5 * time.Minute, 15 * time.Minute}

// RetryPolicy re-invokes an operation with bounded attempts and a fixed
// backoff schedule, acquiring a rate limit slot before every attempt
// including the first.
type RetryPolicy struct {
	MaxAttempts int
	Schedule    []time.Duration

	// Sleep is swapped out in tests. Nil means a context-aware sleep.
	Sleep func(ctx context.Context, d time.Duration) error
}

// NewRetryPolicy builds a policy with the default 3-attempt ladder.
func NewRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, Schedule: DefaultSchedule}
}

// Run executes op up to MaxAttempts times. Attempt n sleeps Schedule[n-1]
// (clamped to the last entry) before re-invoking. Auth failures and context
// errors are returned immediately; everything else is considered transient at
// this layer. The last error is returned once attempts are exhausted.
func (p RetryPolicy) Run(ctx context.Context, limiter ingest.Limiter, op func(ctx context.Context) error) error {
	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	wait := backoff.Schedule(p.Schedule...)
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if limiter != nil {
			if err := limiter.Acquire(ctx); err != nil {
				return err
			}
		}
		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if ingest.IsAuthError(lastErr) {
			return lastErr
		}
		if errors.Is(lastErr, context.Canceled) || errors.Is(lastErr, context.DeadlineExceeded) {
			return lastErr
		}
		if attempt == maxAttempts {
			break
		}
		if err := sleep(ctx, wait(attempt)); err != nil {
			return err
		}
	}
	return lastErr
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
