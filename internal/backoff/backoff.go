// Package backoff provides retry delay schedules shared by the queue and the
// collector retry wrapper.
package backoff

import (
	"math"
	"time"
)

// Func maps a failed attempt count to the delay before the next attempt.
// Attempt 1 is the first failure.
type Func func(attempt int) time.Duration

// Exponential returns a schedule of base * factor^(attempt-1), capped at max.
// Spacing grows between retries so re-attempts against rate-limited upstreams
// never arrive as a herd.
func Exponential(base time.Duration, factor float64, max time.Duration) Func {
	if base <= 0 {
		base = time.Minute
	}
	if factor < 1 {
		factor = 2
	}
	if max < base {
		max = base
	}
	return func(attempt int) time.Duration {
		if attempt < 1 {
			attempt = 1
		}
		d := float64(base) * math.Pow(factor, float64(attempt-1))
		if d > float64(max) {
			return max
		}
		return time.Duration(d)
	}
}

// Schedule returns a fixed schedule clamped to its last entry, so attempts
// beyond the schedule length reuse the final delay.
func Schedule(steps ...time.Duration) Func {
	return func(attempt int) time.Duration {
		if len(steps) == 0 {
			return 0
		}
		if attempt < 1 {
			attempt = 1
		}
		if attempt > len(steps) {
			return steps[len(steps)-1]
		}
		return steps[attempt-1]
	}
}
