package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestIntervalSpacesConsecutiveAcquires(t *testing.T) {
	t.Parallel()

	lim := NewInterval("twitter", 100*time.Millisecond)
	ctx := context.Background()

	require.NoError(t, lim.Acquire(ctx))

	start := time.Now()
	require.NoError(t, lim.Acquire(ctx))
	require.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
}

func TestIntervalHonorsContextCancellation(t *testing.T) {
	t.Parallel()

	lim := NewInterval("twitter", time.Hour)
	require.NoError(t, lim.Acquire(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.Error(t, lim.Acquire(ctx))
}

func TestRegistrySharesLimiterPerPlatform(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(map[string]time.Duration{"g2": 250 * time.Millisecond}, time.Second)

	require.Same(t, reg.For("g2"), reg.For("g2"))
	require.NotSame(t, reg.For("g2"), reg.For("twitter"))
}

func TestRegistryIndependentPlatforms(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(nil, time.Hour)
	ctx := context.Background()

	require.NoError(t, reg.For("twitter").Acquire(ctx))

	// A different platform must not be blocked by twitter's slot.
	start := time.Now()
	require.NoError(t, reg.For("producthunt").Acquire(ctx))
	require.Less(t, time.Since(start), 100*time.Millisecond)
}
