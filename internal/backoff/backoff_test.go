package backoff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestExponentialGrowsAndCaps(t *testing.T) {
	t.Parallel()

	f := Exponential(time.Minute, 5, 15*time.Minute)

	require.Equal(t, time.Minute, f(1))
	require.Equal(t, 5*time.Minute, f(2))
	require.Equal(t, 15*time.Minute, f(3))
	require.Equal(t, 15*time.Minute, f(10))
}

func TestExponentialNonDecreasing(t *testing.T) {
	t.Parallel()

	f := Exponential(250*time.Millisecond, 2, 5*time.Second)
	prev := time.Duration(0)
	for attempt := 1; attempt <= 8; attempt++ {
		d := f(attempt)
		require.GreaterOrEqual(t, d, prev)
		prev = d
	}
}

func TestScheduleClampsToLastEntry(t *testing.T) {
	t.Parallel()

	f := Schedule(time.Minute, 5*time.Minute, 15*time.Minute)

	require.Equal(t, time.Minute, f(1))
	require.Equal(t, 5*time.Minute, f(2))
	require.Equal(t, 15*time.Minute, f(3))
	require.Equal(t, 15*time.Minute, f(7))
}

func TestScheduleEmpty(t *testing.T) {
	t.Parallel()

	require.Equal(t, time.Duration(0), Schedule()(1))
}
