package sinks

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/kudoshq/ingestd/internal/events"
)

func TestPrometheusSinkCountsByQueueAndOutcome(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	now := time.Now().UTC()
	sink.Emit(events.Event{Kind: events.KindCompleted, JobID: "j1", Queue: "collect", TS: now})
	sink.Emit(events.Event{Kind: events.KindCompleted, JobID: "j2", Queue: "collect", TS: now})
	sink.Emit(events.Event{Kind: events.KindFailed, JobID: "j3", Queue: "notify", TS: now})

	require.Equal(t, float64(2), testutil.ToFloat64(sink.jobsTotal.WithLabelValues("collect", "completed")))
	require.Equal(t, float64(1), testutil.ToFloat64(sink.jobsTotal.WithLabelValues("notify", "failed")))
}
