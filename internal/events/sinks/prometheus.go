package sinks

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kudoshq/ingestd/internal/events"
)

// PrometheusSink exports job lifecycle counters.
type PrometheusSink struct {
	jobsTotal *prometheus.CounterVec
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		jobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingestd_jobs_total",
			Help: "Job lifecycle events partitioned by queue and outcome.",
		}, []string{"queue", "outcome"}),
	}
	if err := reg.Register(s.jobsTotal); err != nil {
		return nil, fmt.Errorf("register jobs collector: %w", err)
	}
	return s, nil
}

// Emit counts the event.
func (s *PrometheusSink) Emit(evt events.Event) {
	s.jobsTotal.WithLabelValues(evt.Queue, string(evt.Kind)).Inc()
}
