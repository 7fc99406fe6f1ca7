// Package metrics exposes Prometheus collectors for the ingestion service.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	recordsIngestedTotal *prometheus.CounterVec
	recordsRejectedTotal *prometheus.CounterVec
	recordsInvalidTotal  *prometheus.CounterVec
	rateLimitWaitSeconds *prometheus.HistogramVec
	collectorErrorsTotal *prometheus.CounterVec
	activeWorkers        prometheus.Gauge
	jobDurationSeconds   *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		recordsIngestedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingestd_records_ingested_total",
				Help: "Total records persisted, labeled by platform.",
			},
			[]string{"platform"},
		)

		recordsRejectedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingestd_records_rejected_total",
				Help: "Total records rejected by the trust filter, labeled by platform and reason.",
			},
			[]string{"platform", "reason"},
		)

		recordsInvalidTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingestd_records_invalid_total",
				Help: "Total records dropped by validation, labeled by platform.",
			},
			[]string{"platform"},
		)

		rateLimitWaitSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ingestd_rate_limit_wait_seconds",
				Help:    "Histogram of rate limit wait durations, labeled by platform.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"platform"},
		)

		collectorErrorsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingestd_collector_errors_total",
				Help: "Total partial-failure errors reported by collector runs, labeled by platform.",
			},
			[]string{"platform"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "ingestd_active_workers",
				Help: "Number of workers currently processing a job.",
			},
		)

		jobDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ingestd_job_duration_seconds",
				Help:    "Wall time per handler invocation, labeled by queue.",
				Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
			},
			[]string{"queue"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// AddRecordsIngested counts persisted records for a platform.
func AddRecordsIngested(platform string, n int) {
	if recordsIngestedTotal == nil || n <= 0 {
		return
	}
	recordsIngestedTotal.WithLabelValues(platform).Add(float64(n))
}

// AddRecordRejected counts a trust filter rejection.
func AddRecordRejected(platform, reason string) {
	if recordsRejectedTotal == nil {
		return
	}
	recordsRejectedTotal.WithLabelValues(platform, reason).Inc()
}

// AddRecordInvalid counts a validation drop.
func AddRecordInvalid(platform string) {
	if recordsInvalidTotal == nil {
		return
	}
	recordsInvalidTotal.WithLabelValues(platform).Inc()
}

// ObserveRateLimitWait records time spent waiting on the limiter.
func ObserveRateLimitWait(platform string, d time.Duration) {
	if rateLimitWaitSeconds == nil {
		return
	}
	rateLimitWaitSeconds.WithLabelValues(platform).Observe(d.Seconds())
}

// AddCollectorErrors counts partial-failure errors from a collector run.
func AddCollectorErrors(platform string, n int) {
	if collectorErrorsTotal == nil || n <= 0 {
		return
	}
	collectorErrorsTotal.WithLabelValues(platform).Add(float64(n))
}

// WorkerStarted marks a worker busy.
func WorkerStarted() {
	if activeWorkers != nil {
		activeWorkers.Inc()
	}
}

// WorkerFinished marks a worker idle.
func WorkerFinished() {
	if activeWorkers != nil {
		activeWorkers.Dec()
	}
}

// ObserveJobDuration records handler wall time for a queue.
func ObserveJobDuration(queue string, d time.Duration) {
	if jobDurationSeconds == nil {
		return
	}
	jobDurationSeconds.WithLabelValues(queue).Observe(d.Seconds())
}
