// Package sinks provides event sink implementations for observability
// collaborators.
package sinks

import (
	"go.uber.org/zap"

	"github.com/kudoshq/ingestd/internal/events"
)

// LogSink emits structured logs for job lifecycle events.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Emit logs the event with structured fields.
func (s *LogSink) Emit(evt events.Event) {
	fields := []zap.Field{
		zap.String("job_id", evt.JobID),
		zap.String("queue", evt.Queue),
		zap.Time("ts", evt.TS),
	}
	if evt.Detail != "" {
		fields = append(fields, zap.String("detail", evt.Detail))
	}
	switch evt.Kind {
	case events.KindFailed:
		s.logger.Error("job failed", fields...)
	case events.KindStalled:
		s.logger.Warn("job stalled", fields...)
	default:
		s.logger.Info("job "+string(evt.Kind), fields...)
	}
}
