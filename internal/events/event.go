// Package events defines the observability events emitted by the worker pool
// and the sink interface observers implement. Events are informational only;
// they never affect job state transitions.
package events

import "time"

// Kind denotes the lifecycle milestone represented by an Event.
type Kind string

// Supported event kinds.
const (
	KindCompleted Kind = "completed"
	KindFailed    Kind = "failed"
	KindRetried   Kind = "retried"
	KindStalled   Kind = "stalled"
)

// Event captures a single job lifecycle milestone.
type Event struct {
	Kind   Kind
	JobID  string
	Queue  string
	Detail string
	TS     time.Time
}

// Sink consumes events. Implementations must not block the caller for long
// and may be invoked concurrently.
type Sink interface {
	Emit(evt Event)
}

// Nop discards all events.
type Nop struct{}

// Emit implements Sink.
func (Nop) Emit(Event) {}

// Multi fans one event out to several sinks.
type Multi []Sink

// Emit implements Sink.
func (m Multi) Emit(evt Event) {
	for _, s := range m {
		if s != nil {
			s.Emit(evt)
		}
	}
}
