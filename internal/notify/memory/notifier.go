// Package memory contains in-memory notify implementations for tests.
package memory

import (
	"context"
	"sync"
)

// Notification captures one NotifyNewRecords call.
type Notification struct {
	ConnectionID string
	Count        int
}

// Notifier records notifications for inspection.
type Notifier struct {
	mu            sync.RWMutex
	notifications []Notification
}

// NewNotifier returns a memory Notifier.
func NewNotifier() *Notifier {
	return &Notifier{}
}

// NotifyNewRecords records the call.
func (n *Notifier) NotifyNewRecords(_ context.Context, connectionID string, count int) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notifications = append(n.notifications, Notification{ConnectionID: connectionID, Count: count})
	return nil
}

// Notifications returns the recorded calls.
func (n *Notifier) Notifications() []Notification {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]Notification, len(n.notifications))
	copy(out, n.notifications)
	return out
}

// RebuildTrigger records trigger reasons for inspection.
type RebuildTrigger struct {
	mu      sync.RWMutex
	reasons []string
}

// NewRebuildTrigger returns a memory RebuildTrigger.
func NewRebuildTrigger() *RebuildTrigger {
	return &RebuildTrigger{}
}

// Trigger records the call.
func (r *RebuildTrigger) Trigger(_ context.Context, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reasons = append(r.reasons, reason)
	return nil
}

// Reasons returns the recorded trigger reasons.
func (r *RebuildTrigger) Reasons() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.reasons))
	copy(out, r.reasons)
	return out
}
