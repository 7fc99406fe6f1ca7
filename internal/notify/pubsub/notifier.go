// Package pubsub implements the new-records notifier on Google Cloud Pub/Sub.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub"
)

// Notifier publishes a message per completed collection run that ingested at
// least one record. Downstream consumers (dashboard, email digests) subscribe
// to the topic.
type Notifier struct {
	topic *pubsub.Topic
}

// New creates a Notifier for the provided topic.
func New(topic *pubsub.Topic) *Notifier {
	return &Notifier{topic: topic}
}

type newRecordsEvent struct {
	ConnectionID string    `json:"connection_id"`
	Count        int       `json:"count"`
	OccurredAt   time.Time `json:"occurred_at"`
}

// NotifyNewRecords publishes the event and waits for the server ack.
func (n *Notifier) NotifyNewRecords(ctx context.Context, connectionID string, count int) error {
	if n.topic == nil {
		return fmt.Errorf("pubsub topic is not configured")
	}
	data, err := json.Marshal(newRecordsEvent{
		ConnectionID: connectionID,
		Count:        count,
		OccurredAt:   time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	result := n.topic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: map[string]string{"event": "records.ingested"},
	})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish new records event: %w", err)
	}
	return nil
}
