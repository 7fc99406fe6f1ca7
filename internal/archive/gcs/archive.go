// Package gcs archives raw collector payloads to a Google Cloud Storage
// bucket for audit and replay.
package gcs

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/storage"
)

// Archive writes one object per collector run.
type Archive struct {
	client *storage.Client
	bucket string
	prefix string
	now    func() time.Time
}

// New creates an Archive writing under gs://bucket/prefix.
func New(client *storage.Client, bucket, prefix string) *Archive {
	if prefix == "" {
		prefix = "runs"
	}
	return &Archive{client: client, bucket: bucket, prefix: prefix, now: time.Now}
}

// PutBatch stores the payload and returns its gs:// URI.
func (a *Archive) PutBatch(ctx context.Context, connectionID string, payload []byte) (string, error) {
	if a.client == nil || a.bucket == "" {
		return "", fmt.Errorf("archive bucket is not configured")
	}
	name := fmt.Sprintf("%s/%s/%s.json", a.prefix, connectionID, a.now().UTC().Format("20060102T150405.000000000Z"))

	w := a.client.Bucket(a.bucket).Object(name).NewWriter(ctx)
	w.ContentType = "application/json"
	if _, err := w.Write(payload); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("write archive object: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("finalize archive object: %w", err)
	}
	return fmt.Sprintf("gs://%s/%s", a.bucket, name), nil
}
