// Package webhook implements the rebuild trigger as an HTTP POST to a build
// hook (Vercel/Netlify style deploy hooks).
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// RebuildTrigger posts to a deploy hook URL when downstream content changed.
type RebuildTrigger struct {
	url    string
	client *http.Client
}

// New creates a RebuildTrigger. A nil client gets a sane default timeout.
func New(url string, client *http.Client) *RebuildTrigger {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &RebuildTrigger{url: url, client: client}
}

// Trigger fires the hook. Callers treat this as fire-and-forget: a failed
// rebuild never rolls back the job that requested it.
func (t *RebuildTrigger) Trigger(ctx context.Context, reason string) error {
	if t.url == "" {
		return fmt.Errorf("rebuild hook url is not configured")
	}
	body, err := json.Marshal(map[string]string{"reason": reason})
	if err != nil {
		return fmt.Errorf("marshal trigger body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build trigger request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("post rebuild hook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("rebuild hook returned %s", resp.Status)
	}
	return nil
}
