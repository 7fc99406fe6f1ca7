package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/kudoshq/ingestd/internal/ingest"
)

// apiClient wraps upstream HTTP calls with the status-code taxonomy shared by
// all adapters: 401/403 is an auth failure, 429 and 5xx are transient,
// anything else non-2xx is a hard error.
type apiClient struct {
	platform string
	client   *http.Client
}

func newAPIClient(platform string, client *http.Client) *apiClient {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &apiClient{platform: platform, client: client}
}

func (c *apiClient) getJSON(ctx context.Context, url string, headers map[string]string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return &ingest.TransientError{Op: c.platform + " fetch", Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &ingest.AuthError{Platform: c.platform, Reason: resp.Status}
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return &ingest.TransientError{Op: c.platform + " fetch", Err: fmt.Errorf("upstream %s", resp.Status)}
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("%s fetch: unexpected status %s", c.platform, resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return &ingest.TransientError{Op: c.platform + " read body", Err: err}
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%s decode response: %w", c.platform, err)
	}
	return nil
}

// parseTime is tolerant of the timestamp shapes the platforms actually emit.
func parseTime(s string) *time.Time {
	if s == "" {
		return nil
	}
	for _, layout := range []string{time.RFC3339, time.RFC3339Nano, "2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}

// externalID falls back to a content digest when the platform item carries no
// stable identifier, keeping re-runs idempotent at the persistence layer.
func externalID(hasher ingest.Hasher, id, text, author string) string {
	if id != "" {
		return id
	}
	if hasher == nil {
		return ""
	}
	digest, err := hasher.Hash([]byte(text + "\x00" + author))
	if err != nil {
		return ""
	}
	return digest
}
