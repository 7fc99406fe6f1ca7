package collector

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/kudoshq/ingestd/internal/ingest"
)

const linkedInPlatform = "linkedin"

const linkedInPageSize = 50

// LinkedIn collects comments left on the connected organization's posts,
// walking offset pages until the API reports the total is exhausted.
type LinkedIn struct {
	api      *apiClient
	baseURL  string
	limiter  ingest.Limiter
	retry    RetryPolicy
	hasher   ingest.Hasher
	maxPages int
}

// LinkedInOptions configures the adapter.
type LinkedInOptions struct {
	BaseURL    string
	HTTPClient *http.Client
	MaxPages   int
}

// NewLinkedIn builds the adapter.
func NewLinkedIn(limiter ingest.Limiter, retry RetryPolicy, hasher ingest.Hasher, opts LinkedInOptions) *LinkedIn {
	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = "https://api.linkedin.com"
	}
	maxPages := opts.MaxPages
	if maxPages <= 0 {
		maxPages = 10
	}
	return &LinkedIn{
		api:      newAPIClient(linkedInPlatform, opts.HTTPClient),
		baseURL:  baseURL,
		limiter:  limiter,
		retry:    retry,
		hasher:   hasher,
		maxPages: maxPages,
	}
}

// Platform returns the registry key.
func (l *LinkedIn) Platform() string { return linkedInPlatform }

type linkedInCommentsResponse struct {
	Elements []struct {
		ID      string `json:"id"`
		Message struct {
			Text string `json:"text"`
		} `json:"message"`
		Created struct {
			Time int64 `json:"time"`
		} `json:"created"`
		Actor struct {
			Name       string `json:"name"`
			VanityName string `json:"vanityName"`
			Headline   string `json:"headline"`
			PictureURL string `json:"pictureUrl"`
		} `json:"actor"`
	} `json:"elements"`
	Paging struct {
		Start int `json:"start"`
		Count int `json:"count"`
		Total int `json:"total"`
	} `json:"paging"`
}

// Scrape fetches comment pages for the connection's organization. A page
// failure after earlier successes is recorded and scraping stops with what
// was gathered; an auth failure surfaces immediately.
func (l *LinkedIn) Scrape(ctx context.Context, conn ingest.Connection) (ingest.ScrapeResult, error) {
	var result ingest.ScrapeResult

	token := conn.Credentials["access_token"]
	if token == "" {
		return result, fmt.Errorf("%w: linkedin access_token", ingest.ErrMissingCredential)
	}
	orgID := conn.Credentials["organization_id"]
	if orgID == "" {
		return result, fmt.Errorf("%w: linkedin organization_id", ingest.ErrMissingCredential)
	}

	headers := map[string]string{"Authorization": "Bearer " + token}
	start := 0
	for page := 0; page < l.maxPages; page++ {
		q := url.Values{}
		q.Set("start", strconv.Itoa(start))
		q.Set("count", strconv.Itoa(linkedInPageSize))
		endpoint := fmt.Sprintf("%s/v2/organizations/%s/comments?%s", l.baseURL, url.PathEscape(orgID), q.Encode())

		var resp linkedInCommentsResponse
		err := l.retry.Run(ctx, l.limiter, func(ctx context.Context) error {
			resp = linkedInCommentsResponse{}
			return l.api.getJSON(ctx, endpoint, headers, &resp)
		})
		if err != nil {
			if ingest.IsAuthError(err) {
				return result, err
			}
			result.Errors = append(result.Errors, fmt.Sprintf("page %d: %v", page+1, err))
			return result, nil
		}
		if len(resp.Elements) == 0 {
			break
		}

		for _, c := range resp.Elements {
			var postedAt *time.Time
			if c.Created.Time > 0 {
				ts := time.UnixMilli(c.Created.Time).UTC()
				postedAt = &ts
			}
			result.Records = append(result.Records, ingest.RawRecord{
				Source:           linkedInPlatform,
				SourceExternalID: externalID(l.hasher, c.ID, c.Message.Text, c.Actor.VanityName),
				Text:             c.Message.Text,
				AuthorName:       c.Actor.Name,
				AuthorHandle:     c.Actor.VanityName,
				AuthorTitle:      c.Actor.Headline,
				AvatarURL:        c.Actor.PictureURL,
				PostedAt:         postedAt,
				Metadata:         map[string]string{"organization_id": orgID},
			})
		}

		start += len(resp.Elements)
		if resp.Paging.Total > 0 && start >= resp.Paging.Total {
			break
		}
	}
	return result, nil
}
