package collector

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/kudoshq/ingestd/internal/ingest"
)

const productHuntPlatform = "producthunt"

// ProductHunt collects comments left on the connected launch post, walking
// cursor pages until the API reports no more.
type ProductHunt struct {
	api      *apiClient
	baseURL  string
	limiter  ingest.Limiter
	retry    RetryPolicy
	hasher   ingest.Hasher
	maxPages int
}

// ProductHuntOptions configures the adapter.
type ProductHuntOptions struct {
	BaseURL    string
	HTTPClient *http.Client
	MaxPages   int
}

// NewProductHunt builds the adapter.
func NewProductHunt(limiter ingest.Limiter, retry RetryPolicy, hasher ingest.Hasher, opts ProductHuntOptions) *ProductHunt {
	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = "https://api.producthunt.com"
	}
	maxPages := opts.MaxPages
	if maxPages <= 0 {
		maxPages = 10
	}
	return &ProductHunt{
		api:      newAPIClient(productHuntPlatform, opts.HTTPClient),
		baseURL:  baseURL,
		limiter:  limiter,
		retry:    retry,
		hasher:   hasher,
		maxPages: maxPages,
	}
}

// Platform returns the registry key.
func (p *ProductHunt) Platform() string { return productHuntPlatform }

type productHuntResponse struct {
	Comments []struct {
		ID        string `json:"id"`
		Body      string `json:"body"`
		CreatedAt string `json:"created_at"`
		User      struct {
			Name     string `json:"name"`
			Username string `json:"username"`
			Headline string `json:"headline"`
			ImageURL string `json:"image_url"`
		} `json:"user"`
	} `json:"comments"`
	NextCursor string `json:"next_cursor"`
}

// Scrape fetches comment pages for the connection's post.
func (p *ProductHunt) Scrape(ctx context.Context, conn ingest.Connection) (ingest.ScrapeResult, error) {
	var result ingest.ScrapeResult

	token := conn.Credentials["developer_token"]
	if token == "" {
		return result, fmt.Errorf("%w: producthunt developer_token", ingest.ErrMissingCredential)
	}
	postID := conn.Credentials["post_id"]
	if postID == "" {
		return result, fmt.Errorf("%w: producthunt post_id", ingest.ErrMissingCredential)
	}

	headers := map[string]string{"Authorization": "Bearer " + token}
	cursor := ""
	for page := 0; page < p.maxPages; page++ {
		q := url.Values{}
		q.Set("per_page", "50")
		if cursor != "" {
			q.Set("cursor", cursor)
		}
		endpoint := fmt.Sprintf("%s/v1/posts/%s/comments?%s", p.baseURL, url.PathEscape(postID), q.Encode())

		var resp productHuntResponse
		err := p.retry.Run(ctx, p.limiter, func(ctx context.Context) error {
			resp = productHuntResponse{}
			return p.api.getJSON(ctx, endpoint, headers, &resp)
		})
		if err != nil {
			if ingest.IsAuthError(err) {
				return result, err
			}
			result.Errors = append(result.Errors, fmt.Sprintf("page %d: %v", page+1, err))
			return result, nil
		}

		for _, c := range resp.Comments {
			result.Records = append(result.Records, ingest.RawRecord{
				Source:           productHuntPlatform,
				SourceExternalID: externalID(p.hasher, c.ID, c.Body, c.User.Username),
				Text:             c.Body,
				AuthorName:       c.User.Name,
				AuthorHandle:     c.User.Username,
				AuthorTitle:      c.User.Headline,
				AvatarURL:        c.User.ImageURL,
				PostedAt:         parseTime(c.CreatedAt),
				Metadata:         map[string]string{"post_id": postID},
			})
		}

		cursor = resp.NextCursor
		if cursor == "" {
			break
		}
	}
	return result, nil
}
