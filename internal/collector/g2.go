package collector

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/kudoshq/ingestd/internal/ingest"
)

const g2Platform = "g2"

// G2 collects product reviews, walking numbered pages until an empty page.
type G2 struct {
	api      *apiClient
	baseURL  string
	limiter  ingest.Limiter
	retry    RetryPolicy
	hasher   ingest.Hasher
	maxPages int
}

// G2Options configures the adapter.
type G2Options struct {
	BaseURL    string
	HTTPClient *http.Client
	MaxPages   int
}

// NewG2 builds the adapter.
func NewG2(limiter ingest.Limiter, retry RetryPolicy, hasher ingest.Hasher, opts G2Options) *G2 {
	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = "https://data.g2.com"
	}
	maxPages := opts.MaxPages
	if maxPages <= 0 {
		maxPages = 10
	}
	return &G2{
		api:      newAPIClient(g2Platform, opts.HTTPClient),
		baseURL:  baseURL,
		limiter:  limiter,
		retry:    retry,
		hasher:   hasher,
		maxPages: maxPages,
	}
}

// Platform returns the registry key.
func (g *G2) Platform() string { return g2Platform }

type g2Response struct {
	Reviews []struct {
		ID          string  `json:"id"`
		Title       string  `json:"title"`
		Body        string  `json:"body"`
		Rating      float64 `json:"rating"`
		SubmittedAt string  `json:"submitted_at"`
		Reviewer    struct {
			Name    string `json:"name"`
			Title   string `json:"title"`
			Company string `json:"company"`
		} `json:"reviewer"`
	} `json:"reviews"`
}

// Scrape fetches review pages for the connection's product.
func (g *G2) Scrape(ctx context.Context, conn ingest.Connection) (ingest.ScrapeResult, error) {
	var result ingest.ScrapeResult

	apiKey := conn.Credentials["api_key"]
	if apiKey == "" {
		return result, fmt.Errorf("%w: g2 api_key", ingest.ErrMissingCredential)
	}
	productID := conn.Credentials["product_id"]
	if productID == "" {
		return result, fmt.Errorf("%w: g2 product_id", ingest.ErrMissingCredential)
	}

	headers := map[string]string{"Authorization": "Token token=" + apiKey}
	for page := 1; page <= g.maxPages; page++ {
		q := url.Values{}
		q.Set("page", strconv.Itoa(page))
		q.Set("per_page", "25")
		endpoint := fmt.Sprintf("%s/api/v1/products/%s/reviews?%s", g.baseURL, url.PathEscape(productID), q.Encode())

		var resp g2Response
		err := g.retry.Run(ctx, g.limiter, func(ctx context.Context) error {
			resp = g2Response{}
			return g.api.getJSON(ctx, endpoint, headers, &resp)
		})
		if err != nil {
			if ingest.IsAuthError(err) {
				return result, err
			}
			result.Errors = append(result.Errors, fmt.Sprintf("page %d: %v", page, err))
			return result, nil
		}
		if len(resp.Reviews) == 0 {
			break
		}

		for _, rv := range resp.Reviews {
			text := rv.Body
			if rv.Title != "" {
				text = rv.Title + "\n\n" + rv.Body
			}
			result.Records = append(result.Records, ingest.RawRecord{
				Source:           g2Platform,
				SourceExternalID: externalID(g.hasher, rv.ID, rv.Body, rv.Reviewer.Name),
				Text:             text,
				AuthorName:       rv.Reviewer.Name,
				AuthorTitle:      rv.Reviewer.Title,
				AuthorCompany:    rv.Reviewer.Company,
				Rating:           rv.Rating,
				PostedAt:         parseTime(rv.SubmittedAt),
				Metadata:         map[string]string{"product_id": productID},
			})
		}
	}
	return result, nil
}
