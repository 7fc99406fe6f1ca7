package collector

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/kudoshq/ingestd/internal/ingest"
)

const twitterPlatform = "twitter"

// Twitter collects recent mentions of the connected handle via the v2 search
// API, following pagination tokens until the window is exhausted.
type Twitter struct {
	api      *apiClient
	baseURL  string
	limiter  ingest.Limiter
	retry    RetryPolicy
	hasher   ingest.Hasher
	maxPages int
}

// TwitterOptions configures the adapter. Zero values fall back to production
// defaults; tests point BaseURL at a local server.
type TwitterOptions struct {
	BaseURL    string
	HTTPClient *http.Client
	MaxPages   int
}

// NewTwitter builds the adapter.
func NewTwitter(limiter ingest.Limiter, retry RetryPolicy, hasher ingest.Hasher, opts TwitterOptions) *Twitter {
	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = "https://api.twitter.com"
	}
	maxPages := opts.MaxPages
	if maxPages <= 0 {
		maxPages = 10
	}
	return &Twitter{
		api:      newAPIClient(twitterPlatform, opts.HTTPClient),
		baseURL:  baseURL,
		limiter:  limiter,
		retry:    retry,
		hasher:   hasher,
		maxPages: maxPages,
	}
}

// Platform returns the registry key.
func (t *Twitter) Platform() string { return twitterPlatform }

type twitterUser struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	Username        string `json:"username"`
	ProfileImageURL string `json:"profile_image_url"`
}

type twitterSearchResponse struct {
	Data []struct {
		ID        string `json:"id"`
		Text      string `json:"text"`
		AuthorID  string `json:"author_id"`
		CreatedAt string `json:"created_at"`
	} `json:"data"`
	Includes struct {
		Users []twitterUser `json:"users"`
	} `json:"includes"`
	Meta struct {
		NextToken string `json:"next_token"`
	} `json:"meta"`
}

// Scrape fetches mention pages for the connection's handle. A page failure
// after earlier successes is recorded and scraping stops with what was
// gathered; an auth failure surfaces immediately.
func (t *Twitter) Scrape(ctx context.Context, conn ingest.Connection) (ingest.ScrapeResult, error) {
	var result ingest.ScrapeResult

	token := conn.Credentials["bearer_token"]
	if token == "" {
		return result, fmt.Errorf("%w: twitter bearer_token", ingest.ErrMissingCredential)
	}
	handle := conn.Credentials["handle"]
	if handle == "" {
		return result, fmt.Errorf("%w: twitter handle", ingest.ErrMissingCredential)
	}

	headers := map[string]string{"Authorization": "Bearer " + token}
	nextToken := ""
	for page := 0; page < t.maxPages; page++ {
		q := url.Values{}
		q.Set("query", "@"+handle+" -is:retweet")
		q.Set("tweet.fields", "created_at,author_id")
		q.Set("expansions", "author_id")
		q.Set("user.fields", "name,username,profile_image_url")
		if nextToken != "" {
			q.Set("next_token", nextToken)
		}
		endpoint := fmt.Sprintf("%s/2/tweets/search/recent?%s", t.baseURL, q.Encode())

		var resp twitterSearchResponse
		err := t.retry.Run(ctx, t.limiter, func(ctx context.Context) error {
			resp = twitterSearchResponse{}
			return t.api.getJSON(ctx, endpoint, headers, &resp)
		})
		if err != nil {
			if ingest.IsAuthError(err) {
				return result, err
			}
			result.Errors = append(result.Errors, fmt.Sprintf("page %d: %v", page+1, err))
			return result, nil
		}

		users := make(map[string]twitterUser, len(resp.Includes.Users))
		for _, u := range resp.Includes.Users {
			users[u.ID] = u
		}
		for _, tweet := range resp.Data {
			author := users[tweet.AuthorID]
			result.Records = append(result.Records, ingest.RawRecord{
				Source:           twitterPlatform,
				SourceExternalID: externalID(t.hasher, tweet.ID, tweet.Text, author.Username),
				Text:             tweet.Text,
				AuthorName:       author.Name,
				AuthorHandle:     author.Username,
				AvatarURL:        author.ProfileImageURL,
				PostedAt:         parseTime(tweet.CreatedAt),
				Metadata:         map[string]string{"tweet_id": tweet.ID},
			})
		}

		nextToken = resp.Meta.NextToken
		if nextToken == "" {
			break
		}
	}
	return result, nil
}
