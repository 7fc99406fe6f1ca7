package collector

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	sha256hash "github.com/kudoshq/ingestd/internal/hash/sha256"
	"github.com/kudoshq/ingestd/internal/ingest"
)

func productHuntConn() ingest.Connection {
	return ingest.Connection{
		ID:       "conn-3",
		Platform: "producthunt",
		Credentials: map[string]string{
			"developer_token": "tok",
			"post_id":         "kudos-launch",
		},
	}
}

func TestProductHuntScrapeFollowsCursor(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Query().Get("cursor") == "" {
			fmt.Fprint(w, `{
				"comments": [{
					"id": "c1",
					"body": "Congrats on the launch, already using it",
					"created_at": "2026-06-02T12:00:00Z",
					"user": {"name": "Sam", "username": "sam", "headline": "Indie hacker", "image_url": "https://img/s.png"}
				}],
				"next_cursor": "abc"
			}`)
			return
		}
		fmt.Fprint(w, `{"comments": [{"id": "c2", "body": "Works great", "user": {"name": "Kay", "username": "kay"}}]}`)
	}))
	defer srv.Close()

	ph := NewProductHunt(nopLimiter{}, singleAttempt(), sha256hash.New(), ProductHuntOptions{BaseURL: srv.URL})
	result, err := ph.Scrape(context.Background(), productHuntConn())
	require.NoError(t, err)
	require.Len(t, result.Records, 2)

	rec := result.Records[0]
	require.Equal(t, "producthunt", rec.Source)
	require.Equal(t, "c1", rec.SourceExternalID)
	require.Equal(t, "Sam", rec.AuthorName)
	require.Equal(t, "Indie hacker", rec.AuthorTitle)
	require.Equal(t, "kudos-launch", rec.Metadata["post_id"])
}

func TestProductHuntScrapeMissingCredential(t *testing.T) {
	t.Parallel()

	ph := NewProductHunt(nopLimiter{}, singleAttempt(), sha256hash.New(), ProductHuntOptions{BaseURL: "http://unused"})
	conn := productHuntConn()
	conn.Credentials = map[string]string{"developer_token": "tok"}
	_, err := ph.Scrape(context.Background(), conn)
	require.ErrorIs(t, err, ingest.ErrMissingCredential)
}
