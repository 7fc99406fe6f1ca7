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

func g2Conn() ingest.Connection {
	return ingest.Connection{
		ID:       "conn-2",
		Platform: "g2",
		Credentials: map[string]string{
			"api_key":    "key",
			"product_id": "kudos",
		},
	}
}

func TestG2ScrapeStopsOnEmptyPage(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Token token=key", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Query().Get("page") == "1" {
			fmt.Fprint(w, `{
				"reviews": [{
					"id": "r1",
					"title": "Saved our launch",
					"body": "We shipped testimonials in a day.",
					"rating": 4.5,
					"submitted_at": "2026-07-15T08:00:00Z",
					"reviewer": {"name": "Lin", "title": "CTO", "company": "Acme"}
				}]
			}`)
			return
		}
		fmt.Fprint(w, `{"reviews": []}`)
	}))
	defer srv.Close()

	g := NewG2(nopLimiter{}, singleAttempt(), sha256hash.New(), G2Options{BaseURL: srv.URL})
	result, err := g.Scrape(context.Background(), g2Conn())
	require.NoError(t, err)
	require.Len(t, result.Records, 1)

	rec := result.Records[0]
	require.Equal(t, "g2", rec.Source)
	require.Equal(t, "r1", rec.SourceExternalID)
	require.Contains(t, rec.Text, "Saved our launch")
	require.Contains(t, rec.Text, "We shipped testimonials in a day.")
	require.Equal(t, "Lin", rec.AuthorName)
	require.Equal(t, "CTO", rec.AuthorTitle)
	require.Equal(t, "Acme", rec.AuthorCompany)
	require.InDelta(t, 4.5, rec.Rating, 0.001)
}

func TestG2ScrapeMissingCredential(t *testing.T) {
	t.Parallel()

	g := NewG2(nopLimiter{}, singleAttempt(), sha256hash.New(), G2Options{BaseURL: "http://unused"})
	conn := g2Conn()
	conn.Credentials = map[string]string{"product_id": "kudos"}
	_, err := g.Scrape(context.Background(), conn)
	require.ErrorIs(t, err, ingest.ErrMissingCredential)
}
