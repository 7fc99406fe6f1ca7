// Package sanitize cleans collector output and validates it before the trust
// filter sees it. Sanitization and validation are independent steps; the batch
// helper applies them in that order.
package sanitize

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	kgsanitize "github.com/kennygrant/sanitize"

	"github.com/kudoshq/ingestd/internal/ingest"
)

// Limits on free-text fields.
const (
	MaxTextLength       = 10000
	MaxAuthorNameLength = 255
	MinAuthorNameLength = 2
)

var validSources = map[string]bool{
	"twitter":     true,
	"linkedin":    true,
	"g2":          true,
	"producthunt": true,
}

// Clean strips markup and script content from the record's free-text fields
// and normalizes their whitespace. The input is not mutated.
func Clean(rec ingest.RawRecord) ingest.RawRecord {
	rec.Text = cleanText(rec.Text)
	rec.AuthorName = cleanText(rec.AuthorName)
	rec.AuthorHandle = cleanText(rec.AuthorHandle)
	rec.AuthorTitle = cleanText(rec.AuthorTitle)
	rec.AuthorCompany = cleanText(rec.AuthorCompany)
	return rec
}

// scriptBlocks matches script/style elements whose text content must go with
// the tags, not just the tags themselves.
var scriptBlocks = regexp.MustCompile(`(?is)<(script|style)\b[^>]*>.*?</(script|style)>`)

func cleanText(s string) string {
	if s == "" {
		return ""
	}
	s = scriptBlocks.ReplaceAllString(s, " ")
	return strings.Join(strings.Fields(kgsanitize.HTML(s)), " ")
}

// Validate checks a record against the field requirements. It returns all
// failures, not just the first.
func Validate(rec ingest.RawRecord) []string {
	var errs []string

	if rec.Source == "" {
		errs = append(errs, "source is required")
	} else if !validSources[rec.Source] {
		errs = append(errs, fmt.Sprintf("unknown source %q", rec.Source))
	}
	if rec.SourceExternalID == "" {
		errs = append(errs, "source external id is required")
	}

	if rec.Text == "" {
		errs = append(errs, "text is required")
	} else if len(rec.Text) > MaxTextLength {
		errs = append(errs, fmt.Sprintf("text exceeds %d characters", MaxTextLength))
	}

	switch n := len(rec.AuthorName); {
	case n == 0:
		errs = append(errs, "author name is required")
	case n < MinAuthorNameLength:
		errs = append(errs, fmt.Sprintf("author name shorter than %d characters", MinAuthorNameLength))
	case n > MaxAuthorNameLength:
		errs = append(errs, fmt.Sprintf("author name exceeds %d characters", MaxAuthorNameLength))
	}

	if rec.AvatarURL != "" {
		if u, err := url.Parse(rec.AvatarURL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, "avatar url is not a valid absolute url")
		}
	}

	if rec.PostedAt != nil {
		if rec.PostedAt.IsZero() {
			errs = append(errs, "posted at is not a valid timestamp")
		} else if rec.PostedAt.After(time.Now().Add(24 * time.Hour)) {
			errs = append(errs, "posted at is in the future")
		}
	}

	if rec.Rating < 0 || rec.Rating > 5 {
		errs = append(errs, "rating outside [0, 5]")
	}

	return errs
}

// Invalid pairs a dropped record with the reasons it was dropped.
type Invalid struct {
	Record ingest.RawRecord
	Errors []string
}

// Batch applies Clean then Validate to each record independently and
// partitions the input. One malformed record never blocks the rest.
func Batch(records []ingest.RawRecord) (valid []ingest.RawRecord, invalid []Invalid) {
	for _, rec := range records {
		cleaned := Clean(rec)
		if errs := Validate(cleaned); len(errs) > 0 {
			invalid = append(invalid, Invalid{Record: cleaned, Errors: errs})
			continue
		}
		valid = append(valid, cleaned)
	}
	return valid, invalid
}
