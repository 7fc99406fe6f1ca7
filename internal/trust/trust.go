// Package trust decides whether a candidate testimonial looks like spam and
// scores how credible it appears. Rejection is a hard gate; the score is
// advisory metadata stored alongside accepted records.
package trust

import (
	"regexp"
	"strings"
	"time"
	"unicode"

	"github.com/kudoshq/ingestd/internal/ingest"
)

// Rejection reasons reported by ShouldReject.
const (
	ReasonAccountTooNew      = "account_too_new"
	ReasonFollowerRatio      = "follower_ratio"
	ReasonSpamBio            = "spam_bio"
	ReasonBotHandle          = "bot_handle"
	ReasonGenericName        = "generic_name"
	ReasonSpamKeywords       = "spam_keywords"
	ReasonTooManyLinks       = "too_many_links"
	ReasonRepeatedCharacters = "repeated_characters"
	ReasonExcessiveCaps      = "excessive_caps"
	ReasonTooManyEmoji       = "too_many_emoji"
	ReasonTooShort           = "too_short"
	ReasonTooManyHashtags    = "too_many_hashtags"
	ReasonCannedPhrase       = "canned_phrase"
	ReasonGenericPraise      = "generic_praise"
)

const minAccountAge = 30 * 24 * time.Hour

var spamKeywords = []string{
	"dm me", "free crypto", "click here", "buy now", "limited time",
	"act now", "giveaway", "follow back", "earn money", "work from home",
	"get rich", "nft drop", "airdrop", "promo code",
}

var bioSpamKeywords = []string{
	"crypto signals", "forex", "dm for promo", "onlyfans", "get rich",
	"investment opportunity", "guaranteed returns",
}

var botPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^bot[_-]?\d+$`),
	regexp.MustCompile(`(?i)^(user|test|account)\d{4,}$`),
	regexp.MustCompile(`(?i)^[a-z]+\d{8,}$`),
	regexp.MustCompile(`(?i)bot\d{3,}`),
}

var genericNames = map[string]bool{
	"user": true, "test": true, "admin": true, "anonymous": true,
	"unknown": true, "john doe": true, "jane doe": true,
}

var cannedPhrases = map[string]bool{
	"great product": true, "nice": true, "awesome": true, "love it": true,
	"amazing": true, "good": true, "cool": true, "highly recommend": true,
	"best app ever": true, "works great": true,
}

var praiseWords = map[string]bool{
	"great": true, "good": true, "nice": true, "awesome": true,
	"amazing": true, "love": true, "best": true, "cool": true,
	"excellent": true, "perfect": true, "wow": true, "fantastic": true,
}

var (
	linkPattern    = regexp.MustCompile(`https?://\S+`)
	hashtagPattern = regexp.MustCompile(`#\w+`)
)

// Verdict is the outcome of ShouldReject.
type Verdict struct {
	Reject bool
	Reason string
}

// ShouldReject evaluates account-spam, then content-spam, then
// generic-content heuristics. The first matching rule short-circuits with its
// reason.
func ShouldReject(text string, author ingest.Author) Verdict {
	if v := rejectAccount(author); v.Reject {
		return v
	}
	if v := rejectContent(text); v.Reject {
		return v
	}
	return rejectGeneric(text)
}

func rejectAccount(author ingest.Author) Verdict {
	if author.CreatedAt != nil && time.Since(*author.CreatedAt) < minAccountAge {
		return Verdict{Reject: true, Reason: ReasonAccountTooNew}
	}
	if author.Following > 1000 && author.Followers < 10 {
		return Verdict{Reject: true, Reason: ReasonFollowerRatio}
	}
	bio := strings.ToLower(author.Bio)
	for _, kw := range bioSpamKeywords {
		if strings.Contains(bio, kw) {
			return Verdict{Reject: true, Reason: ReasonSpamBio}
		}
	}
	for _, pattern := range botPatterns {
		if author.Handle != "" && pattern.MatchString(author.Handle) {
			return Verdict{Reject: true, Reason: ReasonBotHandle}
		}
		if author.Name != "" && pattern.MatchString(author.Name) {
			return Verdict{Reject: true, Reason: ReasonBotHandle}
		}
	}
	if genericNames[strings.ToLower(strings.TrimSpace(author.Name))] {
		return Verdict{Reject: true, Reason: ReasonGenericName}
	}
	return Verdict{}
}

func rejectContent(text string) Verdict {
	lower := strings.ToLower(text)
	for _, kw := range spamKeywords {
		if strings.Contains(lower, kw) {
			return Verdict{Reject: true, Reason: ReasonSpamKeywords}
		}
	}
	if len(linkPattern.FindAllString(text, -1)) > 2 {
		return Verdict{Reject: true, Reason: ReasonTooManyLinks}
	}
	if hasRepeatedRun(text, 5) {
		return Verdict{Reject: true, Reason: ReasonRepeatedCharacters}
	}
	if upper, letters := caseCounts(text); letters >= 20 && upper*2 > letters {
		return Verdict{Reject: true, Reason: ReasonExcessiveCaps}
	}
	if countEmoji(text) > 10 {
		return Verdict{Reject: true, Reason: ReasonTooManyEmoji}
	}
	if len([]rune(strings.TrimSpace(text))) < 10 {
		return Verdict{Reject: true, Reason: ReasonTooShort}
	}
	if len(hashtagPattern.FindAllString(text, -1)) > 5 {
		return Verdict{Reject: true, Reason: ReasonTooManyHashtags}
	}
	return Verdict{}
}

func rejectGeneric(text string) Verdict {
	normalized := strings.ToLower(strings.TrimSpace(strings.Trim(strings.TrimSpace(text), ".!?")))
	if cannedPhrases[normalized] {
		return Verdict{Reject: true, Reason: ReasonCannedPhrase}
	}
	words := strings.Fields(strings.ToLower(text))
	if len(words) > 0 && len(words) < 15 {
		praise := 0
		for _, w := range words {
			if praiseWords[strings.Trim(w, ".,!?")] {
				praise++
			}
		}
		if praise*10 >= len(words)*6 {
			return Verdict{Reject: true, Reason: ReasonGenericPraise}
		}
	}
	return Verdict{}
}

// Score rates a testimonial's credibility in [0, 1]. It starts at 1.0, adds
// account and length bonuses, subtracts content penalties, then clamps.
func Score(text string, author ingest.Author) float64 {
	score := 1.0

	if author.Verified {
		score += 0.2
	}
	if author.Followers > 100 {
		score += 0.1
	}
	if author.Followers > 1000 {
		score += 0.1
	}

	length := len([]rune(text))
	if length > 100 {
		score += 0.1
	}
	if length > 300 {
		score += 0.1
	}

	if v := rejectGeneric(text); v.Reject {
		score -= 0.3
	}
	lower := strings.ToLower(text)
	for _, kw := range spamKeywords {
		if strings.Contains(lower, kw) {
			score -= 0.5
			break
		}
	}
	score -= 0.1 * float64(len(linkPattern.FindAllString(text, -1)))

	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

// hasRepeatedRun reports whether text contains a run of at least n identical
// runes. RE2 has no backreferences, so this is a plain scan.
func hasRepeatedRun(text string, n int) bool {
	var prev rune
	run := 0
	for _, r := range text {
		if r == prev {
			run++
		} else {
			prev = r
			run = 1
		}
		if run >= n {
			return true
		}
	}
	return false
}

func caseCounts(text string) (upper, letters int) {
	for _, r := range text {
		if unicode.IsLetter(r) {
			letters++
			if unicode.IsUpper(r) {
				upper++
			}
		}
	}
	return upper, letters
}

func countEmoji(text string) int {
	n := 0
	for _, r := range text {
		switch {
		case r >= 0x1F300 && r <= 0x1FAFF:
			n++
		case r >= 0x2600 && r <= 0x27BF:
			n++
		}
	}
	return n
}
