package pipeline

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/agext/levenshtein"
	"github.com/rotisserie/eris"

	"github.com/sells-group/contact-dispatch/internal/model"
	"github.com/sells-group/contact-dispatch/internal/store"
)

// MatchStrategy names the dedup tier that produced a match.
type MatchStrategy string

const (
	MatchNone             MatchStrategy = "none"
	MatchEmail            MatchStrategy = "email"
	MatchUsernamePlatform MatchStrategy = "username_platform"
	MatchPhone            MatchStrategy = "phone"
	MatchFuzzyNameBio     MatchStrategy = "fuzzy_name_bio"
)

// Similarities reported by the exact-match tiers.
const (
	emailSimilarity            = 1.0
	usernamePlatformSimilarity = 0.95
	phoneSimilarity            = 0.90

	// DefaultFuzzyThreshold is the combined name+bio score a candidate must
	// exceed to count as a duplicate.
	DefaultFuzzyThreshold = 0.85

	fuzzyNameWeight = 0.7
	fuzzyBioWeight  = 0.3
)

// DedupResult is the outcome of a dedup check.
type DedupResult struct {
	IsDuplicate bool
	Existing    *model.Contact
	Similarity  float64
	Strategy    MatchStrategy
}

// Deduplicator looks for an existing contact of the same user that the
// incoming record describes.
type Deduplicator struct {
	contacts  store.ContactStore
	threshold float64
}

// NewDeduplicator returns a Deduplicator. A non-positive threshold selects
// DefaultFuzzyThreshold.
func NewDeduplicator(contacts store.ContactStore, threshold float64) *Deduplicator {
	if threshold <= 0 {
		threshold = DefaultFuzzyThreshold
	}
	return &Deduplicator{contacts: contacts, threshold: threshold}
}

// Check runs the match cascade, stopping at the first tier that hits:
// email, then (username, platform), then phone, then fuzzy name+bio.
//
// Fuzzy candidates come from the store ordered by (created_at, id); among
// equal best scores the first one in that order wins.
func (d *Deduplicator) Check(ctx context.Context, userID string, c model.CleanedContact) (*DedupResult, error) {
	if email, ok := c.Get(model.FieldEmail); ok {
		existing, err := d.contacts.FindByEmail(ctx, userID, email)
		if err != nil {
			return nil, eris.Wrap(err, "dedup: email lookup")
		}
		if existing != nil {
			return matched(existing, emailSimilarity, MatchEmail), nil
		}
	}

	username, hasUser := c.Get(model.FieldUsername)
	platform, hasPlatform := c.Get(model.FieldPlatform)
	if hasUser && hasPlatform {
		existing, err := d.contacts.FindByUsernamePlatform(ctx, userID, username, platform)
		if err != nil {
			return nil, eris.Wrap(err, "dedup: username lookup")
		}
		if existing != nil {
			return matched(existing, usernamePlatformSimilarity, MatchUsernamePlatform), nil
		}
	}

	if phone, ok := c.Get(model.FieldPhone); ok {
		existing, err := d.contacts.FindByPhone(ctx, userID, phone)
		if err != nil {
			return nil, eris.Wrap(err, "dedup: phone lookup")
		}
		if existing != nil {
			return matched(existing, phoneSimilarity, MatchPhone), nil
		}
	}

	name, hasName := c.Get(model.FieldName)
	bio, hasBio := c.Get(model.FieldBio)
	if hasName && hasBio {
		candidates, err := d.contacts.ListFuzzyCandidates(ctx, userID)
		if err != nil {
			return nil, eris.Wrap(err, "dedup: list fuzzy candidates")
		}
		var best *model.Contact
		bestScore := 0.0
		for i := range candidates {
			cn, okN := candidates[i].Get(model.FieldName)
			cb, okB := candidates[i].Get(model.FieldBio)
			if !okN || !okB {
				continue
			}
			score := fuzzyNameWeight*Similarity(name, cn) + fuzzyBioWeight*Similarity(bio, cb)
			if best == nil || score > bestScore {
				best = &candidates[i]
				bestScore = score
			}
		}
		if best != nil && bestScore > d.threshold {
			return matched(best, bestScore, MatchFuzzyNameBio), nil
		}
	}

	return &DedupResult{Strategy: MatchNone}, nil
}

func matched(c *model.Contact, similarity float64, s MatchStrategy) *DedupResult {
	return &DedupResult{IsDuplicate: true, Existing: c, Similarity: similarity, Strategy: s}
}

// Similarity is 1 - levenshtein(a, b) / max rune length, computed over
// lower-cased, whitespace-collapsed text. Two empty strings are identical.
func Similarity(a, b string) float64 {
	a = strings.ToLower(collapse(a))
	b = strings.ToLower(collapse(b))
	maxLen := max(utf8.RuneCountInString(a), utf8.RuneCountInString(b))
	if maxLen == 0 {
		return 1
	}
	dist := levenshtein.Distance(a, b, nil)
	return 1 - float64(dist)/float64(maxLen)
}
