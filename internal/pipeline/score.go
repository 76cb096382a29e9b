package pipeline

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/sells-group/contact-dispatch/internal/model"
)

// SourceUnknown is the reliability key used for empty or unlisted sources.
const SourceUnknown = "unknown"

// DefaultSourceReliability ranks how far each external source is trusted.
var DefaultSourceReliability = map[string]float64{
	"crm_export":      1.0,
	"manual_entry":    0.9,
	"api_integration": 0.85,
	"scraped_profile": 0.75,
	"csv_upload":      0.7,
	"bulk_import":     0.6,
	SourceUnknown:     0.5,
}

var disposableEmailMarkers = []string{
	"noreply", "no-reply", "donotreply", "do-not-reply",
	"mailinator.", "guerrillamail.", "10minutemail.", "tempmail.", "yopmail.", "trashmail.",
}

var socialDomains = []string{
	"instagram.com", "facebook.com", "twitter.com", "x.com", "linkedin.com",
	"tiktok.com", "youtube.com", "github.com", "threads.net", "pinterest.com",
	"snapchat.com", "reddit.com",
}

var knownPlatforms = map[string]bool{
	"instagram": true, "facebook": true, "twitter": true, "youtube": true,
	"linkedin": true, "tiktok": true, "github": true, "pinterest": true,
	"snapchat": true, "reddit": true, "threads": true, "telegram": true,
	"whatsapp": true,
}

// Scorer assigns per-field confidence to a cleaned contact.
type Scorer struct {
	reliability map[string]float64
}

// NewScorer returns a Scorer over the default reliability table with
// overrides applied. Override values are clamped to [0,1].
func NewScorer(overrides map[string]float64) *Scorer {
	r := make(map[string]float64, len(DefaultSourceReliability)+len(overrides))
	for k, v := range DefaultSourceReliability {
		r[k] = v
	}
	for k, v := range overrides {
		r[strings.ToLower(strings.TrimSpace(k))] = clamp01(v)
	}
	return &Scorer{reliability: r}
}

// Reliability returns the trust factor for source.
func (s *Scorer) Reliability(source string) float64 {
	if v, ok := s.reliability[strings.ToLower(strings.TrimSpace(source))]; ok {
		return v
	}
	return s.reliability[SourceUnknown]
}

// Score computes field scores for every present field and their weighted
// overall. Absent fields count in neither numerator nor denominator.
func (s *Scorer) Score(c model.CleanedContact, source string) model.ConfidenceScores {
	factor := s.Reliability(source)
	out := model.ConfidenceScores{Fields: make(map[model.CanonicalField]float64)}

	var num, den float64
	for _, f := range model.CanonicalFields {
		v, ok := c.Get(f)
		if !ok {
			continue
		}
		score := clamp01(fieldHeuristic(f, v) * factor)
		out.Fields[f] = score
		w := model.FieldWeights[f]
		num += w * score
		den += w
	}
	if den > 0 {
		out.Overall = clamp01(num / den)
	}
	return out
}

func fieldHeuristic(f model.CanonicalField, v string) float64 {
	switch f {
	case model.FieldName:
		return scoreName(v)
	case model.FieldEmail:
		return scoreEmail(v)
	case model.FieldUsername:
		return scoreUsername(v)
	case model.FieldPhone:
		return scorePhone(v)
	case model.FieldBio:
		return scoreBio(v)
	case model.FieldProfileURL:
		return scoreProfileURL(v)
	case model.FieldPlatform:
		return scorePlatform(v)
	case model.FieldLocation:
		return scoreLocation(v)
	default:
		return 0
	}
}

func scoreName(v string) float64 {
	score := 0.5
	if len(strings.Fields(v)) > 1 {
		score += 0.2
	}
	if n := utf8.RuneCountInString(v); n >= 3 && n <= 50 {
		score += 0.15
	}
	if !strings.ContainsFunc(v, unicode.IsDigit) {
		score += 0.15
	}
	return score
}

func scoreEmail(v string) float64 {
	score := 0.6
	disposable := false
	for _, m := range disposableEmailMarkers {
		if strings.Contains(v, m) {
			disposable = true
			break
		}
	}
	if !disposable {
		score += 0.2
	}
	if at := strings.LastIndex(v, "@"); at >= 0 && validDomain(v[at+1:]) {
		score += 0.2
	}
	return score
}

// validDomain checks for at least two non-empty labels without edge
// hyphens and an alphabetic TLD.
func validDomain(d string) bool {
	labels := strings.Split(d, ".")
	if len(labels) < 2 {
		return false
	}
	for _, l := range labels {
		if l == "" || strings.HasPrefix(l, "-") || strings.HasSuffix(l, "-") {
			return false
		}
	}
	tld := labels[len(labels)-1]
	if len(tld) < 2 {
		return false
	}
	return !strings.ContainsFunc(tld, func(r rune) bool { return !unicode.IsLetter(r) })
}

func scoreUsername(v string) float64 {
	score := 0.6
	if n := utf8.RuneCountInString(v); n >= 3 && n <= 30 {
		score += 0.2
	}
	if strings.ContainsFunc(v, unicode.IsLetter) {
		score += 0.2
	}
	return score
}

func scorePhone(v string) float64 {
	score := 0.5
	if strings.HasPrefix(v, "+") {
		score += 0.2
	}
	digits := nonDigits.ReplaceAllString(v, "")
	if len(digits) >= 11 {
		score += 0.2
	}
	if !strings.Contains(digits, "555") {
		score += 0.1
	}
	return score
}

func scoreBio(v string) float64 {
	score := 0.4
	n := utf8.RuneCountInString(v)
	if n >= 20 {
		score += 0.3
	}
	if n <= maxBioRunes {
		score += 0.2
	}
	if len(strings.Fields(v)) > 1 {
		score += 0.1
	}
	return score
}

func scoreProfileURL(v string) float64 {
	score := 0.5
	lv := strings.ToLower(v)
	if strings.HasPrefix(lv, "https://") {
		score += 0.2
	}
	host := lv
	if i := strings.Index(host, "://"); i >= 0 {
		host = host[i+3:]
	}
	if i := strings.IndexAny(host, "/?#"); i >= 0 {
		host = host[:i]
	}
	host = strings.TrimPrefix(host, "www.")
	for _, d := range socialDomains {
		if host == d || strings.HasSuffix(host, "."+d) {
			score += 0.3
			break
		}
	}
	return score
}

func scorePlatform(v string) float64 {
	if knownPlatforms[v] {
		return 1.0
	}
	return 0.5
}

func scoreLocation(v string) float64 {
	score := 0.5
	if strings.Contains(v, ",") {
		score += 0.3
	}
	if n := utf8.RuneCountInString(v); n >= 2 && n <= maxLocationRunes && strings.ContainsFunc(v, unicode.IsLetter) {
		score += 0.2
	}
	return score
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
