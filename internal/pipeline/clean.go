package pipeline

import (
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/sells-group/contact-dispatch/internal/model"
)

const (
	maxBioRunes      = 500
	maxLocationRunes = 100
	minPhoneDigits   = 10
)

var (
	nameDisallowed     = regexp.MustCompile(`[^\p{L}\p{N}_\s\-'.]`)
	usernameDisallowed = regexp.MustCompile(`[^\p{L}\p{N}_\-.]`)
	bioDisallowed      = regexp.MustCompile(`[^\p{L}\p{N}\s.,;:!?'"()\[\]&@#%+/*_~$\-]`)
	emailShape         = regexp.MustCompile(`^[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}$`)
	nonDigits          = regexp.MustCompile(`\D`)
)

var platformAliases = map[string]string{
	"ig":         "instagram",
	"insta":      "instagram",
	"fb":         "facebook",
	"tw":         "twitter",
	"x":          "twitter",
	"yt":         "youtube",
	"li":         "linkedin",
	"tt":         "tiktok",
	"tik tok":    "tiktok",
	"tik-tok":    "tiktok",
	"tik_tok":    "tiktok",
	"tiktok.com": "tiktok",
}

var trackingParams = map[string]bool{
	"fbclid": true,
	"gclid":  true,
}

// Clean normalizes every canonical field of in. Fields that fail
// validation are left absent.
func Clean(in model.RawContactInput, mapping model.FieldMapping) model.CleanedContact {
	var out model.CleanedContact
	for _, f := range model.CanonicalFields {
		raw := RawValue(in, mapping, f)
		if raw == "" {
			continue
		}
		if v, ok := CleanField(f, raw); ok {
			out.Set(f, v)
		}
	}
	return out
}

// CleanField dispatches to the cleaner for f.
func CleanField(f model.CanonicalField, v string) (string, bool) {
	switch f {
	case model.FieldName:
		return CleanName(v)
	case model.FieldEmail:
		return CleanEmail(v)
	case model.FieldUsername:
		return CleanUsername(v)
	case model.FieldPhone:
		return CleanPhone(v)
	case model.FieldBio:
		return CleanBio(v)
	case model.FieldProfileURL:
		return CleanProfileURL(v)
	case model.FieldPlatform:
		return CleanPlatform(v)
	case model.FieldLocation:
		return CleanLocation(v)
	default:
		return "", false
	}
}

// CleanName collapses whitespace, drops unexpected characters and
// title-cases each token.
func CleanName(v string) (string, bool) {
	v = nameDisallowed.ReplaceAllString(v, "")
	v = titleTokens(collapse(v))
	return v, v != ""
}

func CleanEmail(v string) (string, bool) {
	v = strings.ToLower(strings.TrimSpace(v))
	if !emailShape.MatchString(v) {
		return "", false
	}
	return v, true
}

func CleanUsername(v string) (string, bool) {
	v = strings.ToLower(strings.TrimSpace(v))
	v = strings.TrimPrefix(v, "@")
	v = strings.TrimRight(v, "/")
	v = usernameDisallowed.ReplaceAllString(v, "")
	return v, v != ""
}

// CleanPhone reduces v to digits and renders it in E.164 form, assuming
// North America for ten-digit numbers.
func CleanPhone(v string) (string, bool) {
	digits := nonDigits.ReplaceAllString(v, "")
	switch {
	case len(digits) < minPhoneDigits:
		return "", false
	case len(digits) == 10:
		return "+1" + digits, true
	default:
		// Eleven digits with a leading 1 and all longer numbers already
		// carry their country code.
		return "+" + digits, true
	}
}

func CleanBio(v string) (string, bool) {
	v = bioDisallowed.ReplaceAllString(v, "")
	v = strings.TrimSpace(truncateRunes(collapse(v), maxBioRunes))
	return v, v != ""
}

// CleanProfileURL adds a scheme when missing, lower-cases the host and
// strips tracking parameters.
func CleanProfileURL(v string) (string, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return "", false
	}
	if !strings.Contains(v, "://") {
		v = "https://" + v
	}
	u, err := url.Parse(v)
	if err != nil || u.Host == "" {
		return "", false
	}
	u.Scheme = strings.ToLower(u.Scheme)
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", false
	}
	u.Host = strings.ToLower(u.Host)

	if u.RawQuery != "" {
		q := u.Query()
		for k := range q {
			lk := strings.ToLower(k)
			if strings.HasPrefix(lk, "utm_") || trackingParams[lk] {
				q.Del(k)
			}
		}
		u.RawQuery = q.Encode()
	}
	return u.String(), true
}

func CleanPlatform(v string) (string, bool) {
	v = strings.ToLower(strings.TrimSpace(v))
	if v == "" {
		return "", false
	}
	if alias, ok := platformAliases[v]; ok {
		return alias, true
	}
	return v, true
}

func CleanLocation(v string) (string, bool) {
	v = titleTokens(collapse(v))
	v = strings.TrimSpace(truncateRunes(v, maxLocationRunes))
	return v, v != ""
}

func collapse(v string) string {
	return strings.Join(strings.Fields(v), " ")
}

// titleTokens title-cases each space-separated token. A Caser is not safe
// for concurrent use so one is built per call.
func titleTokens(v string) string {
	if v == "" {
		return ""
	}
	caser := cases.Title(language.Und)
	tokens := strings.Split(v, " ")
	for i, t := range tokens {
		tokens[i] = caser.String(t)
	}
	return strings.Join(tokens, " ")
}

func truncateRunes(v string, n int) string {
	if utf8.RuneCountInString(v) <= n {
		return v
	}
	return string([]rune(v)[:n])
}
