package pipeline

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/contact-dispatch/internal/model"
)

// DefaultPatterns are the built-in synonyms per canonical field, in
// priority order.
var DefaultPatterns = map[model.CanonicalField][]string{
	model.FieldName:       {"name", "full_name", "fullname", "display_name", "contact_name", "person_name"},
	model.FieldEmail:      {"email", "email_address", "e-mail", "mail", "contact_email"},
	model.FieldUsername:   {"username", "user_name", "handle", "screen_name", "login", "user"},
	model.FieldPhone:      {"phone", "phone_number", "mobile", "telephone", "tel", "cell", "whatsapp"},
	model.FieldBio:        {"bio", "biography", "description", "about", "summary", "headline"},
	model.FieldProfileURL: {"profile_url", "url", "profile_link", "link", "website", "profile"},
	model.FieldPlatform:   {"platform", "network", "social_network", "source_platform", "site"},
	model.FieldLocation:   {"location", "city", "address", "region", "country", "place"},
}

// MappingLogger receives the audit record of each mapping decision.
type MappingLogger interface {
	LogMapping(ctx context.Context, entry model.MappingLogEntry) error
}

// minContainedKeyLen is the shortest raw key that may match a pattern
// containing it.
const minContainedKeyLen = 3

// resolver matches a lower-cased raw key against a lower-cased pattern.
type resolver struct {
	name  string
	match func(key, pattern string) bool
}

var keyResolvers = []resolver{
	{name: "exact", match: func(key, pattern string) bool { return key == pattern }},
	{name: "contains", match: func(key, pattern string) bool {
		if strings.Contains(key, pattern) {
			return true
		}
		return len(key) >= minContainedKeyLen && strings.Contains(pattern, key)
	}},
	{name: "normalized", match: func(key, pattern string) bool {
		return normalizeKey(key) == normalizeKey(pattern)
	}},
}

func normalizeKey(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '_', '-', ' ', '\t', '\n', '\r':
			return -1
		}
		return r
	}, s)
}

// FieldMapper resolves which raw record key carries each canonical field.
type FieldMapper struct {
	patterns map[model.CanonicalField][]string
	audit    MappingLogger
	now      func() time.Time
}

// NewFieldMapper builds a mapper over the default patterns. Extra patterns
// are appended after the built-in ones for each field. audit may be nil.
func NewFieldMapper(audit MappingLogger, extra map[model.CanonicalField][]string) *FieldMapper {
	patterns := make(map[model.CanonicalField][]string, len(DefaultPatterns))
	for f, ps := range DefaultPatterns {
		patterns[f] = append([]string(nil), ps...)
	}
	for f, ps := range extra {
		for _, p := range ps {
			p = strings.ToLower(strings.TrimSpace(p))
			if p != "" {
				patterns[f] = append(patterns[f], p)
			}
		}
	}
	return &FieldMapper{
		patterns: patterns,
		audit:    audit,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

type rawKey struct {
	original string
	lower    string
}

// Map returns the canonical field mapping for in and records it in the
// audit log. Direct hints map to the field's own name. Raw keys that are
// blank or carry empty values are ignored, and one raw key may serve
// several canonical fields.
func (m *FieldMapper) Map(ctx context.Context, in model.RawContactInput) model.FieldMapping {
	mapping := m.mapping(in)
	m.logMapping(ctx, in, mapping)
	return mapping
}

// mapping computes the field mapping without writing an audit entry.
func (m *FieldMapper) mapping(in model.RawContactInput) model.FieldMapping {
	keys := make([]rawKey, 0, len(in.RawRecord))
	for k, v := range in.RawRecord {
		lower := strings.ToLower(strings.TrimSpace(k))
		if lower == "" || stringify(v) == "" {
			continue
		}
		keys = append(keys, rawKey{original: k, lower: lower})
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].lower != keys[j].lower {
			return keys[i].lower < keys[j].lower
		}
		return keys[i].original < keys[j].original
	})

	mapping := make(model.FieldMapping, len(model.CanonicalFields))
	for _, f := range model.CanonicalFields {
		if strings.TrimSpace(in.Hint(f)) != "" {
			mapping[f] = string(f)
			continue
		}
		if key, ok := m.resolve(f, keys); ok {
			mapping[f] = key
		}
	}
	return mapping
}

func (m *FieldMapper) resolve(f model.CanonicalField, keys []rawKey) (string, bool) {
	for _, r := range keyResolvers {
		for _, p := range m.patterns[f] {
			for _, k := range keys {
				if r.match(k.lower, p) {
					return k.original, true
				}
			}
		}
	}
	return "", false
}

func (m *FieldMapper) logMapping(ctx context.Context, in model.RawContactInput, mapping model.FieldMapping) {
	if m.audit == nil {
		return
	}
	entry := model.MappingLogEntry{
		UserID:         in.UserID,
		ExternalSource: sourceOrUnknown(in.ExternalSource),
		Mappings:       mapping.Keys(),
		CreatedAt:      m.now(),
	}
	if err := m.audit.LogMapping(ctx, entry); err != nil {
		zap.L().Warn("pipeline: mapping audit write failed",
			zap.String("component", "mapper"),
			zap.String("user_id", in.UserID),
			zap.Error(err),
		)
	}
}

// RawValue returns the value for f: the direct hint when present, else the
// raw record value under the mapped key.
func RawValue(in model.RawContactInput, mapping model.FieldMapping, f model.CanonicalField) string {
	if h := in.Hint(f); strings.TrimSpace(h) != "" {
		return h
	}
	key, ok := mapping[f]
	if !ok {
		return ""
	}
	return stringify(in.RawRecord[key])
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case float64:
		// JSON numbers; print integers without an exponent.
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%v", t)
	default:
		return strings.TrimSpace(fmt.Sprint(t))
	}
}

type patternsFile struct {
	Patterns map[string][]string `yaml:"patterns"`
}

// LoadPatterns reads extra synonym patterns from a YAML file of the form
//
//	patterns:
//	  email: [correo, courriel]
func LoadPatterns(path string) (map[model.CanonicalField][]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "pipeline: read patterns file %s", path)
	}
	var pf patternsFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, eris.Wrapf(err, "pipeline: parse patterns file %s", path)
	}

	known := make(map[model.CanonicalField]bool, len(model.CanonicalFields))
	for _, f := range model.CanonicalFields {
		known[f] = true
	}
	out := make(map[model.CanonicalField][]string, len(pf.Patterns))
	for name, ps := range pf.Patterns {
		f := model.CanonicalField(strings.ToLower(strings.TrimSpace(name)))
		if !known[f] {
			return nil, eris.Errorf("pipeline: patterns file %s: unknown field %q", path, name)
		}
		out[f] = append(out[f], ps...)
	}
	return out, nil
}
