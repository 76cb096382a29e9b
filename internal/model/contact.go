package model

import "time"

// RawContactInput is an incoming record before mapping and cleaning.
// Canonical hints, when set, take precedence over values found in RawRecord.
type RawContactInput struct {
	RawRecord      map[string]any `json:"raw_record,omitempty"`
	Name           string         `json:"name,omitempty"`
	Email          string         `json:"email,omitempty"`
	Username       string         `json:"username,omitempty"`
	Phone          string         `json:"phone,omitempty"`
	Bio            string         `json:"bio,omitempty"`
	ProfileURL     string         `json:"profile_url,omitempty"`
	Platform       string         `json:"platform,omitempty"`
	Location       string         `json:"location,omitempty"`
	ExternalSource string         `json:"external_source,omitempty"`
	UserID         string         `json:"user_id,omitempty"`
}

// Hint returns the directly supplied value for a canonical field.
func (in RawContactInput) Hint(f CanonicalField) string {
	switch f {
	case FieldName:
		return in.Name
	case FieldEmail:
		return in.Email
	case FieldUsername:
		return in.Username
	case FieldPhone:
		return in.Phone
	case FieldBio:
		return in.Bio
	case FieldProfileURL:
		return in.ProfileURL
	case FieldPlatform:
		return in.Platform
	case FieldLocation:
		return in.Location
	default:
		return ""
	}
}

// CleanedContact holds the normalized canonical fields. Nil means absent.
type CleanedContact struct {
	Name       *string `json:"name,omitempty"`
	Email      *string `json:"email,omitempty"`
	Username   *string `json:"username,omitempty"`
	Phone      *string `json:"phone,omitempty"`
	Bio        *string `json:"bio,omitempty"`
	ProfileURL *string `json:"profile_url,omitempty"`
	Platform   *string `json:"platform,omitempty"`
	Location   *string `json:"location,omitempty"`
}

// Get returns the value of a canonical field and whether it is present.
func (c *CleanedContact) Get(f CanonicalField) (string, bool) {
	p := c.ptr(f)
	if p == nil || *p == nil {
		return "", false
	}
	return **p, true
}

// Set assigns a canonical field. An empty value clears it.
func (c *CleanedContact) Set(f CanonicalField, v string) {
	p := c.ptr(f)
	if p == nil {
		return
	}
	if v == "" {
		*p = nil
		return
	}
	*p = &v
}

// Present returns the canonical fields that carry a value, in canonical order.
func (c *CleanedContact) Present() []CanonicalField {
	var out []CanonicalField
	for _, f := range CanonicalFields {
		if _, ok := c.Get(f); ok {
			out = append(out, f)
		}
	}
	return out
}

func (c *CleanedContact) ptr(f CanonicalField) **string {
	switch f {
	case FieldName:
		return &c.Name
	case FieldEmail:
		return &c.Email
	case FieldUsername:
		return &c.Username
	case FieldPhone:
		return &c.Phone
	case FieldBio:
		return &c.Bio
	case FieldProfileURL:
		return &c.ProfileURL
	case FieldPlatform:
		return &c.Platform
	case FieldLocation:
		return &c.Location
	default:
		return nil
	}
}

// ConfidenceScores holds one score in [0,1] per present field plus the
// weighted overall score.
type ConfidenceScores struct {
	Fields  map[CanonicalField]float64 `json:"fields"`
	Overall float64                    `json:"overall"`
}

// ProvenanceEntry records one ingestion that touched a contact.
type ProvenanceEntry struct {
	Source     string                     `json:"source"`
	RecordedAt time.Time                  `json:"recorded_at"`
	Confidence map[CanonicalField]float64 `json:"confidence"`
	Overall    float64                    `json:"overall"`
	Replaced   []CanonicalField           `json:"replaced,omitempty"`
}

// Contact is the durable contact entity.
type Contact struct {
	ID             string            `json:"id"`
	UserID         string            `json:"user_id"`
	CleanedContact                   // canonical fields
	Confidence     ConfidenceScores  `json:"confidence_scores"`
	SourceHistory  []ProvenanceEntry `json:"source_history,omitempty"`
	ExternalSource string            `json:"external_source,omitempty"`
	Version        int               `json:"version"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// MappingLogEntry is the audit record of one FieldMapper decision.
type MappingLogEntry struct {
	ID             string            `json:"id"`
	UserID         string            `json:"user_id"`
	ExternalSource string            `json:"external_source"`
	Mappings       map[string]string `json:"mappings"`
	CreatedAt      time.Time         `json:"created_at"`
}
