package model

// CanonicalField names one of the fixed contact attributes every source
// record is mapped onto.
type CanonicalField string

const (
	FieldName       CanonicalField = "name"
	FieldEmail      CanonicalField = "email"
	FieldUsername   CanonicalField = "username"
	FieldPhone      CanonicalField = "phone"
	FieldBio        CanonicalField = "bio"
	FieldProfileURL CanonicalField = "profile_url"
	FieldPlatform   CanonicalField = "platform"
	FieldLocation   CanonicalField = "location"
)

// CanonicalFields lists every canonical field in mapping priority order.
var CanonicalFields = []CanonicalField{
	FieldName,
	FieldEmail,
	FieldUsername,
	FieldPhone,
	FieldBio,
	FieldProfileURL,
	FieldPlatform,
	FieldLocation,
}

// FieldWeights are the contributions of each field to the overall confidence.
var FieldWeights = map[CanonicalField]float64{
	FieldName:       0.20,
	FieldEmail:      0.25,
	FieldUsername:   0.15,
	FieldPhone:      0.10,
	FieldBio:        0.10,
	FieldProfileURL: 0.05,
	FieldPlatform:   0.10,
	FieldLocation:   0.05,
}

// FieldMapping maps a canonical field to the original record key it was
// resolved from. A canonical field mapped to itself came from a direct hint.
type FieldMapping map[CanonicalField]string

// Keys returns the mapping as plain strings, useful for JSON responses.
func (m FieldMapping) Keys() map[string]string {
	out := make(map[string]string, len(m))
	for f, k := range m {
		out[string(f)] = k
	}
	return out
}
