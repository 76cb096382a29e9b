package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/contact-dispatch/internal/model"
)

func cleaned(values map[model.CanonicalField]string) model.CleanedContact {
	var c model.CleanedContact
	for f, v := range values {
		c.Set(f, v)
	}
	return c
}

func TestScorer_EmptyInput(t *testing.T) {
	s := NewScorer(nil)
	scores := s.Score(model.CleanedContact{}, "crm_export")
	assert.Equal(t, 0.0, scores.Overall)
	assert.Empty(t, scores.Fields)
}

func TestScorer_NameAndEmail(t *testing.T) {
	s := NewScorer(nil)
	scores := s.Score(cleaned(map[model.CanonicalField]string{
		model.FieldName:  "Jane Smith",
		model.FieldEmail: "jane@example.com",
	}), "manual_entry")

	require.Len(t, scores.Fields, 2)
	assert.InDelta(t, 0.9, scores.Fields[model.FieldName], 0.0001)
	assert.InDelta(t, 0.9, scores.Fields[model.FieldEmail], 0.0001)
	assert.InDelta(t, 0.9, scores.Overall, 0.0001)
}

func TestScorer_AbsentFieldsExcludedFromOverall(t *testing.T) {
	s := NewScorer(nil)
	// Platform alone: the overall equals the platform score, not a
	// weighted share of all eight fields.
	scores := s.Score(cleaned(map[model.CanonicalField]string{
		model.FieldPlatform: "instagram",
	}), "crm_export")
	assert.InDelta(t, 1.0, scores.Overall, 0.0001)
}

func TestScorer_Heuristics(t *testing.T) {
	tests := []struct {
		field model.CanonicalField
		value string
		want  float64
	}{
		{model.FieldName, "Jane Smith", 1.0},
		{model.FieldName, "J2", 0.5},
		{model.FieldEmail, "noreply@example.com", 0.8},
		{model.FieldEmail, "jane@mailinator.com", 0.8},
		{model.FieldUsername, "jane_doe", 1.0},
		{model.FieldUsername, "42", 0.6},
		{model.FieldPhone, "+15551234567", 0.9},
		{model.FieldPhone, "+442079460958", 1.0},
		{model.FieldBio, "short", 0.6},
		{model.FieldBio, "Photographer based in Portland", 1.0},
		{model.FieldProfileURL, "https://instagram.com/jane", 1.0},
		{model.FieldProfileURL, "http://example.com/jane", 0.5},
		{model.FieldPlatform, "instagram", 1.0},
		{model.FieldPlatform, "mastodon", 0.5},
		{model.FieldLocation, "Portland, Or", 1.0},
		{model.FieldLocation, "Portland", 0.7},
	}
	s := NewScorer(nil)
	for _, tt := range tests {
		t.Run(string(tt.field)+"/"+tt.value, func(t *testing.T) {
			scores := s.Score(cleaned(map[model.CanonicalField]string{tt.field: tt.value}), "crm_export")
			assert.InDelta(t, tt.want, scores.Fields[tt.field], 0.0001)
		})
	}
}

func TestScorer_Bounds(t *testing.T) {
	s := NewScorer(map[string]float64{"trusted_partner": 3.0, "hostile": -1})
	inputs := []map[model.CanonicalField]string{
		{},
		{model.FieldName: "Jane Smith", model.FieldEmail: "jane@example.com", model.FieldPhone: "+15551234567"},
		{model.FieldBio: "x", model.FieldLocation: "a"},
		{
			model.FieldName: "A", model.FieldEmail: "a@b.co", model.FieldUsername: "a",
			model.FieldPhone: "+1234567890", model.FieldBio: "b", model.FieldProfileURL: "http://a.b",
			model.FieldPlatform: "z", model.FieldLocation: "c",
		},
	}
	sources := []string{"", "crm_export", "bulk_import", "nonsense", "trusted_partner", "hostile"}
	for _, in := range inputs {
		for _, src := range sources {
			scores := s.Score(cleaned(in), src)
			assert.GreaterOrEqual(t, scores.Overall, 0.0)
			assert.LessOrEqual(t, scores.Overall, 1.0)
			for f, v := range scores.Fields {
				assert.GreaterOrEqual(t, v, 0.0, f)
				assert.LessOrEqual(t, v, 1.0, f)
			}
		}
	}
}

func TestScorer_Reliability(t *testing.T) {
	s := NewScorer(map[string]float64{"CSV_Upload": 0.95, "partner_feed": 2})
	assert.Equal(t, 1.0, s.Reliability("crm_export"))
	assert.Equal(t, 0.5, s.Reliability(""))
	assert.Equal(t, 0.5, s.Reliability("carrier_pigeon"))
	assert.Equal(t, 0.95, s.Reliability("csv_upload"))
	assert.Equal(t, 1.0, s.Reliability("partner_feed"))
	// The defaults table is not mutated by overrides.
	assert.Equal(t, 0.7, DefaultSourceReliability["csv_upload"])
}
