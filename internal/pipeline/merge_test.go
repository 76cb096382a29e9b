package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/contact-dispatch/internal/model"
	"github.com/sells-group/contact-dispatch/internal/store"
)

func TestMergeFields_Precedence(t *testing.T) {
	existing := &model.Contact{
		ID: "c1",
		CleanedContact: cleaned(map[model.CanonicalField]string{
			model.FieldName:  "Jane",
			model.FieldEmail: "old@example.com",
		}),
		Confidence: model.ConfidenceScores{Fields: map[model.CanonicalField]float64{
			model.FieldName:  0.6,
			model.FieldEmail: 0.6,
		}},
		Version: 3,
	}
	incoming := cleaned(map[model.CanonicalField]string{
		model.FieldName:  "Jane Smith",
		model.FieldEmail: "new@example.com",
	})
	scores := model.ConfidenceScores{
		Fields: map[model.CanonicalField]float64{
			model.FieldName:  0.8,
			model.FieldEmail: 0.5,
		},
		Overall: 0.64,
	}
	at := t0.Add(time.Hour)

	merged, replaced := MergeFields(existing, incoming, scores, "csv_upload", at)

	name, _ := merged.Get(model.FieldName)
	email, _ := merged.Get(model.FieldEmail)
	assert.Equal(t, "Jane Smith", name, "0.8 beats 0.6")
	assert.Equal(t, "old@example.com", email, "0.5 loses to 0.6")
	assert.Equal(t, []model.CanonicalField{model.FieldName}, replaced)

	// Incoming scores win on key collision.
	assert.Equal(t, 0.8, merged.Confidence.Fields[model.FieldName])
	assert.Equal(t, 0.5, merged.Confidence.Fields[model.FieldEmail])

	require.Len(t, merged.SourceHistory, 1)
	entry := merged.SourceHistory[0]
	assert.Equal(t, "csv_upload", entry.Source)
	assert.Equal(t, at, entry.RecordedAt)
	assert.Equal(t, 0.64, entry.Overall)
	assert.Equal(t, []model.CanonicalField{model.FieldName}, entry.Replaced)
	assert.Equal(t, at, merged.UpdatedAt)
	assert.Equal(t, 3, merged.Version)

	// The input contact is left untouched.
	oldName, _ := existing.Get(model.FieldName)
	assert.Equal(t, "Jane", oldName)
	assert.Equal(t, 0.6, existing.Confidence.Fields[model.FieldName])
	assert.Empty(t, existing.SourceHistory)
}

func TestMergeFields_EqualScoreKeepsExisting(t *testing.T) {
	existing := &model.Contact{
		CleanedContact: cleaned(map[model.CanonicalField]string{model.FieldBio: "old bio"}),
		Confidence:     model.ConfidenceScores{Fields: map[model.CanonicalField]float64{model.FieldBio: 0.7}},
	}
	merged, replaced := MergeFields(existing,
		cleaned(map[model.CanonicalField]string{model.FieldBio: "new bio"}),
		model.ConfidenceScores{Fields: map[model.CanonicalField]float64{model.FieldBio: 0.7}},
		"", t0)

	bio, _ := merged.Get(model.FieldBio)
	assert.Equal(t, "old bio", bio)
	assert.Empty(t, replaced)
	assert.Equal(t, SourceUnknown, merged.SourceHistory[0].Source)
}

func TestMergeFields_MissingStoredScoreCountsAsZero(t *testing.T) {
	existing := &model.Contact{
		CleanedContact: cleaned(map[model.CanonicalField]string{model.FieldPhone: "+15550000000"}),
	}
	merged, replaced := MergeFields(existing,
		cleaned(map[model.CanonicalField]string{
			model.FieldPhone:    "+442079460958",
			model.FieldLocation: "Leeds",
		}),
		model.ConfidenceScores{Fields: map[model.CanonicalField]float64{
			model.FieldPhone:    0.3,
			model.FieldLocation: 0.35,
		}},
		"scraped_profile", t0)

	phone, _ := merged.Get(model.FieldPhone)
	loc, _ := merged.Get(model.FieldLocation)
	assert.Equal(t, "+442079460958", phone)
	assert.Equal(t, "Leeds", loc)
	assert.Equal(t, []model.CanonicalField{model.FieldPhone, model.FieldLocation}, replaced)
	// Overall is recomputed from the merged map: (.10*.3 + .05*.35) / .15.
	assert.InDelta(t, 0.3167, merged.Confidence.Overall, 0.001)
}

// racingStore lets another writer update the contact right before the
// engine's first write, so that write carries a stale version.
type racingStore struct {
	*store.SQLiteStore
	raced   bool
	updates int
}

func (s *racingStore) UpdateContact(ctx context.Context, c *model.Contact, expectedVersion int) error {
	s.updates++
	if !s.raced {
		s.raced = true
		other, err := s.GetContact(ctx, c.ID)
		if err != nil {
			return err
		}
		other.Set(model.FieldLocation, "Portland")
		other.Confidence.Fields[model.FieldLocation] = 0.9
		if err := s.SQLiteStore.UpdateContact(ctx, other, other.Version); err != nil {
			return err
		}
	}
	return s.SQLiteStore.UpdateContact(ctx, c, expectedVersion)
}

func TestMergeEngine_RetriesOnVersionConflict(t *testing.T) {
	st := &racingStore{SQLiteStore: newTestStore(t)}
	existing := seedContact(t, st.SQLiteStore, "u1", 0, 0.6, map[model.CanonicalField]string{
		model.FieldName:  "Jane",
		model.FieldEmail: "jane@example.com",
	})

	engine := NewMergeEngine(st, 3)
	merged, err := engine.Merge(t.Context(), existing,
		cleaned(map[model.CanonicalField]string{model.FieldName: "Jane Smith"}),
		model.ConfidenceScores{Fields: map[model.CanonicalField]float64{model.FieldName: 0.8}},
		"manual_entry")
	require.NoError(t, err)
	assert.Equal(t, 2, st.updates)
	assert.Equal(t, 3, merged.Version)

	stored, err := st.GetContact(t.Context(), existing.ID)
	require.NoError(t, err)
	name, _ := stored.Get(model.FieldName)
	loc, _ := stored.Get(model.FieldLocation)
	assert.Equal(t, "Jane Smith", name)
	assert.Equal(t, "Portland", loc, "concurrent writer's change survives the merge")
	assert.Equal(t, 3, stored.Version)
	assert.Len(t, stored.SourceHistory, 1)
}

// conflictStore always loses the version race.
type conflictStore struct {
	*store.SQLiteStore
}

func (s *conflictStore) UpdateContact(context.Context, *model.Contact, int) error {
	return store.ErrConflict
}

func TestMergeEngine_GivesUpAfterMaxAttempts(t *testing.T) {
	st := &conflictStore{SQLiteStore: newTestStore(t)}
	existing := seedContact(t, st.SQLiteStore, "u1", 0, 0.6, map[model.CanonicalField]string{
		model.FieldName: "Jane",
	})

	_, err := NewMergeEngine(st, 2).Merge(t.Context(), existing,
		cleaned(map[model.CanonicalField]string{model.FieldName: "Jane Smith"}),
		model.ConfidenceScores{Fields: map[model.CanonicalField]float64{model.FieldName: 0.8}},
		"manual_entry")
	require.Error(t, err)
	assert.True(t, errors.Is(err, store.ErrConflict))
}
