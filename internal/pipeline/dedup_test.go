package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/contact-dispatch/internal/model"
)

const janeBio = "Photographer based in Portland who loves hiking"

func TestDeduplicator_Email(t *testing.T) {
	st := newTestStore(t)
	existing := seedContact(t, st, "u1", 0, 0.9, map[model.CanonicalField]string{
		model.FieldEmail: "jane@example.com",
	})
	d := NewDeduplicator(st, 0)

	res, err := d.Check(t.Context(), "u1", cleaned(map[model.CanonicalField]string{
		model.FieldEmail: "jane@example.com",
	}))
	require.NoError(t, err)
	assert.True(t, res.IsDuplicate)
	assert.Equal(t, existing.ID, res.Existing.ID)
	assert.Equal(t, 1.0, res.Similarity)
	assert.Equal(t, MatchEmail, res.Strategy)

	// Another user's contacts never match.
	res, err = d.Check(t.Context(), "u2", cleaned(map[model.CanonicalField]string{
		model.FieldEmail: "jane@example.com",
	}))
	require.NoError(t, err)
	assert.False(t, res.IsDuplicate)
	assert.Equal(t, MatchNone, res.Strategy)
}

func TestDeduplicator_UsernamePlatform(t *testing.T) {
	st := newTestStore(t)
	existing := seedContact(t, st, "u1", 0, 0.9, map[model.CanonicalField]string{
		model.FieldUsername: "janesmith",
		model.FieldPlatform: "instagram",
	})
	d := NewDeduplicator(st, 0)

	res, err := d.Check(t.Context(), "u1", cleaned(map[model.CanonicalField]string{
		model.FieldEmail:    "other@example.com",
		model.FieldUsername: "janesmith",
		model.FieldPlatform: "instagram",
	}))
	require.NoError(t, err)
	assert.True(t, res.IsDuplicate)
	assert.Equal(t, existing.ID, res.Existing.ID)
	assert.Equal(t, 0.95, res.Similarity)
	assert.Equal(t, MatchUsernamePlatform, res.Strategy)

	// Same username on another platform is a different person.
	res, err = d.Check(t.Context(), "u1", cleaned(map[model.CanonicalField]string{
		model.FieldUsername: "janesmith",
		model.FieldPlatform: "tiktok",
	}))
	require.NoError(t, err)
	assert.False(t, res.IsDuplicate)
}

func TestDeduplicator_Phone(t *testing.T) {
	st := newTestStore(t)
	existing := seedContact(t, st, "u1", 0, 0.9, map[model.CanonicalField]string{
		model.FieldPhone: "+15551234567",
	})
	d := NewDeduplicator(st, 0)

	res, err := d.Check(t.Context(), "u1", cleaned(map[model.CanonicalField]string{
		model.FieldPhone: "+15551234567",
	}))
	require.NoError(t, err)
	assert.True(t, res.IsDuplicate)
	assert.Equal(t, existing.ID, res.Existing.ID)
	assert.Equal(t, 0.90, res.Similarity)
	assert.Equal(t, MatchPhone, res.Strategy)
}

func TestDeduplicator_EmailTierWinsOverPhone(t *testing.T) {
	st := newTestStore(t)
	byPhone := seedContact(t, st, "u1", 0, 0.9, map[model.CanonicalField]string{
		model.FieldPhone: "+15551234567",
	})
	byEmail := seedContact(t, st, "u1", time.Minute, 0.9, map[model.CanonicalField]string{
		model.FieldEmail: "jane@example.com",
	})
	d := NewDeduplicator(st, 0)

	res, err := d.Check(t.Context(), "u1", cleaned(map[model.CanonicalField]string{
		model.FieldEmail: "jane@example.com",
		model.FieldPhone: "+15551234567",
	}))
	require.NoError(t, err)
	assert.Equal(t, byEmail.ID, res.Existing.ID)
	assert.NotEqual(t, byPhone.ID, res.Existing.ID)
	assert.Equal(t, MatchEmail, res.Strategy)
}

func TestDeduplicator_Fuzzy(t *testing.T) {
	st := newTestStore(t)
	existing := seedContact(t, st, "u1", 0, 0.8, map[model.CanonicalField]string{
		model.FieldName: "Jane Smith",
		model.FieldBio:  janeBio,
	})
	seedContact(t, st, "u1", time.Minute, 0.8, map[model.CanonicalField]string{
		model.FieldName: "John Doe",
		model.FieldBio:  "Chef",
	})
	d := NewDeduplicator(st, 0)

	res, err := d.Check(t.Context(), "u1", cleaned(map[model.CanonicalField]string{
		model.FieldName: "Jane  SMITH",
		model.FieldBio:  janeBio + "!",
	}))
	require.NoError(t, err)
	assert.True(t, res.IsDuplicate)
	assert.Equal(t, existing.ID, res.Existing.ID)
	assert.Equal(t, MatchFuzzyNameBio, res.Strategy)
	assert.Greater(t, res.Similarity, DefaultFuzzyThreshold)
	assert.LessOrEqual(t, res.Similarity, 1.0)
}

func TestDeduplicator_FuzzyNeedsNameAndBio(t *testing.T) {
	st := newTestStore(t)
	seedContact(t, st, "u1", 0, 0.8, map[model.CanonicalField]string{
		model.FieldName: "Jane Smith",
		model.FieldBio:  janeBio,
	})
	d := NewDeduplicator(st, 0)

	res, err := d.Check(t.Context(), "u1", cleaned(map[model.CanonicalField]string{
		model.FieldName: "Jane Smith",
	}))
	require.NoError(t, err)
	assert.False(t, res.IsDuplicate)
}

func TestDeduplicator_FuzzyBelowThreshold(t *testing.T) {
	st := newTestStore(t)
	seedContact(t, st, "u1", 0, 0.8, map[model.CanonicalField]string{
		model.FieldName: "Jane Smith",
		model.FieldBio:  janeBio,
	})
	d := NewDeduplicator(st, 0)

	res, err := d.Check(t.Context(), "u1", cleaned(map[model.CanonicalField]string{
		model.FieldName: "Janet Smythe",
		model.FieldBio:  "Accountant in Denver",
	}))
	require.NoError(t, err)
	assert.False(t, res.IsDuplicate)
	assert.Equal(t, MatchNone, res.Strategy)
}

func TestDeduplicator_FuzzyTieTakesOldest(t *testing.T) {
	st := newTestStore(t)
	// Created out of order so the tie-break cannot rely on insert order.
	newer := seedContact(t, st, "u1", time.Hour, 0.8, map[model.CanonicalField]string{
		model.FieldName: "Jane Smith",
		model.FieldBio:  janeBio,
	})
	older := seedContact(t, st, "u1", 0, 0.8, map[model.CanonicalField]string{
		model.FieldName: "Jane Smith",
		model.FieldBio:  janeBio,
	})
	d := NewDeduplicator(st, 0)

	for range 5 {
		res, err := d.Check(t.Context(), "u1", cleaned(map[model.CanonicalField]string{
			model.FieldName: "Jane Smith",
			model.FieldBio:  janeBio,
		}))
		require.NoError(t, err)
		assert.Equal(t, older.ID, res.Existing.ID)
		assert.NotEqual(t, newer.ID, res.Existing.ID)
		assert.InDelta(t, 1.0, res.Similarity, 0.0001)
	}
}

func TestSimilarity(t *testing.T) {
	assert.Equal(t, 1.0, Similarity("Jane  SMITH", "jane smith"))
	assert.Equal(t, 1.0, Similarity("", ""))
	assert.Equal(t, 0.0, Similarity("abc", ""))
	assert.InDelta(t, 2.0/3.0, Similarity("abc", "abd"), 0.0001)
}
