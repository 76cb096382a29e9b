package pipeline

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/contact-dispatch/internal/model"
	"github.com/sells-group/contact-dispatch/internal/store"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "pipeline.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

// seedContact stores a contact for userID with the given fields, all
// scored at score, created at t0 plus offset.
func seedContact(t *testing.T, st store.ContactStore, userID string, offset time.Duration, score float64, fields map[model.CanonicalField]string) *model.Contact {
	t.Helper()
	c := &model.Contact{
		ID:         uuid.New().String(),
		UserID:     userID,
		Confidence: model.ConfidenceScores{Fields: map[model.CanonicalField]float64{}},
		Version:    1,
		CreatedAt:  t0.Add(offset),
		UpdatedAt:  t0.Add(offset),
	}
	for f, v := range fields {
		c.Set(f, v)
		c.Confidence.Fields[f] = score
	}
	c.Confidence.Overall = score
	require.NoError(t, st.CreateContact(context.Background(), c))
	return c
}
