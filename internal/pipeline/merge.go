package pipeline

import (
	"context"
	"errors"
	"maps"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/contact-dispatch/internal/model"
	"github.com/sells-group/contact-dispatch/internal/store"
)

// DefaultMergeMaxAttempts bounds how often a merge is recomputed after
// losing a version race.
const DefaultMergeMaxAttempts = 5

// MergeEngine folds incoming cleaned data into an existing contact.
type MergeEngine struct {
	contacts    store.ContactStore
	maxAttempts int
	now         func() time.Time
}

// NewMergeEngine returns a MergeEngine. A non-positive maxAttempts selects
// DefaultMergeMaxAttempts.
func NewMergeEngine(contacts store.ContactStore, maxAttempts int) *MergeEngine {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMergeMaxAttempts
	}
	return &MergeEngine{
		contacts:    contacts,
		maxAttempts: maxAttempts,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Merge applies cleaned onto existing and persists the result with a
// version check. On a lost race the contact is re-read and the merge
// recomputed against the fresh copy.
func (m *MergeEngine) Merge(ctx context.Context, existing *model.Contact, cleaned model.CleanedContact, scores model.ConfidenceScores, source string) (*model.Contact, error) {
	current := existing
	for attempt := 1; attempt <= m.maxAttempts; attempt++ {
		merged, replaced := MergeFields(current, cleaned, scores, source, m.now())
		err := m.contacts.UpdateContact(ctx, &merged, current.Version)
		if err == nil {
			zap.L().Debug("merge: contact updated",
				zap.String("contact_id", merged.ID),
				zap.Int("version", merged.Version),
				zap.Int("replaced", len(replaced)),
				zap.Int("attempt", attempt),
			)
			return &merged, nil
		}
		if !errors.Is(err, store.ErrConflict) {
			return nil, eris.Wrapf(err, "merge: update contact %s", existing.ID)
		}

		zap.L().Debug("merge: version conflict, re-reading",
			zap.String("contact_id", existing.ID),
			zap.Int("attempt", attempt),
		)
		current, err = m.contacts.GetContact(ctx, existing.ID)
		if err != nil {
			return nil, eris.Wrapf(err, "merge: re-read contact %s", existing.ID)
		}
	}
	return nil, eris.Wrapf(store.ErrConflict, "merge: contact %s still contended after %d attempts", existing.ID, m.maxAttempts)
}

// MergeFields returns a copy of existing with cleaned folded in and the
// fields whose values were replaced. A new value wins only when its score
// is strictly greater than the stored score for that field; a field
// without a stored score counts as 0. The score maps are merged with the
// incoming scores taking precedence and a provenance entry is appended.
func MergeFields(existing *model.Contact, cleaned model.CleanedContact, scores model.ConfidenceScores, source string, at time.Time) (model.Contact, []model.CanonicalField) {
	merged := *existing
	merged.Confidence.Fields = make(map[model.CanonicalField]float64, len(model.CanonicalFields))
	maps.Copy(merged.Confidence.Fields, existing.Confidence.Fields)
	merged.SourceHistory = append([]model.ProvenanceEntry(nil), existing.SourceHistory...)

	var replaced []model.CanonicalField
	for _, f := range model.CanonicalFields {
		v, ok := cleaned.Get(f)
		if !ok {
			continue
		}
		incoming := scores.Fields[f]
		stored := existing.Confidence.Fields[f] // zero when missing
		if incoming > stored {
			if old, had := existing.Get(f); !had || old != v {
				replaced = append(replaced, f)
			}
			merged.Set(f, v)
		}
	}

	maps.Copy(merged.Confidence.Fields, scores.Fields)
	merged.Confidence.Overall = weightedOverall(merged.Confidence.Fields)

	snapshot := make(map[model.CanonicalField]float64, len(scores.Fields))
	maps.Copy(snapshot, scores.Fields)
	merged.SourceHistory = append(merged.SourceHistory, model.ProvenanceEntry{
		Source:     sourceOrUnknown(source),
		RecordedAt: at,
		Confidence: snapshot,
		Overall:    scores.Overall,
		Replaced:   replaced,
	})
	merged.UpdatedAt = at
	return merged, replaced
}

func weightedOverall(fields map[model.CanonicalField]float64) float64 {
	var num, den float64
	for _, f := range model.CanonicalFields {
		s, ok := fields[f]
		if !ok {
			continue
		}
		w := model.FieldWeights[f]
		num += w * s
		den += w
	}
	if den == 0 {
		return 0
	}
	return clamp01(num / den)
}

func sourceOrUnknown(s string) string {
	if s == "" {
		return SourceUnknown
	}
	return s
}
