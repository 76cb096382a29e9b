package dispatch

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sells-group/contact-dispatch/internal/model"
	"github.com/sells-group/contact-dispatch/internal/store"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "dispatch.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func fixedClock(at time.Time) func() time.Time {
	return func() time.Time { return at }
}

func enqueue(t *testing.T, st store.JobStore, id string, createdAt time.Time, params model.JobParams) {
	t.Helper()
	require.NoError(t, st.EnqueueJob(context.Background(), &model.EnrichmentJob{
		ID:        id,
		Type:      params.JobType(),
		Status:    model.JobStatusPending,
		Params:    params,
		CreatedAt: createdAt,
	}))
}

func addAgent(t *testing.T, st store.AgentStore, id string, caps model.Capabilities, status model.AgentStatus) {
	t.Helper()
	require.NoError(t, st.RegisterAgent(context.Background(), &model.WorkerAgent{
		ID:            id,
		Name:          id,
		Platform:      model.ClassifyPlatform(caps),
		Capabilities:  caps,
		Status:        status,
		LastHeartbeat: t0,
		CreatedAt:     t0,
	}))
}

// claimed enqueues a job and has agentID claim it.
func claimed(t *testing.T, st *store.SQLiteStore, agentID, jobID string, params model.JobParams) *model.WorkerSession {
	t.Helper()
	enqueue(t, st, jobID, t0, params)
	sess, err := st.ClaimJob(context.Background(), jobID, agentID, DefaultClaimProgress, t0)
	require.NoError(t, err)
	return sess
}
