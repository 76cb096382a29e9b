package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/contact-dispatch/internal/model"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func strPtr(s string) *string { return &s }

func pendingJob(id string, createdAt time.Time, params model.JobParams) *model.EnrichmentJob {
	return &model.EnrichmentJob{
		ID:        id,
		Type:      params.JobType(),
		Status:    model.JobStatusPending,
		Params:    params,
		CreatedAt: createdAt,
	}
}

func registerAgent(t *testing.T, st *SQLiteStore, id string, at time.Time) {
	t.Helper()
	require.NoError(t, st.RegisterAgent(context.Background(), &model.WorkerAgent{
		ID:            id,
		Name:          id,
		Platform:      model.PlatformGeneric,
		Status:        model.AgentOnline,
		LastHeartbeat: at,
		CreatedAt:     at,
	}))
}

// --- Contacts ---

func TestSQLite_Contact_CreateAndGet(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	c := &model.Contact{
		UserID: "user-1",
		CleanedContact: model.CleanedContact{
			Name:  strPtr("Jane Smith"),
			Email: strPtr("jane@example.com"),
		},
		Confidence: model.ConfidenceScores{
			Fields:  map[model.CanonicalField]float64{model.FieldName: 0.9, model.FieldEmail: 1},
			Overall: 0.95,
		},
		SourceHistory:  []model.ProvenanceEntry{{Source: "crm_export", RecordedAt: base, Overall: 0.95}},
		ExternalSource: "crm_export",
		CreatedAt:      base,
		UpdatedAt:      base,
	}
	require.NoError(t, st.CreateContact(ctx, c))
	assert.NotEmpty(t, c.ID)
	assert.Equal(t, 1, c.Version)

	got, err := st.GetContact(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, "user-1", got.UserID)
	assert.Equal(t, "Jane Smith", *got.Name)
	assert.Nil(t, got.Phone)
	assert.InDelta(t, 0.95, got.Confidence.Overall, 1e-9)
	assert.InDelta(t, 0.9, got.Confidence.Fields[model.FieldName], 1e-9)
	require.Len(t, got.SourceHistory, 1)
	assert.Equal(t, "crm_export", got.SourceHistory[0].Source)
	assert.True(t, base.Equal(got.CreatedAt))
}

func TestSQLite_Contact_GetNotFound(t *testing.T) {
	st := newTestSQLiteStore(t)

	_, err := st.GetContact(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestSQLite_Contact_UpdateVersionCAS(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	c := &model.Contact{UserID: "u", CleanedContact: model.CleanedContact{Name: strPtr("A")}, CreatedAt: base, UpdatedAt: base}
	require.NoError(t, st.CreateContact(ctx, c))

	c.Name = strPtr("B")
	require.NoError(t, st.UpdateContact(ctx, c, 1))
	assert.Equal(t, 2, c.Version)

	// A writer still holding version 1 loses.
	stale := *c
	stale.Name = strPtr("C")
	err := st.UpdateContact(ctx, &stale, 1)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConflict))

	got, err := st.GetContact(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, "B", *got.Name)
	assert.Equal(t, 2, got.Version)
}

func TestSQLite_Contact_UpdateMissing(t *testing.T) {
	st := newTestSQLiteStore(t)

	err := st.UpdateContact(context.Background(), &model.Contact{ID: "nope"}, 1)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestSQLite_Contact_FindersScopedAndOrdered(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	older := &model.Contact{ID: "b-older", UserID: "u1", CleanedContact: model.CleanedContact{
		Email: strPtr("x@example.com"), Username: strPtr("jane"), Platform: strPtr("instagram"), Phone: strPtr("+15551234567"),
	}, CreatedAt: base, UpdatedAt: base}
	newer := &model.Contact{ID: "a-newer", UserID: "u1", CleanedContact: model.CleanedContact{
		Email: strPtr("x@example.com"),
	}, CreatedAt: base.Add(time.Minute), UpdatedAt: base}
	other := &model.Contact{ID: "other-user", UserID: "u2", CleanedContact: model.CleanedContact{
		Email: strPtr("y@example.com"),
	}, CreatedAt: base, UpdatedAt: base}
	for _, c := range []*model.Contact{newer, older, other} {
		require.NoError(t, st.CreateContact(ctx, c))
	}

	got, err := st.FindByEmail(ctx, "u1", "x@example.com")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "b-older", got.ID)

	got, err = st.FindByEmail(ctx, "u1", "y@example.com")
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = st.FindByUsernamePlatform(ctx, "u1", "jane", "instagram")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "b-older", got.ID)

	got, err = st.FindByUsernamePlatform(ctx, "u1", "jane", "tiktok")
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = st.FindByPhone(ctx, "u1", "+15551234567")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "b-older", got.ID)
}

func TestSQLite_ListFuzzyCandidates(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	mk := func(id string, at time.Time, name, bio *string) {
		require.NoError(t, st.CreateContact(ctx, &model.Contact{
			ID: id, UserID: "u1", CleanedContact: model.CleanedContact{Name: name, Bio: bio}, CreatedAt: at, UpdatedAt: at,
		}))
	}
	mk("c3", base.Add(2*time.Second), strPtr("C"), strPtr("bio"))
	mk("c2", base, strPtr("B"), strPtr("bio"))
	mk("c1", base, strPtr("A"), strPtr("bio"))
	mk("no-bio", base, strPtr("D"), nil)

	got, err := st.ListFuzzyCandidates(ctx, "u1")
	require.NoError(t, err)
	var ids []string
	for _, c := range got {
		ids = append(ids, c.ID)
	}
	assert.Equal(t, []string{"c1", "c2", "c3"}, ids)
}

func TestSQLite_LogMapping(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	err := st.LogMapping(ctx, model.MappingLogEntry{
		UserID:         "u1",
		ExternalSource: "csv_upload",
		Mappings:       map[string]string{"name": "Full Name"},
		CreatedAt:      base,
	})
	require.NoError(t, err)

	var n int
	require.NoError(t, st.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM field_mapping_logs`).Scan(&n))
	assert.Equal(t, 1, n)
}

// --- Jobs ---

func TestSQLite_Job_EnqueueAndGet(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	job := pendingJob("job-1", base, model.ContactEnrichmentParams{ContactID: "c1", Priority: model.PriorityNormal})
	job.UserID = "u1"
	job.TargetID = "c1"
	require.NoError(t, st.EnqueueJob(ctx, job))

	got, err := st.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, model.JobTypeContactEnrichment, got.Type)
	assert.Equal(t, model.JobStatusPending, got.Status)
	assert.Equal(t, "c1", got.TargetID)
	assert.Nil(t, got.StartedAt)
	params, ok := got.Params.(model.ContactEnrichmentParams)
	require.True(t, ok)
	assert.Equal(t, "c1", params.ContactID)

	_, err = st.GetJob(ctx, "missing")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestSQLite_Job_EnqueueJobsBulk(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	jobs := []model.EnrichmentJob{
		*pendingJob("j1", base, model.ContactEnrichmentParams{ContactID: "c1"}),
		*pendingJob("j2", base.Add(time.Second), model.PersonaAnalysisParams{ContactID: "c2"}),
	}
	n, err := st.EnqueueJobs(ctx, jobs)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = st.EnqueueJobs(ctx, nil)
	require.NoError(t, err)
	assert.Zero(t, n)

	got, err := st.ListJobs(ctx, JobFilter{Type: model.JobTypePersonaAnalysis})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "j2", got[0].ID)
}

func TestSQLite_ListPendingJobs_FIFO(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.EnqueueJob(ctx, pendingJob("j-c", base.Add(2*time.Second), model.ContactEnrichmentParams{})))
	require.NoError(t, st.EnqueueJob(ctx, pendingJob("j-b", base, model.ContactEnrichmentParams{})))
	require.NoError(t, st.EnqueueJob(ctx, pendingJob("j-a", base, model.ContactEnrichmentParams{})))

	got, err := st.ListPendingJobs(ctx, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "j-a", got[0].ID)
	assert.Equal(t, "j-b", got[1].ID)
}

func TestSQLite_ListJobs_Filters(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		j := pendingJob(fmt.Sprintf("j%d", i), base.Add(time.Duration(i)*time.Second), model.ContactEnrichmentParams{})
		j.UserID = "u1"
		if i%2 == 0 {
			j.UserID = "u2"
		}
		require.NoError(t, st.EnqueueJob(ctx, j))
	}

	got, err := st.ListJobs(ctx, JobFilter{UserID: "u2"})
	require.NoError(t, err)
	assert.Len(t, got, 3)
	assert.Equal(t, "j4", got[0].ID) // newest first

	got, err = st.ListJobs(ctx, JobFilter{Limit: 2, Offset: 1})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "j3", got[0].ID)

	got, err = st.ListJobs(ctx, JobFilter{Status: model.JobStatusCompleted})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestSQLite_ClaimJob(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	registerAgent(t, st, "agent-1", base)
	require.NoError(t, st.EnqueueJob(ctx, pendingJob("j1", base, model.ContactEnrichmentParams{})))

	sess, err := st.ClaimJob(ctx, "j1", "agent-1", 10, base.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, model.SessionInProgress, sess.Status)

	job, err := st.GetJob(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusProcessing, job.Status)
	assert.Equal(t, 10, job.Progress)
	require.NotNil(t, job.StartedAt)

	_, err = st.ClaimJob(ctx, "j1", "agent-1", 10, base.Add(2*time.Second))
	assert.True(t, errors.Is(err, ErrConflict))
}

func TestSQLite_ClaimJob_ConcurrentExclusive(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	require.NoError(t, st.EnqueueJob(ctx, pendingJob("j1", base, model.ContactEnrichmentParams{})))

	const workers = 10
	for i := 0; i < workers; i++ {
		registerAgent(t, st, fmt.Sprintf("agent-%d", i), base)
	}

	var wins, conflicts atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := st.ClaimJob(ctx, "j1", fmt.Sprintf("agent-%d", i), 10, base)
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, ErrConflict):
				conflicts.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(workers-1), conflicts.Load())

	sessions, err := st.ListSessions(ctx, "j1")
	require.NoError(t, err)
	assert.Len(t, sessions, 1)
}

func TestSQLite_CompleteJob(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	registerAgent(t, st, "agent-1", base)
	require.NoError(t, st.EnqueueJob(ctx, pendingJob("j1", base, model.ContactEnrichmentParams{})))
	_, err := st.ClaimJob(ctx, "j1", "agent-1", 10, base)
	require.NoError(t, err)

	job, err := st.CompleteJob(ctx, JobCompletion{
		AgentID:    "agent-1",
		JobID:      "j1",
		Status:     model.JobStatusCompleted,
		DurationMs: 1500,
		Results:    json.RawMessage(`{"followers":12}`),
		At:         base.Add(2 * time.Second),
	})
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCompleted, job.Status)
	assert.Equal(t, 100, job.Progress)
	assert.JSONEq(t, `{"followers":12}`, string(job.Results))
	require.NotNil(t, job.CompletedAt)

	sessions, err := st.ListSessions(ctx, "j1")
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, model.SessionCompleted, sessions[0].Status)
	assert.Equal(t, int64(1500), sessions[0].DurationMs)

	// Second report has no open session.
	_, err = st.CompleteJob(ctx, JobCompletion{AgentID: "agent-1", JobID: "j1", Status: model.JobStatusCompleted, At: base})
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestSQLite_CompleteJob_Failed(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	registerAgent(t, st, "agent-1", base)
	require.NoError(t, st.EnqueueJob(ctx, pendingJob("j1", base, model.ContactEnrichmentParams{})))
	_, err := st.ClaimJob(ctx, "j1", "agent-1", 10, base)
	require.NoError(t, err)

	job, err := st.CompleteJob(ctx, JobCompletion{
		AgentID: "agent-1", JobID: "j1", Status: model.JobStatusFailed, ErrorMessage: "rate limited", At: base,
	})
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusFailed, job.Status)
	assert.Equal(t, 0, job.Progress)
	assert.Equal(t, "rate limited", job.ErrorMessage)
}

func TestSQLite_CompleteJob_WrongAgent(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	registerAgent(t, st, "agent-1", base)
	registerAgent(t, st, "agent-2", base)
	require.NoError(t, st.EnqueueJob(ctx, pendingJob("j1", base, model.ContactEnrichmentParams{})))
	_, err := st.ClaimJob(ctx, "j1", "agent-1", 10, base)
	require.NoError(t, err)

	_, err = st.CompleteJob(ctx, JobCompletion{AgentID: "agent-2", JobID: "j1", Status: model.JobStatusCompleted, At: base})
	assert.True(t, errors.Is(err, ErrNotFound))

	job, err := st.GetJob(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusProcessing, job.Status)
}

func TestSQLite_AbandonSession_Requeue(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	registerAgent(t, st, "agent-1", base)
	require.NoError(t, st.EnqueueJob(ctx, pendingJob("j1", base, model.ContactEnrichmentParams{})))
	sess, err := st.ClaimJob(ctx, "j1", "agent-1", 10, base)
	require.NoError(t, err)

	require.NoError(t, st.AbandonSession(ctx, sess.ID, true, "worker heartbeat lost", base.Add(time.Minute)))

	job, err := st.GetJob(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusPending, job.Status)
	assert.Equal(t, 1, job.RetryCount)
	assert.Nil(t, job.StartedAt)

	retries, err := st.ListRetries(ctx, "j1")
	require.NoError(t, err)
	require.Len(t, retries, 1)
	assert.Equal(t, "sweeper", retries[0].RequestedBy)
	assert.Equal(t, 1, retries[0].RetryCount)

	sessions, err := st.ListSessions(ctx, "j1")
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, model.SessionAbandoned, sessions[0].Status)
	assert.Equal(t, int64(60000), sessions[0].DurationMs)

	// The job can be claimed again once requeued.
	_, err = st.ClaimJob(ctx, "j1", "agent-1", 10, base.Add(2*time.Minute))
	require.NoError(t, err)

	err = st.AbandonSession(ctx, sess.ID, true, "again", base)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestSQLite_AbandonSession_Fail(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	registerAgent(t, st, "agent-1", base)
	require.NoError(t, st.EnqueueJob(ctx, pendingJob("j1", base, model.ContactEnrichmentParams{})))
	sess, err := st.ClaimJob(ctx, "j1", "agent-1", 10, base)
	require.NoError(t, err)

	require.NoError(t, st.AbandonSession(ctx, sess.ID, false, "worker heartbeat lost", base.Add(time.Minute)))

	job, err := st.GetJob(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusFailed, job.Status)
	assert.Equal(t, "worker heartbeat lost", job.ErrorMessage)
}

func TestSQLite_RetryJob(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	registerAgent(t, st, "agent-1", base)
	require.NoError(t, st.EnqueueJob(ctx, pendingJob("j1", base, model.ContactEnrichmentParams{})))

	// Pending jobs cannot be retried.
	_, err := st.RetryJob(ctx, "j1", "ops", base)
	assert.True(t, errors.Is(err, ErrConflict))

	_, err = st.ClaimJob(ctx, "j1", "agent-1", 10, base)
	require.NoError(t, err)
	_, err = st.CompleteJob(ctx, JobCompletion{AgentID: "agent-1", JobID: "j1", Status: model.JobStatusFailed, ErrorMessage: "boom", At: base})
	require.NoError(t, err)

	job, err := st.RetryJob(ctx, "j1", "ops", base.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusPending, job.Status)
	assert.Empty(t, job.ErrorMessage)
	assert.Nil(t, job.CompletedAt)
	assert.Equal(t, 1, job.RetryCount)

	retries, err := st.ListRetries(ctx, "j1")
	require.NoError(t, err)
	require.Len(t, retries, 1)
	assert.Equal(t, "boom", retries[0].PreviousError)
	assert.Equal(t, "ops", retries[0].RequestedBy)

	_, err = st.RetryJob(ctx, "missing", "ops", base)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestSQLite_CancelJob(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	require.NoError(t, st.EnqueueJob(ctx, pendingJob("j1", base, model.ContactEnrichmentParams{})))

	job, err := st.CancelJob(ctx, "j1", base)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCancelled, job.Status)

	_, err = st.CancelJob(ctx, "j1", base)
	assert.True(t, errors.Is(err, ErrConflict))

	_, err = st.CancelJob(ctx, "missing", base)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestSQLite_QueueStats(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	registerAgent(t, st, "agent-1", base)
	require.NoError(t, st.EnqueueJob(ctx, pendingJob("j1", base, model.ContactEnrichmentParams{})))
	require.NoError(t, st.EnqueueJob(ctx, pendingJob("j2", base.Add(time.Second), model.ContactEnrichmentParams{})))
	require.NoError(t, st.EnqueueJob(ctx, pendingJob("j3", base.Add(2*time.Second), model.ContactEnrichmentParams{})))

	_, err := st.ClaimJob(ctx, "j1", "agent-1", 10, base)
	require.NoError(t, err)
	_, err = st.CompleteJob(ctx, JobCompletion{AgentID: "agent-1", JobID: "j1", Status: model.JobStatusFailed, At: base.Add(time.Minute)})
	require.NoError(t, err)
	_, err = st.ClaimJob(ctx, "j2", "agent-1", 10, base)
	require.NoError(t, err)

	stats, err := st.QueueStats(ctx, base)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Pending)
	assert.Equal(t, 1, stats.Processing)
	assert.Equal(t, 1, stats.FailedRecent)
	assert.Equal(t, 0, stats.CompletedRecent)
	require.NotNil(t, stats.OldestPendingAt)
	assert.True(t, base.Add(2*time.Second).Equal(*stats.OldestPendingAt))
	assert.Equal(t, 1, stats.OnlineAgents)
}

// --- Agents ---

func TestSQLite_Agent_RegisterTouchList(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	a := &model.WorkerAgent{
		Name:          "phone-1",
		Platform:      model.PlatformMobile,
		Capabilities:  model.Capabilities{Tags: []string{"mobile_app", "instagram_harvester"}, MaxConcurrency: 1},
		HostAddress:   "10.0.0.5",
		Status:        model.AgentOnline,
		LastHeartbeat: base,
		CreatedAt:     base,
	}
	require.NoError(t, st.RegisterAgent(ctx, a))
	require.NotEmpty(t, a.ID)

	got, err := st.TouchAgent(ctx, a.ID, map[string]any{"battery": 0.8}, base.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, model.AgentOnline, got.Status)
	assert.True(t, base.Add(time.Minute).Equal(got.LastHeartbeat))
	assert.InDelta(t, 0.8, got.LastMetrics["battery"], 1e-9)
	assert.Equal(t, []string{"mobile_app", "instagram_harvester"}, got.Capabilities.Tags)

	// Nil metrics keep the previous snapshot.
	got, err = st.TouchAgent(ctx, a.ID, nil, base.Add(2*time.Minute))
	require.NoError(t, err)
	assert.InDelta(t, 0.8, got.LastMetrics["battery"], 1e-9)

	_, err = st.TouchAgent(ctx, "missing", nil, base)
	assert.True(t, errors.Is(err, ErrNotFound))

	agents, err := st.ListAgents(ctx)
	require.NoError(t, err)
	require.Len(t, agents, 1)
	assert.Equal(t, "10.0.0.5", agents[0].HostAddress)
}

func TestSQLite_MarkStaleAndOrphans(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	registerAgent(t, st, "stale", base)
	registerAgent(t, st, "fresh", base.Add(5*time.Minute))
	require.NoError(t, st.EnqueueJob(ctx, pendingJob("j1", base, model.ContactEnrichmentParams{})))
	require.NoError(t, st.EnqueueJob(ctx, pendingJob("j2", base, model.ContactEnrichmentParams{})))
	_, err := st.ClaimJob(ctx, "j1", "stale", 10, base)
	require.NoError(t, err)
	_, err = st.ClaimJob(ctx, "j2", "fresh", 10, base)
	require.NoError(t, err)

	ids, err := st.MarkStaleAgentsOffline(ctx, base.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, []string{"stale"}, ids)

	// Already offline agents are not reported twice.
	ids, err = st.MarkStaleAgentsOffline(ctx, base.Add(time.Minute))
	require.NoError(t, err)
	assert.Empty(t, ids)

	orphans, err := st.ListOrphanedSessions(ctx)
	require.NoError(t, err)
	require.Len(t, orphans, 1)
	assert.Equal(t, "j1", orphans[0].JobID)
}
