package dispatch

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/contact-dispatch/internal/model"
	"github.com/sells-group/contact-dispatch/internal/store"
)

const maxListLimit = 500

// Operator exposes the manual job actions: retry, cancel, re-enrich and
// inspection.
type Operator struct {
	jobs     store.JobStore
	contacts store.ContactStore
	now      func() time.Time
}

// NewOperator creates an Operator.
func NewOperator(jobs store.JobStore, contacts store.ContactStore) *Operator {
	return &Operator{
		jobs:     jobs,
		contacts: contacts,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Retry resets a failed job to pending and records who asked for it.
func (o *Operator) Retry(ctx context.Context, jobID, requestedBy string) (*model.EnrichmentJob, error) {
	if jobID == "" {
		return nil, invalid("dispatch: job id is required")
	}
	if requestedBy == "" {
		requestedBy = "operator"
	}
	job, err := o.jobs.RetryJob(ctx, jobID, requestedBy, o.now())
	if err != nil {
		return nil, eris.Wrapf(err, "dispatch: retry job %s", jobID)
	}
	zap.L().Info("dispatch: job reset for retry",
		zap.String("job_id", jobID),
		zap.String("requested_by", requestedBy),
		zap.Int("retry_count", job.RetryCount),
	)
	return job, nil
}

// Cancel withdraws a job that no worker has claimed yet.
func (o *Operator) Cancel(ctx context.Context, jobID string) (*model.EnrichmentJob, error) {
	if jobID == "" {
		return nil, invalid("dispatch: job id is required")
	}
	job, err := o.jobs.CancelJob(ctx, jobID, o.now())
	if err != nil {
		return nil, eris.Wrapf(err, "dispatch: cancel job %s", jobID)
	}
	zap.L().Info("dispatch: job cancelled", zap.String("job_id", jobID))
	return job, nil
}

// Reenrich queues a fresh enrichment job for a contact owned by userID.
// Contacts of other users are reported as not found.
func (o *Operator) Reenrich(ctx context.Context, userID, contactID, priority string) (*model.EnrichmentJob, error) {
	if userID == "" || contactID == "" {
		return nil, invalid("dispatch: user id and contact id are required")
	}
	switch priority {
	case "", model.PriorityNormal, model.PriorityHigh:
	default:
		return nil, invalid("dispatch: unknown priority %q", priority)
	}

	c, err := o.contacts.GetContact(ctx, contactID)
	if err != nil {
		return nil, eris.Wrapf(err, "dispatch: re-enrich contact %s", contactID)
	}
	if c.UserID != userID {
		return nil, eris.Wrapf(store.ErrNotFound, "dispatch: contact %s", contactID)
	}

	job := model.NewContactEnrichmentJob(userID, contactID, priority, o.now())
	if err := o.jobs.EnqueueJob(ctx, job); err != nil {
		return nil, eris.Wrapf(err, "dispatch: enqueue re-enrichment for %s", contactID)
	}
	zap.L().Info("dispatch: re-enrichment queued",
		zap.String("job_id", job.ID),
		zap.String("contact_id", contactID),
		zap.String("user_id", userID),
	)
	return job, nil
}

// GetJob returns one job.
func (o *Operator) GetJob(ctx context.Context, jobID string) (*model.EnrichmentJob, error) {
	job, err := o.jobs.GetJob(ctx, jobID)
	return job, eris.Wrapf(err, "dispatch: get job %s", jobID)
}

// ListJobs lists jobs newest first. The limit defaults to 50 and is capped.
func (o *Operator) ListJobs(ctx context.Context, filter store.JobFilter) ([]model.EnrichmentJob, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, invalid("dispatch: unknown job status %q", filter.Status)
	}
	if filter.Limit <= 0 {
		filter.Limit = 50
	}
	if filter.Limit > maxListLimit {
		filter.Limit = maxListLimit
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	jobs, err := o.jobs.ListJobs(ctx, filter)
	return jobs, eris.Wrap(err, "dispatch: list jobs")
}

// JobHistory returns the sessions and retry records of a job.
func (o *Operator) JobHistory(ctx context.Context, jobID string) ([]model.WorkerSession, []model.JobRetry, error) {
	sessions, err := o.jobs.ListSessions(ctx, jobID)
	if err != nil {
		return nil, nil, eris.Wrapf(err, "dispatch: sessions for %s", jobID)
	}
	retries, err := o.jobs.ListRetries(ctx, jobID)
	if err != nil {
		return nil, nil, eris.Wrapf(err, "dispatch: retries for %s", jobID)
	}
	return sessions, retries, nil
}
