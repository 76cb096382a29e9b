package dispatch

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/contact-dispatch/internal/model"
	"github.com/sells-group/contact-dispatch/internal/store"
)

// Report is a worker's terminal outcome for a job it holds.
type Report struct {
	AgentID      string
	JobID        string
	Status       model.JobStatus
	DurationMs   int64
	ErrorMessage string
	Results      json.RawMessage
}

// Reporter closes out jobs and sessions from worker reports.
type Reporter struct {
	jobs      store.JobStore
	validator *ResultValidator
	now       func() time.Time
}

// NewReporter creates a Reporter. validator may be nil to accept any
// results.
func NewReporter(jobs store.JobStore, validator *ResultValidator) *Reporter {
	return &Reporter{
		jobs:      jobs,
		validator: validator,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Report closes the agent's open session on the job and moves the job to
// completed or failed. Completed results that fail schema validation close
// the job as failed instead.
func (r *Reporter) Report(ctx context.Context, rep Report) (*model.EnrichmentJob, error) {
	if rep.AgentID == "" || rep.JobID == "" {
		return nil, invalid("dispatch: agent id and job id are required")
	}
	if rep.Status != model.JobStatusCompleted && rep.Status != model.JobStatusFailed {
		return nil, invalid("dispatch: report status must be completed or failed, got %q", rep.Status)
	}
	if rep.DurationMs < 0 {
		return nil, invalid("dispatch: duration_ms must not be negative")
	}
	if len(rep.Results) > 0 && !json.Valid(rep.Results) {
		return nil, invalid("dispatch: results are not valid JSON")
	}

	log := zap.L().With(
		zap.String("component", "reporter"),
		zap.String("agent_id", rep.AgentID),
		zap.String("job_id", rep.JobID),
	)

	if rep.Status == model.JobStatusCompleted && len(rep.Results) > 0 && r.validator != nil {
		job, err := r.jobs.GetJob(ctx, rep.JobID)
		if err != nil {
			return nil, eris.Wrapf(err, "dispatch: report %s", rep.JobID)
		}
		if verr := r.validator.Validate(job.Type, rep.Results); verr != nil {
			log.Warn("dispatch: results rejected", zap.String("job_type", string(job.Type)), zap.Error(verr))
			rep.Status = model.JobStatusFailed
			rep.ErrorMessage = "results rejected: " + verr.Error()
			rep.Results = nil
		}
	}

	job, err := r.jobs.CompleteJob(ctx, store.JobCompletion{
		AgentID:      rep.AgentID,
		JobID:        rep.JobID,
		Status:       rep.Status,
		DurationMs:   rep.DurationMs,
		ErrorMessage: rep.ErrorMessage,
		Results:      rep.Results,
		At:           r.now(),
	})
	if err != nil {
		return nil, eris.Wrapf(err, "dispatch: report %s", rep.JobID)
	}

	log.Info("dispatch: job reported",
		zap.String("status", string(job.Status)),
		zap.Int64("duration_ms", rep.DurationMs),
	)
	return job, nil
}
