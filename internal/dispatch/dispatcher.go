package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/contact-dispatch/internal/model"
	"github.com/sells-group/contact-dispatch/internal/store"
)

// Dispatch defaults.
const (
	DefaultClaimBatchSize = 10
	DefaultClaimProgress  = 10
)

// Claim is a job handed to a worker together with its open session.
type Claim struct {
	Job     *model.EnrichmentJob
	Session *model.WorkerSession
}

// Dispatcher matches polling workers to pending jobs.
type Dispatcher struct {
	jobs      store.JobStore
	agents    store.AgentStore
	batchSize int
	progress  int
	now       func() time.Time
}

// NewDispatcher creates a Dispatcher. Non-positive sizes select defaults.
func NewDispatcher(jobs store.JobStore, agents store.AgentStore, batchSize, progress int) *Dispatcher {
	if batchSize <= 0 {
		batchSize = DefaultClaimBatchSize
	}
	if progress <= 0 {
		progress = DefaultClaimProgress
	}
	return &Dispatcher{
		jobs:      jobs,
		agents:    agents,
		batchSize: batchSize,
		progress:  progress,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Claim hands the agent the oldest pending job it can run, or nil when
// there is none. Offline agents never receive work.
//
// The pending batch is read without locks; each candidate is then taken
// with a conditional pending->processing transition. A candidate lost to
// another worker is skipped in favour of the next one.
func (d *Dispatcher) Claim(ctx context.Context, agentID string) (*Claim, error) {
	if agentID == "" {
		return nil, invalid("dispatch: agent id is required")
	}
	agent, err := d.agents.GetAgent(ctx, agentID)
	if err != nil {
		return nil, eris.Wrapf(err, "dispatch: claim for %s", agentID)
	}
	log := zap.L().With(zap.String("component", "dispatcher"), zap.String("agent_id", agentID))
	if agent.Status != model.AgentOnline {
		log.Debug("dispatch: agent offline, no job")
		return nil, nil
	}

	pending, err := d.jobs.ListPendingJobs(ctx, d.batchSize)
	if err != nil {
		return nil, eris.Wrap(err, "dispatch: list pending jobs")
	}

	for i := range pending {
		job := &pending[i]
		if !agent.CanRun(job.PlatformRequired()) {
			continue
		}
		at := d.now()
		session, err := d.jobs.ClaimJob(ctx, job.ID, agent.ID, d.progress, at)
		if errors.Is(err, store.ErrConflict) {
			log.Debug("dispatch: lost claim race", zap.String("job_id", job.ID))
			continue
		}
		if err != nil {
			return nil, eris.Wrapf(err, "dispatch: claim job %s", job.ID)
		}

		job.Status = model.JobStatusProcessing
		job.StartedAt = &at
		job.CompletedAt = nil
		job.Progress = d.progress
		log.Info("dispatch: job claimed",
			zap.String("job_id", job.ID),
			zap.String("job_type", string(job.Type)),
			zap.String("session_id", session.ID),
		)
		return &Claim{Job: job, Session: session}, nil
	}
	return nil, nil
}
