package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/contact-dispatch/internal/model"
)

var (
	// ErrNotFound is returned when a looked-up row does not exist.
	ErrNotFound = eris.New("store: not found")
	// ErrConflict is returned when a conditional write loses a race: the row
	// changed state or version since it was read.
	ErrConflict = eris.New("store: conflict")
)

// ContactStore persists contacts and the field mapping audit log.
//
// The Find* lookups return (nil, nil) when nothing matches. When several
// contacts match, the oldest one by (created_at, id) is returned.
type ContactStore interface {
	CreateContact(ctx context.Context, c *model.Contact) error
	GetContact(ctx context.Context, id string) (*model.Contact, error)
	// UpdateContact writes c only if the stored version still equals
	// expectedVersion, then sets c.Version to expectedVersion+1. A stale
	// version yields ErrConflict.
	UpdateContact(ctx context.Context, c *model.Contact, expectedVersion int) error

	FindByEmail(ctx context.Context, userID, email string) (*model.Contact, error)
	FindByUsernamePlatform(ctx context.Context, userID, username, platform string) (*model.Contact, error)
	FindByPhone(ctx context.Context, userID, phone string) (*model.Contact, error)
	// ListFuzzyCandidates returns the user's contacts that carry both a name
	// and a bio, ordered by (created_at, id).
	ListFuzzyCandidates(ctx context.Context, userID string) ([]model.Contact, error)

	LogMapping(ctx context.Context, entry model.MappingLogEntry) error
}

// JobFilter specifies criteria for listing jobs.
type JobFilter struct {
	Status   model.JobStatus `json:"status,omitempty"`
	Type     model.JobType   `json:"type,omitempty"`
	UserID   string          `json:"user_id,omitempty"`
	TargetID string          `json:"target_id,omitempty"`
	Limit    int             `json:"limit,omitempty"`
	Offset   int             `json:"offset,omitempty"`
}

// JobCompletion is a worker's terminal report for a job it holds.
type JobCompletion struct {
	AgentID      string
	JobID        string
	Status       model.JobStatus // completed or failed
	DurationMs   int64
	ErrorMessage string
	Results      json.RawMessage
	At           time.Time
}

// QueueStats is a point-in-time summary of the job queue and fleet.
type QueueStats struct {
	Pending         int        `json:"pending"`
	Processing      int        `json:"processing"`
	CompletedRecent int        `json:"completed_recent"`
	FailedRecent    int        `json:"failed_recent"`
	OldestPendingAt *time.Time `json:"oldest_pending_at,omitempty"`
	OnlineAgents    int        `json:"online_agents"`
	OfflineAgents   int        `json:"offline_agents"`
}

// JobStore is the durable job queue. Every state transition is a guarded
// conditional update; a transition whose precondition no longer holds
// returns ErrConflict.
type JobStore interface {
	EnqueueJob(ctx context.Context, job *model.EnrichmentJob) error
	EnqueueJobs(ctx context.Context, jobs []model.EnrichmentJob) (int64, error)
	GetJob(ctx context.Context, id string) (*model.EnrichmentJob, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]model.EnrichmentJob, error)
	// ListPendingJobs returns up to limit pending jobs, oldest first by
	// (created_at, id).
	ListPendingJobs(ctx context.Context, limit int) ([]model.EnrichmentJob, error)

	// ClaimJob moves a pending job to processing and opens a session for
	// the agent in one transaction.
	ClaimJob(ctx context.Context, jobID, agentID string, progress int, at time.Time) (*model.WorkerSession, error)
	// CompleteJob closes the agent's open session on the job (ErrNotFound
	// when there is none) and moves the job out of processing.
	CompleteJob(ctx context.Context, c JobCompletion) (*model.EnrichmentJob, error)
	// AbandonSession closes an open session as abandoned. When requeue is
	// set the job returns to pending with a retry record, otherwise it
	// fails with reason.
	AbandonSession(ctx context.Context, sessionID string, requeue bool, reason string, at time.Time) error

	RetryJob(ctx context.Context, jobID, requestedBy string, at time.Time) (*model.EnrichmentJob, error)
	CancelJob(ctx context.Context, jobID string, at time.Time) (*model.EnrichmentJob, error)
	ListRetries(ctx context.Context, jobID string) ([]model.JobRetry, error)
	ListSessions(ctx context.Context, jobID string) ([]model.WorkerSession, error)

	QueueStats(ctx context.Context, since time.Time) (*QueueStats, error)
}

// AgentStore persists the worker fleet.
type AgentStore interface {
	RegisterAgent(ctx context.Context, a *model.WorkerAgent) error
	GetAgent(ctx context.Context, id string) (*model.WorkerAgent, error)
	// TouchAgent records a heartbeat and marks the agent online. Nil
	// metrics leave the previous snapshot in place.
	TouchAgent(ctx context.Context, id string, metrics map[string]any, at time.Time) (*model.WorkerAgent, error)
	ListAgents(ctx context.Context) ([]model.WorkerAgent, error)
	// MarkStaleAgentsOffline flips online agents whose last heartbeat is
	// before cutoff to offline and returns their ids.
	MarkStaleAgentsOffline(ctx context.Context, cutoff time.Time) ([]string, error)
	// ListOrphanedSessions returns open sessions held by offline agents.
	ListOrphanedSessions(ctx context.Context) ([]model.WorkerSession, error)
}

// Store is the full persistence surface of the service.
type Store interface {
	ContactStore
	JobStore
	AgentStore

	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}
