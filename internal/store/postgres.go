package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rotisserie/eris"

	"github.com/sells-group/contact-dispatch/internal/db"
	"github.com/sells-group/contact-dispatch/internal/model"
)

// PostgresStore implements Store on a pgx pool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

var _ Store = (*PostgresStore)(nil)

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	opts := db.PoolOptions{MaxConns: 10, MinConns: 2}
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			opts.MaxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			opts.MinConns = poolCfg.MinConns
		}
	}
	pool, err := db.Connect(ctx, connString, opts)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: connect")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresWithPool wraps an existing pool. The caller keeps ownership.
func NewPostgresWithPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS contacts (
	id                TEXT PRIMARY KEY,
	user_id           TEXT NOT NULL,
	name              TEXT,
	email             TEXT,
	username          TEXT,
	phone             TEXT,
	bio               TEXT,
	profile_url       TEXT,
	platform          TEXT,
	location          TEXT,
	confidence_scores JSONB NOT NULL DEFAULT '{}',
	source_history    JSONB NOT NULL DEFAULT '[]',
	external_source   TEXT,
	version           INTEGER NOT NULL DEFAULT 1,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_contacts_user_email ON contacts(user_id, email);
CREATE INDEX IF NOT EXISTS idx_contacts_user_username ON contacts(user_id, username, platform);
CREATE INDEX IF NOT EXISTS idx_contacts_user_phone ON contacts(user_id, phone);
CREATE INDEX IF NOT EXISTS idx_contacts_user_created ON contacts(user_id, created_at, id);

CREATE TABLE IF NOT EXISTS field_mapping_logs (
	id              TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	user_id         TEXT NOT NULL,
	external_source TEXT NOT NULL,
	mappings        JSONB NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS enrichment_jobs (
	id            TEXT PRIMARY KEY,
	type          TEXT NOT NULL,
	status        TEXT NOT NULL DEFAULT 'pending',
	user_id       TEXT,
	target_id     TEXT,
	parameters    JSONB NOT NULL DEFAULT '{}',
	progress      INTEGER NOT NULL DEFAULT 0,
	results       JSONB,
	error_message TEXT,
	retry_count   INTEGER NOT NULL DEFAULT 0,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	started_at    TIMESTAMPTZ,
	completed_at  TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_jobs_pending ON enrichment_jobs(created_at, id) WHERE status = 'pending';
CREATE INDEX IF NOT EXISTS idx_jobs_status ON enrichment_jobs(status);
CREATE INDEX IF NOT EXISTS idx_jobs_target ON enrichment_jobs(target_id);

CREATE TABLE IF NOT EXISTS worker_agents (
	id             TEXT PRIMARY KEY,
	name           TEXT NOT NULL,
	platform       TEXT NOT NULL,
	capabilities   JSONB NOT NULL DEFAULT '{}',
	host_address   TEXT,
	status         TEXT NOT NULL DEFAULT 'online',
	last_heartbeat TIMESTAMPTZ NOT NULL,
	last_metrics   JSONB,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_agents_status_heartbeat ON worker_agents(status, last_heartbeat);

CREATE TABLE IF NOT EXISTS worker_sessions (
	id            TEXT PRIMARY KEY,
	agent_id      TEXT NOT NULL REFERENCES worker_agents(id),
	job_id        TEXT NOT NULL REFERENCES enrichment_jobs(id),
	status        TEXT NOT NULL DEFAULT 'in_progress',
	started_at    TIMESTAMPTZ NOT NULL,
	ended_at      TIMESTAMPTZ,
	duration_ms   BIGINT,
	error_message TEXT
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_open_job ON worker_sessions(job_id) WHERE status = 'in_progress';
CREATE INDEX IF NOT EXISTS idx_sessions_agent ON worker_sessions(agent_id, status);

CREATE TABLE IF NOT EXISTS job_retries (
	id             TEXT PRIMARY KEY,
	job_id         TEXT NOT NULL REFERENCES enrichment_jobs(id),
	previous_error TEXT,
	requested_by   TEXT NOT NULL,
	retry_count    INTEGER NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_job_retries_job ON job_retries(job_id);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// Contacts

func (s *PostgresStore) CreateContact(ctx context.Context, c *model.Contact) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.Version == 0 {
		c.Version = 1
	}
	args, err := contactArgs(c)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO contacts (`+contactColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		args...,
	)
	return eris.Wrap(err, "postgres: insert contact")
}

func (s *PostgresStore) GetContact(ctx context.Context, id string) (*model.Contact, error) {
	c, err := scanContact(s.pool.QueryRow(ctx, `SELECT `+contactColumns+` FROM contacts WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: contact %s", id)
	}
	return c, eris.Wrapf(err, "postgres: get contact %s", id)
}

func (s *PostgresStore) UpdateContact(ctx context.Context, c *model.Contact, expectedVersion int) error {
	args, err := contactArgs(c)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE contacts SET name = $1, email = $2, username = $3, phone = $4, bio = $5, profile_url = $6, platform = $7, location = $8,
			confidence_scores = $9, source_history = $10, external_source = $11, version = $12, updated_at = $13
		WHERE id = $14 AND version = $15`,
		args[2], args[3], args[4], args[5], args[6], args[7], args[8], args[9],
		args[10], args[11], args[12], expectedVersion+1, c.UpdatedAt,
		c.ID, expectedVersion,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update contact %s", c.ID)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetContact(ctx, c.ID); err != nil {
			return err
		}
		return eris.Wrapf(ErrConflict, "postgres: contact %s version %d", c.ID, expectedVersion)
	}
	c.Version = expectedVersion + 1
	return nil
}

func (s *PostgresStore) findContact(ctx context.Context, where string, args ...any) (*model.Contact, error) {
	c, err := scanContact(s.pool.QueryRow(ctx,
		`SELECT `+contactColumns+` FROM contacts WHERE `+where+` ORDER BY created_at, id LIMIT 1`, args...,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return c, eris.Wrap(err, "postgres: find contact")
}

func (s *PostgresStore) FindByEmail(ctx context.Context, userID, email string) (*model.Contact, error) {
	return s.findContact(ctx, `user_id = $1 AND email = $2`, userID, email)
}

func (s *PostgresStore) FindByUsernamePlatform(ctx context.Context, userID, username, platform string) (*model.Contact, error) {
	return s.findContact(ctx, `user_id = $1 AND username = $2 AND platform = $3`, userID, username, platform)
}

func (s *PostgresStore) FindByPhone(ctx context.Context, userID, phone string) (*model.Contact, error) {
	return s.findContact(ctx, `user_id = $1 AND phone = $2`, userID, phone)
}

func (s *PostgresStore) ListFuzzyCandidates(ctx context.Context, userID string) ([]model.Contact, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+contactColumns+` FROM contacts
		WHERE user_id = $1 AND name IS NOT NULL AND bio IS NOT NULL
		ORDER BY created_at, id`, userID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list fuzzy candidates")
	}
	defer rows.Close()

	var out []model.Contact
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan contact")
		}
		out = append(out, *c)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate contacts")
}

func (s *PostgresStore) LogMapping(ctx context.Context, entry model.MappingLogEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	mappings, err := marshalJSON(entry.Mappings, "mappings")
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO field_mapping_logs (id, user_id, external_source, mappings, created_at) VALUES ($1, $2, $3, $4, $5)`,
		entry.ID, entry.UserID, entry.ExternalSource, mappings, entry.CreatedAt,
	)
	return eris.Wrap(err, "postgres: insert mapping log")
}

// Jobs

func (s *PostgresStore) EnqueueJob(ctx context.Context, job *model.EnrichmentJob) error {
	args, err := jobArgs(job)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO enrichment_jobs (`+jobColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		args...,
	)
	return eris.Wrapf(err, "postgres: insert job %s", job.ID)
}

var jobCopyColumns = []string{
	"id", "type", "status", "user_id", "target_id", "parameters", "progress",
	"results", "error_message", "retry_count", "created_at", "started_at", "completed_at",
}

// EnqueueJobs bulk-inserts jobs with COPY.
func (s *PostgresStore) EnqueueJobs(ctx context.Context, jobs []model.EnrichmentJob) (int64, error) {
	rows := make([][]any, 0, len(jobs))
	for i := range jobs {
		args, err := jobArgs(&jobs[i])
		if err != nil {
			return 0, err
		}
		rows = append(rows, args)
	}
	n, err := db.CopyFrom(ctx, s.pool, "enrichment_jobs", jobCopyColumns, rows)
	return n, eris.Wrap(err, "postgres: enqueue jobs")
}

func (s *PostgresStore) GetJob(ctx context.Context, id string) (*model.EnrichmentJob, error) {
	return getJobPostgres(ctx, s.pool, id)
}

type pgQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func getJobPostgres(ctx context.Context, q pgQuerier, id string) (*model.EnrichmentJob, error) {
	j, err := scanJob(q.QueryRow(ctx, `SELECT `+jobColumns+` FROM enrichment_jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: job %s", id)
	}
	return j, eris.Wrapf(err, "postgres: get job %s", id)
}

func (s *PostgresStore) ListJobs(ctx context.Context, filter JobFilter) ([]model.EnrichmentJob, error) {
	query := `SELECT ` + jobColumns + ` FROM enrichment_jobs WHERE 1=1`
	var args []any
	argN := 1

	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argN)
		args = append(args, string(filter.Status))
		argN++
	}
	if filter.Type != "" {
		query += fmt.Sprintf(` AND type = $%d`, argN)
		args = append(args, string(filter.Type))
		argN++
	}
	if filter.UserID != "" {
		query += fmt.Sprintf(` AND user_id = $%d`, argN)
		args = append(args, filter.UserID)
		argN++
	}
	if filter.TargetID != "" {
		query += fmt.Sprintf(` AND target_id = $%d`, argN)
		args = append(args, filter.TargetID)
		argN++
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(` LIMIT $%d`, argN)
		args = append(args, filter.Limit)
		argN++
		if filter.Offset > 0 {
			query += fmt.Sprintf(` OFFSET $%d`, argN)
			args = append(args, filter.Offset)
		}
	}
	return s.queryJobs(ctx, query, args...)
}

func (s *PostgresStore) ListPendingJobs(ctx context.Context, limit int) ([]model.EnrichmentJob, error) {
	return s.queryJobs(ctx,
		`SELECT `+jobColumns+` FROM enrichment_jobs WHERE status = $1 ORDER BY created_at, id LIMIT $2`,
		string(model.JobStatusPending), limit,
	)
}

func (s *PostgresStore) queryJobs(ctx context.Context, query string, args ...any) ([]model.EnrichmentJob, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list jobs")
	}
	defer rows.Close()

	var out []model.EnrichmentJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan job")
		}
		out = append(out, *j)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate jobs")
}

func (s *PostgresStore) ClaimJob(ctx context.Context, jobID, agentID string, progress int, at time.Time) (*model.WorkerSession, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tag, err := tx.Exec(ctx,
		`UPDATE enrichment_jobs SET status = $1, started_at = $2, progress = $3, completed_at = NULL
		WHERE id = $4 AND status = $5`,
		string(model.JobStatusProcessing), at, progress, jobID, string(model.JobStatusPending),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: claim job %s", jobID)
	}
	if tag.RowsAffected() == 0 {
		return nil, eris.Wrapf(ErrConflict, "postgres: job %s is not pending", jobID)
	}

	sess := &model.WorkerSession{
		ID:        uuid.New().String(),
		AgentID:   agentID,
		JobID:     jobID,
		Status:    model.SessionInProgress,
		StartedAt: at,
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO worker_sessions (id, agent_id, job_id, status, started_at) VALUES ($1, $2, $3, $4, $5)`,
		sess.ID, sess.AgentID, sess.JobID, string(sess.Status), sess.StartedAt,
	); err != nil {
		if isUniqueViolation(err) {
			return nil, eris.Wrapf(ErrConflict, "postgres: job %s already has an open session", jobID)
		}
		return nil, eris.Wrapf(err, "postgres: open session for job %s", jobID)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrap(err, "postgres: commit claim")
	}
	return sess, nil
}

func (s *PostgresStore) CompleteJob(ctx context.Context, c JobCompletion) (*model.EnrichmentJob, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	sessStatus := model.SessionCompleted
	progress := 100
	if c.Status == model.JobStatusFailed {
		sessStatus = model.SessionFailed
		progress = 0
	}

	tag, err := tx.Exec(ctx,
		`UPDATE worker_sessions SET status = $1, ended_at = $2, duration_ms = $3, error_message = $4
		WHERE agent_id = $5 AND job_id = $6 AND status = $7`,
		string(sessStatus), c.At, c.DurationMs, nullable(c.ErrorMessage),
		c.AgentID, c.JobID, string(model.SessionInProgress),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: close session for job %s", c.JobID)
	}
	if tag.RowsAffected() == 0 {
		return nil, eris.Wrapf(ErrNotFound, "postgres: no open session for agent %s on job %s", c.AgentID, c.JobID)
	}

	var results any
	if len(c.Results) > 0 {
		results = string(c.Results)
	}
	job, err := scanJob(tx.QueryRow(ctx,
		`UPDATE enrichment_jobs SET status = $1, progress = $2, error_message = $3, results = $4, completed_at = $5
		WHERE id = $6 AND status = $7
		RETURNING `+jobColumns,
		string(c.Status), progress, nullable(c.ErrorMessage), results, c.At,
		c.JobID, string(model.JobStatusProcessing),
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrConflict, "postgres: job %s is not processing", c.JobID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: complete job %s", c.JobID)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrap(err, "postgres: commit completion")
	}
	return job, nil
}

func (s *PostgresStore) AbandonSession(ctx context.Context, sessionID string, requeue bool, reason string, at time.Time) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var jobID string
	err = tx.QueryRow(ctx,
		`UPDATE worker_sessions SET status = $1, ended_at = $2,
			duration_ms = GREATEST(0, (EXTRACT(EPOCH FROM ($2 - started_at)) * 1000)::BIGINT), error_message = $3
		WHERE id = $4 AND status = $5
		RETURNING job_id`,
		string(model.SessionAbandoned), at, reason, sessionID, string(model.SessionInProgress),
	).Scan(&jobID)
	if errors.Is(err, pgx.ErrNoRows) {
		return eris.Wrapf(ErrNotFound, "postgres: open session %s", sessionID)
	}
	if err != nil {
		return eris.Wrapf(err, "postgres: abandon session %s", sessionID)
	}

	if requeue {
		var prevErr *string
		var retryCount int
		err = tx.QueryRow(ctx,
			`UPDATE enrichment_jobs SET status = $1, started_at = NULL, progress = 0, retry_count = retry_count + 1
			WHERE id = $2 AND status = $3
			RETURNING error_message, retry_count`,
			string(model.JobStatusPending), jobID, string(model.JobStatusProcessing),
		).Scan(&prevErr, &retryCount)
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			// Job already left processing; only the session needed closing.
		case err != nil:
			return eris.Wrapf(err, "postgres: requeue job %s", jobID)
		default:
			if _, err := tx.Exec(ctx,
				`INSERT INTO job_retries (`+retryColumns+`) VALUES ($1, $2, $3, $4, $5, $6)`,
				uuid.New().String(), jobID, nullable(firstNonEmpty(deref(prevErr), reason)), "sweeper", retryCount, at,
			); err != nil {
				return eris.Wrapf(err, "postgres: insert retry for job %s", jobID)
			}
		}
	} else {
		if _, err := tx.Exec(ctx,
			`UPDATE enrichment_jobs SET status = $1, error_message = $2, progress = 0, completed_at = $3
			WHERE id = $4 AND status = $5`,
			string(model.JobStatusFailed), reason, at, jobID, string(model.JobStatusProcessing),
		); err != nil {
			return eris.Wrapf(err, "postgres: fail job %s", jobID)
		}
	}

	return eris.Wrap(tx.Commit(ctx), "postgres: commit abandon")
}

func (s *PostgresStore) RetryJob(ctx context.Context, jobID, requestedBy string, at time.Time) (*model.EnrichmentJob, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var status model.JobStatus
	var prevErr *string
	err = tx.QueryRow(ctx,
		`SELECT status, error_message FROM enrichment_jobs WHERE id = $1 FOR UPDATE`, jobID,
	).Scan(&status, &prevErr)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: job %s", jobID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: lock job %s", jobID)
	}
	if status != model.JobStatusFailed {
		return nil, eris.Wrapf(ErrConflict, "postgres: job %s is %s, not failed", jobID, status)
	}

	job, err := scanJob(tx.QueryRow(ctx,
		`UPDATE enrichment_jobs SET status = $1, error_message = NULL, results = NULL, started_at = NULL,
			completed_at = NULL, progress = 0, retry_count = retry_count + 1
		WHERE id = $2
		RETURNING `+jobColumns,
		string(model.JobStatusPending), jobID,
	))
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: retry job %s", jobID)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO job_retries (`+retryColumns+`) VALUES ($1, $2, $3, $4, $5, $6)`,
		uuid.New().String(), jobID, prevErr, requestedBy, job.RetryCount, at,
	); err != nil {
		return nil, eris.Wrapf(err, "postgres: insert retry for job %s", jobID)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrap(err, "postgres: commit retry")
	}
	return job, nil
}

func (s *PostgresStore) CancelJob(ctx context.Context, jobID string, at time.Time) (*model.EnrichmentJob, error) {
	job, err := scanJob(s.pool.QueryRow(ctx,
		`UPDATE enrichment_jobs SET status = $1, completed_at = $2
		WHERE id = $3 AND status = $4
		RETURNING `+jobColumns,
		string(model.JobStatusCancelled), at, jobID, string(model.JobStatusPending),
	))
	if errors.Is(err, pgx.ErrNoRows) {
		current, getErr := s.GetJob(ctx, jobID)
		if getErr != nil {
			return nil, getErr
		}
		return nil, eris.Wrapf(ErrConflict, "postgres: job %s is %s, not pending", jobID, current.Status)
	}
	return job, eris.Wrapf(err, "postgres: cancel job %s", jobID)
}

func (s *PostgresStore) ListRetries(ctx context.Context, jobID string) ([]model.JobRetry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+retryColumns+` FROM job_retries WHERE job_id = $1 ORDER BY created_at, id`, jobID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list retries")
	}
	defer rows.Close()

	var out []model.JobRetry
	for rows.Next() {
		r, err := scanRetry(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan retry")
		}
		out = append(out, *r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate retries")
}

func (s *PostgresStore) ListSessions(ctx context.Context, jobID string) ([]model.WorkerSession, error) {
	return s.querySessions(ctx,
		`SELECT `+sessionColumns+` FROM worker_sessions WHERE job_id = $1 ORDER BY started_at, id`, jobID,
	)
}

func (s *PostgresStore) querySessions(ctx context.Context, query string, args ...any) ([]model.WorkerSession, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list sessions")
	}
	defer rows.Close()

	var out []model.WorkerSession
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan session")
		}
		out = append(out, *sess)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate sessions")
}

func (s *PostgresStore) QueueStats(ctx context.Context, since time.Time) (*QueueStats, error) {
	var st QueueStats
	err := s.pool.QueryRow(ctx,
		`SELECT
			COUNT(*) FILTER (WHERE status = 'pending'),
			COUNT(*) FILTER (WHERE status = 'processing'),
			COUNT(*) FILTER (WHERE status = 'completed' AND completed_at >= $1),
			COUNT(*) FILTER (WHERE status = 'failed' AND completed_at >= $1),
			MIN(created_at) FILTER (WHERE status = 'pending')
		FROM enrichment_jobs`, since,
	).Scan(&st.Pending, &st.Processing, &st.CompletedRecent, &st.FailedRecent, &st.OldestPendingAt)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: job stats")
	}

	err = s.pool.QueryRow(ctx,
		`SELECT
			COUNT(*) FILTER (WHERE status = 'online'),
			COUNT(*) FILTER (WHERE status = 'offline')
		FROM worker_agents`,
	).Scan(&st.OnlineAgents, &st.OfflineAgents)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: agent stats")
	}
	return &st, nil
}

// Agents

func (s *PostgresStore) RegisterAgent(ctx context.Context, a *model.WorkerAgent) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	caps, err := marshalJSON(a.Capabilities, "capabilities")
	if err != nil {
		return err
	}
	metrics, err := marshalMetrics(a.LastMetrics)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO worker_agents (`+agentColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		a.ID, a.Name, a.Platform, caps, nullable(a.HostAddress), string(a.Status), a.LastHeartbeat, metrics, a.CreatedAt,
	)
	return eris.Wrap(err, "postgres: insert agent")
}

func (s *PostgresStore) GetAgent(ctx context.Context, id string) (*model.WorkerAgent, error) {
	a, err := scanAgent(s.pool.QueryRow(ctx, `SELECT `+agentColumns+` FROM worker_agents WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: agent %s", id)
	}
	return a, eris.Wrapf(err, "postgres: get agent %s", id)
}

func (s *PostgresStore) TouchAgent(ctx context.Context, id string, metrics map[string]any, at time.Time) (*model.WorkerAgent, error) {
	m, err := marshalMetrics(metrics)
	if err != nil {
		return nil, err
	}
	a, err := scanAgent(s.pool.QueryRow(ctx,
		`UPDATE worker_agents SET status = $1, last_heartbeat = $2, last_metrics = COALESCE($3::jsonb, last_metrics)
		WHERE id = $4
		RETURNING `+agentColumns,
		string(model.AgentOnline), at, m, id,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: agent %s", id)
	}
	return a, eris.Wrapf(err, "postgres: touch agent %s", id)
}

func (s *PostgresStore) ListAgents(ctx context.Context) ([]model.WorkerAgent, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+agentColumns+` FROM worker_agents ORDER BY created_at, id`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list agents")
	}
	defer rows.Close()

	var out []model.WorkerAgent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan agent")
		}
		out = append(out, *a)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate agents")
}

func (s *PostgresStore) MarkStaleAgentsOffline(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`UPDATE worker_agents SET status = $1 WHERE status = $2 AND last_heartbeat < $3 RETURNING id`,
		string(model.AgentOffline), string(model.AgentOnline), cutoff,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: mark stale agents")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "postgres: scan agent id")
		}
		ids = append(ids, id)
	}
	return ids, eris.Wrap(rows.Err(), "postgres: iterate agent ids")
}

func (s *PostgresStore) ListOrphanedSessions(ctx context.Context) ([]model.WorkerSession, error) {
	return s.querySessions(ctx,
		`SELECT s.id, s.agent_id, s.job_id, s.status, s.started_at, s.ended_at, s.duration_ms, s.error_message
		FROM worker_sessions s
		JOIN worker_agents a ON a.id = s.agent_id
		WHERE s.status = $1 AND a.status = $2
		ORDER BY s.started_at, s.id`,
		string(model.SessionInProgress), string(model.AgentOffline),
	)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
