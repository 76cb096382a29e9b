package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/contact-dispatch/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. The pool is held to
// a single connection so every transaction is serialized; the guarded
// updates then behave exactly like their Postgres counterparts.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
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
	confidence_scores TEXT NOT NULL DEFAULT '{}',
	source_history    TEXT NOT NULL DEFAULT '[]',
	external_source   TEXT,
	version           INTEGER NOT NULL DEFAULT 1,
	created_at        DATETIME NOT NULL,
	updated_at        DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_contacts_user_email ON contacts(user_id, email);
CREATE INDEX IF NOT EXISTS idx_contacts_user_username ON contacts(user_id, username, platform);
CREATE INDEX IF NOT EXISTS idx_contacts_user_phone ON contacts(user_id, phone);

CREATE TABLE IF NOT EXISTS field_mapping_logs (
	id              TEXT PRIMARY KEY,
	user_id         TEXT NOT NULL,
	external_source TEXT NOT NULL,
	mappings        TEXT NOT NULL,
	created_at      DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS enrichment_jobs (
	id            TEXT PRIMARY KEY,
	type          TEXT NOT NULL,
	status        TEXT NOT NULL DEFAULT 'pending',
	user_id       TEXT,
	target_id     TEXT,
	parameters    TEXT NOT NULL DEFAULT '{}',
	progress      INTEGER NOT NULL DEFAULT 0,
	results       TEXT,
	error_message TEXT,
	retry_count   INTEGER NOT NULL DEFAULT 0,
	created_at    DATETIME NOT NULL,
	started_at    DATETIME,
	completed_at  DATETIME
);

CREATE INDEX IF NOT EXISTS idx_jobs_status_created ON enrichment_jobs(status, created_at, id);
CREATE INDEX IF NOT EXISTS idx_jobs_target ON enrichment_jobs(target_id);

CREATE TABLE IF NOT EXISTS worker_agents (
	id             TEXT PRIMARY KEY,
	name           TEXT NOT NULL,
	platform       TEXT NOT NULL,
	capabilities   TEXT NOT NULL DEFAULT '{}',
	host_address   TEXT,
	status         TEXT NOT NULL DEFAULT 'online',
	last_heartbeat DATETIME NOT NULL,
	last_metrics   TEXT,
	created_at     DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS worker_sessions (
	id            TEXT PRIMARY KEY,
	agent_id      TEXT NOT NULL REFERENCES worker_agents(id),
	job_id        TEXT NOT NULL REFERENCES enrichment_jobs(id),
	status        TEXT NOT NULL DEFAULT 'in_progress',
	started_at    DATETIME NOT NULL,
	ended_at      DATETIME,
	duration_ms   INTEGER,
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
	created_at     DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_job_retries_job ON job_retries(job_id);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Contacts

func (s *SQLiteStore) CreateContact(ctx context.Context, c *model.Contact) error {
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
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO contacts (`+contactColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		args...,
	)
	return eris.Wrap(err, "sqlite: insert contact")
}

func (s *SQLiteStore) GetContact(ctx context.Context, id string) (*model.Contact, error) {
	c, err := scanContact(s.db.QueryRowContext(ctx,
		`SELECT `+contactColumns+` FROM contacts WHERE id = ?`, id,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: contact %s", id)
	}
	return c, eris.Wrapf(err, "sqlite: get contact %s", id)
}

func (s *SQLiteStore) UpdateContact(ctx context.Context, c *model.Contact, expectedVersion int) error {
	args, err := contactArgs(c)
	if err != nil {
		return err
	}
	// args[2:10] are the canonical fields, then scores and history.
	res, err := s.db.ExecContext(ctx,
		`UPDATE contacts SET name = ?, email = ?, username = ?, phone = ?, bio = ?, profile_url = ?, platform = ?, location = ?,
			confidence_scores = ?, source_history = ?, external_source = ?, version = ?, updated_at = ?
		WHERE id = ? AND version = ?`,
		args[2], args[3], args[4], args[5], args[6], args[7], args[8], args[9],
		args[10], args[11], args[12], expectedVersion+1, c.UpdatedAt,
		c.ID, expectedVersion,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update contact %s", c.ID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		if _, err := s.GetContact(ctx, c.ID); err != nil {
			return err
		}
		return eris.Wrapf(ErrConflict, "sqlite: contact %s version %d", c.ID, expectedVersion)
	}
	c.Version = expectedVersion + 1
	return nil
}

func (s *SQLiteStore) findContact(ctx context.Context, where string, args ...any) (*model.Contact, error) {
	c, err := scanContact(s.db.QueryRowContext(ctx,
		`SELECT `+contactColumns+` FROM contacts WHERE `+where+` ORDER BY created_at, id LIMIT 1`, args...,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return c, eris.Wrap(err, "sqlite: find contact")
}

func (s *SQLiteStore) FindByEmail(ctx context.Context, userID, email string) (*model.Contact, error) {
	return s.findContact(ctx, `user_id = ? AND email = ?`, userID, email)
}

func (s *SQLiteStore) FindByUsernamePlatform(ctx context.Context, userID, username, platform string) (*model.Contact, error) {
	return s.findContact(ctx, `user_id = ? AND username = ? AND platform = ?`, userID, username, platform)
}

func (s *SQLiteStore) FindByPhone(ctx context.Context, userID, phone string) (*model.Contact, error) {
	return s.findContact(ctx, `user_id = ? AND phone = ?`, userID, phone)
}

func (s *SQLiteStore) ListFuzzyCandidates(ctx context.Context, userID string) ([]model.Contact, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+contactColumns+` FROM contacts
		WHERE user_id = ? AND name IS NOT NULL AND bio IS NOT NULL
		ORDER BY created_at, id`, userID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list fuzzy candidates")
	}
	defer rows.Close()

	var out []model.Contact
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan contact")
		}
		out = append(out, *c)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate contacts")
}

func (s *SQLiteStore) LogMapping(ctx context.Context, entry model.MappingLogEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	mappings, err := marshalJSON(entry.Mappings, "mappings")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO field_mapping_logs (id, user_id, external_source, mappings, created_at) VALUES (?, ?, ?, ?, ?)`,
		entry.ID, entry.UserID, entry.ExternalSource, mappings, entry.CreatedAt,
	)
	return eris.Wrap(err, "sqlite: insert mapping log")
}

// Jobs

func (s *SQLiteStore) EnqueueJob(ctx context.Context, job *model.EnrichmentJob) error {
	args, err := jobArgs(job)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO enrichment_jobs (`+jobColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		args...,
	)
	return eris.Wrapf(err, "sqlite: insert job %s", job.ID)
}

func (s *SQLiteStore) EnqueueJobs(ctx context.Context, jobs []model.EnrichmentJob) (int64, error) {
	if len(jobs) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	for i := range jobs {
		args, err := jobArgs(&jobs[i])
		if err != nil {
			return 0, err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO enrichment_jobs (`+jobColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			args...,
		); err != nil {
			return 0, eris.Wrapf(err, "sqlite: insert job %s", jobs[i].ID)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: commit jobs")
	}
	return int64(len(jobs)), nil
}

func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*model.EnrichmentJob, error) {
	return getJobSQLite(ctx, s.db, id)
}

type sqliteQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func getJobSQLite(ctx context.Context, q sqliteQuerier, id string) (*model.EnrichmentJob, error) {
	j, err := scanJob(q.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM enrichment_jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: job %s", id)
	}
	return j, eris.Wrapf(err, "sqlite: get job %s", id)
}

func (s *SQLiteStore) ListJobs(ctx context.Context, filter JobFilter) ([]model.EnrichmentJob, error) {
	query := `SELECT ` + jobColumns + ` FROM enrichment_jobs WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.Type != "" {
		query += ` AND type = ?`
		args = append(args, string(filter.Type))
	}
	if filter.UserID != "" {
		query += ` AND user_id = ?`
		args = append(args, filter.UserID)
	}
	if filter.TargetID != "" {
		query += ` AND target_id = ?`
		args = append(args, filter.TargetID)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(` OFFSET %d`, filter.Offset)
		}
	}
	return s.queryJobs(ctx, query, args...)
}

func (s *SQLiteStore) ListPendingJobs(ctx context.Context, limit int) ([]model.EnrichmentJob, error) {
	return s.queryJobs(ctx,
		`SELECT `+jobColumns+` FROM enrichment_jobs WHERE status = ? ORDER BY created_at, id LIMIT ?`,
		string(model.JobStatusPending), limit,
	)
}

func (s *SQLiteStore) queryJobs(ctx context.Context, query string, args ...any) ([]model.EnrichmentJob, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list jobs")
	}
	defer rows.Close()

	var out []model.EnrichmentJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan job")
		}
		out = append(out, *j)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate jobs")
}

func (s *SQLiteStore) ClaimJob(ctx context.Context, jobID, agentID string, progress int, at time.Time) (*model.WorkerSession, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx,
		`UPDATE enrichment_jobs SET status = ?, started_at = ?, progress = ?, completed_at = NULL
		WHERE id = ? AND status = ?`,
		string(model.JobStatusProcessing), at, progress, jobID, string(model.JobStatusPending),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: claim job %s", jobID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, eris.Wrapf(ErrConflict, "sqlite: job %s is not pending", jobID)
	}

	sess := &model.WorkerSession{
		ID:        uuid.New().String(),
		AgentID:   agentID,
		JobID:     jobID,
		Status:    model.SessionInProgress,
		StartedAt: at,
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO worker_sessions (id, agent_id, job_id, status, started_at) VALUES (?, ?, ?, ?, ?)`,
		sess.ID, sess.AgentID, sess.JobID, string(sess.Status), sess.StartedAt,
	); err != nil {
		return nil, eris.Wrapf(err, "sqlite: open session for job %s", jobID)
	}
	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "sqlite: commit claim")
	}
	return sess, nil
}

func (s *SQLiteStore) CompleteJob(ctx context.Context, c JobCompletion) (*model.EnrichmentJob, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	sessStatus := model.SessionCompleted
	progress := 100
	if c.Status == model.JobStatusFailed {
		sessStatus = model.SessionFailed
		progress = 0
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE worker_sessions SET status = ?, ended_at = ?, duration_ms = ?, error_message = ?
		WHERE agent_id = ? AND job_id = ? AND status = ?`,
		string(sessStatus), c.At, c.DurationMs, nullable(c.ErrorMessage),
		c.AgentID, c.JobID, string(model.SessionInProgress),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: close session for job %s", c.JobID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: no open session for agent %s on job %s", c.AgentID, c.JobID)
	}

	var results any
	if len(c.Results) > 0 {
		results = string(c.Results)
	}
	res, err = tx.ExecContext(ctx,
		`UPDATE enrichment_jobs SET status = ?, progress = ?, error_message = ?, results = ?, completed_at = ?
		WHERE id = ? AND status = ?`,
		string(c.Status), progress, nullable(c.ErrorMessage), results, c.At,
		c.JobID, string(model.JobStatusProcessing),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: complete job %s", c.JobID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, eris.Wrapf(ErrConflict, "sqlite: job %s is not processing", c.JobID)
	}

	job, err := getJobSQLite(ctx, tx, c.JobID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "sqlite: commit completion")
	}
	return job, nil
}

func (s *SQLiteStore) AbandonSession(ctx context.Context, sessionID string, requeue bool, reason string, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	var jobID string
	var startedAt time.Time
	err = tx.QueryRowContext(ctx,
		`SELECT job_id, started_at FROM worker_sessions WHERE id = ? AND status = ?`,
		sessionID, string(model.SessionInProgress),
	).Scan(&jobID, &startedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return eris.Wrapf(ErrNotFound, "sqlite: open session %s", sessionID)
	}
	if err != nil {
		return eris.Wrapf(err, "sqlite: get session %s", sessionID)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE worker_sessions SET status = ?, ended_at = ?, duration_ms = ?, error_message = ? WHERE id = ?`,
		string(model.SessionAbandoned), at, durationMs(startedAt, at), reason, sessionID,
	); err != nil {
		return eris.Wrapf(err, "sqlite: abandon session %s", sessionID)
	}

	if requeue {
		var prevErr *string
		var retryCount int
		err = tx.QueryRowContext(ctx,
			`UPDATE enrichment_jobs SET status = ?, started_at = NULL, progress = 0, retry_count = retry_count + 1
			WHERE id = ? AND status = ? RETURNING error_message, retry_count`,
			string(model.JobStatusPending), jobID, string(model.JobStatusProcessing),
		).Scan(&prevErr, &retryCount)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			// Job already left processing; only the session needed closing.
		case err != nil:
			return eris.Wrapf(err, "sqlite: requeue job %s", jobID)
		default:
			if err := insertRetrySQLite(ctx, tx, jobID, firstNonEmpty(deref(prevErr), reason), "sweeper", retryCount, at); err != nil {
				return err
			}
		}
	} else {
		if _, err := tx.ExecContext(ctx,
			`UPDATE enrichment_jobs SET status = ?, error_message = ?, progress = 0, completed_at = ?
			WHERE id = ? AND status = ?`,
			string(model.JobStatusFailed), reason, at, jobID, string(model.JobStatusProcessing),
		); err != nil {
			return eris.Wrapf(err, "sqlite: fail job %s", jobID)
		}
	}

	return eris.Wrap(tx.Commit(), "sqlite: commit abandon")
}

func insertRetrySQLite(ctx context.Context, tx *sql.Tx, jobID, prevErr, requestedBy string, retryCount int, at time.Time) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO job_retries (`+retryColumns+`) VALUES (?, ?, ?, ?, ?, ?)`,
		uuid.New().String(), jobID, nullable(prevErr), requestedBy, retryCount, at,
	)
	return eris.Wrapf(err, "sqlite: insert retry for job %s", jobID)
}

func (s *SQLiteStore) RetryJob(ctx context.Context, jobID, requestedBy string, at time.Time) (*model.EnrichmentJob, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	job, err := getJobSQLite(ctx, tx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != model.JobStatusFailed {
		return nil, eris.Wrapf(ErrConflict, "sqlite: job %s is %s, not failed", jobID, job.Status)
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE enrichment_jobs SET status = ?, error_message = NULL, results = NULL, started_at = NULL,
			completed_at = NULL, progress = 0, retry_count = retry_count + 1
		WHERE id = ? AND status = ?`,
		string(model.JobStatusPending), jobID, string(model.JobStatusFailed),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: retry job %s", jobID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, eris.Wrapf(ErrConflict, "sqlite: job %s changed during retry", jobID)
	}
	if err := insertRetrySQLite(ctx, tx, jobID, job.ErrorMessage, requestedBy, job.RetryCount+1, at); err != nil {
		return nil, err
	}

	updated, err := getJobSQLite(ctx, tx, jobID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "sqlite: commit retry")
	}
	return updated, nil
}

func (s *SQLiteStore) CancelJob(ctx context.Context, jobID string, at time.Time) (*model.EnrichmentJob, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx,
		`UPDATE enrichment_jobs SET status = ?, completed_at = ? WHERE id = ? AND status = ?`,
		string(model.JobStatusCancelled), at, jobID, string(model.JobStatusPending),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: cancel job %s", jobID)
	}
	job, err := getJobSQLite(ctx, tx, jobID)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, eris.Wrapf(ErrConflict, "sqlite: job %s is %s, not pending", jobID, job.Status)
	}
	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "sqlite: commit cancel")
	}
	return job, nil
}

func (s *SQLiteStore) ListRetries(ctx context.Context, jobID string) ([]model.JobRetry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+retryColumns+` FROM job_retries WHERE job_id = ? ORDER BY created_at, id`, jobID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list retries")
	}
	defer rows.Close()

	var out []model.JobRetry
	for rows.Next() {
		r, err := scanRetry(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan retry")
		}
		out = append(out, *r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate retries")
}

func (s *SQLiteStore) ListSessions(ctx context.Context, jobID string) ([]model.WorkerSession, error) {
	return s.querySessions(ctx,
		`SELECT `+sessionColumns+` FROM worker_sessions WHERE job_id = ? ORDER BY started_at, id`, jobID,
	)
}

func (s *SQLiteStore) querySessions(ctx context.Context, query string, args ...any) ([]model.WorkerSession, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list sessions")
	}
	defer rows.Close()

	var out []model.WorkerSession
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan session")
		}
		out = append(out, *sess)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate sessions")
}

func (s *SQLiteStore) QueueStats(ctx context.Context, since time.Time) (*QueueStats, error) {
	var st QueueStats
	err := s.db.QueryRowContext(ctx,
		`SELECT
			COALESCE(SUM(CASE WHEN status = 'pending' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'processing' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'completed' AND completed_at >= ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'failed' AND completed_at >= ? THEN 1 ELSE 0 END), 0)
		FROM enrichment_jobs`, since, since,
	).Scan(&st.Pending, &st.Processing, &st.CompletedRecent, &st.FailedRecent)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: job stats")
	}

	var oldest time.Time
	err = s.db.QueryRowContext(ctx,
		`SELECT created_at FROM enrichment_jobs WHERE status = 'pending' ORDER BY created_at, id LIMIT 1`,
	).Scan(&oldest)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return nil, eris.Wrap(err, "sqlite: oldest pending job")
	default:
		st.OldestPendingAt = &oldest
	}

	err = s.db.QueryRowContext(ctx,
		`SELECT
			COALESCE(SUM(CASE WHEN status = 'online' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'offline' THEN 1 ELSE 0 END), 0)
		FROM worker_agents`,
	).Scan(&st.OnlineAgents, &st.OfflineAgents)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: agent stats")
	}
	return &st, nil
}

// Agents

func (s *SQLiteStore) RegisterAgent(ctx context.Context, a *model.WorkerAgent) error {
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
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO worker_agents (`+agentColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.Name, a.Platform, caps, nullable(a.HostAddress), string(a.Status), a.LastHeartbeat, metrics, a.CreatedAt,
	)
	return eris.Wrap(err, "sqlite: insert agent")
}

func (s *SQLiteStore) GetAgent(ctx context.Context, id string) (*model.WorkerAgent, error) {
	a, err := scanAgent(s.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM worker_agents WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: agent %s", id)
	}
	return a, eris.Wrapf(err, "sqlite: get agent %s", id)
}

func (s *SQLiteStore) TouchAgent(ctx context.Context, id string, metrics map[string]any, at time.Time) (*model.WorkerAgent, error) {
	m, err := marshalMetrics(metrics)
	if err != nil {
		return nil, err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE worker_agents SET status = ?, last_heartbeat = ?, last_metrics = COALESCE(?, last_metrics) WHERE id = ?`,
		string(model.AgentOnline), at, m, id,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: touch agent %s", id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: agent %s", id)
	}
	return s.GetAgent(ctx, id)
}

func (s *SQLiteStore) ListAgents(ctx context.Context) ([]model.WorkerAgent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+agentColumns+` FROM worker_agents ORDER BY created_at, id`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list agents")
	}
	defer rows.Close()

	var out []model.WorkerAgent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan agent")
		}
		out = append(out, *a)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate agents")
}

func (s *SQLiteStore) MarkStaleAgentsOffline(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`UPDATE worker_agents SET status = ? WHERE status = ? AND last_heartbeat < ? RETURNING id`,
		string(model.AgentOffline), string(model.AgentOnline), cutoff,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: mark stale agents")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan agent id")
		}
		ids = append(ids, id)
	}
	return ids, eris.Wrap(rows.Err(), "sqlite: iterate agent ids")
}

func (s *SQLiteStore) ListOrphanedSessions(ctx context.Context) ([]model.WorkerSession, error) {
	return s.querySessions(ctx,
		`SELECT s.id, s.agent_id, s.job_id, s.status, s.started_at, s.ended_at, s.duration_ms, s.error_message
		FROM worker_sessions s
		JOIN worker_agents a ON a.id = s.agent_id
		WHERE s.status = ? AND a.status = ?
		ORDER BY s.started_at, s.id`,
		string(model.SessionInProgress), string(model.AgentOffline),
	)
}
