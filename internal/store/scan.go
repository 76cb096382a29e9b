package store

import (
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/contact-dispatch/internal/model"
)

// Column lists shared by both backends. Scan order follows these lists.
const (
	contactColumns = `id, user_id, name, email, username, phone, bio, profile_url, platform, location, confidence_scores, source_history, external_source, version, created_at, updated_at`
	jobColumns     = `id, type, status, user_id, target_id, parameters, progress, results, error_message, retry_count, created_at, started_at, completed_at`
	agentColumns   = `id, name, platform, capabilities, host_address, status, last_heartbeat, last_metrics, created_at`
	sessionColumns = `id, agent_id, job_id, status, started_at, ended_at, duration_ms, error_message`
	retryColumns   = `id, job_id, previous_error, requested_by, retry_count, created_at`
)

type scannable interface {
	Scan(dest ...any) error
}

func scanContact(row scannable) (*model.Contact, error) {
	var c model.Contact
	var scores, history []byte
	var external *string

	err := row.Scan(
		&c.ID, &c.UserID,
		&c.Name, &c.Email, &c.Username, &c.Phone, &c.Bio, &c.ProfileURL, &c.Platform, &c.Location,
		&scores, &history, &external, &c.Version, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	c.ExternalSource = deref(external)
	if len(scores) > 0 {
		if err := json.Unmarshal(scores, &c.Confidence); err != nil {
			return nil, eris.Wrap(err, "store: unmarshal confidence scores")
		}
	}
	if len(history) > 0 {
		if err := json.Unmarshal(history, &c.SourceHistory); err != nil {
			return nil, eris.Wrap(err, "store: unmarshal source history")
		}
	}
	return &c, nil
}

func scanJob(row scannable) (*model.EnrichmentJob, error) {
	var j model.EnrichmentJob
	var userID, targetID, errMsg *string
	var params, results []byte

	err := row.Scan(
		&j.ID, &j.Type, &j.Status, &userID, &targetID, &params, &j.Progress, &results,
		&errMsg, &j.RetryCount, &j.CreatedAt, &j.StartedAt, &j.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	j.UserID = deref(userID)
	j.TargetID = deref(targetID)
	j.ErrorMessage = deref(errMsg)
	if len(results) > 0 {
		j.Results = json.RawMessage(results)
	}
	p, err := model.DecodeParams(j.Type, params)
	if err != nil {
		return nil, err
	}
	j.Params = p
	return &j, nil
}

func scanAgent(row scannable) (*model.WorkerAgent, error) {
	var a model.WorkerAgent
	var caps, metrics []byte
	var host *string

	err := row.Scan(&a.ID, &a.Name, &a.Platform, &caps, &host, &a.Status, &a.LastHeartbeat, &metrics, &a.CreatedAt)
	if err != nil {
		return nil, err
	}
	a.HostAddress = deref(host)
	if len(caps) > 0 {
		if err := json.Unmarshal(caps, &a.Capabilities); err != nil {
			return nil, eris.Wrap(err, "store: unmarshal capabilities")
		}
	}
	if len(metrics) > 0 {
		if err := json.Unmarshal(metrics, &a.LastMetrics); err != nil {
			return nil, eris.Wrap(err, "store: unmarshal metrics")
		}
	}
	return &a, nil
}

func scanSession(row scannable) (*model.WorkerSession, error) {
	var s model.WorkerSession
	var duration *int64
	var errMsg *string

	err := row.Scan(&s.ID, &s.AgentID, &s.JobID, &s.Status, &s.StartedAt, &s.EndedAt, &duration, &errMsg)
	if err != nil {
		return nil, err
	}
	if duration != nil {
		s.DurationMs = *duration
	}
	s.ErrorMessage = deref(errMsg)
	return &s, nil
}

func scanRetry(row scannable) (*model.JobRetry, error) {
	var r model.JobRetry
	var prev *string
	if err := row.Scan(&r.ID, &r.JobID, &prev, &r.RequestedBy, &r.RetryCount, &r.CreatedAt); err != nil {
		return nil, err
	}
	r.PreviousError = deref(prev)
	return &r, nil
}

// contactArgs returns the insert arguments in contactColumns order.
func contactArgs(c *model.Contact) ([]any, error) {
	scores, err := json.Marshal(c.Confidence)
	if err != nil {
		return nil, eris.Wrap(err, "store: marshal confidence scores")
	}
	history, err := json.Marshal(c.SourceHistory)
	if err != nil {
		return nil, eris.Wrap(err, "store: marshal source history")
	}
	return []any{
		c.ID, c.UserID,
		c.Name, c.Email, c.Username, c.Phone, c.Bio, c.ProfileURL, c.Platform, c.Location,
		string(scores), string(history), nullable(c.ExternalSource), c.Version, c.CreatedAt, c.UpdatedAt,
	}, nil
}

// jobArgs returns the insert arguments in jobColumns order.
func jobArgs(j *model.EnrichmentJob) ([]any, error) {
	params, err := j.ParamsJSON()
	if err != nil {
		return nil, err
	}
	var results any
	if len(j.Results) > 0 {
		results = string(j.Results)
	}
	return []any{
		j.ID, string(j.Type), string(j.Status), nullable(j.UserID), nullable(j.TargetID), string(params),
		j.Progress, results, nullable(j.ErrorMessage), j.RetryCount, j.CreatedAt, j.StartedAt, j.CompletedAt,
	}, nil
}

func marshalJSON(v any, what string) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", eris.Wrapf(err, "store: marshal %s", what)
	}
	return string(b), nil
}

// marshalMetrics encodes a metrics snapshot; nil encodes as SQL NULL.
func marshalMetrics(m map[string]any) (any, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, eris.Wrap(err, "store: marshal metrics")
	}
	return string(b), nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func durationMs(from, to time.Time) int64 {
	if to.Before(from) {
		return 0
	}
	return to.Sub(from).Milliseconds()
}
