package model

import (
	"encoding/json"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rotisserie/eris"
)

// JobStatus is the lifecycle state of an enrichment job.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
)

// Valid reports whether s is a known job status.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusPending, JobStatusProcessing, JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// JobType is the free-form tag describing what a job asks a worker to do.
type JobType string

const (
	JobTypeContactEnrichment JobType = "contact_enrichment"
	JobTypePersonaAnalysis   JobType = "persona_analysis"
	JobTypeInstagramHarvest  JobType = "instagram_harvest"
)

// JobParams is the typed parameter payload of a job. Each job type has its
// own variant; unknown types decode into GenericParams.
type JobParams interface {
	JobType() JobType
	// PlatformRequired returns the capability a worker needs, or "".
	PlatformRequired() string
}

// Priority values carried by job parameters. Dispatch order is FIFO
// regardless; the value is informational for workers.
const (
	PriorityNormal = "normal"
	PriorityHigh   = "high"
)

// ContactEnrichmentParams asks a worker to enrich one contact.
type ContactEnrichmentParams struct {
	ContactID string   `json:"contact_id"`
	UserID    string   `json:"user_id,omitempty"`
	Priority  string   `json:"priority,omitempty"`
	Fields    []string `json:"fields,omitempty"`
	Platform  string   `json:"platform_required,omitempty"`
}

func (ContactEnrichmentParams) JobType() JobType            { return JobTypeContactEnrichment }
func (p ContactEnrichmentParams) PlatformRequired() string { return p.Platform }

// PersonaAnalysisParams asks a worker to build a persona for a contact.
type PersonaAnalysisParams struct {
	ContactID string `json:"contact_id"`
	Depth     string `json:"depth,omitempty"`
	Platform  string `json:"platform_required,omitempty"`
}

func (PersonaAnalysisParams) JobType() JobType            { return JobTypePersonaAnalysis }
func (p PersonaAnalysisParams) PlatformRequired() string { return p.Platform }

// InstagramHarvestParams asks a mobile worker to harvest a public profile.
type InstagramHarvestParams struct {
	Username string `json:"username"`
	MaxPosts int    `json:"max_posts,omitempty"`
	Platform string `json:"platform_required,omitempty"`
}

func (InstagramHarvestParams) JobType() JobType            { return JobTypeInstagramHarvest }
func (p InstagramHarvestParams) PlatformRequired() string { return p.Platform }

// GenericParams carries parameters of job types without a typed variant.
type GenericParams struct {
	Type   JobType        `json:"-"`
	Values map[string]any `json:"-"`
}

func (p GenericParams) JobType() JobType { return p.Type }

func (p GenericParams) PlatformRequired() string {
	s, _ := p.Values["platform_required"].(string)
	return s
}

// MarshalJSON flattens the values so the wire shape matches typed variants.
func (p GenericParams) MarshalJSON() ([]byte, error) {
	if p.Values == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(p.Values)
}

// DecodeParams selects the JobParams variant for jobType and decodes raw
// into it. Empty input yields the zero value of the variant.
func DecodeParams(jobType JobType, raw []byte) (JobParams, error) {
	if len(raw) == 0 || string(raw) == "null" {
		raw = []byte("{}")
	}
	switch jobType {
	case JobTypeContactEnrichment:
		var p ContactEnrichmentParams
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, eris.Wrapf(err, "model: decode %s params", jobType)
		}
		return p, nil
	case JobTypePersonaAnalysis:
		var p PersonaAnalysisParams
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, eris.Wrapf(err, "model: decode %s params", jobType)
		}
		return p, nil
	case JobTypeInstagramHarvest:
		var p InstagramHarvestParams
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, eris.Wrapf(err, "model: decode %s params", jobType)
		}
		return p, nil
	default:
		values := map[string]any{}
		if err := json.Unmarshal(raw, &values); err != nil {
			return nil, eris.Wrapf(err, "model: decode %s params", jobType)
		}
		return GenericParams{Type: jobType, Values: values}, nil
	}
}

// EnrichmentJob is a unit of follow-up work handed to the worker fleet.
type EnrichmentJob struct {
	ID           string          `json:"id"`
	Type         JobType         `json:"type"`
	Status       JobStatus       `json:"status"`
	UserID       string          `json:"user_id,omitempty"`
	TargetID     string          `json:"target_id,omitempty"`
	Params       JobParams       `json:"-"`
	Progress     int             `json:"progress"`
	Results      json.RawMessage `json:"results,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	RetryCount   int             `json:"retry_count"`
	CreatedAt    time.Time       `json:"created_at"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
}

type jobAlias EnrichmentJob

type jobWire struct {
	*jobAlias
	Parameters json.RawMessage `json:"parameters"`
}

// MarshalJSON writes Params under "parameters".
func (j EnrichmentJob) MarshalJSON() ([]byte, error) {
	params, err := j.ParamsJSON()
	if err != nil {
		return nil, err
	}
	a := jobAlias(j)
	return json.Marshal(jobWire{jobAlias: &a, Parameters: params})
}

// UnmarshalJSON decodes "parameters" into the variant selected by Type.
func (j *EnrichmentJob) UnmarshalJSON(data []byte) error {
	w := jobWire{jobAlias: (*jobAlias)(j)}
	if err := json.Unmarshal(data, &w); err != nil {
		return eris.Wrap(err, "model: decode job")
	}
	p, err := DecodeParams(j.Type, w.Parameters)
	if err != nil {
		return err
	}
	j.Params = p
	return nil
}

// ParamsJSON encodes Params; a nil Params encodes as an empty object.
func (j EnrichmentJob) ParamsJSON() ([]byte, error) {
	if j.Params == nil {
		return []byte("{}"), nil
	}
	b, err := json.Marshal(j.Params)
	if err != nil {
		return nil, eris.Wrap(err, "model: encode job params")
	}
	return b, nil
}

// PlatformRequired returns the capability required by the job's params.
func (j EnrichmentJob) PlatformRequired() string {
	if j.Params == nil {
		return ""
	}
	return j.Params.PlatformRequired()
}

// JobRetry is the audit record of a job being reset to pending.
type JobRetry struct {
	ID            string    `json:"id"`
	JobID         string    `json:"job_id"`
	PreviousError string    `json:"previous_error,omitempty"`
	RequestedBy   string    `json:"requested_by"`
	RetryCount    int       `json:"retry_count"`
	CreatedAt     time.Time `json:"created_at"`
}

// NewJobID returns a ULID, so ids sort by creation time.
func NewJobID() string {
	return ulid.Make().String()
}

// NewContactEnrichmentJob builds a pending enrichment job for a contact.
func NewContactEnrichmentJob(userID, contactID, priority string, at time.Time) *EnrichmentJob {
	if priority == "" {
		priority = PriorityNormal
	}
	return &EnrichmentJob{
		ID:       NewJobID(),
		Type:     JobTypeContactEnrichment,
		Status:   JobStatusPending,
		UserID:   userID,
		TargetID: contactID,
		Params: ContactEnrichmentParams{
			ContactID: contactID,
			UserID:    userID,
			Priority:  priority,
		},
		CreatedAt: at,
	}
}
