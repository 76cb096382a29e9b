package model

import (
	"slices"
	"time"
)

// AgentStatus is the liveness state of a worker agent.
type AgentStatus string

const (
	AgentOnline  AgentStatus = "online"
	AgentOffline AgentStatus = "offline"
)

// Platform classifications derived from capability tags.
const (
	PlatformMobile  = "mobile"
	PlatformWeb     = "web"
	PlatformGeneric = "generic"
)

// Capability tags with a platform meaning.
const (
	TagMobileApp   = "mobile_app"
	TagWebHeadless = "web_headless"
)

// Capabilities describes what a worker agent can do.
type Capabilities struct {
	Tags           []string `json:"tags"`
	Platforms      []string `json:"platforms,omitempty"`
	MaxConcurrency int      `json:"max_concurrency,omitempty"`
	Version        string   `json:"version,omitempty"`
}

// HasTag reports whether tag is in the capability tag set.
func (c Capabilities) HasTag(tag string) bool {
	return slices.Contains(c.Tags, tag)
}

// ClassifyPlatform derives the coarse platform of an agent from its tags.
func ClassifyPlatform(c Capabilities) string {
	switch {
	case c.HasTag(TagMobileApp):
		return PlatformMobile
	case c.HasTag(TagWebHeadless):
		return PlatformWeb
	default:
		return PlatformGeneric
	}
}

// WorkerAgent is a registered member of the worker fleet.
type WorkerAgent struct {
	ID            string         `json:"id"`
	Name          string         `json:"name"`
	Platform      string         `json:"platform"`
	Capabilities  Capabilities   `json:"capabilities"`
	HostAddress   string         `json:"host_address,omitempty"`
	Status        AgentStatus    `json:"status"`
	LastHeartbeat time.Time      `json:"last_heartbeat"`
	LastMetrics   map[string]any `json:"last_metrics,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}

// CanRun reports whether the agent satisfies a job's platform requirement.
// An empty requirement is satisfied by every agent.
func (a WorkerAgent) CanRun(required string) bool {
	if required == "" {
		return true
	}
	return a.Platform == required || a.Capabilities.HasTag(required)
}

// SessionStatus is the state of a worker session.
type SessionStatus string

const (
	SessionInProgress SessionStatus = "in_progress"
	SessionCompleted  SessionStatus = "completed"
	SessionFailed     SessionStatus = "failed"
	SessionAbandoned  SessionStatus = "abandoned"
)

// WorkerSession links an agent to the job it claimed.
type WorkerSession struct {
	ID           string        `json:"id"`
	AgentID      string        `json:"agent_id"`
	JobID        string        `json:"job_id"`
	Status       SessionStatus `json:"status"`
	StartedAt    time.Time     `json:"started_at"`
	EndedAt      *time.Time    `json:"ended_at,omitempty"`
	DurationMs   int64         `json:"duration_ms,omitempty"`
	ErrorMessage string        `json:"error_message,omitempty"`
}
