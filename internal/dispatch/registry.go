// Package dispatch hands queued enrichment jobs to the worker fleet and
// closes them out when workers report back.
package dispatch

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/contact-dispatch/internal/model"
	"github.com/sells-group/contact-dispatch/internal/store"
)

// ErrValidation marks a malformed request from a worker or operator.
var ErrValidation = eris.New("dispatch: validation failed")

func invalid(format string, args ...any) error {
	return eris.Wrapf(ErrValidation, format, args...)
}

// DefaultPollingInterval is recommended to workers when none is configured.
const DefaultPollingInterval = 30 * time.Second

// Registration is returned to a newly registered worker.
type Registration struct {
	AgentID         string
	Platform        string
	Status          model.AgentStatus
	PollingInterval time.Duration
}

// Registry tracks fleet membership and heartbeats.
type Registry struct {
	agents       store.AgentStore
	pollInterval time.Duration
	now          func() time.Time
}

// NewRegistry creates a Registry.
func NewRegistry(agents store.AgentStore, pollInterval time.Duration) *Registry {
	if pollInterval <= 0 {
		pollInterval = DefaultPollingInterval
	}
	return &Registry{
		agents:       agents,
		pollInterval: pollInterval,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// Register adds a worker to the fleet. The platform is derived from the
// capability tags.
func (r *Registry) Register(ctx context.Context, name string, caps model.Capabilities, host string) (*Registration, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, invalid("dispatch: agent name is required")
	}
	now := r.now()
	agent := &model.WorkerAgent{
		ID:            uuid.New().String(),
		Name:          name,
		Platform:      model.ClassifyPlatform(caps),
		Capabilities:  caps,
		HostAddress:   strings.TrimSpace(host),
		Status:        model.AgentOnline,
		LastHeartbeat: now,
		CreatedAt:     now,
	}
	if err := r.agents.RegisterAgent(ctx, agent); err != nil {
		return nil, eris.Wrap(err, "dispatch: register agent")
	}

	zap.L().Info("dispatch: agent registered",
		zap.String("agent_id", agent.ID),
		zap.String("name", agent.Name),
		zap.String("platform", agent.Platform),
		zap.Strings("tags", caps.Tags),
	)
	return &Registration{
		AgentID:         agent.ID,
		Platform:        agent.Platform,
		Status:          agent.Status,
		PollingInterval: r.pollInterval,
	}, nil
}

// Heartbeat marks the agent online. Nil metrics keep the last snapshot.
func (r *Registry) Heartbeat(ctx context.Context, agentID string, metrics map[string]any) (*model.WorkerAgent, error) {
	if agentID == "" {
		return nil, invalid("dispatch: agent id is required")
	}
	agent, err := r.agents.TouchAgent(ctx, agentID, metrics, r.now())
	if err != nil {
		return nil, eris.Wrapf(err, "dispatch: heartbeat %s", agentID)
	}
	return agent, nil
}

// List returns every registered agent.
func (r *Registry) List(ctx context.Context) ([]model.WorkerAgent, error) {
	agents, err := r.agents.ListAgents(ctx)
	return agents, eris.Wrap(err, "dispatch: list agents")
}

// PollingInterval is the interval recommended to workers.
func (r *Registry) PollingInterval() time.Duration {
	return r.pollInterval
}
