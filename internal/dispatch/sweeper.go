package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/contact-dispatch/internal/store"
)

// Sweeper defaults.
const (
	DefaultHeartbeatTimeout = 90 * time.Second
	DefaultSweepInterval    = 60 * time.Second

	heartbeatLostReason = "worker heartbeat lost"
)

// SweepResult summarizes one liveness sweep.
type SweepResult struct {
	AgentsMarkedOffline int
	SessionsAbandoned   int
	JobsRequeued        int
	JobsFailed          int
}

// Sweeper marks silent agents offline and releases the jobs they held.
type Sweeper struct {
	jobs     store.JobStore
	agents   store.AgentStore
	timeout  time.Duration
	interval time.Duration
	requeue  bool
	now      func() time.Time
}

// SweeperConfig tunes a Sweeper. Zero durations select defaults.
type SweeperConfig struct {
	HeartbeatTimeout time.Duration
	Interval         time.Duration
	RequeueOrphans   bool
}

// NewSweeper creates a Sweeper.
func NewSweeper(jobs store.JobStore, agents store.AgentStore, cfg SweeperConfig) *Sweeper {
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultSweepInterval
	}
	return &Sweeper{
		jobs:     jobs,
		agents:   agents,
		timeout:  cfg.HeartbeatTimeout,
		interval: cfg.Interval,
		requeue:  cfg.RequeueOrphans,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Sweep runs one pass: agents silent for longer than the heartbeat timeout
// go offline, then every open session held by an offline agent is
// abandoned. Its job is requeued or failed depending on configuration.
func (s *Sweeper) Sweep(ctx context.Context) (*SweepResult, error) {
	now := s.now()
	res := &SweepResult{}

	stale, err := s.agents.MarkStaleAgentsOffline(ctx, now.Add(-s.timeout))
	if err != nil {
		return nil, eris.Wrap(err, "sweeper: mark stale agents")
	}
	res.AgentsMarkedOffline = len(stale)
	for _, id := range stale {
		zap.L().Warn("sweeper: agent went offline", zap.String("agent_id", id))
	}

	orphans, err := s.agents.ListOrphanedSessions(ctx)
	if err != nil {
		return res, eris.Wrap(err, "sweeper: list orphaned sessions")
	}
	for _, sess := range orphans {
		err := s.jobs.AbandonSession(ctx, sess.ID, s.requeue, heartbeatLostReason, now)
		if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrConflict) {
			// Closed by a late report between listing and abandoning.
			continue
		}
		if err != nil {
			return res, eris.Wrapf(err, "sweeper: abandon session %s", sess.ID)
		}
		res.SessionsAbandoned++
		if s.requeue {
			res.JobsRequeued++
		} else {
			res.JobsFailed++
		}
		zap.L().Warn("sweeper: abandoned orphaned session",
			zap.String("session_id", sess.ID),
			zap.String("agent_id", sess.AgentID),
			zap.String("job_id", sess.JobID),
			zap.Bool("requeued", s.requeue),
		)
	}
	return res, nil
}

// Run sweeps on every interval tick until ctx is cancelled. Sweep errors
// are logged and the loop continues.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	zap.L().Info("sweeper: started",
		zap.Duration("interval", s.interval),
		zap.Duration("heartbeat_timeout", s.timeout),
		zap.Bool("requeue_orphans", s.requeue),
	)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				zap.L().Error("sweeper: sweep failed", zap.Error(err))
			}
		}
	}
}
