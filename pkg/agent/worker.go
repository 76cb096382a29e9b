package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/sells-group/contact-dispatch/internal/model"
)

// Handler executes a claimed job and returns its results. Workers must be
// idempotent: delivery is at least once.
type Handler func(ctx context.Context, job *Job) (json.RawMessage, error)

// Config describes the worker to the server.
type Config struct {
	Name         string
	Capabilities model.Capabilities
	HostIP       string
	// PollInterval overrides the interval recommended at registration.
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	// Metrics, when set, is attached to every heartbeat.
	Metrics func() map[string]any
}

const defaultHeartbeatInterval = 30 * time.Second

// Worker polls the dispatch server for jobs and runs them through a Handler.
type Worker struct {
	client  Client
	handler Handler
	cfg     Config

	mu      sync.Mutex
	agentID string
	limiter *rate.Limiter
}

// NewWorker creates a Worker.
func NewWorker(client Client, cfg Config, h Handler) *Worker {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	return &Worker{client: client, handler: h, cfg: cfg}
}

// AgentID returns the id assigned at registration.
func (w *Worker) AgentID() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.agentID
}

// Start registers the worker and sets up the poll limiter.
func (w *Worker) Start(ctx context.Context) error {
	reg, err := w.client.Register(ctx, w.cfg.Name, w.cfg.Capabilities, w.cfg.HostIP)
	if err != nil {
		return eris.Wrap(err, "agent: start")
	}
	interval := w.cfg.PollInterval
	if interval <= 0 {
		interval = reg.PollingInterval()
	}
	if interval <= 0 {
		interval = defaultHeartbeatInterval
	}

	w.mu.Lock()
	w.agentID = reg.AgentID
	w.limiter = rate.NewLimiter(rate.Every(interval), 1)
	w.mu.Unlock()

	zap.L().Info("agent: registered",
		zap.String("agent_id", reg.AgentID),
		zap.String("platform", reg.Platform),
		zap.Duration("poll_interval", interval),
	)
	return nil
}

// RunOnce claims at most one job, runs it and reports the outcome. It
// returns false when no job was available.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	agentID := w.AgentID()
	if agentID == "" {
		return false, eris.New("agent: not registered")
	}

	job, err := w.client.Claim(ctx, agentID)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}

	log := zap.L().With(zap.String("agent_id", agentID), zap.String("job_id", job.ID), zap.String("job_type", string(job.Type)))
	start := time.Now()
	results, runErr := w.run(ctx, job)
	rep := Report{
		AgentID:    agentID,
		JobID:      job.ID,
		Status:     model.JobStatusCompleted,
		DurationMs: time.Since(start).Milliseconds(),
		Results:    results,
	}
	if runErr != nil {
		rep.Status = model.JobStatusFailed
		rep.ErrorMsg = runErr.Error()
		rep.Results = nil
		log.Warn("agent: job failed", zap.Error(runErr))
	}

	if err := w.client.Report(ctx, rep); err != nil {
		return true, eris.Wrapf(err, "agent: report job %s", job.ID)
	}
	log.Info("agent: job reported", zap.String("status", string(rep.Status)), zap.Int64("duration_ms", rep.DurationMs))
	return true, nil
}

func (w *Worker) run(ctx context.Context, job *Job) (results json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return w.handler(ctx, job)
}

// Run registers if needed, then heartbeats and polls until ctx is
// cancelled. Claim and report errors are logged and polling continues.
func (w *Worker) Run(ctx context.Context) error {
	if w.AgentID() == "" {
		if err := w.Start(ctx); err != nil {
			return err
		}
	}

	parent := ctx
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		w.heartbeatLoop(ctx)
		return nil
	})
	g.Go(func() error {
		for {
			if err := w.limiter.Wait(ctx); err != nil {
				return err
			}
			if _, err := w.RunOnce(ctx); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				zap.L().Error("agent: poll failed", zap.Error(err))
			}
		}
	})

	err := g.Wait()
	if parent.Err() != nil {
		return nil
	}
	return err
}

func (w *Worker) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var metrics map[string]any
			if w.cfg.Metrics != nil {
				metrics = w.cfg.Metrics()
			}
			if err := w.client.Heartbeat(ctx, w.AgentID(), metrics); err != nil && ctx.Err() == nil {
				zap.L().Warn("agent: heartbeat failed", zap.Error(err))
			}
		}
	}
}
