// Package monitoring watches the job queue and worker fleet and raises
// webhook alerts when they look unhealthy.
package monitoring

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/contact-dispatch/internal/config"
)

const defaultCheckInterval = 5 * time.Minute

// Checker periodically snapshots queue health and forwards alerts.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	interval  time.Duration
	lookback  int
}

// NewChecker creates a Checker. A non-positive check interval selects
// five minutes.
func NewChecker(collector *Collector, alerter *Alerter, cfg config.MonitoringConfig) *Checker {
	interval := time.Duration(cfg.CheckIntervalSecs) * time.Second
	if interval <= 0 {
		interval = defaultCheckInterval
	}
	return &Checker{
		collector: collector,
		alerter:   alerter,
		interval:  interval,
		lookback:  cfg.LookbackMinutes,
	}
}

// Run checks once immediately, then on every interval tick, until ctx is
// cancelled.
func (c *Checker) Run(ctx context.Context) {
	log := zap.L().With(zap.String("component", "monitoring"))
	log.Info("monitoring: checker started",
		zap.Duration("interval", c.interval),
		zap.Int("lookback_minutes", c.lookback),
	)

	c.Check(ctx)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info("monitoring: checker stopped")
			return
		case <-ticker.C:
			c.Check(ctx)
		}
	}
}

// Check takes one snapshot and sends the alerts it triggers. It returns the
// number of alerts delivered.
func (c *Checker) Check(ctx context.Context) int {
	snap, err := c.collector.Collect(ctx, c.lookback)
	if err != nil {
		if ctx.Err() == nil {
			zap.L().Error("monitoring: collect queue stats", zap.Error(err))
		}
		return 0
	}

	alerts := c.alerter.Evaluate(snap)
	if len(alerts) == 0 {
		zap.L().Debug("monitoring: queue healthy",
			zap.Int("pending", snap.Pending),
			zap.Int("online_agents", snap.OnlineAgents),
		)
		return 0
	}

	sent := c.alerter.SendAlerts(ctx, alerts)
	zap.L().Info("monitoring: alerts evaluated",
		zap.Int("triggered", len(alerts)),
		zap.Int("sent", sent),
		zap.Int("pending", snap.Pending),
		zap.Float64("failure_rate", snap.FailureRate),
	)
	return sent
}
