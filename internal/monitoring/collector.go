package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/contact-dispatch/internal/store"
)

// MetricsSnapshot holds a point-in-time view of queue and fleet health.
type MetricsSnapshot struct {
	Pending          int     `json:"pending"`
	Processing       int     `json:"processing"`
	CompletedRecent  int     `json:"completed_recent"`
	FailedRecent     int     `json:"failed_recent"`
	FailureRate      float64 `json:"failure_rate"`
	OldestPendingAge float64 `json:"oldest_pending_age_secs"`
	OnlineAgents     int     `json:"online_agents"`
	OfflineAgents    int     `json:"offline_agents"`

	LookbackMinutes int       `json:"lookback_minutes"`
	CollectedAt     time.Time `json:"collected_at"`
}

// StatsSource provides queue statistics.
type StatsSource interface {
	QueueStats(ctx context.Context, since time.Time) (*store.QueueStats, error)
}

// Collector gathers metrics from the job store.
type Collector struct {
	stats StatsSource
	now   func() time.Time
}

// NewCollector creates a new metrics collector.
func NewCollector(stats StatsSource) *Collector {
	return &Collector{stats: stats, now: func() time.Time { return time.Now().UTC() }}
}

// Collect gathers a snapshot over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackMinutes int) (*MetricsSnapshot, error) {
	now := c.now()
	qs, err := c.stats.QueueStats(ctx, now.Add(-time.Duration(lookbackMinutes)*time.Minute))
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: queue stats")
	}

	snap := &MetricsSnapshot{
		Pending:         qs.Pending,
		Processing:      qs.Processing,
		CompletedRecent: qs.CompletedRecent,
		FailedRecent:    qs.FailedRecent,
		OnlineAgents:    qs.OnlineAgents,
		OfflineAgents:   qs.OfflineAgents,
		LookbackMinutes: lookbackMinutes,
		CollectedAt:     now,
	}
	if finished := qs.CompletedRecent + qs.FailedRecent; finished > 0 {
		snap.FailureRate = float64(qs.FailedRecent) / float64(finished)
	}
	if qs.OldestPendingAt != nil {
		snap.OldestPendingAge = now.Sub(*qs.OldestPendingAt).Seconds()
	}
	return snap, nil
}
