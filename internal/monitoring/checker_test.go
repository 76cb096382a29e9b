package monitoring

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/sells-group/contact-dispatch/internal/config"
	"github.com/sells-group/contact-dispatch/internal/store"
)

func TestChecker_Check(t *testing.T) {
	var received atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		received.Add(1)
	}))
	defer srv.Close()

	cfg := config.MonitoringConfig{WebhookURL: srv.URL, LookbackMinutes: 60, BacklogThreshold: 5}
	checker := NewChecker(
		NewCollector(&fakeStats{stats: &store.QueueStats{Pending: 9, OnlineAgents: 1}}),
		NewAlerter(cfg),
		cfg,
	)

	assert.Equal(t, 1, checker.Check(context.Background()))
	assert.Equal(t, int32(1), received.Load())
}

func TestChecker_CheckCollectError(t *testing.T) {
	cfg := config.MonitoringConfig{LookbackMinutes: 60}
	checker := NewChecker(NewCollector(&fakeStats{err: errors.New("boom")}), NewAlerter(cfg), cfg)
	assert.Equal(t, 0, checker.Check(context.Background()))
}

func TestChecker_RunStopsOnCancel(t *testing.T) {
	cfg := config.MonitoringConfig{CheckIntervalSecs: 1, LookbackMinutes: 60}
	checker := NewChecker(NewCollector(&fakeStats{stats: &store.QueueStats{}}), NewAlerter(cfg), cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		checker.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Checker.Run did not stop after context cancellation")
	}
}
