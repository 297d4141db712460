package monitoring

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/cropsoil/internal/config"
	"github.com/sells-group/cropsoil/internal/model"
)

func TestChecker_TicksAndStopsOnCancel(t *testing.T) {
	var received atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	clock := clockwork.NewFakeClockAt(now)
	runs := &mockRuns{runs: []model.Run{run("r1", model.RunFailed, time.Hour, model.RunCounts{Failed: 1})}}
	cfg := config.MonitoringConfig{
		CheckIntervalSecs:    60,
		LookbackHours:        24,
		FailureRateThreshold: 0.10,
		WebhookURL:           ts.URL,
	}
	checker := NewChecker(NewCollector(runs, clock, 0), NewAlerter(cfg, clock), cfg, clock)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		checker.Run(ctx)
		close(done)
	}()

	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(time.Minute)
	assert.Eventually(t, func() bool { return received.Load() == 1 }, 5*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Checker.Run did not stop after context cancellation")
	}
}

func TestChecker_DefaultInterval(t *testing.T) {
	checker := NewChecker(NewCollector(&mockRuns{}, nil, 0), NewAlerter(config.MonitoringConfig{}, nil), config.MonitoringConfig{}, nil)
	assert.Equal(t, 5*time.Minute, checker.Interval())

	// Start and immediately cancel to verify it doesn't panic.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	checker.Run(ctx)
}

func TestChecker_CheckNoAlerts(t *testing.T) {
	clock := clockwork.NewFakeClockAt(now)
	runs := &mockRuns{runs: []model.Run{run("r1", model.RunComplete, time.Hour, model.RunCounts{Succeeded: 10})}}
	cfg := config.MonitoringConfig{LookbackHours: 24, FailureRateThreshold: 0.1}
	checker := NewChecker(NewCollector(runs, clock, 0), NewAlerter(cfg, clock), cfg, clock)
	assert.Zero(t, checker.Check(context.Background(), zap.NewNop()))
}
