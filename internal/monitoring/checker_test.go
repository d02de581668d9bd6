package monitoring

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/cost-attribution/internal/config"
	"github.com/sells-group/cost-attribution/internal/model"
)

func TestChecker_RunStopsOnCancel(t *testing.T) {
	cfg := config.MonitoringConfig{
		CheckIntervalSecs:    1,
		LookbackWindowHours:  24,
		FailureRateThreshold: 0.10,
	}
	checker := NewChecker(newTestCollector(&fakeStore{}), NewAlerter(cfg), cfg)

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		checker.Run(ctx)
		close(done)
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Checker.Run did not stop after context cancellation")
	}
}

func TestChecker_DefaultInterval(t *testing.T) {
	checker := NewChecker(newTestCollector(&fakeStore{}), NewAlerter(config.MonitoringConfig{}), config.MonitoringConfig{})
	require.NotNil(t, checker)

	// Start and immediately cancel to verify it doesn't panic.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	checker.Run(ctx)
}

func TestChecker_CheckSendsAlerts(t *testing.T) {
	var received atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		received.Add(1)
	}))
	defer ts.Close()

	st := &fakeStore{runs: []model.Run{
		{Load: model.LoadFacts, Status: model.RunStatusFailed, StartedAt: collectedAt.Add(-time.Hour)},
	}}
	cfg := config.MonitoringConfig{WebhookURL: ts.URL, LookbackWindowHours: 24, FailureRateThreshold: 0.10}
	checker := NewChecker(newTestCollector(st), NewAlerter(cfg), cfg)

	alerts, err := checker.Check(context.Background())
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertLoadFailure, alerts[0].Type)
	assert.Equal(t, int32(1), received.Load())
}

func TestChecker_CheckQuiet(t *testing.T) {
	cfg := config.MonitoringConfig{LookbackWindowHours: 24}
	alerts, err := NewChecker(newTestCollector(&fakeStore{}), NewAlerter(cfg), cfg).Check(context.Background())
	require.NoError(t, err)
	assert.Empty(t, alerts)
}

func TestChecker_CheckCollectError(t *testing.T) {
	cfg := config.MonitoringConfig{}
	_, err := NewChecker(newTestCollector(&fakeStore{listErr: assert.AnError}), NewAlerter(cfg), cfg).Check(context.Background())
	assert.ErrorIs(t, err, assert.AnError)
}
