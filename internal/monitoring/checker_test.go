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
	"github.com/stretchr/testify/require"

	"github.com/real2ai/contract-cli/internal/config"
	"github.com/real2ai/contract-cli/internal/model"
)

func failedRuns(n int) []model.Run {
	now := time.Now().UTC()
	runs := make([]model.Run, n)
	for i := range runs {
		runs[i] = model.Run{ID: string(rune('a' + i)), Status: model.RunStatusFailed, CreatedAt: now}
	}
	return runs
}

func TestChecker_RunStopsOnCancel(t *testing.T) {
	checker := NewChecker(NewCollector(&mockStore{}, nil), NewAlerter(config.MonitoringConfig{}), config.MonitoringConfig{
		CheckIntervalSecs:   1,
		LookbackWindowHours: 24,
	})

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

func TestChecker_Defaults(t *testing.T) {
	checker := NewChecker(NewCollector(&mockStore{}, nil), NewAlerter(config.MonitoringConfig{}), config.MonitoringConfig{})
	assert.Equal(t, defaultCheckInterval, checker.interval)
	assert.Equal(t, 24, checker.lookback)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	checker.Run(ctx)
}

func TestChecker_Check_EdgeTriggered(t *testing.T) {
	var received atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		received.Add(1)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer ts.Close()

	mcfg := config.MonitoringConfig{FailureRateThreshold: 0.5, WebhookURL: ts.URL, LookbackWindowHours: 24}
	st := &mockStore{runs: failedRuns(6)}
	checker := NewChecker(NewCollector(st, nil), NewAlerter(mcfg), mcfg)
	ctx := context.Background()

	sent, err := checker.Check(ctx)
	require.NoError(t, err)
	require.Len(t, sent, 1)
	assert.Equal(t, AlertRunFailureRate, sent[0].Type)
	assert.Equal(t, int32(1), received.Load())

	// Still failing: nothing new is sent.
	sent, err = checker.Check(ctx)
	require.NoError(t, err)
	assert.Empty(t, sent)
	assert.Equal(t, int32(1), received.Load())

	// Recovers, then fails again: the alert fires once more.
	st.runs = nil
	sent, err = checker.Check(ctx)
	require.NoError(t, err)
	assert.Empty(t, sent)

	st.runs = failedRuns(6)
	sent, err = checker.Check(ctx)
	require.NoError(t, err)
	require.Len(t, sent, 1)
	assert.Equal(t, int32(2), received.Load())
}

func TestChecker_Check_NewTypeWhileFiring(t *testing.T) {
	mcfg := config.MonitoringConfig{FailureRateThreshold: 0.5}
	breakers := staticBreakers{}
	st := &mockStore{runs: failedRuns(6)}

	checker := NewChecker(NewCollector(st, &breakers), NewAlerter(mcfg), mcfg)

	sent, err := checker.Check(context.Background())
	require.NoError(t, err)
	require.Len(t, sent, 1)

	breakers = staticBreakers{{Service: "anthropic", State: "open"}}
	sent, err = checker.Check(context.Background())
	require.NoError(t, err)
	require.Len(t, sent, 1)
	assert.Equal(t, AlertCircuitOpen, sent[0].Type)
}

func TestChecker_Check_CollectError(t *testing.T) {
	checker := NewChecker(NewCollector(&mockStore{listErr: errors.New("db down")}, nil),
		NewAlerter(config.MonitoringConfig{}), config.MonitoringConfig{})

	_, err := checker.Check(context.Background())
	require.Error(t, err)
}
