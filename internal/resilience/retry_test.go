package resilience

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func fastPolicy(maxRetries int) RetryPolicy {
	return RetryPolicy{
		MaxRetries:     maxRetries,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		Multiplier:     2.0,
	}
}

func TestDo_SuccessOnFirstAttempt(t *testing.T) {
	var calls int
	attempts, err := Do(context.Background(), fastPolicy(2), func(_ context.Context, _ int) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 || attempts != 1 {
		t.Errorf("expected 1 call and 1 attempt, got %d/%d", calls, attempts)
	}
}

func TestDo_SuccessAfterRetry(t *testing.T) {
	var seen []int
	attempts, err := Do(context.Background(), fastPolicy(2), func(_ context.Context, attempt int) error {
		seen = append(seen, attempt)
		if attempt < 2 {
			return NewTransientError(errors.New("overloaded"), 529)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
	if len(seen) != 3 || seen[0] != 0 || seen[2] != 2 {
		t.Errorf("expected attempt indexes [0 1 2], got %v", seen)
	}
}

func TestDo_MaxRetriesTwoMeansThreeAttempts(t *testing.T) {
	var calls int
	attempts, err := Do(context.Background(), fastPolicy(2), func(_ context.Context, _ int) error {
		calls++
		return NewTransientError(errors.New("rate limited"), 429)
	})
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if calls != 3 || attempts != 3 {
		t.Errorf("expected 3 calls, got %d (attempts %d)", calls, attempts)
	}
	if !IsTransient(err) {
		t.Errorf("expected last transient error to be returned, got %v", err)
	}
}

func TestDo_NegativeMaxRetries(t *testing.T) {
	attempts, err := Do(context.Background(), fastPolicy(-1), func(_ context.Context, _ int) error {
		return NewTransientError(errors.New("fail"), 503)
	})
	if err == nil || attempts != 1 {
		t.Errorf("expected a single failed attempt, got %d attempts err=%v", attempts, err)
	}
}

func TestDo_PermanentError_NoRetry(t *testing.T) {
	var calls int
	_, err := Do(context.Background(), fastPolicy(2), func(_ context.Context, _ int) error {
		calls++
		return NewPermanentError(errors.New("content policy violation"), "refused")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestDo_CancelledBeforeStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var calls int
	attempts, err := Do(ctx, fastPolicy(2), func(_ context.Context, _ int) error {
		calls++
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if calls != 0 || attempts != 0 {
		t.Errorf("expected no attempts, got %d", calls)
	}
}

func TestDo_CancellationStopsFurtherAttempts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls int
	p := fastPolicy(5)
	p.InitialBackoff = 50 * time.Millisecond
	p.MaxBackoff = 100 * time.Millisecond
	attempts, err := Do(ctx, p, func(_ context.Context, _ int) error {
		calls++
		if calls == 2 {
			cancel()
		}
		return NewTransientError(errors.New("fail"), 500)
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 2 || attempts != 2 {
		t.Errorf("expected exactly 2 attempts, got %d", calls)
	}
}

func TestDo_DetachedAttemptFinishesAfterCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := fastPolicy(2)
	p.DetachAttempts = true

	attempts, err := Do(ctx, p, func(actx context.Context, _ int) error {
		cancel()
		if actx.Err() != nil {
			return actx.Err()
		}
		return nil
	})
	if err != nil {
		t.Fatalf("detached attempt should not see cancellation: %v", err)
	}
	if attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", attempts)
	}
}

func TestDo_AttemptTimeoutIsTransient(t *testing.T) {
	p := fastPolicy(1)
	p.AttemptTimeout = 10 * time.Millisecond

	var calls int
	attempts, err := Do(context.Background(), p, func(actx context.Context, _ int) error {
		calls++
		<-actx.Done()
		return actx.Err()
	})
	if attempts != 2 {
		t.Errorf("timed out attempts should be retried, got %d attempts", attempts)
	}
	if !IsTransient(err) {
		t.Errorf("expected transient timeout error, got %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded in chain, got %v", err)
	}
}

func TestDo_CustomShouldRetry(t *testing.T) {
	var calls int
	p := fastPolicy(2)
	p.ShouldRetry = func(err error) bool { return err.Error() == "schema mismatch" }

	_, err := Do(context.Background(), p, func(_ context.Context, _ int) error {
		calls++
		if calls == 1 {
			return errors.New("schema mismatch")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 2 {
		t.Errorf("expected 2 calls, got %d", calls)
	}
}

func TestDo_OnRetryCallback(t *testing.T) {
	var retried []int
	var delays []time.Duration
	p := fastPolicy(2)
	p.OnRetry = func(attempt int, delay time.Duration, _ error) {
		retried = append(retried, attempt)
		delays = append(delays, delay)
	}

	_, _ = Do(context.Background(), p, func(_ context.Context, _ int) error {
		return NewTransientError(errors.New("fail"), 500)
	})

	if len(retried) != 2 || retried[0] != 1 || retried[1] != 2 {
		t.Errorf("expected OnRetry attempts [1 2], got %v", retried)
	}
	if delays[0] != time.Millisecond || delays[1] != 2*time.Millisecond {
		t.Errorf("expected delays [1ms 2ms], got %v", delays)
	}
}

func TestDoVal_ReturnsValue(t *testing.T) {
	var calls atomic.Int32
	val, attempts, err := DoVal(context.Background(), fastPolicy(2), func(_ context.Context, _ int) (string, error) {
		if calls.Add(1) < 2 {
			return "", NewTransientError(errors.New("fail"), 502)
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if val != "ok" || attempts != 2 {
		t.Errorf("expected ok after 2 attempts, got %q after %d", val, attempts)
	}
}

func TestDoVal_ReturnsZeroOnFailure(t *testing.T) {
	val, _, err := DoVal(context.Background(), fastPolicy(1), func(_ context.Context, _ int) (int, error) {
		return 42, NewTransientError(errors.New("fail"), 500)
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if val != 0 {
		t.Errorf("expected zero value on failure, got %d", val)
	}
}

func TestComputeBackoff_ExponentialGrowth(t *testing.T) {
	p := applyDefaults(RetryPolicy{
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
		Multiplier:     2.0,
	})

	expected := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond, 800 * time.Millisecond}
	for i, want := range expected {
		if got := computeBackoff(i, p); got != want {
			t.Errorf("attempt %d: expected %v, got %v", i, want, got)
		}
	}
}

func TestComputeBackoff_CapsAtMax(t *testing.T) {
	p := applyDefaults(RetryPolicy{
		InitialBackoff: time.Second,
		MaxBackoff:     5 * time.Second,
		Multiplier:     10.0,
	})
	if d := computeBackoff(5, p); d != 5*time.Second {
		t.Errorf("expected delay capped at 5s, got %v", d)
	}
}

func TestComputeBackoff_WithJitter(t *testing.T) {
	p := applyDefaults(RetryPolicy{
		InitialBackoff: time.Second,
		MaxBackoff:     30 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.5,
	})

	seen := make(map[time.Duration]bool)
	for i := 0; i < 100; i++ {
		d := computeBackoff(0, p)
		seen[d] = true
		if d < 500*time.Millisecond || d > 1500*time.Millisecond {
			t.Errorf("delay %v outside [500ms, 1500ms]", d)
		}
	}
	if len(seen) < 2 {
		t.Error("expected jitter to produce varying delays")
	}
}

func TestFromWorkflowConfig(t *testing.T) {
	p := FromWorkflowConfig(2, 250*time.Millisecond, 4*time.Second, 90*time.Second)
	if p.MaxRetries != 2 || p.InitialBackoff != 250*time.Millisecond || p.MaxBackoff != 4*time.Second {
		t.Errorf("unexpected policy: %+v", p)
	}
	if !p.DetachAttempts || p.AttemptTimeout != 90*time.Second {
		t.Errorf("expected detached attempts with timeout, got %+v", p)
	}

	p = FromWorkflowConfig(0, 0, 0, 0)
	if p.MaxRetries != 0 {
		t.Errorf("expected explicit zero retries to be kept, got %d", p.MaxRetries)
	}
}

func TestRetryLogger(t *testing.T) {
	t.Parallel()
	logger := RetryLogger("anthropic", "financial_terms")
	logger(1, time.Second, errors.New("test error"))
}
