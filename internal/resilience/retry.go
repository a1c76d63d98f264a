package resilience

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// RetryPolicy controls how a unit of work is retried.
type RetryPolicy struct {
	// MaxRetries is the number of retries after the first attempt, so a
	// policy with MaxRetries 2 makes at most 3 attempts. Negative means none.
	MaxRetries int

	// InitialBackoff is the delay before the first retry. Default: 500ms.
	InitialBackoff time.Duration

	// MaxBackoff caps the delay. Default: 30s.
	MaxBackoff time.Duration

	// Multiplier scales the delay per attempt. Default: 2.0.
	Multiplier float64

	// JitterFraction randomizes the delay by up to ±fraction. Zero disables it.
	JitterFraction float64

	// AttemptTimeout bounds a single attempt. An attempt that runs out of time
	// fails with a TransientError. Zero means no per-attempt limit.
	AttemptTimeout time.Duration

	// DetachAttempts runs each attempt on a context that ignores the caller's
	// cancellation, so an attempt in flight is never interrupted. Cancellation
	// still prevents any new attempt from starting.
	DetachAttempts bool

	// ShouldRetry overrides the retry decision. Default: IsTransient.
	ShouldRetry func(err error) bool

	// OnRetry is called before each backoff sleep with the attempt number
	// that just failed (1-based), the upcoming delay and the error.
	OnRetry func(attempt int, delay time.Duration, err error)
}

// DefaultRetryPolicy is used for LLM calls: two retries, 1s doubling to 30s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:     2,
		InitialBackoff: time.Second,
		MaxBackoff:     30 * time.Second,
		Multiplier:     2.0,
	}
}

// Do runs fn until it succeeds, returns a non-retryable error, exhausts the
// policy, or ctx is cancelled. It returns the number of attempts made.
func Do(ctx context.Context, p RetryPolicy, fn func(ctx context.Context, attempt int) error) (int, error) {
	_, attempts, err := DoVal(ctx, p, func(ctx context.Context, attempt int) (struct{}, error) {
		return struct{}{}, fn(ctx, attempt)
	})
	return attempts, err
}

// DoVal is Do for functions that return a value.
func DoVal[T any](ctx context.Context, p RetryPolicy, fn func(ctx context.Context, attempt int) (T, error)) (T, int, error) {
	p = applyDefaults(p)

	shouldRetry := p.ShouldRetry
	if shouldRetry == nil {
		shouldRetry = IsTransient
	}

	var (
		zero     T
		lastErr  error
		attempts int
	)
	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr == nil {
				lastErr = eris.Wrap(err, "resilience: cancelled before first attempt")
			}
			return zero, attempts, lastErr
		}

		attempts++
		val, err := runAttempt(ctx, p, attempt, fn)
		if err == nil {
			return val, attempts, nil
		}
		lastErr = err

		if !shouldRetry(err) || attempt >= p.MaxRetries {
			break
		}

		delay := computeBackoff(attempt, p)
		if p.OnRetry != nil {
			p.OnRetry(attempt+1, delay, err)
		}
		if !sleep(ctx, delay) {
			break
		}
	}
	return zero, attempts, lastErr
}

func runAttempt[T any](ctx context.Context, p RetryPolicy, attempt int, fn func(context.Context, int) (T, error)) (T, error) {
	actx := ctx
	if p.DetachAttempts {
		actx = context.WithoutCancel(ctx)
	}
	if p.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(actx, p.AttemptTimeout)
		defer cancel()
	}

	val, err := fn(actx, attempt)
	if err != nil && p.AttemptTimeout > 0 && errors.Is(actx.Err(), context.DeadlineExceeded) && !IsTransient(err) {
		err = NewTransientError(eris.Wrapf(err, "attempt %d exceeded %s", attempt+1, p.AttemptTimeout), 0)
	}
	return val, err
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func applyDefaults(p RetryPolicy) RetryPolicy {
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = 500 * time.Millisecond
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = 30 * time.Second
	}
	if p.MaxBackoff < p.InitialBackoff {
		p.MaxBackoff = p.InitialBackoff
	}
	if p.Multiplier <= 0 {
		p.Multiplier = 2.0
	}
	if p.JitterFraction < 0 {
		p.JitterFraction = 0
	}
	return p
}

// computeBackoff returns InitialBackoff × Multiplier^attempt, capped at
// MaxBackoff, then jittered.
func computeBackoff(attempt int, p RetryPolicy) time.Duration {
	delay := float64(p.InitialBackoff) * math.Pow(p.Multiplier, float64(attempt))
	if delay > float64(p.MaxBackoff) {
		delay = float64(p.MaxBackoff)
	}

	if p.JitterFraction > 0 {
		spread := delay * p.JitterFraction
		delay += (rand.Float64()*2 - 1) * spread
	}

	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

// RetryLogger returns an OnRetry callback that logs each retry.
func RetryLogger(service, operation string) func(int, time.Duration, error) {
	return func(attempt int, delay time.Duration, err error) {
		zap.L().Warn("retrying operation",
			zap.String("service", service),
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", delay),
			zap.Error(err),
		)
	}
}
