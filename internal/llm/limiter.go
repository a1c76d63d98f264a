package llm

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/real2ai/contract-cli/internal/resilience"
)

// AdaptiveLimiter wraps a rate.Limiter with adaptive rate adjustment.
// On success it increases the rate by 20% (up to 2x initial).
// On 429 it halves the rate (down to initial/4 minimum).
type AdaptiveLimiter struct {
	mu          sync.Mutex
	limiter     *rate.Limiter
	maxRate     rate.Limit
	minRate     rate.Limit
	currentRate rate.Limit
}

// NewAdaptiveLimiter creates an adaptive rate limiter that auto-tunes.
func NewAdaptiveLimiter(initialRate rate.Limit, burst int) *AdaptiveLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &AdaptiveLimiter{
		limiter:     rate.NewLimiter(initialRate, burst),
		maxRate:     initialRate * 2,
		minRate:     initialRate / 4,
		currentRate: initialRate,
	}
}

// Wait blocks until the limiter allows an event.
func (a *AdaptiveLimiter) Wait(ctx context.Context) error {
	return a.limiter.Wait(ctx)
}

// OnSuccess increases the rate by 20%, up to 2x initial.
func (a *AdaptiveLimiter) OnSuccess() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.currentRate == rate.Inf {
		return
	}
	newRate := a.currentRate * 1.2
	if newRate > a.maxRate {
		newRate = a.maxRate
	}
	a.currentRate = newRate
	a.limiter.SetLimit(newRate)
}

// OnRateLimit halves the rate on 429 responses.
func (a *AdaptiveLimiter) OnRateLimit() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.currentRate == rate.Inf {
		return
	}
	newRate := a.currentRate * 0.5
	if newRate < a.minRate {
		newRate = a.minRate
	}
	a.currentRate = newRate
	a.limiter.SetLimit(newRate)
	zap.L().Warn("adaptive rate limit: reducing rate after 429",
		zap.Float64("new_rate", float64(newRate)),
	)
}

// Limit returns the current rate limit.
func (a *AdaptiveLimiter) Limit() rate.Limit {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.currentRate
}

// LimiterConfig bounds process-wide LLM traffic.
type LimiterConfig struct {
	// MaxInFlight caps concurrent calls across every run. Default: 8.
	MaxInFlight int64
	// RequestsPerSecond is the initial per-provider rate. Zero disables it.
	RequestsPerSecond float64
	// Burst is the per-provider token bucket size. Default: 1.
	Burst int
	// Breakers holds one circuit breaker per provider. Nil disables them.
	Breakers *resilience.ServiceBreakers
}

// Limiter decorates an Invoker with an in-flight bound, per-provider rate
// limiting and per-provider circuit breaking. One Limiter is shared by all
// runs in the process.
type Limiter struct {
	next     Invoker
	sem      *semaphore.Weighted
	cfg      LimiterConfig
	mu       sync.Mutex
	limiters map[string]*AdaptiveLimiter
}

// NewLimiter wraps next.
func NewLimiter(next Invoker, cfg LimiterConfig) *Limiter {
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 8
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	return &Limiter{
		next:     next,
		sem:      semaphore.NewWeighted(cfg.MaxInFlight),
		cfg:      cfg,
		limiters: make(map[string]*AdaptiveLimiter),
	}
}

// Invoke waits for a slot and a rate token, then calls the wrapped invoker
// through the provider's circuit breaker. Waiting failures are transient.
func (l *Limiter) Invoke(ctx context.Context, req Request) (*Response, error) {
	provider := ProviderFor(req.Model)
	if provider == "" {
		provider = "default"
	}

	if err := l.sem.Acquire(ctx, 1); err != nil {
		return nil, resilience.NewTransientError(eris.Wrap(err, "llm: wait for in-flight slot"), 0)
	}
	defer l.sem.Release(1)

	lim := l.limiterFor(provider)
	if err := lim.Wait(ctx); err != nil {
		return nil, resilience.NewTransientError(eris.Wrapf(err, "llm: %s rate limit wait", provider), 0)
	}

	call := func(ctx context.Context) (*Response, error) {
		return l.next.Invoke(ctx, req)
	}

	var (
		resp *Response
		err  error
	)
	if l.cfg.Breakers != nil {
		resp, err = resilience.ExecuteVal(ctx, l.cfg.Breakers.Get(provider), call)
	} else {
		resp, err = call(ctx)
	}

	var te *resilience.TransientError
	switch {
	case err == nil:
		lim.OnSuccess()
	case errors.As(err, &te) && te.StatusCode == http.StatusTooManyRequests:
		lim.OnRateLimit()
	}
	return resp, err
}

// Breakers reports the provider circuit breakers, sorted by provider.
func (l *Limiter) Breakers() []resilience.BreakerStatus {
	if l.cfg.Breakers == nil {
		return nil
	}
	return l.cfg.Breakers.Snapshot()
}

func (l *Limiter) limiterFor(provider string) *AdaptiveLimiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	if lim, ok := l.limiters[provider]; ok {
		return lim
	}
	r := rate.Inf
	if l.cfg.RequestsPerSecond > 0 {
		r = rate.Limit(l.cfg.RequestsPerSecond)
	}
	lim := NewAdaptiveLimiter(r, l.cfg.Burst)
	l.limiters[provider] = lim
	return lim
}
