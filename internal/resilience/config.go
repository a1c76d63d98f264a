package resilience

import (
	"time"
)

// FromWorkflowConfig builds the analyzer retry policy from config values.
// Attempts are detached from run cancellation so an in-flight LLM call is
// allowed to finish.
func FromWorkflowConfig(maxRetries int, initialBackoff, maxBackoff, attemptTimeout time.Duration) RetryPolicy {
	p := DefaultRetryPolicy()
	if maxRetries >= 0 {
		p.MaxRetries = maxRetries
	}
	if initialBackoff > 0 {
		p.InitialBackoff = initialBackoff
	}
	if maxBackoff > 0 {
		p.MaxBackoff = maxBackoff
	}
	p.AttemptTimeout = attemptTimeout
	p.DetachAttempts = true
	return p
}

// FromCircuitConfig converts config values to a CircuitBreakerConfig.
func FromCircuitConfig(failureThreshold, resetTimeoutSecs int) CircuitBreakerConfig {
	cfg := DefaultCircuitBreakerConfig()
	if failureThreshold > 0 {
		cfg.FailureThreshold = failureThreshold
	}
	if resetTimeoutSecs > 0 {
		cfg.ResetTimeout = time.Duration(resetTimeoutSecs) * time.Second
	}
	return cfg
}
