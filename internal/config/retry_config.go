// Package config defines retry and circuit-breaker derived configuration.
package config

import (
	"time"
)

// RetryConfig holds the dispatch retry policy settings.
type RetryConfig struct {
	// MaxAttempts is the total number of invocations, first try included.
	MaxAttempts int
	// InitialDelay is the delay before the first retry.
	InitialDelay time.Duration
	// MaxDelay caps the computed backoff.
	MaxDelay time.Duration
	// ExponentialBase is the backoff multiplier.
	ExponentialBase float64
	// Jitter multiplies each delay by a uniform factor in [0.75, 1.25].
	Jitter bool
}

// GetRetryConfig returns the retry configuration.
func (c Config) GetRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:     c.RetryMaxAttempts,
		InitialDelay:    c.RetryInitialDelay,
		MaxDelay:        c.RetryMaxDelay,
		ExponentialBase: c.RetryExponentialBase,
		Jitter:          c.RetryJitter,
	}
}

// BatchConfig holds job batching settings.
type BatchConfig struct {
	Enabled bool
	MaxSize int
	Window  time.Duration
}

// GetBatchConfig returns the batcher configuration.
func (c Config) GetBatchConfig() BatchConfig {
	return BatchConfig{Enabled: c.BatchEnabled, MaxSize: c.BatchMaxSize, Window: c.BatchWindow}
}

// BreakerConfig holds per-provider circuit breaker settings.
type BreakerConfig struct {
	FailureThreshold int
	SuccessThreshold int
	Timeout          time.Duration
	HalfOpenMaxCalls int
}

// GetBreakerConfig returns the circuit breaker configuration.
func (c Config) GetBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: c.CBFailureThreshold,
		SuccessThreshold: c.CBSuccessThreshold,
		Timeout:          c.CBTimeout,
		HalfOpenMaxCalls: c.CBHalfOpenMaxCalls,
	}
}
