// Package dispatch runs queued jobs against the provider chain with retry,
// circuit breaking, provider fallback, and dead-lettering.
package dispatch

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/fairyhunter13/ai-request-router/internal/config"
	"github.com/fairyhunter13/ai-request-router/internal/domain"
)

// RetryPolicy wraps an operation in bounded exponential backoff. Whether an
// error retries is decided solely by domain.Retryable; everything else
// surfaces immediately with its classification intact.
type RetryPolicy struct {
	cfg    config.RetryConfig
	logger *slog.Logger
}

// NewRetryPolicy creates a retry policy. Zero config fields fall back to
// 3 attempts, 1s initial delay, 60s cap, base 2.
func NewRetryPolicy(cfg config.RetryConfig, logger *slog.Logger) *RetryPolicy {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 60 * time.Second
	}
	if cfg.ExponentialBase <= 1 {
		cfg.ExponentialBase = 2.0
	}
	return &RetryPolicy{cfg: cfg, logger: logger}
}

// MaxAttempts returns the attempt budget, first try included.
func (p *RetryPolicy) MaxAttempts() int { return p.cfg.MaxAttempts }

// Execute runs op until it succeeds, returns a non-retryable error, exhausts
// the attempt budget, or ctx is done. The last operation error is returned
// unwrapped so the caller still sees its code.
func (p *RetryPolicy) Execute(ctx context.Context, op func() error) error {
	return p.ExecuteN(ctx, 0, op)
}

// ExecuteN is Execute with a per-call attempt budget. Zero or negative
// attempts fall back to the configured budget.
func (p *RetryPolicy) ExecuteN(ctx context.Context, attempts int, op func() error) error {
	if attempts <= 0 {
		attempts = p.cfg.MaxAttempts
	}
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = p.cfg.InitialDelay
	expo.MaxInterval = p.cfg.MaxDelay
	expo.Multiplier = p.cfg.ExponentialBase
	// The attempt budget and the caller's ctx bound the loop, not wall time.
	expo.MaxElapsedTime = 0
	if p.cfg.Jitter {
		expo.RandomizationFactor = 0.25
	} else {
		expo.RandomizationFactor = 0
	}
	expo.Reset()

	attempt := 0
	wrapped := func() error {
		attempt++
		err := op()
		if err == nil {
			return nil
		}
		if !domain.Retryable(err) {
			return backoff.Permanent(err)
		}
		p.logger.Debug("attempt failed, will retry",
			slog.Int("attempt", attempt),
			slog.String("code", string(domain.CodeOf(err))),
			slog.Any("error", err),
		)
		return err
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(expo, uint64(attempts-1)), ctx)
	return backoff.Retry(wrapped, bo)
}
