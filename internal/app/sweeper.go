package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fairyhunter13/ai-request-router/internal/adapter/observability"
	"github.com/fairyhunter13/ai-request-router/internal/domain"
)

// StuckLister is the optional store capability the sweeper needs. Both the
// memory and Redis stores implement it.
type StuckLister interface {
	ListStuck(ctx domain.Context, cutoff time.Time, limit int) ([]*domain.Job, error)
}

// StuckJobSweeper fails running jobs whose worker died mid-attempt. A job is
// stuck once it has been running for longer than its own timeout plus a
// grace period.
type StuckJobSweeper struct {
	store    domain.JobStore
	maxAge   time.Duration
	interval time.Duration
	logger   *slog.Logger
}

// NewStuckJobSweeper returns nil when the store cannot list stuck jobs.
func NewStuckJobSweeper(store domain.JobStore, maxAge, interval time.Duration, logger *slog.Logger) *StuckJobSweeper {
	if store == nil {
		return nil
	}
	if _, ok := store.(StuckLister); !ok {
		return nil
	}
	if maxAge <= 0 {
		maxAge = 3 * time.Minute
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &StuckJobSweeper{store: store, maxAge: maxAge, interval: interval, logger: logger}
}

// Run sweeps until ctx is cancelled.
func (s *StuckJobSweeper) Run(ctx context.Context) {
	if s == nil {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.sweepOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("stuck job sweeper stopping")
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

const sweepPageSize = 100

func (s *StuckJobSweeper) sweepOnce(ctx context.Context) {
	cutoff := time.Now().Add(-s.maxAge)
	lister := s.store.(StuckLister)

	jobs, err := lister.ListStuck(ctx, cutoff, sweepPageSize)
	if err != nil {
		s.logger.Error("stuck job sweep failed", slog.Any("error", err))
		return
	}
	for _, j := range jobs {
		msg := fmt.Sprintf("job running longer than %s, worker presumed lost", s.maxAge)
		if err := s.store.UpdateStatus(ctx, j.ID, domain.JobFailed); err != nil {
			s.logger.Error("stuck job status update failed",
				slog.String("job_id", j.ID), slog.Any("error", err))
			continue
		}
		now := time.Now().UTC()
		_ = s.store.SaveResult(ctx, &domain.JobResult{
			JobID:        j.ID,
			Status:       domain.JobFailed,
			ErrorCode:    domain.CodeInternal,
			ErrorMessage: msg,
			ProviderUsed: j.ProviderUsed,
			AttemptCount: j.AttemptCount,
			CreatedAt:    j.CreatedAt,
			CompletedAt:  &now,
		})
		observability.FailJob(string(j.Type))
		s.logger.Warn("stuck job failed by sweeper",
			slog.String("job_id", j.ID),
			slog.String("tenant_id", j.TenantID),
			slog.Duration("max_age", s.maxAge))
	}
}

// Cleaner is anything with periodic in-process housekeeping, such as the
// memory rate limiter and quota manager.
type Cleaner interface{ Cleanup() }

// Janitor expires old jobs and compacts in-process state on an interval.
type Janitor struct {
	store    domain.JobStore
	ttl      time.Duration
	interval time.Duration
	cleaners []Cleaner
	logger   *slog.Logger
}

// NewJanitor builds the janitor. Nil cleaners are dropped.
func NewJanitor(store domain.JobStore, ttl, interval time.Duration, logger *slog.Logger, cleaners ...Cleaner) *Janitor {
	kept := make([]Cleaner, 0, len(cleaners))
	for _, c := range cleaners {
		if c != nil {
			kept = append(kept, c)
		}
	}
	if interval <= 0 {
		interval = time.Hour
	}
	return &Janitor{store: store, ttl: ttl, interval: interval, cleaners: kept, logger: logger}
}

// Run cleans until ctx is cancelled.
func (j *Janitor) Run(ctx context.Context) {
	if j == nil {
		return
	}
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("janitor stopping")
			return
		case <-ticker.C:
			j.cleanOnce(ctx)
		}
	}
}

func (j *Janitor) cleanOnce(ctx context.Context) {
	if j.store != nil {
		removed, err := j.store.CleanupOlderThan(ctx, j.ttl)
		if err != nil {
			j.logger.Error("job cleanup failed", slog.Any("error", err))
		} else if removed > 0 {
			j.logger.Info("expired jobs removed", slog.Int("count", removed))
		}
	}
	for _, c := range j.cleaners {
		c.Cleanup()
	}
}
