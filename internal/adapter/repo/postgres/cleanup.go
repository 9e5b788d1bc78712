package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Tx is the subset of pgx.Tx used by cleanup.
type Tx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Beginner begins transactions.
type Beginner interface {
	Begin(ctx context.Context) (Tx, error)
}

// PoolBeginner adapts *pgxpool.Pool to Beginner.
type PoolBeginner struct {
	Pool *pgxpool.Pool
}

func (p PoolBeginner) Begin(ctx context.Context) (Tx, error) {
	tx, err := p.Pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return tx, nil
}

// CleanupService prunes archive rows past the retention window.
type CleanupService struct {
	DB            Beginner
	RetentionDays int

	now func() time.Time
}

// NewCleanupService creates a cleanup service. Retention defaults to 90 days.
func NewCleanupService(db Beginner, retentionDays int) *CleanupService {
	if retentionDays <= 0 {
		retentionDays = 90
	}
	return &CleanupService{DB: db, RetentionDays: retentionDays, now: time.Now}
}

// CleanupOldData deletes archive rows older than the retention period.
func (s *CleanupService) CleanupOldData(ctx context.Context) error {
	cutoff := s.now().AddDate(0, 0, -s.RetentionDays)

	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return fmt.Errorf("op=cleanup.Begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `DELETE FROM jobs_archive WHERE archived_at < $1`, cutoff)
	if err != nil {
		return fmt.Errorf("op=cleanup.Delete: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=cleanup.Commit: %w", err)
	}

	slog.Info("archive cleanup completed",
		slog.Int64("deleted_rows", tag.RowsAffected()),
		slog.Time("cutoff", cutoff),
	)
	return nil
}

// RunPeriodic runs cleanup immediately and then on an interval until ctx is
// done.
func (s *CleanupService) RunPeriodic(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if err := s.CleanupOldData(ctx); err != nil {
		slog.Error("initial archive cleanup failed", slog.Any("error", err))
	}

	for {
		select {
		case <-ctx.Done():
			slog.Info("archive cleanup stopping")
			return
		case <-ticker.C:
			if err := s.CleanupOldData(ctx); err != nil {
				slog.Error("periodic archive cleanup failed", slog.Any("error", err))
			}
		}
	}
}
