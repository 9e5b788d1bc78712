package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/fairyhunter13/ai-request-router/internal/domain"
)

// PgxPool is the subset of pgxpool.Pool the archive uses.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

const archiveSchema = `
CREATE TABLE IF NOT EXISTS jobs_archive (
    id            TEXT PRIMARY KEY,
    tenant_id     TEXT NOT NULL,
    type          TEXT NOT NULL,
    priority      TEXT NOT NULL,
    status        TEXT NOT NULL,
    provider_used TEXT NOT NULL DEFAULT '',
    error_code    TEXT NOT NULL DEFAULT '',
    error_message TEXT NOT NULL DEFAULT '',
    attempt_count INT  NOT NULL DEFAULT 0,
    result        JSONB,
    created_at    TIMESTAMPTZ NOT NULL,
    completed_at  TIMESTAMPTZ,
    archived_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS jobs_archive_tenant_created_idx ON jobs_archive (tenant_id, created_at DESC);
CREATE INDEX IF NOT EXISTS jobs_archive_archived_idx ON jobs_archive (archived_at);
`

// EnsureSchema provisions the archive table. Safe to call on every start.
func EnsureSchema(ctx context.Context, pool PgxPool) error {
	if _, err := pool.Exec(ctx, archiveSchema); err != nil {
		return fmt.Errorf("op=postgres.EnsureSchema: %w", err)
	}
	return nil
}

// ArchivedJob is one row of jobs_archive.
type ArchivedJob struct {
	ID           string           `json:"id"`
	TenantID     string           `json:"tenant_id"`
	Type         domain.JobType   `json:"type"`
	Priority     domain.Priority  `json:"priority"`
	Status       domain.JobStatus `json:"status"`
	ProviderUsed string           `json:"provider_used,omitempty"`
	ErrorCode    domain.ErrorCode `json:"error_code,omitempty"`
	ErrorMessage string           `json:"error_message,omitempty"`
	AttemptCount int              `json:"attempt_count"`
	Result       map[string]any   `json:"result,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
	CompletedAt  *time.Time       `json:"completed_at,omitempty"`
	ArchivedAt   time.Time        `json:"archived_at"`
}

// ArchiveRepo mirrors terminal jobs into Postgres.
type ArchiveRepo struct {
	pool   PgxPool
	tracer trace.Tracer
}

func NewArchiveRepo(pool PgxPool) *ArchiveRepo {
	return &ArchiveRepo{pool: pool, tracer: otel.Tracer("repo.archive")}
}

// Archive upserts a terminal job. Re-archiving the same id overwrites the
// row, so a requeue that later terminates again keeps the archive current.
func (r *ArchiveRepo) Archive(ctx context.Context, j *domain.Job) error {
	ctx, span := r.tracer.Start(ctx, "archive.save")
	defer span.End()
	if !j.Status.Terminal() {
		return fmt.Errorf("op=archive.Archive: job %s status %s: %w", j.ID, j.Status, domain.ErrConflict)
	}
	var result []byte
	if j.Result != nil {
		b, err := json.Marshal(j.Result)
		if err != nil {
			return fmt.Errorf("op=archive.Archive marshal: %w", err)
		}
		result = b
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO jobs_archive
			(id, tenant_id, type, priority, status, provider_used,
			 error_code, error_message, attempt_count, result, created_at, completed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (id) DO UPDATE SET
			status        = EXCLUDED.status,
			provider_used = EXCLUDED.provider_used,
			error_code    = EXCLUDED.error_code,
			error_message = EXCLUDED.error_message,
			attempt_count = EXCLUDED.attempt_count,
			result        = EXCLUDED.result,
			completed_at  = EXCLUDED.completed_at,
			archived_at   = now()`,
		j.ID, j.TenantID, string(j.Type), string(j.Priority), string(j.Status),
		j.ProviderUsed, string(j.ErrorCode), j.ErrorMessage, j.AttemptCount,
		result, j.CreatedAt, j.CompletedAt)
	if err != nil {
		return fmt.Errorf("op=archive.Archive: %w", err)
	}
	return nil
}

// Get returns one archived row by job id.
func (r *ArchiveRepo) Get(ctx context.Context, id string) (*ArchivedJob, error) {
	ctx, span := r.tracer.Start(ctx, "archive.get")
	defer span.End()
	row := r.pool.QueryRow(ctx, `
		SELECT id, tenant_id, type, priority, status, provider_used,
		       error_code, error_message, attempt_count, result, created_at, completed_at, archived_at
		FROM jobs_archive WHERE id = $1`, id)
	a, err := scanArchived(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("op=archive.Get %s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("op=archive.Get: %w", err)
	}
	return a, nil
}

// ListByTenant returns a tenant's archived jobs, newest first.
func (r *ArchiveRepo) ListByTenant(ctx context.Context, tenantID string, limit int) ([]ArchivedJob, error) {
	ctx, span := r.tracer.Start(ctx, "archive.list")
	defer span.End()
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `
		SELECT id, tenant_id, type, priority, status, provider_used,
		       error_code, error_message, attempt_count, result, created_at, completed_at, archived_at
		FROM jobs_archive WHERE tenant_id = $1
		ORDER BY created_at DESC LIMIT $2`, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("op=archive.ListByTenant: %w", err)
	}
	defer rows.Close()
	var out []ArchivedJob
	for rows.Next() {
		a, err := scanArchived(rows)
		if err != nil {
			return nil, fmt.Errorf("op=archive.ListByTenant scan: %w", err)
		}
		out = append(out, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=archive.ListByTenant rows: %w", err)
	}
	return out, nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanArchived(row scannable) (*ArchivedJob, error) {
	var a ArchivedJob
	var result []byte
	if err := row.Scan(&a.ID, &a.TenantID, &a.Type, &a.Priority, &a.Status,
		&a.ProviderUsed, &a.ErrorCode, &a.ErrorMessage, &a.AttemptCount,
		&result, &a.CreatedAt, &a.CompletedAt, &a.ArchivedAt); err != nil {
		return nil, err
	}
	if len(result) > 0 {
		if err := json.Unmarshal(result, &a.Result); err != nil {
			return nil, fmt.Errorf("result json: %w", err)
		}
	}
	return &a, nil
}
