package postgres_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/fairyhunter13/ai-request-router/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/ai-request-router/internal/domain"
)

func terminalJob() *domain.Job {
	done := time.Date(2025, 4, 1, 12, 0, 0, 0, time.UTC)
	return &domain.Job{
		ID:           "job-1",
		TenantID:     "tenant-a",
		Type:         domain.JobTypeInference,
		Priority:     domain.PriorityHigh,
		Status:       domain.JobCompleted,
		ProviderUsed: "deepseek",
		AttemptCount: 1,
		Result:       map[string]any{"answer": "42"},
		CreatedAt:    done.Add(-time.Minute),
		CompletedAt:  &done,
	}
}

func archivedScan(a postgres.ArchivedJob, result []byte) func(dest ...any) error {
	return func(dest ...any) error {
		*(dest[0].(*string)) = a.ID
		*(dest[1].(*string)) = a.TenantID
		*(dest[2].(*domain.JobType)) = a.Type
		*(dest[3].(*domain.Priority)) = a.Priority
		*(dest[4].(*domain.JobStatus)) = a.Status
		*(dest[5].(*string)) = a.ProviderUsed
		*(dest[6].(*domain.ErrorCode)) = a.ErrorCode
		*(dest[7].(*string)) = a.ErrorMessage
		*(dest[8].(*int)) = a.AttemptCount
		*(dest[9].(*[]byte)) = result
		*(dest[10].(*time.Time)) = a.CreatedAt
		*(dest[11].(**time.Time)) = a.CompletedAt
		*(dest[12].(*time.Time)) = a.ArchivedAt
		return nil
	}
}

func TestArchiveRepo_Archive_OK(t *testing.T) {
	var gotSQL string
	var gotArgs []any
	pool := poolStub{exec: func(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
		gotSQL = sql
		gotArgs = args
		return pgconn.NewCommandTag("INSERT 0 1"), nil
	}}
	repo := postgres.NewArchiveRepo(pool)

	if err := repo.Archive(context.Background(), terminalJob()); err != nil {
		t.Fatalf("archive: %v", err)
	}
	if !strings.Contains(gotSQL, "INSERT INTO jobs_archive") {
		t.Fatalf("unexpected sql: %s", gotSQL)
	}
	if gotArgs[0] != "job-1" || gotArgs[1] != "tenant-a" {
		t.Fatalf("unexpected args: %v", gotArgs[:2])
	}
	body, ok := gotArgs[9].([]byte)
	if !ok || !strings.Contains(string(body), "answer") {
		t.Fatalf("result not marshalled: %v", gotArgs[9])
	}
}

func TestArchiveRepo_Archive_RejectsNonTerminal(t *testing.T) {
	pool := poolStub{exec: func(_ context.Context, _ string, _ ...any) (pgconn.CommandTag, error) {
		t.Fatalf("exec must not be called for a non-terminal job")
		return pgconn.CommandTag{}, nil
	}}
	repo := postgres.NewArchiveRepo(pool)

	j := terminalJob()
	j.Status = domain.JobRunning
	err := repo.Archive(context.Background(), j)
	if !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestArchiveRepo_Archive_ExecError(t *testing.T) {
	pool := poolStub{exec: func(_ context.Context, _ string, _ ...any) (pgconn.CommandTag, error) {
		return pgconn.CommandTag{}, errors.New("boom")
	}}
	repo := postgres.NewArchiveRepo(pool)

	err := repo.Archive(context.Background(), terminalJob())
	if err == nil || !strings.Contains(err.Error(), "op=archive.Archive") {
		t.Fatalf("expected wrapped exec error, got %v", err)
	}
}

func TestArchiveRepo_Get_OK(t *testing.T) {
	done := time.Date(2025, 4, 1, 12, 0, 0, 0, time.UTC)
	want := postgres.ArchivedJob{
		ID:           "job-1",
		TenantID:     "tenant-a",
		Type:         domain.JobTypeEmbedding,
		Priority:     domain.PriorityNormal,
		Status:       domain.JobFailed,
		ErrorCode:    domain.CodeAllProvidersFailed,
		ErrorMessage: "all providers failed",
		AttemptCount: 3,
		CreatedAt:    done.Add(-time.Minute),
		CompletedAt:  &done,
		ArchivedAt:   done.Add(time.Second),
	}
	pool := poolStub{queryRow: func(_ context.Context, _ string, args ...any) pgx.Row {
		if args[0] != "job-1" {
			t.Fatalf("unexpected id arg: %v", args[0])
		}
		return rowStub{scan: archivedScan(want, []byte(`{"answer":"42"}`))}
	}}
	repo := postgres.NewArchiveRepo(pool)

	got, err := repo.Get(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != domain.JobFailed || got.AttemptCount != 3 {
		t.Fatalf("unexpected row: %+v", got)
	}
	if got.Result["answer"] != "42" {
		t.Fatalf("result not decoded: %v", got.Result)
	}
}

func TestArchiveRepo_Get_NotFound(t *testing.T) {
	pool := poolStub{queryRow: func(_ context.Context, _ string, _ ...any) pgx.Row {
		return rowStub{scan: func(_ ...any) error { return pgx.ErrNoRows }}
	}}
	repo := postgres.NewArchiveRepo(pool)

	_, err := repo.Get(context.Background(), "missing")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestArchiveRepo_ListByTenant(t *testing.T) {
	first := postgres.ArchivedJob{ID: "job-2", TenantID: "tenant-a", Type: domain.JobTypeInference, Priority: domain.PriorityLow, Status: domain.JobCompleted}
	second := postgres.ArchivedJob{ID: "job-1", TenantID: "tenant-a", Type: domain.JobTypeInference, Priority: domain.PriorityLow, Status: domain.JobTimeout}
	var gotLimit any
	pool := poolStub{query: func(_ context.Context, _ string, args ...any) (pgx.Rows, error) {
		gotLimit = args[1]
		return &rowsStub{scans: []func(dest ...any) error{
			archivedScan(first, nil),
			archivedScan(second, nil),
		}}, nil
	}}
	repo := postgres.NewArchiveRepo(pool)

	got, err := repo.ListByTenant(context.Background(), "tenant-a", 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 || got[0].ID != "job-2" || got[1].ID != "job-1" {
		t.Fatalf("unexpected rows: %+v", got)
	}
	if gotLimit != 50 {
		t.Fatalf("expected default limit 50, got %v", gotLimit)
	}
}

func TestArchiveRepo_ListByTenant_QueryError(t *testing.T) {
	pool := poolStub{query: func(_ context.Context, _ string, _ ...any) (pgx.Rows, error) {
		return nil, errors.New("down")
	}}
	repo := postgres.NewArchiveRepo(pool)

	_, err := repo.ListByTenant(context.Background(), "tenant-a", 5)
	if err == nil || !strings.Contains(err.Error(), "op=archive.ListByTenant") {
		t.Fatalf("expected wrapped error, got %v", err)
	}
}

func TestArchiveRepo_ListByTenant_RowsErr(t *testing.T) {
	pool := poolStub{query: func(_ context.Context, _ string, _ ...any) (pgx.Rows, error) {
		return &rowsStub{err: errors.New("rows")}, nil
	}}
	repo := postgres.NewArchiveRepo(pool)

	_, err := repo.ListByTenant(context.Background(), "tenant-a", 5)
	if err == nil || !strings.Contains(err.Error(), "rows") {
		t.Fatalf("expected rows error, got %v", err)
	}
}
