// Package memstore implements the job store in process memory. It is the
// default backend; the Redis store carries the same contract for
// multi-instance deployments.
package memstore

import (
	"fmt"
	"sync"
	"time"

	"github.com/fairyhunter13/ai-request-router/internal/adapter/observability"
	"github.com/fairyhunter13/ai-request-router/internal/domain"
)

// Store keeps jobs, results, idempotency bindings and dead letters in maps
// guarded by one mutex. Reads hand out clones so callers never share memory
// with the store.
type Store struct {
	mu      sync.Mutex
	jobs    map[string]*domain.Job
	results map[string]*domain.JobResult
	idem    map[string]string
	dead    []domain.DeadLetter

	now func() time.Time
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		jobs:    make(map[string]*domain.Job),
		results: make(map[string]*domain.JobResult),
		idem:    make(map[string]string),
		now:     time.Now,
	}
}

// SaveJob implements domain.JobStore.
func (s *Store) SaveJob(_ domain.Context, j *domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[j.ID] = j.Clone()
	return nil
}

// GetJob implements domain.JobStore.
func (s *Store) GetJob(_ domain.Context, id string) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("op=jobstore.get id=%s: %w", id, domain.ErrNotFound)
	}
	return j.Clone(), nil
}

// SaveResult implements domain.JobStore.
func (s *Store) SaveResult(_ domain.Context, r *domain.JobResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *r
	s.results[r.JobID] = &cp
	return nil
}

// GetResult implements domain.JobStore.
func (s *Store) GetResult(_ domain.Context, jobID string) (*domain.JobResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.results[jobID]
	if !ok {
		return nil, fmt.Errorf("op=jobstore.get_result job_id=%s: %w", jobID, domain.ErrNotFound)
	}
	cp := *r
	return &cp, nil
}

// BindIdempotency implements domain.JobStore. The first writer wins.
func (s *Store) BindIdempotency(_ domain.Context, key, jobID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.idem[key]; ok {
		return existing, nil
	}
	s.idem[key] = jobID
	return jobID, nil
}

// CheckIdempotency implements domain.JobStore.
func (s *Store) CheckIdempotency(_ domain.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.idem[key], nil
}

// UpdateStatus implements domain.JobStore. Illegal lifecycle steps are
// rejected with ErrConflict; legal ones stamp the matching timestamp.
func (s *Store) UpdateStatus(_ domain.Context, id string, status domain.JobStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("op=jobstore.update_status id=%s: %w", id, domain.ErrNotFound)
	}
	if !j.Status.CanTransition(status) {
		return fmt.Errorf("op=jobstore.update_status id=%s %s->%s: %w", id, j.Status, status, domain.ErrConflict)
	}
	stampStatus(j, status, s.now())
	return nil
}

func stampStatus(j *domain.Job, status domain.JobStatus, now time.Time) {
	j.Status = status
	switch {
	case status == domain.JobQueued:
		j.QueuedAt = &now
	case status == domain.JobRunning:
		j.StartedAt = &now
	case status.Terminal():
		j.CompletedAt = &now
	}
}

// AddToDeadLetter implements domain.JobStore. It freezes the job under its
// final error and flips its status in the same critical section.
func (s *Store) AddToDeadLetter(_ domain.Context, j *domain.Job, code domain.ErrorCode, msg string) error {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.jobs[j.ID]
	if !ok {
		stored = j.Clone()
		s.jobs[j.ID] = stored
	}
	stored.ErrorCode = code
	stored.ErrorMessage = msg
	stored.AttemptCount = j.AttemptCount
	stored.ProviderUsed = j.ProviderUsed
	if stored.Status != domain.JobDeadLetter {
		stampStatus(stored, domain.JobDeadLetter, now)
	}

	s.dead = append(s.dead, domain.DeadLetter{
		Job:            stored.Clone(),
		ErrorCode:      code,
		ErrorMessage:   msg,
		DeadLetteredAt: now,
	})
	observability.DLQDepth.Set(float64(len(s.dead)))
	return nil
}

// ListDeadLetter implements domain.JobStore, newest first.
func (s *Store) ListDeadLetter(_ domain.Context, limit int) ([]domain.DeadLetter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 || limit > len(s.dead) {
		limit = len(s.dead)
	}
	out := make([]domain.DeadLetter, 0, limit)
	for i := len(s.dead) - 1; i >= 0 && len(out) < limit; i-- {
		d := s.dead[i]
		d.Job = d.Job.Clone()
		out = append(out, d)
	}
	return out, nil
}

// RequeueFromDeadLetter implements domain.JobStore.
func (s *Store) RequeueFromDeadLetter(_ domain.Context, jobID string) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := -1
	for i, d := range s.dead {
		if d.Job.ID == jobID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, fmt.Errorf("op=jobstore.requeue id=%s: %w", jobID, domain.ErrNotFound)
	}
	s.dead = append(s.dead[:idx], s.dead[idx+1:]...)
	observability.DLQDepth.Set(float64(len(s.dead)))

	j, ok := s.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("op=jobstore.requeue id=%s: %w", jobID, domain.ErrNotFound)
	}
	resetForRequeue(j)
	delete(s.results, jobID)
	return j.Clone(), nil
}

func resetForRequeue(j *domain.Job) {
	j.Status = domain.JobPending
	j.AttemptCount = 0
	j.ErrorCode = ""
	j.ErrorMessage = ""
	j.Result = nil
	j.ProviderUsed = ""
	j.QueuedAt = nil
	j.StartedAt = nil
	j.CompletedAt = nil
}

// ListStuck returns running jobs whose StartedAt is older than cutoff. The
// sweeper uses it to fail jobs whose worker died mid-attempt.
func (s *Store) ListStuck(_ domain.Context, cutoff time.Time, limit int) ([]*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*domain.Job, 0)
	for _, j := range s.jobs {
		if j.Status != domain.JobRunning || j.StartedAt == nil || j.StartedAt.After(cutoff) {
			continue
		}
		out = append(out, j.Clone())
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// CleanupOlderThan implements domain.JobStore. Terminal jobs and their
// results expire after age; dead letters are retained seven times as long.
func (s *Store) CleanupOlderThan(_ domain.Context, age time.Duration) (int, error) {
	now := s.now()
	cutoff := now.Add(-age)
	dlqCutoff := now.Add(-7 * age)

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, j := range s.jobs {
		if !j.Status.Terminal() || j.Status == domain.JobDeadLetter {
			continue
		}
		done := j.CreatedAt
		if j.CompletedAt != nil {
			done = *j.CompletedAt
		}
		if done.After(cutoff) {
			continue
		}
		delete(s.jobs, id)
		delete(s.results, id)
		removed++
	}

	kept := s.dead[:0]
	for _, d := range s.dead {
		if d.DeadLetteredAt.After(dlqCutoff) {
			kept = append(kept, d)
			continue
		}
		delete(s.jobs, d.Job.ID)
		delete(s.results, d.Job.ID)
		removed++
	}
	s.dead = kept
	observability.DLQDepth.Set(float64(len(s.dead)))

	for key, jobID := range s.idem {
		if _, ok := s.jobs[jobID]; !ok {
			delete(s.idem, key)
		}
	}
	return removed, nil
}
