package usecase

import (
	"fmt"

	"github.com/fairyhunter13/ai-request-router/internal/adapter/observability"
	"github.com/fairyhunter13/ai-request-router/internal/domain"
	"github.com/fairyhunter13/ai-request-router/internal/service/quota"
)

// AdminService backs the operator surface: dead-letter triage, breaker
// control and quota resets.
type AdminService struct {
	Store    domain.JobStore
	Queue    domain.Queue
	Breakers *observability.CircuitBreakerManager
	Quota    quota.Manager
}

// NewAdminService constructs an AdminService with its dependencies.
func NewAdminService(store domain.JobStore, queue domain.Queue, breakers *observability.CircuitBreakerManager, q quota.Manager) AdminService {
	return AdminService{Store: store, Queue: queue, Breakers: breakers, Quota: q}
}

// DeadLetters lists frozen jobs, newest first.
func (s AdminService) DeadLetters(ctx domain.Context, limit int) ([]domain.DeadLetter, error) {
	return s.Store.ListDeadLetter(ctx, limit)
}

// RequeueDeadLetter moves a dead-lettered job back through admission: the
// store resets it to pending with zero attempts, then it re-enters the queue.
func (s AdminService) RequeueDeadLetter(ctx domain.Context, jobID string) (*domain.Job, error) {
	j, err := s.Store.RequeueFromDeadLetter(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if err := s.Store.UpdateStatus(ctx, j.ID, domain.JobQueued); err != nil {
		return nil, err
	}
	j.Status = domain.JobQueued

	ok, err := s.Queue.Enqueue(ctx, j)
	if err != nil {
		_ = s.Store.UpdateStatus(ctx, j.ID, domain.JobFailed)
		return nil, err
	}
	if !ok {
		_ = s.Store.UpdateStatus(ctx, j.ID, domain.JobFailed)
		return nil, domain.E(domain.CodeQueueFull, "job queue at capacity")
	}
	observability.EnqueueJob(string(j.Type))
	return j, nil
}

// BreakerSnapshots returns the current state of every provider breaker.
func (s AdminService) BreakerSnapshots() []observability.BreakerSnapshot {
	return s.Breakers.Snapshots()
}

// ResetBreaker closes the named breaker. Unknown providers report not found.
func (s AdminService) ResetBreaker(name string) error {
	if !s.Breakers.Reset(name) {
		return domain.WrapCode(domain.CodeInvalidParameter, fmt.Sprintf("no breaker for provider %q", name), domain.ErrNotFound)
	}
	return nil
}

// ResetQuota zeroes the tenant's daily counters.
func (s AdminService) ResetQuota(ctx domain.Context, tenantID string) error {
	if tenantID == "" {
		return domain.E(domain.CodeInvalidParameter, "tenant id is required")
	}
	return s.Quota.Reset(ctx, tenantID)
}
