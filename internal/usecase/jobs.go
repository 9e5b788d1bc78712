// Package usecase contains the application services behind the HTTP surface.
// They glue admission, storage and dispatch together; all provider mechanics
// live below them in internal/service/dispatch.
package usecase

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fairyhunter13/ai-request-router/internal/adapter/observability"
	"github.com/fairyhunter13/ai-request-router/internal/domain"
)

// JobsService admits asynchronous jobs: validate, interlock on the
// idempotency key, persist, enqueue.
type JobsService struct {
	Store domain.JobStore
	Queue domain.Queue

	// Defaults applied when the client omits the knob.
	JobTimeout      time.Duration
	ProviderTimeout time.Duration
	MaxAttempts     int
}

// NewJobsService constructs a JobsService with its dependencies.
func NewJobsService(store domain.JobStore, queue domain.Queue, jobTimeout, providerTimeout time.Duration, maxAttempts int) JobsService {
	return JobsService{
		Store:           store,
		Queue:           queue,
		JobTimeout:      jobTimeout,
		ProviderTimeout: providerTimeout,
		MaxAttempts:     maxAttempts,
	}
}

// SubmitInput is the admission request for one async job.
type SubmitInput struct {
	TenantID       string
	RequestID      string
	Type           domain.JobType
	Payload        map[string]any
	Priority       string
	Provider       string
	IdempotencyKey string
	WebhookURL     string
	TimeoutSeconds int
}

// Submit validates the input, binds the idempotency key and enqueues the job.
// Replays with a bound key return the original job regardless of which
// concurrent submitter won the bind.
func (s JobsService) Submit(ctx domain.Context, in SubmitInput) (*domain.Job, error) {
	if !domain.ValidJobType(in.Type) {
		return nil, domain.Ef(domain.CodeInvalidParameter, "unknown job type %q", in.Type)
	}
	if err := validatePayload(in.Type, in.Payload); err != nil {
		return nil, err
	}

	if in.IdempotencyKey != "" {
		if bound, err := s.Store.CheckIdempotency(ctx, in.IdempotencyKey); err == nil && bound != "" {
			return s.Store.GetJob(ctx, bound)
		}
	}

	now := time.Now().UTC()
	j := &domain.Job{
		ID:                     uuid.NewString(),
		IdempotencyKey:         in.IdempotencyKey,
		TenantID:               in.TenantID,
		RequestID:              in.RequestID,
		Type:                   in.Type,
		Priority:               domain.ParsePriority(in.Priority),
		Provider:               in.Provider,
		Payload:                in.Payload,
		Status:                 domain.JobPending,
		CreatedAt:              now,
		MaxAttempts:            s.MaxAttempts,
		TimeoutSeconds:         in.TimeoutSeconds,
		ProviderTimeoutSeconds: int(s.ProviderTimeout.Seconds()),
		WebhookURL:             in.WebhookURL,
	}
	if j.TimeoutSeconds <= 0 {
		j.TimeoutSeconds = int(s.JobTimeout.Seconds())
	}

	if in.IdempotencyKey != "" {
		winner, err := s.Store.BindIdempotency(ctx, in.IdempotencyKey, j.ID)
		if err != nil {
			return nil, err
		}
		if winner != j.ID {
			// A concurrent submit bound the key first; converge on its job.
			return s.Store.GetJob(ctx, winner)
		}
	}

	if err := s.Store.SaveJob(ctx, j); err != nil {
		return nil, err
	}
	// Mark queued before the queue sees the job, so a fast worker's
	// queued->running transition never races a stale pending state.
	if err := s.Store.UpdateStatus(ctx, j.ID, domain.JobQueued); err != nil {
		return nil, err
	}
	j.Status = domain.JobQueued
	j.QueuedAt = &now

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

// Result returns the stored result projection for a finished job, or a
// status-only projection while the job is still in flight.
func (s JobsService) Result(ctx domain.Context, jobID string) (*domain.JobResult, error) {
	res, err := s.Store.GetResult(ctx, jobID)
	if err == nil {
		return res, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}
	j, err := s.Store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return &domain.JobResult{
		JobID:        j.ID,
		Status:       j.Status,
		AttemptCount: j.AttemptCount,
		CreatedAt:    j.CreatedAt,
	}, nil
}

// Cancel removes a still-queued job. Jobs already picked up by a worker are
// past the point of no return and report a conflict.
func (s JobsService) Cancel(ctx domain.Context, jobID string) error {
	removed, err := s.Queue.Remove(ctx, jobID)
	if err != nil {
		return err
	}
	if !removed {
		j, err := s.Store.GetJob(ctx, jobID)
		if err != nil {
			return err
		}
		return domain.WrapCode(domain.CodeInvalidParameter, fmt.Sprintf("job %s is %s and cannot be cancelled", jobID, j.Status), domain.ErrConflict)
	}
	return s.Store.UpdateStatus(ctx, jobID, domain.JobCancelled)
}

func validatePayload(t domain.JobType, payload map[string]any) error {
	if len(payload) == 0 {
		return domain.E(domain.CodeInvalidParameter, "payload is required")
	}
	str := func(key string) string {
		s, _ := payload[key].(string)
		return s
	}
	switch t {
	case domain.JobTypeInference, domain.JobTypeSearch:
		if str("query") == "" {
			return domain.E(domain.CodeInvalidParameter, "payload.query is required")
		}
	case domain.JobTypeEmbedding:
		if str("text") == "" {
			return domain.E(domain.CodeInvalidParameter, "payload.text is required")
		}
	}
	return nil
}
