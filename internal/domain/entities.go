package domain

import (
	"context"
	"time"
)

// JobType enumerates the kinds of work the router dispatches.
type JobType string

const (
	JobTypeInference JobType = "inference"
	JobTypeEmbedding JobType = "embedding"
	JobTypeSearch    JobType = "search"
)

// ValidJobType reports whether t is a known job type.
func ValidJobType(t JobType) bool {
	switch t {
	case JobTypeInference, JobTypeEmbedding, JobTypeSearch:
		return true
	}
	return false
}

// Priority orders jobs in the queue. Higher rank dequeues first.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Rank maps a priority to its numeric rank (high=3, normal=2, low=1).
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 3
	case PriorityLow:
		return 1
	default:
		return 2
	}
}

// ParsePriority normalizes a client-supplied priority string.
// Unknown or empty values fall back to normal.
func ParsePriority(s string) Priority {
	switch Priority(s) {
	case PriorityHigh, PriorityNormal, PriorityLow:
		return Priority(s)
	}
	return PriorityNormal
}

// JobStatus is the lifecycle state of a Job.
// Allowed transitions: pending -> queued -> running -> (completed | failed |
// timeout | cancelled | dead_letter), plus failed -> dead_letter and the
// operator requeue dead_letter -> pending. Terminal states otherwise never
// transition.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobQueued     JobStatus = "queued"
	JobRunning    JobStatus = "running"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobTimeout    JobStatus = "timeout"
	JobCancelled  JobStatus = "cancelled"
	JobDeadLetter JobStatus = "dead_letter"
)

// Terminal reports whether the status is final.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobTimeout, JobCancelled, JobDeadLetter:
		return true
	}
	return false
}

// CanTransition reports whether s -> to is a legal lifecycle step.
func (s JobStatus) CanTransition(to JobStatus) bool {
	if s == to {
		return false
	}
	switch s {
	case JobPending:
		return to == JobQueued || to == JobCancelled || to == JobFailed
	case JobQueued:
		return to == JobRunning || to == JobCancelled || to == JobFailed
	case JobRunning:
		return to == JobCompleted || to == JobFailed || to == JobTimeout ||
			to == JobCancelled || to == JobDeadLetter
	case JobFailed:
		return to == JobDeadLetter
	case JobDeadLetter:
		// Operator requeue only.
		return to == JobPending
	}
	return false
}

// Job is the unit of work flowing through admission, queue, and dispatch.
type Job struct {
	ID             string         `json:"id"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	TenantID       string         `json:"tenant_id"`
	RequestID      string         `json:"request_id,omitempty"`
	Type           JobType        `json:"type"`
	Priority       Priority       `json:"priority"`
	Provider       string         `json:"provider,omitempty"` // target-provider hint
	Payload        map[string]any `json:"payload"`

	Status      JobStatus  `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	QueuedAt    *time.Time `json:"queued_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	AttemptCount           int    `json:"attempt_count"`
	MaxAttempts            int    `json:"max_attempts"`
	TimeoutSeconds         int    `json:"timeout_seconds"`
	ProviderTimeoutSeconds int    `json:"provider_timeout_seconds"`
	WebhookURL             string `json:"webhook_url,omitempty"`

	Result       map[string]any `json:"result,omitempty"`
	ProviderUsed string         `json:"provider_used,omitempty"`
	ErrorCode    ErrorCode      `json:"error_code,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
}

// Clone returns a deep-enough copy for hand-off between queue and workers.
// Payload and Result maps are copied shallowly one level down; adapters treat
// payload values as read-only.
func (j *Job) Clone() *Job {
	cp := *j
	if j.Payload != nil {
		cp.Payload = make(map[string]any, len(j.Payload))
		for k, v := range j.Payload {
			cp.Payload[k] = v
		}
	}
	if j.Result != nil {
		cp.Result = make(map[string]any, len(j.Result))
		for k, v := range j.Result {
			cp.Result[k] = v
		}
	}
	if j.QueuedAt != nil {
		t := *j.QueuedAt
		cp.QueuedAt = &t
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		cp.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

// JobResult is the client-facing projection of a finished Job.
type JobResult struct {
	JobID        string         `json:"job_id"`
	Status       JobStatus      `json:"status"`
	Result       map[string]any `json:"result,omitempty"`
	ErrorCode    ErrorCode      `json:"error_code,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	ProviderUsed string         `json:"provider_used,omitempty"`
	AttemptCount int            `json:"attempt_count"`
	CreatedAt    time.Time      `json:"created_at"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
	DurationMs   int64          `json:"duration_ms"`
}

// ResultFromJob builds the projection for a job in a terminal state.
func ResultFromJob(j *Job) *JobResult {
	r := &JobResult{
		JobID:        j.ID,
		Status:       j.Status,
		Result:       j.Result,
		ErrorCode:    j.ErrorCode,
		ErrorMessage: j.ErrorMessage,
		ProviderUsed: j.ProviderUsed,
		AttemptCount: j.AttemptCount,
		CreatedAt:    j.CreatedAt,
		CompletedAt:  j.CompletedAt,
	}
	if j.CompletedAt != nil {
		r.DurationMs = j.CompletedAt.Sub(j.CreatedAt).Milliseconds()
	}
	return r
}

// Batch is a transient grouping of compatible jobs. All jobs share
// (Provider, Type).
type Batch struct {
	ID        string    `json:"id"`
	Provider  string    `json:"provider"`
	Type      JobType   `json:"type"`
	Jobs      []*Job    `json:"jobs"`
	CreatedAt time.Time `json:"created_at"`
}

// DeadLetter freezes a failed job with its final error for extended retention.
type DeadLetter struct {
	Job            *Job      `json:"job"`
	ErrorCode      ErrorCode `json:"error_code"`
	ErrorMessage   string    `json:"error_message"`
	DeadLetteredAt time.Time `json:"dead_lettered_at"`
}

// Ports

//go:generate mockery --name=Queue --with-expecter --filename=queue_mock.go
//go:generate mockery --name=JobStore --with-expecter --filename=job_store_mock.go

// Queue orders pending jobs by (priority rank desc, enqueue sequence asc).
type Queue interface {
	// Enqueue returns false when the queue is at capacity.
	Enqueue(ctx Context, j *Job) (bool, error)
	// Dequeue blocks until a job is available or ctx is done.
	Dequeue(ctx Context) (*Job, error)
	Peek(ctx Context) (*Job, error)
	Size(ctx Context) (int, error)
	Remove(ctx Context, jobID string) (bool, error)
}

// JobStore persists jobs, results, idempotency bindings and the dead-letter
// queue. Implementations enforce the status lattice in UpdateStatus and stamp
// QueuedAt/StartedAt/CompletedAt on the corresponding transitions.
type JobStore interface {
	SaveJob(ctx Context, j *Job) error
	GetJob(ctx Context, id string) (*Job, error)
	SaveResult(ctx Context, r *JobResult) error
	GetResult(ctx Context, jobID string) (*JobResult, error)

	// BindIdempotency atomically binds key -> jobID. When the key is already
	// bound it returns the existing job id; the first writer always wins.
	BindIdempotency(ctx Context, key, jobID string) (string, error)
	// CheckIdempotency returns the bound job id or "" when absent.
	CheckIdempotency(ctx Context, key string) (string, error)

	UpdateStatus(ctx Context, id string, status JobStatus) error

	AddToDeadLetter(ctx Context, j *Job, code ErrorCode, msg string) error
	ListDeadLetter(ctx Context, limit int) ([]DeadLetter, error)
	// RequeueFromDeadLetter resets the job to pending with zero attempts and
	// returns it for re-insertion into the queue.
	RequeueFromDeadLetter(ctx Context, jobID string) (*Job, error)

	CleanupOlderThan(ctx Context, age time.Duration) (int, error)
}

// InferenceInput is the provider-facing shape of an inference call.
type InferenceInput struct {
	Query       string
	Context     string
	MaxTokens   int
	Temperature float64
}

// InferenceOutput carries the provider answer plus accounting metadata.
type InferenceOutput struct {
	Answer     string
	Model      string
	TokensUsed int
	Confidence float64
}

// EmbedOutput carries embedding vectors in input order.
type EmbedOutput struct {
	Vectors   [][]float32
	Model     string
	Dimension int
}

// Provider is a narrow client for one remote model endpoint. Implementations
// return the remote status classification untouched; the retry policy decides
// what is retryable.
type Provider interface {
	Name() string
	Inference(ctx Context, in InferenceInput) (*InferenceOutput, error)
	Embed(ctx Context, texts []string) (*EmbedOutput, error)
	HealthCheck(ctx Context) error
}

// VectorHit is one scored candidate from the vector index.
type VectorHit struct {
	DocID   string
	Score   float64
	Payload map[string]any
}

// VectorPoint is a document vector plus payload for indexing.
type VectorPoint struct {
	ID      string
	Vector  []float32
	Payload map[string]any
}

// VectorSearcher is the external vector-search contract consumed by the RAG
// orchestrator and the search path of the router.
type VectorSearcher interface {
	Search(ctx Context, vector []float32, topK int, filters map[string]any) ([]VectorHit, error)
	Upsert(ctx Context, points []VectorPoint) error
}

// JobEvent is a lifecycle notification emitted on terminal transitions.
type JobEvent struct {
	Type       string     `json:"type"`
	JobID      string     `json:"job_id"`
	TenantID   string     `json:"tenant_id"`
	JobType    JobType    `json:"job_type"`
	Status     JobStatus  `json:"status"`
	Provider   string     `json:"provider,omitempty"`
	ErrorCode  ErrorCode  `json:"error_code,omitempty"`
	Attempts   int        `json:"attempts"`
	OccurredAt time.Time  `json:"occurred_at"`
	Result     *JobResult `json:"result,omitempty"`
}

// EventPublisher fans job lifecycle events out to an external stream.
type EventPublisher interface {
	PublishJobEvent(ctx Context, ev JobEvent) error
	Close()
}

// Context is an alias to allow decoupling from std context in domain.
// Adapters and usecases pass context.Context through.
type Context = context.Context
