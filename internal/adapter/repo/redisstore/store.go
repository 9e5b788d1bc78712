// Package redisstore implements the job store on Redis. Jobs, results and
// idempotency bindings expire through native TTLs; dead letters are kept
// seven times longer under a sorted-set index for listing.
package redisstore

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/ai-request-router/internal/adapter/observability"
	"github.com/fairyhunter13/ai-request-router/internal/domain"
)

const dlqIndexKey = "dlq_index"

// Store is a Redis-backed domain.JobStore.
type Store struct {
	redis *redis.Client
	ttl   time.Duration

	now func() time.Time
}

// NewStore creates a store whose records expire after ttl.
func NewStore(rdb *redis.Client, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Store{redis: rdb, ttl: ttl, now: time.Now}
}

func jobKey(id string) string     { return "job:" + id }
func resultKey(id string) string  { return "result:" + id }
func dlqKey(id string) string     { return "dlq:" + id }
func idemKey(key string) string   { return "idem:" + key }
func (s *Store) dlqTTL() time.Duration { return 7 * s.ttl }

// SaveJob implements domain.JobStore.
func (s *Store) SaveJob(ctx domain.Context, j *domain.Job) error {
	b, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("op=jobstore.save id=%s: %w", j.ID, err)
	}
	if err := s.redis.Set(ctx, jobKey(j.ID), b, s.ttl).Err(); err != nil {
		return fmt.Errorf("op=jobstore.save id=%s: %w", j.ID, err)
	}
	return nil
}

// GetJob implements domain.JobStore.
func (s *Store) GetJob(ctx domain.Context, id string) (*domain.Job, error) {
	b, err := s.redis.Get(ctx, jobKey(id)).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("op=jobstore.get id=%s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("op=jobstore.get id=%s: %w", id, err)
	}
	var j domain.Job
	if err := json.Unmarshal(b, &j); err != nil {
		return nil, fmt.Errorf("op=jobstore.get id=%s: %w", id, err)
	}
	return &j, nil
}

// SaveResult implements domain.JobStore.
func (s *Store) SaveResult(ctx domain.Context, r *domain.JobResult) error {
	b, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("op=jobstore.save_result job_id=%s: %w", r.JobID, err)
	}
	if err := s.redis.Set(ctx, resultKey(r.JobID), b, s.ttl).Err(); err != nil {
		return fmt.Errorf("op=jobstore.save_result job_id=%s: %w", r.JobID, err)
	}
	return nil
}

// GetResult implements domain.JobStore.
func (s *Store) GetResult(ctx domain.Context, jobID string) (*domain.JobResult, error) {
	b, err := s.redis.Get(ctx, resultKey(jobID)).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("op=jobstore.get_result job_id=%s: %w", jobID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("op=jobstore.get_result job_id=%s: %w", jobID, err)
	}
	var r domain.JobResult
	if err := json.Unmarshal(b, &r); err != nil {
		return nil, fmt.Errorf("op=jobstore.get_result job_id=%s: %w", jobID, err)
	}
	return &r, nil
}

// BindIdempotency implements domain.JobStore via SETNX; the first writer
// across all instances wins.
func (s *Store) BindIdempotency(ctx domain.Context, key, jobID string) (string, error) {
	ok, err := s.redis.SetNX(ctx, idemKey(key), jobID, s.ttl).Result()
	if err != nil {
		return "", fmt.Errorf("op=jobstore.bind_idem key=%s: %w", key, err)
	}
	if ok {
		return jobID, nil
	}
	existing, err := s.redis.Get(ctx, idemKey(key)).Result()
	if err == redis.Nil {
		// Binding expired between SETNX and GET; retry once.
		if ok, err := s.redis.SetNX(ctx, idemKey(key), jobID, s.ttl).Result(); err == nil && ok {
			return jobID, nil
		}
		existing, err = s.redis.Get(ctx, idemKey(key)).Result()
		if err != nil {
			return "", fmt.Errorf("op=jobstore.bind_idem key=%s: %w", key, err)
		}
	} else if err != nil {
		return "", fmt.Errorf("op=jobstore.bind_idem key=%s: %w", key, err)
	}
	return existing, nil
}

// CheckIdempotency implements domain.JobStore.
func (s *Store) CheckIdempotency(ctx domain.Context, key string) (string, error) {
	v, err := s.redis.Get(ctx, idemKey(key)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("op=jobstore.check_idem key=%s: %w", key, err)
	}
	return v, nil
}

// UpdateStatus implements domain.JobStore. The lattice check runs on the
// loaded copy; a job is only ever advanced by the worker that dequeued it,
// so load-modify-save is safe here.
func (s *Store) UpdateStatus(ctx domain.Context, id string, status domain.JobStatus) error {
	j, err := s.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if !j.Status.CanTransition(status) {
		return fmt.Errorf("op=jobstore.update_status id=%s %s->%s: %w", id, j.Status, status, domain.ErrConflict)
	}
	now := s.now()
	j.Status = status
	switch {
	case status == domain.JobQueued:
		j.QueuedAt = &now
	case status == domain.JobRunning:
		j.StartedAt = &now
	case status.Terminal():
		j.CompletedAt = &now
	}
	return s.SaveJob(ctx, j)
}

// AddToDeadLetter implements domain.JobStore.
func (s *Store) AddToDeadLetter(ctx domain.Context, j *domain.Job, code domain.ErrorCode, msg string) error {
	now := s.now()

	frozen := j.Clone()
	frozen.Status = domain.JobDeadLetter
	frozen.ErrorCode = code
	frozen.ErrorMessage = msg
	frozen.CompletedAt = &now
	if err := s.SaveJob(ctx, frozen); err != nil {
		return err
	}

	entry := domain.DeadLetter{Job: frozen, ErrorCode: code, ErrorMessage: msg, DeadLetteredAt: now}
	b, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("op=jobstore.dead_letter id=%s: %w", j.ID, err)
	}

	pipe := s.redis.TxPipeline()
	pipe.Set(ctx, dlqKey(j.ID), b, s.dlqTTL())
	pipe.ZAdd(ctx, dlqIndexKey, redis.Z{Score: float64(now.UnixMilli()), Member: j.ID})
	depth := pipe.ZCard(ctx, dlqIndexKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("op=jobstore.dead_letter id=%s: %w", j.ID, err)
	}
	observability.DLQDepth.Set(float64(depth.Val()))
	return nil
}

// ListDeadLetter implements domain.JobStore, newest first. Index members
// whose entry already expired are pruned as they are encountered.
func (s *Store) ListDeadLetter(ctx domain.Context, limit int) ([]domain.DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	ids, err := s.redis.ZRevRange(ctx, dlqIndexKey, 0, int64(limit)-1).Result()
	if err != nil {
		return nil, fmt.Errorf("op=jobstore.list_dlq: %w", err)
	}

	out := make([]domain.DeadLetter, 0, len(ids))
	for _, id := range ids {
		b, err := s.redis.Get(ctx, dlqKey(id)).Bytes()
		if err == redis.Nil {
			s.redis.ZRem(ctx, dlqIndexKey, id)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("op=jobstore.list_dlq id=%s: %w", id, err)
		}
		var entry domain.DeadLetter
		if err := json.Unmarshal(b, &entry); err != nil {
			return nil, fmt.Errorf("op=jobstore.list_dlq id=%s: %w", id, err)
		}
		out = append(out, entry)
	}
	return out, nil
}

// RequeueFromDeadLetter implements domain.JobStore.
func (s *Store) RequeueFromDeadLetter(ctx domain.Context, jobID string) (*domain.Job, error) {
	b, err := s.redis.Get(ctx, dlqKey(jobID)).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("op=jobstore.requeue id=%s: %w", jobID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("op=jobstore.requeue id=%s: %w", jobID, err)
	}
	var entry domain.DeadLetter
	if err := json.Unmarshal(b, &entry); err != nil {
		return nil, fmt.Errorf("op=jobstore.requeue id=%s: %w", jobID, err)
	}

	j := entry.Job
	j.Status = domain.JobPending
	j.AttemptCount = 0
	j.ErrorCode = ""
	j.ErrorMessage = ""
	j.Result = nil
	j.ProviderUsed = ""
	j.QueuedAt = nil
	j.StartedAt = nil
	j.CompletedAt = nil
	if err := s.SaveJob(ctx, j); err != nil {
		return nil, err
	}

	pipe := s.redis.TxPipeline()
	pipe.Del(ctx, dlqKey(jobID), resultKey(jobID))
	pipe.ZRem(ctx, dlqIndexKey, jobID)
	depth := pipe.ZCard(ctx, dlqIndexKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("op=jobstore.requeue id=%s: %w", jobID, err)
	}
	observability.DLQDepth.Set(float64(depth.Val()))
	return j.Clone(), nil
}

// ListStuck scans job records for running jobs whose StartedAt is older than
// cutoff. SCAN keeps the walk incremental so a large keyspace does not block
// the server.
func (s *Store) ListStuck(ctx domain.Context, cutoff time.Time, limit int) ([]*domain.Job, error) {
	out := make([]*domain.Job, 0)
	iter := s.redis.Scan(ctx, 0, jobKey("*"), 200).Iterator()
	for iter.Next(ctx) {
		b, err := s.redis.Get(ctx, iter.Val()).Bytes()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("op=jobstore.list_stuck: %w", err)
		}
		var j domain.Job
		if err := json.Unmarshal(b, &j); err != nil {
			continue
		}
		if j.Status != domain.JobRunning || j.StartedAt == nil || j.StartedAt.After(cutoff) {
			continue
		}
		out = append(out, &j)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("op=jobstore.list_stuck: %w", err)
	}
	return out, nil
}

// CleanupOlderThan implements domain.JobStore. Redis TTLs already expire the
// records themselves; this prunes index members whose entry is gone.
func (s *Store) CleanupOlderThan(ctx domain.Context, _ time.Duration) (int, error) {
	ids, err := s.redis.ZRange(ctx, dlqIndexKey, 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("op=jobstore.cleanup: %w", err)
	}
	pruned := 0
	for _, id := range ids {
		n, err := s.redis.Exists(ctx, dlqKey(id)).Result()
		if err != nil {
			return pruned, fmt.Errorf("op=jobstore.cleanup id=%s: %w", id, err)
		}
		if n == 0 {
			s.redis.ZRem(ctx, dlqIndexKey, id)
			pruned++
		}
	}
	depth, err := s.redis.ZCard(ctx, dlqIndexKey).Result()
	if err == nil {
		observability.DLQDepth.Set(float64(depth))
	}
	return pruned, nil
}
