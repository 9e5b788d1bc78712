// Package redisq implements the priority queue on a Redis sorted set so
// several instances can share one backlog. The score encodes priority rank
// and arrival sequence, keeping FIFO order within a priority level across
// processes.
package redisq

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/ai-request-router/internal/adapter/observability"
	"github.com/fairyhunter13/ai-request-router/internal/domain"
)

const (
	queueKey   = "jobs_queue"
	payloadKey = "jobs_queue:payload"
	seqKey     = "jobs_queue:seq"

	pollInterval = 100 * time.Millisecond
)

// Queue is a Redis-backed domain.Queue.
type Queue struct {
	redis   *redis.Client
	maxSize int
	push    *redis.Script
	pop     *redis.Script
	drop    *redis.Script
}

// NewQueue creates a queue on the given client holding at most maxSize jobs.
func NewQueue(rdb *redis.Client, maxSize int) *Queue {
	if maxSize <= 0 {
		maxSize = 10000
	}
	return &Queue{
		redis:   rdb,
		maxSize: maxSize,
		push:    redis.NewScript(luaPush),
		pop:     redis.NewScript(luaPop),
		drop:    redis.NewScript(luaDrop),
	}
}

// Sequence numbers subtract from the rank band so earlier arrivals score
// higher within one priority. One band holds 1e9 enqueues.
const luaPush = `
local max = tonumber(ARGV[1])
local rank = tonumber(ARGV[2])
local id = ARGV[3]
local body = ARGV[4]

if max > 0 and redis.call("ZCARD", KEYS[1]) >= max then
  return { 0, redis.call("ZCARD", KEYS[1]) }
end
local seq = redis.call("INCR", KEYS[3])
local score = rank * 1e9 - seq
redis.call("ZADD", KEYS[1], score, id)
redis.call("HSET", KEYS[2], id, body)
return { 1, redis.call("ZCARD", KEYS[1]) }
`

const luaPop = `
local popped = redis.call("ZPOPMAX", KEYS[1])
if #popped == 0 then
  return false
end
local id = popped[1]
local body = redis.call("HGET", KEYS[2], id)
redis.call("HDEL", KEYS[2], id)
return { id, body, redis.call("ZCARD", KEYS[1]) }
`

const luaDrop = `
local removed = redis.call("ZREM", KEYS[1], ARGV[1])
redis.call("HDEL", KEYS[2], ARGV[1])
return { removed, redis.call("ZCARD", KEYS[1]) }
`

// Enqueue implements domain.Queue.
func (q *Queue) Enqueue(ctx domain.Context, j *domain.Job) (bool, error) {
	body, err := json.Marshal(j)
	if err != nil {
		return false, fmt.Errorf("marshal job: %w", err)
	}

	res, err := q.push.Run(ctx, q.redis, []string{queueKey, payloadKey, seqKey},
		q.maxSize, j.Priority.Rank(), j.ID, body).Result()
	if err != nil {
		return false, fmt.Errorf("queue push: %w", err)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) < 2 {
		return false, fmt.Errorf("queue push: unexpected result %v", res)
	}
	if depth, ok := vals[1].(int64); ok {
		observability.QueueDepth.Set(float64(depth))
	}
	admitted, _ := vals[0].(int64)
	return admitted == 1, nil
}

// Dequeue implements domain.Queue. Redis has no blocking pop that also moves
// the payload hash atomically, so this polls the pop script on a short
// interval until the context is done.
func (q *Queue) Dequeue(ctx domain.Context) (*domain.Job, error) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		j, err := q.tryPop(ctx)
		if err != nil {
			return nil, err
		}
		if j != nil {
			return j, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (q *Queue) tryPop(ctx domain.Context) (*domain.Job, error) {
	res, err := q.pop.Run(ctx, q.redis, []string{queueKey, payloadKey}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("queue pop: %w", err)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) < 3 {
		return nil, nil
	}
	if depth, ok := vals[2].(int64); ok {
		observability.QueueDepth.Set(float64(depth))
	}

	body, _ := vals[1].(string)
	if body == "" {
		// Member without payload, e.g. removed mid-pop. Skip it.
		return nil, nil
	}
	var j domain.Job
	if err := json.Unmarshal([]byte(body), &j); err != nil {
		return nil, fmt.Errorf("unmarshal job: %w", err)
	}
	return &j, nil
}

// Peek implements domain.Queue. It is advisory: the job may be popped by
// another consumer between Peek and any follow-up.
func (q *Queue) Peek(ctx domain.Context) (*domain.Job, error) {
	ids, err := q.redis.ZRevRange(ctx, queueKey, 0, 0).Result()
	if err != nil {
		return nil, fmt.Errorf("queue peek: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	body, err := q.redis.HGet(ctx, payloadKey, ids[0]).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("queue peek payload: %w", err)
	}
	var j domain.Job
	if err := json.Unmarshal([]byte(body), &j); err != nil {
		return nil, fmt.Errorf("unmarshal job: %w", err)
	}
	return &j, nil
}

// Size implements domain.Queue.
func (q *Queue) Size(ctx domain.Context) (int, error) {
	n, err := q.redis.ZCard(ctx, queueKey).Result()
	if err != nil {
		return 0, fmt.Errorf("queue size: %w", err)
	}
	return int(n), nil
}

// Remove implements domain.Queue.
func (q *Queue) Remove(ctx domain.Context, jobID string) (bool, error) {
	res, err := q.drop.Run(ctx, q.redis, []string{queueKey, payloadKey}, jobID).Result()
	if err != nil {
		return false, fmt.Errorf("queue remove: %w", err)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) < 2 {
		return false, nil
	}
	if depth, ok := vals[1].(int64); ok {
		observability.QueueDepth.Set(float64(depth))
	}
	removed, _ := vals[0].(int64)
	return removed == 1, nil
}
