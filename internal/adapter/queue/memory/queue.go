// Package memory implements the priority queue in process memory. It is the
// default backend for single-instance deployments; the Redis backend carries
// the same ordering contract for multi-instance setups.
package memory

import (
	"container/heap"
	"sync"

	"github.com/fairyhunter13/ai-request-router/internal/adapter/observability"
	"github.com/fairyhunter13/ai-request-router/internal/domain"
)

type item struct {
	job   *domain.Job
	rank  int
	seq   uint64
	index int
}

// queueHeap orders by priority rank first, then by arrival sequence so jobs
// within one priority level leave in FIFO order.
type queueHeap []*item

func (h queueHeap) Len() int { return len(h) }

func (h queueHeap) Less(i, j int) bool {
	if h[i].rank != h[j].rank {
		return h[i].rank > h[j].rank
	}
	return h[i].seq < h[j].seq
}

func (h queueHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *queueHeap) Push(x any) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *queueHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

// Queue is a bounded in-process priority queue with a blocking Dequeue.
type Queue struct {
	mu      sync.Mutex
	items   queueHeap
	byID    map[string]*item
	maxSize int
	seq     uint64
	wake    chan struct{}
}

// NewQueue creates a queue holding at most maxSize jobs.
func NewQueue(maxSize int) *Queue {
	if maxSize <= 0 {
		maxSize = 10000
	}
	return &Queue{
		byID:    make(map[string]*item),
		maxSize: maxSize,
		wake:    make(chan struct{}, 1),
	}
}

// Enqueue implements domain.Queue. It returns false when the queue is full.
func (q *Queue) Enqueue(_ domain.Context, j *domain.Job) (bool, error) {
	q.mu.Lock()
	if len(q.items) >= q.maxSize {
		q.mu.Unlock()
		return false, nil
	}
	q.seq++
	it := &item{job: j, rank: j.Priority.Rank(), seq: q.seq}
	heap.Push(&q.items, it)
	q.byID[j.ID] = it
	depth := len(q.items)
	q.mu.Unlock()

	observability.QueueDepth.Set(float64(depth))
	q.signal()
	return true, nil
}

// Dequeue implements domain.Queue. It blocks until a job is available or the
// context is done.
func (q *Queue) Dequeue(ctx domain.Context) (*domain.Job, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			it := heap.Pop(&q.items).(*item)
			delete(q.byID, it.job.ID)
			depth := len(q.items)
			q.mu.Unlock()

			observability.QueueDepth.Set(float64(depth))
			if depth > 0 {
				// Keep other waiters moving; a dropped signal would
				// otherwise strand them until the next Enqueue.
				q.signal()
			}
			return it.job, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.wake:
		}
	}
}

// Peek implements domain.Queue. It returns a copy of the next job without
// removing it, or nil when the queue is empty.
func (q *Queue) Peek(_ domain.Context) (*domain.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, nil
	}
	return q.items[0].job.Clone(), nil
}

// Size implements domain.Queue.
func (q *Queue) Size(_ domain.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items), nil
}

// Remove implements domain.Queue. It deletes a still-queued job, which backs
// job cancellation before a worker picks it up.
func (q *Queue) Remove(_ domain.Context, jobID string) (bool, error) {
	q.mu.Lock()
	it, ok := q.byID[jobID]
	if !ok {
		q.mu.Unlock()
		return false, nil
	}
	heap.Remove(&q.items, it.index)
	delete(q.byID, jobID)
	depth := len(q.items)
	q.mu.Unlock()

	observability.QueueDepth.Set(float64(depth))
	return true, nil
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}
