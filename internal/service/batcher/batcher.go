// Package batcher groups compatible jobs into small dispatch units so
// embedding calls can share one provider round trip.
package batcher

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fairyhunter13/ai-request-router/internal/adapter/observability"
	"github.com/fairyhunter13/ai-request-router/internal/config"
	"github.com/fairyhunter13/ai-request-router/internal/domain"
)

// FlushFunc receives a closed batch. It is always invoked outside the
// batcher lock, on the goroutine that triggered the flush.
type FlushFunc func(b *domain.Batch)

// Key identifies one open batch. Jobs only ever share a batch when both the
// provider hint and the job type match.
type Key struct {
	Provider string
	Type     domain.JobType
}

type openBatch struct {
	batch *domain.Batch
	timer *time.Timer
}

// Stats is a point-in-time snapshot of the batcher.
type Stats struct {
	Enabled     bool   `json:"enabled"`
	OpenBatches int    `json:"open_batches"`
	PendingJobs int    `json:"pending_jobs"`
	Flushed     uint64 `json:"flushed_total"`
}

// Batcher keeps at most one open batch per key. The first insert arms a
// single-shot window timer; the batch closes on size or timer, whichever
// fires first. A closed batch never reopens.
type Batcher struct {
	enabled bool
	maxSize int
	window  time.Duration
	flush   FlushFunc
	logger  *slog.Logger

	mu      sync.Mutex
	open    map[Key]*openBatch
	flushed uint64
}

// New creates a batcher. A nil logger falls back to slog.Default.
func New(cfg config.BatchConfig, flush FlushFunc, logger *slog.Logger) *Batcher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 10
	}
	if cfg.Window <= 0 {
		cfg.Window = 100 * time.Millisecond
	}
	return &Batcher{
		enabled: cfg.Enabled,
		maxSize: cfg.MaxSize,
		window:  cfg.Window,
		flush:   flush,
		logger:  logger,
		open:    make(map[Key]*openBatch),
	}
}

// Add inserts a job into the open batch for its key, opening one when
// needed. It reports false when batching is disabled so the caller can
// dispatch the job directly.
func (b *Batcher) Add(j *domain.Job) bool {
	if !b.enabled {
		return false
	}
	key := Key{Provider: j.Provider, Type: j.Type}

	b.mu.Lock()
	ob, ok := b.open[key]
	if !ok {
		batch := &domain.Batch{
			ID:        uuid.NewString(),
			Provider:  key.Provider,
			Type:      key.Type,
			CreatedAt: time.Now(),
		}
		ob = &openBatch{batch: batch}
		ob.timer = time.AfterFunc(b.window, func() { b.flushByTimer(key, batch.ID) })
		b.open[key] = ob
	}
	ob.batch.Jobs = append(ob.batch.Jobs, j)

	if len(ob.batch.Jobs) >= b.maxSize {
		delete(b.open, key)
		ob.timer.Stop()
		b.mu.Unlock()
		b.deliver(ob.batch, "size")
		return true
	}
	b.mu.Unlock()
	return true
}

// flushByTimer closes the batch the timer was armed for. The identity check
// keeps a late timer from flushing a successor batch under the same key.
func (b *Batcher) flushByTimer(key Key, batchID string) {
	b.mu.Lock()
	ob, ok := b.open[key]
	if !ok || ob.batch.ID != batchID {
		b.mu.Unlock()
		return
	}
	delete(b.open, key)
	b.mu.Unlock()
	b.deliver(ob.batch, "timer")
}

// ForceFlushAll closes every open batch immediately.
func (b *Batcher) ForceFlushAll() {
	b.mu.Lock()
	drained := make([]*domain.Batch, 0, len(b.open))
	for key, ob := range b.open {
		ob.timer.Stop()
		drained = append(drained, ob.batch)
		delete(b.open, key)
	}
	b.mu.Unlock()

	for _, batch := range drained {
		b.deliver(batch, "force")
	}
}

// Stats returns a snapshot of open batches and flush totals.
func (b *Batcher) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := Stats{Enabled: b.enabled, OpenBatches: len(b.open), Flushed: b.flushed}
	for _, ob := range b.open {
		s.PendingJobs += len(ob.batch.Jobs)
	}
	return s
}

func (b *Batcher) deliver(batch *domain.Batch, trigger string) {
	observability.ObserveBatchFlush(len(batch.Jobs), trigger)
	b.mu.Lock()
	b.flushed++
	b.mu.Unlock()
	b.logger.Debug("batch flushed",
		slog.String("provider", batch.Provider),
		slog.String("type", string(batch.Type)),
		slog.Int("size", len(batch.Jobs)),
		slog.String("trigger", trigger),
	)
	if b.flush != nil {
		b.flush(batch)
	}
}
