package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/fairyhunter13/ai-request-router/internal/adapter/observability"
	"github.com/fairyhunter13/ai-request-router/internal/config"
	"github.com/fairyhunter13/ai-request-router/internal/domain"
	"github.com/fairyhunter13/ai-request-router/internal/service/batcher"
	"github.com/fairyhunter13/ai-request-router/internal/service/quota"
)

const (
	defaultTotalTimeout   = 5 * time.Minute
	defaultAttemptTimeout = 30 * time.Second
)

// Archiver persists terminal jobs to durable storage beyond the job store's
// retention window.
type Archiver interface {
	Archive(ctx context.Context, j *domain.Job) error
}

// PoolOptions wires the worker pool's collaborators. Events, Webhook, Quota,
// Searcher and Archive are optional.
type PoolOptions struct {
	Queue    domain.Queue
	Store    domain.JobStore
	Router   *Router
	BatchCfg config.BatchConfig
	Events   domain.EventPublisher
	Webhook  *WebhookNotifier
	Quota    quota.Manager
	Costs    config.CostTable
	Searcher domain.VectorSearcher
	Archive  Archiver
	Logger   *slog.Logger
}

// WorkerPool drains the queue through the batcher into N workers. Each unit
// is dispatched against the provider chain; terminal transitions persist the
// result, emit a lifecycle event, and fire the job's webhook.
type WorkerPool struct {
	queue    domain.Queue
	store    domain.JobStore
	router   *Router
	batch    *batcher.Batcher
	events   domain.EventPublisher
	webhook  *WebhookNotifier
	quota    quota.Manager
	costs    config.CostTable
	searcher domain.VectorSearcher
	archive  Archiver
	logger   *slog.Logger
	tracer   trace.Tracer

	baseCtx context.Context
	cancel  context.CancelFunc
	workCh  chan *domain.Batch
	drained chan struct{}
	dispWG  sync.WaitGroup
	wg      sync.WaitGroup
}

func NewWorkerPool(opts PoolOptions) *WorkerPool {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	p := &WorkerPool{
		queue:    opts.Queue,
		store:    opts.Store,
		router:   opts.Router,
		events:   opts.Events,
		webhook:  opts.Webhook,
		quota:    opts.Quota,
		costs:    opts.Costs,
		searcher: opts.Searcher,
		archive:  opts.Archive,
		logger:   logger,
		tracer:   otel.Tracer("dispatch.pool"),
	}
	p.batch = batcher.New(opts.BatchCfg, p.submit, logger)
	return p
}

// BatcherStats exposes the batcher snapshot for the admin surface.
func (p *WorkerPool) BatcherStats() batcher.Stats { return p.batch.Stats() }

// Start launches the dispatcher and `concurrency` workers.
func (p *WorkerPool) Start(concurrency int) {
	if concurrency <= 0 {
		concurrency = 4
	}
	p.baseCtx, p.cancel = context.WithCancel(context.Background())
	p.workCh = make(chan *domain.Batch, concurrency*2)
	p.drained = make(chan struct{})

	p.dispWG.Add(1)
	go p.dispatchLoop(p.baseCtx)
	for i := 0; i < concurrency; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	p.logger.Info("worker pool started", slog.Int("concurrency", concurrency))
}

// Stop cancels pending dequeues, flushes open batches, lets in-flight
// attempts run to their per-attempt deadline, and marks jobs that did not
// reach a terminal state as cancelled.
func (p *WorkerPool) Stop() {
	if p.cancel == nil {
		return
	}
	p.cancel()
	p.dispWG.Wait()
	p.batch.ForceFlushAll()
	close(p.drained)
	p.wg.Wait()
	p.logger.Info("worker pool stopped")
}

// Submit hands a job straight to the batcher, bypassing the queue. The
// dispatcher uses the same path for dequeued jobs.
func (p *WorkerPool) Submit(j *domain.Job) {
	if !p.batch.Add(j) {
		p.submit(&domain.Batch{ID: j.ID, Provider: j.Provider, Type: j.Type, Jobs: []*domain.Job{j}, CreatedAt: time.Now()})
	}
}

func (p *WorkerPool) dispatchLoop(ctx context.Context) {
	defer p.dispWG.Done()
	for {
		j, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Error("dequeue failed", slog.Any("error", err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		if j == nil {
			continue
		}
		p.Submit(j)
	}
}

func (p *WorkerPool) submit(b *domain.Batch) {
	select {
	case p.workCh <- b:
		return
	default:
	}
	select {
	case p.workCh <- b:
	case <-p.baseCtx.Done():
		// Shutting down with saturated workers; these never started.
		for _, j := range b.Jobs {
			p.markCancelled(j)
		}
	}
}

func (p *WorkerPool) worker() {
	defer p.wg.Done()
	for {
		select {
		case b := <-p.workCh:
			p.runBatch(b)
		case <-p.drained:
			for {
				select {
				case b := <-p.workCh:
					p.runBatch(b)
				default:
					return
				}
			}
		}
	}
}

func (p *WorkerPool) runBatch(b *domain.Batch) {
	if b.Type == domain.JobTypeEmbedding && len(b.Jobs) > 1 {
		p.runEmbeddingBatch(b)
		return
	}
	for _, j := range b.Jobs {
		p.runJob(j)
	}
}

// markRunning flips the job to running. A false return means the job reached
// another state while queued (cancelled, typically) and must be skipped.
func (p *WorkerPool) markRunning(j *domain.Job) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.store.UpdateStatus(ctx, j.ID, domain.JobRunning); err != nil {
		p.logger.Warn("job not runnable, skipping",
			slog.String("job_id", j.ID), slog.Any("error", err))
		return false
	}
	observability.StartProcessingJob(string(j.Type))
	return true
}

// jobContexts builds the two dispatch deadlines: total wall time for the
// whole chain walk, and a run context that additionally dies on Stop.
func (p *WorkerPool) jobContexts(parent context.Context, j *domain.Job) (runCtx, totalCtx context.Context, cleanup func()) {
	total := time.Duration(j.TimeoutSeconds) * time.Second
	if total <= 0 {
		total = defaultTotalTimeout
	}
	totalCtx, cancelTotal := context.WithTimeout(parent, total)
	runCtx, cancelRun := context.WithCancel(totalCtx)
	unhook := context.AfterFunc(p.baseCtx, cancelRun)
	return runCtx, totalCtx, func() {
		unhook()
		cancelRun()
		cancelTotal()
	}
}

func (p *WorkerPool) attemptTimeout(j *domain.Job) time.Duration {
	if j.ProviderTimeoutSeconds > 0 {
		return time.Duration(j.ProviderTimeoutSeconds) * time.Second
	}
	return defaultAttemptTimeout
}

func (p *WorkerPool) runJob(j *domain.Job) {
	if p.baseCtx.Err() != nil {
		p.markCancelled(j)
		return
	}
	if !p.markRunning(j) {
		return
	}

	ctx, span := p.tracer.Start(context.Background(), "dispatch.job",
		trace.WithAttributes(
			attribute.String("job.id", j.ID),
			attribute.String("job.type", string(j.Type)),
			attribute.String("job.tenant", j.TenantID),
		))
	defer span.End()

	runCtx, totalCtx, cleanup := p.jobContexts(ctx, j)
	defer cleanup()

	attempts := 0
	opts := CallOpts{
		Hint:           j.Provider,
		AttemptTimeout: p.attemptTimeout(j),
		DetachAttempts: true,
		Attempts:       &attempts,
		MaxAttempts:    j.MaxAttempts,
	}

	var (
		result map[string]any
		used   string
		tokens int
		err    error
	)
	switch j.Type {
	case domain.JobTypeInference:
		result, used, tokens, err = p.runInference(runCtx, j, opts)
	case domain.JobTypeEmbedding:
		result, used, tokens, err = p.runEmbed(runCtx, j, opts)
	case domain.JobTypeSearch:
		result, used, err = p.runSearch(runCtx, j, opts)
	default:
		err = domain.Ef(domain.CodeInvalidParameter, "unknown job type %q", j.Type)
	}

	p.finish(j, result, used, tokens, attempts, err, runCtx, totalCtx)
}

func (p *WorkerPool) runInference(ctx context.Context, j *domain.Job, opts CallOpts) (map[string]any, string, int, error) {
	in := domain.InferenceInput{
		Query:       payloadString(j.Payload, "query"),
		Context:     payloadString(j.Payload, "context"),
		MaxTokens:   payloadInt(j.Payload, "max_tokens", 1024),
		Temperature: payloadFloat(j.Payload, "temperature", 0.2),
	}
	if in.Query == "" {
		return nil, "", 0, domain.E(domain.CodeInvalidParameter, "payload.query is required")
	}
	out, used, err := p.router.Inference(ctx, in, opts)
	if err != nil {
		return nil, "", 0, err
	}
	return map[string]any{
		"answer":      out.Answer,
		"model":       out.Model,
		"tokens_used": out.TokensUsed,
		"confidence":  out.Confidence,
	}, used, out.TokensUsed, nil
}

func (p *WorkerPool) runEmbed(ctx context.Context, j *domain.Job, opts CallOpts) (map[string]any, string, int, error) {
	text := payloadString(j.Payload, "text")
	if text == "" {
		return nil, "", 0, domain.E(domain.CodeInvalidParameter, "payload.text is required")
	}
	docID := payloadString(j.Payload, "doc_id")
	if docID == "" {
		docID = j.ID
	}
	out, used, err := p.router.Embed(ctx, []string{text}, opts)
	if err != nil {
		return nil, "", 0, err
	}
	if len(out.Vectors) != 1 {
		return nil, "", 0, domain.Ef(domain.CodeInternal, "provider returned %d vectors for 1 text", len(out.Vectors))
	}
	if p.searcher != nil {
		point := domain.VectorPoint{
			ID:     docID,
			Vector: out.Vectors[0],
			Payload: map[string]any{
				"doc_id":    docID,
				"tenant_id": j.TenantID,
				"text":      text,
			},
		}
		if err := p.searcher.Upsert(ctx, []domain.VectorPoint{point}); err != nil {
			return nil, "", 0, domain.WrapCode(domain.CodeInternal, "vector upsert failed", err)
		}
	}
	return map[string]any{
		"vector_id": docID,
		"vector_meta": map[string]any{
			"dimension": out.Dimension,
			"model":     out.Model,
		},
	}, used, len(text) / 4, nil
}

func (p *WorkerPool) runSearch(ctx context.Context, j *domain.Job, opts CallOpts) (map[string]any, string, error) {
	query := payloadString(j.Payload, "query")
	if query == "" {
		return nil, "", domain.E(domain.CodeInvalidParameter, "payload.query is required")
	}
	topK := payloadInt(j.Payload, "top_k", 5)
	hits, used, err := p.router.Search(ctx, query, topK, payloadMap(j.Payload, "filters"), opts)
	if err != nil {
		return nil, "", err
	}
	results := make([]map[string]any, 0, len(hits))
	for _, h := range hits {
		results = append(results, map[string]any{
			"doc_id":  h.DocID,
			"score":   h.Score,
			"payload": h.Payload,
		})
	}
	return map[string]any{
		"results":     results,
		"total_count": len(results),
	}, used, nil
}

// runEmbeddingBatch serves a whole embedding batch with one provider call,
// then distributes vectors back to the member jobs.
func (p *WorkerPool) runEmbeddingBatch(b *domain.Batch) {
	if p.baseCtx.Err() != nil {
		for _, j := range b.Jobs {
			p.markCancelled(j)
		}
		return
	}

	jobs := make([]*domain.Job, 0, len(b.Jobs))
	texts := make([]string, 0, len(b.Jobs))
	for _, j := range b.Jobs {
		text := payloadString(j.Payload, "text")
		if text == "" {
			if p.markRunning(j) {
				p.finish(j, nil, "", 0, 0, domain.E(domain.CodeInvalidParameter, "payload.text is required"), context.Background(), context.Background())
			}
			continue
		}
		if !p.markRunning(j) {
			continue
		}
		jobs = append(jobs, j)
		texts = append(texts, text)
	}
	if len(jobs) == 0 {
		return
	}

	ctx, span := p.tracer.Start(context.Background(), "dispatch.batch",
		trace.WithAttributes(
			attribute.String("batch.id", b.ID),
			attribute.Int("batch.size", len(jobs)),
		))
	defer span.End()

	// The batch inherits the widest deadlines and budget of its members.
	lead := jobs[0].Clone()
	for _, j := range jobs {
		if j.TimeoutSeconds > lead.TimeoutSeconds {
			lead.TimeoutSeconds = j.TimeoutSeconds
		}
		if j.ProviderTimeoutSeconds > lead.ProviderTimeoutSeconds {
			lead.ProviderTimeoutSeconds = j.ProviderTimeoutSeconds
		}
		if j.MaxAttempts > lead.MaxAttempts {
			lead.MaxAttempts = j.MaxAttempts
		}
	}
	runCtx, totalCtx, cleanup := p.jobContexts(ctx, lead)
	defer cleanup()

	attempts := 0
	opts := CallOpts{
		Hint:           b.Provider,
		AttemptTimeout: p.attemptTimeout(lead),
		DetachAttempts: true,
		Attempts:       &attempts,
		MaxAttempts:    lead.MaxAttempts,
	}

	out, used, err := p.router.Embed(runCtx, texts, opts)
	if err == nil && len(out.Vectors) != len(jobs) {
		err = domain.Ef(domain.CodeInternal, "provider returned %d vectors for %d texts", len(out.Vectors), len(jobs))
	}
	if err != nil {
		for _, j := range jobs {
			p.finish(j, nil, "", 0, attempts, err, runCtx, totalCtx)
		}
		return
	}

	if p.searcher != nil {
		points := make([]domain.VectorPoint, 0, len(jobs))
		for i, j := range jobs {
			docID := payloadString(j.Payload, "doc_id")
			if docID == "" {
				docID = j.ID
			}
			points = append(points, domain.VectorPoint{
				ID:     docID,
				Vector: out.Vectors[i],
				Payload: map[string]any{
					"doc_id":    docID,
					"tenant_id": j.TenantID,
					"text":      texts[i],
				},
			})
		}
		if upErr := p.searcher.Upsert(runCtx, points); upErr != nil {
			wrapped := domain.WrapCode(domain.CodeInternal, "vector upsert failed", upErr)
			for _, j := range jobs {
				p.finish(j, nil, "", 0, attempts, wrapped, runCtx, totalCtx)
			}
			return
		}
	}

	for i, j := range jobs {
		docID := payloadString(j.Payload, "doc_id")
		if docID == "" {
			docID = j.ID
		}
		result := map[string]any{
			"vector_id": docID,
			"vector_meta": map[string]any{
				"dimension": out.Dimension,
				"model":     out.Model,
			},
		}
		p.finish(j, result, used, len(texts[i])/4, attempts, nil, runCtx, totalCtx)
	}
}

// finish drives the job to its terminal state and runs the post-terminal
// bookkeeping (result projection, cost, event, webhook).
func (p *WorkerPool) finish(j *domain.Job, result map[string]any, used string, tokens, attempts int, err error, runCtx, totalCtx context.Context) {
	bg, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// The queue hands workers a detached copy whose lifecycle fields predate
	// the queued/running transitions. Graft the store's view back on so
	// SaveJob does not rewind the status.
	if stored, gerr := p.store.GetJob(bg, j.ID); gerr == nil {
		j.Status = stored.Status
		j.QueuedAt = stored.QueuedAt
		j.StartedAt = stored.StartedAt
		j.CompletedAt = stored.CompletedAt
	}

	if attempts > j.AttemptCount {
		j.AttemptCount = attempts
	}

	switch {
	case err == nil:
		j.Result = result
		j.ProviderUsed = used
		j.ErrorCode = ""
		j.ErrorMessage = ""
		if serr := p.store.SaveJob(bg, j); serr != nil {
			p.failStorage(bg, j, serr)
			return
		}
		if serr := p.store.UpdateStatus(bg, j.ID, domain.JobCompleted); serr != nil {
			p.logger.Warn("completion lost to earlier terminal state",
				slog.String("job_id", j.ID), slog.Any("error", serr))
			return
		}
		observability.CompleteJob(string(j.Type))
		p.afterTerminal(bg, j.ID, "job.completed", used, tokens)

	case totalCtx.Err() != nil:
		j.ErrorCode = domain.CodeProviderTimeout
		j.ErrorMessage = "total dispatch deadline exceeded"
		p.saveErrState(bg, j)
		if serr := p.store.UpdateStatus(bg, j.ID, domain.JobTimeout); serr != nil {
			p.logger.Warn("timeout transition failed", slog.String("job_id", j.ID), slog.Any("error", serr))
			return
		}
		observability.FailJob(string(j.Type))
		p.afterTerminal(bg, j.ID, "job.timeout", used, 0)

	case runCtx.Err() != nil && p.baseCtx.Err() != nil:
		p.markCancelled(j)

	case domain.CodeOf(err) == domain.CodeAllProvidersFailed:
		j.ErrorCode = domain.CodeAllProvidersFailed
		j.ErrorMessage = err.Error()
		if dlErr := p.store.AddToDeadLetter(bg, j, domain.CodeAllProvidersFailed, err.Error()); dlErr != nil {
			p.logger.Error("dead-letter write failed",
				slog.String("job_id", j.ID), slog.Any("error", dlErr))
			return
		}
		observability.DeadLetterJob(string(domain.CodeAllProvidersFailed))
		p.afterTerminal(bg, j.ID, "job.dead_lettered", used, 0)

	default:
		code := domain.CodeOf(err)
		if code == "" {
			code = domain.CodeInternal
		}
		j.ErrorCode = code
		j.ErrorMessage = err.Error()
		p.saveErrState(bg, j)
		if serr := p.store.UpdateStatus(bg, j.ID, domain.JobFailed); serr != nil {
			p.logger.Warn("failure transition failed", slog.String("job_id", j.ID), slog.Any("error", serr))
			return
		}
		observability.FailJob(string(j.Type))
		p.afterTerminal(bg, j.ID, "job.failed", used, 0)
	}
}

func (p *WorkerPool) saveErrState(ctx context.Context, j *domain.Job) {
	if err := p.store.SaveJob(ctx, j); err != nil {
		p.logger.Error("error-state save failed", slog.String("job_id", j.ID), slog.Any("error", err))
	}
}

// failStorage handles a result-persistence failure: the work is acknowledged
// but unrecorded, so the job fails rather than silently completing. The
// stuck-job reaper gives it another run if even this write is lost.
func (p *WorkerPool) failStorage(ctx context.Context, j *domain.Job, cause error) {
	p.logger.Error("result persistence failed",
		slog.String("job_id", j.ID), slog.Any("error", cause))
	j.Result = nil
	j.ErrorCode = domain.CodeInternal
	j.ErrorMessage = "result persistence failed: " + cause.Error()
	p.saveErrState(ctx, j)
	if err := p.store.UpdateStatus(ctx, j.ID, domain.JobFailed); err != nil {
		p.logger.Error("failure transition failed after storage error",
			slog.String("job_id", j.ID), slog.Any("error", err))
		return
	}
	observability.FailJob(string(j.Type))
	p.afterTerminal(ctx, j.ID, "job.failed", "", 0)
}

func (p *WorkerPool) markCancelled(j *domain.Job) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.store.UpdateStatus(ctx, j.ID, domain.JobCancelled); err != nil {
		p.logger.Warn("cancel transition failed", slog.String("job_id", j.ID), slog.Any("error", err))
		return
	}
	observability.CancelJob(string(j.Type))
	p.logger.Info("job cancelled on shutdown", slog.String("job_id", j.ID))
}

// afterTerminal re-reads the stamped job, persists the client-facing result
// projection, accounts cost, and notifies listeners.
func (p *WorkerPool) afterTerminal(ctx context.Context, jobID, eventType, used string, tokens int) {
	stored, err := p.store.GetJob(ctx, jobID)
	if err != nil {
		p.logger.Error("terminal job re-read failed", slog.String("job_id", jobID), slog.Any("error", err))
		return
	}
	res := domain.ResultFromJob(stored)
	if err := p.store.SaveResult(ctx, res); err != nil {
		p.logger.Error("result projection save failed", slog.String("job_id", jobID), slog.Any("error", err))
	}
	if p.archive != nil {
		if err := p.archive.Archive(ctx, stored); err != nil {
			p.logger.Warn("job archive write failed", slog.String("job_id", jobID), slog.Any("error", err))
		}
	}

	if eventType == "job.completed" && used != "" {
		cost := p.costs.Cost(used, tokens)
		if cost > 0 {
			observability.ProviderCostUSDTotal.WithLabelValues(used).Add(cost)
			if p.quota != nil {
				if err := p.quota.AddCost(ctx, stored.TenantID, cost); err != nil {
					p.logger.Debug("cost accounting failed", slog.String("tenant_id", stored.TenantID), slog.Any("error", err))
				}
			}
		}
	}

	p.publish(domain.JobEvent{
		Type:       eventType,
		JobID:      stored.ID,
		TenantID:   stored.TenantID,
		JobType:    stored.Type,
		Status:     stored.Status,
		Provider:   stored.ProviderUsed,
		ErrorCode:  stored.ErrorCode,
		Attempts:   stored.AttemptCount,
		OccurredAt: time.Now().UTC(),
		Result:     res,
	})

	if stored.WebhookURL != "" && p.webhook != nil {
		url := stored.WebhookURL
		go func() {
			wctx, wcancel := context.WithTimeout(context.Background(), time.Minute)
			defer wcancel()
			p.webhook.Notify(wctx, url, res)
		}()
	}
}

func (p *WorkerPool) publish(ev domain.JobEvent) {
	if p.events == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.events.PublishJobEvent(ctx, ev); err != nil {
		p.logger.Warn("lifecycle event publish failed",
			slog.String("job_id", ev.JobID), slog.String("type", ev.Type), slog.Any("error", err))
	}
}

func payloadString(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}

func payloadInt(m map[string]any, key string, def int) int {
	if m == nil {
		return def
	}
	switch v := m[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return def
}

func payloadFloat(m map[string]any, key string, def float64) float64 {
	if m == nil {
		return def
	}
	switch v := m[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return def
}

func payloadMap(m map[string]any, key string) map[string]any {
	if m == nil {
		return nil
	}
	mm, _ := m[key].(map[string]any)
	return mm
}
