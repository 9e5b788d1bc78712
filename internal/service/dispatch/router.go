package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fairyhunter13/ai-request-router/internal/adapter/observability"
	"github.com/fairyhunter13/ai-request-router/internal/domain"
)

// CallOpts carries per-call routing knobs.
type CallOpts struct {
	// Hint moves the named provider to the front of the chain.
	Hint string
	// AttemptTimeout bounds each individual provider invocation. Zero means
	// the caller's ctx is the only deadline.
	AttemptTimeout time.Duration
	// DetachAttempts lets an in-flight attempt run to its per-attempt
	// deadline even when ctx dies mid-call; retries still stop. The worker
	// pool sets this so shutdown does not abandon nearly finished provider
	// work. Ignored without an AttemptTimeout.
	DetachAttempts bool
	// Attempts, when set, receives the total invocation count across the
	// whole chain walk.
	Attempts *int
	// MaxAttempts overrides the per-provider attempt budget when positive.
	MaxAttempts int
}

// Router walks the ordered provider chain for each call: breaker gate, then
// a retry-wrapped invocation, then rotation to the next provider on failure.
// Selection order is strictly the declared list; there is no load-adaptive
// routing.
type Router struct {
	chain     []string
	providers map[string]domain.Provider
	breakers  *observability.CircuitBreakerManager
	retry     *RetryPolicy
	searcher  domain.VectorSearcher
	logger    *slog.Logger
}

// NewRouter creates a provider router. searcher may be nil when the
// deployment has no vector index; Search then fails cleanly.
func NewRouter(chain []string, providers map[string]domain.Provider, breakers *observability.CircuitBreakerManager, retry *RetryPolicy, searcher domain.VectorSearcher, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		chain:     chain,
		providers: providers,
		breakers:  breakers,
		retry:     retry,
		searcher:  searcher,
		logger:    logger,
	}
}

// Names returns the configured chain order.
func (r *Router) Names() []string {
	out := make([]string, len(r.chain))
	copy(out, r.chain)
	return out
}

// Provider returns the named adapter.
func (r *Router) Provider(name string) (domain.Provider, bool) {
	p, ok := r.providers[name]
	return p, ok
}

// ChainFor returns the provider order for one call. A known hint moves to
// the front; unknown hints are ignored.
func (r *Router) ChainFor(hint string) []string {
	if hint == "" {
		return r.chain
	}
	rest := make([]string, 0, len(r.chain))
	found := false
	for _, name := range r.chain {
		if name == hint {
			found = true
			continue
		}
		rest = append(rest, name)
	}
	if !found {
		if _, ok := r.providers[hint]; ok {
			return append([]string{hint}, r.chain...)
		}
		return r.chain
	}
	return append([]string{hint}, rest...)
}

// Inference runs a chat completion against the chain and returns the output
// plus the provider that served it.
func (r *Router) Inference(ctx context.Context, in domain.InferenceInput, opts CallOpts) (*domain.InferenceOutput, string, error) {
	var out *domain.InferenceOutput
	used, err := r.do(ctx, "inference", opts, func(ctx context.Context, p domain.Provider) error {
		res, err := p.Inference(ctx, in)
		if err != nil {
			return err
		}
		out = res
		return nil
	})
	if err != nil {
		return nil, "", err
	}
	return out, used, nil
}

// Embed embeds texts against the chain.
func (r *Router) Embed(ctx context.Context, texts []string, opts CallOpts) (*domain.EmbedOutput, string, error) {
	var out *domain.EmbedOutput
	used, err := r.do(ctx, "embed", opts, func(ctx context.Context, p domain.Provider) error {
		res, err := p.Embed(ctx, texts)
		if err != nil {
			return err
		}
		out = res
		return nil
	})
	if err != nil {
		return nil, "", err
	}
	return out, used, nil
}

// Search embeds the query on the chain and runs a vector search with it.
func (r *Router) Search(ctx context.Context, query string, topK int, filters map[string]any, opts CallOpts) ([]domain.VectorHit, string, error) {
	if r.searcher == nil {
		return nil, "", domain.E(domain.CodeInternal, "vector search not configured")
	}
	emb, used, err := r.Embed(ctx, []string{query}, opts)
	if err != nil {
		return nil, "", err
	}
	if len(emb.Vectors) == 0 {
		return nil, used, domain.E(domain.CodeInternal, "provider returned no query vector")
	}
	hits, err := r.searcher.Search(ctx, emb.Vectors[0], topK, filters)
	if err != nil {
		return nil, used, fmt.Errorf("op=router.Search: %w", err)
	}
	return hits, used, nil
}

// do iterates the chain. Each provider visit is one breaker gate plus one
// retry-wrapped call; any failure rotates to the next provider. When the
// whole chain fails the last error is wrapped with all_providers_failed.
func (r *Router) do(ctx context.Context, op string, opts CallOpts, call func(ctx context.Context, p domain.Provider) error) (string, error) {
	chain := r.ChainFor(opts.Hint)
	var lastErr error
	for i, name := range chain {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		p, ok := r.providers[name]
		if !ok {
			continue
		}
		// A provider that does not speak this operation was never a
		// candidate: skip it without touching its breaker.
		if s, ok := p.(interface{ Supports(op string) bool }); ok && !s.Supports(op) {
			continue
		}
		cb := r.breakers.GetOrCreate(name)
		if !cb.IsAvailable() {
			lastErr = domain.Ef(domain.CodeProvider5xx, "provider %s temporarily unavailable: circuit open", name)
			r.rotated(chain, i, op, lastErr)
			continue
		}

		attempt := 0
		err := r.retry.ExecuteN(ctx, opts.MaxAttempts, func() error {
			attempt++
			if attempt > 1 {
				observability.ProviderRetriesTotal.WithLabelValues(name).Inc()
			}
			if opts.Attempts != nil {
				*opts.Attempts++
			}
			callCtx := ctx
			if opts.AttemptTimeout > 0 {
				base := ctx
				if opts.DetachAttempts {
					base = context.WithoutCancel(ctx)
				}
				var cancel context.CancelFunc
				callCtx, cancel = context.WithTimeout(base, opts.AttemptTimeout)
				defer cancel()
			}
			start := time.Now()
			callErr := call(callCtx, p)
			observability.AIRequestsTotal.WithLabelValues(name, op).Inc()
			observability.AIRequestDuration.WithLabelValues(name, op).Observe(time.Since(start).Seconds())
			if callErr != nil {
				cb.RecordFailure()
				return callErr
			}
			cb.RecordSuccess()
			return nil
		})
		if err == nil {
			return name, nil
		}
		lastErr = err
		r.rotated(chain, i, op, err)
	}
	if lastErr == nil {
		return "", domain.E(domain.CodeAllProvidersFailed, "no providers configured")
	}
	return "", domain.WrapCode(domain.CodeAllProvidersFailed, "provider chain exhausted", lastErr)
}

func (r *Router) rotated(chain []string, i int, op string, err error) {
	name := chain[i]
	if i < len(chain)-1 {
		observability.ProviderFallbacksTotal.WithLabelValues(name).Inc()
		r.logger.Warn("provider failed, falling back",
			slog.String("provider", name),
			slog.String("operation", op),
			slog.String("next", chain[i+1]),
			slog.Any("error", err),
		)
		return
	}
	r.logger.Error("provider chain exhausted",
		slog.String("provider", name),
		slog.String("operation", op),
		slog.Any("error", err),
	)
}
