package usecase

import (
	"time"

	"github.com/google/uuid"

	"github.com/fairyhunter13/ai-request-router/internal/adapter/observability"
	"github.com/fairyhunter13/ai-request-router/internal/config"
	"github.com/fairyhunter13/ai-request-router/internal/domain"
	"github.com/fairyhunter13/ai-request-router/internal/service/dispatch"
	"github.com/fairyhunter13/ai-request-router/internal/service/quota"
)

// SyncService serves the synchronous v1 endpoints: one provider-chain walk
// per request, no queue in between. Cost accounting mirrors the worker pool's.
type SyncService struct {
	Router   *dispatch.Router
	Searcher domain.VectorSearcher
	Quota    quota.Manager
	Costs    config.CostTable

	ProviderTimeout time.Duration
}

// NewSyncService constructs a SyncService. Searcher and Quota are optional.
func NewSyncService(router *dispatch.Router, searcher domain.VectorSearcher, q quota.Manager, costs config.CostTable, providerTimeout time.Duration) SyncService {
	return SyncService{
		Router:          router,
		Searcher:        searcher,
		Quota:           q,
		Costs:           costs,
		ProviderTimeout: providerTimeout,
	}
}

func (s SyncService) callOpts(hint string) dispatch.CallOpts {
	return dispatch.CallOpts{Hint: hint, AttemptTimeout: s.ProviderTimeout}
}

// InferenceAnswer is the sync inference response shape.
type InferenceAnswer struct {
	Answer string `json:"answer"`
	// Sources stays empty for plain inference; retrieval-backed answers come
	// from the RAG surface with citations instead.
	Sources    []string `json:"sources"`
	Model      string   `json:"model"`
	Provider   string   `json:"provider"`
	TokensUsed int      `json:"tokens_used"`
	Confidence float64  `json:"confidence"`
	LatencyMs  int64    `json:"latency_ms"`
}

// Inference runs one chat completion through the provider chain.
func (s SyncService) Inference(ctx domain.Context, tenantID string, in domain.InferenceInput, providerHint string) (*InferenceAnswer, error) {
	if in.Query == "" {
		return nil, domain.E(domain.CodeInvalidParameter, "query is required")
	}
	start := time.Now()
	out, used, err := s.Router.Inference(ctx, in, s.callOpts(providerHint))
	if err != nil {
		return nil, err
	}
	s.accountCost(ctx, tenantID, used, out.TokensUsed)
	return &InferenceAnswer{
		Answer:     out.Answer,
		Sources:    []string{},
		Model:      out.Model,
		Provider:   used,
		TokensUsed: out.TokensUsed,
		Confidence: out.Confidence,
		LatencyMs:  time.Since(start).Milliseconds(),
	}, nil
}

// EmbedResult is the sync embed response shape.
type EmbedResult struct {
	VectorID  string `json:"vector_id"`
	Dimension int    `json:"dimension"`
	Model     string `json:"model"`
	Provider  string `json:"provider"`
	LatencyMs int64  `json:"latency_ms"`
}

// Embed embeds one document and indexes it when a vector store is wired.
func (s SyncService) Embed(ctx domain.Context, tenantID, docID, text, providerHint string) (*EmbedResult, error) {
	if text == "" {
		return nil, domain.E(domain.CodeInvalidParameter, "text is required")
	}
	start := time.Now()
	out, used, err := s.Router.Embed(ctx, []string{text}, s.callOpts(providerHint))
	if err != nil {
		return nil, err
	}
	if len(out.Vectors) != 1 {
		return nil, domain.Ef(domain.CodeInternal, "provider returned %d vectors for 1 text", len(out.Vectors))
	}
	if docID == "" {
		docID = uuid.NewString()
	}
	if s.Searcher != nil {
		point := domain.VectorPoint{
			ID:     docID,
			Vector: out.Vectors[0],
			Payload: map[string]any{
				"doc_id":    docID,
				"tenant_id": tenantID,
				"text":      text,
			},
		}
		if err := s.Searcher.Upsert(ctx, []domain.VectorPoint{point}); err != nil {
			return nil, domain.WrapCode(domain.CodeInternal, "vector upsert failed", err)
		}
	}
	s.accountCost(ctx, tenantID, used, len(text)/4)
	return &EmbedResult{
		VectorID:  docID,
		Dimension: out.Dimension,
		Model:     out.Model,
		Provider:  used,
		LatencyMs: time.Since(start).Milliseconds(),
	}, nil
}

// SearchHit is one scored document of a sync search response.
type SearchHit struct {
	DocID   string         `json:"doc_id"`
	Score   float64        `json:"score"`
	Payload map[string]any `json:"payload,omitempty"`
}

// SearchResult is the sync search response shape.
type SearchResult struct {
	Results    []SearchHit `json:"results"`
	TotalCount int         `json:"total_count"`
	Provider   string      `json:"provider"`
	LatencyMs  int64       `json:"latency_ms"`
}

// Search embeds the query and runs a filtered vector search.
func (s SyncService) Search(ctx domain.Context, tenantID, query string, topK int, filters map[string]any, providerHint string) (*SearchResult, error) {
	if query == "" {
		return nil, domain.E(domain.CodeInvalidParameter, "query is required")
	}
	if topK <= 0 {
		topK = 5
	}
	start := time.Now()
	hits, used, err := s.Router.Search(ctx, query, topK, filters, s.callOpts(providerHint))
	if err != nil {
		return nil, err
	}
	results := make([]SearchHit, 0, len(hits))
	for _, h := range hits {
		results = append(results, SearchHit{DocID: h.DocID, Score: h.Score, Payload: h.Payload})
	}
	s.accountCost(ctx, tenantID, used, len(query)/4)
	return &SearchResult{
		Results:    results,
		TotalCount: len(results),
		Provider:   used,
		LatencyMs:  time.Since(start).Milliseconds(),
	}, nil
}

func (s SyncService) accountCost(ctx domain.Context, tenantID, provider string, tokens int) {
	cost := s.Costs.Cost(provider, tokens)
	if cost <= 0 {
		return
	}
	observability.ProviderCostUSDTotal.WithLabelValues(provider).Add(cost)
	if s.Quota != nil {
		_ = s.Quota.AddCost(ctx, tenantID, cost)
	}
}
