package rag

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/fairyhunter13/ai-request-router/internal/adapter/observability"
	"github.com/fairyhunter13/ai-request-router/internal/config"
	"github.com/fairyhunter13/ai-request-router/internal/domain"
	"github.com/fairyhunter13/ai-request-router/internal/service/dispatch"
)

// Config carries the orchestrator knobs resolved from the environment.
type Config struct {
	TopK                    int
	MinSimilarity           float64
	MaxContextTokens        int
	SnippetChars            int
	HallucinationMinOverlap float64
	NoInfoAnswer            string
	FollowUpCount           int
	FollowUpMaxTokens       int
	Collection              string
	ProviderTimeout         time.Duration
}

// ConfigFromApp projects the application config onto orchestrator knobs.
func ConfigFromApp(cfg config.Config) Config {
	return Config{
		TopK:                    5,
		MinSimilarity:           cfg.RAGMinSimilarity,
		MaxContextTokens:        cfg.RAGMaxContextTokens,
		SnippetChars:            cfg.RAGSnippetChars,
		HallucinationMinOverlap: cfg.RAGHallucinationMin,
		NoInfoAnswer:            cfg.RAGNoInfoAnswer,
		FollowUpCount:           2,
		FollowUpMaxTokens:       cfg.RAGFollowUpMaxTokens,
		Collection:              cfg.QdrantCollection,
		ProviderTimeout:         cfg.ProviderTimeout,
	}
}

// Orchestrator runs the staged RAG pipeline on top of the dispatch router.
type Orchestrator struct {
	router    *dispatch.Router
	cache     *Cache
	templates *Registry
	sanitizer *Sanitizer
	builder   *ContextBuilder
	costs     config.CostTable
	cfg       Config
	log       *slog.Logger

	now func() time.Time
}

// New wires the orchestrator. cache may be nil to disable caching.
func New(router *dispatch.Router, cache *Cache, templates *Registry, sanitizer *Sanitizer, builder *ContextBuilder, costs config.CostTable, cfg Config, log *slog.Logger) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	if cfg.TopK <= 0 {
		cfg.TopK = 5
	}
	if cfg.FollowUpCount <= 0 {
		cfg.FollowUpCount = 2
	}
	return &Orchestrator{
		router:    router,
		cache:     cache,
		templates: templates,
		sanitizer: sanitizer,
		builder:   builder,
		costs:     costs,
		cfg:       cfg,
		log:       log,
		now:       time.Now,
	}
}

// Query runs the full pipeline for one request.
func (o *Orchestrator) Query(ctx context.Context, req domain.RAGRequest) (*domain.RAGResult, error) {
	started := o.now()
	timings := map[string]int64{}
	mode := req.Mode
	if mode == "" {
		mode = domain.RAGModeStandard
	}

	// Stage 1: sanitize.
	var outcome SanitizeOutcome
	var err error
	o.stage("sanitize", timings, func() {
		outcome, err = o.sanitizer.Sanitize(req.Query)
	})
	if err != nil {
		return nil, err
	}
	if outcome.InjectionFiltered {
		o.log.Warn("prompt injection neutralized",
			slog.String("tenant_id", req.TenantID),
			slog.Int("warnings", len(outcome.Warnings)))
		if req.Strictness == domain.StrictnessStrict {
			return nil, domain.E(domain.CodePromptInjection, "query rejected: prompt injection detected")
		}
	}
	if outcome.SuspiciousDetected {
		o.log.Warn("suspicious query pattern", slog.String("tenant_id", req.TenantID))
	}
	query := outcome.Query

	template, err := o.templates.Resolve(req)
	if err != nil {
		return nil, err
	}

	topK := req.TopK
	if topK <= 0 {
		topK = o.cfg.TopK
	}
	key := CacheKey(req.TenantID, query, template.Name, topK, req.CitationStyle, req.ResponseStyle)

	// Stage 2: cache lookup. Dry runs bypass the cache entirely.
	if o.cache != nil && !req.DryRun {
		if cached, ok := o.cache.Get(key); ok {
			observability.RAGRequestsTotal.WithLabelValues(string(mode), "hit").Inc()
			cached.CacheHit = true
			cached.RequestID = req.RequestID
			cached.Provenance.StageTimingsMs = nil
			return &cached, nil
		}
	}
	observability.RAGRequestsTotal.WithLabelValues(string(mode), "miss").Inc()

	// Stage 3: retrieve.
	var hits []domain.VectorHit
	retrieveStart := o.now()
	o.stage("retrieve", timings, func() {
		hits, _, err = o.router.Search(ctx, query, topK, req.Filters, dispatch.CallOpts{
			AttemptTimeout: o.cfg.ProviderTimeout,
		})
	})
	retrievalMs := o.now().Sub(retrieveStart).Milliseconds()
	if err != nil {
		return nil, err
	}

	// Stage 4: rank and filter.
	var docs []domain.RetrievedDocument
	o.stage("rank", timings, func() {
		docs = o.rank(hits, req, topK)
	})
	if len(docs) == 0 {
		o.log.Info("retrieval empty", slog.String("tenant_id", req.TenantID))
		return &domain.RAGResult{
			Answer:            o.cfg.NoInfoAnswer,
			Citations:         []domain.Citation{},
			FollowUps:         []domain.FollowUp{},
			NeedsVerification: true,
			RequestID:         req.RequestID,
			CreatedAt:         o.now().UTC(),
			Provenance: domain.Provenance{
				Collection:     o.cfg.Collection,
				RetrievalMs:    retrievalMs,
				TotalMs:        o.now().Sub(started).Milliseconds(),
				StageTimingsMs: timings,
			},
		}, nil
	}

	// Stage 5: build context.
	var window domain.ContextWindow
	o.stage("context", timings, func() {
		window = o.builder.Build(docs, req.MaxContextTokens)
	})

	// Stage 6: template.
	vars := map[string]string{
		"query":   query,
		"context": window.Formatted,
		"history": FormatHistory(req.ConversationHistory),
	}
	systemPrompt, userPrompt := template.Format(vars)
	systemPrompt = WithStrictness(systemPrompt, req.Strictness)

	snippetChars := req.SnippetChars
	if snippetChars <= 0 {
		snippetChars = o.cfg.SnippetChars
	}

	if req.DryRun {
		snippets := make([]string, len(window.Documents))
		for i, doc := range window.Documents {
			snippets[i] = ExtractSnippet(doc.Content, query, snippetChars)
		}
		return &domain.RAGResult{
			Citations: []domain.Citation{},
			FollowUps: []domain.FollowUp{},
			DryRun: &domain.DryRunInfo{
				SystemPrompt: systemPrompt,
				UserPrompt:   userPrompt,
				Snippets:     snippets,
			},
			RequestID: req.RequestID,
			CreatedAt: o.now().UTC(),
			Provenance: domain.Provenance{
				Collection:     o.cfg.Collection,
				RetrievalCount: len(window.Documents),
				ContextTokens:  window.TokenCount,
				RetrievalMs:    retrievalMs,
				TotalMs:        o.now().Sub(started).Milliseconds(),
				StageTimingsMs: timings,
			},
		}, nil
	}

	// Stage 7: inference through the dispatch core.
	var out *domain.InferenceOutput
	var provider string
	generateStart := o.now()
	o.stage("generate", timings, func() {
		out, provider, err = o.router.Inference(ctx, domain.InferenceInput{
			Query:       userPrompt,
			Context:     systemPrompt,
			MaxTokens:   req.MaxTokens,
			Temperature: req.Temperature,
		}, dispatch.CallOpts{AttemptTimeout: o.cfg.ProviderTimeout})
	})
	generationMs := o.now().Sub(generateStart).Milliseconds()
	if err != nil {
		return nil, err
	}

	// Stage 8: post-process.
	answer := out.Answer
	redacted := false
	var citations []domain.Citation
	overlap := 1.0
	o.stage("postprocess", timings, func() {
		if req.Redact {
			answer, redacted = Redact(answer)
		}
		citations = ExtractCitations(answer, window, query, snippetChars)
		overlap = OverlapRatio(answer, citedContent(window, citations))
	})
	hallucination := overlap < o.cfg.HallucinationMinOverlap
	if hallucination {
		o.log.Warn("low answer grounding",
			slog.Float64("overlap", overlap),
			slog.Float64("threshold", o.cfg.HallucinationMinOverlap))
	}
	observability.ObserveAnswerQuality(out.Confidence, overlap)

	// Stage 9: follow-ups.
	followUpCount := req.FollowUpCount
	if followUpCount <= 0 {
		followUpCount = o.cfg.FollowUpCount
	}
	var followUps []domain.FollowUp
	o.stage("followups", timings, func() {
		followUps = o.generateFollowUps(ctx, query, answer, window.Formatted, followUpCount)
	})

	// Stage 10: assemble, then populate the cache.
	tokens := out.TokensUsed
	result := domain.RAGResult{
		Answer:               answer,
		Citations:            citations,
		FollowUps:            followUps,
		Confidence:           out.Confidence,
		HallucinationWarning: hallucination,
		Redacted:             redacted,
		NeedsVerification:    hallucination,
		RequestID:            req.RequestID,
		CreatedAt:            o.now().UTC(),
		Provenance: domain.Provenance{
			Model:            out.Model,
			Collection:       o.cfg.Collection,
			RetrievalCount:   len(window.Documents),
			ContextTokens:    window.TokenCount,
			GenerationTokens: tokens,
			CostUSD:          o.costs.Cost(provider, tokens),
			RetrievalMs:      retrievalMs,
			GenerationMs:     generationMs,
			TotalMs:          o.now().Sub(started).Milliseconds(),
			StageTimingsMs:   timings,
		},
	}
	if o.cache != nil {
		o.cache.Put(key, result)
	}
	return &result, nil
}

// rank drops low-similarity hits, weights by safety score when present, and
// keeps the topK by rank score.
func (o *Orchestrator) rank(hits []domain.VectorHit, req domain.RAGRequest, topK int) []domain.RetrievedDocument {
	minSim := req.MinSimilarity
	if minSim <= 0 {
		minSim = o.cfg.MinSimilarity
	}
	docs := make([]domain.RetrievedDocument, 0, len(hits))
	for _, hit := range hits {
		if hit.Score < minSim {
			continue
		}
		doc := docFromHit(hit)
		doc.RankScore = doc.Score
		if safety, ok := hit.Payload["safety_score"].(float64); ok && safety > 0 {
			doc.RankScore *= safety
		}
		docs = append(docs, doc)
	}
	sort.SliceStable(docs, func(i, j int) bool { return docs[i].RankScore > docs[j].RankScore })
	if len(docs) > topK {
		docs = docs[:topK]
	}
	for i := range docs {
		docs[i].Rank = i + 1
	}
	return docs
}

func (o *Orchestrator) generateFollowUps(ctx context.Context, query, answer, contextText string, count int) []domain.FollowUp {
	template, ok := o.templates.Get(TemplateFollowUp)
	if !ok {
		return DefaultFollowUps(query, count)
	}
	if len(contextText) > 1000 {
		contextText = contextText[:1000]
	}
	system, user := template.Format(map[string]string{
		"query":   query,
		"answer":  answer,
		"context": contextText,
	})
	out, _, err := o.router.Inference(ctx, domain.InferenceInput{
		Query:       user,
		Context:     system,
		MaxTokens:   o.cfg.FollowUpMaxTokens,
		Temperature: 0.8,
	}, dispatch.CallOpts{AttemptTimeout: o.cfg.ProviderTimeout})
	if err != nil {
		o.log.Warn("follow-up generation failed", slog.Any("error", err))
		return DefaultFollowUps(query, count)
	}
	followUps := ParseFollowUps(out.Answer, count)
	if len(followUps) == 0 {
		return DefaultFollowUps(query, count)
	}
	return followUps
}

func (o *Orchestrator) stage(name string, timings map[string]int64, fn func()) {
	start := o.now()
	fn()
	dur := o.now().Sub(start)
	timings[name] = dur.Milliseconds()
	observability.ObserveRAGStage(name, dur)
}

// citedContent concatenates the content of the documents the answer cites so
// grounding is measured against what was actually referenced.
func citedContent(window domain.ContextWindow, citations []domain.Citation) string {
	cited := map[string]bool{}
	for _, c := range citations {
		cited[c.DocID] = true
	}
	var parts []string
	for _, doc := range window.Documents {
		if cited[doc.DocID] {
			parts = append(parts, doc.Content)
		}
	}
	if len(parts) == 0 {
		return window.Formatted
	}
	return strings.Join(parts, "\n")
}

// docFromHit projects a vector hit onto a retrieved document using the
// payload layout written by the corpus seeder.
func docFromHit(hit domain.VectorHit) domain.RetrievedDocument {
	doc := domain.RetrievedDocument{
		DocID: hit.DocID,
		Score: hit.Score,
	}
	payload := hit.Payload
	if payload == nil {
		return doc
	}
	doc.Title, _ = payload["title"].(string)
	doc.Source, _ = payload["source"].(string)
	doc.URL, _ = payload["url"].(string)
	doc.Content, _ = payload["content"].(string)
	if meta, ok := payload["metadata"].(map[string]any); ok {
		doc.Metadata = meta
	} else {
		meta := map[string]any{}
		for k, v := range payload {
			switch k {
			case "title", "source", "url", "content":
			default:
				meta[k] = v
			}
		}
		if len(meta) > 0 {
			doc.Metadata = meta
		}
	}
	return doc
}
