package httpserver

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/fairyhunter13/ai-request-router/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/ai-request-router/internal/config"
	"github.com/fairyhunter13/ai-request-router/internal/domain"
	"github.com/fairyhunter13/ai-request-router/internal/service/quota"
	"github.com/fairyhunter13/ai-request-router/internal/service/rag"
	"github.com/fairyhunter13/ai-request-router/internal/usecase"
)

// ReadyCheck is one dependency probe for /readyz.
type ReadyCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Server exposes the public v1 API and the operator surface.
type Server struct {
	Cfg   config.Config
	Auth  *Authenticator
	Admit *Admission

	Jobs  usecase.JobsService
	Sync  usecase.SyncService
	Admin usecase.AdminService
	RAG   *rag.Orchestrator

	// Archive is the optional durable job archive; nil leaves the archive
	// routes unmounted.
	Archive *postgres.ArchiveRepo

	Ready     []ReadyCheck
	StartedAt time.Time
}

// MountV1 attaches the authenticated public API under the given router.
func (s *Server) MountV1(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(s.Auth.Middleware)

		r.With(RequireScope(ScopeInferenceWrite), s.Admit.Middleware("inference")).
			Post("/inference", s.handleInference)
		r.With(RequireScope(ScopeEmbedWrite), s.Admit.Middleware("embed")).
			Post("/embed", s.handleEmbed)
		r.With(RequireScope(ScopeSearchRead), s.Admit.Middleware("search")).
			Post("/search", s.handleSearch)
		r.With(RequireScope(ScopeInferenceWrite), s.Admit.Middleware("rag")).
			Post("/rag/query", s.handleRAGQuery)

		r.With(RequireScope(ScopeInferenceWrite), s.Admit.Middleware("jobs")).
			Post("/jobs", s.handleSubmitJob)
		r.With(RequireScope(ScopeStatusRead)).Get("/jobs/{id}", s.handleJobResult)
		r.With(RequireScope(ScopeInferenceWrite)).Delete("/jobs/{id}", s.handleCancelJob)

		r.With(RequireScope(ScopeStatusRead)).Get("/quota", s.handleQuota)
	})
}

type inferenceRequest struct {
	TenantID    string  `json:"tenant_id,omitempty"`
	Query       string  `json:"query" validate:"required"`
	Context     string  `json:"context,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty" validate:"omitempty,min=1,max=8192"`
	Temperature float64 `json:"temperature,omitempty" validate:"omitempty,min=0,max=2"`
	Provider    string  `json:"provider,omitempty"`
}

func (s *Server) handleInference(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFrom(r.Context())
	var req inferenceRequest
	if err := decodeJSON(w, r, s.Cfg.MaxPayloadBytes, &req); err != nil {
		writeError(w, r, err, nil)
		return
	}
	if err := requireTenantMatch(claims, req.TenantID); err != nil {
		writeError(w, r, err, nil)
		return
	}
	out, err := s.Sync.Inference(r.Context(), claims.TenantID, domain.InferenceInput{
		Query:       req.Query,
		Context:     req.Context,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}, req.Provider)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

type embedRequest struct {
	TenantID string `json:"tenant_id,omitempty"`
	DocID    string `json:"doc_id,omitempty"`
	Text     string `json:"text" validate:"required"`
	Provider string `json:"provider,omitempty"`
}

func (s *Server) handleEmbed(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFrom(r.Context())
	var req embedRequest
	if err := decodeJSON(w, r, s.Cfg.MaxPayloadBytes, &req); err != nil {
		writeError(w, r, err, nil)
		return
	}
	if err := requireTenantMatch(claims, req.TenantID); err != nil {
		writeError(w, r, err, nil)
		return
	}
	out, err := s.Sync.Embed(r.Context(), claims.TenantID, req.DocID, req.Text, req.Provider)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

type searchRequest struct {
	TenantID string         `json:"tenant_id,omitempty"`
	Query    string         `json:"query" validate:"required"`
	TopK     int            `json:"top_k,omitempty" validate:"omitempty,min=1,max=100"`
	Filters  map[string]any `json:"filters,omitempty"`
	Provider string         `json:"provider,omitempty"`
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFrom(r.Context())
	var req searchRequest
	if err := decodeJSON(w, r, s.Cfg.MaxPayloadBytes, &req); err != nil {
		writeError(w, r, err, nil)
		return
	}
	if err := requireTenantMatch(claims, req.TenantID); err != nil {
		writeError(w, r, err, nil)
		return
	}
	out, err := s.Sync.Search(r.Context(), claims.TenantID, req.Query, req.TopK, req.Filters, req.Provider)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleRAGQuery(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFrom(r.Context())
	var req domain.RAGRequest
	if err := decodeJSON(w, r, s.Cfg.MaxPayloadBytes, &req); err != nil {
		writeError(w, r, err, nil)
		return
	}
	if req.Query == "" {
		writeError(w, r, domain.E(domain.CodeInvalidParameter, "query is required"), nil)
		return
	}
	if err := requireTenantMatch(claims, req.TenantID); err != nil {
		writeError(w, r, err, nil)
		return
	}
	req.TenantID = claims.TenantID
	out, err := s.RAG.Query(r.Context(), req)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

type submitJobRequest struct {
	TenantID       string         `json:"tenant_id,omitempty"`
	Type           string         `json:"type" validate:"required"`
	Payload        map[string]any `json:"payload" validate:"required"`
	Priority       string         `json:"priority,omitempty" validate:"omitempty,oneof=high normal low"`
	Provider       string         `json:"provider,omitempty"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	WebhookURL     string         `json:"webhook_url,omitempty" validate:"omitempty,url"`
	TimeoutSeconds int            `json:"timeout_seconds,omitempty" validate:"omitempty,min=1,max=3600"`
}

type submitJobResponse struct {
	JobID    string           `json:"job_id"`
	Status   domain.JobStatus `json:"status"`
	Priority domain.Priority  `json:"priority"`
}

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFrom(r.Context())
	var req submitJobRequest
	if err := decodeJSON(w, r, s.Cfg.MaxPayloadBytes, &req); err != nil {
		writeError(w, r, err, nil)
		return
	}
	if err := requireTenantMatch(claims, req.TenantID); err != nil {
		writeError(w, r, err, nil)
		return
	}
	j, err := s.Jobs.Submit(r.Context(), usecase.SubmitInput{
		TenantID:       claims.TenantID,
		RequestID:      r.Header.Get("X-Request-Id"),
		Type:           domain.JobType(req.Type),
		Payload:        req.Payload,
		Priority:       req.Priority,
		Provider:       req.Provider,
		IdempotencyKey: req.IdempotencyKey,
		WebhookURL:     req.WebhookURL,
		TimeoutSeconds: req.TimeoutSeconds,
	})
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusAccepted, submitJobResponse{
		JobID:    j.ID,
		Status:   j.Status,
		Priority: j.Priority,
	})
}

func (s *Server) handleJobResult(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFrom(r.Context())
	id := chi.URLParam(r, "id")

	j, err := s.Jobs.Store.GetJob(r.Context(), id)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	if j.TenantID != "" && j.TenantID != claims.TenantID {
		writeError(w, r, domain.E(domain.CodeTenantMismatch, "job belongs to another tenant"), nil)
		return
	}
	res, err := s.Jobs.Result(r.Context(), id)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFrom(r.Context())
	id := chi.URLParam(r, "id")

	j, err := s.Jobs.Store.GetJob(r.Context(), id)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	if j.TenantID != "" && j.TenantID != claims.TenantID {
		writeError(w, r, domain.E(domain.CodeTenantMismatch, "job belongs to another tenant"), nil)
		return
	}
	if err := s.Jobs.Cancel(r.Context(), id); err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"job_id": id,
		"status": domain.JobCancelled,
	})
}

func (s *Server) handleQuota(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFrom(r.Context())
	usage, err := s.Admin.Quota.Usage(r.Context(), claims.TenantID)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	tier := domain.ParseTier(claims.Tier)
	writeJSON(w, http.StatusOK, quota.Info(usage, tier, s.Cfg.TierLimits(tier)))
}

// MountHealth attaches the unauthenticated liveness and readiness probes.
func (s *Server) MountHealth(r chi.Router) {
	r.Get("/health", s.handleHealth)
	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReadyz)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.Cfg.AppVersion,
		"uptime":  time.Since(s.StartedAt).Round(time.Second).String(),
	})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]string, len(s.Ready))
	healthy := true
	for _, c := range s.Ready {
		if err := c.Check(ctx); err != nil {
			checks[c.Name] = err.Error()
			healthy = false
			continue
		}
		checks[c.Name] = "ok"
	}
	status := http.StatusOK
	state := "ready"
	if !healthy {
		status = http.StatusServiceUnavailable
		state = "degraded"
	}
	writeJSON(w, status, map[string]any{"status": state, "checks": checks})
}

func limitParam(r *http.Request, def, max int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}
