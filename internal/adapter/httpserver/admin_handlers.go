package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/fairyhunter13/ai-request-router/internal/domain"
)

// MountAdmin attaches the operator surface. Callers wrap the group with
// AdminAuth; the archive listing only mounts when Postgres is configured.
func (s *Server) MountAdmin(r chi.Router) {
	r.Get("/dead-letters", s.handleDeadLetters)
	r.Post("/dead-letters/{id}/requeue", s.handleRequeueDeadLetter)
	r.Get("/breakers", s.handleBreakers)
	r.Post("/breakers/{provider}/reset", s.handleResetBreaker)
	r.Post("/quotas/{tenant}/reset", s.handleResetQuota)
	r.Post("/tokens/revoke", s.handleRevokeToken)
	if s.Archive != nil {
		r.Get("/jobs", s.handleArchivedJobs)
		r.Get("/jobs/{id}", s.handleArchivedJob)
	}
}

func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	dead, err := s.Admin.DeadLetters(r.Context(), limitParam(r, 50, 500))
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"dead_letters": dead,
		"count":        len(dead),
	})
}

func (s *Server) handleRequeueDeadLetter(w http.ResponseWriter, r *http.Request) {
	j, err := s.Admin.RequeueDeadLetter(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	LoggerFrom(r).Info("dead letter requeued", "job_id", j.ID, "tenant_id", j.TenantID)
	writeJSON(w, http.StatusOK, map[string]any{
		"job_id": j.ID,
		"status": j.Status,
	})
}

func (s *Server) handleBreakers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"breakers": s.Admin.BreakerSnapshots(),
	})
}

func (s *Server) handleResetBreaker(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "provider")
	if err := s.Admin.ResetBreaker(name); err != nil {
		writeError(w, r, err, nil)
		return
	}
	LoggerFrom(r).Info("circuit breaker reset", "provider", name)
	writeJSON(w, http.StatusOK, map[string]any{
		"provider": name,
		"state":    "closed",
	})
}

func (s *Server) handleResetQuota(w http.ResponseWriter, r *http.Request) {
	tenant := chi.URLParam(r, "tenant")
	if err := s.Admin.ResetQuota(r.Context(), tenant); err != nil {
		writeError(w, r, err, nil)
		return
	}
	LoggerFrom(r).Info("tenant quota reset", "tenant_id", tenant)
	writeJSON(w, http.StatusOK, map[string]any{
		"tenant_id": tenant,
		"status":    "reset",
	})
}

type revokeTokenRequest struct {
	JTI string `json:"jti" validate:"required"`
}

func (s *Server) handleRevokeToken(w http.ResponseWriter, r *http.Request) {
	var req revokeTokenRequest
	if err := decodeJSON(w, r, s.Cfg.MaxPayloadBytes, &req); err != nil {
		writeError(w, r, err, nil)
		return
	}
	s.Auth.Revoke(req.JTI)
	LoggerFrom(r).Info("token revoked", "jti", req.JTI)
	writeJSON(w, http.StatusOK, map[string]any{
		"jti":    req.JTI,
		"status": "revoked",
	})
}

func (s *Server) handleArchivedJobs(w http.ResponseWriter, r *http.Request) {
	tenant := r.URL.Query().Get("tenant_id")
	if tenant == "" {
		writeError(w, r, domain.E(domain.CodeInvalidParameter, "tenant_id query parameter is required"), nil)
		return
	}
	jobs, err := s.Archive.ListByTenant(r.Context(), tenant, limitParam(r, 50, 500))
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"jobs":  jobs,
		"count": len(jobs),
	})
}

func (s *Server) handleArchivedJob(w http.ResponseWriter, r *http.Request) {
	j, err := s.Archive.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, j)
}
