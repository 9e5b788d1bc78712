// Package app wires configuration, adapters and services into the running
// process: the HTTP router, readiness probes, vector-store bootstrap and the
// background janitor.
package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fairyhunter13/ai-request-router/internal/adapter/httpserver"
	"github.com/fairyhunter13/ai-request-router/internal/adapter/observability"
	"github.com/fairyhunter13/ai-request-router/internal/config"
)

// ParseOrigins splits a comma-separated origin list, trimming spaces. An
// empty input allows every origin.
func ParseOrigins(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return []string{"*"}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// BuildRouter assembles the full middleware stack and mounts every surface.
func BuildRouter(cfg config.Config, srv *httpserver.Server) http.Handler {
	r := chi.NewRouter()
	r.Use(httpserver.Recoverer())
	r.Use(httpserver.RequestID())
	r.Use(httpserver.TimeoutMiddleware(cfg.HTTPWriteTimeout))
	r.Use(httpserver.AccessLog())
	r.Use(observability.HTTPMetricsMiddleware)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   ParseOrigins(cfg.CORSAllowOrigins),
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id", "Retry-After", "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	srv.MountHealth(r)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	// Per-IP limiting sits in front of authentication; the tenant-aware
	// admission gate runs after it inside the v1 group.
	r.Route("/v1", func(vr chi.Router) {
		if cfg.IPRateLimitPerMin > 0 {
			vr.Use(httprate.Limit(cfg.IPRateLimitPerMin, time.Minute,
				httprate.WithKeyFuncs(httprate.KeyByIP),
				httprate.WithLimitHandler(func(w http.ResponseWriter, _ *http.Request) {
					observability.RateLimitedTotal.WithLabelValues("ip").Inc()
					w.Header().Set("Content-Type", "application/json; charset=utf-8")
					w.WriteHeader(http.StatusTooManyRequests)
					_, _ = w.Write([]byte(`{"error":{"code":"RATE_LIMIT_EXCEEDED","message":"too many requests from this address"}}`))
				}),
			))
		}
		srv.MountV1(vr)
	})

	r.Route("/admin", func(ar chi.Router) {
		ar.Use(httpserver.AdminAuth(srv.Auth, cfg, httpserver.ScopeAdminManage))
		srv.MountAdmin(ar)
	})

	return httpserver.SecurityHeaders(r)
}
