package httpserver

import (
	"net/http"
	"strconv"
	"time"

	"github.com/fairyhunter13/ai-request-router/internal/adapter/observability"
	"github.com/fairyhunter13/ai-request-router/internal/config"
	"github.com/fairyhunter13/ai-request-router/internal/domain"
	"github.com/fairyhunter13/ai-request-router/internal/service/quota"
	"github.com/fairyhunter13/ai-request-router/internal/service/ratelimiter"
)

// Admission gates authenticated requests through the per-tenant rate limiter
// and the daily quota manager, in that order. It runs after authentication so
// the tenant and tier are known.
type Admission struct {
	Cfg    config.Config
	Minute ratelimiter.Limiter
	Burst  ratelimiter.Limiter
	Quota  quota.Manager
}

// NewAdmission wires the admission gate. burst may be nil to skip the
// one-second burst check.
func NewAdmission(cfg config.Config, minute, burst ratelimiter.Limiter, qm quota.Manager) *Admission {
	return &Admission{Cfg: cfg, Minute: minute, Burst: burst, Quota: qm}
}

// Middleware applies the rate limit and quota checks for one endpoint class.
// The endpoint name keys the sliding windows so heavy use of one endpoint
// does not starve another.
func (a *Admission) Middleware(endpoint string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := ClaimsFrom(r.Context())
			if claims == nil {
				writeError(w, r, domain.E(domain.CodeTokenMissing, "authentication required"), nil)
				return
			}
			limits := a.Cfg.TierLimits(domain.ParseTier(claims.Tier))
			key := claims.TenantID + ":" + endpoint

			if a.Burst != nil && limits.Burst > 0 {
				allowed, retryAfter, err := a.Burst.Allow(r.Context(), key, limits.Burst)
				if err != nil {
					LoggerFrom(r).Warn("burst limiter unavailable, failing open", "error", err)
				} else if !allowed {
					a.reject(w, r, limits, retryAfter)
					return
				}
			}

			allowed, retryAfter, err := a.Minute.Allow(r.Context(), key, limits.PerMinute)
			if err != nil {
				LoggerFrom(r).Warn("rate limiter unavailable, failing open", "error", err)
			} else if !allowed {
				a.reject(w, r, limits, retryAfter)
				return
			}

			if err := a.Quota.Reserve(r.Context(), claims.TenantID, limits); err != nil {
				code := domain.CodeOf(err)
				reason := "daily_requests"
				if code == domain.CodeCostCapExceeded {
					reason = "cost_cap"
				}
				observability.QuotaRejectedTotal.WithLabelValues(reason).Inc()
				usage, uerr := a.Quota.Usage(r.Context(), claims.TenantID)
				var details any
				if uerr == nil {
					details = quota.Info(usage, domain.ParseTier(claims.Tier), limits)
				}
				writeError(w, r, err, details)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// reject writes the 429 with Retry-After and the window headers. reset_at is
// clamped to at most one minute out because the window slides.
func (a *Admission) reject(w http.ResponseWriter, r *http.Request, limits domain.TierLimits, retryAfter time.Duration) {
	observability.RateLimitedTotal.WithLabelValues("tenant").Inc()
	if retryAfter <= 0 {
		retryAfter = time.Second
	}
	if retryAfter > time.Minute {
		retryAfter = time.Minute
	}
	resetAt := time.Now().UTC().Add(retryAfter)

	w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Round(time.Second).Seconds())))
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limits.PerMinute))
	w.Header().Set("X-RateLimit-Remaining", "0")
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(resetAt.Unix(), 10))

	writeError(w, r,
		domain.Ef(domain.CodeRateLimitExceeded, "rate limit of %d requests per minute exceeded", limits.PerMinute),
		map[string]any{
			"limit":    limits.PerMinute,
			"reset_at": resetAt.Format(time.RFC3339),
		})
}

// requireTenantMatch rejects bodies that name a tenant other than the token's.
func requireTenantMatch(claims *Claims, bodyTenant string) error {
	if bodyTenant != "" && claims != nil && bodyTenant != claims.TenantID {
		return domain.Ef(domain.CodeTenantMismatch, "tenant_id %s does not match token tenant", bodyTenant)
	}
	return nil
}
