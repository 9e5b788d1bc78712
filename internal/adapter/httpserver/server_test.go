package httpserver

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/fairyhunter13/ai-request-router/internal/adapter/ai/stub"
	"github.com/fairyhunter13/ai-request-router/internal/adapter/observability"
	"github.com/fairyhunter13/ai-request-router/internal/adapter/queue/memory"
	"github.com/fairyhunter13/ai-request-router/internal/adapter/repo/memstore"
	"github.com/fairyhunter13/ai-request-router/internal/config"
	"github.com/fairyhunter13/ai-request-router/internal/domain"
	"github.com/fairyhunter13/ai-request-router/internal/service/dispatch"
	"github.com/fairyhunter13/ai-request-router/internal/service/quota"
	"github.com/fairyhunter13/ai-request-router/internal/service/ratelimiter"
	"github.com/fairyhunter13/ai-request-router/internal/usecase"
)

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func testConfig() config.Config {
	return config.Config{
		AppEnv:            "test",
		AppVersion:        "test",
		JWTSecret:         "test-secret",
		JWTIssuer:         "ai-service",
		JWTAudience:       "ai-service",
		MaxPayloadBytes:   1 << 20,
		TierFreeDaily:     1000,
		TierFreePerMinute: 100,
		TierFreeCostCap:   100,
		ProviderTimeout:   time.Second,
		JobTimeout:        2 * time.Second,
	}
}

// newTestServer builds a fully wired server over in-memory backends and a
// stub provider, mounted the same way the application router mounts it.
func newTestServer(t *testing.T, cfg config.Config) (*Server, http.Handler) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(discardWriter{}, nil))

	store := memstore.NewStore()
	q := memory.NewQueue(16)
	qm := quota.NewMemoryManager()
	breakers := observability.NewCircuitBreakerManager(config.BreakerConfig{
		FailureThreshold: 5, SuccessThreshold: 2, Timeout: time.Minute, HalfOpenMaxCalls: 3,
	})
	retry := dispatch.NewRetryPolicy(config.RetryConfig{
		MaxAttempts: 1, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, ExponentialBase: 2,
	}, logger)
	provider := stub.New("stub")
	router := dispatch.NewRouter([]string{"stub"}, map[string]domain.Provider{"stub": provider}, breakers, retry, nil, logger)

	srv := &Server{
		Cfg:       cfg,
		Auth:      NewAuthenticator(cfg),
		Admit:     NewAdmission(cfg, ratelimiter.NewMemoryLimiter(time.Minute), nil, qm),
		Jobs:      usecase.NewJobsService(store, q, cfg.JobTimeout, cfg.ProviderTimeout, 3),
		Sync:      usecase.NewSyncService(router, nil, qm, config.CostTable{"stub": 1.0}, cfg.ProviderTimeout),
		Admin:     usecase.NewAdminService(store, q, breakers, qm),
		StartedAt: time.Now(),
	}

	r := chi.NewRouter()
	r.Use(RequestID())
	srv.MountHealth(r)
	r.Route("/v1", func(r chi.Router) { srv.MountV1(r) })
	r.Route("/admin", func(r chi.Router) {
		r.Use(AdminAuth(srv.Auth, cfg, ScopeAdminManage))
		srv.MountAdmin(r)
	})
	return srv, r
}

func mintToken(t *testing.T, srv *Server, scopes ...string) string {
	t.Helper()
	token, err := srv.Auth.Mint("user-1", "t1", scopes, time.Minute)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	return token
}

func doJSON(t *testing.T, h http.Handler, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeErrorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var env struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode error envelope: %v (body %s)", err, rec.Body.String())
	}
	return env.Error.Code
}

func TestAuth_MissingToken(t *testing.T) {
	_, h := newTestServer(t, testConfig())
	rec := doJSON(t, h, http.MethodPost, "/v1/inference", "", `{"query":"q"}`)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rec.Code)
	}
	if code := decodeErrorCode(t, rec); code != string(domain.CodeTokenMissing) {
		t.Fatalf("code = %s", code)
	}
}

func TestAuth_BadSignature(t *testing.T) {
	_, h := newTestServer(t, testConfig())

	otherCfg := testConfig()
	otherCfg.JWTSecret = "other-secret"
	other := NewAuthenticator(otherCfg)
	token, err := other.Mint("user-1", "t1", []string{ScopeInferenceWrite}, time.Minute)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	rec := doJSON(t, h, http.MethodPost, "/v1/inference", token, `{"query":"q"}`)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rec.Code)
	}
	if code := decodeErrorCode(t, rec); code != string(domain.CodeSignatureInvalid) {
		t.Fatalf("code = %s", code)
	}
}

func TestAuth_ExpiredToken(t *testing.T) {
	srv, h := newTestServer(t, testConfig())
	token, err := srv.Auth.Mint("user-1", "t1", []string{ScopeInferenceWrite}, -time.Minute)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	rec := doJSON(t, h, http.MethodPost, "/v1/inference", token, `{"query":"q"}`)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rec.Code)
	}
	if code := decodeErrorCode(t, rec); code != string(domain.CodeTokenExpired) {
		t.Fatalf("code = %s", code)
	}
}

func TestAuth_ScopeInsufficient(t *testing.T) {
	srv, h := newTestServer(t, testConfig())
	token := mintToken(t, srv, ScopeStatusRead)
	rec := doJSON(t, h, http.MethodPost, "/v1/inference", token, `{"query":"q"}`)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d", rec.Code)
	}
	if code := decodeErrorCode(t, rec); code != string(domain.CodeScopeInsufficient) {
		t.Fatalf("code = %s", code)
	}
}

func TestAuth_RevokedToken(t *testing.T) {
	srv, h := newTestServer(t, testConfig())
	token := mintToken(t, srv, ScopeInferenceWrite)

	claims, err := srv.Auth.Verify(token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	srv.Auth.Revoke(claims.ID)

	rec := doJSON(t, h, http.MethodPost, "/v1/inference", token, `{"query":"q"}`)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rec.Code)
	}
	if code := decodeErrorCode(t, rec); code != string(domain.CodeTokenRevoked) {
		t.Fatalf("code = %s", code)
	}
}

func TestInference(t *testing.T) {
	srv, h := newTestServer(t, testConfig())
	token := mintToken(t, srv, ScopeInferenceWrite)

	rec := doJSON(t, h, http.MethodPost, "/v1/inference", token, `{"query":"what is bail"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
	var out usecase.InferenceAnswer
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Answer == "" || out.Provider != "stub" {
		t.Fatalf("answer = %+v", out)
	}
	if rec.Header().Get("X-Request-Id") == "" {
		t.Fatal("request id header missing")
	}
}

func TestInference_TenantMismatch(t *testing.T) {
	srv, h := newTestServer(t, testConfig())
	token := mintToken(t, srv, ScopeInferenceWrite)

	rec := doJSON(t, h, http.MethodPost, "/v1/inference", token, `{"query":"q","tenant_id":"other"}`)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d", rec.Code)
	}
	if code := decodeErrorCode(t, rec); code != string(domain.CodeTenantMismatch) {
		t.Fatalf("code = %s", code)
	}
}

func TestRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.TierFreePerMinute = 2
	srv, h := newTestServer(t, cfg)
	token := mintToken(t, srv, ScopeInferenceWrite)

	for i := 0; i < 2; i++ {
		rec := doJSON(t, h, http.MethodPost, "/v1/inference", token, `{"query":"q"}`)
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d status = %d", i+1, rec.Code)
		}
	}
	rec := doJSON(t, h, http.MethodPost, "/v1/inference", token, `{"query":"q"}`)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d", rec.Code)
	}
	if code := decodeErrorCode(t, rec); code != string(domain.CodeRateLimitExceeded) {
		t.Fatalf("code = %s", code)
	}
	if rec.Header().Get("Retry-After") == "" || rec.Header().Get("X-RateLimit-Limit") != "2" {
		t.Fatalf("headers = %v", rec.Header())
	}
}

func TestQuotaExceeded(t *testing.T) {
	cfg := testConfig()
	cfg.TierFreeDaily = 1
	srv, h := newTestServer(t, cfg)
	token := mintToken(t, srv, ScopeInferenceWrite)

	if rec := doJSON(t, h, http.MethodPost, "/v1/inference", token, `{"query":"q"}`); rec.Code != http.StatusOK {
		t.Fatalf("first status = %d", rec.Code)
	}
	rec := doJSON(t, h, http.MethodPost, "/v1/inference", token, `{"query":"q"}`)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d", rec.Code)
	}
	if code := decodeErrorCode(t, rec); code != string(domain.CodeQuotaExceeded) {
		t.Fatalf("code = %s", code)
	}
}

func TestPayloadTooLarge(t *testing.T) {
	cfg := testConfig()
	cfg.MaxPayloadBytes = 64
	srv, h := newTestServer(t, cfg)
	token := mintToken(t, srv, ScopeInferenceWrite)

	body := `{"query":"` + strings.Repeat("x", 256) + `"}`
	rec := doJSON(t, h, http.MethodPost, "/v1/inference", token, body)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d", rec.Code)
	}
	if code := decodeErrorCode(t, rec); code != string(domain.CodePayloadTooLarge) {
		t.Fatalf("code = %s", code)
	}
}

func TestJobLifecycle(t *testing.T) {
	srv, h := newTestServer(t, testConfig())
	token := mintToken(t, srv, ScopeInferenceWrite, ScopeStatusRead)

	rec := doJSON(t, h, http.MethodPost, "/v1/jobs", token,
		`{"type":"inference","payload":{"query":"q"},"priority":"high"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("submit status = %d body = %s", rec.Code, rec.Body.String())
	}
	var submitted struct {
		JobID    string `json:"job_id"`
		Status   string `json:"status"`
		Priority string `json:"priority"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &submitted); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if submitted.JobID == "" || submitted.Status != "queued" || submitted.Priority != "high" {
		t.Fatalf("submitted = %+v", submitted)
	}

	rec = doJSON(t, h, http.MethodGet, "/v1/jobs/"+submitted.JobID, token, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status fetch = %d", rec.Code)
	}
	var res domain.JobResult
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if res.JobID != submitted.JobID || res.Status != domain.JobQueued {
		t.Fatalf("result = %+v", res)
	}

	rec = doJSON(t, h, http.MethodDelete, "/v1/jobs/"+submitted.JobID, token, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel status = %d body = %s", rec.Code, rec.Body.String())
	}
}

func TestJobResult_OtherTenant(t *testing.T) {
	srv, h := newTestServer(t, testConfig())
	token := mintToken(t, srv, ScopeInferenceWrite, ScopeStatusRead)

	rec := doJSON(t, h, http.MethodPost, "/v1/jobs", token, `{"type":"inference","payload":{"query":"q"}}`)
	var submitted struct {
		JobID string `json:"job_id"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &submitted); err != nil {
		t.Fatalf("decode: %v", err)
	}

	otherToken, err := srv.Auth.Mint("user-2", "t2", []string{ScopeStatusRead}, time.Minute)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	rec = doJSON(t, h, http.MethodGet, "/v1/jobs/"+submitted.JobID, otherToken, "")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d", rec.Code)
	}
	if code := decodeErrorCode(t, rec); code != string(domain.CodeTenantMismatch) {
		t.Fatalf("code = %s", code)
	}
}

func TestQuotaEndpoint(t *testing.T) {
	srv, h := newTestServer(t, testConfig())
	token := mintToken(t, srv, ScopeInferenceWrite, ScopeStatusRead)

	if rec := doJSON(t, h, http.MethodPost, "/v1/inference", token, `{"query":"q"}`); rec.Code != http.StatusOK {
		t.Fatalf("inference status = %d", rec.Code)
	}
	rec := doJSON(t, h, http.MethodGet, "/v1/quota", token, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var info domain.QuotaInfo
	if err := json.Unmarshal(rec.Body.Bytes(), &info); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if info.TenantID != "t1" || info.DailyUsage != 1 || info.Tier != domain.TierFree {
		t.Fatalf("info = %+v", info)
	}
}

func TestHealth(t *testing.T) {
	_, h := newTestServer(t, testConfig())
	rec := doJSON(t, h, http.MethodGet, "/health", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body struct {
		Status  string `json:"status"`
		Version string `json:"version"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "ok" || body.Version != "test" {
		t.Fatalf("body = %+v", body)
	}
}

func TestAdmin_RequiresAuth(t *testing.T) {
	_, h := newTestServer(t, testConfig())
	rec := doJSON(t, h, http.MethodGet, "/admin/breakers", "", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestAdmin_BreakersAndQuotaReset(t *testing.T) {
	srv, h := newTestServer(t, testConfig())
	admin := mintToken(t, srv, ScopeAdminManage)

	srv.Admin.Breakers.GetOrCreate("stub").RecordFailure()
	rec := doJSON(t, h, http.MethodGet, "/admin/breakers", admin, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("breakers status = %d", rec.Code)
	}
	var body struct {
		Breakers []observability.BreakerSnapshot `json:"breakers"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Breakers) != 1 || body.Breakers[0].Name != "stub" {
		t.Fatalf("breakers = %+v", body.Breakers)
	}

	rec = doJSON(t, h, http.MethodPost, "/admin/breakers/stub/reset", admin, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("reset status = %d", rec.Code)
	}
	rec = doJSON(t, h, http.MethodPost, "/admin/breakers/unknown/reset", admin, "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown reset status = %d", rec.Code)
	}

	rec = doJSON(t, h, http.MethodPost, "/admin/quotas/t1/reset", admin, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("quota reset status = %d", rec.Code)
	}
}

func TestAdmin_RevokeToken(t *testing.T) {
	srv, h := newTestServer(t, testConfig())
	admin := mintToken(t, srv, ScopeAdminManage)
	victim := mintToken(t, srv, ScopeInferenceWrite)

	claims, err := srv.Auth.Verify(victim)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	rec := doJSON(t, h, http.MethodPost, "/admin/tokens/revoke", admin, `{"jti":"`+claims.ID+`"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("revoke status = %d body = %s", rec.Code, rec.Body.String())
	}
	if !srv.Auth.Revoked(claims.ID) {
		t.Fatal("token not revoked")
	}
}

func TestAdmin_BasicAuthFallback(t *testing.T) {
	cfg := testConfig()
	hash, err := HashPassword("s3cret", defaultArgon2Params)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	cfg.AdminUsername = "ops"
	cfg.AdminPasswordHash = hash
	_, h := newTestServer(t, cfg)

	req := httptest.NewRequest(http.MethodGet, "/admin/breakers", nil)
	req.SetBasicAuth("ops", "s3cret")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/admin/breakers", nil)
	req.SetBasicAuth("ops", "wrong")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad password status = %d", rec.Code)
	}
}
