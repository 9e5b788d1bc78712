//go:build e2e

package e2e

import (
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/fairyhunter13/ai-request-router/internal/adapter/httpserver"
	"github.com/fairyhunter13/ai-request-router/internal/domain"
)

// Ten requests fit the per-minute window; the eleventh is rejected with a
// Retry-After hint and a reset timestamp inside the next sixty seconds.
func TestPerMinuteWindowRejectsEleventhRequest(t *testing.T) {
	opts := defaultOptions()
	opts.perMinute = 10
	h := newHarness(t, opts)
	tok := h.token("t1", httpserver.ScopeInferenceWrite)

	for i := 0; i < 10; i++ {
		resp, body := h.do(http.MethodPost, "/v1/inference", tok, inferenceBody("t1"))
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("request %d: status = %d, body = %v", i+1, resp.StatusCode, body)
		}
	}

	before := time.Now()
	resp, body := h.do(http.MethodPost, "/v1/inference", tok, inferenceBody("t1"))
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("11th request: status = %d, body = %v", resp.StatusCode, body)
	}
	if errorCode(body) != string(domain.CodeRateLimitExceeded) {
		t.Fatalf("11th request: code = %q", errorCode(body))
	}

	retryAfter, err := strconv.Atoi(resp.Header.Get("Retry-After"))
	if err != nil || retryAfter < 1 || retryAfter > 60 {
		t.Fatalf("Retry-After = %q", resp.Header.Get("Retry-After"))
	}
	if got := resp.Header.Get("X-RateLimit-Limit"); got != "10" {
		t.Fatalf("X-RateLimit-Limit = %q", got)
	}
	if got := resp.Header.Get("X-RateLimit-Remaining"); got != "0" {
		t.Fatalf("X-RateLimit-Remaining = %q", got)
	}

	details := errorDetails(body)
	resetRaw, _ := details["reset_at"].(string)
	resetAt, err := time.Parse(time.RFC3339, resetRaw)
	if err != nil {
		t.Fatalf("reset_at = %q: %v", resetRaw, err)
	}
	if resetAt.Before(before.Add(-time.Second)) || resetAt.After(before.Add(61*time.Second)) {
		t.Fatalf("reset_at %v outside the current window (now %v)", resetAt, before)
	}
}
