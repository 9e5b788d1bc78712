//go:build e2e

package e2e

import (
	"net/http"
	"strings"
	"testing"

	"github.com/fairyhunter13/ai-request-router/internal/adapter/httpserver"
	"github.com/fairyhunter13/ai-request-router/internal/domain"
)

// fixedSearcher returns a canned result set for every query vector.
type fixedSearcher struct {
	hits []domain.VectorHit
}

func (f *fixedSearcher) Search(domain.Context, []float32, int, map[string]any) ([]domain.VectorHit, error) {
	return f.hits, nil
}

func (f *fixedSearcher) Upsert(domain.Context, []domain.VectorPoint) error { return nil }

// A dry-run RAG query returns the assembled prompt and snippets without ever
// calling inference, and leaves the answer cache untouched.
func TestRAGDryRun(t *testing.T) {
	opts := defaultOptions()
	opts.searcher = &fixedSearcher{hits: []domain.VectorHit{
		{DocID: "doc-1", Score: 0.92, Payload: map[string]any{
			"title":   "Anticipatory bail",
			"source":  "crpc.txt",
			"content": "Section 438 empowers the High Court and the Court of Session to grant anticipatory bail.",
		}},
		{DocID: "doc-2", Score: 0.85, Payload: map[string]any{
			"title":   "Bail principles",
			"source":  "notes.txt",
			"content": "Bail is the rule and jail is the exception in Indian criminal jurisprudence.",
		}},
	}}
	h := newHarness(t, opts)
	tok := h.token("t1", httpserver.ScopeInferenceWrite)

	query := map[string]any{
		"tenant_id": "t1",
		"query":     "who can grant anticipatory bail",
		"dry_run":   true,
	}
	resp, body := h.do(http.MethodPost, "/v1/rag/query", tok, query)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body = %v", resp.StatusCode, body)
	}

	dry, _ := body["dry_run"].(map[string]any)
	if dry == nil {
		t.Fatalf("missing dry_run section in %v", body)
	}
	system, _ := dry["system_prompt"].(string)
	user, _ := dry["user_prompt"].(string)
	if system == "" || user == "" {
		t.Fatalf("empty prompts: system=%q user=%q", system, user)
	}
	if !strings.Contains(user, "who can grant anticipatory bail") {
		t.Fatalf("user prompt does not carry the query: %q", user)
	}
	snippets, _ := dry["snippets"].([]any)
	if len(snippets) != 2 {
		t.Fatalf("snippets = %v", snippets)
	}
	if body["answer"] != "" {
		t.Fatalf("dry run produced an answer: %v", body["answer"])
	}

	// One provider call total: the query embedding. Generation never ran.
	if calls := h.providers["alpha"].Calls(); calls != 1 {
		t.Fatalf("provider calls = %d, want embed only", calls)
	}

	// Dry runs must not populate the cache: a repeat is still a miss and a
	// real query afterwards computes from scratch.
	resp, body = h.do(http.MethodPost, "/v1/rag/query", tok, query)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("second dry run: status = %d", resp.StatusCode)
	}
	if hit, _ := body["cache_hit"].(bool); hit {
		t.Fatalf("dry run served from cache")
	}
	if calls := h.providers["alpha"].Calls(); calls != 2 {
		t.Fatalf("provider calls after repeat = %d, want 2", calls)
	}
}
