package rag

import (
	"strings"
	"testing"

	"github.com/fairyhunter13/ai-request-router/internal/config"
	"github.com/fairyhunter13/ai-request-router/internal/domain"
)

func TestRegistry_Defaults(t *testing.T) {
	r, err := NewRegistry(nil)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	for _, name := range []string{"standard", "legal_analysis", "conversational", "summarization", "comparison", "follow_up"} {
		if _, ok := r.Get(name); !ok {
			t.Fatalf("missing template %s", name)
		}
	}
}

func TestRegistry_Resolve(t *testing.T) {
	r, _ := NewRegistry(nil)

	tpl, err := r.Resolve(domain.RAGRequest{})
	if err != nil || tpl.Name != "standard" {
		t.Fatalf("default resolve: %v, %v", tpl, err)
	}

	tpl, err = r.Resolve(domain.RAGRequest{Mode: domain.RAGModeLegalAnalysis})
	if err != nil || tpl.Name != "legal_analysis" {
		t.Fatalf("mode resolve: %v, %v", tpl, err)
	}

	tpl, err = r.Resolve(domain.RAGRequest{Mode: domain.RAGModeStandard, Template: "comparison"})
	if err != nil || tpl.Name != "comparison" {
		t.Fatalf("explicit template must win: %v, %v", tpl, err)
	}

	if _, err = r.Resolve(domain.RAGRequest{Template: "missing"}); err == nil {
		t.Fatal("unknown template should error")
	} else if domain.CodeOf(err) != domain.CodeInvalidParameter {
		t.Fatalf("code = %s", domain.CodeOf(err))
	}
}

func TestTemplate_Format(t *testing.T) {
	r, _ := NewRegistry(nil)
	tpl, _ := r.Get("standard")
	system, user := tpl.Format(map[string]string{
		"context": "CTX",
		"query":   "QRY",
	})
	if !strings.Contains(user, "CTX") || !strings.Contains(user, "Question: QRY") {
		t.Fatalf("user prompt holes unfilled:\n%s", user)
	}
	if strings.Contains(user, "{context}") || strings.Contains(user, "{query}") {
		t.Fatalf("holes left:\n%s", user)
	}
	if !strings.Contains(system, "ONLY on the provided context") {
		t.Fatalf("system prompt wrong:\n%s", system)
	}
}

func TestTemplate_FollowUpKeepsJSONExample(t *testing.T) {
	r, _ := NewRegistry(nil)
	tpl, _ := r.Get("follow_up")
	_, user := tpl.Format(map[string]string{"query": "q", "answer": "a", "context": "c"})
	if !strings.Contains(user, `{"question": "...", "reasoning": "...", "priority": 1}`) {
		t.Fatalf("JSON example mangled:\n%s", user)
	}
}

func TestRegistry_OverrideAndValidation(t *testing.T) {
	overrides := map[string]config.TemplateSpec{
		"standard": {
			System:    "Short system.",
			User:      "Q: {query}\nC: {context}",
			Variables: []string{"query", "context"},
		},
	}
	r, err := NewRegistry(overrides)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	tpl, _ := r.Get("standard")
	if tpl.System != "Short system." {
		t.Fatal("override not applied")
	}

	bad := map[string]config.TemplateSpec{
		"broken": {
			User:      "uses {undeclared}",
			Variables: []string{"query"},
		},
	}
	if _, err := NewRegistry(bad); err == nil {
		t.Fatal("undeclared hole must fail validation")
	}
}

func TestWithStrictness(t *testing.T) {
	base := "base"
	if got := WithStrictness(base, domain.StrictnessBalanced); got != base {
		t.Fatalf("balanced changed the prompt: %q", got)
	}
	if got := WithStrictness(base, domain.StrictnessStrict); !strings.Contains(got, "ONLY from the provided context") {
		t.Fatalf("strict suffix missing: %q", got)
	}
	if got := WithStrictness(base, domain.StrictnessCreative); !strings.Contains(got, "general knowledge") {
		t.Fatalf("creative suffix missing: %q", got)
	}
}

func TestConversationHistoryKeepsLastFiveTurns(t *testing.T) {
	turns := make([]domain.ChatTurn, 8)
	for i := range turns {
		turns[i] = domain.ChatTurn{Role: "user", Content: strings.Repeat("x", i+1)}
	}
	formatted := FormatHistory(turns)
	if strings.Count(formatted, "User: ") != 5 {
		t.Fatalf("expected 5 turns, got:\n%s", formatted)
	}
	if !strings.HasPrefix(formatted, "User: xxxx\n\n") {
		t.Fatalf("oldest kept turn wrong:\n%s", formatted)
	}
	if !strings.HasSuffix(formatted, strings.Repeat("x", 8)) {
		t.Fatal("latest turn missing")
	}
}
