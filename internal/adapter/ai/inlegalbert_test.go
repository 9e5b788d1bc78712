package ai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/fairyhunter13/ai-request-router/internal/domain"
)

func TestEncoderClient_EmbedMatrixResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/embed" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req map[string]any
		_ = json.NewDecoder(r.Body).Decode(&req)
		inputs, _ := req["inputs"].([]any)
		out := make([][]float32, len(inputs))
		for i := range out {
			out[i] = []float32{float32(i), 0.5, 0.25}
		}
		_ = json.NewEncoder(w).Encode(out)
	}))
	defer srv.Close()

	c := NewEncoderClient("inlegalbert", srv.URL, "", "law-ai/InLegalBERT", time.Second, discardLogger())
	out, err := c.Embed(context.Background(), []string{"first", "second"})
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	if len(out.Vectors) != 2 || out.Dimension != 3 {
		t.Fatalf("unexpected output %+v", out)
	}
	if out.Model != "law-ai/InLegalBERT" {
		t.Fatalf("model = %q", out.Model)
	}
}

func TestEncoderClient_EmbedObjectResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"embeddings": [][]float32{{1, 2}},
			"model":      "inlegalbert-v2",
		})
	}))
	defer srv.Close()

	c := NewEncoderClient("inlegalbert", srv.URL, "", "law-ai/InLegalBERT", time.Second, discardLogger())
	out, err := c.Embed(context.Background(), []string{"one"})
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	if out.Model != "inlegalbert-v2" {
		t.Fatalf("model = %q, want the server-reported name", out.Model)
	}
}

func TestEncoderClient_EmbedCountMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([][]float32{{1}})
	}))
	defer srv.Close()

	c := NewEncoderClient("inlegalbert", srv.URL, "", "m", time.Second, discardLogger())
	if _, err := c.Embed(context.Background(), []string{"a", "b"}); err == nil {
		t.Fatal("expected error on vector count mismatch")
	}
}

func TestEncoderClient_Embed503Retryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "warming up", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewEncoderClient("inlegalbert", srv.URL, "", "m", time.Second, discardLogger())
	_, err := c.Embed(context.Background(), []string{"a"})
	if err == nil {
		t.Fatal("expected error")
	}
	if domain.CodeOf(err) != domain.CodeProvider5xx {
		t.Fatalf("code = %s, want %s", domain.CodeOf(err), domain.CodeProvider5xx)
	}
}

func TestEncoderClient_SupportsAndInference(t *testing.T) {
	c := NewEncoderClient("inlegalbert", "http://x", "", "m", time.Second, discardLogger())
	if c.Supports("inference") {
		t.Fatal("encoder must not claim inference")
	}
	if !c.Supports("embed") {
		t.Fatal("encoder must claim embed")
	}
	if _, err := c.Inference(context.Background(), domain.InferenceInput{Query: "q"}); err == nil {
		t.Fatal("direct inference call should fail")
	}
}

func TestEncoderClient_HealthCheck(t *testing.T) {
	healthy := true
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if !healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	defer srv.Close()

	c := NewEncoderClient("inlegalbert", srv.URL, "", "m", time.Second, discardLogger())
	if err := c.HealthCheck(context.Background()); err != nil {
		t.Fatalf("health: %v", err)
	}
	healthy = false
	if err := c.HealthCheck(context.Background()); err == nil {
		t.Fatal("expected health failure")
	}
}
