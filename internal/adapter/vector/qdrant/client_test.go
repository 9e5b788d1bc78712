package qdrant

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/fairyhunter13/ai-request-router/internal/domain"
)

func TestClient_SearchWithFilters(t *testing.T) {
	var gotPath string
	var gotReq map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&gotReq)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"result": []map[string]any{
				{"id": "doc-1", "score": 0.91, "payload": map[string]any{"title": "Act"}},
				{"id": 7, "score": 0.42, "payload": map[string]any{}},
			},
		})
	}))
	defer srv.Close()

	c := New(srv.URL, "secret", "legal_documents")
	hits, err := c.Search(context.Background(), []float32{0.1, 0.2}, 5, map[string]any{"category": "contract"})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if gotPath != "/collections/legal_documents/points/search" {
		t.Fatalf("path = %s", gotPath)
	}
	if len(hits) != 2 {
		t.Fatalf("hits = %d", len(hits))
	}
	if hits[0].DocID != "doc-1" || hits[0].Score != 0.91 {
		t.Fatalf("hit 0 = %+v", hits[0])
	}
	if hits[1].DocID != "7" {
		t.Fatalf("numeric ids should stringify, got %q", hits[1].DocID)
	}

	filter, ok := gotReq["filter"].(map[string]any)
	if !ok {
		t.Fatalf("filter missing in request: %v", gotReq)
	}
	must, _ := filter["must"].([]any)
	if len(must) != 1 {
		t.Fatalf("must = %v", filter["must"])
	}
}

func TestClient_SearchNoFilterOmitsClause(t *testing.T) {
	var gotReq map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&gotReq)
		_ = json.NewEncoder(w).Encode(map[string]any{"result": []any{}})
	}))
	defer srv.Close()

	c := New(srv.URL, "", "col")
	if _, err := c.Search(context.Background(), []float32{1}, 3, nil); err != nil {
		t.Fatalf("search: %v", err)
	}
	if _, present := gotReq["filter"]; present {
		t.Fatal("empty filter must not be sent")
	}
}

func TestClient_Upsert(t *testing.T) {
	var gotReq struct {
		Points []map[string]any `json:"points"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			t.Errorf("method = %s", r.Method)
		}
		if key := r.Header.Get("api-key"); key != "secret" {
			t.Errorf("api-key = %q", key)
		}
		_ = json.NewDecoder(r.Body).Decode(&gotReq)
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok"})
	}))
	defer srv.Close()

	c := New(srv.URL, "secret", "col")
	err := c.Upsert(context.Background(), []domain.VectorPoint{
		{ID: "p1", Vector: []float32{1, 2}, Payload: map[string]any{"title": "one"}},
		{Vector: []float32{3, 4}},
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if len(gotReq.Points) != 2 {
		t.Fatalf("points = %d", len(gotReq.Points))
	}
	if gotReq.Points[0]["id"] != "p1" {
		t.Fatalf("point 0 id = %v", gotReq.Points[0]["id"])
	}
	if _, present := gotReq.Points[1]["id"]; present {
		t.Fatal("empty id must be omitted so qdrant assigns one")
	}
}

func TestClient_UpsertEmptyIsNoop(t *testing.T) {
	c := New("http://unreachable.invalid", "", "col")
	if err := c.Upsert(context.Background(), nil); err != nil {
		t.Fatalf("empty upsert should not touch the network: %v", err)
	}
}

func TestClient_EnsureCollection(t *testing.T) {
	created := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			w.WriteHeader(http.StatusNotFound)
		case http.MethodPut:
			var body map[string]any
			_ = json.NewDecoder(r.Body).Decode(&body)
			vectors, _ := body["vectors"].(map[string]any)
			if vectors["size"] != float64(768) || vectors["distance"] != "Cosine" {
				t.Errorf("unexpected vectors config: %v", vectors)
			}
			created = true
			_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok"})
		}
	}))
	defer srv.Close()

	c := New(srv.URL, "", "col")
	if err := c.EnsureCollection(context.Background(), 768, "Cosine"); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if !created {
		t.Fatal("collection was not created")
	}
}

func TestClient_EnsureCollectionExisting(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("existing collection should not be recreated, got %s", r.Method)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"result": map[string]any{}})
	}))
	defer srv.Close()

	c := New(srv.URL, "", "col")
	if err := c.EnsureCollection(context.Background(), 768, "Cosine"); err != nil {
		t.Fatalf("ensure: %v", err)
	}
}

func TestClient_SearchErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "collection not found", http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(srv.URL, "", "missing")
	if _, err := c.Search(context.Background(), []float32{1}, 3, nil); err == nil {
		t.Fatal("expected error on non-2xx search")
	}
}

func TestClient_Healthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"result": map[string]any{}})
	}))
	defer srv.Close()

	if err := New(srv.URL, "", "col").Healthy(context.Background()); err != nil {
		t.Fatalf("healthy: %v", err)
	}
}
