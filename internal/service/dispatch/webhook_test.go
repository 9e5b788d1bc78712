package dispatch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fairyhunter13/ai-request-router/internal/adapter/queue/memory"
	"github.com/fairyhunter13/ai-request-router/internal/adapter/repo/memstore"
	"github.com/fairyhunter13/ai-request-router/internal/config"
	"github.com/fairyhunter13/ai-request-router/internal/domain"
)

func sampleResult() *domain.JobResult {
	now := time.Now()
	return &domain.JobResult{
		JobID:        "job-1",
		Status:       domain.JobCompleted,
		Result:       map[string]any{"answer": "42"},
		ProviderUsed: "deepseek",
		AttemptCount: 1,
		CreatedAt:    now.Add(-time.Second),
		CompletedAt:  &now,
		DurationMs:   1000,
	}
}

func TestWebhookNotifier_DeliversResult(t *testing.T) {
	received := make(chan domain.JobResult, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content type %q", ct)
		}
		var res domain.JobResult
		if err := json.NewDecoder(r.Body).Decode(&res); err != nil {
			t.Errorf("decode: %v", err)
		}
		received <- res
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	NewWebhookNotifier(newTestLogger()).Notify(context.Background(), srv.URL, sampleResult())

	select {
	case res := <-received:
		if res.JobID != "job-1" || res.Status != domain.JobCompleted {
			t.Fatalf("delivered %+v", res)
		}
	default:
		t.Fatal("nothing delivered")
	}
}

func TestWebhookNotifier_RetriesServerError(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	NewWebhookNotifier(newTestLogger()).Notify(context.Background(), srv.URL, sampleResult())

	if got := hits.Load(); got != 2 {
		t.Fatalf("expected a retry after 500, got %d requests", got)
	}
}

func TestWebhookNotifier_ClientErrorIsFinal(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusGone)
	}))
	defer srv.Close()

	NewWebhookNotifier(newTestLogger()).Notify(context.Background(), srv.URL, sampleResult())

	if got := hits.Load(); got != 1 {
		t.Fatalf("4xx retried: %d requests", got)
	}
}

func TestWebhookNotifier_CtxStopsRetrying(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	NewWebhookNotifier(newTestLogger()).Notify(ctx, srv.URL, sampleResult())

	if got := hits.Load(); got != 1 {
		t.Fatalf("expected retries to stop with ctx, got %d requests", got)
	}
}

func TestWorkerPool_FiresWebhookOnCompletion(t *testing.T) {
	received := make(chan domain.JobResult, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var res domain.JobResult
		_ = json.NewDecoder(r.Body).Decode(&res)
		select {
		case received <- res:
		default:
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	a := &fakeProvider{name: "a"}
	store := memstore.NewStore()
	q := memory.NewQueue(10)
	pool := NewWorkerPool(PoolOptions{
		Queue:   q,
		Store:   store,
		Router:  newRouterWith(testBreakers(), nil, a),
		Webhook: NewWebhookNotifier(newTestLogger()),
		Costs:   config.DefaultCostTable(),
		Logger:  newTestLogger(),
	})

	ctx := context.Background()
	j := inferenceJob("job-wh")
	j.WebhookURL = srv.URL
	j.Status = domain.JobPending
	j.CreatedAt = time.Now()
	if err := store.SaveJob(ctx, j); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := store.UpdateStatus(ctx, j.ID, domain.JobQueued); err != nil {
		t.Fatalf("mark queued: %v", err)
	}
	if ok, err := q.Enqueue(ctx, j); err != nil || !ok {
		t.Fatalf("enqueue: ok=%v err=%v", ok, err)
	}

	pool.Start(1)
	defer pool.Stop()

	select {
	case res := <-received:
		if res.JobID != "job-wh" || res.Status != domain.JobCompleted {
			t.Fatalf("webhook payload %+v", res)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("webhook never fired")
	}
}
