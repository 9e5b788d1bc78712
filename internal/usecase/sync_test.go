package usecase

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/fairyhunter13/ai-request-router/internal/adapter/ai/stub"
	"github.com/fairyhunter13/ai-request-router/internal/adapter/observability"
	"github.com/fairyhunter13/ai-request-router/internal/config"
	"github.com/fairyhunter13/ai-request-router/internal/domain"
	"github.com/fairyhunter13/ai-request-router/internal/service/dispatch"
	"github.com/fairyhunter13/ai-request-router/internal/service/quota"
)

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, nil))
}

type fakeSearcher struct {
	hits     []domain.VectorHit
	upserted []domain.VectorPoint
}

func (s *fakeSearcher) Search(domain.Context, []float32, int, map[string]any) ([]domain.VectorHit, error) {
	return s.hits, nil
}

func (s *fakeSearcher) Upsert(_ domain.Context, points []domain.VectorPoint) error {
	s.upserted = append(s.upserted, points...)
	return nil
}

func newRouter(t *testing.T, provider domain.Provider, searcher domain.VectorSearcher) *dispatch.Router {
	t.Helper()
	logger := testLogger()
	breakers := observability.NewCircuitBreakerManager(config.BreakerConfig{
		FailureThreshold: 5, SuccessThreshold: 2, Timeout: time.Minute, HalfOpenMaxCalls: 3,
	})
	retry := dispatch.NewRetryPolicy(config.RetryConfig{
		MaxAttempts: 1, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, ExponentialBase: 2,
	}, logger)
	return dispatch.NewRouter([]string{provider.Name()}, map[string]domain.Provider{provider.Name(): provider}, breakers, retry, searcher, logger)
}

func newSyncService(t *testing.T, provider domain.Provider, searcher domain.VectorSearcher) (SyncService, *quota.MemoryManager) {
	t.Helper()
	q := quota.NewMemoryManager()
	costs := config.CostTable{provider.Name(): 1.0}
	return NewSyncService(newRouter(t, provider, searcher), searcher, q, costs, time.Second), q
}

func TestSync_Inference(t *testing.T) {
	ctx := context.Background()
	provider := stub.New("stub")
	svc, quotas := newSyncService(t, provider, nil)

	out, err := svc.Inference(ctx, "t1", domain.InferenceInput{Query: "what is bail", MaxTokens: 100}, "")
	if err != nil {
		t.Fatalf("inference: %v", err)
	}
	if out.Answer == "" || out.Provider != "stub" || out.Model != "stub-model" {
		t.Fatalf("answer = %+v", out)
	}
	if out.TokensUsed == 0 {
		t.Fatal("tokens not reported")
	}

	// Cost accounting mirrors the async path.
	usage, _ := quotas.Usage(ctx, "t1")
	if usage.CostUsed <= 0 {
		t.Fatalf("cost used = %v", usage.CostUsed)
	}
}

func TestSync_InferenceRequiresQuery(t *testing.T) {
	provider := stub.New("stub")
	svc, _ := newSyncService(t, provider, nil)
	_, err := svc.Inference(context.Background(), "t1", domain.InferenceInput{}, "")
	if domain.CodeOf(err) != domain.CodeInvalidParameter {
		t.Fatalf("err = %v", err)
	}
	if provider.Calls() != 0 {
		t.Fatal("validation must fail before any provider call")
	}
}

func TestSync_EmbedIndexesDocument(t *testing.T) {
	ctx := context.Background()
	provider := stub.New("stub")
	searcher := &fakeSearcher{}
	svc, _ := newSyncService(t, provider, searcher)

	out, err := svc.Embed(ctx, "t1", "doc-1", "bail is the rule", "")
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	if out.VectorID != "doc-1" || out.Dimension != 8 {
		t.Fatalf("result = %+v", out)
	}

	if len(searcher.upserted) != 1 {
		t.Fatalf("upserted %d points", len(searcher.upserted))
	}
	point := searcher.upserted[0]
	if point.ID != "doc-1" || point.Payload["tenant_id"] != "t1" || point.Payload["text"] != "bail is the rule" {
		t.Fatalf("point = %+v", point)
	}
}

func TestSync_EmbedGeneratesDocID(t *testing.T) {
	provider := stub.New("stub")
	searcher := &fakeSearcher{}
	svc, _ := newSyncService(t, provider, searcher)

	out, err := svc.Embed(context.Background(), "t1", "", "some text", "")
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	if out.VectorID == "" {
		t.Fatal("doc id not generated")
	}
}

func TestSync_Search(t *testing.T) {
	provider := stub.New("stub")
	searcher := &fakeSearcher{hits: []domain.VectorHit{
		{DocID: "a", Score: 0.9, Payload: map[string]any{"title": "A"}},
		{DocID: "b", Score: 0.5},
	}}
	svc, _ := newSyncService(t, provider, searcher)

	out, err := svc.Search(context.Background(), "t1", "bail", 0, nil, "")
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if out.TotalCount != 2 || len(out.Results) != 2 {
		t.Fatalf("result = %+v", out)
	}
	if out.Results[0].DocID != "a" || out.Results[0].Score != 0.9 {
		t.Fatalf("first hit = %+v", out.Results[0])
	}
}
