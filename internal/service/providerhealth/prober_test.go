package providerhealth

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/fairyhunter13/ai-request-router/internal/adapter/ai/stub"
	"github.com/fairyhunter13/ai-request-router/internal/domain"
)

type nullWriter struct{}

func (nullWriter) Write(p []byte) (int, error) { return len(p), nil }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(nullWriter{}, nil))
}

func TestProber_ProbeAll(t *testing.T) {
	healthy := stub.New("up")
	broken := stub.New("down")
	broken.Fail(errors.New("connection refused"))

	p := New(map[string]domain.Provider{
		"up":   healthy,
		"down": broken,
	}, time.Minute, time.Second, testLogger())

	p.ProbeAll(context.Background())

	snapshot := p.Snapshot()
	if len(snapshot) != 2 {
		t.Fatalf("snapshot = %d entries", len(snapshot))
	}
	// Sorted by name: down, up.
	if snapshot[0].Provider != "down" || snapshot[0].Healthy {
		t.Fatalf("down status = %+v", snapshot[0])
	}
	if snapshot[0].Error == "" {
		t.Fatal("failed probe should carry the error")
	}
	if snapshot[1].Provider != "up" || !snapshot[1].Healthy {
		t.Fatalf("up status = %+v", snapshot[1])
	}

	if !p.Healthy("up") || p.Healthy("down") {
		t.Fatal("Healthy() disagrees with snapshot")
	}
	if p.Healthy("never-probed") {
		t.Fatal("unknown provider must read unhealthy")
	}
}

func TestProber_Recovery(t *testing.T) {
	provider := stub.New("flaky")
	provider.Fail(errors.New("boom"))

	p := New(map[string]domain.Provider{"flaky": provider}, time.Minute, time.Second, testLogger())
	p.ProbeAll(context.Background())
	if p.Healthy("flaky") {
		t.Fatal("expected unhealthy")
	}

	provider.Fail(nil)
	p.ProbeAll(context.Background())
	if !p.Healthy("flaky") {
		t.Fatal("expected recovery")
	}
}

func TestProber_RunStopsOnCancel(t *testing.T) {
	p := New(map[string]domain.Provider{"up": stub.New("up")}, 10*time.Millisecond, time.Second, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop on cancel")
	}
	if !p.Healthy("up") {
		t.Fatal("provider never probed")
	}
}
