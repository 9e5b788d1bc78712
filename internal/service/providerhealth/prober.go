// Package providerhealth polls every configured provider's health endpoint
// on an interval and exports per-provider availability.
package providerhealth

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/fairyhunter13/ai-request-router/internal/adapter/observability"
	"github.com/fairyhunter13/ai-request-router/internal/domain"
)

// Status is the latest probe outcome for one provider.
type Status struct {
	Provider  string    `json:"provider"`
	Healthy   bool      `json:"healthy"`
	LatencyMs int64     `json:"latency_ms"`
	Error     string    `json:"error,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// Prober pings providers and keeps the latest status per provider.
type Prober struct {
	providers map[string]domain.Provider
	interval  time.Duration
	timeout   time.Duration
	log       *slog.Logger

	mu     sync.RWMutex
	status map[string]Status
}

// New builds a prober over the given providers. interval defaults to 30s;
// each probe is bounded by timeout (default 10s).
func New(providers map[string]domain.Provider, interval, timeout time.Duration, log *slog.Logger) *Prober {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Prober{
		providers: providers,
		interval:  interval,
		timeout:   timeout,
		log:       log,
		status:    make(map[string]Status),
	}
}

// Run probes immediately, then on every interval tick until ctx is done.
func (p *Prober) Run(ctx context.Context) {
	p.ProbeAll(ctx)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.ProbeAll(ctx)
		}
	}
}

// ProbeAll checks every provider once, concurrently.
func (p *Prober) ProbeAll(ctx context.Context) {
	var wg sync.WaitGroup
	for name, provider := range p.providers {
		wg.Add(1)
		go func(name string, provider domain.Provider) {
			defer wg.Done()
			p.probe(ctx, name, provider)
		}(name, provider)
	}
	wg.Wait()
}

func (p *Prober) probe(ctx context.Context, name string, provider domain.Provider) {
	probeCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := time.Now()
	err := provider.HealthCheck(probeCtx)
	status := Status{
		Provider:  name,
		Healthy:   err == nil,
		LatencyMs: time.Since(start).Milliseconds(),
		CheckedAt: time.Now().UTC(),
	}
	up := 1.0
	if err != nil {
		status.Error = err.Error()
		up = 0
		p.log.Warn("provider health probe failed",
			slog.String("provider", name),
			slog.Any("error", err))
	}
	observability.ProviderUpGauge.WithLabelValues(name).Set(up)

	p.mu.Lock()
	p.status[name] = status
	p.mu.Unlock()
}

// Snapshot returns the latest status for every probed provider, sorted by
// name. Providers never probed yet are absent.
func (p *Prober) Snapshot() []Status {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Status, 0, len(p.status))
	for _, s := range p.status {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out
}

// Healthy reports whether the named provider's last probe succeeded. Unknown
// providers are reported unhealthy.
func (p *Prober) Healthy(name string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.status[name].Healthy
}
