// Package quota enforces per-tenant daily request counts and cost budgets.
// All budgets roll over at UTC midnight, lazily on first touch.
package quota

import (
	"context"
	"sync"
	"time"

	"github.com/fairyhunter13/ai-request-router/internal/domain"
)

// Manager reserves daily request slots and accumulates provider cost.
type Manager interface {
	// Reserve admits one request against the tenant's daily budget or
	// returns a QUOTA_EXCEEDED / COST_CAP_EXCEEDED tagged error.
	Reserve(ctx context.Context, tenantID string, limits domain.TierLimits) error
	// AddCost records the estimated cost of a completed provider call.
	AddCost(ctx context.Context, tenantID string, usd float64) error
	// Usage returns the tenant's consumption for the current UTC day.
	Usage(ctx context.Context, tenantID string) (domain.TenantQuota, error)
	// Reset zeroes the tenant's counters for the current day. Operator use.
	Reset(ctx context.Context, tenantID string) error
}

// Info combines raw usage with tier ceilings into the client-facing shape.
func Info(q domain.TenantQuota, tier domain.Tier, limits domain.TierLimits) domain.QuotaInfo {
	remaining := limits.DailyRequests - q.DailyUsage
	if remaining < 0 {
		remaining = 0
	}
	return domain.QuotaInfo{
		TenantID:   q.TenantID,
		Tier:       tier,
		DailyLimit: limits.DailyRequests,
		DailyUsage: q.DailyUsage,
		Remaining:  remaining,
		ResetsAt:   q.LastReset.Add(24 * time.Hour),
		CostCap:    limits.DailyCostCap,
		CostUsed:   q.CostUsed,
	}
}

func utcMidnight(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// MemoryManager keeps quota state in process memory.
type MemoryManager struct {
	mu      sync.Mutex
	tenants map[string]*domain.TenantQuota

	now func() time.Time
}

// NewMemoryManager creates an empty in-process quota manager.
func NewMemoryManager() *MemoryManager {
	return &MemoryManager{
		tenants: make(map[string]*domain.TenantQuota),
		now:     time.Now,
	}
}

// get returns the tenant's record for the current UTC day, resetting a stale
// one in place. Callers must hold the mutex.
func (m *MemoryManager) get(tenantID string) *domain.TenantQuota {
	midnight := utcMidnight(m.now())
	q, ok := m.tenants[tenantID]
	if !ok {
		q = &domain.TenantQuota{TenantID: tenantID, LastReset: midnight}
		m.tenants[tenantID] = q
		return q
	}
	if q.LastReset.Before(midnight) {
		q.DailyUsage = 0
		q.CostUsed = 0
		q.LastReset = midnight
	}
	return q
}

// Reserve implements Manager.
func (m *MemoryManager) Reserve(_ context.Context, tenantID string, limits domain.TierLimits) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	q := m.get(tenantID)
	if limits.DailyRequests > 0 && q.DailyUsage >= limits.DailyRequests {
		return domain.E(domain.CodeQuotaExceeded, "daily request quota exhausted")
	}
	if limits.DailyCostCap > 0 && q.CostUsed >= limits.DailyCostCap {
		return domain.E(domain.CodeCostCapExceeded, "daily cost cap exhausted")
	}
	q.DailyUsage++
	return nil
}

// AddCost implements Manager.
func (m *MemoryManager) AddCost(_ context.Context, tenantID string, usd float64) error {
	if usd <= 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.get(tenantID).CostUsed += usd
	return nil
}

// Usage implements Manager.
func (m *MemoryManager) Usage(_ context.Context, tenantID string) (domain.TenantQuota, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.get(tenantID), nil
}

// Reset implements Manager.
func (m *MemoryManager) Reset(_ context.Context, tenantID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.get(tenantID)
	q.DailyUsage = 0
	q.CostUsed = 0
	return nil
}

// Cleanup drops tenants that have not been touched today. The state of a
// past day is dead weight once the lazy reset would zero it anyway.
func (m *MemoryManager) Cleanup() {
	midnight := utcMidnight(m.now())
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, q := range m.tenants {
		if q.LastReset.Before(midnight) {
			delete(m.tenants, id)
		}
	}
}
