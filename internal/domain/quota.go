package domain

import "time"

// Tier selects per-tenant admission ceilings.
type Tier string

const (
	TierFree       Tier = "free"
	TierBasic      Tier = "basic"
	TierPro        Tier = "pro"
	TierEnterprise Tier = "enterprise"
)

// ParseTier normalizes a tier string, defaulting to free.
func ParseTier(s string) Tier {
	switch Tier(s) {
	case TierFree, TierBasic, TierPro, TierEnterprise:
		return Tier(s)
	}
	return TierFree
}

// TierLimits are the ceilings attached to a tier. Tier changes take effect on
// the next admission.
type TierLimits struct {
	DailyRequests int
	DailyCostCap  float64
	PerMinute     int
	Burst         int
}

// TenantQuota tracks a tenant's daily usage. The counter resets lazily when
// the first admission after UTC midnight observes a stale LastReset day.
type TenantQuota struct {
	TenantID   string    `json:"tenant_id"`
	DailyUsage int       `json:"daily_usage"`
	CostUsed   float64   `json:"cost_used"`
	LastReset  time.Time `json:"last_reset"`
}

// QuotaInfo is the client-facing snapshot of quota state.
type QuotaInfo struct {
	TenantID   string    `json:"tenant_id"`
	Tier       Tier      `json:"tier"`
	DailyLimit int       `json:"daily_limit"`
	DailyUsage int       `json:"daily_usage"`
	Remaining  int       `json:"remaining"`
	ResetsAt   time.Time `json:"resets_at"`
	CostCap    float64   `json:"cost_cap"`
	CostUsed   float64   `json:"cost_used"`
}
