package quota

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/ai-request-router/internal/domain"
)

// RedisManager stores per-day counters under date-suffixed keys so that the
// UTC rollover falls out of key construction. Reserve runs as a Lua script
// to keep the check-and-increment atomic across instances.
type RedisManager struct {
	redis  *redis.Client
	script *redis.Script

	now func() time.Time
}

// NewRedisManager creates a manager backed by the given client.
func NewRedisManager(rdb *redis.Client) *RedisManager {
	if rdb == nil {
		return nil
	}
	return &RedisManager{
		redis:  rdb,
		script: redis.NewScript(luaQuotaReserveScript),
		now:    time.Now,
	}
}

const luaQuotaReserveScript = `
local count_key = KEYS[1]
local cost_key = KEYS[2]
local daily_limit = tonumber(ARGV[1])
local cost_cap = tonumber(ARGV[2])
local ttl = tonumber(ARGV[3])

local used = tonumber(redis.call("GET", count_key) or "0")
if daily_limit > 0 and used >= daily_limit then
  return { 0, used, "quota" }
end

local cost = redis.call("GET", cost_key)
if cost_cap > 0 and cost and tonumber(cost) >= cost_cap then
  return { 0, used, "cost" }
end

used = redis.call("INCR", count_key)
if used == 1 then
  redis.call("EXPIRE", count_key, ttl)
end
return { 1, used, "" }
`

// Counters outlive their day by a margin so Usage keeps working across the
// rollover of slow clocks.
const quotaKeyTTL = 48 * time.Hour

func (m *RedisManager) keys(tenantID string) (string, string) {
	day := m.now().UTC().Format("2006-01-02")
	return "quota:" + tenantID + ":" + day, "quota_cost:" + tenantID + ":" + day
}

// Reserve implements Manager. Redis errors fail open, matching the rate
// limiter; quota is best effort when the shared store is down.
func (m *RedisManager) Reserve(ctx context.Context, tenantID string, limits domain.TierLimits) error {
	if m == nil || m.redis == nil {
		return nil
	}
	countKey, costKey := m.keys(tenantID)

	res, err := m.script.Run(ctx, m.redis, []string{countKey, costKey},
		limits.DailyRequests, limits.DailyCostCap, int(quotaKeyTTL.Seconds())).Result()
	if err != nil {
		slog.Error("redis quota script error", slog.String("tenant_id", tenantID), slog.Any("error", err))
		return nil
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) < 3 {
		slog.Error("redis quota unexpected script result", slog.String("tenant_id", tenantID), slog.Any("result", res))
		return nil
	}
	if allowed, _ := vals[0].(int64); allowed == 1 {
		return nil
	}
	if reason, _ := vals[2].(string); reason == "cost" {
		return domain.E(domain.CodeCostCapExceeded, "daily cost cap exhausted")
	}
	return domain.E(domain.CodeQuotaExceeded, "daily request quota exhausted")
}

// AddCost implements Manager.
func (m *RedisManager) AddCost(ctx context.Context, tenantID string, usd float64) error {
	if m == nil || m.redis == nil || usd <= 0 {
		return nil
	}
	_, costKey := m.keys(tenantID)

	pipe := m.redis.TxPipeline()
	pipe.IncrByFloat(ctx, costKey, usd)
	pipe.Expire(ctx, costKey, quotaKeyTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		slog.Error("redis quota cost update error", slog.String("tenant_id", tenantID), slog.Any("error", err))
		return err
	}
	return nil
}

// Reset implements Manager. Deleting the day's keys restores the full
// budget immediately.
func (m *RedisManager) Reset(ctx context.Context, tenantID string) error {
	if m == nil || m.redis == nil {
		return nil
	}
	countKey, costKey := m.keys(tenantID)
	if err := m.redis.Del(ctx, countKey, costKey).Err(); err != nil {
		slog.Error("redis quota reset error", slog.String("tenant_id", tenantID), slog.Any("error", err))
		return err
	}
	return nil
}

// Usage implements Manager.
func (m *RedisManager) Usage(ctx context.Context, tenantID string) (domain.TenantQuota, error) {
	q := domain.TenantQuota{TenantID: tenantID, LastReset: utcMidnight(m.now())}
	if m == nil || m.redis == nil {
		return q, nil
	}
	countKey, costKey := m.keys(tenantID)

	vals, err := m.redis.MGet(ctx, countKey, costKey).Result()
	if err != nil {
		return q, err
	}
	if s, ok := vals[0].(string); ok {
		if n, err := strconv.Atoi(s); err == nil {
			q.DailyUsage = n
		}
	}
	if s, ok := vals[1].(string); ok {
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			q.CostUsed = f
		}
	}
	return q, nil
}
