package app

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/ai-request-router/internal/adapter/httpserver"
	qdrantcli "github.com/fairyhunter13/ai-request-router/internal/adapter/vector/qdrant"
)

// BuildReadinessChecks probes every configured dependency. Unconfigured
// backends are simply not checked; the in-memory fallbacks have nothing to
// probe.
func BuildReadinessChecks(rdb *redis.Client, pool *pgxpool.Pool, qcli *qdrantcli.Client) []httpserver.ReadyCheck {
	checks := make([]httpserver.ReadyCheck, 0, 3)
	if rdb != nil {
		checks = append(checks, httpserver.ReadyCheck{
			Name: "redis",
			Check: func(ctx context.Context) error {
				if err := rdb.Ping(ctx).Err(); err != nil {
					return fmt.Errorf("redis ping: %w", err)
				}
				return nil
			},
		})
	}
	if pool != nil {
		checks = append(checks, httpserver.ReadyCheck{
			Name: "postgres",
			Check: func(ctx context.Context) error {
				if err := pool.Ping(ctx); err != nil {
					return fmt.Errorf("postgres ping: %w", err)
				}
				return nil
			},
		})
	}
	if qcli != nil {
		checks = append(checks, httpserver.ReadyCheck{
			Name:  "qdrant",
			Check: qcli.Healthy,
		})
	}
	return checks
}
