// Command corpusseed embeds a directory of documents and upserts them into
// the Qdrant collection used for retrieval.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"

	"github.com/fairyhunter13/ai-request-router/internal/adapter/ai"
	"github.com/fairyhunter13/ai-request-router/internal/adapter/observability"
	qdrantcli "github.com/fairyhunter13/ai-request-router/internal/adapter/vector/qdrant"
	"github.com/fairyhunter13/ai-request-router/internal/app"
	"github.com/fairyhunter13/ai-request-router/internal/config"
	"github.com/fairyhunter13/ai-request-router/internal/corpusseed"
	"github.com/fairyhunter13/ai-request-router/internal/service/dispatch"
)

func main() {
	dir := flag.String("dir", "corpus", "directory of documents to ingest")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	if cfg.QdrantURL == "" {
		logger.Error("corpus seeding requires QDRANT_URL")
		os.Exit(1)
	}

	ctx := context.Background()
	qcli := qdrantcli.New(cfg.QdrantURL, cfg.QdrantAPIKey, cfg.QdrantCollection)
	app.EnsureCollections(ctx, qcli, logger)

	providers := ai.BuildProviders(cfg, logger)
	breakers := observability.NewCircuitBreakerManager(cfg.GetBreakerConfig())
	retry := dispatch.NewRetryPolicy(cfg.GetRetryConfig(), logger)
	router := dispatch.NewRouter(cfg.ProviderChain(), providers, breakers, retry, qcli, logger)

	seeder := corpusseed.New(router, qcli, logger)
	n, err := seeder.SeedDir(ctx, *dir)
	if err != nil {
		logger.Error("corpus seeding failed",
			slog.String("dir", *dir),
			slog.Int("points_written", n),
			slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("corpus seeded",
		slog.String("dir", *dir),
		slog.String("collection", qcli.Collection()),
		slog.Int("points", n))
}
