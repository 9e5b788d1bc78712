// Command worker drains the shared job queue without serving the public API.
// It requires Redis-backed storage and queueing; a memory backend would give
// it a private queue nothing ever fills.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/ai-request-router/internal/adapter/ai"
	"github.com/fairyhunter13/ai-request-router/internal/adapter/events/redpanda"
	"github.com/fairyhunter13/ai-request-router/internal/adapter/observability"
	"github.com/fairyhunter13/ai-request-router/internal/adapter/queue/redisq"
	"github.com/fairyhunter13/ai-request-router/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/ai-request-router/internal/adapter/repo/redisstore"
	qdrantcli "github.com/fairyhunter13/ai-request-router/internal/adapter/vector/qdrant"
	"github.com/fairyhunter13/ai-request-router/internal/app"
	"github.com/fairyhunter13/ai-request-router/internal/config"
	"github.com/fairyhunter13/ai-request-router/internal/domain"
	"github.com/fairyhunter13/ai-request-router/internal/service/dispatch"
	"github.com/fairyhunter13/ai-request-router/internal/service/providerhealth"
	"github.com/fairyhunter13/ai-request-router/internal/service/quota"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		logger.Error("tracing setup failed", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	if cfg.RedisURL == "" {
		logger.Error("standalone worker requires REDIS_URL for the shared store and queue")
		os.Exit(1)
	}
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Error("redis url invalid", slog.Any("error", err))
		os.Exit(1)
	}
	rdb := redis.NewClient(opt)

	ctx := context.Background()
	store := redisstore.NewStore(rdb, cfg.ResultTTL())
	queue := redisq.NewQueue(rdb, cfg.QueueMaxSize)
	quotas := quota.NewRedisManager(rdb)

	var archive *postgres.ArchiveRepo
	if cfg.ArchiveEnabled() {
		pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Error("postgres connect failed", slog.Any("error", err))
			os.Exit(1)
		}
		defer pool.Close()
		if err := postgres.EnsureSchema(ctx, pool); err != nil {
			logger.Error("archive schema setup failed", slog.Any("error", err))
			os.Exit(1)
		}
		archive = postgres.NewArchiveRepo(pool)
	}

	var searcher domain.VectorSearcher
	if cfg.QdrantURL != "" {
		qcli := qdrantcli.New(cfg.QdrantURL, cfg.QdrantAPIKey, cfg.QdrantCollection)
		app.EnsureCollections(ctx, qcli, logger)
		searcher = qcli
	}

	var events domain.EventPublisher
	if cfg.EventsEnabled() {
		producer, err := redpanda.NewProducer(cfg.KafkaBrokers, cfg.EventsTopic, logger)
		if err != nil {
			logger.Error("event producer connect failed", slog.Any("error", err))
			os.Exit(1)
		}
		defer producer.Close()
		events = producer
	}

	costs, err := config.LoadCostTable(cfg.CostTableFile)
	if err != nil {
		logger.Error("cost table load failed", slog.Any("error", err))
		os.Exit(1)
	}

	providers := ai.BuildProviders(cfg, logger)
	breakers := observability.NewCircuitBreakerManager(cfg.GetBreakerConfig())
	retry := dispatch.NewRetryPolicy(cfg.GetRetryConfig(), logger)
	router := dispatch.NewRouter(cfg.ProviderChain(), providers, breakers, retry, searcher, logger)

	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()

	prober := providerhealth.New(providers, cfg.ProviderHealthInterval, cfg.ProviderTimeout, logger)
	go prober.Run(bgCtx)

	sweeper := app.NewStuckJobSweeper(store, cfg.JobTimeout+cfg.ProviderTimeout, time.Minute, logger)
	go sweeper.Run(bgCtx)

	var poolArchive dispatch.Archiver
	if archive != nil {
		poolArchive = archive
	}
	workers := dispatch.NewWorkerPool(dispatch.PoolOptions{
		Queue:    queue,
		Store:    store,
		Router:   router,
		BatchCfg: cfg.GetBatchConfig(),
		Events:   events,
		Webhook:  dispatch.NewWebhookNotifier(logger),
		Quota:    quotas,
		Costs:    costs,
		Searcher: searcher,
		Archive:  poolArchive,
		Logger:   logger,
	})
	workers.Start(cfg.WorkerConcurrency)

	// Metrics and liveness on the worker's own port.
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	metricsSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("worker metrics listening", slog.Int("port", cfg.Port))
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server error", slog.Any("error", err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("shutdown signal received", slog.String("signal", sig.String()))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = metricsSrv.Shutdown(shutdownCtx)

	bgCancel()
	workers.Stop()
}
