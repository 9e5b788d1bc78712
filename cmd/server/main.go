// Command server starts the AI request router API, with an optional embedded
// worker pool draining the same queue.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/ai-request-router/internal/adapter/ai"
	"github.com/fairyhunter13/ai-request-router/internal/adapter/ai/tokencount"
	"github.com/fairyhunter13/ai-request-router/internal/adapter/events/redpanda"
	"github.com/fairyhunter13/ai-request-router/internal/adapter/httpserver"
	"github.com/fairyhunter13/ai-request-router/internal/adapter/observability"
	memq "github.com/fairyhunter13/ai-request-router/internal/adapter/queue/memory"
	"github.com/fairyhunter13/ai-request-router/internal/adapter/queue/redisq"
	"github.com/fairyhunter13/ai-request-router/internal/adapter/repo/memstore"
	"github.com/fairyhunter13/ai-request-router/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/ai-request-router/internal/adapter/repo/redisstore"
	qdrantcli "github.com/fairyhunter13/ai-request-router/internal/adapter/vector/qdrant"
	"github.com/fairyhunter13/ai-request-router/internal/app"
	"github.com/fairyhunter13/ai-request-router/internal/config"
	"github.com/fairyhunter13/ai-request-router/internal/domain"
	"github.com/fairyhunter13/ai-request-router/internal/service/dispatch"
	"github.com/fairyhunter13/ai-request-router/internal/service/providerhealth"
	"github.com/fairyhunter13/ai-request-router/internal/service/quota"
	"github.com/fairyhunter13/ai-request-router/internal/service/rag"
	"github.com/fairyhunter13/ai-request-router/internal/service/ratelimiter"
	"github.com/fairyhunter13/ai-request-router/internal/usecase"
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

	ctx := context.Background()

	// Redis backs the distributed store, queue, limiter and quota when
	// configured; otherwise everything runs in process memory.
	var rdb *redis.Client
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Error("redis url invalid", slog.Any("error", err))
			os.Exit(1)
		}
		rdb = redis.NewClient(opt)
	}

	var store domain.JobStore
	if rdb != nil {
		store = redisstore.NewStore(rdb, cfg.ResultTTL())
	} else {
		store = memstore.NewStore()
	}

	var queue domain.Queue
	if cfg.QueueBackend == "redis" && rdb != nil {
		queue = redisq.NewQueue(rdb, cfg.QueueMaxSize)
	} else {
		queue = memq.NewQueue(cfg.QueueMaxSize)
	}

	var minute, burst ratelimiter.Limiter
	var memMinute *ratelimiter.MemoryLimiter
	if cfg.RateLimitBackend == "redis" && rdb != nil {
		minute = ratelimiter.NewRedisLuaLimiter(rdb, time.Minute)
		burst = ratelimiter.NewRedisLuaLimiter(rdb, time.Second)
	} else {
		memMinute = ratelimiter.NewMemoryLimiter(time.Minute)
		minute = memMinute
		burst = ratelimiter.NewMemoryLimiter(time.Second)
	}

	var quotas quota.Manager
	var memQuota *quota.MemoryManager
	if rdb != nil {
		quotas = quota.NewRedisManager(rdb)
	} else {
		memQuota = quota.NewMemoryManager()
		quotas = memQuota
	}

	var pool *pgxpool.Pool
	var archive *postgres.ArchiveRepo
	if cfg.ArchiveEnabled() {
		pool, err = postgres.NewPool(ctx, cfg.DatabaseURL)
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

	var qcli *qdrantcli.Client
	if cfg.QdrantURL != "" {
		qcli = qdrantcli.New(cfg.QdrantURL, cfg.QdrantAPIKey, cfg.QdrantCollection)
		app.EnsureCollections(ctx, qcli, logger)
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
	var searcher domain.VectorSearcher
	if qcli != nil {
		searcher = qcli
	}
	router := dispatch.NewRouter(cfg.ProviderChain(), providers, breakers, retry, searcher, logger)

	orchestrator, err := buildRAG(cfg, router, costs, logger)
	if err != nil {
		logger.Error("rag setup failed", slog.Any("error", err))
		os.Exit(1)
	}

	srv := &httpserver.Server{
		Cfg:       cfg,
		Auth:      httpserver.NewAuthenticator(cfg),
		Admit:     httpserver.NewAdmission(cfg, minute, burst, quotas),
		Jobs:      usecase.NewJobsService(store, queue, cfg.JobTimeout, cfg.ProviderTimeout, cfg.RetryMaxAttempts),
		Sync:      usecase.NewSyncService(router, searcher, quotas, costs, cfg.ProviderTimeout),
		Admin:     usecase.NewAdminService(store, queue, breakers, quotas),
		RAG:       orchestrator,
		Archive:   archive,
		Ready:     app.BuildReadinessChecks(rdb, pool, qcli),
		StartedAt: time.Now(),
	}
	handler := app.BuildRouter(cfg, srv)

	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()

	prober := providerhealth.New(providers, cfg.ProviderHealthInterval, cfg.ProviderTimeout, logger)
	go prober.Run(bgCtx)

	sweeper := app.NewStuckJobSweeper(store, cfg.JobTimeout+cfg.ProviderTimeout, time.Minute, logger)
	go sweeper.Run(bgCtx)

	var cleaners []app.Cleaner
	if memMinute != nil {
		cleaners = append(cleaners, memMinute)
	}
	if memQuota != nil {
		cleaners = append(cleaners, memQuota)
	}
	janitor := app.NewJanitor(store, cfg.ResultTTL(), cfg.CleanupInterval, logger, cleaners...)
	go janitor.Run(bgCtx)

	var workers *dispatch.WorkerPool
	if cfg.WorkerEmbedded {
		workers = dispatch.NewWorkerPool(dispatch.PoolOptions{
			Queue:    queue,
			Store:    store,
			Router:   router,
			BatchCfg: cfg.GetBatchConfig(),
			Events:   events,
			Webhook:  dispatch.NewWebhookNotifier(logger),
			Quota:    quotas,
			Costs:    costs,
			Searcher: searcher,
			Archive:  archiveOrNil(archive),
			Logger:   logger,
		})
		workers.Start(cfg.WorkerConcurrency)
	} else {
		logger.Info("embedded worker disabled, jobs drain via the worker binary")
	}

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)

	bgCancel()
	if workers != nil {
		workers.Stop()
	}
}

// archiveOrNil keeps the pool's optional interface nil when no archive is
// configured; a typed nil would defeat the pool's nil check.
func archiveOrNil(a *postgres.ArchiveRepo) dispatch.Archiver {
	if a == nil {
		return nil
	}
	return a
}

func buildRAG(cfg config.Config, router *dispatch.Router, costs config.CostTable, logger *slog.Logger) (*rag.Orchestrator, error) {
	overrides, err := config.LoadTemplateOverrides(cfg.RAGTemplateDir)
	if err != nil {
		return nil, err
	}
	templates, err := rag.NewRegistry(overrides)
	if err != nil {
		return nil, err
	}
	var estimator tokencount.Estimator = tokencount.CharsEstimator{CharsPerToken: cfg.RAGCharsPerToken}
	if cfg.RAGTokenEstimator == "tiktoken" {
		estimator = tokencount.NewTiktokenEstimator("gpt-4", cfg.RAGCharsPerToken)
	}
	builder := rag.NewContextBuilder(cfg.RAGMaxContextTokens, cfg.RAGCharsPerToken, cfg.RAGIncludeMetadata, estimator)
	sanitizer := rag.NewSanitizer(cfg.RAGMaxQueryChars)
	cache := rag.NewCache(cfg.RAGCacheSize, cfg.RAGCacheTTL)
	return rag.New(router, cache, templates, sanitizer, builder, costs, rag.ConfigFromApp(cfg), logger), nil
}
