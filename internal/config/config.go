// Package config defines configuration parsing and helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"

	"github.com/fairyhunter13/ai-request-router/internal/domain"
)

// Config holds all application configuration parsed from environment variables.
type Config struct {
	AppEnv     string `env:"APP_ENV" envDefault:"dev"`
	AppVersion string `env:"APP_VERSION" envDefault:"dev"`
	Port       int    `env:"PORT" envDefault:"8080"`
	LogLevel   string `env:"LOG_LEVEL" envDefault:"info"`

	// Provider chain. The primary is tried first; fallbacks follow in order.
	PrimaryProvider   string   `env:"PRIMARY_PROVIDER" envDefault:"inlegalbert"`
	FallbackProviders []string `env:"FALLBACK_PROVIDERS" envSeparator:"," envDefault:"deepseek,grok"`

	InLegalBERTBaseURL string `env:"INLEGALBERT_BASE_URL" envDefault:"http://inlegalbert:8501"`
	InLegalBERTAPIKey  string `env:"INLEGALBERT_API_KEY"`
	InLegalBERTModel   string `env:"INLEGALBERT_MODEL" envDefault:"law-ai/InLegalBERT"`
	DeepSeekBaseURL    string `env:"DEEPSEEK_BASE_URL" envDefault:"https://api.deepseek.com/v1"`
	DeepSeekAPIKey     string `env:"DEEPSEEK_API_KEY"`
	DeepSeekModel      string `env:"DEEPSEEK_MODEL" envDefault:"deepseek-chat"`
	DeepSeekEmbedModel string `env:"DEEPSEEK_EMBED_MODEL"`
	GrokBaseURL        string `env:"GROK_BASE_URL" envDefault:"https://api.x.ai/v1"`
	GrokAPIKey         string `env:"GROK_API_KEY"`
	GrokModel          string `env:"GROK_MODEL" envDefault:"grok-2-latest"`
	GrokEmbedModel     string `env:"GROK_EMBED_MODEL"`

	// Deadlines: per-attempt provider deadline and total job deadline.
	ProviderTimeout time.Duration `env:"PROVIDER_TIMEOUT" envDefault:"30s"`
	JobTimeout      time.Duration `env:"JOB_TIMEOUT" envDefault:"120s"`

	// Queue
	QueueBackend string `env:"QUEUE_BACKEND" envDefault:"memory"` // memory|redis
	QueueMaxSize int    `env:"QUEUE_MAX_SIZE" envDefault:"10000"`
	TTLHours     int    `env:"TTL_HOURS" envDefault:"24"`

	// Batcher
	BatchEnabled bool          `env:"BATCH_ENABLED" envDefault:"true"`
	BatchMaxSize int           `env:"BATCH_MAX_SIZE" envDefault:"10"`
	BatchWindow  time.Duration `env:"BATCH_WINDOW" envDefault:"100ms"`

	// Circuit breaker (per provider)
	CBFailureThreshold int           `env:"CB_FAILURE_THRESHOLD" envDefault:"5"`
	CBSuccessThreshold int           `env:"CB_SUCCESS_THRESHOLD" envDefault:"2"`
	CBTimeout          time.Duration `env:"CB_TIMEOUT" envDefault:"60s"`
	CBHalfOpenMaxCalls int           `env:"CB_HALF_OPEN_MAX_CALLS" envDefault:"3"`

	// Retry
	RetryMaxAttempts     int           `env:"RETRY_MAX_ATTEMPTS" envDefault:"3"`
	RetryInitialDelay    time.Duration `env:"RETRY_INITIAL_DELAY" envDefault:"1s"`
	RetryMaxDelay        time.Duration `env:"RETRY_MAX_DELAY" envDefault:"60s"`
	RetryExponentialBase float64       `env:"RETRY_EXPONENTIAL_BASE" envDefault:"2.0"`
	RetryJitter          bool          `env:"RETRY_JITTER" envDefault:"true"`

	// Worker pool
	WorkerConcurrency int  `env:"WORKER_CONCURRENCY" envDefault:"4"`
	WorkerEmbedded    bool `env:"WORKER_EMBEDDED" envDefault:"true"`

	// Rate limiting
	RateLimitBackend string `env:"RATE_LIMIT_BACKEND" envDefault:"memory"` // memory|redis
	IPRateLimitPerMin int   `env:"IP_RATE_LIMIT_PER_MIN" envDefault:"120"`

	// Quota tiers: daily ceiling / per-minute / burst / daily cost cap.
	TierFreeDaily        int     `env:"TIER_FREE_DAILY" envDefault:"100"`
	TierFreePerMinute    int     `env:"TIER_FREE_PER_MINUTE" envDefault:"10"`
	TierFreeBurst        int     `env:"TIER_FREE_BURST" envDefault:"5"`
	TierFreeCostCap      float64 `env:"TIER_FREE_COST_CAP" envDefault:"1.0"`
	TierBasicDaily       int     `env:"TIER_BASIC_DAILY" envDefault:"1000"`
	TierBasicPerMinute   int     `env:"TIER_BASIC_PER_MINUTE" envDefault:"60"`
	TierBasicBurst       int     `env:"TIER_BASIC_BURST" envDefault:"10"`
	TierBasicCostCap     float64 `env:"TIER_BASIC_COST_CAP" envDefault:"10.0"`
	TierProDaily         int     `env:"TIER_PRO_DAILY" envDefault:"10000"`
	TierProPerMinute     int     `env:"TIER_PRO_PER_MINUTE" envDefault:"300"`
	TierProBurst         int     `env:"TIER_PRO_BURST" envDefault:"50"`
	TierProCostCap       float64 `env:"TIER_PRO_COST_CAP" envDefault:"100.0"`
	TierEnterpriseDaily  int     `env:"TIER_ENTERPRISE_DAILY" envDefault:"100000"`
	TierEnterprisePerMin int     `env:"TIER_ENTERPRISE_PER_MINUTE" envDefault:"1000"`
	TierEnterpriseBurst  int     `env:"TIER_ENTERPRISE_BURST" envDefault:"100"`
	TierEnterpriseCost   float64 `env:"TIER_ENTERPRISE_COST_CAP" envDefault:"1000.0"`

	// RAG
	RAGMaxContextTokens  int           `env:"RAG_MAX_CONTEXT_TOKENS" envDefault:"3000"`
	RAGCharsPerToken     float64       `env:"RAG_CHARS_PER_TOKEN" envDefault:"4.0"`
	RAGIncludeMetadata   bool          `env:"RAG_INCLUDE_METADATA" envDefault:"true"`
	RAGTemplateDir       string        `env:"RAG_TEMPLATE_DIR"`
	RAGMinSimilarity     float64       `env:"RAG_MIN_SIMILARITY" envDefault:"0.0"`
	RAGCacheTTL          time.Duration `env:"RAG_CACHE_TTL" envDefault:"300s"`
	RAGCacheSize         int           `env:"RAG_CACHE_SIZE" envDefault:"512"`
	RAGTokenEstimator    string        `env:"RAG_TOKEN_ESTIMATOR" envDefault:"chars"` // chars|tiktoken
	RAGMaxQueryChars     int           `env:"RAG_MAX_QUERY_CHARS" envDefault:"10000"`
	RAGSnippetChars      int           `env:"RAG_SNIPPET_CHARS" envDefault:"200"`
	RAGHallucinationMin  float64       `env:"RAG_HALLUCINATION_MIN_OVERLAP" envDefault:"0.3"`
	RAGNoInfoAnswer      string        `env:"RAG_NO_INFO_ANSWER" envDefault:"I could not find relevant information in the indexed documents to answer this question."`
	RAGFollowUpMaxTokens int           `env:"RAG_FOLLOW_UP_MAX_TOKENS" envDefault:"150"`

	// Security
	JWTSecret         string `env:"JWT_SECRET"`
	JWTIssuer         string `env:"JWT_ISSUER" envDefault:"ai-service"`
	JWTAudience       string `env:"JWT_AUDIENCE" envDefault:"ai-service"`
	AdminUsername     string `env:"ADMIN_USERNAME"`
	AdminPasswordHash string `env:"ADMIN_PASSWORD_HASH"`

	// Infrastructure
	RedisURL         string   `env:"REDIS_URL"`
	DatabaseURL      string   `env:"DATABASE_URL"`
	QdrantURL        string   `env:"QDRANT_URL" envDefault:"http://localhost:6333"`
	QdrantAPIKey     string   `env:"QDRANT_API_KEY"`
	QdrantCollection string   `env:"QDRANT_COLLECTION" envDefault:"legal_documents"`
	KafkaBrokers     []string `env:"KAFKA_BROKERS" envSeparator:","`
	EventsTopic      string   `env:"EVENTS_TOPIC" envDefault:"ai.jobs.lifecycle"`
	OTLPEndpoint     string   `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:""`
	OTELServiceName  string   `env:"OTEL_SERVICE_NAME" envDefault:"ai-request-router"`
	CostTableFile    string   `env:"COST_TABLE_FILE"`

	// HTTP server
	CORSAllowOrigins      string        `env:"CORS_ALLOW_ORIGINS" envDefault:"*"`
	MaxPayloadBytes       int64         `env:"MAX_PAYLOAD_SIZE_BYTES" envDefault:"5242880"`
	ServerShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" envDefault:"30s"`
	HTTPReadTimeout       time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"15s"`
	HTTPWriteTimeout      time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"60s"`
	HTTPIdleTimeout       time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"60s"`

	// Background maintenance
	CleanupInterval        time.Duration `env:"CLEANUP_INTERVAL" envDefault:"1h"`
	ProviderHealthInterval time.Duration `env:"PROVIDER_HEALTH_INTERVAL" envDefault:"30s"`
}

// Load parses environment variables into a Config.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("op=config.Load: %w", err)
	}
	return cfg, nil
}

// IsDev reports whether the app is running in development mode.
func (c Config) IsDev() bool { return strings.ToLower(c.AppEnv) == "dev" }

// IsProd reports whether the app is running in production mode.
func (c Config) IsProd() bool { return strings.ToLower(c.AppEnv) == "prod" }

// IsTest reports whether the app is running in test mode.
func (c Config) IsTest() bool { return strings.ToLower(c.AppEnv) == "test" }

// AdminEnabled returns true if the basic-auth admin fallback is configured.
func (c Config) AdminEnabled() bool {
	return c.AdminUsername != "" && c.AdminPasswordHash != ""
}

// EventsEnabled reports whether the lifecycle event stream is configured.
func (c Config) EventsEnabled() bool { return len(c.KafkaBrokers) > 0 }

// ArchiveEnabled reports whether the durable Postgres job archive is configured.
func (c Config) ArchiveEnabled() bool { return c.DatabaseURL != "" }

// ProviderChain returns the ordered preference list, primary first, with
// duplicates removed.
func (c Config) ProviderChain() []string {
	chain := make([]string, 0, 1+len(c.FallbackProviders))
	seen := map[string]bool{}
	for _, name := range append([]string{c.PrimaryProvider}, c.FallbackProviders...) {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		chain = append(chain, name)
	}
	return chain
}

// ResultTTL is the retention window for jobs and results.
func (c Config) ResultTTL() time.Duration {
	return time.Duration(c.TTLHours) * time.Hour
}

// DLQTTL is the extended retention window for dead-letter records.
func (c Config) DLQTTL() time.Duration { return 7 * c.ResultTTL() }

// TierLimits resolves the ceilings for a tier at admission time.
func (c Config) TierLimits(t domain.Tier) domain.TierLimits {
	switch t {
	case domain.TierBasic:
		return domain.TierLimits{
			DailyRequests: c.TierBasicDaily,
			DailyCostCap:  c.TierBasicCostCap,
			PerMinute:     c.TierBasicPerMinute,
			Burst:         c.TierBasicBurst,
		}
	case domain.TierPro:
		return domain.TierLimits{
			DailyRequests: c.TierProDaily,
			DailyCostCap:  c.TierProCostCap,
			PerMinute:     c.TierProPerMinute,
			Burst:         c.TierProBurst,
		}
	case domain.TierEnterprise:
		return domain.TierLimits{
			DailyRequests: c.TierEnterpriseDaily,
			DailyCostCap:  c.TierEnterpriseCost,
			PerMinute:     c.TierEnterprisePerMin,
			Burst:         c.TierEnterpriseBurst,
		}
	default:
		return domain.TierLimits{
			DailyRequests: c.TierFreeDaily,
			DailyCostCap:  c.TierFreeCostCap,
			PerMinute:     c.TierFreePerMinute,
			Burst:         c.TierFreeBurst,
		}
	}
}
