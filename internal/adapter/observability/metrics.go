package observability

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	AIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ai_requests_total",
			Help: "Total number of AI requests by provider and operation",
		},
		[]string{"provider", "operation"},
	)
	AIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ai_request_duration_seconds",
			Help:    "AI request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
		[]string{"provider", "operation"},
	)
	ProviderRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "provider_retries_total",
			Help: "Total number of retried provider calls",
		},
		[]string{"provider"},
	)
	ProviderFallbacksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "provider_fallbacks_total",
			Help: "Total number of calls served by a fallback provider",
		},
		[]string{"provider"},
	)
	ProviderCostUSDTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "provider_cost_usd_total",
			Help: "Accumulated estimated provider cost in USD",
		},
		[]string{"provider"},
	)
	CircuitBreakerStateGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state per provider (0=closed, 1=open, 2=half_open)",
		},
		[]string{"provider"},
	)
	ProviderUpGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "provider_up",
			Help: "Provider health probe result (1=healthy, 0=unhealthy)",
		},
		[]string{"provider"},
	)

	JobsEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_enqueued_total",
			Help: "Total number of jobs enqueued",
		},
		[]string{"type"},
	)
	JobsProcessing = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "jobs_processing",
			Help: "Number of jobs currently processing",
		},
		[]string{"type"},
	)
	JobsCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_completed_total",
			Help: "Total number of jobs completed",
		},
		[]string{"type"},
	)
	JobsFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_failed_total",
			Help: "Total number of jobs failed",
		},
		[]string{"type"},
	)
	JobsCancelledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_cancelled_total",
			Help: "Total number of jobs cancelled before completion",
		},
		[]string{"type"},
	)
	JobsDeadLetteredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_dead_lettered_total",
			Help: "Total number of jobs moved to the dead letter queue",
		},
		[]string{"reason"},
	)
	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "queue_depth",
			Help: "Number of jobs waiting in the priority queue",
		},
	)
	DLQDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dead_letter_queue_depth",
			Help: "Number of jobs parked in the dead letter queue",
		},
	)
	BatchSizeHistogram = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "batch_size",
			Help:    "Distribution of flushed batch sizes",
			Buckets: []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10},
		},
	)
	BatchFlushesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "batch_flushes_total",
			Help: "Total number of batch flushes by trigger",
		},
		[]string{"trigger"},
	)

	RateLimitedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rate_limited_total",
			Help: "Total number of requests rejected by rate limiting",
		},
		[]string{"scope"},
	)
	QuotaRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quota_rejected_total",
			Help: "Total number of requests rejected by quota enforcement",
		},
		[]string{"reason"},
	)

	RAGRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rag_requests_total",
			Help: "Total number of RAG requests by mode and cache outcome",
		},
		[]string{"mode", "cache"},
	)
	RAGStageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rag_stage_duration_seconds",
			Help:    "RAG pipeline stage duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
		[]string{"stage"},
	)
	// Answer quality distributions
	RAGConfidenceHistogram = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "rag_confidence",
			Help:    "Distribution of answer confidence (normalized fraction [0,1])",
			Buckets: []float64{0, 0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
		},
	)
	RAGGroundingHistogram = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "rag_grounding_overlap",
			Help:    "Distribution of answer/context term overlap ([0,1])",
			Buckets: []float64{0, 0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
		},
	)
)

func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(AIRequestsTotal)
	prometheus.MustRegister(AIRequestDuration)
	prometheus.MustRegister(ProviderRetriesTotal)
	prometheus.MustRegister(ProviderFallbacksTotal)
	prometheus.MustRegister(ProviderCostUSDTotal)
	prometheus.MustRegister(CircuitBreakerStateGauge)
	prometheus.MustRegister(JobsEnqueuedTotal)
	prometheus.MustRegister(JobsProcessing)
	prometheus.MustRegister(JobsCompletedTotal)
	prometheus.MustRegister(JobsFailedTotal)
	prometheus.MustRegister(JobsCancelledTotal)
	prometheus.MustRegister(JobsDeadLetteredTotal)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(DLQDepth)
	prometheus.MustRegister(BatchSizeHistogram)
	prometheus.MustRegister(BatchFlushesTotal)
	prometheus.MustRegister(RateLimitedTotal)
	prometheus.MustRegister(QuotaRejectedTotal)
	prometheus.MustRegister(ProviderUpGauge)
	prometheus.MustRegister(RAGRequestsTotal)
	prometheus.MustRegister(RAGStageDuration)
	prometheus.MustRegister(RAGConfidenceHistogram)
	prometheus.MustRegister(RAGGroundingHistogram)
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		// Route pattern may be unavailable outside chi router; guard nil
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			// fallback when route pattern is unavailable
			route = r.URL.Path
		}
		method := r.Method
		status := ww.Status()
		HTTPRequestsTotal.WithLabelValues(route, method, http.StatusText(status)).Inc()
		HTTPRequestDuration.WithLabelValues(route, method).Observe(dur)
	})
}

func EnqueueJob(jobType string) {
	JobsEnqueuedTotal.WithLabelValues(jobType).Inc()
}

func StartProcessingJob(jobType string) {
	JobsProcessing.WithLabelValues(jobType).Inc()
}

func CompleteJob(jobType string) {
	JobsProcessing.WithLabelValues(jobType).Dec()
	JobsCompletedTotal.WithLabelValues(jobType).Inc()
}

func FailJob(jobType string) {
	JobsProcessing.WithLabelValues(jobType).Dec()
	JobsFailedTotal.WithLabelValues(jobType).Inc()
}

func CancelJob(jobType string) {
	JobsProcessing.WithLabelValues(jobType).Dec()
	JobsCancelledTotal.WithLabelValues(jobType).Inc()
}

func DeadLetterJob(reason string) {
	JobsDeadLetteredTotal.WithLabelValues(reason).Inc()
}

// SetCircuitBreakerState mirrors a breaker transition into the state gauge.
func SetCircuitBreakerState(provider string, state CircuitBreakerState) {
	CircuitBreakerStateGauge.WithLabelValues(provider).Set(float64(state))
}

func ObserveBatchFlush(size int, trigger string) {
	BatchSizeHistogram.Observe(float64(size))
	BatchFlushesTotal.WithLabelValues(trigger).Inc()
}

func ObserveRAGStage(stage string, dur time.Duration) {
	RAGStageDuration.WithLabelValues(stage).Observe(dur.Seconds())
}

// ObserveAnswerQuality records the confidence and grounding overlap of a
// generated answer.
func ObserveAnswerQuality(confidence, overlap float64) {
	if confidence >= 0 && confidence <= 1 {
		RAGConfidenceHistogram.Observe(confidence)
	}
	if overlap >= 0 && overlap <= 1 {
		RAGGroundingHistogram.Observe(overlap)
	}
}
