package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Turn metrics
	TurnsStarted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "supportd_turns_started_total",
			Help: "Total number of chat turns started",
		},
	)

	TurnsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "supportd_turns_completed_total",
			Help: "Total number of chat turns completed",
		},
		[]string{"query_type", "status"},
	)

	TurnDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "supportd_turn_duration_seconds",
			Help:    "Chat turn duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"query_type"},
	)

	// Router metrics
	QueriesRouted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "supportd_queries_routed_total",
			Help: "Total number of queries routed by resolved query type",
		},
		[]string{"query_type"},
	)

	RouterFallbacks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "supportd_router_fallbacks_total",
			Help: "Total number of keyword fallbacks after classifier failure",
		},
	)

	// Semantic cache metrics
	CacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "supportd_cache_hits_total",
			Help: "Total number of semantic cache hits",
		},
	)

	CacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "supportd_cache_misses_total",
			Help: "Total number of semantic cache misses",
		},
	)

	CacheWriteBacks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "supportd_cache_writebacks_total",
			Help: "Total number of answers written back to the semantic cache",
		},
	)

	// Vector DB metrics
	VectorSearches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "supportd_vector_search_total",
			Help: "Total number of vector searches",
		},
		[]string{"collection", "status"},
	)

	VectorSearchLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "supportd_vector_search_latency_seconds",
			Help:    "Vector search latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"collection"},
	)

	// Embedding metrics
	EmbeddingRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "supportd_embedding_requests_total",
			Help: "Total number of embedding requests",
		},
		[]string{"model", "status"},
	)

	EmbeddingLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "supportd_embedding_latency_seconds",
			Help:    "Embedding generation latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"model"},
	)

	// Relational retrieval metrics
	OrderLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "supportd_order_lookups_total",
			Help: "Total number of order lookups",
		},
		[]string{"status"},
	)

	OrderLookupLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "supportd_order_lookup_latency_seconds",
			Help:    "Order lookup latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// LLM metrics
	LLMRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "supportd_llm_requests_total",
			Help: "Total number of chat completion requests",
		},
		[]string{"purpose", "status"},
	)

	LLMLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "supportd_llm_latency_seconds",
			Help:    "Chat completion latency in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"purpose"},
	)

	// Groundedness metrics
	GroundednessVerdicts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "supportd_groundedness_verdicts_total",
			Help: "Total number of groundedness verdicts",
		},
		[]string{"verdict"},
	)

	GenerationRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "supportd_generation_retries_total",
			Help: "Total number of generation retries after a non-grounded verdict",
		},
	)

	// Session metrics
	SessionsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "supportd_sessions_created_total",
			Help: "Total number of sessions created",
		},
	)

	SessionsClosed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "supportd_sessions_closed_total",
			Help: "Total number of sessions closed",
		},
	)

	SessionStoreOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "supportd_session_store_ops_total",
			Help: "Total number of session store operations",
		},
		[]string{"operation", "status"},
	)

	SummariesGenerated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "supportd_summaries_generated_total",
			Help: "Total number of session summaries generated",
		},
		[]string{"status"},
	)

	// Escalation metrics
	Escalations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "supportd_escalations_total",
			Help: "Total number of sessions escalated to human agents",
		},
	)

	EscalationsClaimed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "supportd_escalations_claimed_total",
			Help: "Total number of escalations claimed by agents",
		},
	)

	NotificationsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "supportd_notifications_sent_total",
			Help: "Total number of escalation notifications attempted",
		},
		[]string{"status"},
	)

	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "supportd_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "supportd_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "supportd_http_requests_in_flight",
			Help: "Number of HTTP requests currently being served",
		},
	)
)

// RecordTurnMetrics records metrics for a completed chat turn.
func RecordTurnMetrics(queryType, status string, durationSeconds float64) {
	TurnsCompleted.WithLabelValues(queryType, status).Inc()
	TurnDuration.WithLabelValues(queryType).Observe(durationSeconds)
}

// RecordVectorSearchMetrics records vector search metrics.
func RecordVectorSearchMetrics(collection, status string, durationSeconds float64) {
	VectorSearches.WithLabelValues(collection, status).Inc()
	if durationSeconds > 0 {
		VectorSearchLatency.WithLabelValues(collection).Observe(durationSeconds)
	}
}

// RecordEmbeddingMetrics records embedding metrics.
func RecordEmbeddingMetrics(model, status string, durationSeconds float64) {
	EmbeddingRequests.WithLabelValues(model, status).Inc()
	if durationSeconds > 0 {
		EmbeddingLatency.WithLabelValues(model).Observe(durationSeconds)
	}
}

// RecordLLMMetrics records chat completion metrics.
func RecordLLMMetrics(purpose, status string, durationSeconds float64) {
	LLMRequests.WithLabelValues(purpose, status).Inc()
	if durationSeconds > 0 {
		LLMLatency.WithLabelValues(purpose).Observe(durationSeconds)
	}
}

// RecordSessionStoreOp records a session store operation result.
func RecordSessionStoreOp(operation string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	SessionStoreOps.WithLabelValues(operation, status).Inc()
}

// RecordHTTPMetrics records metrics for a served HTTP request.
func RecordHTTPMetrics(route, method, status string, durationSeconds float64) {
	HTTPRequestsTotal.WithLabelValues(route, method, status).Inc()
	HTTPRequestDuration.WithLabelValues(route).Observe(durationSeconds)
}
