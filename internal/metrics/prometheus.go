package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Session metrics
	SessionsCreated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hermes_sessions_created_total",
			Help: "Total number of sessions created",
		},
	)

	AuthSuccess = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hermes_auth_success_total",
			Help: "Total number of successful authentications",
		},
	)

	SessionsSwept = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hermes_sessions_swept_total",
			Help: "Total number of expired sessions removed by the sweeper",
		},
	)

	RateLimited = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hermes_rate_limited_total",
			Help: "Total number of rate-limited requests",
		},
	)

	MessagesDeleted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hermes_messages_deleted_total",
			Help: "Total number of bot messages removed during cleanup",
		},
	)

	// Cache metrics
	CacheRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hermes_cache_requests_total",
			Help: "Cache store requests by outcome",
		},
		[]string{"outcome"}, // outcome: hit|miss|error
	)

	LocalCacheHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hermes_local_cache_hits_total",
			Help: "Session reads served from the in-process mirror",
		},
	)

	// Worker metrics
	WorkerExecutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hermes_worker_executions_total",
			Help: "Total number of worker executions",
		},
		[]string{"worker", "status"}, // status: success|error
	)

	WorkerDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hermes_worker_duration_seconds",
			Help:    "Worker execution duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"worker"},
	)

	// Upstream API metrics
	CRMRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hermes_crm_requests_total",
			Help: "Case-management API requests by endpoint and status",
		},
		[]string{"endpoint", "status"}, // status: success|error
	)
)

var registry = prometheus.NewRegistry()

func init() {
	registry.MustRegister(
		SessionsCreated,
		AuthSuccess,
		SessionsSwept,
		RateLimited,
		MessagesDeleted,
		CacheRequests,
		LocalCacheHits,
		WorkerExecutions,
		WorkerDuration,
		CRMRequests,
	)
}

// Handler returns the HTTP handler serving the metrics endpoint
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
