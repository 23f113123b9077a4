// Package observability registers the Prometheus metrics sigresolve's core
// emits against. The core components only ever call these package-level
// vars; the registry itself is assumed concurrency-safe (promauto/
// client_golang guarantee it).
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var durationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

var (
	// HTTPRequestsTotal counts every inbound HTTP request by method+path.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests received",
	}, []string{"method", "path"})

	// HTTPResponsesTotal counts every HTTP response by method+path+status.
	HTTPResponsesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_responses_total",
		Help: "Total number of HTTP responses sent",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks end-to-end request handling latency.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request handling duration in seconds",
		Buckets: durationBuckets,
	}, []string{"method", "path"})

	// WorkerErrorsTotal counts preprocessor failures surfaced by the pool.
	WorkerErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "worker_errors_total",
		Help: "Total number of worker evaluation errors",
	}, []string{"player_id", "message"})

	// PlayerScriptFetchesTotal counts upstream player-script downloads by
	// resulting HTTP status text.
	PlayerScriptFetchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "player_script_fetches_total",
		Help: "Total number of upstream player script fetches",
	}, []string{"url", "status"})

	// PlayerURLRequestsTotal counts requests for a given player host.
	PlayerURLRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "player_url_requests_total",
		Help: "Total number of player URL requests by host",
	}, []string{"host"})

	// CacheSize publishes the current size of each cache on mutation.
	CacheSize = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "cache_size",
		Help: "Current number of entries held by a cache",
	}, []string{"cache_name"})

	// PoolWorkers publishes the worker pool's current composition by state.
	PoolWorkers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sigresolve_pool_workers",
		Help: "Current number of pool workers by state (idle, in_flight, quarantined)",
	}, []string{"state"})

	// PoolRecoveryFailures publishes the worker pool's consecutive
	// scheduling-pass failure count.
	PoolRecoveryFailures = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sigresolve_pool_recovery_failures",
		Help: "Consecutive scheduling-pass failures observed by the worker pool",
	})

	// PoolFatal is 1 once the pool has latched a fatal error, 0 otherwise.
	PoolFatal = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sigresolve_pool_fatal",
		Help: "1 if the worker pool has latched a fatal error and stopped accepting work",
	})
)
