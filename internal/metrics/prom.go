package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name:        "mcpgate_build_info",
			Help:        "Build information",
			ConstLabels: prometheus.Labels{"component": "gateway"},
		},
		[]string{"date", "sha", "version"},
	)

	rpcRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcpgate_rpc_requests_total",
			Help: "JSON-RPC requests by method and outcome",
		},
		[]string{"method", "outcome"},
	)

	rpcDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mcpgate_rpc_duration_seconds",
			Help:    "Time spent executing a JSON-RPC request",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "transport"},
	)

	rateLimited = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcpgate_rate_limited_total",
			Help: "Requests rejected by the rate limiter",
		},
		[]string{"tier"},
	)

	quotaStoreErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mcpgate_quota_store_errors_total",
			Help: "Quota store failures",
		},
	)

	sessionsOpen = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mcpgate_sessions_open",
			Help: "Stream sessions currently held open by this instance",
		},
	)

	relayErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcpgate_relay_errors_total",
			Help: "Relay store failures by operation",
		},
		[]string{"op"},
	)

	streamChunks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcpgate_stream_chunks_total",
			Help: "Incremental tool chunks delivered",
		},
		[]string{"transport"},
	)
)

// Register registers all metrics with the provided registerer.
func Register(r prometheus.Registerer) {
	r.MustRegister(buildInfo, rpcRequests, rpcDuration, rateLimited, quotaStoreErrors, sessionsOpen, relayErrors, streamChunks)
}

// SetBuildInfo sets the build info metric.
func SetBuildInfo(version, sha, date string) {
	buildInfo.WithLabelValues(date, sha, version).Set(1)
}

// RecordRequest counts a finished request. outcome is "ok" or an error kind.
func RecordRequest(method, outcome string) {
	rpcRequests.WithLabelValues(method, outcome).Inc()
}

// ObserveDuration records how long a request took to execute.
func ObserveDuration(method, transport string, d time.Duration) {
	rpcDuration.WithLabelValues(method, transport).Observe(d.Seconds())
}

// RecordRateLimited counts a rejection by the given tier.
func RecordRateLimited(tier string) {
	rateLimited.WithLabelValues(tier).Inc()
}

// RecordQuotaStoreError counts a quota store failure.
func RecordQuotaStoreError() {
	quotaStoreErrors.Inc()
}

// SessionOpened increments the open session gauge.
func SessionOpened() { sessionsOpen.Inc() }

// SessionClosed decrements the open session gauge.
func SessionClosed() { sessionsOpen.Dec() }

// RecordRelayError counts a relay store failure for op.
func RecordRelayError(op string) {
	relayErrors.WithLabelValues(op).Inc()
}

// RecordStreamChunk counts one delivered chunk.
func RecordStreamChunk(transport string) {
	streamChunks.WithLabelValues(transport).Inc()
}
