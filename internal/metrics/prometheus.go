// Package metrics provides Prometheus metrics for observability.
package metrics

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// LockOperations tracks lock operations by backend, operation and result.
	LockOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lock_operations_total",
			Help: "Total lock operations by backend, operation and result",
		},
		[]string{"backend", "operation", "result"},
	)

	// LockBackendDuration tracks how long the backend took per operation.
	LockBackendDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lock_backend_duration_seconds",
			Help:    "Lock backend call duration in seconds",
			Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
		[]string{"backend", "operation"},
	)

	// LockCASRetries tracks compare-and-swap attempts lost to a concurrent writer.
	LockCASRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lock_cas_retries_total",
			Help: "Total compare-and-swap retries by backend and operation",
		},
		[]string{"backend", "operation"},
	)

	// SweeperRemoved tracks expired lock records deleted by the sweeper.
	SweeperRemoved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lock_sweeper_removed_total",
			Help: "Total expired lock records removed by the sweeper",
		},
		[]string{"backend"},
	)

	// Leader is 1 while this replica holds maintenance leadership.
	Leader = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lock_leader",
			Help: "Whether this replica is the maintenance leader",
		},
	)

	// HTTPRequestsTotal tracks total HTTP requests.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration tracks HTTP request duration.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// GRPCRequestsTotal tracks total gRPC requests.
	GRPCRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grpc_requests_total",
			Help: "Total gRPC requests by method and status",
		},
		[]string{"method", "status"},
	)
)

// RegisterMetricsEndpoint registers the /metrics endpoint on a Gin router.
func RegisterMetricsEndpoint(router *gin.Engine) {
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

// RegisterMetricsEndpointWithPath registers the metrics endpoint at a custom path.
func RegisterMetricsEndpointWithPath(router *gin.Engine, path string) {
	router.GET(path, gin.WrapH(promhttp.Handler()))
}

// MetricsHandler returns the Prometheus HTTP handler.
func MetricsHandler() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}

// RecordLockOperation records the result of a lock operation.
func RecordLockOperation(backend, operation, result string) {
	LockOperations.WithLabelValues(backend, operation, result).Inc()
}

// RecordBackendDuration records how long a backend call took.
func RecordBackendDuration(backend, operation string, seconds float64) {
	LockBackendDuration.WithLabelValues(backend, operation).Observe(seconds)
}

// RecordCASRetry records a lost compare-and-swap attempt.
func RecordCASRetry(backend, operation string) {
	LockCASRetries.WithLabelValues(backend, operation).Inc()
}

// RecordSweeperRemoved records records deleted by one sweep.
func RecordSweeperRemoved(backend string, count int64) {
	SweeperRemoved.WithLabelValues(backend).Add(float64(count))
}

// SetLeader sets the leadership gauge.
func SetLeader(leader bool) {
	if leader {
		Leader.Set(1)
		return
	}
	Leader.Set(0)
}

// RecordHTTPRequest records an HTTP request.
func RecordHTTPRequest(method, path, status string) {
	HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordHTTPRequestDuration records HTTP request duration.
func RecordHTTPRequestDuration(method, path string, seconds float64) {
	HTTPRequestDuration.WithLabelValues(method, path).Observe(seconds)
}

// RecordGRPCRequest records a gRPC request.
func RecordGRPCRequest(method, status string) {
	GRPCRequestsTotal.WithLabelValues(method, status).Inc()
}
