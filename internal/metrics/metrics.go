// Package metrics exposes Prometheus collectors for the supervision engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Job outcome labels.
const (
	OutcomeSucceeded    = "succeeded"
	OutcomeReleased     = "released"
	OutcomeDeadLettered = "dead_lettered"
	OutcomeFailed       = "settle_failed"
)

var (
	jobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "horizon_jobs_total",
			Help: "Total number of job attempts, labeled by queue and outcome.",
		},
		[]string{"queue", "outcome"},
	)

	jobRuntimeSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "horizon_job_runtime_seconds",
			Help:    "Histogram of job runtimes, labeled by queue.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300},
		},
		[]string{"queue"},
	)

	workersKilledTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "horizon_workers_killed_total",
			Help: "Total number of worker processes force-killed, labeled by reason.",
		},
		[]string{"reason"},
	)

	spawnFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "horizon_spawn_failures_total",
			Help: "Total number of failed worker spawns, labeled by supervisor.",
		},
		[]string{"supervisor"},
	)

	poolProcesses = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "horizon_pool_processes",
			Help: "Live worker processes per pool.",
		},
		[]string{"supervisor", "pool"},
	)

	poolTarget = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "horizon_pool_target",
			Help: "Balancer target process count per pool.",
		},
		[]string{"supervisor", "pool"},
	)

	queuePending = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "horizon_queue_pending",
			Help: "Jobs ready to be reserved, labeled by queue.",
		},
		[]string{"queue"},
	)

	leaseRenewFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "horizon_lease_renew_failures_total",
			Help: "Total number of lease renewals that failed on a storage error.",
		},
		[]string{"supervisor"},
	)

	supervisorRestartsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "horizon_supervisor_restarts_total",
			Help: "Total number of supervisor restarts by the master.",
		},
		[]string{"supervisor"},
	)

	snapshotsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "horizon_snapshots_total",
			Help: "Total number of snapshot attempts, labeled by result.",
		},
		[]string{"result"},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests, labeled by method and code.",
		},
		[]string{"method", "code"},
	)

	rateLimitedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "horizon_rate_limited_total",
			Help: "Total number of requests refused by a rate limiter, labeled by limiter.",
		},
		[]string{"limiter"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, labeled by method and route.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"method", "route"},
	)
)

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveJob records one settled job attempt.
func ObserveJob(queue, outcome string, runtime time.Duration) {
	jobsTotal.WithLabelValues(queue, outcome).Inc()
	jobRuntimeSeconds.WithLabelValues(queue).Observe(runtime.Seconds())
}

// ObserveWorkerKilled increments the force-kill counter.
func ObserveWorkerKilled(reason string) {
	workersKilledTotal.WithLabelValues(reason).Inc()
}

// ObserveSpawnFailure increments the spawn failure counter.
func ObserveSpawnFailure(supervisor string) {
	spawnFailuresTotal.WithLabelValues(supervisor).Inc()
}

// SetPool publishes the live and target process counts of a pool.
func SetPool(supervisor, pool string, processes, target int) {
	poolProcesses.WithLabelValues(supervisor, pool).Set(float64(processes))
	poolTarget.WithLabelValues(supervisor, pool).Set(float64(target))
}

// ForgetPool removes the gauges of a pool that no longer exists.
func ForgetPool(supervisor, pool string) {
	poolProcesses.DeleteLabelValues(supervisor, pool)
	poolTarget.DeleteLabelValues(supervisor, pool)
}

// SetQueuePending publishes the ready length of a queue.
func SetQueuePending(queue string, pending int64) {
	queuePending.WithLabelValues(queue).Set(float64(pending))
}

// ObserveLeaseRenewFailure increments the lease renewal failure counter.
func ObserveLeaseRenewFailure(supervisor string) {
	leaseRenewFailuresTotal.WithLabelValues(supervisor).Inc()
}

// ObserveSupervisorRestart increments the restart counter.
func ObserveSupervisorRestart(supervisor string) {
	supervisorRestartsTotal.WithLabelValues(supervisor).Inc()
}

// ObserveSnapshot counts a snapshot attempt ("committed", "skipped" or "failed").
func ObserveSnapshot(result string) {
	snapshotsTotal.WithLabelValues(result).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveRateLimited counts a request refused by the named limiter.
func ObserveRateLimited(limiter string) {
	rateLimitedTotal.WithLabelValues(limiter).Inc()
}

// Middleware is a chi middleware that records HTTP request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)

		route := "unknown"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		ObserveHTTPRequest(r.Method, route, ww.status, time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.status = code
	rec.ResponseWriter.WriteHeader(code)
}
