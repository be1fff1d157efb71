// Package telemetry exposes Prometheus metrics for the pipeline.
package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	pipelineItemsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_items_total",
			Help: "Total work items processed, labeled by phase and outcome.",
		},
		[]string{"phase", "outcome"},
	)

	pipelineNetworkErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_network_errors_total",
			Help: "Total connectivity-classified item failures, labeled by phase.",
		},
		[]string{"phase"},
	)

	pipelinePhaseGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pipeline_current_phase",
			Help: "1 for the phase the orchestrator is currently running, 0 otherwise.",
		},
		[]string{"phase"},
	)

	poolInUse = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pipeline_pool_in_use",
			Help: "Browser sessions currently on loan from the pool.",
		},
	)

	poolAcquireTimeoutsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pipeline_pool_acquire_timeouts_total",
			Help: "Total pool acquires that timed out exhausted.",
		},
	)

	rateLimitRejectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_rate_limit_rejections_total",
			Help: "Total sliding-window rejections, labeled by limiter key.",
		},
		[]string{"key"},
	)

	rateLimitDelaySeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pipeline_rate_limit_delay_seconds",
			Help:    "Histogram of rate limit wait durations, labeled by limiter key.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"key"},
	)

	structuringCostTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pipeline_structuring_cost_dollars_total",
			Help: "Accumulated structuring-call cost estimate in dollars.",
		},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests, labeled by method and code.",
		},
		[]string{"method", "code"},
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

// Handler returns the standard Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware is a chi middleware that records HTTP request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(ww, r)

		routePattern := chi.RouteContext(r.Context()).RoutePattern()
		if routePattern == "" {
			routePattern = "unknown"
		}
		ObserveHTTPRequest(r.Method, routePattern, ww.statusCode, time.Since(start))
	})
}

// statusRecorder wraps http.ResponseWriter to capture the status code.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.statusCode = code
	rec.ResponseWriter.WriteHeader(code)
}

// ObserveItem records a work item outcome.
func ObserveItem(phase, outcome string) {
	pipelineItemsTotal.WithLabelValues(phase, outcome).Inc()
}

// ObserveNetworkError records a connectivity-classified item failure.
func ObserveNetworkError(phase string) {
	pipelineNetworkErrorsTotal.WithLabelValues(phase).Inc()
}

// SetCurrentPhase marks phase as the one currently running.
func SetCurrentPhase(phases []string, current string) {
	for _, p := range phases {
		v := 0.0
		if p == current {
			v = 1.0
		}
		pipelinePhaseGauge.WithLabelValues(p).Set(v)
	}
}

// IncPoolInUse increments the on-loan session count.
func IncPoolInUse() {
	poolInUse.Inc()
}

// DecPoolInUse decrements the on-loan session count.
func DecPoolInUse() {
	poolInUse.Dec()
}

// ObservePoolTimeout records an exhausted acquire.
func ObservePoolTimeout() {
	poolAcquireTimeoutsTotal.Inc()
}

// ObserveRateLimitRejection records one sliding-window rejection.
func ObserveRateLimitRejection(key string) {
	rateLimitRejectionsTotal.WithLabelValues(key).Inc()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(key string, duration time.Duration) {
	rateLimitDelaySeconds.WithLabelValues(key).Observe(duration.Seconds())
}

// AddStructuringCost adds one call's cost estimate to the run total.
func AddStructuringCost(dollars float64) {
	if dollars > 0 {
		structuringCostTotal.Add(dollars)
	}
}

// ObserveHTTPRequest records metrics for an HTTP request.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
