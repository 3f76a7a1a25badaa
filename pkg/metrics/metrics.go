// Package metrics holds the service's prometheus collectors.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "flywheel_build_info",
			Help: "Build information of the flywheel service",
		},
		[]string{"version", "commit", "date"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flywheel_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "flywheel_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "flywheel_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed",
		},
	)

	// Pipeline metrics
	CyclesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flywheel_cycles_total",
			Help: "Total number of pipeline runs by outcome",
		},
		[]string{"status"}, // "disbursed", "skipped", "already_executed", "not_configured", "error"
	)

	PipelineDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "flywheel_pipeline_duration_seconds",
			Help:    "Duration of full pipeline runs in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 100ms to ~410s
		},
	)

	ClaimedLamportsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "flywheel_claimed_lamports_total",
			Help: "Total lamports observed as claimed creator fees",
		},
	)

	DisbursedLamportsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flywheel_disbursed_lamports_total",
			Help: "Total lamports forwarded to holders or spent on buybacks",
		},
		[]string{"mode"}, // "forward", "buyback"
	)

	TokensBoughtTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "flywheel_tokens_bought_total",
			Help: "Total project tokens received from buybacks (raw units)",
		},
	)

	// Upstream call metrics
	UpstreamRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flywheel_upstream_requests_total",
			Help: "Total calls to upstream collaborators",
		},
		[]string{"collaborator", "status"}, // collaborator: "chain", "trade", "wallet", "ledger"
	)
)

// Middleware returns a chi middleware that records HTTP metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		HTTPRequestsInFlight.Inc()
		defer HTTPRequestsInFlight.Dec()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		// Use the route pattern if available, otherwise use the path
		path := chi.RouteContext(r.Context()).RoutePattern()
		if path == "" {
			path = r.URL.Path
		}

		status := strconv.Itoa(ww.Status())
		duration := time.Since(start).Seconds()

		HTTPRequestsTotal.WithLabelValues(r.Method, path, status).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// RecordUpstream records one upstream collaborator call.
func RecordUpstream(collaborator string, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	UpstreamRequestsTotal.WithLabelValues(collaborator, status).Inc()
}
