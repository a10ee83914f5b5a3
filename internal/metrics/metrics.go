package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mapgen_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mapgen_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: []float64{0.005, 0.05, 0.25, 1, 5, 15, 30, 60, 120},
		},
		[]string{"method", "route"},
	)

	// Generation pipeline
	GenerationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mapgen_generations_total",
			Help: "Map generation requests by the stage they ended in",
		},
		[]string{"stage", "outcome"}, // outcome: success, error
	)

	RateLimitRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mapgen_rate_limit_rejections_total",
			Help: "Requests rejected by the per-client rate limiter",
		},
	)

	// Renderer
	RenderDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mapgen_render_duration_seconds",
			Help:    "Wall time of renderer invocations",
			Buckets: []float64{1, 2.5, 5, 10, 20, 30, 60, 120, 300},
		},
		[]string{"result"},
	)

	RendersInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mapgen_renders_in_flight",
			Help: "Renderer processes currently running",
		},
	)

	RenderQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mapgen_render_queue_depth",
			Help: "Render jobs waiting for a free worker",
		},
	)

	// Artifact storage
	ArtifactsEvicted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mapgen_artifacts_evicted_total",
			Help: "Stale map files deleted by eviction",
		},
	)

	EvictionFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mapgen_eviction_failures_total",
			Help: "Map files or directories eviction could not process",
		},
	)
)

// RecordAPIRequest records one served HTTP request
func RecordAPIRequest(method, route string, status int, duration time.Duration) {
	APIRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	APIRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordGeneration records where a generation request finished
func RecordGeneration(stage string, success bool) {
	outcome := "error"
	if success {
		outcome = "success"
	}
	GenerationsTotal.WithLabelValues(stage, outcome).Inc()
}

// RecordRender records a renderer invocation
func RecordRender(result string, duration time.Duration) {
	RenderDuration.WithLabelValues(result).Observe(duration.Seconds())
}
