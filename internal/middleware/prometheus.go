package middleware

import (
	"net/http"
	"time"

	"github.com/koios/mapgen/internal/metrics"
)

// PrometheusMetrics records request counts and latency by route pattern. No
// middleware between it and the ServeMux may replace the request, or the
// matched pattern is lost.
func PrometheusMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := newStatusRecorder(w)

		next.ServeHTTP(rec, r)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		metrics.RecordAPIRequest(r.Method, route, rec.statusCode, time.Since(start))
	})
}
