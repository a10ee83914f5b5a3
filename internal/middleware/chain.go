package middleware

import (
	"net/http"

	"go.uber.org/zap"
)

// Chain applies middlewares so the first one listed runs outermost
func Chain(h http.Handler, middlewares ...func(http.Handler) http.Handler) http.Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}

// Stack wraps the service mux with the standard middleware. Recovery sits
// inside the access log and metrics so a recovered panic is still recorded
// as a 500.
func Stack(mux http.Handler, logger *zap.Logger) http.Handler {
	return Chain(mux,
		RequestID,
		Logger(logger),
		PrometheusMetrics,
		Recovery(logger),
	)
}
