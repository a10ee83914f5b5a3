package ratelimit

import (
	"time"
)

const (
	AlgorithmSlidingCounter = "sliding_counter"
	AlgorithmRequestLog     = "request_log"
)

// NewLimiter builds a limiter for the named algorithm. The request log keeps
// its own state and ignores counter. Unknown names fall back to the sliding
// counter.
func NewLimiter(algorithm string, counter Counter, limit int, window time.Duration) Limiter {
	switch algorithm {
	case AlgorithmRequestLog:
		return NewRequestLog(limit, window)
	case AlgorithmSlidingCounter:
		return NewSlidingCounter(counter, limit, window)
	default:
		return NewSlidingCounter(counter, limit, window)
	}
}
