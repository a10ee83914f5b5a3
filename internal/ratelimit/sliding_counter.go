package ratelimit

import (
	"context"
	"time"
)

// SlidingCounterLimiter approximates a sliding window: every probe
// increments the client's counter and schedules a matching decrement one
// window later. A probe is allowed when the count before it was under the
// limit. Rejected probes count too, so a client that keeps hammering stays
// blocked.
type SlidingCounterLimiter struct {
	counter Counter
	limit   int
	window  time.Duration
}

func NewSlidingCounter(counter Counter, limit int, window time.Duration) *SlidingCounterLimiter {
	return &SlidingCounterLimiter{
		counter: counter,
		limit:   limit,
		window:  window,
	}
}

func (s *SlidingCounterLimiter) Allow(ctx context.Context, key string) (bool, error) {
	prior, err := s.counter.Increment(ctx, key)
	if err != nil {
		return false, err
	}

	if err := s.counter.ScheduleDecrement(ctx, key, s.window); err != nil {
		return false, err
	}

	return prior < int64(s.limit), nil
}

func (s *SlidingCounterLimiter) Remaining(ctx context.Context, key string) (int, error) {
	count, err := s.counter.Count(ctx, key)
	if err != nil {
		return 0, err
	}

	remaining := s.limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

func (s *SlidingCounterLimiter) Limit() int {
	return s.limit
}

func (s *SlidingCounterLimiter) Window() time.Duration {
	return s.window
}
