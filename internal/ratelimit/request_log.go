package ratelimit

import (
	"context"
	"sync"
	"time"
)

// RequestLogLimiter enforces an exact rolling window by remembering the
// time of every accepted request per client. Rejected probes are not
// recorded. State is process-local.
type RequestLogLimiter struct {
	mu     sync.Mutex
	log    map[string][]time.Time
	limit  int
	window time.Duration
	now    func() time.Time
}

func NewRequestLog(limit int, window time.Duration) *RequestLogLimiter {
	return &RequestLogLimiter{
		log:    make(map[string][]time.Time),
		limit:  limit,
		window: window,
		now:    time.Now,
	}
}

func (r *RequestLogLimiter) Allow(ctx context.Context, key string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	entries := r.prune(key, now)
	if len(entries) >= r.limit {
		return false, nil
	}

	r.log[key] = append(entries, now)
	return true, nil
}

func (r *RequestLogLimiter) Remaining(ctx context.Context, key string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	remaining := r.limit - len(r.prune(key, r.now()))
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

func (r *RequestLogLimiter) Limit() int {
	return r.limit
}

func (r *RequestLogLimiter) Window() time.Duration {
	return r.window
}

// prune drops timestamps that fell out of the window. Caller holds mu.
func (r *RequestLogLimiter) prune(key string, now time.Time) []time.Time {
	entries := r.log[key]
	cutoff := now.Add(-r.window)

	i := 0
	for i < len(entries) && !entries[i].After(cutoff) {
		i++
	}
	entries = entries[i:]

	if len(entries) == 0 {
		delete(r.log, key)
		return nil
	}
	r.log[key] = entries
	return entries
}
