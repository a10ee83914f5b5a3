package ratelimit

import (
	"context"
	"time"
)

// Limiter decides whether a client may make another request
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)

	Remaining(ctx context.Context, key string) (int, error)

	Limit() int

	Window() time.Duration
}

// Counter is a per-key live counter whose increments are undone after a
// delay. Implementations must serialize updates to the same key and must
// never let a count drop below zero.
type Counter interface {
	// Increment adds one to key and returns the value before the increment.
	Increment(ctx context.Context, key string) (int64, error)

	// ScheduleDecrement removes one from key once after has elapsed.
	ScheduleDecrement(ctx context.Context, key string, after time.Duration) error

	Count(ctx context.Context, key string) (int64, error)
}

// afterFunc matches time.AfterFunc so tests can fire expirations by hand
type afterFunc func(d time.Duration, f func())

func realAfterFunc(d time.Duration, f func()) {
	time.AfterFunc(d, f)
}
