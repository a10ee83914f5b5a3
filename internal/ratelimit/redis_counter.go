package ratelimit

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// counterStore is the subset of the Redis client the shared counter needs
type counterStore interface {
	IncrWithExpiry(ctx context.Context, key string, ttl time.Duration) (int64, error)
	DecrFloorZero(ctx context.Context, key string) (int64, error)
	GetInt(ctx context.Context, key string) (int64, error)
}

// RedisCounter shares counters between server instances through Redis.
// Decrements are still scheduled by the instance that incremented, so every
// increment carries a TTL that caps how long a crashed instance can hold
// capacity.
type RedisCounter struct {
	store  counterStore
	ttl    time.Duration
	logger *zap.Logger
	after  afterFunc
}

// NewRedisCounter creates a shared counter. ttl should exceed the limiter window.
func NewRedisCounter(store counterStore, ttl time.Duration, logger *zap.Logger) *RedisCounter {
	return &RedisCounter{
		store:  store,
		ttl:    ttl,
		logger: logger,
		after:  realAfterFunc,
	}
}

func redisKey(key string) string {
	return fmt.Sprintf("ratelimit:counter:%s", key)
}

func (r *RedisCounter) Increment(ctx context.Context, key string) (int64, error) {
	n, err := r.store.IncrWithExpiry(ctx, redisKey(key), r.ttl)
	if err != nil {
		return 0, err
	}
	return n - 1, nil
}

func (r *RedisCounter) ScheduleDecrement(ctx context.Context, key string, after time.Duration) error {
	r.after(after, func() {
		// The request context is long gone by now.
		decCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()

		if _, err := r.store.DecrFloorZero(decCtx, redisKey(key)); err != nil {
			r.logger.Warn("Failed to expire rate limit increment",
				zap.String("client", key),
				zap.Error(err))
		}
	})
	return nil
}

func (r *RedisCounter) Count(ctx context.Context, key string) (int64, error) {
	return r.store.GetInt(ctx, redisKey(key))
}
