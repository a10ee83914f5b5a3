package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryCounter keeps counters in process memory. It is only correct for a
// single server instance.
type MemoryCounter struct {
	mu     sync.Mutex
	counts map[string]int64
	after  afterFunc
}

// NewMemoryCounter creates an empty in-process counter
func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{
		counts: make(map[string]int64),
		after:  realAfterFunc,
	}
}

func (m *MemoryCounter) Increment(ctx context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	prior := m.counts[key]
	m.counts[key] = prior + 1
	return prior, nil
}

func (m *MemoryCounter) ScheduleDecrement(ctx context.Context, key string, after time.Duration) error {
	m.after(after, func() { m.decrement(key) })
	return nil
}

func (m *MemoryCounter) Count(ctx context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[key], nil
}

// Keys returns the number of clients currently tracked
func (m *MemoryCounter) Keys() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.counts)
}

func (m *MemoryCounter) decrement(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Drop the record at zero so idle clients do not accumulate.
	if n := m.counts[key] - 1; n > 0 {
		m.counts[key] = n
	} else {
		delete(m.counts, key)
	}
}
