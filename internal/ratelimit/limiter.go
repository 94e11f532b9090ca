package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Limiter decides whether a caller may perform another rate-limited action.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// Memory is a sliding-window limiter held in process memory.
type Memory struct {
	mu     sync.Mutex
	calls  map[string][]time.Time
	limit  int
	window time.Duration

	now func() time.Time
}

var _ Limiter = (*Memory)(nil)

func NewMemory(limit int, window time.Duration) *Memory {
	return &Memory{
		calls:  make(map[string][]time.Time),
		limit:  limit,
		window: window,
		now:    time.Now,
	}
}

func (m *Memory) Allow(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	windowStart := now.Add(-m.window)

	kept := m.calls[key][:0]
	for _, t := range m.calls[key] {
		if t.After(windowStart) {
			kept = append(kept, t)
		}
	}
	m.calls[key] = kept

	if len(kept) < m.limit {
		m.calls[key] = append(kept, now)
		return true, nil
	}
	return false, nil
}
