package flowstore

import (
	"context"
	"sync"
	"time"
)

type memoryEntry[V any] struct {
	value     V
	expiresAt time.Time
}

// Memory is a process-local Store. Expired entries are hidden on read and
// physically removed by Sweep, which Run calls periodically.
type Memory[V any] struct {
	mu      sync.Mutex
	entries map[string]memoryEntry[V]
	now     func() time.Time
}

// MemoryOption configures a Memory store.
type MemoryOption func(*memoryConfig)

type memoryConfig struct {
	now func() time.Time
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) MemoryOption {
	return func(c *memoryConfig) {
		c.now = now
	}
}

// NewMemory returns an empty in-memory store.
func NewMemory[V any](opts ...MemoryOption) *Memory[V] {
	cfg := memoryConfig{now: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Memory[V]{
		entries: make(map[string]memoryEntry[V]),
		now:     cfg.now,
	}
}

func (m *Memory[V]) Put(_ context.Context, key string, v V, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.now().Before(expiresAt) {
		delete(m.entries, key)
		return nil
	}
	m.entries[key] = memoryEntry[V]{value: v, expiresAt: expiresAt}
	return nil
}

func (m *Memory[V]) Update(_ context.Context, key string, v V) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.lookup(key)
	if !ok {
		return ErrNotFound
	}
	e.value = v
	m.entries[key] = e
	return nil
}

func (m *Memory[V]) Get(_ context.Context, key string) (V, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.lookup(key)
	if !ok {
		var zero V
		return zero, ErrNotFound
	}
	return e.value, nil
}

func (m *Memory[V]) Take(_ context.Context, key string) (V, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.lookup(key)
	if !ok {
		var zero V
		return zero, ErrNotFound
	}
	delete(m.entries, key)
	return e.value, nil
}

func (m *Memory[V]) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

// lookup returns the live entry for key, dropping it if expired.
// Callers hold m.mu.
func (m *Memory[V]) lookup(key string) (memoryEntry[V], bool) {
	e, ok := m.entries[key]
	if !ok {
		return e, false
	}
	if !m.now().Before(e.expiresAt) {
		delete(m.entries, key)
		return e, false
	}
	return e, true
}

// Sweep removes every expired entry and returns how many were removed.
func (m *Memory[V]) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	n := 0
	for k, e := range m.entries {
		if !now.Before(e.expiresAt) {
			delete(m.entries, k)
			n++
		}
	}
	return n
}

// Len returns the number of stored entries, including expired ones not yet
// swept.
func (m *Memory[V]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Run sweeps every interval until ctx is done. It always returns nil so it
// can be used directly as an errgroup function.
func (m *Memory[V]) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			m.Sweep()
		}
	}
}

var _ Store[FlowState] = (*Memory[FlowState])(nil)
