package dedup

import (
	"context"
	"sync"
	"time"
)

// MemoryBackend is a process-local Backend. Only correct for a single
// gateway instance; use RedisBackend when running replicas.
// Safe for concurrent use.
type MemoryBackend struct {
	mu      sync.Mutex
	entries map[string]time.Time
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{entries: make(map[string]time.Time)}
}

func (m *MemoryBackend) SetIfAbsent(_ context.Context, key string, now time.Time, ttl time.Duration) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if first, ok := m.entries[key]; ok {
		if ttl <= 0 || now.Sub(first) < ttl {
			return first, false, nil
		}
	}
	m.entries[key] = now
	return now, true, nil
}

func (m *MemoryBackend) Sweep(_ context.Context, now time.Time, maxAge time.Duration, maxEntries int) (SweepStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var st SweepStats
	if maxAge > 0 {
		for k, first := range m.entries {
			if now.Sub(first) >= maxAge {
				delete(m.entries, k)
				st.Expired++
			}
		}
	}

	// Whole-map reset instead of fine-grained eviction: bounds memory
	// without a priority queue. The cost is a short window where repeats
	// are let through.
	if maxEntries > 0 && len(m.entries) > maxEntries {
		m.entries = make(map[string]time.Time)
		st.Reset = true
	}
	st.Remaining = len(m.entries)
	return st, nil
}

// Len returns the number of stored entries.
func (m *MemoryBackend) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
