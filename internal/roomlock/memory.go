package roomlock

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nextlevelbuilder/roomgate/internal/metrics"
)

type cell struct {
	holder     string
	acquiredAt time.Time
}

// MemoryLocker is a process-local Locker. Correct only while a single
// gateway instance serves a room; replicas need RedisLocker.
type MemoryLocker struct {
	mu    sync.Mutex
	rooms map[string]*cell // present = locked
	lease time.Duration
	now   func() time.Time
}

// NewMemoryLocker creates a locker with the given lease (0 disables it).
func NewMemoryLocker(lease time.Duration) *MemoryLocker {
	return &MemoryLocker{
		rooms: make(map[string]*cell),
		lease: lease,
		now:   time.Now,
	}
}

func (m *MemoryLocker) expired(c *cell, now time.Time) bool {
	return m.lease > 0 && now.Sub(c.acquiredAt) >= m.lease
}

func (m *MemoryLocker) expiresAt(acquiredAt time.Time) time.Time {
	if m.lease <= 0 {
		return time.Time{}
	}
	return acquiredAt.Add(m.lease)
}

func (m *MemoryLocker) TryAcquire(_ context.Context, roomID, holder string) (Result, error) {
	if roomID == "" {
		return Result{}, ErrEmptyRoom
	}
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	if c, ok := m.rooms[roomID]; ok {
		if !m.expired(c, now) {
			metrics.LockAcquire.WithLabelValues("busy").Inc()
			return Result{
				CurrentHolder: c.holder,
				AcquiredAt:    c.acquiredAt,
				ExpiresAt:     m.expiresAt(c.acquiredAt),
			}, nil
		}
		slog.Warn("roomlock.lease_expired",
			"room", roomID,
			"stale_holder", c.holder,
			"held_for", now.Sub(c.acquiredAt).Round(time.Millisecond),
			"new_holder", holder,
		)
		metrics.LockLeaseExpired.Inc()
	}

	m.rooms[roomID] = &cell{holder: holder, acquiredAt: now}
	metrics.LockAcquire.WithLabelValues("acquired").Inc()
	return Result{
		Acquired:      true,
		CurrentHolder: holder,
		AcquiredAt:    now,
		ExpiresAt:     m.expiresAt(now),
	}, nil
}

func (m *MemoryLocker) Release(_ context.Context, roomID, holder string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.rooms[roomID]
	if !ok {
		return nil
	}
	if holder != "" && c.holder != holder {
		slog.Debug("roomlock: release by non-holder ignored", "room", roomID, "holder", c.holder, "caller", holder)
		return nil
	}
	delete(m.rooms, roomID)
	metrics.LockHoldSeconds.Observe(m.now().Sub(c.acquiredAt).Seconds())
	return nil
}

func (m *MemoryLocker) Snapshot(_ context.Context, roomID string) (State, error) {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	st := State{RoomID: roomID}
	if c, ok := m.rooms[roomID]; ok && !m.expired(c, now) {
		st.Locked = true
		st.Holder = c.holder
		st.AcquiredAt = c.acquiredAt
		st.ExpiresAt = m.expiresAt(c.acquiredAt)
	}
	return st, nil
}

// Reap drops every lock whose lease ran out and returns how many it
// dropped. Acquirers already ignore expired locks; reaping makes the
// eviction visible in logs even when nobody contends for the room.
func (m *MemoryLocker) Reap(context.Context) int {
	if m.lease <= 0 {
		return 0
	}
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for roomID, c := range m.rooms {
		if m.expired(c, now) {
			slog.Warn("roomlock.lease_expired", "room", roomID, "stale_holder", c.holder, "held_for", now.Sub(c.acquiredAt).Round(time.Millisecond))
			metrics.LockLeaseExpired.Inc()
			delete(m.rooms, roomID)
			n++
		}
	}
	return n
}
