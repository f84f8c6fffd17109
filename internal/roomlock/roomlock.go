// Package roomlock provides the single-responder lock: at most one reply
// pipeline holds a given room at any instant.
//
// A busy room is an ordinary result (Acquired=false), not an error. Errors
// are reserved for backend failures and are always returned to the caller:
// a swallowed lock failure would break mutual exclusion.
//
// Locks carry a lease. A holder that exceeds it (crashed or hung task) is
// evicted by the next acquirer and the eviction is logged. A zero lease
// disables expiry.
package roomlock

import (
	"context"
	"errors"
	"time"
)

// DefaultLease bounds how long a single reply turn may hold a room.
const DefaultLease = 5 * time.Minute

// ErrEmptyRoom is returned for an empty room ID.
var ErrEmptyRoom = errors.New("roomlock: empty room id")

// Result is the outcome of TryAcquire.
type Result struct {
	Acquired bool
	// CurrentHolder is the holder after the call: the caller when Acquired,
	// otherwise whoever holds the room.
	CurrentHolder string
	AcquiredAt    time.Time
	ExpiresAt     time.Time // zero when the lease is disabled
}

// State is a point-in-time view of one room's lock.
type State struct {
	RoomID     string    `json:"roomId"`
	Locked     bool      `json:"locked"`
	Holder     string    `json:"holder,omitempty"`
	AcquiredAt time.Time `json:"acquiredAt,omitempty"`
	ExpiresAt  time.Time `json:"expiresAt,omitempty"`
}

// Locker is the room mutual-exclusion primitive.
type Locker interface {
	// TryAcquire takes the room for holder if it is unlocked (or its lease
	// ran out). It never blocks waiting for the current holder.
	TryAcquire(ctx context.Context, roomID, holder string) (Result, error)

	// Release unlocks the room. It is idempotent. With a non-empty holder
	// the room is only released if that holder still owns it, so a holder
	// evicted by lease expiry cannot unlock its successor.
	Release(ctx context.Context, roomID, holder string) error

	// Snapshot returns the room's current state.
	Snapshot(ctx context.Context, roomID string) (State, error)
}
