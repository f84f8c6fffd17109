// Package dedup guards the intake path against processing the same logical
// message twice: FingerprintStore catches repeated (sender, room, content)
// submissions inside a short window, TurnRegistry catches repeated turn IDs.
//
// Both guards fail open. A backend error is logged and counted, and the
// request is treated as not-duplicate, so a broken store can never block
// real traffic. The stricter invariant (one responder per room) is enforced
// by the room lock, which fails loud instead.
package dedup

import (
	"context"
	"time"
)

// Backend stores first-seen timestamps by key. Implementations must make
// SetIfAbsent atomic per key: two concurrent callers for the same key see
// exactly one created=true.
type Backend interface {
	// SetIfAbsent records now under key unless a live entry exists. An entry
	// is live while now-firstSeen < ttl; ttl <= 0 means entries never lapse.
	// When a live entry exists it is returned unchanged with created=false.
	SetIfAbsent(ctx context.Context, key string, now time.Time, ttl time.Duration) (firstSeen time.Time, created bool, err error)

	// Sweep drops entries older than maxAge (skipped when maxAge <= 0) and
	// clears everything if more than maxEntries remain (skipped when <= 0).
	Sweep(ctx context.Context, now time.Time, maxAge time.Duration, maxEntries int) (SweepStats, error)
}

// SweepStats reports what a maintenance pass did.
type SweepStats struct {
	Expired   int
	Reset     bool
	Remaining int
}
