package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nextlevelbuilder/roomgate/internal/metrics"
)

const (
	// DefaultWindow absorbs client retries and double-clicks. It is not a
	// long-term cache.
	DefaultWindow = 10 * time.Second

	// DefaultMaxEntries is the bulk-reset threshold.
	DefaultMaxEntries = 10000

	// DefaultMaintenanceEvery runs a maintenance pass once per N calls.
	DefaultMaintenanceEvery = 100
)

const (
	kindFingerprint = "fingerprint"
	kindTurn        = "turn"
)

// Config tunes a guard. Zero fields take the defaults above.
type Config struct {
	Window           time.Duration
	MaxEntries       int
	MaintenanceEvery int
}

func (c Config) withDefaults() Config {
	if c.Window <= 0 {
		c.Window = DefaultWindow
	}
	if c.MaxEntries <= 0 {
		c.MaxEntries = DefaultMaxEntries
	}
	if c.MaintenanceEvery <= 0 {
		c.MaintenanceEvery = DefaultMaintenanceEvery
	}
	return c
}

// Verdict is the outcome of a fingerprint check.
type Verdict struct {
	Accepted bool
	// RetryAfter is how long until an identical submission is accepted
	// again. Zero when Accepted.
	RetryAfter time.Duration
	// FailOpen is set when the backend errored and the request was let
	// through without being recorded.
	FailOpen bool
}

// FingerprintStore rejects repeated (sender, room, content) submissions
// inside the dedup window.
type FingerprintStore struct {
	backend    Backend
	window     atomic.Int64 // nanoseconds
	maxEntries int
	every      uint64
	calls      atomic.Uint64
}

// NewFingerprintStore creates a store over the given backend.
func NewFingerprintStore(b Backend, cfg Config) *FingerprintStore {
	cfg = cfg.withDefaults()
	s := &FingerprintStore{
		backend:    b,
		maxEntries: cfg.MaxEntries,
		every:      uint64(cfg.MaintenanceEvery),
	}
	s.window.Store(int64(cfg.Window))
	return s
}

// Window returns the current dedup window.
func (s *FingerprintStore) Window() time.Duration { return time.Duration(s.window.Load()) }

// SetWindow changes the dedup window (config hot reload).
func (s *FingerprintStore) SetWindow(d time.Duration) {
	if d > 0 {
		s.window.Store(int64(d))
	}
}

// Fingerprint derives the dedup key. Content is trimmed first so trailing
// whitespace from a resend does not defeat the guard.
func Fingerprint(sender, room, content string) string {
	h := sha256.New()
	h.Write([]byte(sender))
	h.Write([]byte{0})
	h.Write([]byte(room))
	h.Write([]byte{0})
	h.Write([]byte(strings.TrimSpace(content)))
	return hex.EncodeToString(h.Sum(nil))
}

// CheckAndRegister accepts and records the submission unless the same
// fingerprint was accepted less than Window ago. A duplicate leaves the
// stored first-seen time untouched.
func (s *FingerprintStore) CheckAndRegister(ctx context.Context, sender, room, content string, now time.Time) Verdict {
	window := s.Window()
	defer s.maybeMaintain(ctx, now)

	first, created, err := s.backend.SetIfAbsent(ctx, Fingerprint(sender, room, content), now, window)
	if err != nil {
		slog.Warn("dedup.fail_open", "kind", kindFingerprint, "room", room, "error", err)
		metrics.DedupDecisions.WithLabelValues(kindFingerprint, "fail_open").Inc()
		return Verdict{Accepted: true, FailOpen: true}
	}
	if created {
		metrics.DedupDecisions.WithLabelValues(kindFingerprint, "accepted").Inc()
		return Verdict{Accepted: true}
	}

	metrics.DedupDecisions.WithLabelValues(kindFingerprint, "duplicate").Inc()
	wait := window - now.Sub(first)
	if wait < 0 {
		wait = 0
	}
	return Verdict{RetryAfter: wait}
}

// Sweep forces a maintenance pass: entries older than 2×Window are
// dropped, then the store is cleared if it is still above MaxEntries.
func (s *FingerprintStore) Sweep(ctx context.Context, now time.Time) SweepStats {
	return sweep(ctx, s.backend, kindFingerprint, now, 2*s.Window(), s.maxEntries)
}

func (s *FingerprintStore) maybeMaintain(ctx context.Context, now time.Time) {
	if s.calls.Add(1)%s.every == 0 {
		s.Sweep(ctx, now)
	}
}

// TurnRegistry accepts each caller-supplied turn ID at most once until the
// registry is bulk-cleared for exceeding its cap.
type TurnRegistry struct {
	backend    Backend
	maxEntries int
	every      uint64
	calls      atomic.Uint64
}

// NewTurnRegistry creates a registry over the given backend. Window is
// ignored: turn IDs do not lapse on their own.
func NewTurnRegistry(b Backend, cfg Config) *TurnRegistry {
	cfg = cfg.withDefaults()
	return &TurnRegistry{
		backend:    b,
		maxEntries: cfg.MaxEntries,
		every:      uint64(cfg.MaintenanceEvery),
	}
}

// CheckAndRegister reports whether turnID is new and records it.
// An empty turn ID carries no identity and is always accepted.
func (r *TurnRegistry) CheckAndRegister(ctx context.Context, turnID string) bool {
	if turnID == "" {
		return true
	}
	defer func() {
		if r.calls.Add(1)%r.every == 0 {
			r.Sweep(ctx, time.Now())
		}
	}()

	_, created, err := r.backend.SetIfAbsent(ctx, "turn:"+turnID, time.Now(), 0)
	if err != nil {
		slog.Warn("dedup.fail_open", "kind", kindTurn, "turn", turnID, "error", err)
		metrics.DedupDecisions.WithLabelValues(kindTurn, "fail_open").Inc()
		return true
	}
	if created {
		metrics.DedupDecisions.WithLabelValues(kindTurn, "accepted").Inc()
		return true
	}
	metrics.DedupDecisions.WithLabelValues(kindTurn, "duplicate").Inc()
	return false
}

// Sweep forces the cap check.
func (r *TurnRegistry) Sweep(ctx context.Context, now time.Time) SweepStats {
	return sweep(ctx, r.backend, kindTurn, now, 0, r.maxEntries)
}

func sweep(ctx context.Context, b Backend, kind string, now time.Time, maxAge time.Duration, maxEntries int) SweepStats {
	st, err := b.Sweep(ctx, now, maxAge, maxEntries)
	if err != nil {
		slog.Warn("dedup: maintenance failed", "kind", kind, "error", err)
		return st
	}
	if st.Reset {
		metrics.DedupResets.WithLabelValues(kind).Inc()
		slog.Info("dedup: store exceeded cap, cleared", "kind", kind, "cap", maxEntries)
	} else if st.Expired > 0 {
		slog.Debug("dedup: expired entries removed", "kind", kind, "count", st.Expired, "remaining", st.Remaining)
	}
	return st
}
