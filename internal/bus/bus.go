// Package bus is the room event bus: it assigns process-wide event IDs and
// pushes every event to the live subscribers interested in its room.
//
// Delivery is best-effort and at most once per subscriber. A failed write
// (event or heartbeat) removes the subscriber; nothing is retried and no
// replay log is kept. Reconnecting clients pass their last acked ID and
// receive a sync event telling them whether they missed anything.
package bus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/roomgate/internal/metrics"
	"github.com/nextlevelbuilder/roomgate/pkg/protocol"
)

// DefaultHeartbeatInterval is used when the configured interval is <= 0.
const DefaultHeartbeatInterval = 25 * time.Second

// SubscribeOpts configures a new subscription.
type SubscribeOpts struct {
	// Rooms filters delivery; empty means every room.
	Rooms []string
	// LastAckedEventID is the last ID the client saw before reconnecting.
	LastAckedEventID uint64
}

// Subscriber is one live connection registered on the bus.
type Subscriber struct {
	ID               string
	LastAckedEventID uint64
	ConnectedAt      time.Time

	rooms     map[string]struct{}
	transport Transport
	closeOnce sync.Once
}

// Matches reports whether events for roomID go to this subscriber.
func (s *Subscriber) Matches(roomID string) bool {
	if len(s.rooms) == 0 {
		return true
	}
	_, ok := s.rooms[roomID]
	return ok
}

func (s *Subscriber) close() {
	s.closeOnce.Do(func() {
		if err := s.transport.Close(); err != nil {
			slog.Debug("bus: transport close", "subscriber", s.ID, "error", err)
		}
	})
}

// Bus is the process-wide event bus. Create one at startup and pass it to
// whoever publishes or subscribes.
type Bus struct {
	// pubMu serializes ID assignment with delivery so every subscriber
	// observes IDs in increasing order.
	pubMu    sync.Mutex
	lastID   uint64
	lastRoom map[string]uint64

	mu   sync.RWMutex
	subs map[string]*Subscriber

	heartbeat atomic.Int64
	resetHB   chan struct{}
	now       func() time.Time
}

// New creates an empty bus.
func New(heartbeatInterval time.Duration) *Bus {
	b := &Bus{
		lastRoom: make(map[string]uint64),
		subs:     make(map[string]*Subscriber),
		resetHB:  make(chan struct{}, 1),
		now:      time.Now,
	}
	b.SetHeartbeatInterval(heartbeatInterval)
	return b
}

// SetHeartbeatInterval changes the heartbeat period; Run picks it up on
// its next tick.
func (b *Bus) SetHeartbeatInterval(d time.Duration) {
	if d <= 0 {
		d = DefaultHeartbeatInterval
	}
	if time.Duration(b.heartbeat.Swap(int64(d))) == d {
		return
	}
	select {
	case b.resetHB <- struct{}{}:
	default:
	}
}

// HeartbeatInterval returns the current heartbeat period.
func (b *Bus) HeartbeatInterval() time.Duration { return time.Duration(b.heartbeat.Load()) }

// LastEventID returns the most recently assigned event ID.
func (b *Bus) LastEventID() uint64 {
	b.pubMu.Lock()
	defer b.pubMu.Unlock()
	return b.lastID
}

// Publish assigns the next event ID and delivers the event to every
// matching subscriber before returning. Subscribers whose write fails are
// removed.
func (b *Bus) Publish(roomID, eventType string, payload interface{}) uint64 {
	return b.publish(roomID, eventType, payload, false)
}

// Broadcast publishes a process-wide event (roomID "") to every subscriber,
// room filters notwithstanding. Used for shutdown.
func (b *Bus) Broadcast(eventType string, payload interface{}) uint64 {
	return b.publish("", eventType, payload, true)
}

func (b *Bus) publish(roomID, eventType string, payload interface{}, everyone bool) uint64 {
	b.pubMu.Lock()
	defer b.pubMu.Unlock()

	b.lastID++
	ev := Event{
		ID:      b.lastID,
		PrevID:  b.lastRoom[roomID],
		RoomID:  roomID,
		Type:    eventType,
		Payload: payload,
		Created: b.now(),
	}
	b.lastRoom[roomID] = ev.ID
	metrics.BusEventsPublished.WithLabelValues(eventType).Inc()

	var failed []*Subscriber
	for _, s := range b.snapshot() {
		if !everyone && !s.Matches(roomID) {
			continue
		}
		if err := s.transport.Send(ev); err != nil {
			slog.Debug("bus: send failed", "subscriber", s.ID, "event", ev.ID, "error", err)
			failed = append(failed, s)
		}
	}
	for _, s := range failed {
		b.drop(s, "send")
	}
	return ev.ID
}

// Subscribe registers a transport and immediately writes it a sync event
// carrying the bus's current position. An error means the sync write
// failed and nothing was registered.
func (b *Bus) Subscribe(t Transport, opts SubscribeOpts) (*Subscriber, error) {
	s := &Subscriber{
		ID:               uuid.NewString(),
		LastAckedEventID: opts.LastAckedEventID,
		ConnectedAt:      b.now(),
		transport:        t,
	}
	if len(opts.Rooms) > 0 {
		s.rooms = make(map[string]struct{}, len(opts.Rooms))
		for _, r := range opts.Rooms {
			s.rooms[r] = struct{}{}
		}
	}

	// Holding pubMu: no event can slip between the sync position and
	// registration.
	b.pubMu.Lock()
	defer b.pubMu.Unlock()

	hello := Event{
		ID:      b.lastID,
		Type:    protocol.EventSync,
		Created: s.ConnectedAt,
		Payload: protocol.SyncPayload{
			LastEventID:      b.lastID,
			LastAckedEventID: opts.LastAckedEventID,
			Gap:              b.missedSince(s, opts.LastAckedEventID),
		},
	}
	if err := t.Send(hello); err != nil {
		return nil, err
	}

	b.mu.Lock()
	b.subs[s.ID] = s
	n := len(b.subs)
	b.mu.Unlock()
	metrics.BusSubscribers.Set(float64(n))

	slog.Debug("bus: subscribed", "subscriber", s.ID, "rooms", opts.Rooms, "last_acked", opts.LastAckedEventID)
	return s, nil
}

// missedSince reports whether any event the subscriber would have received
// was published after lastAcked. Callers hold pubMu. A fresh client
// (lastAcked == 0) has nothing to miss.
func (b *Bus) missedSince(s *Subscriber, lastAcked uint64) bool {
	if lastAcked == 0 {
		return false
	}
	if len(s.rooms) == 0 {
		return b.lastID > lastAcked
	}
	for room := range s.rooms {
		if b.lastRoom[room] > lastAcked {
			return true
		}
	}
	return false
}

// Unsubscribe removes the subscriber and closes its transport. Idempotent.
func (b *Bus) Unsubscribe(s *Subscriber) {
	if s == nil {
		return
	}
	b.mu.Lock()
	delete(b.subs, s.ID)
	n := len(b.subs)
	b.mu.Unlock()
	metrics.BusSubscribers.Set(float64(n))
	s.close()
}

func (b *Bus) drop(s *Subscriber, reason string) {
	b.mu.Lock()
	_, present := b.subs[s.ID]
	delete(b.subs, s.ID)
	n := len(b.subs)
	b.mu.Unlock()
	if present {
		metrics.BusSubscribersDropped.WithLabelValues(reason).Inc()
		metrics.BusSubscribers.Set(float64(n))
		slog.Info("bus.subscriber_dropped", "subscriber", s.ID, "reason", reason)
	}
	s.close()
}

// snapshot copies the subscriber set so delivery never iterates a map
// that connect/disconnect is mutating.
func (b *Bus) snapshot() []*Subscriber {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*Subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		out = append(out, s)
	}
	return out
}

// Len returns the number of live subscribers.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// HeartbeatOnce writes one heartbeat to every subscriber, dropping those
// that fail.
func (b *Bus) HeartbeatOnce() {
	for _, s := range b.snapshot() {
		if err := s.transport.Heartbeat(); err != nil {
			slog.Debug("bus: heartbeat failed", "subscriber", s.ID, "error", err)
			b.drop(s, "heartbeat")
		}
	}
}

// Run sends heartbeats until ctx is cancelled.
func (b *Bus) Run(ctx context.Context) {
	ticker := time.NewTicker(b.HeartbeatInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.resetHB:
			ticker.Reset(b.HeartbeatInterval())
		case <-ticker.C:
			b.HeartbeatOnce()
		}
	}
}

// Close drops every subscriber. Used on shutdown after the shutdown event
// has been published.
func (b *Bus) Close() {
	for _, s := range b.snapshot() {
		b.Unsubscribe(s)
	}
}
