// Package events fans replay output out to live subscribers. Delivery is
// best-effort: each subscriber has a bounded mailbox and a slow consumer
// loses its oldest events rather than stalling the replay.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/aegis-data/aiswatch/internal/timeutil"
)

// DefaultMailboxSize is the per-subscriber buffer when none is specified.
const DefaultMailboxSize = 256

// Kind discriminates event payloads on the stream.
type Kind string

const (
	// KindAlert carries a newly persisted alert.
	KindAlert Kind = "alert"
	// KindTick carries replay progress counters.
	KindTick Kind = "tick"
	// KindStatus carries session lifecycle transitions.
	KindStatus Kind = "status"
	// KindError carries a mid-session failure notice.
	KindError Kind = "error"
)

// Event is one message on the bus.
type Event struct {
	Kind      Kind      `json:"kind"`
	SessionID string    `json:"session_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload,omitempty"`
}

// Bus delivers events to all current subscribers. Safe for concurrent use.
type Bus struct {
	clock timeutil.Clock

	mu     sync.Mutex
	subs   map[*Subscriber]struct{}
	closed bool
}

// Subscriber receives events on C until Close. Events published while the
// mailbox is full displace the oldest undelivered event.
type Subscriber struct {
	bus     *Bus
	ch      chan Event
	dropped atomic.Int64
	once    sync.Once
}

func NewBus() *Bus {
	return &Bus{clock: timeutil.RealClock{}, subs: make(map[*Subscriber]struct{})}
}

// Subscribe registers a new subscriber with the given mailbox size; sizes
// below 1 use DefaultMailboxSize. Subscribing to a closed bus returns a
// subscriber whose channel is already closed.
func (b *Bus) Subscribe(buffer int) *Subscriber {
	if buffer < 1 {
		buffer = DefaultMailboxSize
	}
	s := &Subscriber{ch: make(chan Event, buffer)}
	s.bus = b

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(s.ch)
		return s
	}
	b.subs[s] = struct{}{}
	return s
}

// Publish delivers ev to every subscriber without blocking. When a mailbox is
// full the oldest queued event is discarded and counted against that
// subscriber.
func (b *Bus) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = b.clock.Now().UTC()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for s := range b.subs {
		select {
		case s.ch <- ev:
			continue
		default:
		}
		// Full: evict the oldest, then retry. The consumer may have drained
		// concurrently, so the retry can still succeed without an eviction.
		select {
		case <-s.ch:
			s.dropped.Add(1)
		default:
		}
		select {
		case s.ch <- ev:
		default:
			s.dropped.Add(1)
		}
	}
}

// Subscribers returns the number of active subscribers.
func (b *Bus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close shuts the bus down and closes every subscriber channel. Subsequent
// Publish calls are no-ops.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for s := range b.subs {
		close(s.ch)
		delete(b.subs, s)
	}
}

// C is the subscriber's receive channel. It is closed on unsubscribe or bus
// shutdown.
func (s *Subscriber) C() <-chan Event { return s.ch }

// Dropped returns how many events this subscriber has lost to backpressure.
func (s *Subscriber) Dropped() int64 { return s.dropped.Load() }

// Close unsubscribes and closes the receive channel. Safe to call more than
// once.
func (s *Subscriber) Close() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		defer s.bus.mu.Unlock()
		if _, ok := s.bus.subs[s]; ok {
			delete(s.bus.subs, s)
			close(s.ch)
		}
	})
}
