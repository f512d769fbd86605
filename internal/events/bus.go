// Package events is the in-process progress feed. Publication is best-effort:
// a publish never blocks pipeline work, and subscriber absence is not an
// error. Live subscribers see events at-least-once; a slow subscriber whose
// buffer fills loses its oldest events, counted per bus.
package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event is one run/item progress transition.
type Event struct {
	RunID   string    `json:"run_id"`
	ItemID  string    `json:"item_id,omitempty"`
	Seq     int64     `json:"seq"`
	From    string    `json:"from,omitempty"`
	To      string    `json:"to"`
	Message string    `json:"message,omitempty"`
	At      time.Time `json:"at"`
}

// Bus fans events out to subscribers over bounded channels.
type Bus struct {
	mu      sync.Mutex
	subs    map[int]chan Event
	nextID  int
	buffer  int
	closed  bool
	dropped atomic.Uint64
}

// NewBus creates a Bus with the given per-subscriber buffer size.
func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 64
	}
	return &Bus{
		subs:   make(map[int]chan Event),
		buffer: buffer,
	}
}

// Subscribe registers a new subscriber. The returned cancel func must be
// called to release the subscription; the channel is closed on cancel or
// bus close.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan Event, b.buffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Publish delivers e to every subscriber without blocking. When a
// subscriber's buffer is full the oldest buffered event is discarded to make
// room, so the subscriber always eventually observes the newest state.
func (b *Bus) Publish(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}

	for _, ch := range b.subs {
		select {
		case ch <- e:
			continue
		default:
		}
		// Buffer full: drop the oldest, then retry once.
		select {
		case <-ch:
			b.dropped.Add(1)
		default:
		}
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped returns the total number of events discarded across subscribers.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close closes all subscriber channels. Publish becomes a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
