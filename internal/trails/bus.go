package trails

import (
	"sync"

	"github.com/google/uuid"
)

// EventFilter selects events for a subscriber. Zero value matches all.
type EventFilter struct {
	ID    *uuid.UUID
	Kinds []EventKind
}

func (f EventFilter) matches(ev Event) bool {
	if f.ID != nil && *f.ID != ev.ID {
		return false
	}
	if len(f.Kinds) == 0 {
		return true
	}
	for _, kind := range f.Kinds {
		if kind == ev.Kind {
			return true
		}
	}
	return false
}

// Subscription is one consumer's buffered view of the bus. A subscriber
// that lags past its buffer loses events and receives a single gap
// marker instead; it can rebuild from the durable store.
type Subscription struct {
	C      chan Event
	filter EventFilter

	mu     sync.Mutex
	lagged bool
	closed bool
}

// Bus is the in-process broadcast channel. Publish never blocks; per
// subscriber ordering follows publish order (per-publisher FIFO).
type Bus struct {
	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	buffer int
}

func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 256
	}
	return &Bus{subs: map[*Subscription]struct{}{}, buffer: buffer}
}

// Subscribe registers a consumer. The caller must drain sub.C or accept
// gap markers.
func (b *Bus) Subscribe(filter EventFilter) *Subscription {
	sub := &Subscription{
		C:      make(chan Event, b.buffer),
		filter: filter,
	}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// Unsubscribe removes the consumer and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	_, ok := b.subs[sub]
	delete(b.subs, sub)
	b.mu.Unlock()
	if !ok {
		return
	}
	sub.mu.Lock()
	sub.closed = true
	close(sub.C)
	sub.mu.Unlock()
}

// Publish fans ev out to every matching subscriber. A subscriber with a
// full buffer gets one EventGap marker the next time space frees up.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	subs := make([]*Subscription, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		if !sub.filter.matches(ev) {
			continue
		}
		sub.mu.Lock()
		if sub.closed {
			sub.mu.Unlock()
			continue
		}
		if sub.lagged {
			// Try to place the pending gap marker first.
			select {
			case sub.C <- Event{ID: ev.ID, Kind: EventGap}:
				sub.lagged = false
			default:
				sub.mu.Unlock()
				continue
			}
		}
		select {
		case sub.C <- ev:
		default:
			sub.lagged = true
		}
		sub.mu.Unlock()
	}
}
