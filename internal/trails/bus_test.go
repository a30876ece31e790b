package trails

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestBusFIFOPerSubscriber(t *testing.T) {
	bus := NewBus(16)
	sub := bus.Subscribe(EventFilter{})
	defer bus.Unsubscribe(sub)

	id := uuid.New()
	for seq := int64(1); seq <= 5; seq++ {
		bus.Publish(Event{ID: id, Kind: EventData, Seq: seq})
	}
	for seq := int64(1); seq <= 5; seq++ {
		select {
		case ev := <-sub.C:
			if ev.Seq != seq {
				t.Fatalf("expected seq %d, got %d", seq, ev.Seq)
			}
		case <-time.After(time.Second):
			t.Fatalf("event %d not delivered", seq)
		}
	}
}

func TestBusFilters(t *testing.T) {
	bus := NewBus(16)
	target := uuid.New()
	byID := bus.Subscribe(EventFilter{ID: &target})
	byKind := bus.Subscribe(EventFilter{Kinds: []EventKind{EventTerminal}})
	defer bus.Unsubscribe(byID)
	defer bus.Unsubscribe(byKind)

	bus.Publish(Event{ID: uuid.New(), Kind: EventData})
	bus.Publish(Event{ID: target, Kind: EventTerminal, State: StateDone})

	select {
	case ev := <-byID.C:
		if ev.ID != target {
			t.Fatalf("id filter leaked event for %s", ev.ID)
		}
	case <-time.After(time.Second):
		t.Fatalf("id-filtered event not delivered")
	}
	select {
	case ev := <-byKind.C:
		if ev.Kind != EventTerminal {
			t.Fatalf("kind filter leaked %s", ev.Kind)
		}
	case <-time.After(time.Second):
		t.Fatalf("kind-filtered event not delivered")
	}
	select {
	case ev := <-byID.C:
		t.Fatalf("unexpected extra event %+v", ev)
	default:
	}
}

func TestBusLaggingSubscriberGetsGapMarker(t *testing.T) {
	bus := NewBus(2)
	sub := bus.Subscribe(EventFilter{})
	defer bus.Unsubscribe(sub)

	id := uuid.New()
	for seq := int64(1); seq <= 5; seq++ {
		bus.Publish(Event{ID: id, Kind: EventData, Seq: seq})
	}
	// Buffer held 1 and 2; 3..5 were dropped with a pending gap.
	first := <-sub.C
	second := <-sub.C
	if first.Seq != 1 || second.Seq != 2 {
		t.Fatalf("buffered events reordered: %d, %d", first.Seq, second.Seq)
	}

	bus.Publish(Event{ID: id, Kind: EventData, Seq: 6})
	gap := <-sub.C
	if gap.Kind != EventGap {
		t.Fatalf("expected gap marker, got %+v", gap)
	}
	next := <-sub.C
	if next.Seq != 6 {
		t.Fatalf("expected resumed delivery at 6, got %+v", next)
	}
}

func TestBusUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus(4)
	sub := bus.Subscribe(EventFilter{})
	bus.Unsubscribe(sub)
	if _, ok := <-sub.C; ok {
		t.Fatalf("expected closed channel after unsubscribe")
	}
	// Publishing after unsubscribe must not panic.
	bus.Publish(Event{ID: uuid.New(), Kind: EventData})
}
