package session

import (
	"log/slog"
	"testing"
)

func TestBusRegistrationOrder(t *testing.T) {
	bus := NewBus(slog.Default())

	var order []string
	bus.On(EventStateUpdate, func(Event) { order = append(order, "first") })
	bus.On(EventStateUpdate, func(Event) { order = append(order, "second") })
	bus.OnAll(func(Event) { order = append(order, "all") })

	bus.Emit(Event{Type: EventStateUpdate})

	want := []string{"first", "second", "all"}
	if len(order) != len(want) {
		t.Fatalf("got %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("call %d = %q, want %q", i, order[i], want[i])
		}
	}
}

func TestBusUnsubscribe(t *testing.T) {
	bus := NewBus(slog.Default())

	calls := 0
	off := bus.On(EventConnected, func(Event) { calls++ })
	bus.Emit(Event{Type: EventConnected})
	off()
	bus.Emit(Event{Type: EventConnected})

	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestBusRecoversPanickingHandler(t *testing.T) {
	bus := NewBus(slog.Default())

	bus.On(EventConnected, func(Event) { panic("boom") })
	reached := false
	bus.On(EventConnected, func(Event) { reached = true })

	bus.Emit(Event{Type: EventConnected})
	if !reached {
		t.Error("handler after panicking one never ran")
	}
}
