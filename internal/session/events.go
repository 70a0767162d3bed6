package session

import (
	"log/slog"
	"sync"
)

// Event types
const (
	EventConnected     = "connected"
	EventDisconnected  = "disconnected"
	EventStateUpdate   = "state_update"
	EventDeviceOnline  = "device_online"
	EventDeviceOffline = "device_offline"
)

// Event is one session-layer notification. Device is empty for
// connection-level events.
type Event struct {
	Type   string `json:"type"`
	Device string `json:"device,omitempty"`
	Data   any    `json:"data,omitempty"`
}

// EventHandler is a callback for events.
type EventHandler func(Event)

type busHandler struct {
	id uint64
	fn EventHandler
}

// Bus provides pub/sub for session events. Handlers for one emission run
// synchronously in registration order.
type Bus struct {
	mu          sync.RWMutex
	handlers    map[string][]busHandler
	allHandlers []busHandler
	nextID      uint64
	logger      *slog.Logger
}

// NewBus creates a new event bus.
func NewBus(logger *slog.Logger) *Bus {
	return &Bus{
		handlers: make(map[string][]busHandler),
		logger:   logger,
	}
}

// On registers a handler for a specific event type.
// Returns an unsubscribe function.
func (b *Bus) On(eventType string, handler EventHandler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.handlers[eventType] = append(b.handlers[eventType], busHandler{id, handler})
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.handlers[eventType] = removeHandler(b.handlers[eventType], id)
	}
}

// OnAll registers a handler that receives all events.
// Returns an unsubscribe function.
func (b *Bus) OnAll(handler EventHandler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.allHandlers = append(b.allHandlers, busHandler{id, handler})
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.allHandlers = removeHandler(b.allHandlers, id)
	}
}

// Emit sends an event to all matching handlers, typed handlers first.
// A panicking handler is recovered and logged.
func (b *Bus) Emit(event Event) {
	b.mu.RLock()
	handlers := make([]EventHandler, 0, len(b.handlers[event.Type])+len(b.allHandlers))
	for _, h := range b.handlers[event.Type] {
		handlers = append(handlers, h.fn)
	}
	for _, h := range b.allHandlers {
		handlers = append(handlers, h.fn)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("event handler panic", "type", event.Type, "panic", r)
				}
			}()
			h(event)
		}()
	}
}

func removeHandler(hs []busHandler, id uint64) []busHandler {
	for i, h := range hs {
		if h.id == id {
			return append(hs[:i:i], hs[i+1:]...)
		}
	}
	return hs
}
