package session

import (
	"log/slog"
	"sync"
	"time"

	"lumibot-session/internal/device"
)

const defaultStaleAfter = 90 * time.Second

// StateListener receives merged state snapshots. The delivered value is
// never mutated afterwards; listeners may retain it.
type StateListener func(id string, st device.State)

type stateListenerEntry struct {
	id uint64
	fn StateListener
}

// StateCache holds the latest merged state per device and infers the
// online flag: a frame marks the device online, silence beyond the
// stale interval marks it offline.
type StateCache struct {
	bus        *Bus
	logger     *slog.Logger
	staleAfter time.Duration
	now        func() time.Time

	mu        sync.Mutex
	states    map[string]device.State
	listeners []stateListenerEntry
	watchdogs map[string]*time.Timer
	nextID    uint64
	closed    bool
}

// CacheOption configures a StateCache.
type CacheOption func(*StateCache)

// WithStaleAfter tunes the no-frame interval after which a device is
// inferred offline.
func WithStaleAfter(d time.Duration) CacheOption {
	return func(c *StateCache) { c.staleAfter = d }
}

// WithClock injects the cache's time source.
func WithClock(now func() time.Time) CacheOption {
	return func(c *StateCache) { c.now = now }
}

// NewStateCache builds an empty cache.
func NewStateCache(bus *Bus, logger *slog.Logger, opts ...CacheOption) *StateCache {
	c := &StateCache{
		bus:        bus,
		logger:     logger.With("component", "statecache"),
		staleAfter: defaultStaleAfter,
		now:        time.Now,
		states:     make(map[string]device.State),
		watchdogs:  make(map[string]*time.Timer),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Apply merges an inbound frame into the device's state, stores a fresh
// value, and notifies listeners in registration order.
func (c *StateCache) Apply(id string, f device.Frame) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	prev, existed := c.states[id]
	merged := device.Merge(prev, f, c.now().UnixMilli())
	c.states[id] = merged
	c.resetWatchdogLocked(id)

	wentOnline := merged.Online == device.Online && (!existed || prev.Online != device.Online)
	wentOffline := merged.Online == device.Offline && existed && prev.Online == device.Online
	listeners := c.listenersLocked()
	c.mu.Unlock()

	for _, fn := range listeners {
		fn(id, merged)
	}
	c.bus.Emit(Event{Type: EventStateUpdate, Device: id})
	if wentOnline {
		c.bus.Emit(Event{Type: EventDeviceOnline, Device: id})
	}
	if wentOffline {
		c.bus.Emit(Event{Type: EventDeviceOffline, Device: id})
	}
}

// Get returns the device's state, re-checking staleness against the
// clock so a reader never sees a device as online past the stale window.
func (c *StateCache) Get(id string) (device.State, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.states[id]
	if !ok {
		return device.State{}, false
	}
	if st.Online == device.Online && c.staleLocked(st) {
		st.Online = device.Offline
		c.states[id] = st
	}
	return st, true
}

// Snapshot returns a copy of the full state map, staleness applied.
func (c *StateCache) Snapshot() map[string]device.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]device.State, len(c.states))
	for id, st := range c.states {
		if st.Online == device.Online && c.staleLocked(st) {
			st.Online = device.Offline
			c.states[id] = st
		}
		out[id] = st
	}
	return out
}

// OnState registers a listener. Returns an unsubscribe function.
func (c *StateCache) OnState(fn StateListener) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextID
	c.nextID++
	c.listeners = append(c.listeners, stateListenerEntry{id, fn})
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, e := range c.listeners {
			if e.id == id {
				c.listeners = append(c.listeners[:i:i], c.listeners[i+1:]...)
				return
			}
		}
	}
}

// ClearListeners drops every registered listener. Used on page
// navigation.
func (c *StateCache) ClearListeners() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = nil
}

// Purge forgets a device entirely.
func (c *StateCache) Purge(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.states, id)
	if t, ok := c.watchdogs[id]; ok {
		t.Stop()
		delete(c.watchdogs, id)
	}
}

// Close stops all watchdogs.
func (c *StateCache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	for id, t := range c.watchdogs {
		t.Stop()
		delete(c.watchdogs, id)
	}
}

func (c *StateCache) staleLocked(st device.State) bool {
	return c.now().UnixMilli()-st.LastUpdate >= c.staleAfter.Milliseconds()
}

func (c *StateCache) resetWatchdogLocked(id string) {
	if t, ok := c.watchdogs[id]; ok {
		t.Stop()
	}
	c.watchdogs[id] = time.AfterFunc(c.staleAfter, func() { c.expire(id) })
}

// expire fires when a device has gone a full stale interval without a
// frame.
func (c *StateCache) expire(id string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	st, ok := c.states[id]
	if !ok || st.Online == device.Offline || !c.staleLocked(st) {
		c.mu.Unlock()
		return
	}
	st.Online = device.Offline
	c.states[id] = st
	listeners := c.listenersLocked()
	c.mu.Unlock()

	c.logger.Info("device went stale", "id", id)
	for _, fn := range listeners {
		fn(id, st)
	}
	c.bus.Emit(Event{Type: EventDeviceOffline, Device: id})
}

func (c *StateCache) listenersLocked() []StateListener {
	out := make([]StateListener, len(c.listeners))
	for i, e := range c.listeners {
		out[i] = e.fn
	}
	return out
}
