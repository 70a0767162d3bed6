package session

import (
	"log/slog"
	"sort"
	"strings"
	"sync"

	"lumibot-session/internal/device"
	"lumibot-session/internal/deviceid"
)

// Topic names are derived here and nowhere else.

// StateTopic is the device-to-client state topic (QoS 0, broker-retained).
func StateTopic(id string) string { return "state/" + id }

// ControlTopic is the client-to-device command topic (QoS 0, not retained).
func ControlTopic(id string) string { return "control/" + id }

// ConfigTopic is the client-to-device config topic (QoS 1, retained).
func ConfigTopic(id string) string { return "config/" + id }

// Router owns the device topic surface: it records which devices are
// subscribed, emits the SUBSCRIBE/UNSUBSCRIBE calls, and dispatches
// inbound state frames to the cache.
type Router struct {
	sup    *Supervisor
	cache  *StateCache
	logger *slog.Logger

	mu   sync.Mutex
	subs map[string]struct{}
}

// NewRouter wires the router as the supervisor's message handler.
func NewRouter(sup *Supervisor, cache *StateCache, logger *slog.Logger) *Router {
	r := &Router{
		sup:    sup,
		cache:  cache,
		logger: logger.With("component", "router"),
		subs:   make(map[string]struct{}),
	}
	sup.OnMessage(r.HandleMessage)
	return r
}

// SubscribeDevice records the device and emits a SUBSCRIBE for its state
// topic. Recording is idempotent; the SUBSCRIBE is re-emitted on every
// call so a reconnected session picks the topic back up. While not
// Connected only the record is kept; the scheduler replays it later.
func (r *Router) SubscribeDevice(id string) error {
	norm, err := deviceid.Normalize(id)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.subs[norm] = struct{}{}
	r.mu.Unlock()

	if err := r.sup.Subscribe(StateTopic(norm), 0); err != nil {
		if err == ErrNotConnected {
			return nil
		}
		return err
	}
	return nil
}

// UnsubscribeDevice removes the record, emits UNSUBSCRIBE, and purges
// the cached state.
func (r *Router) UnsubscribeDevice(id string) error {
	norm, err := deviceid.Normalize(id)
	if err != nil {
		return err
	}
	r.mu.Lock()
	delete(r.subs, norm)
	r.mu.Unlock()

	r.cache.Purge(norm)
	if err := r.sup.Unsubscribe(StateTopic(norm)); err != nil && err != ErrNotConnected {
		return err
	}
	return nil
}

// Subscribed lists the recorded device IDs, sorted.
func (r *Router) Subscribed() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.subs))
	for id := range r.subs {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// ClearCallbacks drops every state listener. Subscription records stay.
func (r *Router) ClearCallbacks() {
	r.cache.ClearListeners()
}

// HandleMessage dispatches one inbound frame. Non-state topics and
// malformed payloads are discarded; the last-known state stands.
func (r *Router) HandleMessage(topic string, payload []byte) {
	rest, ok := strings.CutPrefix(topic, "state/")
	if !ok {
		r.logger.Debug("ignoring frame on unexpected topic", "topic", topic)
		return
	}
	id, err := deviceid.Normalize(rest)
	if err != nil || id != rest {
		r.logger.Warn("discarding frame with invalid topic id", "topic", topic)
		return
	}

	f, err := device.DecodeFrame(payload)
	if err != nil {
		r.logger.Warn("discarding malformed state frame", "id", id, "err", err)
		return
	}
	r.cache.Apply(id, f)
}
