// Package session implements the device session layer: one supervised
// MQTT-over-WebSockets connection, per-device topic routing, a merged
// state cache with online inference, buffered publishing, and paced
// roster resubscription.
package session

import (
	"context"
	"log/slog"
	"time"

	"lumibot-session/internal/device"
	"lumibot-session/internal/deviceid"
)

// ServiceConfig wires a Service. Zero values take defaults.
type ServiceConfig struct {
	Broker      BrokerOptions
	Factory     TransportFactory
	StaleAfter  time.Duration
	BufferLimit int
}

// Service is the composition root the rest of the process talks to: it
// owns the bus, supervisor, router, state cache, publisher, and
// scheduler, and manages the subscribed roster.
type Service struct {
	bus    *Bus
	sup    *Supervisor
	router *Router
	cache  *StateCache
	pub    *Publisher
	sched  *Scheduler
	broker BrokerOptions
	logger *slog.Logger
}

// NewService builds and wires the session layer. Nothing connects until
// Connect or Wake is called.
func NewService(cfg ServiceConfig, logger *slog.Logger) *Service {
	bus := NewBus(logger.With("component", "bus"))
	sup := NewSupervisor(cfg.Broker, cfg.Factory, bus, logger)

	var cacheOpts []CacheOption
	if cfg.StaleAfter > 0 {
		cacheOpts = append(cacheOpts, WithStaleAfter(cfg.StaleAfter))
	}
	cache := NewStateCache(bus, logger, cacheOpts...)
	router := NewRouter(sup, cache, logger)

	var pubOpts []PublisherOption
	if cfg.BufferLimit > 0 {
		pubOpts = append(pubOpts, WithBufferLimit(cfg.BufferLimit))
	}
	pub := NewPublisher(sup, bus, logger, pubOpts...)
	sched := NewScheduler(sup, router, pub, cache, bus, logger)

	return &Service{
		bus:    bus,
		sup:    sup,
		router: router,
		cache:  cache,
		pub:    pub,
		sched:  sched,
		broker: cfg.Broker,
		logger: logger.With("component", "session"),
	}
}

// Connect brings the session up (single-flight, shared with concurrent
// callers).
func (s *Service) Connect(ctx context.Context) error {
	return s.sup.Connect(ctx)
}

// Wake nudges the supervisor after a visibility or network change.
func (s *Service) Wake() { s.sup.Wake() }

// Close tears the whole layer down in dependency order.
func (s *Service) Close() {
	s.sched.Stop()
	s.pub.Close()
	s.sup.Close()
	s.cache.Close()
}

// Events exposes the session bus.
func (s *Service) Events() *Bus { return s.bus }

// ConnectionState reports the supervisor state.
func (s *Service) ConnectionState() ConnState { return s.sup.State() }

// Broker reports the configured endpoint.
func (s *Service) Broker() BrokerOptions { return s.broker }

// SetRoster replaces the device set walked on every connect. Invalid
// IDs are dropped with a warning. While Connected the walk starts
// immediately.
func (s *Service) SetRoster(ids []string) {
	valid := make([]string, 0, len(ids))
	for _, raw := range ids {
		id, err := deviceid.Normalize(raw)
		if err != nil {
			s.logger.Warn("dropping invalid roster id", "id", raw)
			continue
		}
		valid = append(valid, id)
	}
	s.sched.SetRoster(valid)
	if s.sup.State() == StateConnected {
		s.sched.start()
	}
}

// Roster returns a copy of the current roster.
func (s *Service) Roster() []string { return s.sched.Roster() }

// ReorderRoster re-sorts the roster to follow a display order without
// changing membership. IDs missing from the order keep their relative
// position after the listed ones; invalid IDs are ignored.
func (s *Service) ReorderRoster(order []string) {
	rank := make(map[string]int, len(order))
	for i, raw := range order {
		id, err := deviceid.Normalize(raw)
		if err != nil {
			s.logger.Warn("ignoring invalid id in roster order", "id", raw)
			continue
		}
		if _, ok := rank[id]; !ok {
			rank[id] = i
		}
	}
	s.sched.Reorder(rank)
}

// AddDevice adds one device to the roster and, while Connected,
// subscribes it and requests a snapshot right away.
func (s *Service) AddDevice(id string) error {
	norm, err := deviceid.Normalize(id)
	if err != nil {
		return err
	}
	s.sched.Add(norm)

	if s.sup.State() == StateConnected {
		if err := s.router.SubscribeDevice(norm); err != nil {
			return err
		}
		if _, err := s.pub.PublishControl(norm, map[string]any{"command": "getState"}); err != nil {
			return err
		}
	}
	return nil
}

// RemoveDevice drops a device from the roster, unsubscribes it, and
// purges its cached state.
func (s *Service) RemoveDevice(id string) error {
	norm, err := deviceid.Normalize(id)
	if err != nil {
		return err
	}
	s.sched.Remove(norm)
	return s.router.UnsubscribeDevice(norm)
}

// State returns the merged state for one device.
func (s *Service) State(id string) (device.State, bool) {
	norm, err := deviceid.Normalize(id)
	if err != nil {
		return device.State{}, false
	}
	return s.cache.Get(norm)
}

// Snapshot returns the full state map.
func (s *Service) Snapshot() map[string]device.State { return s.cache.Snapshot() }

// OnState registers a state listener; returns an unsubscribe func.
func (s *Service) OnState(fn StateListener) func() { return s.cache.OnState(fn) }

// ClearCallbacks drops all state listeners, as on page navigation.
func (s *Service) ClearCallbacks() { s.router.ClearCallbacks() }

// Subscribed lists currently recorded device subscriptions.
func (s *Service) Subscribed() []string { return s.router.Subscribed() }

// PublishControl sends a control command for a device.
func (s *Service) PublishControl(id string, payload any) (PublishResult, error) {
	return s.pub.PublishControl(id, payload)
}

// PublishConfig sends a config overlay for a device.
func (s *Service) PublishConfig(id string, payload any) (PublishResult, error) {
	return s.pub.PublishConfig(id, payload)
}
