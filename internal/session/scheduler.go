package session

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"lumibot-session/internal/deviceid"
)

const (
	defaultSubscribeDelay   = 300 * time.Millisecond
	defaultStateDelay       = 500 * time.Millisecond
	defaultConfigRetryDelay = 2500 * time.Millisecond
)

// Scheduler (re)subscribes the roster strictly sequentially on every
// connected transition. The pacing keeps brokers with per-client
// resource limits from dropping the session under a subscribe burst;
// the intervals are tunable, the serialization is not.
type Scheduler struct {
	sup    *Supervisor
	router *Router
	pub    *Publisher
	cache  *StateCache
	logger *slog.Logger

	subscribeDelay time.Duration
	stateDelay     time.Duration
	configRetry    time.Duration

	mu     sync.Mutex
	roster []string
	cancel context.CancelFunc
	unsub  func()
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithPacing tunes the post-subscribe and post-getState waits.
func WithPacing(subscribe, state time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		s.subscribeDelay = subscribe
		s.stateDelay = state
	}
}

// WithConfigRetry tunes the empty-config getState fallback delay.
func WithConfigRetry(d time.Duration) SchedulerOption {
	return func(s *Scheduler) { s.configRetry = d }
}

// NewScheduler builds a scheduler bound to the connected event.
func NewScheduler(sup *Supervisor, router *Router, pub *Publisher, cache *StateCache, bus *Bus, logger *slog.Logger, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		sup:            sup,
		router:         router,
		pub:            pub,
		cache:          cache,
		logger:         logger.With("component", "scheduler"),
		subscribeDelay: defaultSubscribeDelay,
		stateDelay:     defaultStateDelay,
		configRetry:    defaultConfigRetryDelay,
	}
	for _, o := range opts {
		o(s)
	}
	s.unsub = bus.On(EventConnected, func(Event) { s.start() })
	return s
}

// SetRoster replaces the device list the scheduler walks on connect.
func (s *Scheduler) SetRoster(ids []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roster = append([]string(nil), ids...)
}

// Roster returns a copy of the current device list.
func (s *Scheduler) Roster() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.roster...)
}

// Add appends a device unless it is already present.
func (s *Scheduler) Add(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.roster {
		if existing == id {
			return
		}
	}
	s.roster = append(s.roster, id)
}

// Remove drops a device from the roster.
func (s *Scheduler) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.roster {
		if existing == id {
			s.roster = append(s.roster[:i], s.roster[i+1:]...)
			return
		}
	}
}

// Reorder re-sorts the roster by the given ranks without changing
// membership. Unranked devices keep their relative order after the
// ranked ones.
func (s *Scheduler) Reorder(rank map[string]int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sort.SliceStable(s.roster, func(i, j int) bool {
		ri, iok := rank[s.roster[i]]
		rj, jok := rank[s.roster[j]]
		switch {
		case iok && jok:
			return ri < rj
		case iok:
			return true
		default:
			return false
		}
	})
}

// Stop cancels any in-flight walk and detaches from the bus.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	unsub := s.unsub
	s.unsub = nil
	s.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}

// start launches a fresh walk, cancelling the previous one.
func (s *Scheduler) start() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	roster := append([]string(nil), s.roster...)
	s.mu.Unlock()

	go s.run(ctx, roster)
}

func (s *Scheduler) run(ctx context.Context, roster []string) {
	for _, raw := range roster {
		id, err := deviceid.Normalize(raw)
		if err != nil {
			s.logger.Warn("skipping roster entry with invalid id", "id", raw)
			continue
		}
		if s.sup.State() != StateConnected {
			s.logger.Warn("session left connected, aborting subscription walk")
			return
		}

		if err := s.router.SubscribeDevice(id); err != nil {
			s.logger.Warn("subscribe failed", "id", id, "err", err)
		}
		if !pause(ctx, s.subscribeDelay) {
			return
		}

		if _, err := s.pub.PublishControl(id, map[string]any{"command": "getState"}); err != nil {
			s.logger.Warn("state request failed", "id", id, "err", err)
		}
		s.scheduleConfigRetry(ctx, id)

		if !pause(ctx, s.stateDelay) {
			return
		}
		if s.sup.State() != StateConnected {
			s.logger.Warn("session left connected, aborting subscription walk")
			return
		}
	}
}

// scheduleConfigRetry re-asks getState once if the device's config map
// is still empty after the fallback delay. Devices publish their config
// inside the state document, so an empty map means the snapshot never
// arrived.
func (s *Scheduler) scheduleConfigRetry(ctx context.Context, id string) {
	time.AfterFunc(s.configRetry, func() {
		if ctx.Err() != nil || s.sup.State() != StateConnected {
			return
		}
		st, ok := s.cache.Get(id)
		if ok && len(st.Config) > 0 {
			return
		}
		s.logger.Info("config still empty, re-requesting state", "id", id)
		if _, err := s.pub.PublishControl(id, map[string]any{"command": "getState"}); err != nil {
			s.logger.Warn("state re-request failed", "id", id, "err", err)
		}
	})
}

// pause sleeps for d; false means the walk was cancelled.
func pause(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
