package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ConnState is the Supervisor's connection state.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateBackoff
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateBackoff:
		return "backoff"
	}
	return "unknown"
}

// ErrClosed is returned once the Supervisor has been torn down.
var ErrClosed = errors.New("session closed")

const (
	defaultBackoffInitial = time.Second
	defaultBackoffCap     = 30 * time.Second
)

// Supervisor owns the one transport session. It is the only component
// that touches the Transport: everything else subscribes and publishes
// through it, and reads its state.
//
// State machine: Disconnected -> Connecting -> Connected, with failures
// landing in Backoff, which retries Connecting after a doubling delay.
type Supervisor struct {
	bus     *Bus
	factory TransportFactory
	opts    BrokerOptions
	logger  *slog.Logger

	backoffInitial time.Duration
	backoffCap     time.Duration

	mu        sync.Mutex
	state     ConnState
	transport Transport
	handler   MessageHandler
	waiters   []chan error
	delay     time.Duration
	retry     *time.Timer
	closed    bool
}

// SupervisorOption configures a Supervisor.
type SupervisorOption func(*Supervisor)

// WithBackoff tunes the reconnect delay progression.
func WithBackoff(initial, cap time.Duration) SupervisorOption {
	return func(s *Supervisor) {
		s.backoffInitial = initial
		s.backoffCap = cap
	}
}

// NewSupervisor builds a Supervisor in the Disconnected state.
func NewSupervisor(opts BrokerOptions, factory TransportFactory, bus *Bus, logger *slog.Logger, sopts ...SupervisorOption) *Supervisor {
	s := &Supervisor{
		bus:            bus,
		factory:        factory,
		opts:           opts,
		logger:         logger.With("component", "supervisor"),
		backoffInitial: defaultBackoffInitial,
		backoffCap:     defaultBackoffCap,
		state:          StateDisconnected,
	}
	for _, o := range sopts {
		o(s)
	}
	s.delay = s.backoffInitial
	return s
}

// OnMessage installs the inbound frame handler. Must be called before
// the first Connect; the Router is the expected consumer.
func (s *Supervisor) OnMessage(fn MessageHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = fn
}

// State reports the current connection state.
func (s *Supervisor) State() ConnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Connect brings the session up. Concurrent calls share one attempt:
// the transport's open runs at most once regardless of caller count.
// The returned error reflects the attempt the caller joined; on failure
// the Supervisor keeps retrying in the background.
func (s *Supervisor) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.state == StateConnected {
		s.mu.Unlock()
		return nil
	}
	ch := make(chan error, 1)
	s.waiters = append(s.waiters, ch)
	if s.state != StateConnecting {
		s.toConnectingLocked()
	}
	s.mu.Unlock()

	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wake schedules an immediate attempt unless already Connected. Pages
// call this when they come back to the foreground.
func (s *Supervisor) Wake() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.state == StateConnected || s.state == StateConnecting {
		return
	}
	s.toConnectingLocked()
}

// Close tears the session down for good.
func (s *Supervisor) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	if s.retry != nil {
		s.retry.Stop()
		s.retry = nil
	}
	s.state = StateDisconnected
	tr := s.transport
	s.notifyLocked(ErrClosed)
	s.mu.Unlock()

	if tr != nil && tr.IsConnected() {
		tr.Disconnect()
	}
	s.logger.Info("session closed")
}

// Subscribe forwards to the transport while Connected.
func (s *Supervisor) Subscribe(topic string, qos byte) error {
	tr, err := s.live()
	if err != nil {
		return err
	}
	return tr.Subscribe(topic, qos)
}

// Unsubscribe forwards to the transport while Connected.
func (s *Supervisor) Unsubscribe(topic string) error {
	tr, err := s.live()
	if err != nil {
		return err
	}
	return tr.Unsubscribe(topic)
}

// Publish forwards to the transport while Connected.
func (s *Supervisor) Publish(topic string, qos byte, retained bool, payload []byte) error {
	tr, err := s.live()
	if err != nil {
		return err
	}
	return tr.Publish(topic, qos, retained, payload)
}

func (s *Supervisor) live() (Transport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if s.state != StateConnected || s.transport == nil {
		return nil, ErrNotConnected
	}
	return s.transport, nil
}

// toConnectingLocked enters Connecting and launches the attempt. Caller
// holds s.mu.
func (s *Supervisor) toConnectingLocked() {
	if s.retry != nil {
		s.retry.Stop()
		s.retry = nil
	}
	s.state = StateConnecting
	go s.attempt()
}

func (s *Supervisor) attempt() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if s.transport == nil {
		s.transport = s.factory(s.opts, s.dispatch, s.onLost)
	}
	tr := s.transport
	s.mu.Unlock()

	err := tr.Connect(context.Background())

	s.mu.Lock()
	if s.closed {
		s.notifyLocked(ErrClosed)
		s.mu.Unlock()
		return
	}
	if err != nil {
		delay := s.delay
		s.delay = nextDelay(s.delay, s.backoffCap)
		s.state = StateBackoff
		s.retry = time.AfterFunc(delay, s.retryFire)
		s.notifyLocked(err)
		s.mu.Unlock()

		s.logger.Warn("connect failed", "err", err, "retryIn", delay)
		s.bus.Emit(Event{Type: EventDisconnected, Data: err.Error()})
		return
	}

	s.state = StateConnected
	s.delay = s.backoffInitial
	s.notifyLocked(nil)
	s.mu.Unlock()

	s.logger.Info("connected", "broker", s.opts.URL())
	s.bus.Emit(Event{Type: EventConnected})
}

// onLost handles a transport-reported drop of an established session.
func (s *Supervisor) onLost(err error) {
	s.mu.Lock()
	if s.closed || s.state != StateConnected {
		s.mu.Unlock()
		return
	}
	delay := s.delay
	s.delay = nextDelay(s.delay, s.backoffCap)
	s.state = StateBackoff
	s.retry = time.AfterFunc(delay, s.retryFire)
	s.mu.Unlock()

	reason := "connection lost"
	if err != nil {
		reason = err.Error()
	}
	s.logger.Warn("session lost", "reason", reason, "retryIn", delay)
	s.bus.Emit(Event{Type: EventDisconnected, Data: reason})
}

func (s *Supervisor) retryFire() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.state != StateBackoff {
		return
	}
	s.toConnectingLocked()
}

func (s *Supervisor) dispatch(topic string, payload []byte) {
	s.mu.Lock()
	fn := s.handler
	s.mu.Unlock()
	if fn != nil {
		fn(topic, payload)
	}
}

// notifyLocked resolves every waiter with the attempt result.
func (s *Supervisor) notifyLocked(err error) {
	for _, ch := range s.waiters {
		ch <- err
	}
	s.waiters = nil
}

// nextDelay doubles toward the cap: 1, 2, 4, 8, 16, 30, 30, ... seconds
// with the defaults.
func nextDelay(d, cap time.Duration) time.Duration {
	d *= 2
	if d > cap {
		return cap
	}
	return d
}
