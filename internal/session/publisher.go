package session

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"lumibot-session/internal/deviceid"
)

// PublishResult tells the caller what happened to its message.
type PublishResult string

const (
	// PublishSent went to the broker.
	PublishSent PublishResult = "sent"
	// PublishQueued waits in the pre-connect buffer.
	PublishQueued PublishResult = "queued"
	// PublishDropped was discarded (teardown).
	PublishDropped PublishResult = "dropped"
)

const defaultBufferPerTopic = 32

type queuedMessage struct {
	qos      byte
	retained bool
	payload  []byte
}

// Publisher issues control and config publishes with the fixed per-topic
// QoS/retain policy. While the session is down it buffers per topic,
// bounded, dropping the oldest on overflow; the buffer flushes in FIFO
// order when the session comes up and survives reconnects within the
// same process.
type Publisher struct {
	sup    *Supervisor
	logger *slog.Logger
	limit  int

	mu     sync.Mutex
	queues map[string][]queuedMessage
	order  []string
	closed bool
}

// PublisherOption configures a Publisher.
type PublisherOption func(*Publisher)

// WithBufferLimit tunes the per-topic pre-connect buffer size.
func WithBufferLimit(n int) PublisherOption {
	return func(p *Publisher) { p.limit = n }
}

// NewPublisher builds a publisher and arranges a flush on every
// connected transition.
func NewPublisher(sup *Supervisor, bus *Bus, logger *slog.Logger, opts ...PublisherOption) *Publisher {
	p := &Publisher{
		sup:    sup,
		logger: logger.With("component", "publisher"),
		limit:  defaultBufferPerTopic,
		queues: make(map[string][]queuedMessage),
	}
	for _, o := range opts {
		o(p)
	}
	bus.On(EventConnected, func(Event) { p.Flush() })
	return p
}

// PublishControl sends a command document to control/<id>, QoS 0,
// non-retained.
func (p *Publisher) PublishControl(id string, payload any) (PublishResult, error) {
	norm, err := deviceid.Normalize(id)
	if err != nil {
		return PublishDropped, err
	}
	return p.publish(ControlTopic(norm), 0, false, payload)
}

// PublishConfig sends a config overlay to config/<id>, QoS 1, retained.
func (p *Publisher) PublishConfig(id string, payload any) (PublishResult, error) {
	norm, err := deviceid.Normalize(id)
	if err != nil {
		return PublishDropped, err
	}
	return p.publish(ConfigTopic(norm), 1, true, payload)
}

func (p *Publisher) publish(topic string, qos byte, retained bool, payload any) (PublishResult, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return PublishDropped, fmt.Errorf("encode payload for %s: %w", topic, err)
	}

	err = p.sup.Publish(topic, qos, retained, data)
	if err == nil {
		return PublishSent, nil
	}
	if err != ErrNotConnected {
		return PublishDropped, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return PublishDropped, ErrClosed
	}
	q, ok := p.queues[topic]
	if !ok {
		p.order = append(p.order, topic)
	}
	if len(q) >= p.limit {
		q = q[1:]
		p.logger.Warn("pre-connect buffer full, dropping oldest", "topic", topic)
	}
	p.queues[topic] = append(q, queuedMessage{qos, retained, data})
	return PublishQueued, nil
}

// Flush drains the buffer in FIFO order per topic. Messages that still
// cannot be sent go back to the front of their queue.
func (p *Publisher) Flush() {
	p.mu.Lock()
	queues := p.queues
	order := p.order
	p.queues = make(map[string][]queuedMessage)
	p.order = nil
	p.mu.Unlock()

	sent := 0
	for _, topic := range order {
		for i, m := range queues[topic] {
			if err := p.sup.Publish(topic, m.qos, m.retained, m.payload); err != nil {
				p.logger.Warn("flush interrupted", "topic", topic, "err", err)
				p.requeue(topic, queues[topic][i:])
				return
			}
			sent++
		}
	}
	if sent > 0 {
		p.logger.Info("flushed buffered publishes", "count", sent)
	}
}

func (p *Publisher) requeue(topic string, msgs []queuedMessage) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	if _, ok := p.queues[topic]; !ok {
		p.order = append(p.order, topic)
	}
	p.queues[topic] = append(msgs, p.queues[topic]...)
}

// Pending reports the number of buffered messages for a topic.
func (p *Publisher) Pending(topic string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queues[topic])
}

// Close discards the buffer.
func (p *Publisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.queues = make(map[string][]queuedMessage)
	p.order = nil
}
