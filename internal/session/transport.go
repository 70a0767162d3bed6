package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
)

// ErrNotConnected is returned by transport-backed operations while the
// session is not in the Connected state.
var ErrNotConnected = errors.New("transport not connected")

// MessageHandler receives inbound frames from the transport.
type MessageHandler func(topic string, payload []byte)

// Transport is one MQTT session as the Supervisor drives it. The
// Supervisor is the only caller; everything else goes through it.
type Transport interface {
	Connect(ctx context.Context) error
	Disconnect()
	Subscribe(topic string, qos byte) error
	Unsubscribe(topic string) error
	Publish(topic string, qos byte, retained bool, payload []byte) error
	IsConnected() bool
}

// TransportFactory builds a transport for one connection attempt series.
// Tests inject fakes here.
type TransportFactory func(opts BrokerOptions, onMessage MessageHandler, onLost func(error)) Transport

// BrokerOptions describes the MQTT-over-WebSockets endpoint.
type BrokerOptions struct {
	Host         string
	Port         string
	Path         string
	UseTLS       bool
	Username     string
	Password     string
	ClientPrefix string
}

// URL renders the broker WebSocket endpoint.
func (o BrokerOptions) URL() string {
	scheme := "ws"
	if o.UseTLS {
		scheme = "wss"
	}
	return fmt.Sprintf("%s://%s:%s%s", scheme, o.Host, o.Port, o.Path)
}

// ClientID returns "<prefix>-<random6>". The random suffix keeps a
// reconnecting client from evicting its own previous session on brokers
// that enforce unique IDs.
func (o BrokerOptions) ClientID() string {
	prefix := o.ClientPrefix
	if prefix == "" {
		prefix = "lumibot"
	}
	buf := make([]byte, 3)
	rand.Read(buf)
	return prefix + "-" + hex.EncodeToString(buf)
}
