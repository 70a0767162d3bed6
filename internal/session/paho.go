package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

// pahoTransport backs Transport with the paho MQTT client. Paho's own
// auto-reconnect stays off: retry policy belongs to the Supervisor.
type pahoTransport struct {
	client    pahomqtt.Client
	onMessage MessageHandler
	logger    *slog.Logger
}

// NewPahoTransport is the production TransportFactory.
func NewPahoTransport(logger *slog.Logger) TransportFactory {
	return func(opts BrokerOptions, onMessage MessageHandler, onLost func(error)) Transport {
		t := &pahoTransport{
			onMessage: onMessage,
			logger:    logger.With("component", "transport"),
		}

		clientID := opts.ClientID()
		po := pahomqtt.NewClientOptions().
			AddBroker(opts.URL()).
			SetClientID(clientID).
			SetCleanSession(true).
			SetKeepAlive(60 * time.Second).
			SetAutoReconnect(false).
			SetConnectRetry(false).
			SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
				t.logger.Warn("connection lost", "err", err)
				onLost(err)
			}).
			SetDefaultPublishHandler(func(_ pahomqtt.Client, m pahomqtt.Message) {
				t.onMessage(m.Topic(), m.Payload())
			})

		if opts.Username != "" {
			po.SetUsername(opts.Username)
			po.SetPassword(opts.Password)
		}

		t.client = pahomqtt.NewClient(po)
		t.logger.Info("transport ready", "broker", opts.URL(), "clientId", clientID)
		return t
	}
}

func (t *pahoTransport) Connect(ctx context.Context) error {
	token := t.client.Connect()
	done := make(chan struct{})
	go func() {
		token.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	return nil
}

func (t *pahoTransport) Disconnect() {
	t.client.Disconnect(250)
}

func (t *pahoTransport) Subscribe(topic string, qos byte) error {
	token := t.client.Subscribe(topic, qos, func(_ pahomqtt.Client, m pahomqtt.Message) {
		t.onMessage(m.Topic(), m.Payload())
	})
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	return nil
}

func (t *pahoTransport) Unsubscribe(topic string) error {
	token := t.client.Unsubscribe(topic)
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("unsubscribe %s: %w", topic, err)
	}
	return nil
}

func (t *pahoTransport) Publish(topic string, qos byte, retained bool, payload []byte) error {
	token := t.client.Publish(topic, qos, retained, payload)
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

func (t *pahoTransport) IsConnected() bool {
	return t.client.IsConnected()
}
