package main

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"lumibot-session/internal/cloud"
	"lumibot-session/internal/device"
	"lumibot-session/internal/localcache"
	"lumibot-session/internal/session"
)

// recordingTransport tracks subscription traffic so roster diffs can be
// checked against what actually reached the broker.
type recordingTransport struct {
	mu        sync.Mutex
	connected bool
	unsubs    []string
}

func (rt *recordingTransport) factory(_ session.BrokerOptions, _ session.MessageHandler, _ func(error)) session.Transport {
	return rt
}

func (rt *recordingTransport) Connect(context.Context) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.connected = true
	return nil
}

func (rt *recordingTransport) Disconnect() {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.connected = false
}

func (rt *recordingTransport) Subscribe(string, byte) error { return nil }

func (rt *recordingTransport) Unsubscribe(topic string) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.unsubs = append(rt.unsubs, topic)
	return nil
}

func (rt *recordingTransport) Publish(string, byte, bool, []byte) error { return nil }

func (rt *recordingTransport) IsConnected() bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.connected
}

func (rt *recordingTransport) unsubscribed() []string {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return append([]string(nil), rt.unsubs...)
}

// rosterStore is a cloud.Store stub; the tests drive apply directly.
type rosterStore struct{}

func (rosterStore) ListDevices(context.Context, string) ([]cloud.Document, error) { return nil, nil }
func (rosterStore) GetDevice(context.Context, string, string) (*cloud.Document, error) {
	return nil, cloud.ErrNotFound
}
func (rosterStore) AddDevice(context.Context, string, cloud.Document) error { return nil }
func (rosterStore) RemoveDevice(context.Context, string, string) error      { return nil }
func (rosterStore) UpdateDevice(context.Context, string, string, map[string]any) error {
	return nil
}
func (rosterStore) SaveDeviceOrder(context.Context, string, []string) error { return nil }
func (rosterStore) GetDeviceOrder(context.Context, string) ([]string, error) {
	return nil, nil
}
func (rosterStore) SubscribeToDevices(string, func([]cloud.Document)) func() {
	return func() {}
}
func (rosterStore) SubscribeToDevice(string, string, func(*cloud.Document)) func() {
	return func() {}
}

func lightDoc(id string) cloud.Document {
	return cloud.Document{Record: device.Record{ID: id, Kind: device.KindLight}}
}

func waitFor(t *testing.T, d time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

// A cloud snapshot that drops a device must tear down its broker
// subscription and cached state, not just shrink the walk roster.
func TestRosterSyncRemovalUnsubscribes(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	cache, err := localcache.Open(filepath.Join(t.TempDir(), "cache.db"), logger)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { cache.Close() })

	rt := &recordingTransport{}
	svc := session.NewService(session.ServiceConfig{
		Broker:  session.BrokerOptions{Host: "broker.test", Port: "9001", Path: "/mqtt"},
		Factory: rt.factory,
	}, logger)
	t.Cleanup(svc.Close)
	if err := svc.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	rs := newRosterSync(svc, rosterStore{}, cache, "u1", logger)
	t.Cleanup(rs.Stop)

	rs.apply([]cloud.Document{lightDoc("A1B2"), lightDoc("BEEF")})
	waitFor(t, 5*time.Second, func() bool { return len(svc.Subscribed()) == 2 },
		"walk never subscribed both devices")

	rs.apply([]cloud.Document{lightDoc("A1B2")})

	found := false
	for _, topic := range rt.unsubscribed() {
		if topic == "state/BEEF" {
			found = true
		}
	}
	if !found {
		t.Errorf("unsubscribes = %v, want state/BEEF", rt.unsubscribed())
	}
	subs := svc.Subscribed()
	if len(subs) != 1 || subs[0] != "A1B2" {
		t.Errorf("subscribed = %v, want [A1B2]", subs)
	}
}
