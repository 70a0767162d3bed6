package session

import (
	"context"
	"log/slog"
	"testing"
)

func newTestRouter(t *testing.T, tr *fakeTransport) (*Router, *StateCache, *Supervisor) {
	t.Helper()
	sup, bus := newTestSupervisor(t, tr)
	cache := NewStateCache(bus, slog.Default())
	t.Cleanup(cache.Close)
	return NewRouter(sup, cache, slog.Default()), cache, sup
}

func TestSubscribeDeviceNormalizesTopic(t *testing.T) {
	tr := &fakeTransport{}
	r, _, sup := newTestRouter(t, tr)
	if err := sup.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	if err := r.SubscribeDevice(" a1b2 "); err != nil {
		t.Fatalf("SubscribeDevice: %v", err)
	}

	subs := tr.subscribed()
	if len(subs) != 1 || subs[0].topic != "state/A1B2" {
		t.Errorf("subscribed topics = %v, want [state/A1B2]", subs)
	}
	got := r.Subscribed()
	if len(got) != 1 || got[0] != "A1B2" {
		t.Errorf("Subscribed() = %v, want [A1B2]", got)
	}
}

func TestSubscribeDeviceRejectsInvalid(t *testing.T) {
	tr := &fakeTransport{}
	r, _, _ := newTestRouter(t, tr)

	if err := r.SubscribeDevice("!!"); err == nil {
		t.Error("SubscribeDevice(\"!!\") = nil, want error")
	}
	if len(tr.subscribed()) != 0 {
		t.Error("invalid id reached the transport")
	}
}

func TestSubscribeWhileDisconnectedRecordsOnly(t *testing.T) {
	tr := &fakeTransport{}
	r, _, _ := newTestRouter(t, tr)

	if err := r.SubscribeDevice("BEEF"); err != nil {
		t.Fatalf("SubscribeDevice: %v", err)
	}
	if got := r.Subscribed(); len(got) != 1 || got[0] != "BEEF" {
		t.Errorf("Subscribed() = %v, want [BEEF]", got)
	}
	if len(tr.subscribed()) != 0 {
		t.Error("SUBSCRIBE emitted while disconnected")
	}
}

func TestInboundDispatch(t *testing.T) {
	tr := &fakeTransport{}
	_, cache, sup := newTestRouter(t, tr)
	if err := sup.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	tr.onMessage("state/A1B2", []byte(`{"light":true,"mode":1}`))

	st, ok := cache.Get("A1B2")
	if !ok {
		t.Fatal("state not cached after dispatch")
	}
	if st.Light == nil || !*st.Light || st.Mode == nil || *st.Mode != 1 {
		t.Errorf("cached state mismatch: %+v", st)
	}
}

func TestDispatchDiscardsMalformedPayload(t *testing.T) {
	tr := &fakeTransport{}
	_, cache, sup := newTestRouter(t, tr)
	if err := sup.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	tr.onMessage("state/A1B2", []byte(`{"light":true}`))
	tr.onMessage("state/A1B2", []byte(`{broken`))

	st, ok := cache.Get("A1B2")
	if !ok {
		t.Fatal("state missing")
	}
	if st.Light == nil || !*st.Light {
		t.Error("malformed frame clobbered last-known state")
	}
}

func TestDispatchIgnoresForeignTopics(t *testing.T) {
	tr := &fakeTransport{}
	_, cache, sup := newTestRouter(t, tr)
	if err := sup.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	tr.onMessage("control/A1B2", []byte(`{"light":true}`))
	tr.onMessage("state/zz!!", []byte(`{"light":true}`))

	if len(cache.Snapshot()) != 0 {
		t.Error("foreign or invalid topics produced cache entries")
	}
}

func TestUnsubscribePurges(t *testing.T) {
	tr := &fakeTransport{}
	r, cache, sup := newTestRouter(t, tr)
	if err := sup.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	if err := r.SubscribeDevice("CAFE"); err != nil {
		t.Fatal(err)
	}
	tr.onMessage("state/CAFE", []byte(`{"light":false}`))

	if err := r.UnsubscribeDevice("cafe"); err != nil {
		t.Fatalf("UnsubscribeDevice: %v", err)
	}
	if _, ok := cache.Get("CAFE"); ok {
		t.Error("state survived unsubscribe purge")
	}
	tr.mu.Lock()
	unsubs := append([]string(nil), tr.unsubs...)
	tr.mu.Unlock()
	if len(unsubs) != 1 || unsubs[0] != "state/CAFE" {
		t.Errorf("unsubscribed topics = %v, want [state/CAFE]", unsubs)
	}
	if len(r.Subscribed()) != 0 {
		t.Error("subscription record survived unsubscribe")
	}
}
