package session

import (
	"context"
	"log/slog"
	"testing"
)

func newTestPublisher(t *testing.T, tr *fakeTransport, opts ...PublisherOption) (*Publisher, *Supervisor) {
	t.Helper()
	sup, bus := newTestSupervisor(t, tr)
	return NewPublisher(sup, bus, slog.Default(), opts...), sup
}

func TestPublishWhileConnected(t *testing.T) {
	tr := &fakeTransport{}
	p, sup := newTestPublisher(t, tr)
	if err := sup.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	res, err := p.PublishControl("a1b2", map[string]any{"light": true})
	if err != nil || res != PublishSent {
		t.Fatalf("PublishControl = %v, %v, want sent", res, err)
	}
	res, err = p.PublishConfig("A1B2", map[string]any{"alarmEnabled": true})
	if err != nil || res != PublishSent {
		t.Fatalf("PublishConfig = %v, %v, want sent", res, err)
	}

	pubs := tr.published()
	if len(pubs) != 2 {
		t.Fatalf("got %d publishes, want 2", len(pubs))
	}
	if pubs[0].topic != "control/A1B2" || pubs[0].qos != 0 || pubs[0].retained {
		t.Errorf("control publish = %+v, want control/A1B2 qos0 unretained", pubs[0])
	}
	if pubs[1].topic != "config/A1B2" || pubs[1].qos != 1 || !pubs[1].retained {
		t.Errorf("config publish = %+v, want config/A1B2 qos1 retained", pubs[1])
	}
}

func TestPreConnectBufferFlush(t *testing.T) {
	tr := &fakeTransport{}
	p, sup := newTestPublisher(t, tr)

	res, err := p.PublishControl("FFEE", map[string]any{"light": true})
	if err != nil || res != PublishQueued {
		t.Fatalf("PublishControl while down = %v, %v, want queued", res, err)
	}
	if got := p.Pending("control/FFEE"); got != 1 {
		t.Fatalf("Pending = %d, want 1", got)
	}

	if err := sup.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	pubs := tr.published()
	if len(pubs) == 0 {
		t.Fatal("nothing flushed on connect")
	}
	if pubs[0].topic != "control/FFEE" || pubs[0].payload != `{"light":true}` {
		t.Errorf("first outbound = %+v, want control/FFEE {\"light\":true}", pubs[0])
	}
	if got := p.Pending("control/FFEE"); got != 0 {
		t.Errorf("Pending after flush = %d, want 0", got)
	}
}

func TestBufferOverflowDropsOldest(t *testing.T) {
	tr := &fakeTransport{}
	p, sup := newTestPublisher(t, tr, WithBufferLimit(2))

	p.PublishControl("FFEE", map[string]any{"mode": 0})
	p.PublishControl("FFEE", map[string]any{"mode": 1})
	p.PublishControl("FFEE", map[string]any{"mode": 3})

	if got := p.Pending("control/FFEE"); got != 2 {
		t.Fatalf("Pending = %d, want 2", got)
	}

	if err := sup.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	pubs := tr.published()
	if len(pubs) != 2 {
		t.Fatalf("flushed %d messages, want 2", len(pubs))
	}
	if pubs[0].payload != `{"mode":1}` || pubs[1].payload != `{"mode":3}` {
		t.Errorf("flush order = %q, %q, want mode:1 then mode:3", pubs[0].payload, pubs[1].payload)
	}
}

func TestPublishInvalidID(t *testing.T) {
	tr := &fakeTransport{}
	p, _ := newTestPublisher(t, tr)

	if res, err := p.PublishControl("??", map[string]any{"light": true}); err == nil || res != PublishDropped {
		t.Errorf("PublishControl(\"??\") = %v, %v, want dropped with error", res, err)
	}
}

func TestCloseDiscardsBuffer(t *testing.T) {
	tr := &fakeTransport{}
	p, sup := newTestPublisher(t, tr)

	p.PublishControl("FFEE", map[string]any{"light": true})
	p.Close()

	if err := sup.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := len(tr.published()); got != 0 {
		t.Errorf("%d messages flushed after Close, want 0", got)
	}
}
