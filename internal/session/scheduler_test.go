package session

import (
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"lumibot-session/internal/device"
)

func mustFrame(t *testing.T, payload string) device.Frame {
	t.Helper()
	f, err := device.DecodeFrame([]byte(payload))
	if err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	return f
}

func newTestStack(t *testing.T, tr *fakeTransport, opts ...SchedulerOption) (*Scheduler, *Supervisor, *StateCache) {
	t.Helper()
	sup, bus := newTestSupervisor(t, tr)
	cache := NewStateCache(bus, slog.Default())
	t.Cleanup(cache.Close)
	router := NewRouter(sup, cache, slog.Default())
	pub := NewPublisher(sup, bus, slog.Default())
	sched := NewScheduler(sup, router, pub, cache, bus, slog.Default(), opts...)
	t.Cleanup(sched.Stop)
	return sched, sup, cache
}

// Roster [A1B2, ZZZZ, BEEF]: the walk subscribes and requests state for
// the two valid devices in order, skipping the invalid one, with the
// configured pacing between steps.
func TestSchedulerWalksRosterSequentially(t *testing.T) {
	tr := &fakeTransport{}
	sched, sup, _ := newTestStack(t, tr,
		WithPacing(30*time.Millisecond, 50*time.Millisecond),
		WithConfigRetry(10*time.Second))
	sched.SetRoster([]string{"A1B2", "ZZZZ", "BEEF"})

	if err := sup.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	waitFor(t, 2*time.Second, func() bool {
		return len(tr.subscribed()) == 2 && len(tr.published()) == 2
	}, "walk never completed")

	subs := tr.subscribed()
	if subs[0].topic != "state/A1B2" || subs[1].topic != "state/BEEF" {
		t.Fatalf("subscribe order = %s, %s, want state/A1B2 then state/BEEF", subs[0].topic, subs[1].topic)
	}

	pubs := tr.published()
	for i, want := range []string{"control/A1B2", "control/BEEF"} {
		if pubs[i].topic != want {
			t.Errorf("publish %d topic = %s, want %s", i, pubs[i].topic, want)
		}
		if !strings.Contains(pubs[i].payload, `"command":"getState"`) {
			t.Errorf("publish %d payload = %s, want getState command", i, pubs[i].payload)
		}
	}

	// Pacing: subscribe -> getState gap and device -> device gap.
	if gap := pubs[0].at.Sub(subs[0].at); gap < 25*time.Millisecond {
		t.Errorf("subscribe-to-getState gap = %v, want >= ~30ms", gap)
	}
	if gap := subs[1].at.Sub(pubs[0].at); gap < 45*time.Millisecond {
		t.Errorf("device-to-device gap = %v, want >= ~50ms", gap)
	}
}

func TestSchedulerRosterEdits(t *testing.T) {
	tr := &fakeTransport{}
	sched, _, _ := newTestStack(t, tr)

	sched.SetRoster([]string{"A1B2", "BEEF"})
	sched.Add("CAFE")
	sched.Add("BEEF")
	if got := strings.Join(sched.Roster(), " "); got != "A1B2 BEEF CAFE" {
		t.Errorf("roster after adds = %s, want A1B2 BEEF CAFE", got)
	}

	sched.Remove("BEEF")
	sched.Remove("ZZZZ")
	if got := strings.Join(sched.Roster(), " "); got != "A1B2 CAFE" {
		t.Errorf("roster after removes = %s, want A1B2 CAFE", got)
	}
}

func TestSchedulerReorderKeepsMembership(t *testing.T) {
	tr := &fakeTransport{}
	sched, _, _ := newTestStack(t, tr)

	sched.SetRoster([]string{"A1B2", "BEEF", "CAFE", "F00D"})
	// Partial ranking: unranked ids keep their relative order after
	// the ranked ones.
	sched.Reorder(map[string]int{"CAFE": 0, "BEEF": 1})
	if got := strings.Join(sched.Roster(), " "); got != "CAFE BEEF A1B2 F00D" {
		t.Errorf("roster after reorder = %s, want CAFE BEEF A1B2 F00D", got)
	}
}

func TestSchedulerConfigFallback(t *testing.T) {
	tr := &fakeTransport{}
	sched, sup, _ := newTestStack(t, tr,
		WithPacing(time.Millisecond, time.Millisecond),
		WithConfigRetry(40*time.Millisecond))
	sched.SetRoster([]string{"CAFE"})

	if err := sup.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	// No state ever arrives, so the fallback re-asks once.
	waitFor(t, 2*time.Second, func() bool { return len(tr.published()) >= 2 }, "fallback getState never sent")
	for _, p := range tr.published() {
		if p.topic != "control/CAFE" {
			t.Errorf("unexpected publish topic %s", p.topic)
		}
	}
}

func TestSchedulerConfigFallbackSkippedWhenConfigArrives(t *testing.T) {
	tr := &fakeTransport{}
	sched, sup, cache := newTestStack(t, tr,
		WithPacing(time.Millisecond, time.Millisecond),
		WithConfigRetry(50*time.Millisecond))
	sched.SetRoster([]string{"CAFE"})

	if err := sup.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, time.Second, func() bool { return len(tr.published()) == 1 }, "initial getState never sent")

	// Device answers with its config before the fallback window closes.
	cache.Apply("CAFE", mustFrame(t, `{"light":true,"config":{"motionTimeout":120}}`))

	time.Sleep(120 * time.Millisecond)
	if got := len(tr.published()); got != 1 {
		t.Errorf("publishes = %d, want 1 (no fallback once config is present)", got)
	}
}

func TestSchedulerRerunsOnReconnect(t *testing.T) {
	tr := &fakeTransport{}
	sched, sup, _ := newTestStack(t, tr,
		WithPacing(time.Millisecond, time.Millisecond),
		WithConfigRetry(10*time.Second))
	sched.SetRoster([]string{"A1B2"})

	if err := sup.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, time.Second, func() bool { return len(tr.subscribed()) == 1 }, "first walk missing")

	// Drop and let the supervisor reconnect; the walk must replay.
	tr.onLost(nil)
	waitFor(t, 2*time.Second, func() bool { return len(tr.subscribed()) == 2 }, "no resubscribe after reconnect")
}
