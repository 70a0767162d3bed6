package reconcile

import (
	"math"
	"time"
)

// TimerKind distinguishes the two device countdowns.
type TimerKind int

const (
	TimerNone TimerKind = iota
	TimerMotion
	TimerManual
)

// resyncDriftSeconds is how far the prediction may drift from a server
// report before the anchor resyncs.
const resyncDriftSeconds = 2.5

// Anchor predicts a countdown between sparse server updates: the
// displayed value is the anchored value minus elapsed wall time. The
// zero Anchor means no timer is active.
type Anchor struct {
	Kind  TimerKind
	Value int
	At    time.Time
}

// Remaining returns the predicted seconds left at now, never negative.
func (a Anchor) Remaining(now time.Time) int {
	if a.Kind == TimerNone {
		return 0
	}
	rem := a.Value - int(now.Sub(a.At)/time.Second)
	if rem < 0 {
		return 0
	}
	return rem
}

// NeedsResync reports whether a server update should replace the
// anchor: no timer was active, the timer type changed, or the report
// drifted more than the tolerance from the prediction.
func (a Anchor) NeedsResync(kind TimerKind, serverValue int, now time.Time) bool {
	if a.Kind == TimerNone || kind != a.Kind {
		return true
	}
	predicted := float64(a.Value) - now.Sub(a.At).Seconds()
	return math.Abs(float64(serverValue)-predicted) > resyncDriftSeconds
}

// Update folds one server report into the anchor. Reports within the
// drift tolerance keep the existing anchor so the displayed countdown
// stays smooth.
func (a Anchor) Update(kind TimerKind, serverValue int, now time.Time) Anchor {
	if kind == TimerNone {
		return Anchor{}
	}
	if a.NeedsResync(kind, serverValue, now) {
		return Anchor{Kind: kind, Value: serverValue, At: now}
	}
	return a
}
