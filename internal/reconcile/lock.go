package reconcile

import "time"

// DefaultLockWindow bounds how long an optimistic user command may
// suppress conflicting server reports.
const DefaultLockWindow = 2 * time.Second

// FieldLock is the per-field race guard around an optimistic command:
// idle, or pending an expected value until a deadline. A matching
// server report confirms and clears it; a conflicting report inside the
// window is suppressed; expiry accepts whatever the server says.
type FieldLock struct {
	pending  bool
	expected any
	deadline time.Time
}

// Set arms the lock with the value the command should produce.
func (l *FieldLock) Set(expected any, now time.Time, window time.Duration) {
	l.pending = true
	l.expected = expected
	l.deadline = now.Add(window)
}

// Observe feeds one server-reported value. It returns true when the
// value may be applied to the view, false when it must be suppressed.
func (l *FieldLock) Observe(value any, now time.Time) bool {
	if !l.pending {
		return true
	}
	if !now.Before(l.deadline) {
		l.pending = false
		return true
	}
	if value == l.expected {
		l.pending = false
		return true
	}
	return false
}

// Active reports whether the lock is still suppressing at now.
func (l *FieldLock) Active(now time.Time) bool {
	if l.pending && !now.Before(l.deadline) {
		l.pending = false
	}
	return l.pending
}

// Expected returns the armed value; only meaningful while Active.
func (l *FieldLock) Expected() any { return l.expected }

// Clear disarms the lock.
func (l *FieldLock) Clear() { l.pending = false }
