// Package reconcile merges the three sources of truth for one device,
// local cached state, the cloud document, and live MQTT state, into a
// single view, guarded against optimistic-command flicker.
package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"lumibot-session/internal/cloud"
	"lumibot-session/internal/device"
	"lumibot-session/internal/deviceid"
	"lumibot-session/internal/localcache"
	"lumibot-session/internal/session"
)

const (
	defaultDebounce    = 2 * time.Second
	cloudUpsertTimeout = 10 * time.Second
)

// Live is the slice of the session layer the reconciler uses.
type Live interface {
	State(id string) (device.State, bool)
	OnState(session.StateListener) func()
	PublishControl(id string, payload any) (session.PublishResult, error)
}

// CloudStore is the slice of the cloud adapter the reconciler uses.
type CloudStore interface {
	SubscribeToDevice(userID, id string, fn func(*cloud.Document)) func()
	UpdateDevice(ctx context.Context, userID, id string, patch map[string]any) error
}

// ViewListener receives the merged view after every recomputation.
type ViewListener func(device.State)

type viewListenerEntry struct {
	id uint64
	fn ViewListener
}

// Reconciler binds one device. Precedence per field: an active command
// lock, then live MQTT, then the cloud document, then the local cache.
// Config deep-merges local, cloud, live in that order; sleepHistory
// keeps the longest normalized sequence across the three.
type Reconciler struct {
	userID string
	id     string
	kind   device.Kind
	live   Live
	store  CloudStore
	cache  *localcache.Cache
	logger *slog.Logger

	lockWindow time.Duration
	debounce   time.Duration
	now        func() time.Time

	mu           sync.Mutex
	local        device.State
	doc          *cloud.Document
	liveState    device.State
	haveLive     bool
	locks        map[string]*FieldLock
	anchor       Anchor
	listeners    []viewListenerEntry
	nextListener uint64
	lastDigest   string
	pendingPatch map[string]any
	flushTimer   *time.Timer
	unsubLive    func()
	unsubCloud   func()
	unmounted    bool
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithLockWindow tunes the optimistic-command suppression window.
func WithLockWindow(d time.Duration) Option {
	return func(r *Reconciler) { r.lockWindow = d }
}

// WithDebounce tunes the cloud persistence debounce.
func WithDebounce(d time.Duration) Option {
	return func(r *Reconciler) { r.debounce = d }
}

// WithClock injects the reconciler's time source.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

// New builds a reconciler for one device. Nothing is read or
// subscribed until Mount.
func New(userID, id string, kind device.Kind, live Live, store CloudStore, cache *localcache.Cache, logger *slog.Logger, opts ...Option) (*Reconciler, error) {
	norm, err := deviceid.Normalize(id)
	if err != nil {
		return nil, err
	}
	r := &Reconciler{
		userID:     userID,
		id:         norm,
		kind:       kind,
		live:       live,
		store:      store,
		cache:      cache,
		logger:     logger.With("component", "reconcile", "id", norm),
		lockWindow: DefaultLockWindow,
		debounce:   defaultDebounce,
		now:        time.Now,
		locks:      make(map[string]*FieldLock),
	}
	for _, o := range opts {
		o(r)
	}
	return r, nil
}

// Mount loads the local cache slice for first paint, captures the
// current live state, and subscribes to both live frames and cloud
// snapshots.
func (r *Reconciler) Mount() {
	r.mu.Lock()
	var cached device.State
	if r.cache.GetJSON(r.cacheKey(), &cached) {
		r.local = cached
	}
	if cur, ok := r.live.State(r.id); ok {
		r.liveState = cur
		r.haveLive = true
	}
	r.mu.Unlock()

	r.unsubLive = r.live.OnState(r.onLive)
	r.unsubCloud = r.store.SubscribeToDevice(r.userID, r.id, r.onCloud)
	r.sync()
}

// Unmount unregisters everything and discards pending locks. An unsent
// debounced upsert is dropped; the local cache slice already holds the
// latest durable data.
func (r *Reconciler) Unmount() {
	r.mu.Lock()
	r.unmounted = true
	if r.flushTimer != nil {
		r.flushTimer.Stop()
		r.flushTimer = nil
	}
	r.pendingPatch = nil
	r.locks = make(map[string]*FieldLock)
	r.listeners = nil
	unsubLive, unsubCloud := r.unsubLive, r.unsubCloud
	r.unsubLive, r.unsubCloud = nil, nil
	r.mu.Unlock()

	if unsubLive != nil {
		unsubLive()
	}
	if unsubCloud != nil {
		unsubCloud()
	}
}

// OnView registers a view listener; returns an unregister func.
func (r *Reconciler) OnView(fn ViewListener) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextListener
	r.nextListener++
	r.listeners = append(r.listeners, viewListenerEntry{id, fn})
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		for i, entry := range r.listeners {
			if entry.id == id {
				r.listeners = append(r.listeners[:i:i], r.listeners[i+1:]...)
				return
			}
		}
	}
}

// View returns the current merged view.
func (r *Reconciler) View() device.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.viewLocked()
}

// Countdown returns the smoothed timer seconds remaining at now.
func (r *Reconciler) Countdown(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.anchor.Remaining(now)
}

// Command publishes an optimistic field change and arms its lock so
// stale server reports cannot flicker the view back.
func (r *Reconciler) Command(field string, value any) error {
	switch field {
	case "light", "blindOpen":
		if _, ok := value.(bool); !ok {
			return fmt.Errorf("field %s takes a bool", field)
		}
	case "mode":
		n, ok := value.(int)
		if !ok || !device.ValidCommandMode(n) {
			return fmt.Errorf("mode %v is not commandable", value)
		}
	case "blindPosition":
		n, ok := value.(int)
		if !ok || n < 0 || n > 100 {
			return fmt.Errorf("blindPosition %v out of range", value)
		}
	default:
		return fmt.Errorf("field %s is not commandable", field)
	}

	now := r.now()
	r.mu.Lock()
	l := r.locks[field]
	if l == nil {
		l = &FieldLock{}
		r.locks[field] = l
	}
	l.Set(value, now, r.lockWindow)
	r.mu.Unlock()

	if _, err := r.live.PublishControl(r.id, map[string]any{field: value}); err != nil {
		return err
	}
	r.sync()
	return nil
}

// Rename sanitizes and persists a new device name.
func (r *Reconciler) Rename(name string) error {
	clean, err := device.SanitizeName(name)
	if err != nil {
		return err
	}
	r.mu.Lock()
	if r.doc != nil {
		r.doc.Name = clean
	}
	r.mu.Unlock()
	r.schedulePatch(map[string]any{"name": clean})
	return nil
}

func (r *Reconciler) cacheKey() string {
	if r.kind == device.KindBlind {
		return localcache.BlindStateKey(r.id)
	}
	return localcache.StateKey(r.id)
}

func (r *Reconciler) onLive(id string, st device.State) {
	if id != r.id {
		return
	}
	now := r.now()
	r.mu.Lock()
	r.liveState = st
	r.haveLive = true
	for field, l := range r.locks {
		if v, ok := fieldValue(st.Frame, field); ok {
			l.Observe(v, now)
		}
		if !l.Active(now) {
			delete(r.locks, field)
		}
	}
	if st.TimerRemaining != nil {
		kind := TimerManual
		if st.Motion != nil && *st.Motion {
			kind = TimerMotion
		}
		if *st.TimerRemaining <= 0 {
			r.anchor = Anchor{}
		} else {
			r.anchor = r.anchor.Update(kind, *st.TimerRemaining, now)
		}
	}
	r.mu.Unlock()
	r.sync()
}

func (r *Reconciler) onCloud(doc *cloud.Document) {
	r.mu.Lock()
	r.doc = doc
	r.mu.Unlock()
	r.sync()
}

// viewLocked merges local <- cloud <- live, then re-applies active
// command locks on top.
func (r *Reconciler) viewLocked() device.State {
	f := device.OverlayFrame(r.local.Frame, r.cloudFrameLocked())
	if r.haveLive {
		f = device.OverlayFrame(f, r.liveState.Frame)
	}
	st := device.State{Frame: f}
	if r.haveLive {
		st.Online = r.liveState.Online
		st.LastUpdate = r.liveState.LastUpdate
	} else {
		st.Online = device.OnlineUnknown
		st.LastUpdate = r.local.LastUpdate
	}

	now := r.now()
	for field, l := range r.locks {
		if l.Active(now) {
			applyField(&st, field, l.Expected())
		} else {
			delete(r.locks, field)
		}
	}
	return st
}

func (r *Reconciler) cloudFrameLocked() device.Frame {
	if r.doc == nil {
		return device.Frame{}
	}
	return device.Frame{
		Config:       r.doc.Config,
		SleepHistory: r.doc.SleepHistory,
		IsSleeping:   r.doc.IsSleeping,
		SleepStart:   r.doc.SleepStart,
	}
}

// sync recomputes the view, persists durable changes (local cache
// immediately, cloud debounced), and notifies listeners.
func (r *Reconciler) sync() {
	r.mu.Lock()
	if r.unmounted {
		r.mu.Unlock()
		return
	}
	view := r.viewLocked()
	patch := durablePatch(view)
	digest := digestOf(patch)
	changed := len(patch) > 0 && digest != r.lastDigest
	if changed {
		r.lastDigest = digest
	}
	listeners := append([]viewListenerEntry(nil), r.listeners...)
	r.mu.Unlock()

	if changed {
		r.cache.SetJSON(r.cacheKey(), device.CacheSlice(view))
		r.schedulePatch(patch)
	}
	for _, entry := range listeners {
		entry.fn(view)
	}
}

// schedulePatch folds the patch into the pending upsert and (re)starts
// the debounce timer.
func (r *Reconciler) schedulePatch(patch map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.unmounted {
		return
	}
	if r.pendingPatch == nil {
		r.pendingPatch = make(map[string]any)
	}
	for k, v := range patch {
		r.pendingPatch[k] = v
	}
	if r.flushTimer != nil {
		r.flushTimer.Stop()
	}
	r.flushTimer = time.AfterFunc(r.debounce, r.flushCloud)
}

func (r *Reconciler) flushCloud() {
	r.mu.Lock()
	patch := r.pendingPatch
	r.pendingPatch = nil
	unmounted := r.unmounted
	r.mu.Unlock()
	if unmounted || len(patch) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), cloudUpsertTimeout)
	defer cancel()
	if err := r.store.UpdateDevice(ctx, r.userID, r.id, patch); err != nil {
		r.logger.Warn("saved locally, cloud sync failed", "err", err)
	}
}

// durablePatch extracts the fields worth persisting from a view.
func durablePatch(st device.State) map[string]any {
	patch := make(map[string]any)
	if len(st.Config) > 0 {
		patch["config"] = st.Config
	}
	if len(st.SleepHistory) > 0 {
		patch["sleepHistory"] = st.SleepHistory
	}
	if st.IsSleeping != nil {
		patch["isSleeping"] = *st.IsSleeping
	}
	if st.SleepStart != nil {
		patch["sleepStart"] = *st.SleepStart
	}
	return patch
}

func digestOf(patch map[string]any) string {
	data, err := json.Marshal(patch)
	if err != nil {
		return ""
	}
	return string(data)
}

// fieldValue extracts a lockable field from a frame.
func fieldValue(f device.Frame, field string) (any, bool) {
	switch field {
	case "light":
		if f.Light != nil {
			return *f.Light, true
		}
	case "mode":
		if f.Mode != nil {
			return *f.Mode, true
		}
	case "blindPosition":
		if f.BlindPosition != nil {
			return *f.BlindPosition, true
		}
	case "blindOpen":
		if f.BlindOpen != nil {
			return *f.BlindOpen, true
		}
	}
	return nil, false
}

// applyField forces a lockable field to the locked value.
func applyField(st *device.State, field string, v any) {
	switch field {
	case "light":
		if b, ok := v.(bool); ok {
			st.Light = &b
		}
	case "mode":
		if n, ok := v.(int); ok {
			st.Mode = &n
		}
	case "blindPosition":
		if n, ok := v.(int); ok {
			st.BlindPosition = &n
		}
	case "blindOpen":
		if b, ok := v.(bool); ok {
			st.BlindOpen = &b
		}
	}
}
