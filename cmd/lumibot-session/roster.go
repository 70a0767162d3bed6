package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"lumibot-session/internal/cloud"
	"lumibot-session/internal/localcache"
	"lumibot-session/internal/reconcile"
	"lumibot-session/internal/session"
)

// rosterSync keeps the session roster and the per-device reconcilers
// aligned with the cloud document set. The cloud is the roster of
// record; when it is unreachable the cached mirror seeds the session
// until the subscription delivers a snapshot.
type rosterSync struct {
	sess   *session.Service
	store  cloud.Store
	cache  *localcache.Cache
	userID string
	logger *slog.Logger

	mu    sync.Mutex
	recs  map[string]*reconcile.Reconciler
	unsub func()
}

func newRosterSync(sess *session.Service, store cloud.Store, cache *localcache.Cache, userID string, logger *slog.Logger) *rosterSync {
	return &rosterSync{
		sess:   sess,
		store:  store,
		cache:  cache,
		userID: userID,
		logger: logger.With("component", "roster"),
		recs:   make(map[string]*reconcile.Reconciler),
	}
}

// Start seeds the roster and subscribes to cloud changes.
func (r *rosterSync) Start() {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	docs, err := r.store.ListDevices(ctx, r.userID)
	cancel()
	if err != nil {
		r.logger.Warn("cloud roster unavailable, seeding from local mirror", "err", err)
		r.cache.GetJSON(localcache.KeyDevices, &docs)
	} else {
		r.cache.SetJSON(localcache.KeyDevices, docs)
	}
	r.apply(docs)

	r.unsub = r.store.SubscribeToDevices(r.userID, func(docs []cloud.Document) {
		r.cache.SetJSON(localcache.KeyDevices, docs)
		r.apply(docs)
	})
}

// Stop unsubscribes and unmounts every reconciler.
func (r *rosterSync) Stop() {
	if r.unsub != nil {
		r.unsub()
	}
	r.mu.Lock()
	recs := r.recs
	r.recs = make(map[string]*reconcile.Reconciler)
	r.mu.Unlock()
	for _, rec := range recs {
		rec.Unmount()
	}
}

// apply diffs the document set against the mounted reconcilers and
// replaces the session roster.
func (r *rosterSync) apply(docs []cloud.Document) {
	ids := make([]string, 0, len(docs))
	want := make(map[string]cloud.Document, len(docs))
	for _, doc := range docs {
		ids = append(ids, doc.ID)
		want[doc.ID] = doc
	}
	r.sess.SetRoster(ids)

	var added, removed []string
	r.mu.Lock()
	for id, rec := range r.recs {
		if _, ok := want[id]; !ok {
			rec.Unmount()
			delete(r.recs, id)
			// Removal propagates to the session: unsubscribe and purge
			// the cached state, not just the walk roster.
			if err := r.sess.RemoveDevice(id); err != nil {
				r.logger.Warn("unsubscribe removed device", "id", id, "err", err)
			}
			removed = append(removed, id)
		}
	}
	for id, doc := range want {
		if _, ok := r.recs[id]; ok {
			continue
		}
		rec, err := reconcile.New(r.userID, id, doc.Kind, r.sess, r.store, r.cache, r.logger)
		if err != nil {
			r.logger.Warn("skipping device with invalid id", "id", id, "err", err)
			continue
		}
		rec.Mount()
		r.recs[id] = rec
		added = append(added, id)
	}
	r.mu.Unlock()

	if len(added) > 0 || len(removed) > 0 {
		r.logger.Info("roster updated", "devices", len(ids), "added", added, "removed", removed)
	}
}
