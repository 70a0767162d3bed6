package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"lumibot-session/internal/cloud"
	"lumibot-session/internal/device"
	"lumibot-session/internal/deviceid"
	"lumibot-session/internal/localcache"
	"lumibot-session/internal/session"
)

// deviceEntry is a roster document with the live merged state attached.
type deviceEntry struct {
	cloud.Document
	State *device.State `json:"state,omitempty"`
}

func (s *Server) handleAPIStatus(w http.ResponseWriter, r *http.Request) {
	broker := s.sess.Broker()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"connection": s.sess.ConnectionState().String(),
		"broker":     broker.URL(),
		"subscribed": len(s.sess.Subscribed()),
		"version":    s.version,
	})
}

func (s *Server) handleAPIWake(w http.ResponseWriter, r *http.Request) {
	s.sess.Wake()
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAPIListDevices(w http.ResponseWriter, r *http.Request) {
	degraded := false
	docs, err := s.store.ListDevices(r.Context(), s.userID)
	if err != nil {
		s.logger.Warn("cloud roster unavailable, serving local mirror", "err", err)
		degraded = true
		docs = s.localRoster()
	} else {
		s.saveLocalRoster(docs)
	}

	states := s.sess.Snapshot()
	entries := make([]deviceEntry, 0, len(docs))
	for _, doc := range docs {
		e := deviceEntry{Document: doc}
		if st, ok := states[doc.ID]; ok {
			e.State = &st
		}
		entries = append(entries, e)
	}

	order, err := s.store.GetDeviceOrder(r.Context(), s.userID)
	if err != nil {
		s.cache.GetJSON(localcache.KeyDeviceOrder, &order)
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"devices":  entries,
		"order":    order,
		"degraded": degraded,
	})
}

type addDeviceRequest struct {
	ID       string      `json:"id"`
	Name     string      `json:"name"`
	Kind     device.Kind `json:"kind"`
	AngleOn  *int        `json:"angleOn,omitempty"`
	AngleOff *int        `json:"angleOff,omitempty"`
}

func (s *Server) handleAPIAddDevice(w http.ResponseWriter, r *http.Request) {
	var req addDeviceRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	id, err := deviceid.Normalize(req.ID)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid device id"})
		return
	}
	if !req.Kind.Valid() {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid device kind"})
		return
	}

	name := device.DefaultName(req.Kind, id)
	if req.Name != "" {
		name, err = device.SanitizeName(req.Name)
		if err != nil {
			s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid device name"})
			return
		}
	}

	doc := cloud.Document{
		Record: device.Record{
			ID:       id,
			Name:     name,
			Kind:     req.Kind,
			AddedAt:  time.Now().UnixMilli(),
			AngleOn:  req.AngleOn,
			AngleOff: req.AngleOff,
		},
	}

	cloudErr := s.store.AddDevice(r.Context(), s.userID, doc)
	if cloudErr != nil {
		s.logger.Warn("cloud add failed, device saved locally", "id", id, "err", cloudErr)
	}

	s.addToLocalRoster(doc)
	if err := s.sess.AddDevice(id); err != nil {
		s.logger.Warn("subscribe new device", "id", id, "err", err)
	}

	if cloudErr != nil {
		s.writeJSON(w, http.StatusAccepted, map[string]any{
			"status": "saved locally; sync failed",
			"device": doc,
		})
		return
	}
	s.writeJSON(w, http.StatusCreated, doc)
}

func (s *Server) handleAPIGetDevice(w http.ResponseWriter, r *http.Request) {
	id, err := deviceid.Normalize(r.PathValue("id"))
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid device id"})
		return
	}

	doc, err := s.store.GetDevice(r.Context(), s.userID, id)
	if err != nil {
		if errors.Is(err, cloud.ErrNotFound) {
			s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "device not found"})
			return
		}
		s.logger.Warn("cloud get unavailable, serving local mirror", "id", id, "err", err)
		for _, local := range s.localRoster() {
			if local.ID == id {
				doc = &local
				break
			}
		}
		if doc == nil {
			s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "device not found"})
			return
		}
	}

	entry := deviceEntry{Document: *doc}
	if st, ok := s.sess.State(id); ok {
		entry.State = &st
	}
	s.writeJSON(w, http.StatusOK, entry)
}

type renameDeviceRequest struct {
	Name string `json:"name"`
}

func (s *Server) handleAPIRenameDevice(w http.ResponseWriter, r *http.Request) {
	id, err := deviceid.Normalize(r.PathValue("id"))
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid device id"})
		return
	}

	var req renameDeviceRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	clean, err := device.SanitizeName(req.Name)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid device name"})
		return
	}

	s.renameInLocalRoster(id, clean)

	if err := s.store.UpdateDevice(r.Context(), s.userID, id, map[string]any{"name": clean}); err != nil {
		s.logger.Warn("cloud rename failed, name saved locally", "id", id, "err", err)
		s.writeJSON(w, http.StatusAccepted, map[string]string{
			"status": "saved locally; sync failed",
			"name":   clean,
		})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "name": clean})
}

func (s *Server) handleAPIDeleteDevice(w http.ResponseWriter, r *http.Request) {
	id, err := deviceid.Normalize(r.PathValue("id"))
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid device id"})
		return
	}

	if err := s.sess.RemoveDevice(id); err != nil {
		s.logger.Warn("unsubscribe removed device", "id", id, "err", err)
	}
	s.removeFromLocalRoster(id)
	s.cache.Remove(localcache.StateKey(id))
	s.cache.Remove(localcache.BlindStateKey(id))

	if err := s.store.RemoveDevice(r.Context(), s.userID, id); err != nil {
		s.logger.Warn("cloud remove failed, device removed locally", "id", id, "err", err)
		s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "removed locally; sync failed"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type deviceOrderRequest struct {
	Order []string `json:"order"`
}

func (s *Server) handleAPIDeviceOrder(w http.ResponseWriter, r *http.Request) {
	var req deviceOrderRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	order := make([]string, 0, len(req.Order))
	for _, raw := range req.Order {
		id, err := deviceid.Normalize(raw)
		if err != nil {
			s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid device id in order"})
			return
		}
		order = append(order, id)
	}

	// Display order only: the roster membership stays with the cloud
	// document set, the walk order follows the page layout.
	s.cache.SetJSON(localcache.KeyDeviceOrder, order)
	s.sess.ReorderRoster(order)

	if err := s.store.SaveDeviceOrder(r.Context(), s.userID, order); err != nil {
		s.logger.Warn("cloud order save failed, order saved locally", "err", err)
		s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "saved locally; sync failed"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAPIControl(w http.ResponseWriter, r *http.Request) {
	s.handlePublish(w, r, s.sess.PublishControl)
}

func (s *Server) handleAPIConfig(w http.ResponseWriter, r *http.Request) {
	s.handlePublish(w, r, s.sess.PublishConfig)
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request, publish func(string, any) (session.PublishResult, error)) {
	id := r.PathValue("id")

	var payload map[string]any
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if len(payload) == 0 {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "payload must not be empty"})
		return
	}

	result, err := publish(id, payload)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	status := http.StatusOK
	if result == session.PublishDropped {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, map[string]string{"result": string(result)})
}

// localRoster reads the cached roster mirror, used when the cloud is
// unreachable.
func (s *Server) localRoster() []cloud.Document {
	var docs []cloud.Document
	s.cache.GetJSON(localcache.KeyDevices, &docs)
	return docs
}

func (s *Server) saveLocalRoster(docs []cloud.Document) {
	s.cache.SetJSON(localcache.KeyDevices, docs)
}

func (s *Server) addToLocalRoster(doc cloud.Document) {
	docs := s.localRoster()
	for i, existing := range docs {
		if existing.ID == doc.ID {
			docs[i] = doc
			s.saveLocalRoster(docs)
			return
		}
	}
	s.saveLocalRoster(append(docs, doc))
}

func (s *Server) renameInLocalRoster(id, name string) {
	docs := s.localRoster()
	for i := range docs {
		if docs[i].ID == id {
			docs[i].Name = name
			s.saveLocalRoster(docs)
			return
		}
	}
}

func (s *Server) removeFromLocalRoster(id string) {
	docs := s.localRoster()
	for i := range docs {
		if docs[i].ID == id {
			s.saveLocalRoster(append(docs[:i], docs[i+1:]...))
			return
		}
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("writeJSON encode failed", "err", err)
	}
}
