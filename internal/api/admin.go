package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/scriptgate/scriptgate/internal/events"
	"github.com/scriptgate/scriptgate/internal/policy"
	"github.com/scriptgate/scriptgate/pkg/types"
)

func (a *App) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	doc := a.store.Document()
	writeJSON(w, http.StatusOK, map[string]any{
		"version":  doc.Version,
		"rules":    doc.Rules,
		"overlays": doc.Overlays,
		"profiles": a.store.Profiles(),
	})
}

func (a *App) handleAddRule(w http.ResponseWriter, r *http.Request) {
	var spec policy.Rule
	if !decodeJSON(w, r, &spec, "invalid rule") {
		return
	}
	rule, err := a.store.AddRule(spec)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	a.auditAdmin(r, "policy.rule_added", map[string]any{"rule_id": rule.ID, "type": string(rule.Type)})
	writeJSON(w, http.StatusCreated, map[string]any{"rule": rule, "policy_version": a.store.Version()})
}

func (a *App) handleRemoveRule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	removed, err := a.store.RemoveRule(id)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	if removed {
		a.auditAdmin(r, "policy.rule_removed", map[string]any{"rule_id": id})
	}
	// Removal is idempotent: a second delete of the same id succeeds.
	writeJSON(w, http.StatusOK, map[string]any{"removed": removed, "policy_version": a.store.Version()})
}

func (a *App) handleAssignOverlay(w http.ResponseWriter, r *http.Request) {
	var spec policy.Overlay
	if !decodeJSON(w, r, &spec, "invalid overlay") {
		return
	}
	overlay, err := a.store.AssignOverlay(spec)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	a.auditAdmin(r, "policy.overlay_assigned", map[string]any{
		"overlay_id": overlay.ID,
		"session_id": overlay.SessionID,
		"profile":    overlay.Profile,
	})
	writeJSON(w, http.StatusCreated, map[string]any{"overlay": overlay, "policy_version": a.store.Version()})
}

func (a *App) handleRemoveOverlay(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	removed, err := a.store.RemoveOverlay(id)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	if removed {
		a.auditAdmin(r, "policy.overlay_removed", map[string]any{"overlay_id": id})
	}
	writeJSON(w, http.StatusOK, map[string]any{"removed": removed, "policy_version": a.store.Version()})
}

func (a *App) handleReloadPolicy(w http.ResponseWriter, r *http.Request) {
	if err := a.store.Reload(); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	a.auditAdmin(r, "policy.reloaded", nil)
	writeJSON(w, http.StatusOK, map[string]any{"policy_version": a.store.Version()})
}

// handleEventStream serves the live event firehose over SSE. History is in
// the audit log; this stream starts at now.
func (a *App) handleEventStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "streaming unsupported"})
		return
	}
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		sessionID = events.AllSessions
	}

	ch := a.broker.Subscribe(sessionID, 100)
	defer a.broker.Unsubscribe(sessionID, ch)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ping := time.NewTicker(5 * time.Second)
	defer ping.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ping.C:
			if err := writeSSE(w, flusher, "ping", map[string]any{"t": time.Now().UTC().Unix()}); err != nil {
				return
			}
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := writeSSE(w, flusher, "event", ev); err != nil {
				return
			}
		}
	}
}

func (a *App) auditAdmin(r *http.Request, eventType string, fields map[string]any) {
	ev := types.Event{
		ID:        "evt-" + uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Category:  types.CategoryAccess,
		Type:      eventType,
		Fields:    fields,
	}
	if a.audit != nil {
		a.audit.Append(r.Context(), ev)
	}
	if a.broker != nil {
		a.broker.Publish(ev)
	}
}
