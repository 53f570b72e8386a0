package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"loopcast/internal/models"
	"loopcast/internal/session"
	"loopcast/internal/storage"
)

// Sessions lists loop sessions or starts a new one.
func (h *Handler) Sessions(w http.ResponseWriter, r *http.Request) {
	operator, ok := h.requireOperator(w, r)
	if !ok {
		return
	}
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{"sessions": h.Orchestrator.ListSessions()})
	case http.MethodPost:
		var config models.SessionConfig
		if err := decodeJSON(r, &config); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		summary, err := h.Orchestrator.Start(r.Context(), config)
		if err != nil {
			writeError(w, startErrorStatus(err), err)
			return
		}
		if h.Logger != nil {
			h.Logger.Info("session started",
				"session_id", summary.ID,
				"operator_id", operator.ID,
				"profile_id", summary.ProfileID)
		}
		writeJSON(w, http.StatusCreated, summary)
	default:
		w.Header().Set("Allow", "GET, POST")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
	}
}

func startErrorStatus(err error) int {
	switch {
	case errors.Is(err, session.ErrInvalidConfiguration):
		return http.StatusUnprocessableEntity
	case errors.Is(err, storage.ErrProfileNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrSessionLimit):
		return http.StatusTooManyRequests
	default:
		return http.StatusBadGateway
	}
}

// SessionByID routes /api/sessions/{id}[/stop|/events].
func (h *Handler) SessionByID(w http.ResponseWriter, r *http.Request) {
	operator, ok := h.requireOperator(w, r)
	if !ok {
		return
	}
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/sessions/"), "/")
	parts := strings.Split(rest, "/")
	if parts[0] == "" {
		writeError(w, http.StatusNotFound, fmt.Errorf("session not found"))
		return
	}
	id := parts[0]
	switch {
	case len(parts) == 1 && r.Method == http.MethodDelete:
		h.sessionStop(w, r, id, operator)
	case len(parts) == 1:
		h.sessionDetail(w, r, id)
	case len(parts) == 2 && parts[1] == "stop":
		h.sessionStop(w, r, id, operator)
	case len(parts) == 2 && parts[1] == "events":
		h.sessionEvents(w, r, id)
	default:
		writeError(w, http.StatusNotFound, fmt.Errorf("session not found"))
	}
}

func (h *Handler) sessionDetail(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	summary, evts, ok := h.Orchestrator.GetState(id)
	if !ok {
		writeError(w, http.StatusNotFound, storage.ErrSessionNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": summary, "events": evts})
}

func (h *Handler) sessionStop(w http.ResponseWriter, r *http.Request, id string, operator models.Operator) {
	if r.Method != http.MethodPost && r.Method != http.MethodDelete {
		w.Header().Set("Allow", "POST, DELETE")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	stopped := h.Orchestrator.Stop(r.Context(), id, session.StopReasonManual, fmt.Sprintf("requested by %s", operator.Email))
	if !stopped {
		// Either unknown or already finished; disambiguate for the client.
		summary, _, ok := h.Orchestrator.GetState(id)
		if !ok {
			writeError(w, http.StatusNotFound, storage.ErrSessionNotFound)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"session": summary, "stopped": false})
		return
	}
	summary, _, _ := h.Orchestrator.GetState(id)
	writeJSON(w, http.StatusAccepted, map[string]any{"session": summary, "stopped": true})
}

// sessionEvents streams the session's event log over SSE: the persisted
// history first, then live events until the client disconnects or the
// session's topic is dropped.
func (h *Handler) sessionEvents(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("streaming unsupported"))
		return
	}
	summary, history, ok := h.Orchestrator.GetState(id)
	if !ok {
		writeError(w, http.StatusNotFound, storage.ErrSessionNotFound)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	seen := make(map[string]bool, len(history))
	for _, evt := range history {
		writeSSE(w, evt)
		seen[evt.ID] = true
	}
	flusher.Flush()

	if summary.State.Terminal() {
		return
	}

	live := make(chan models.SessionEvent, 64)
	unsubscribe := h.Orchestrator.SubscribeEvents(id, sseConsumerID(r), func(evt models.SessionEvent) {
		select {
		case live <- evt:
		default:
		}
	})
	defer unsubscribe()

	for {
		select {
		case <-r.Context().Done():
			return
		case evt := <-live:
			if evt.ID != "" && seen[evt.ID] {
				continue
			}
			writeSSE(w, evt)
			flusher.Flush()
			if evt.Code == "session-completed" || evt.Code == "session-failed" {
				return
			}
		}
	}
}

func writeSSE(w http.ResponseWriter, evt models.SessionEvent) {
	payload, err := json.Marshal(evt)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Code, payload)
}

func sseConsumerID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("Last-Event-ID")); id != "" {
		return r.RemoteAddr + "/" + id
	}
	return r.RemoteAddr
}
