package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"loopcast/internal/auth"
	"loopcast/internal/events"
	"loopcast/internal/models"
	"loopcast/internal/storage"
)

// SessionService is the orchestrator surface the handlers consume. Tests
// substitute a fake.
type SessionService interface {
	Start(ctx context.Context, config models.SessionConfig) (models.SessionSummary, error)
	Stop(ctx context.Context, sessionID, reason, detail string) bool
	GetState(sessionID string) (models.SessionSummary, []models.SessionEvent, bool)
	ListSessions() []models.SessionSummary
	SubscribeEvents(sessionID, consumerID string, fn events.Listener) func()
}

type Handler struct {
	Store               storage.Repository
	AuthSessions        *auth.SessionManager
	Orchestrator        SessionService
	Logger              *slog.Logger
	SessionCookiePolicy SessionCookiePolicy
}

func NewHandler(store storage.Repository, orchestrator SessionService, sessions *auth.SessionManager) *Handler {
	if sessions == nil {
		sessions = auth.NewSessionManager(24 * time.Hour)
	}
	return &Handler{Store: store, Orchestrator: orchestrator, AuthSessions: sessions}
}

func (h *Handler) sessionManager() *auth.SessionManager {
	if h.AuthSessions == nil {
		h.AuthSessions = auth.NewSessionManager(24 * time.Hour)
	}
	return h.AuthSessions
}

// Health reports datastore and session-store reachability.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	checks := map[string]string{"store": "ok", "sessions": "ok"}
	if err := h.Store.Ping(ctx); err != nil {
		checks["store"] = err.Error()
		status = http.StatusServiceUnavailable
	}
	if err := h.sessionManager().Ping(ctx); err != nil {
		checks["sessions"] = err.Error()
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"status": http.StatusText(status),
		"checks": checks,
	})
}
