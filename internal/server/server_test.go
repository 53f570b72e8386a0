package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"loopcast/internal/api"
	"loopcast/internal/auth"
	"loopcast/internal/events"
	"loopcast/internal/models"
	"loopcast/internal/storage"
)

type stubOrchestrator struct{}

func (stubOrchestrator) Start(ctx context.Context, config models.SessionConfig) (models.SessionSummary, error) {
	return models.SessionSummary{ID: "sess-1", ProfileID: config.ProfileID}, nil
}

func (stubOrchestrator) Stop(ctx context.Context, sessionID, reason, detail string) bool {
	return false
}

func (stubOrchestrator) GetState(sessionID string) (models.SessionSummary, []models.SessionEvent, bool) {
	return models.SessionSummary{}, nil, false
}

func (stubOrchestrator) ListSessions() []models.SessionSummary { return nil }

func (stubOrchestrator) SubscribeEvents(sessionID, consumerID string, fn events.Listener) func() {
	return func() {}
}

func newTestServer(t *testing.T, cfg Config) (*Server, *storage.Storage) {
	t.Helper()
	store, err := storage.NewStorage(filepath.Join(t.TempDir(), "state.json"))
	if err != nil {
		t.Fatalf("NewStorage: %v", err)
	}
	handler := api.NewHandler(store, stubOrchestrator{}, auth.NewSessionManager(time.Hour))
	srv, err := New(handler, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return srv, store
}

func TestAuthMiddlewareGuardsAPIRoutes(t *testing.T) {
	srv, _ := newTestServer(t, Config{})
	chain := srv.Handler()

	rec := httptest.NewRecorder()
	chain.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/sessions", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated /api/sessions = %d, want 401", rec.Code)
	}

	rec = httptest.NewRecorder()
	chain.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("/healthz = %d, want 200", rec.Code)
	}

	rec = httptest.NewRecorder()
	chain.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("/metrics = %d, want 200", rec.Code)
	}
}

func TestAuthenticatedSessionFlow(t *testing.T) {
	srv, store := newTestServer(t, Config{})
	chain := srv.Handler()
	if _, err := store.CreateOperator(storage.CreateOperatorParams{
		Email:    "ops@example.com",
		Password: "correct horse battery",
	}); err != nil {
		t.Fatalf("CreateOperator: %v", err)
	}

	body, _ := json.Marshal(map[string]string{"email": "ops@example.com", "password": "correct horse battery"})
	loginReq := httptest.NewRequest(http.MethodPost, "/api/auth/login", bytes.NewReader(body))
	loginRec := httptest.NewRecorder()
	chain.ServeHTTP(loginRec, loginReq)
	if loginRec.Code != http.StatusOK {
		t.Fatalf("login = %d body=%s", loginRec.Code, loginRec.Body.String())
	}

	var cookie *http.Cookie
	for _, c := range loginRec.Result().Cookies() {
		if c.Name == "loopcast_session" {
			cookie = c
		}
	}
	if cookie == nil {
		t.Fatal("expected session cookie from login")
	}

	listReq := httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
	listReq.AddCookie(cookie)
	listRec := httptest.NewRecorder()
	chain.ServeHTTP(listRec, listReq)
	if listRec.Code != http.StatusOK {
		t.Fatalf("authenticated /api/sessions = %d body=%s", listRec.Code, listRec.Body.String())
	}
}

func TestLoginRateLimitReturnsRetryAfter(t *testing.T) {
	srv, _ := newTestServer(t, Config{
		RateLimit: RateLimitConfig{LoginLimit: 2, LoginWindow: time.Minute},
	})
	chain := srv.Handler()

	body, _ := json.Marshal(map[string]string{"email": "ops@example.com", "password": "nope"})
	var last *httptest.ResponseRecorder
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/auth/login", bytes.NewReader(body))
		req.RemoteAddr = "203.0.113.9:4444"
		last = httptest.NewRecorder()
		chain.ServeHTTP(last, req)
	}
	if last.Code != http.StatusTooManyRequests {
		t.Fatalf("third login attempt = %d, want 429", last.Code)
	}
	if last.Header().Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header")
	}
}

func TestGlobalRateLimit(t *testing.T) {
	srv, _ := newTestServer(t, Config{
		RateLimit: RateLimitConfig{GlobalRPS: 0.001, GlobalBurst: 1},
	})
	chain := srv.Handler()

	first := httptest.NewRecorder()
	chain.ServeHTTP(first, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if first.Code != http.StatusOK {
		t.Fatalf("first request = %d", first.Code)
	}
	second := httptest.NewRecorder()
	chain.ServeHTTP(second, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("second request = %d, want 429", second.Code)
	}
}

func TestSecurityHeadersApplied(t *testing.T) {
	srv, _ := newTestServer(t, Config{})
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	for header, want := range map[string]string{
		"X-Frame-Options":        "DENY",
		"X-Content-Type-Options": "nosniff",
		"Referrer-Policy":        "no-referrer",
	} {
		if got := rec.Header().Get(header); got != want {
			t.Errorf("%s = %q, want %q", header, got, want)
		}
	}
	if rec.Header().Get("Content-Security-Policy") == "" {
		t.Error("missing Content-Security-Policy header")
	}
}

func TestCORSPreflight(t *testing.T) {
	srv, _ := newTestServer(t, Config{
		CORS: CORSConfig{AllowedOrigins: []string{"https://dash.example.com"}},
	})
	chain := srv.Handler()

	req := httptest.NewRequest(http.MethodOptions, "/api/sessions", nil)
	req.Header.Set("Origin", "https://dash.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	chain.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("preflight = %d, want 204", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://dash.example.com" {
		t.Fatalf("allow-origin = %q", got)
	}

	blocked := httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
	blocked.Header.Set("Origin", "https://evil.example.com")
	rec = httptest.NewRecorder()
	chain.ServeHTTP(rec, blocked)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("blocked origin = %d, want 403", rec.Code)
	}
}

func TestRequestIDEchoedAndGenerated(t *testing.T) {
	srv, _ := newTestServer(t, Config{})
	chain := srv.Handler()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-Id", "req-123")
	rec := httptest.NewRecorder()
	chain.ServeHTTP(rec, req)
	if got := rec.Header().Get("X-Request-Id"); got != "req-123" {
		t.Fatalf("echoed request id = %q", got)
	}

	rec = httptest.NewRecorder()
	chain.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Header().Get("X-Request-Id") == "" {
		t.Fatal("expected generated request id")
	}
}

func TestClientIPExtraction(t *testing.T) {
	cases := []struct {
		name   string
		remote string
		xff    string
		xrip   string
		want   string
	}{
		{"remote addr", "192.0.2.1:5000", "", "", "192.0.2.1"},
		{"forwarded for", "10.0.0.1:1234", "203.0.113.7, 10.0.0.1", "", "203.0.113.7"},
		{"real ip", "10.0.0.1:1234", "", "198.51.100.2", "198.51.100.2"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tc.remote
			if tc.xff != "" {
				req.Header.Set("X-Forwarded-For", tc.xff)
			}
			if tc.xrip != "" {
				req.Header.Set("X-Real-IP", tc.xrip)
			}
			if got := extractClientIP(req); got != tc.want {
				t.Fatalf("extractClientIP = %q, want %q", got, tc.want)
			}
		})
	}
}
