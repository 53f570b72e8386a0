package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestSessionLifecycleCounters(t *testing.T) {
	recorder := New()
	recorder.SessionStarted()
	recorder.SessionStarted()
	recorder.SessionCompleted()
	recorder.SessionFailed("process-abnormal-exit")

	events, failures := recorder.SessionCounts()
	if events["start"] != 2 || events["complete"] != 1 || events["fail"] != 1 {
		t.Fatalf("unexpected events %v", events)
	}
	if failures["process-abnormal-exit"] != 1 {
		t.Fatalf("unexpected failures %v", failures)
	}
	if recorder.ActiveSessions() != 0 {
		t.Fatalf("active = %d", recorder.ActiveSessions())
	}
}

func TestGaugeNeverGoesNegative(t *testing.T) {
	recorder := New()
	recorder.SessionCompleted()
	if recorder.ActiveSessions() != 0 {
		t.Fatalf("active = %d", recorder.ActiveSessions())
	}
}

func TestHandlerExposesPrometheusText(t *testing.T) {
	recorder := New()
	recorder.SessionStarted()
	recorder.ObservePoll(false)
	recorder.ObservePoll(true)
	recorder.TransitionWarning()
	recorder.ObserveRequest("GET", "/v1/sessions/0123456789abcdef/events", 200, 5*time.Millisecond)

	rec := httptest.NewRecorder()
	recorder.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body := rec.Body.String()
	for _, want := range []string{
		"loopcast_active_sessions 1",
		"loopcast_remote_polls_total 2",
		"loopcast_remote_poll_failures_total 1",
		"loopcast_remote_transition_warnings_total 1",
		`loopcast_http_requests_total{method="GET",path="/v1/sessions/:id/events",status="200"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("exposition missing %q:\n%s", want, body)
		}
	}
	if got := rec.Header().Get("Content-Type"); !strings.HasPrefix(got, "text/plain") {
		t.Fatalf("content type = %q", got)
	}
}

func TestNormalizePathCollapsesIdentifiers(t *testing.T) {
	cases := map[string]string{
		"/":                        "/",
		"/v1/sessions":             "/v1/sessions",
		"/v1/sessions/abcdef0123/": "/v1/sessions/:id",
		"healthz":                  "/healthz",
	}
	for in, want := range cases {
		if got := normalizePath(in); got != want {
			t.Fatalf("normalizePath(%q) = %q, want %q", in, got, want)
		}
	}
}
