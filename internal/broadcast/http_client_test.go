package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"loopcast/internal/models"
)

type platformStub struct {
	mu          sync.Mutex
	requests    []string
	failPaths   map[string]int
	streamState string
}

func newPlatformStub() *platformStub {
	return &platformStub{failPaths: map[string]int{}, streamState: "ready"}
}

func (p *platformStub) record(r *http.Request) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, r.Method+" "+r.URL.Path)
}

func (p *platformStub) calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.requests...)
}

func (p *platformStub) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	wrap := func(status int, fn func(w http.ResponseWriter, r *http.Request)) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			p.record(r)
			if auth := r.Header.Get("Authorization"); auth != "Bearer tok-123" {
				t.Errorf("unexpected auth header %q", auth)
			}
			p.mu.Lock()
			fail := p.failPaths[r.URL.Path]
			if fail > 0 {
				p.failPaths[r.URL.Path] = fail - 1
			}
			p.mu.Unlock()
			if fail > 0 {
				http.Error(w, "synthetic failure", http.StatusBadGateway)
				return
			}
			w.WriteHeader(status)
			if fn != nil {
				fn(w, r)
			}
		}
	}
	mux.HandleFunc("/v1/broadcasts", wrap(http.StatusCreated, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"broadcastId": "b-new"})
	}))
	mux.HandleFunc("/v1/streams", wrap(http.StatusCreated, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"streamId":      "s-1",
			"ingestAddress": "rtmp://ingest.example.com/live2",
			"streamName":    "key-abcd",
		})
	}))
	mux.HandleFunc("/v1/broadcasts/", wrap(http.StatusOK, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "{}")
	}))
	mux.HandleFunc("/v1/streams/", wrap(http.StatusOK, func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/status") {
			p.mu.Lock()
			state := p.streamState
			p.mu.Unlock()
			json.NewEncoder(w).Encode(map[string]string{"status": state})
			return
		}
		fmt.Fprint(w, "{}")
	}))
	return mux
}

func testClient(t *testing.T, stub *platformStub) (*HTTPClient, models.Profile) {
	t.Helper()
	server := httptest.NewServer(stub.handler(t))
	t.Cleanup(server.Close)
	client, err := NewHTTPClient(HTTPConfig{
		HTTPClient: server.Client(),
		Tokens: func(ctx context.Context, ref string) (string, error) {
			if ref != "ref-1" {
				return "", fmt.Errorf("unknown token ref %q", ref)
			}
			return "tok-123", nil
		},
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	profile := models.Profile{ID: "prof-1", APIBaseURL: server.URL, TokenRef: "ref-1", DefaultPrivacy: "unlisted"}
	return client, profile
}

func TestProvisionCreateNew(t *testing.T) {
	stub := newPlatformStub()
	client, profile := testClient(t, stub)

	result, err := client.Provision(context.Background(), profile, models.BroadcastSettings{
		Mode:  models.BroadcastModeCreateNew,
		Title: "loop",
	})
	if err != nil {
		t.Fatalf("provision: %v", err)
	}
	if result.BroadcastID != "b-new" || result.StreamID != "s-1" {
		t.Fatalf("unexpected result %+v", result)
	}
	if got := result.IngestURL(); got != "rtmp://ingest.example.com/live2/key-abcd" {
		t.Fatalf("unexpected ingest URL %q", got)
	}
	want := []string{
		"POST /v1/broadcasts",
		"POST /v1/streams",
		"POST /v1/broadcasts/b-new/bind",
	}
	if calls := stub.calls(); strings.Join(calls, ",") != strings.Join(want, ",") {
		t.Fatalf("unexpected call sequence %v", calls)
	}
}

func TestProvisionReuseExistingSkipsBroadcastCreation(t *testing.T) {
	stub := newPlatformStub()
	client, profile := testClient(t, stub)

	result, err := client.Provision(context.Background(), profile, models.BroadcastSettings{
		Mode:        models.BroadcastModeReuseExisting,
		BroadcastID: "b1",
	})
	if err != nil {
		t.Fatalf("provision: %v", err)
	}
	if result.BroadcastID != "b1" {
		t.Fatalf("expected reused broadcast id, got %q", result.BroadcastID)
	}
	for _, call := range stub.calls() {
		if call == "POST /v1/broadcasts" {
			t.Fatal("reuse-existing must not create a broadcast")
		}
	}
}

func TestProvisionRollsBackOnBindFailure(t *testing.T) {
	stub := newPlatformStub()
	stub.failPaths["/v1/broadcasts/b-new/bind"] = 1
	client, profile := testClient(t, stub)

	_, err := client.Provision(context.Background(), profile, models.BroadcastSettings{
		Mode:  models.BroadcastModeCreateNew,
		Title: "loop",
	})
	if err == nil {
		t.Fatal("expected bind failure")
	}
	calls := strings.Join(stub.calls(), ",")
	if !strings.Contains(calls, "DELETE /v1/streams/s-1") {
		t.Errorf("expected stream rollback, calls: %s", calls)
	}
	if !strings.Contains(calls, "DELETE /v1/broadcasts/b-new") {
		t.Errorf("expected broadcast rollback, calls: %s", calls)
	}
}

func TestPollIngestState(t *testing.T) {
	stub := newPlatformStub()
	client, profile := testClient(t, stub)

	for _, state := range []models.StreamState{
		models.StreamStateReady, models.StreamStateTesting, models.StreamStateLive, models.StreamStateComplete,
	} {
		stub.mu.Lock()
		stub.streamState = string(state)
		stub.mu.Unlock()
		got, err := client.PollIngestState(context.Background(), profile, "s-1")
		if err != nil {
			t.Fatalf("poll %s: %v", state, err)
		}
		if got != state {
			t.Fatalf("expected %s, got %s", state, got)
		}
	}

	stub.mu.Lock()
	stub.streamState = "warming-up"
	stub.mu.Unlock()
	if _, err := client.PollIngestState(context.Background(), profile, "s-1"); err == nil {
		t.Fatal("expected error for unknown status")
	}
}

func TestTransitionToSurfacesRejection(t *testing.T) {
	stub := newPlatformStub()
	stub.failPaths["/v1/broadcasts/b1/transition"] = 1
	client, profile := testClient(t, stub)

	if err := client.TransitionTo(context.Background(), profile, "b1", models.StreamStateTesting); err == nil {
		t.Fatal("expected rejection to surface as error")
	}
	if err := client.TransitionTo(context.Background(), profile, "b1", models.StreamStateLive); err != nil {
		t.Fatalf("transition: %v", err)
	}
}
