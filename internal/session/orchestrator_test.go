package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"loopcast/internal/broadcast"
	"loopcast/internal/media"
	"loopcast/internal/models"
	"loopcast/internal/storage"
)

type fakeHandle struct {
	mu       sync.Mutex
	done     chan struct{}
	status   media.ExitStatus
	stopped  bool
	exitOnce sync.Once
}

func newFakeHandle() *fakeHandle {
	return &fakeHandle{done: make(chan struct{})}
}

func (h *fakeHandle) exit(status media.ExitStatus) {
	h.exitOnce.Do(func() {
		h.mu.Lock()
		h.status = status
		h.mu.Unlock()
		close(h.done)
	})
}

func (h *fakeHandle) Stop(grace time.Duration) {
	h.mu.Lock()
	h.stopped = true
	h.mu.Unlock()
	h.exit(media.ExitStatus{})
	<-h.done
}

func (h *fakeHandle) Done() <-chan struct{} { return h.done }

func (h *fakeHandle) Status() media.ExitStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

type fakeMedia struct {
	mu        sync.Mutex
	clipSec   float64
	probeErr  error
	prepErr   error
	startErr  error
	handle    *fakeHandle
	prepared  []string
	workDir   string
	loopCalls []media.LoopParams
	// prepGate and startGate, when set, block PrepareClip and StartLoop
	// until closed.
	prepGate  chan struct{}
	startGate chan struct{}
}

func (f *fakeMedia) ProbeDuration(ctx context.Context, path string) (float64, error) {
	if f.probeErr != nil {
		return 0, f.probeErr
	}
	return f.clipSec, nil
}

func (f *fakeMedia) PrepareClip(ctx context.Context, path string, trim *models.TrimWindow) (string, error) {
	if f.prepErr != nil {
		return "", f.prepErr
	}
	if f.prepGate != nil {
		<-f.prepGate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	prepared := filepath.Join(f.workDir, fmt.Sprintf("loop-%d.mp4", len(f.prepared)))
	if err := os.WriteFile(prepared, []byte("clip"), 0o644); err != nil {
		return "", err
	}
	f.prepared = append(f.prepared, prepared)
	return prepared, nil
}

func (f *fakeMedia) StartLoop(ctx context.Context, params media.LoopParams) (media.Handle, error) {
	if f.startErr != nil {
		return nil, f.startErr
	}
	if f.startGate != nil {
		<-f.startGate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loopCalls = append(f.loopCalls, params)
	return f.handle, nil
}

type fakeRemote struct {
	mu           sync.Mutex
	provisionErr error
	result       broadcast.ProvisionResult
	pollStates   []models.StreamState
	pollIdx      int
	transitions  []models.StreamState
	rejectTarget models.StreamState
}

func (f *fakeRemote) Provision(ctx context.Context, profile models.Profile, settings models.BroadcastSettings) (broadcast.ProvisionResult, error) {
	if f.provisionErr != nil {
		return broadcast.ProvisionResult{}, f.provisionErr
	}
	return f.result, nil
}

func (f *fakeRemote) PollIngestState(ctx context.Context, profile models.Profile, streamID string) (models.StreamState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.pollStates) == 0 {
		return models.StreamStateReady, nil
	}
	state := f.pollStates[f.pollIdx]
	if f.pollIdx < len(f.pollStates)-1 {
		f.pollIdx++
	}
	return state, nil
}

func (f *fakeRemote) TransitionTo(ctx context.Context, profile models.Profile, broadcastID string, state models.StreamState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rejectTarget != "" && state == f.rejectTarget {
		return errors.New("platform rejected transition")
	}
	f.transitions = append(f.transitions, state)
	return nil
}

func (f *fakeRemote) completeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, state := range f.transitions {
		if state == models.StreamStateComplete {
			count++
		}
	}
	return count
}

type harness struct {
	orch    *Orchestrator
	repo    *storage.Storage
	media   *fakeMedia
	remote  *fakeRemote
	profile models.Profile
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	dir := t.TempDir()
	repo, err := storage.NewStorage(filepath.Join(dir, "store.json"))
	if err != nil {
		t.Fatalf("NewStorage: %v", err)
	}
	profile, err := repo.CreateProfile(storage.CreateProfileParams{
		Name:       "staging",
		APIBaseURL: "https://platform.example.com",
		TokenRef:   "env:PLATFORM_TOKEN",
	})
	if err != nil {
		t.Fatalf("CreateProfile: %v", err)
	}
	fm := &fakeMedia{clipSec: 10, handle: newFakeHandle(), workDir: dir}
	fr := &fakeRemote{result: broadcast.ProvisionResult{
		BroadcastID:   "b1",
		StreamID:      "s1",
		IngestAddress: "rtmp://ingest.example.com/live",
		StreamName:    "key-123",
	}}
	cfg := Config{
		Repo:         repo,
		Media:        fm,
		Remote:       fr,
		PollInterval: 10 * time.Millisecond,
		StopGrace:    100 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	orch, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &harness{orch: orch, repo: repo, media: fm, remote: fr, profile: profile}
}

func (h *harness) config() models.SessionConfig {
	return models.SessionConfig{
		ProfileID:  h.profile.ID,
		SourcePath: "/media/clip.mp4",
		Stop:       models.StopConditions{MaxDurationSec: 60},
		Broadcast: models.BroadcastSettings{
			Mode:        models.BroadcastModeReuseExisting,
			BroadcastID: "b1",
		},
	}
}

func waitForState(t *testing.T, repo storage.Repository, id string, want models.SessionState) models.SessionSummary {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		summary, ok := repo.GetSessionSummary(id)
		if ok && summary.State == want {
			return summary
		}
		time.Sleep(5 * time.Millisecond)
	}
	summary, _ := repo.GetSessionSummary(id)
	t.Fatalf("session %s never reached %s, last state %s", id, want, summary.State)
	return models.SessionSummary{}
}

func TestStartThenStopCompletesSession(t *testing.T) {
	h := newHarness(t, nil)

	summary, err := h.orch.Start(context.Background(), h.config())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if summary.BroadcastID != "b1" || summary.StreamID != "s1" {
		t.Fatalf("remote resources not attached: %+v", summary)
	}
	if summary.EffectiveDurationSec != 60 {
		t.Fatalf("effective duration = %v", summary.EffectiveDurationSec)
	}
	if summary.StopAt == nil {
		t.Fatal("stop time not recorded")
	}

	if !h.orch.Stop(context.Background(), summary.ID, StopReasonManual, "operator request") {
		t.Fatal("Stop returned false for an active session")
	}

	final := waitForState(t, h.repo, summary.ID, models.SessionStateCompleted)
	if final.EndedAt == nil {
		t.Fatal("ended at not recorded")
	}
	if h.remote.completeCount() != 1 {
		t.Fatalf("complete transitions = %d", h.remote.completeCount())
	}
	if _, err := os.Stat(h.media.prepared[0]); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("prepared clip not removed: %v", err)
	}
	if h.orch.Active() != 0 {
		t.Fatalf("active sessions = %d", h.orch.Active())
	}
}

func TestStopIsIdempotentUnderConcurrency(t *testing.T) {
	h := newHarness(t, nil)
	summary, err := h.orch.Start(context.Background(), h.config())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	var wg sync.WaitGroup
	results := make([]bool, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = h.orch.Stop(context.Background(), summary.ID, StopReasonManual, "operator request")
		}(i)
	}
	wg.Wait()

	for i, ok := range results {
		if !ok {
			t.Fatalf("concurrent stop %d returned false", i)
		}
	}
	waitForState(t, h.repo, summary.ID, models.SessionStateCompleted)
	if h.remote.completeCount() != 1 {
		t.Fatalf("complete transitions = %d, want exactly 1", h.remote.completeCount())
	}
}

func TestStopUnknownSessionReturnsFalse(t *testing.T) {
	h := newHarness(t, nil)
	if h.orch.Stop(context.Background(), "missing", StopReasonManual, "operator request") {
		t.Fatal("Stop reported success for an unknown session")
	}
}

func TestCleanProcessExitCompletes(t *testing.T) {
	h := newHarness(t, nil)
	summary, err := h.orch.Start(context.Background(), h.config())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	h.media.handle.exit(media.ExitStatus{})

	final := waitForState(t, h.repo, summary.ID, models.SessionStateCompleted)
	if final.ErrorCode != "" {
		t.Fatalf("clean exit produced error code %q", final.ErrorCode)
	}
	if h.remote.completeCount() != 1 {
		t.Fatalf("complete transitions = %d", h.remote.completeCount())
	}
}

func TestAbnormalExitFailsWithoutRemoteComplete(t *testing.T) {
	h := newHarness(t, nil)
	summary, err := h.orch.Start(context.Background(), h.config())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	h.media.handle.exit(media.ExitStatus{Code: 1, Err: errors.New("broken pipe")})

	final := waitForState(t, h.repo, summary.ID, models.SessionStateFailed)
	if final.ErrorCode != CodeProcessAbnormalExit {
		t.Fatalf("error code = %q", final.ErrorCode)
	}
	if h.remote.completeCount() != 0 {
		t.Fatal("abnormal exit must not transition the remote broadcast to complete")
	}
	if _, err := os.Stat(h.media.prepared[0]); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("prepared clip not removed: %v", err)
	}
	if h.orch.Active() != 0 {
		t.Fatalf("active sessions = %d", h.orch.Active())
	}
}

func TestProvisionFailureFailsSessionAndCleansUp(t *testing.T) {
	h := newHarness(t, nil)
	h.remote.provisionErr = errors.New("quota exceeded")

	_, err := h.orch.Start(context.Background(), h.config())
	if err == nil {
		t.Fatal("expected provisioning error")
	}

	sessions := h.repo.ListSessions()
	if len(sessions) != 1 {
		t.Fatalf("sessions = %d", len(sessions))
	}
	if sessions[0].State != models.SessionStateFailed || sessions[0].ErrorCode != CodeRemoteProvisionFailed {
		t.Fatalf("unexpected failure record %+v", sessions[0])
	}
	if _, err := os.Stat(h.media.prepared[0]); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("prepared clip not removed: %v", err)
	}
	if h.orch.Active() != 0 {
		t.Fatalf("active sessions = %d", h.orch.Active())
	}
}

func TestInvalidConfigRejectedBeforeAnyResource(t *testing.T) {
	h := newHarness(t, nil)
	config := h.config()
	config.Stop = models.StopConditions{}

	_, err := h.orch.Start(context.Background(), config)
	if !errors.Is(err, ErrInvalidConfiguration) {
		t.Fatalf("expected ErrInvalidConfiguration, got %v", err)
	}
	if len(h.repo.ListSessions()) != 0 {
		t.Fatal("invalid config still created a session record")
	}
	if len(h.media.prepared) != 0 {
		t.Fatal("invalid config still prepared media")
	}
}

func TestPastEndAtFailsSession(t *testing.T) {
	h := newHarness(t, nil)
	config := h.config()
	past := time.Now().Add(-time.Minute)
	config.Stop = models.StopConditions{EndAt: &past}

	_, err := h.orch.Start(context.Background(), config)
	if err == nil {
		t.Fatal("expected resolution error")
	}
	sessions := h.repo.ListSessions()
	if len(sessions) != 1 || sessions[0].ErrorCode != CodeInvalidConfiguration {
		t.Fatalf("unexpected sessions %+v", sessions)
	}
}

func TestConcurrentSessionCap(t *testing.T) {
	h := newHarness(t, func(cfg *Config) { cfg.MaxConcurrent = 1 })

	first, err := h.orch.Start(context.Background(), h.config())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := h.orch.Start(context.Background(), h.config()); !errors.Is(err, ErrSessionLimit) {
		t.Fatalf("expected ErrSessionLimit, got %v", err)
	}

	h.orch.Stop(context.Background(), first.ID, StopReasonManual, "make room")
	waitForState(t, h.repo, first.ID, models.SessionStateCompleted)

	h.media.handle = newFakeHandle()
	if _, err := h.orch.Start(context.Background(), h.config()); err != nil {
		t.Fatalf("Start after release: %v", err)
	}
}

func TestPollerDrivesStreamToLive(t *testing.T) {
	h := newHarness(t, nil)
	h.remote.pollStates = []models.StreamState{
		models.StreamStateReady,
		models.StreamStateTesting,
		models.StreamStateLive,
	}

	summary, err := h.orch.Start(context.Background(), h.config())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	waitForState(t, h.repo, summary.ID, models.SessionStateLive)

	h.remote.mu.Lock()
	sawTesting, sawLive := false, false
	for _, state := range h.remote.transitions {
		if state == models.StreamStateTesting {
			sawTesting = true
		}
		if state == models.StreamStateLive {
			sawLive = true
		}
	}
	h.remote.mu.Unlock()
	if !sawTesting || !sawLive {
		t.Fatalf("expected testing and live transition requests, got %v", h.remote.transitions)
	}
}

func TestEventsAreDeliveredToSubscribers(t *testing.T) {
	h := newHarness(t, nil)

	var mu sync.Mutex
	var codes []string

	summary, err := h.orch.Start(context.Background(), h.config())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	unsubscribe := h.orch.SubscribeEvents(summary.ID, "test", func(evt models.SessionEvent) {
		mu.Lock()
		codes = append(codes, evt.Code)
		mu.Unlock()
	})
	defer unsubscribe()

	h.orch.Stop(context.Background(), summary.ID, StopReasonManual, "operator request")
	waitForState(t, h.repo, summary.ID, models.SessionStateCompleted)

	mu.Lock()
	defer mu.Unlock()
	want := map[string]bool{"stop-requested": false, "session-completed": false}
	for _, code := range codes {
		if _, ok := want[code]; ok {
			want[code] = true
		}
	}
	for code, seen := range want {
		if !seen {
			t.Fatalf("event %s not delivered, got %v", code, codes)
		}
	}
}

func TestShutdownStopsActiveSessions(t *testing.T) {
	h := newHarness(t, nil)
	summary, err := h.orch.Start(context.Background(), h.config())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.orch.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	final, _ := h.repo.GetSessionSummary(summary.ID)
	if final.State != models.SessionStateCompleted {
		t.Fatalf("state after shutdown = %s", final.State)
	}
	if h.orch.Active() != 0 {
		t.Fatalf("active sessions = %d", h.orch.Active())
	}
}

func TestStopConditionTimerEndsSession(t *testing.T) {
	h := newHarness(t, nil)
	config := h.config()
	config.Stop = models.StopConditions{MaxDurationSec: 0.05}

	summary, err := h.orch.Start(context.Background(), config)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	final := waitForState(t, h.repo, summary.ID, models.SessionStateCompleted)
	if final.EffectiveDurationSec != 0.05 {
		t.Fatalf("effective duration = %v", final.EffectiveDurationSec)
	}

	events, err := h.repo.ListSessionEvents(summary.ID)
	if err != nil {
		t.Fatalf("ListSessionEvents: %v", err)
	}
	found := false
	for _, evt := range events {
		if evt.Code == "stop-requested" {
			found = true
			if !strings.HasPrefix(evt.Message, StopReasonTimer) {
				t.Fatalf("timer stop recorded reason %q", evt.Message)
			}
		}
	}
	if !found {
		t.Fatal("timer stop left no stop-requested event")
	}
}

func TestStopEventCarriesReasonToken(t *testing.T) {
	h := newHarness(t, nil)
	summary, err := h.orch.Start(context.Background(), h.config())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	h.orch.Stop(context.Background(), summary.ID, StopReasonManual, "requested by ops@example.com")
	waitForState(t, h.repo, summary.ID, models.SessionStateCompleted)

	events, err := h.repo.ListSessionEvents(summary.ID)
	if err != nil {
		t.Fatalf("ListSessionEvents: %v", err)
	}
	for _, evt := range events {
		if evt.Code != "stop-requested" {
			continue
		}
		if !strings.HasPrefix(evt.Message, StopReasonManual+": ") {
			t.Fatalf("stop-requested message %q does not start with the reason token", evt.Message)
		}
		return
	}
	t.Fatal("no stop-requested event recorded")
}

func TestStopDuringStartAbortsLaunch(t *testing.T) {
	h := newHarness(t, nil)
	gate := make(chan struct{})
	h.media.prepGate = gate

	errs := make(chan error, 1)
	go func() {
		_, err := h.orch.Start(context.Background(), h.config())
		errs <- err
	}()

	var id string
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if sessions := h.repo.ListSessions(); len(sessions) == 1 {
			id = sessions[0].ID
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
	if id == "" {
		t.Fatal("session record never appeared")
	}

	// Stop wins the race while Start is still blocked in media preparation.
	if !h.orch.Stop(context.Background(), id, StopReasonManual, "operator changed their mind") {
		t.Fatal("Stop returned false for the in-flight session")
	}
	waitForState(t, h.repo, id, models.SessionStateCompleted)

	close(gate)
	if err := <-errs; err != nil {
		t.Fatalf("Start: %v", err)
	}

	h.media.mu.Lock()
	loops := len(h.media.loopCalls)
	prepared := append([]string(nil), h.media.prepared...)
	h.media.mu.Unlock()
	if loops != 0 {
		t.Fatalf("loop process launched after the session finalized: %d calls", loops)
	}
	for _, path := range prepared {
		if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
			t.Fatalf("prepared clip %s not removed: %v", path, err)
		}
	}
	if h.orch.Active() != 0 {
		t.Fatalf("active sessions = %d", h.orch.Active())
	}
}

func TestStopDuringStartStopsLaunchedProcess(t *testing.T) {
	h := newHarness(t, nil)
	gate := make(chan struct{})
	h.media.startGate = gate

	errs := make(chan error, 1)
	go func() {
		_, err := h.orch.Start(context.Background(), h.config())
		errs <- err
	}()

	var id string
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if sessions := h.repo.ListSessions(); len(sessions) == 1 {
			id = sessions[0].ID
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
	if id == "" {
		t.Fatal("session record never appeared")
	}

	// Stop wins while Start is blocked inside StartLoop: the process comes
	// back after finalization and must be torn down again.
	if !h.orch.Stop(context.Background(), id, StopReasonManual, "operator changed their mind") {
		t.Fatal("Stop returned false for the in-flight session")
	}
	waitForState(t, h.repo, id, models.SessionStateCompleted)

	close(gate)
	if err := <-errs; err != nil {
		t.Fatalf("Start: %v", err)
	}

	h.media.handle.mu.Lock()
	stopped := h.media.handle.stopped
	h.media.handle.mu.Unlock()
	if !stopped {
		t.Fatal("loop process launched after finalization was not stopped")
	}
	if h.remote.completeCount() != 1 {
		t.Fatalf("complete transitions = %d, want exactly 1", h.remote.completeCount())
	}
	if _, err := os.Stat(h.media.prepared[0]); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("prepared clip not removed: %v", err)
	}
	if h.orch.Active() != 0 {
		t.Fatalf("active sessions = %d", h.orch.Active())
	}
}
