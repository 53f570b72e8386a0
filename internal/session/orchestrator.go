package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"loopcast/internal/broadcast"
	"loopcast/internal/events"
	"loopcast/internal/media"
	"loopcast/internal/models"
	"loopcast/internal/observability/metrics"
	"loopcast/internal/storage"
)

// Stable error codes persisted with failed sessions and their events.
const (
	CodeInvalidConfiguration    = "invalid-configuration"
	CodeMediaPreparationFailed  = "media-preparation-failed"
	CodeRemoteProvisionFailed   = "remote-provisioning-failed"
	CodeProcessStartFailed      = "process-start-failed"
	CodeRemoteTransitionWarning = "remote-transition-warning"
	CodeProcessAbnormalExit     = "process-abnormal-exit"
	CodeSessionLimitReached     = "session-limit-reached"
)

// Stop reason tokens. Every stop-requested event message starts with one of
// these so the trigger can be filtered from the audit trail; the free-form
// detail rides along after the token.
const (
	StopReasonManual   = "manual"
	StopReasonTimer    = "timer"
	StopReasonProcess  = "process"
	StopReasonPlatform = "platform"
	StopReasonShutdown = "shutdown"
)

// ErrSessionLimit is returned by Start when the concurrent-session cap is
// already saturated. No session record is created in that case.
var ErrSessionLimit = errors.New("concurrent session limit reached")

const (
	defaultPollInterval  = 7 * time.Second
	defaultStopGrace     = 8 * time.Second
	defaultMaxConcurrent = 4
)

// Config wires the orchestrator's collaborators. Repo and Media are required;
// everything else has a working default.
type Config struct {
	Repo   storage.Repository
	Media  media.Controller
	Remote broadcast.Client
	Broker *events.Broker
	Queue  events.Queue
	Logger *slog.Logger
	// Metrics receives session lifecycle counters. Defaults to the process-wide
	// recorder.
	Metrics *metrics.Recorder
	// PollInterval is the remote ingest-status poll cadence.
	PollInterval time.Duration
	// StopGrace bounds how long a graceful process stop may take before the
	// process is killed.
	StopGrace time.Duration
	// MaxConcurrent caps simultaneously active sessions.
	MaxConcurrent int64
	// Now overrides the clock, primarily for tests.
	Now func() time.Time
}

// Orchestrator drives loop sessions through their lifecycle: media
// preparation, remote provisioning, the looping subprocess, the stop timer,
// the ingest-status poller, and guaranteed cleanup. It is the single writer
// of session state.
type Orchestrator struct {
	repo         storage.Repository
	media        media.Controller
	remote       broadcast.Client
	broker       *events.Broker
	queue        events.Queue
	logger       *slog.Logger
	metrics      *metrics.Recorder
	pollInterval time.Duration
	stopGrace    time.Duration
	sem          *semaphore.Weighted
	now          func() time.Time

	mu     sync.Mutex
	active map[string]*activeSession
}

// activeSession is the registry entry for one running session. Fields are
// guarded by the orchestrator mutex; the stopping and finalized flags make
// the racing timer, poller, and exit watcher converge on exactly one
// finalization.
type activeSession struct {
	id              string
	profile         models.Profile
	config          models.SessionConfig
	state           models.SessionState
	streamState     models.StreamState
	remote          broadcast.ProvisionResult
	preparedPath    string
	handle          media.Handle
	timer           *time.Timer
	cancelWatch     context.CancelFunc
	stopping        bool
	finalized       bool
	remoteCompleted bool
}

// New builds an orchestrator from the config, applying defaults for optional
// collaborators.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Repo == nil {
		return nil, errors.New("orchestrator requires a repository")
	}
	if cfg.Media == nil {
		return nil, errors.New("orchestrator requires a media controller")
	}
	if cfg.Remote == nil {
		cfg.Remote = broadcast.NoopClient{}
	}
	if cfg.Broker == nil {
		cfg.Broker = events.NewBroker()
	}
	if cfg.Queue == nil {
		cfg.Queue = events.NopQueue{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Default()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = defaultStopGrace
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = defaultMaxConcurrent
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Orchestrator{
		repo:         cfg.Repo,
		media:        cfg.Media,
		remote:       cfg.Remote,
		broker:       cfg.Broker,
		queue:        cfg.Queue,
		logger:       cfg.Logger,
		metrics:      cfg.Metrics,
		pollInterval: cfg.PollInterval,
		stopGrace:    cfg.StopGrace,
		sem:          semaphore.NewWeighted(cfg.MaxConcurrent),
		now:          cfg.Now,
		active:       make(map[string]*activeSession),
	}, nil
}

// Start validates the config, prepares the clip, provisions the remote
// broadcast, launches the looping subprocess, and arms the stop timer and
// status poller. Any failure along the way marks the session failed, cleans
// up whatever was already acquired, and returns the error.
func (o *Orchestrator) Start(ctx context.Context, config models.SessionConfig) (models.SessionSummary, error) {
	if err := config.Validate(); err != nil {
		return models.SessionSummary{}, fmt.Errorf("%w: %v", ErrInvalidConfiguration, err)
	}
	profile, ok := o.repo.GetProfile(config.ProfileID)
	if !ok {
		return models.SessionSummary{}, fmt.Errorf("%w: %s", storage.ErrProfileNotFound, config.ProfileID)
	}
	if !o.sem.TryAcquire(1) {
		return models.SessionSummary{}, ErrSessionLimit
	}

	summary, err := o.repo.CreateSession(profile.ID, config)
	if err != nil {
		o.sem.Release(1)
		return models.SessionSummary{}, fmt.Errorf("create session: %w", err)
	}

	as := &activeSession{
		id:      summary.ID,
		profile: profile,
		config:  config,
		state:   models.SessionStateIdle,
	}
	o.mu.Lock()
	o.active[as.id] = as
	o.mu.Unlock()

	o.metrics.SessionStarted()
	o.event(as.id, models.EventLevelInfo, "session-created", config.SourcePath)

	if err := o.prepareAndLaunch(ctx, as); err != nil {
		return models.SessionSummary{}, err
	}

	current, _ := o.repo.GetSessionSummary(as.id)
	return current, nil
}

func (o *Orchestrator) prepareAndLaunch(ctx context.Context, as *activeSession) error {
	o.advance(as, models.SessionStatePreparingMedia)

	clipSec, err := o.media.ProbeDuration(ctx, as.config.SourcePath)
	if err != nil {
		return o.failSession(as, CodeMediaPreparationFailed, fmt.Sprintf("probe clip duration: %v", err), false)
	}
	if trim := as.config.Trim; trim != nil {
		end := math.Min(trim.EndSec, clipSec)
		clipSec = end - trim.StartSec
	}
	resolution, err := ResolveStopDuration(clipSec, as.config.Stop, o.now())
	if err != nil {
		return o.failSession(as, CodeInvalidConfiguration, err.Error(), false)
	}
	o.event(as.id, models.EventLevelInfo, "duration-resolved",
		fmt.Sprintf("effective duration %.0fs selected by %s rule", resolution.DurationSec, resolution.Rule))

	if o.startInterrupted(as) {
		return o.abortStart(ctx, as, nil)
	}
	prepared, err := o.media.PrepareClip(ctx, as.config.SourcePath, as.config.Trim)
	if err != nil {
		return o.failSession(as, CodeMediaPreparationFailed, fmt.Sprintf("prepare clip: %v", err), false)
	}
	o.mu.Lock()
	as.preparedPath = prepared
	interrupted := as.stopping || as.finalized
	o.mu.Unlock()
	if interrupted {
		return o.abortStart(ctx, as, nil)
	}
	o.event(as.id, models.EventLevelInfo, "media-prepared", prepared)

	o.advance(as, models.SessionStateProvisioning)
	result, err := o.remote.Provision(ctx, as.profile, as.config.Broadcast)
	if err != nil {
		return o.failSession(as, CodeRemoteProvisionFailed, fmt.Sprintf("provision broadcast: %v", err), false)
	}
	o.mu.Lock()
	as.remote = result
	interrupted = as.stopping || as.finalized
	o.mu.Unlock()
	if interrupted {
		return o.abortStart(ctx, as, nil)
	}
	if _, err := o.repo.AttachRemoteResources(as.id, storage.RemoteResources{
		BroadcastID:   result.BroadcastID,
		StreamID:      result.StreamID,
		IngestAddress: result.IngestAddress,
		StreamName:    result.StreamName,
	}); err != nil {
		o.logger.Warn("attach remote resources", "session_id", as.id, "error", err)
	}
	o.event(as.id, models.EventLevelInfo, "remote-provisioned",
		fmt.Sprintf("broadcast %s stream %s", result.BroadcastID, result.StreamID))

	o.advance(as, models.SessionStateStartingProcess)
	if o.startInterrupted(as) {
		return o.abortStart(ctx, as, nil)
	}
	handle, err := o.media.StartLoop(ctx, media.LoopParams{
		PreparedPath: prepared,
		IngestURL:    result.IngestURL(),
		DurationSec:  resolution.DurationSec,
		OnLog: func(line string) {
			o.logger.Debug("loop process", "session_id", as.id, "line", line)
		},
	})
	if err != nil {
		return o.failSession(as, CodeProcessStartFailed, fmt.Sprintf("start loop process: %v", err), true)
	}

	started := o.now()
	stopAt := resolution.StopAt(started)
	watchCtx, cancelWatch := context.WithCancel(context.Background())
	o.mu.Lock()
	if as.stopping || as.finalized {
		o.mu.Unlock()
		cancelWatch()
		return o.abortStart(ctx, as, handle)
	}
	as.handle = handle
	as.cancelWatch = cancelWatch
	as.timer = time.AfterFunc(time.Until(stopAt), func() {
		o.Stop(context.Background(), as.id, StopReasonTimer, "stop condition reached ("+resolution.Rule+")")
	})
	o.mu.Unlock()

	if _, err := o.repo.SetSessionTiming(as.id, resolution.DurationSec, stopAt); err != nil {
		o.logger.Warn("record session timing", "session_id", as.id, "error", err)
	}
	o.event(as.id, models.EventLevelInfo, "process-started",
		fmt.Sprintf("looping until %s", stopAt.Format(time.RFC3339)))

	go o.pollRemote(watchCtx, as)
	go o.watchExit(as)
	return nil
}

// startInterrupted reports whether a concurrent Stop finalized the session
// while the start sequence was still running.
func (o *Orchestrator) startInterrupted(as *activeSession) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return as.stopping || as.finalized
}

// abortStart unwinds a start sequence that lost the race with a concurrent
// Stop. The stop path already finalized the session without seeing the
// resources acquired after it ran, so they are released here: the loop
// process, the remote broadcast, and the prepared clip artifact.
func (o *Orchestrator) abortStart(ctx context.Context, as *activeSession, handle media.Handle) error {
	if handle != nil {
		handle.Stop(o.stopGrace)
	}
	o.completeRemote(ctx, as)
	o.cleanup(as)
	o.logger.Info("start aborted by concurrent stop", "session_id", as.id)
	return nil
}

// Stop winds a session down: it stops the subprocess gracefully, attempts the
// remote complete transition, marks the session completed, and releases every
// resource. It is idempotent; a second call while the first is still in
// flight returns true immediately. Unknown or already-finalized sessions
// return false. The reason must be one of the StopReason tokens; detail is
// free-form prose recorded alongside it.
func (o *Orchestrator) Stop(ctx context.Context, sessionID, reason, detail string) bool {
	o.mu.Lock()
	as, ok := o.active[sessionID]
	if !ok {
		o.mu.Unlock()
		return false
	}
	if as.stopping {
		o.mu.Unlock()
		return true
	}
	as.stopping = true
	timer := as.timer
	cancelWatch := as.cancelWatch
	handle := as.handle
	o.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	if cancelWatch != nil {
		cancelWatch()
	}

	message := reason
	if detail != "" {
		message = reason + ": " + detail
	}
	o.event(sessionID, models.EventLevelInfo, "stop-requested", message)
	o.advance(as, models.SessionStateStopping)

	if handle != nil {
		handle.Stop(o.stopGrace)
		o.event(sessionID, models.EventLevelInfo, "process-stopped", "loop process terminated")
	}
	o.completeRemote(ctx, as)
	o.finalizeComplete(as)
	return true
}

// watchExit reacts to the subprocess ending on its own. A clean exit means
// the bounded duration was reached and the session winds down normally. An
// abnormal exit fails the session and deliberately leaves the remote
// broadcast untouched so an operator can inspect it.
func (o *Orchestrator) watchExit(as *activeSession) {
	<-as.handle.Done()

	o.mu.Lock()
	if as.stopping || as.finalized {
		o.mu.Unlock()
		return
	}
	as.stopping = true
	timer := as.timer
	cancelWatch := as.cancelWatch
	o.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	if cancelWatch != nil {
		cancelWatch()
	}

	status := as.handle.Status()
	o.metrics.ProcessExited(status.Clean())
	if status.Clean() {
		o.event(as.id, models.EventLevelInfo, "stop-requested", StopReasonProcess+": loop process exited after reaching its duration")
		o.event(as.id, models.EventLevelInfo, "process-stopped", "loop process exited cleanly")
		o.advance(as, models.SessionStateStopping)
		o.completeRemote(context.Background(), as)
		o.finalizeComplete(as)
		return
	}

	detail := fmt.Sprintf("loop process exited abnormally: code=%d", status.Code)
	if status.Signal != "" {
		detail += " signal=" + status.Signal
	}
	if status.Err != nil {
		detail += " err=" + status.Err.Error()
	}
	o.failSession(as, CodeProcessAbnormalExit, detail, false)
}

// pollRemote watches the platform's view of the ingest stream and
// opportunistically pushes the broadcast toward live. Rejected transitions
// are warnings, retried on the next tick.
func (o *Orchestrator) pollRemote(ctx context.Context, as *activeSession) {
	ticker := time.NewTicker(o.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		observed, err := o.remote.PollIngestState(ctx, as.profile, as.remote.StreamID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			o.metrics.ObservePoll(true)
			o.logger.Warn("poll ingest state", "session_id", as.id, "error", err)
			continue
		}
		o.metrics.ObservePoll(false)
		o.observeStream(ctx, as, observed)
	}
}

func (o *Orchestrator) observeStream(ctx context.Context, as *activeSession, observed models.StreamState) {
	o.mu.Lock()
	if as.finalized || as.stopping {
		o.mu.Unlock()
		return
	}
	previous := as.streamState
	if observed != previous {
		if previous != "" && !CanStreamTransition(previous, observed) {
			o.mu.Unlock()
			o.metrics.TransitionWarning()
			o.event(as.id, models.EventLevelWarn, CodeRemoteTransitionWarning,
				fmt.Sprintf("ignoring stream state regression %s -> %s", previous, observed))
			return
		}
		as.streamState = observed
	}
	o.mu.Unlock()

	switch observed {
	case models.StreamStateReady:
		o.requestTransition(ctx, as, models.StreamStateTesting)
	case models.StreamStateTesting:
		if observed != previous {
			o.event(as.id, models.EventLevelInfo, "stream-testing", "platform reports the stream in testing")
		}
		o.advance(as, models.SessionStateTesting)
		o.requestTransition(ctx, as, models.StreamStateLive)
	case models.StreamStateLive:
		if observed != previous {
			o.event(as.id, models.EventLevelInfo, "stream-live", "platform reports the stream live")
		}
		o.advance(as, models.SessionStateLive)
	case models.StreamStateComplete:
		// The platform ended the broadcast out from under us.
		go o.Stop(context.Background(), as.id, StopReasonPlatform, "platform reported the stream complete")
	}
}

func (o *Orchestrator) requestTransition(ctx context.Context, as *activeSession, target models.StreamState) {
	if as.remote.BroadcastID == "" {
		return
	}
	if err := o.remote.TransitionTo(ctx, as.profile, as.remote.BroadcastID, target); err != nil {
		o.metrics.TransitionWarning()
		o.event(as.id, models.EventLevelWarn, CodeRemoteTransitionWarning,
			fmt.Sprintf("transition to %s rejected: %v", target, err))
	}
}

// completeRemote attempts the terminal remote transition at most once per
// session, so a stop racing an aborted start cannot complete the broadcast
// twice.
func (o *Orchestrator) completeRemote(ctx context.Context, as *activeSession) {
	o.mu.Lock()
	broadcastID := as.remote.BroadcastID
	if broadcastID == "" || as.remoteCompleted {
		o.mu.Unlock()
		return
	}
	as.remoteCompleted = true
	o.mu.Unlock()
	if err := o.remote.TransitionTo(ctx, as.profile, broadcastID, models.StreamStateComplete); err != nil {
		o.metrics.TransitionWarning()
		o.event(as.id, models.EventLevelWarn, CodeRemoteTransitionWarning,
			fmt.Sprintf("complete transition failed: %v", err))
		return
	}
	o.event(as.id, models.EventLevelInfo, "remote-completed", "broadcast transitioned to complete")
}

// finalizeComplete records the terminal completed state and releases every
// per-session resource. Exactly one caller wins; later calls are no-ops.
func (o *Orchestrator) finalizeComplete(as *activeSession) {
	o.mu.Lock()
	if as.finalized {
		o.mu.Unlock()
		return
	}
	as.finalized = true
	as.state = models.SessionStateCompleted
	delete(o.active, as.id)
	o.mu.Unlock()

	if _, err := o.repo.CompleteSession(as.id, o.now()); err != nil {
		o.logger.Warn("record session completion", "session_id", as.id, "error", err)
	}
	o.event(as.id, models.EventLevelInfo, "session-completed", "")
	o.cleanup(as)
	o.broker.DropTopic(as.id)
	o.sem.Release(1)
	o.metrics.SessionCompleted()
	o.logger.Info("session completed", "session_id", as.id)
}

// failSession records the terminal failed state with a structured cause. The
// remote complete transition is only attempted when the caller says so; an
// abnormal process exit leaves the broadcast alone.
func (o *Orchestrator) failSession(as *activeSession, code, message string, completeRemote bool) error {
	o.mu.Lock()
	if as.finalized {
		o.mu.Unlock()
		return fmt.Errorf("%s: %s", code, message)
	}
	as.finalized = true
	as.stopping = true
	as.state = models.SessionStateFailed
	delete(o.active, as.id)
	timer := as.timer
	cancelWatch := as.cancelWatch
	o.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	if cancelWatch != nil {
		cancelWatch()
	}

	o.event(as.id, models.EventLevelError, code, message)
	if completeRemote {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		o.completeRemote(ctx, as)
		cancel()
	}
	if _, err := o.repo.FailSession(as.id, code, message, o.now()); err != nil {
		o.logger.Warn("record session failure", "session_id", as.id, "error", err)
	}
	o.event(as.id, models.EventLevelInfo, "session-failed", code)
	o.cleanup(as)
	o.broker.DropTopic(as.id)
	o.sem.Release(1)
	o.metrics.SessionFailed(code)
	o.logger.Error("session failed", "session_id", as.id, "code", code, "message", message)
	return fmt.Errorf("%s: %s", code, message)
}

// cleanup removes the prepared clip artifact.
func (o *Orchestrator) cleanup(as *activeSession) {
	o.mu.Lock()
	prepared := as.preparedPath
	as.preparedPath = ""
	o.mu.Unlock()
	if prepared == "" {
		return
	}
	if err := os.Remove(prepared); err != nil && !errors.Is(err, os.ErrNotExist) {
		o.logger.Warn("remove prepared clip", "session_id", as.id, "path", prepared, "error", err)
	}
}

// advance moves the session lifecycle forward when the transition table
// permits it. Rejected attempts are recorded as warnings and otherwise
// ignored, because timers, polls, and exit callbacks legitimately race.
func (o *Orchestrator) advance(as *activeSession, to models.SessionState) bool {
	o.mu.Lock()
	from := as.state
	if from == to || as.finalized {
		o.mu.Unlock()
		return from == to
	}
	if !CanTransition(from, to) {
		o.mu.Unlock()
		o.event(as.id, models.EventLevelWarn, "transition-rejected",
			fmt.Sprintf("transition %s -> %s not permitted", from, to))
		return false
	}
	as.state = to
	o.mu.Unlock()

	if _, err := o.repo.UpdateSessionState(as.id, to); err != nil {
		o.logger.Warn("persist session state", "session_id", as.id, "state", to, "error", err)
	}
	return true
}

// event records an audit entry, fans it out to in-process subscribers, and
// mirrors it onto the durable queue. Queue failures are logged, never fatal.
func (o *Orchestrator) event(sessionID string, level models.EventLevel, code, message string) {
	evt, err := o.repo.AddEvent(sessionID, level, code, message)
	if err != nil {
		o.logger.Warn("record session event", "session_id", sessionID, "code", code, "error", err)
		evt = models.SessionEvent{SessionID: sessionID, At: o.now(), Level: level, Code: code, Message: message}
	}
	o.broker.Publish(evt)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := o.queue.Publish(ctx, evt); err != nil {
		o.logger.Warn("mirror event to queue", "session_id", sessionID, "code", code, "error", err)
	}
}

// GetState returns the persisted summary and event log for a session, running
// or finished.
func (o *Orchestrator) GetState(sessionID string) (models.SessionSummary, []models.SessionEvent, bool) {
	summary, ok := o.repo.GetSessionSummary(sessionID)
	if !ok {
		return models.SessionSummary{}, nil, false
	}
	evts, err := o.repo.ListSessionEvents(sessionID)
	if err != nil {
		o.logger.Warn("list session events", "session_id", sessionID, "error", err)
	}
	return summary, evts, true
}

// ListSessions returns every persisted session, newest first.
func (o *Orchestrator) ListSessions() []models.SessionSummary {
	return o.repo.ListSessions()
}

// SubscribeEvents attaches a listener to the session's event topic.
// Re-subscribing with the same consumer id replaces the previous listener.
func (o *Orchestrator) SubscribeEvents(sessionID, consumerID string, fn events.Listener) func() {
	return o.broker.Subscribe(sessionID, consumerID, fn)
}

// Active reports the number of sessions currently in flight.
func (o *Orchestrator) Active() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.active)
}

// Shutdown stops every active session and waits for them to finish or the
// context to expire.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	ids := make([]string, 0, len(o.active))
	for id := range o.active {
		ids = append(ids, id)
	}
	o.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			o.Stop(ctx, id, StopReasonShutdown, "daemon shutting down")
		}(id)
	}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}
