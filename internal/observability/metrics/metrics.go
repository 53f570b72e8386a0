package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type requestLabel struct {
	method string
	path   string
	status string
}

// Recorder aggregates in-memory counters and gauges for HTTP requests,
// session lifecycle events, loop process exits, and remote platform polling.
// It is safe for concurrent use.
type Recorder struct {
	mu              sync.RWMutex
	requestCount    map[requestLabel]uint64
	requestDuration map[requestLabel]time.Duration
	sessionEvents   map[string]uint64
	sessionFailures map[string]uint64
	processExits    map[string]uint64
	pollAttempts    uint64
	pollFailures    uint64
	transitionWarns uint64
	activeSessions  atomic.Int64
}

var defaultRecorder = New()

// New constructs an empty Recorder with initialized backing maps.
func New() *Recorder {
	return &Recorder{
		requestCount:    make(map[requestLabel]uint64),
		requestDuration: make(map[requestLabel]time.Duration),
		sessionEvents:   make(map[string]uint64),
		sessionFailures: make(map[string]uint64),
		processExits:    make(map[string]uint64),
	}
}

// Default returns the shared Recorder instance.
func Default() *Recorder {
	return defaultRecorder
}

// ObserveRequest accumulates request count and cumulative duration by HTTP
// method, normalized path, and status code.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	label := requestLabel{
		method: strings.ToUpper(method),
		path:   normalizePath(path),
		status: fmt.Sprintf("%d", status),
	}
	r.mu.Lock()
	r.requestCount[label]++
	r.requestDuration[label] += duration
	r.mu.Unlock()
}

// SessionStarted records a start event and increments the active gauge.
func (r *Recorder) SessionStarted() {
	r.incrementSessionEvent("start")
	r.activeSessions.Add(1)
}

// SessionCompleted records a normal completion and decrements the gauge.
func (r *Recorder) SessionCompleted() {
	r.incrementSessionEvent("complete")
	r.decrementGauge(&r.activeSessions)
}

// SessionFailed records a failure keyed by its taxonomy code and decrements
// the gauge.
func (r *Recorder) SessionFailed(code string) {
	r.incrementSessionEvent("fail")
	normalized := normalizeName(code)
	r.mu.Lock()
	r.sessionFailures[normalized]++
	r.mu.Unlock()
	r.decrementGauge(&r.activeSessions)
}

func (r *Recorder) incrementSessionEvent(event string) {
	r.mu.Lock()
	r.sessionEvents[event]++
	r.mu.Unlock()
}

// ProcessExited records a loop process exit classified as clean or abnormal.
func (r *Recorder) ProcessExited(clean bool) {
	kind := "clean"
	if !clean {
		kind = "abnormal"
	}
	r.mu.Lock()
	r.processExits[kind]++
	r.mu.Unlock()
}

// ObservePoll records one remote ingest-status poll and whether it failed.
func (r *Recorder) ObservePoll(failed bool) {
	r.mu.Lock()
	r.pollAttempts++
	if failed {
		r.pollFailures++
	}
	r.mu.Unlock()
}

// TransitionWarning records a rejected or failed remote stream transition.
func (r *Recorder) TransitionWarning() {
	r.mu.Lock()
	r.transitionWarns++
	r.mu.Unlock()
}

// ActiveSessions returns the current gauge value.
func (r *Recorder) ActiveSessions() int64 {
	return r.activeSessions.Load()
}

// SessionCounts returns copies of the lifecycle and failure counters for
// tests and reporting.
func (r *Recorder) SessionCounts() (events map[string]uint64, failures map[string]uint64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	events = make(map[string]uint64, len(r.sessionEvents))
	for k, v := range r.sessionEvents {
		events[k] = v
	}
	failures = make(map[string]uint64, len(r.sessionFailures))
	for k, v := range r.sessionFailures {
		failures[k] = v
	}
	return events, failures
}

// Reset clears all counters and gauges. Intended for test setups.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requestCount = make(map[requestLabel]uint64)
	r.requestDuration = make(map[requestLabel]time.Duration)
	r.sessionEvents = make(map[string]uint64)
	r.sessionFailures = make(map[string]uint64)
	r.processExits = make(map[string]uint64)
	r.pollAttempts = 0
	r.pollFailures = 0
	r.transitionWarns = 0
	r.activeSessions.Store(0)
}

// Handler exposes the Recorder as an http.Handler that writes Prometheus text
// exposition data.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.Write(w)
	})
}

// Write renders the metrics in Prometheus text format with stable ordering.
func (r *Recorder) Write(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	requestLabels := r.sortedRequestLabels()
	sessionEvents := sortedKeys(r.sessionEvents)
	sessionFailures := sortedKeys(r.sessionFailures)
	processExits := sortedKeys(r.processExits)

	fmt.Fprintln(w, "# HELP loopcast_http_requests_total Total number of HTTP requests processed by the API")
	fmt.Fprintln(w, "# TYPE loopcast_http_requests_total counter")
	for _, label := range requestLabels {
		fmt.Fprintf(w, "loopcast_http_requests_total{method=%q,path=%q,status=%q} %d\n", label.method, label.path, label.status, r.requestCount[label])
	}

	fmt.Fprintln(w, "# HELP loopcast_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds")
	fmt.Fprintln(w, "# TYPE loopcast_http_request_duration_seconds_sum counter")
	for _, label := range requestLabels {
		fmt.Fprintf(w, "loopcast_http_request_duration_seconds_sum{method=%q,path=%q,status=%q} %f\n", label.method, label.path, label.status, r.requestDuration[label].Seconds())
	}

	fmt.Fprintln(w, "# HELP loopcast_session_events_total Session lifecycle events by type")
	fmt.Fprintln(w, "# TYPE loopcast_session_events_total counter")
	for _, event := range sessionEvents {
		fmt.Fprintf(w, "loopcast_session_events_total{event=%q} %d\n", event, r.sessionEvents[event])
	}

	fmt.Fprintln(w, "# HELP loopcast_session_failures_total Failed sessions by error code")
	fmt.Fprintln(w, "# TYPE loopcast_session_failures_total counter")
	for _, code := range sessionFailures {
		fmt.Fprintf(w, "loopcast_session_failures_total{code=%q} %d\n", code, r.sessionFailures[code])
	}

	fmt.Fprintln(w, "# HELP loopcast_process_exits_total Loop process exits by classification")
	fmt.Fprintln(w, "# TYPE loopcast_process_exits_total counter")
	for _, kind := range processExits {
		fmt.Fprintf(w, "loopcast_process_exits_total{kind=%q} %d\n", kind, r.processExits[kind])
	}

	fmt.Fprintln(w, "# HELP loopcast_remote_polls_total Remote ingest-status polls")
	fmt.Fprintln(w, "# TYPE loopcast_remote_polls_total counter")
	fmt.Fprintf(w, "loopcast_remote_polls_total %d\n", r.pollAttempts)

	fmt.Fprintln(w, "# HELP loopcast_remote_poll_failures_total Remote ingest-status polls that errored")
	fmt.Fprintln(w, "# TYPE loopcast_remote_poll_failures_total counter")
	fmt.Fprintf(w, "loopcast_remote_poll_failures_total %d\n", r.pollFailures)

	fmt.Fprintln(w, "# HELP loopcast_remote_transition_warnings_total Remote stream transitions that were rejected or failed")
	fmt.Fprintln(w, "# TYPE loopcast_remote_transition_warnings_total counter")
	fmt.Fprintf(w, "loopcast_remote_transition_warnings_total %d\n", r.transitionWarns)

	fmt.Fprintln(w, "# HELP loopcast_active_sessions Current number of active loop sessions")
	fmt.Fprintln(w, "# TYPE loopcast_active_sessions gauge")
	fmt.Fprintf(w, "loopcast_active_sessions %d\n", r.activeSessions.Load())
}

func (r *Recorder) sortedRequestLabels() []requestLabel {
	labels := make([]requestLabel, 0, len(r.requestCount))
	for label := range r.requestCount {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].path != labels[j].path {
			return labels[i].path < labels[j].path
		}
		if labels[i].method != labels[j].method {
			return labels[i].method < labels[j].method
		}
		return labels[i].status < labels[j].status
	})
	return labels
}

func sortedKeys(m map[string]uint64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part == "" {
			continue
		}
		if looksLikeIdentifier(part) {
			parts[i] = ":id"
		}
	}
	normalized := strings.Join(parts, "/")
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}
	if strings.HasSuffix(normalized, "/") && len(normalized) > 1 {
		normalized = strings.TrimSuffix(normalized, "/")
	}
	return normalized
}

func looksLikeIdentifier(segment string) bool {
	if len(segment) >= 8 {
		return true
	}
	digitCount := 0
	for _, r := range segment {
		if r >= '0' && r <= '9' {
			digitCount++
		}
	}
	return digitCount >= 3
}

func (r *Recorder) decrementGauge(gauge *atomic.Int64) {
	for {
		current := gauge.Load()
		if current <= 0 {
			return
		}
		if gauge.CompareAndSwap(current, current-1) {
			return
		}
	}
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}
