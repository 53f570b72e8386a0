// Package media wraps the external media tool (ffmpeg/ffprobe) behind a small
// capability interface so the orchestrator can be tested without spawning
// processes.
package media

import (
	"context"
	"time"

	"loopcast/internal/models"
)

// ExitStatus describes how a loop process ended.
type ExitStatus struct {
	Code   int
	Signal string
	Err    error
}

// Clean reports whether the process terminated normally.
func (s ExitStatus) Clean() bool {
	return s.Code == 0 && s.Signal == "" && s.Err == nil
}

// LoopParams configures one looping subprocess run.
type LoopParams struct {
	// PreparedPath is the local clip produced by PrepareClip.
	PreparedPath string
	// IngestURL is the full RTMP destination including the stream name. It is
	// treated as secret-bearing: log lines are redacted before OnLog sees them.
	IngestURL string
	// DurationSec bounds the run; the process exits cleanly once reached.
	DurationSec float64
	// OnLog receives redacted, line-split process output. May be nil.
	OnLog func(line string)
}

// Handle controls a running loop process.
type Handle interface {
	// Stop requests graceful termination and waits up to grace before
	// escalating to a forceful kill. It blocks until the process has exited
	// and is safe to call more than once.
	Stop(grace time.Duration)
	// Done is closed when the process has exited.
	Done() <-chan struct{}
	// Status returns the exit status. Valid only after Done is closed.
	Status() ExitStatus
}

// Controller is the process-control surface the orchestrator consumes.
type Controller interface {
	// ProbeDuration returns the playable duration of the clip in seconds.
	ProbeDuration(ctx context.Context, path string) (float64, error)
	// PrepareClip produces a loopable artifact from the source, applying the
	// optional trim window. The returned path is owned by the caller and must
	// be removed when the session ends.
	PrepareClip(ctx context.Context, path string, trim *models.TrimWindow) (string, error)
	// StartLoop launches the looping subprocess against the ingest
	// destination for the configured duration.
	StartLoop(ctx context.Context, params LoopParams) (Handle, error)
}
