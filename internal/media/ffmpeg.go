package media

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"loopcast/internal/models"
)

// FFmpegConfig configures the ffmpeg-backed controller.
type FFmpegConfig struct {
	// FFmpegPath and FFprobePath default to the bare binary names, resolved
	// via PATH.
	FFmpegPath  string
	FFprobePath string
	// WorkDir receives prepared clip artifacts. Defaults to the OS temp dir.
	WorkDir string
	Logger  *slog.Logger
}

// FFmpegController shells out to ffmpeg and ffprobe.
type FFmpegController struct {
	ffmpeg  string
	ffprobe string
	workDir string
	logger  *slog.Logger
}

var _ Controller = (*FFmpegController)(nil)

// NewFFmpegController validates the configuration and ensures the work
// directory exists.
func NewFFmpegController(cfg FFmpegConfig) (*FFmpegController, error) {
	ffmpegPath := strings.TrimSpace(cfg.FFmpegPath)
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	ffprobePath := strings.TrimSpace(cfg.FFprobePath)
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	workDir := strings.TrimSpace(cfg.WorkDir)
	if workDir == "" {
		workDir = filepath.Join(os.TempDir(), "loopcast")
	}
	absWorkDir, err := filepath.Abs(workDir)
	if err != nil {
		return nil, fmt.Errorf("resolve work dir: %w", err)
	}
	if err := os.MkdirAll(absWorkDir, 0o755); err != nil {
		return nil, fmt.Errorf("prepare work dir: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &FFmpegController{
		ffmpeg:  ffmpegPath,
		ffprobe: ffprobePath,
		workDir: absWorkDir,
		logger:  logger,
	}, nil
}

// ProbeDuration asks ffprobe for the container duration in seconds.
func (c *FFmpegController) ProbeDuration(ctx context.Context, path string) (float64, error) {
	if strings.TrimSpace(path) == "" {
		return 0, fmt.Errorf("media path is required")
	}
	cmd := exec.CommandContext(ctx, c.ffprobe,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	)
	output, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("probe %s: %w", filepath.Base(path), err)
	}
	duration, err := strconv.ParseFloat(strings.TrimSpace(string(output)), 64)
	if err != nil {
		return 0, fmt.Errorf("parse probed duration %q: %w", strings.TrimSpace(string(output)), err)
	}
	if duration <= 0 {
		return 0, fmt.Errorf("probed duration %vs is not positive", duration)
	}
	return duration, nil
}

// PrepareClip remuxes the source into a session-scoped artifact in the work
// directory, applying the optional trim window.
func (c *FFmpegController) PrepareClip(ctx context.Context, path string, trim *models.TrimWindow) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("media path is required")
	}
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("source clip: %w", err)
	}
	id, err := randomArtifactID()
	if err != nil {
		return "", err
	}
	prepared := filepath.Join(c.workDir, fmt.Sprintf("loop-%s.mp4", id))
	cmd := exec.CommandContext(ctx, c.ffmpeg, prepareArgs(path, prepared, trim)...)
	if output, err := cmd.CombinedOutput(); err != nil {
		os.Remove(prepared)
		return "", fmt.Errorf("prepare clip: %w: %s", err, tailLines(output, 3))
	}
	return prepared, nil
}

// StartLoop launches ffmpeg looping the prepared clip into the ingest URL for
// the requested duration. The process outlives the caller's context; it is
// bounded by the duration argument and by Handle.Stop.
func (c *FFmpegController) StartLoop(ctx context.Context, params LoopParams) (Handle, error) {
	if strings.TrimSpace(params.PreparedPath) == "" {
		return nil, fmt.Errorf("prepared clip path is required")
	}
	if strings.TrimSpace(params.IngestURL) == "" {
		return nil, fmt.Errorf("ingest URL is required")
	}
	if params.DurationSec <= 0 {
		return nil, fmt.Errorf("loop duration must be positive")
	}

	procCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(procCtx, c.ffmpeg, loopArgs(params)...)
	writer := &lineWriter{
		redact: NewRedactor(IngestSecrets(params.IngestURL)...),
		emit:   params.OnLog,
	}
	cmd.Stdout = writer
	cmd.Stderr = writer

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("start loop process: %w", err)
	}
	c.logger.Info("loop process started", "pid", cmd.Process.Pid, "duration_sec", params.DurationSec)

	proc := &process{cmd: cmd, cancel: cancel, done: make(chan struct{})}
	go func() {
		err := cmd.Wait()
		writer.flush()
		proc.status = exitStatusFromError(err)
		cancel()
		close(proc.done)
	}()
	return proc, nil
}

type process struct {
	cmd      *exec.Cmd
	cancel   context.CancelFunc
	done     chan struct{}
	status   ExitStatus
	stopOnce sync.Once
}

func (p *process) Stop(grace time.Duration) {
	p.stopOnce.Do(func() {
		_ = p.cmd.Process.Signal(syscall.SIGINT)
		select {
		case <-p.done:
		case <-time.After(grace):
			p.cancel()
		}
	})
	<-p.done
}

func (p *process) Done() <-chan struct{} {
	return p.done
}

func (p *process) Status() ExitStatus {
	return p.status
}

func exitStatusFromError(err error) ExitStatus {
	if err == nil {
		return ExitStatus{}
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return ExitStatus{Code: -1, Signal: ws.Signal().String()}
		}
		return ExitStatus{Code: exitErr.ExitCode()}
	}
	return ExitStatus{Code: -1, Err: err}
}

func prepareArgs(src, dest string, trim *models.TrimWindow) []string {
	args := []string{"-hide_banner", "-loglevel", "error", "-y", "-i", src}
	if trim != nil {
		args = append(args,
			"-ss", formatSeconds(trim.StartSec),
			"-to", formatSeconds(trim.EndSec),
		)
	}
	args = append(args, "-c", "copy", "-movflags", "+faststart", dest)
	return args
}

func loopArgs(params LoopParams) []string {
	return []string{
		"-hide_banner", "-loglevel", "warning",
		"-re",
		"-stream_loop", "-1",
		"-i", params.PreparedPath,
		"-t", formatSeconds(params.DurationSec),
		"-c", "copy",
		"-f", "flv",
		params.IngestURL,
	}
}

func formatSeconds(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// maxPendingLine caps the carry buffer so a process that never emits a line
// break cannot grow it without bound.
const maxPendingLine = 4096

// lineWriter reassembles process output into trimmed lines, redacts secrets,
// and forwards each line to the configured callback. A partial line is
// carried until the next break so a secret straddling a chunk boundary is
// still caught. ffmpeg separates progress updates with carriage returns, so
// both \n and \r count as breaks.
type lineWriter struct {
	redact *Redactor
	emit   func(string)
	buf    []byte
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	for {
		idx := bytes.IndexAny(w.buf, "\r\n")
		if idx == -1 {
			break
		}
		w.emitLine(w.buf[:idx])
		w.buf = w.buf[idx+1:]
	}
	if len(w.buf) > maxPendingLine {
		w.emitLine(w.buf)
		w.buf = nil
	}
	return len(p), nil
}

// flush emits whatever fragment remains after the process has exited.
func (w *lineWriter) flush() {
	if len(w.buf) == 0 {
		return
	}
	w.emitLine(w.buf)
	w.buf = nil
}

func (w *lineWriter) emitLine(line []byte) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 || w.emit == nil {
		return
	}
	w.emit(w.redact.Redact(string(line)))
}

func tailLines(output []byte, n int) string {
	lines := strings.Split(strings.TrimSpace(string(output)), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.TrimSpace(strings.Join(lines, " | "))
}

func randomArtifactID() (string, error) {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate artifact id: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
