// Package serverutil runs a server and its supporting components until the
// context is cancelled, then drains them in order.
package serverutil

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Runner is the lifecycle surface of the HTTP server.
type Runner interface {
	Start() error
	Shutdown(ctx context.Context) error
}

// Config controls the runtime behaviour of Run.
type Config struct {
	Server          Runner
	ShutdownTimeout time.Duration
	Logger          *slog.Logger
	// Drain runs before the HTTP listener shuts down, bounded by the same
	// timeout. The orchestrator stops its active sessions here so in-flight
	// SSE consumers observe the terminal events before the socket closes.
	Drain func(ctx context.Context)
	Ready chan<- struct{}
}

// DefaultShutdownTimeout bounds graceful shutdown when the context is cancelled.
const DefaultShutdownTimeout = 30 * time.Second

// Run starts the server and blocks until it exits or the context is
// cancelled. On cancellation it invokes the Drain hook, then shuts the server
// down gracefully within ShutdownTimeout.
func Run(ctx context.Context, cfg Config) error {
	if cfg.Server == nil {
		return fmt.Errorf("server is required")
	}
	timeout := cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = DefaultShutdownTimeout
	}

	if cfg.Ready != nil {
		close(cfg.Ready)
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- cfg.Server.Start()
	}()

	select {
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if cfg.Drain != nil {
		if cfg.Logger != nil {
			cfg.Logger.Info("draining active sessions")
		}
		cfg.Drain(shutdownCtx)
	}

	shutdownErr := cfg.Server.Shutdown(shutdownCtx)

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-shutdownCtx.Done():
		if shutdownErr != nil {
			return shutdownErr
		}
		return shutdownCtx.Err()
	}

	return shutdownErr
}
