package serverutil

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"
	"time"
)

type fakeServer struct {
	startErr    error
	started     chan struct{}
	release     chan struct{}
	shutdowns   atomic.Int32
	shutdownErr error
}

func newFakeServer() *fakeServer {
	return &fakeServer{
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (f *fakeServer) Start() error {
	close(f.started)
	if f.startErr != nil {
		return f.startErr
	}
	<-f.release
	return http.ErrServerClosed
}

func (f *fakeServer) Shutdown(ctx context.Context) error {
	f.shutdowns.Add(1)
	close(f.release)
	return f.shutdownErr
}

func TestRunGracefulShutdown(t *testing.T) {
	srv := newFakeServer()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	drained := make(chan struct{})
	done := make(chan error, 1)
	ready := make(chan struct{})
	go func() {
		done <- Run(ctx, Config{
			Server:          srv,
			ShutdownTimeout: time.Second,
			Ready:           ready,
			Drain:           func(ctx context.Context) { close(drained) },
		})
	}()

	select {
	case <-ready:
	case <-time.After(time.Second):
		t.Fatal("run did not signal ready")
	}
	<-srv.started
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after cancellation")
	}

	select {
	case <-drained:
	default:
		t.Fatal("drain hook was not invoked")
	}
	if got := srv.shutdowns.Load(); got != 1 {
		t.Fatalf("shutdown calls = %d, want 1", got)
	}
}

func TestRunReturnsStartError(t *testing.T) {
	srv := newFakeServer()
	srv.startErr = errors.New("bind: address already in use")

	err := Run(context.Background(), Config{Server: srv, ShutdownTimeout: time.Second})
	if err == nil || !errors.Is(err, srv.startErr) {
		t.Fatalf("err = %v, want start error", err)
	}
}

func TestRunRequiresServer(t *testing.T) {
	if err := Run(context.Background(), Config{}); err == nil {
		t.Fatal("expected error for missing server")
	}
}
