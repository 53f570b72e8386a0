package main

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"
)

type countingPurger struct {
	calls chan struct{}
}

func (c *countingPurger) PurgeExpired() error {
	select {
	case c.calls <- struct{}{}:
	default:
	}
	return nil
}

func TestTokenPurgeWorkerRunsAndStops(t *testing.T) {
	purger := &countingPurger{calls: make(chan struct{}, 1)}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	stop := startTokenPurgeWorker(context.Background(), logger, purger, 5*time.Millisecond)

	select {
	case <-purger.calls:
	case <-time.After(time.Second):
		t.Fatal("expected purge to be invoked")
	}

	stop()
	stop() // second call must not block
}

func TestTokenPurgeWorkerDisabled(t *testing.T) {
	stop := startTokenPurgeWorker(context.Background(), nil, nil, time.Minute)
	stop()
}
