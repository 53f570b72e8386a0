package main

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type tokenPurger interface {
	PurgeExpired() error
}

// startTokenPurgeWorker periodically evicts expired operator session tokens.
// The returned function stops the worker and waits for it to exit; calling it
// more than once is safe.
func startTokenPurgeWorker(ctx context.Context, logger *slog.Logger, sessions tokenPurger, interval time.Duration) func() {
	if sessions == nil || interval <= 0 {
		return func() {}
	}
	workerCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-workerCtx.Done():
				return
			case <-ticker.C:
				if err := sessions.PurgeExpired(); err != nil && logger != nil {
					logger.Error("failed to purge expired operator sessions", "error", err)
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}
