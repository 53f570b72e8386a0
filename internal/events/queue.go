package events

import (
	"context"

	"loopcast/internal/models"
)

// Queue mirrors session events into a durable stream so that other daemon
// replicas or an external UI can follow them. Publishing is best effort from
// the orchestrator's point of view: a queue failure is logged, never fatal.
type Queue interface {
	Publish(ctx context.Context, event models.SessionEvent) error
	Close() error
}

// NopQueue discards every event. Used when no queue backend is configured.
type NopQueue struct{}

var _ Queue = NopQueue{}

// Publish drops the event.
func (NopQueue) Publish(ctx context.Context, event models.SessionEvent) error { return nil }

// Close is a no-op.
func (NopQueue) Close() error { return nil }
