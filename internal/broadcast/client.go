// Package broadcast talks to the remote live platform: it provisions
// broadcast and stream resources, polls ingest status, and drives broadcast
// lifecycle transitions.
package broadcast

import (
	"context"

	"loopcast/internal/models"
)

// ProvisionResult summarizes the remote resources backing one session.
type ProvisionResult struct {
	BroadcastID   string `json:"broadcastId"`
	StreamID      string `json:"streamId"`
	IngestAddress string `json:"ingestAddress"`
	StreamName    string `json:"streamName"`
}

// IngestURL joins the ingest address and stream name into the full RTMP
// destination handed to the loop process.
func (r ProvisionResult) IngestURL() string {
	address := r.IngestAddress
	if address == "" {
		return r.StreamName
	}
	if r.StreamName == "" {
		return address
	}
	if address[len(address)-1] == '/' {
		return address + r.StreamName
	}
	return address + "/" + r.StreamName
}

// Client is the remote-platform surface the orchestrator consumes. Each
// operation fails independently; the orchestrator decides which failures are
// fatal and which are tolerated races.
//
// Implementations must be safe for concurrent use.
type Client interface {
	// Provision creates or binds a broadcast plus a fresh stream per the
	// session's broadcast settings and returns the ingest destination.
	Provision(ctx context.Context, profile models.Profile, settings models.BroadcastSettings) (ProvisionResult, error)

	// PollIngestState reports the platform's current view of the stream.
	PollIngestState(ctx context.Context, profile models.Profile, streamID string) (models.StreamState, error)

	// TransitionTo requests a broadcast lifecycle transition. The platform may
	// reject transitions that race with its own readiness checks; callers
	// treat such rejections as recoverable.
	TransitionTo(ctx context.Context, profile models.Profile, broadcastID string, state models.StreamState) error
}

// NoopClient is used in tests and deployments where the remote platform is
// intentionally not configured. It returns benign defaults so callers need no
// conditional logic.
type NoopClient struct{}

var _ Client = NoopClient{}

// Provision returns placeholder identifiers without touching the network.
func (NoopClient) Provision(ctx context.Context, profile models.Profile, settings models.BroadcastSettings) (ProvisionResult, error) {
	return ProvisionResult{
		BroadcastID:   settings.BroadcastID,
		IngestAddress: "rtmp://localhost/live",
		StreamName:    "noop",
	}, nil
}

// PollIngestState always reports the stream as ready.
func (NoopClient) PollIngestState(ctx context.Context, profile models.Profile, streamID string) (models.StreamState, error) {
	return models.StreamStateReady, nil
}

// TransitionTo accepts every transition.
func (NoopClient) TransitionTo(ctx context.Context, profile models.Profile, broadcastID string, state models.StreamState) error {
	return nil
}
