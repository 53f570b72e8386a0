package models

import (
	"fmt"
	"strings"
	"time"
)

// SessionState enumerates the lifecycle states of a loop session. The legal
// transitions between states are defined by the session package; the model
// layer only stores the current value.
type SessionState string

const (
	SessionStateIdle            SessionState = "idle"
	SessionStatePreparingMedia  SessionState = "preparing-media"
	SessionStateProvisioning    SessionState = "provisioning"
	SessionStateStartingProcess SessionState = "starting-process"
	SessionStateTesting         SessionState = "testing"
	SessionStateLive            SessionState = "live"
	SessionStateStopping        SessionState = "stopping"
	SessionStateCompleted       SessionState = "completed"
	SessionStateFailed          SessionState = "failed"
)

// Terminal reports whether the state has no outgoing transitions.
func (s SessionState) Terminal() bool {
	return s == SessionStateCompleted || s == SessionStateFailed
}

// StreamState enumerates the remote platform's view of the ingest stream.
type StreamState string

const (
	StreamStateReady    StreamState = "ready"
	StreamStateTesting  StreamState = "testing"
	StreamStateLive     StreamState = "live"
	StreamStateComplete StreamState = "complete"
)

// EventLevel classifies a session event for display and filtering.
type EventLevel string

const (
	EventLevelInfo  EventLevel = "info"
	EventLevelWarn  EventLevel = "warn"
	EventLevelError EventLevel = "error"
)

// BroadcastMode selects whether a session creates a fresh remote broadcast or
// binds its stream to one that already exists.
type BroadcastMode string

const (
	BroadcastModeCreateNew     BroadcastMode = "create-new"
	BroadcastModeReuseExisting BroadcastMode = "reuse-existing"
)

// TrimWindow bounds the portion of the source clip that is looped.
type TrimWindow struct {
	StartSec float64 `json:"startSec"`
	EndSec   float64 `json:"endSec"`
}

// Validate checks the window is well formed.
func (w TrimWindow) Validate() error {
	if w.StartSec < 0 {
		return fmt.Errorf("trim start must be >= 0")
	}
	if w.EndSec <= w.StartSec {
		return fmt.Errorf("trim end must be greater than trim start")
	}
	return nil
}

// StopConditions declares when a loop session should end. At least one rule
// must be enabled; when several are enabled the earliest wins.
type StopConditions struct {
	MaxRepeats     int        `json:"maxRepeats,omitempty"`
	MaxDurationSec float64    `json:"maxDurationSec,omitempty"`
	EndAt          *time.Time `json:"endAt,omitempty"`
}

// Enabled reports whether any stop rule is configured.
func (c StopConditions) Enabled() bool {
	return c.MaxRepeats > 0 || c.MaxDurationSec > 0 || c.EndAt != nil
}

// Validate rejects rule values that can never produce a positive duration.
func (c StopConditions) Validate() error {
	if !c.Enabled() {
		return fmt.Errorf("at least one stop condition is required")
	}
	if c.MaxRepeats < 0 {
		return fmt.Errorf("maxRepeats must be positive when set")
	}
	if c.MaxDurationSec < 0 {
		return fmt.Errorf("maxDurationSec must be positive when set")
	}
	return nil
}

// BroadcastSettings carries the remote-broadcast half of a session config.
// Exactly one of the create-new payload and the reuse-existing payload applies
// depending on Mode.
type BroadcastSettings struct {
	Mode        BroadcastMode `json:"mode"`
	Title       string        `json:"title,omitempty"`
	Description string        `json:"description,omitempty"`
	Privacy     string        `json:"privacy,omitempty"`
	BroadcastID string        `json:"broadcastId,omitempty"`
}

// Validate enforces the create-new xor reuse-existing payload contract.
func (b BroadcastSettings) Validate() error {
	switch b.Mode {
	case BroadcastModeCreateNew:
		if strings.TrimSpace(b.Title) == "" {
			return fmt.Errorf("broadcast title is required when creating a broadcast")
		}
		if strings.TrimSpace(b.BroadcastID) != "" {
			return fmt.Errorf("broadcastId must not be set when creating a broadcast")
		}
	case BroadcastModeReuseExisting:
		if strings.TrimSpace(b.BroadcastID) == "" {
			return fmt.Errorf("broadcastId is required when reusing a broadcast")
		}
	default:
		return fmt.Errorf("unsupported broadcast mode %q", b.Mode)
	}
	return nil
}

// SessionConfig is the immutable input that starts a loop session. It is
// validated once when the session is accepted and never mutated afterwards.
type SessionConfig struct {
	ProfileID  string            `json:"profileId"`
	SourcePath string            `json:"sourcePath"`
	Trim       *TrimWindow       `json:"trim,omitempty"`
	Stop       StopConditions    `json:"stop"`
	Broadcast  BroadcastSettings `json:"broadcast"`
}

// Validate checks every field that can be verified without touching the
// filesystem or the remote platform.
func (c SessionConfig) Validate() error {
	if strings.TrimSpace(c.ProfileID) == "" {
		return fmt.Errorf("profileId is required")
	}
	if strings.TrimSpace(c.SourcePath) == "" {
		return fmt.Errorf("sourcePath is required")
	}
	if c.Trim != nil {
		if err := c.Trim.Validate(); err != nil {
			return err
		}
	}
	if err := c.Stop.Validate(); err != nil {
		return err
	}
	return c.Broadcast.Validate()
}

// SessionSummary is the durable current-state snapshot of one loop session.
// Only the orchestrator mutates it, through the repository.
type SessionSummary struct {
	ID                   string       `json:"id"`
	ProfileID            string       `json:"profileId"`
	State                SessionState `json:"state"`
	SourcePath           string       `json:"sourcePath"`
	StartedAt            time.Time    `json:"startedAt"`
	EndedAt              *time.Time   `json:"endedAt,omitempty"`
	BroadcastID          string       `json:"broadcastId,omitempty"`
	StreamID             string       `json:"streamId,omitempty"`
	IngestAddress        string       `json:"ingestAddress,omitempty"`
	StreamName           string       `json:"streamName,omitempty"`
	EffectiveDurationSec float64      `json:"effectiveDurationSec,omitempty"`
	StopAt               *time.Time   `json:"stopAt,omitempty"`
	ErrorCode            string       `json:"errorCode,omitempty"`
	ErrorMessage         string       `json:"errorMessage,omitempty"`
}

// SessionEvent is one append-only audit record for a session.
type SessionEvent struct {
	ID        string     `json:"id"`
	SessionID string     `json:"sessionId"`
	At        time.Time  `json:"at"`
	Level     EventLevel `json:"level"`
	Code      string     `json:"code"`
	Message   string     `json:"message"`
}

// Profile identifies a remote platform account a session streams against.
// Token material is referenced, never stored inline.
type Profile struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	APIBaseURL     string    `json:"apiBaseUrl"`
	TokenRef       string    `json:"tokenRef"`
	DefaultPrivacy string    `json:"defaultPrivacy,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Operator is a control-surface account allowed to start and stop sessions.
type Operator struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	DisplayName  string    `json:"displayName"`
	PasswordHash string    `json:"passwordHash,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}
