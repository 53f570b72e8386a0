package storage

import (
	"context"
	"errors"
	"time"

	"loopcast/internal/models"
)

// ErrSessionNotFound is returned for operations against an unknown session id.
var ErrSessionNotFound = errors.New("session not found")

// ErrProfileNotFound is returned for operations against an unknown profile id.
var ErrProfileNotFound = errors.New("profile not found")

// ErrOperatorExists is returned when creating an operator whose email is
// already registered.
var ErrOperatorExists = errors.New("operator already exists")

// ErrInvalidCredentials is returned when operator authentication fails. The
// message deliberately does not distinguish unknown accounts from wrong
// passwords.
var ErrInvalidCredentials = errors.New("invalid credentials")

// RemoteResources carries the remote identifiers attached to a session after
// provisioning.
type RemoteResources struct {
	BroadcastID   string
	StreamID      string
	IngestAddress string
	StreamName    string
}

// CreateProfileParams describes a new platform profile.
type CreateProfileParams struct {
	Name           string
	APIBaseURL     string
	TokenRef       string
	DefaultPrivacy string
}

// ProfileUpdate mutates selected profile fields; nil pointers leave the field
// unchanged.
type ProfileUpdate struct {
	Name           *string
	APIBaseURL     *string
	TokenRef       *string
	DefaultPrivacy *string
}

// CreateOperatorParams describes a new control-surface account.
type CreateOperatorParams struct {
	Email       string
	DisplayName string
	Password    string
}

// Repository exposes the datastore operations required by the orchestrator
// and the control API. Writes are immediately visible to subsequent reads
// from the same process; no transactional semantics beyond that are assumed.
type Repository interface {
	Ping(ctx context.Context) error

	CreateSession(profileID string, config models.SessionConfig) (models.SessionSummary, error)
	UpdateSessionState(id string, state models.SessionState) (models.SessionSummary, error)
	AttachRemoteResources(id string, resources RemoteResources) (models.SessionSummary, error)
	SetSessionTiming(id string, effectiveDurationSec float64, stopAt time.Time) (models.SessionSummary, error)
	CompleteSession(id string, endedAt time.Time) (models.SessionSummary, error)
	FailSession(id, code, message string, endedAt time.Time) (models.SessionSummary, error)
	GetSessionSummary(id string) (models.SessionSummary, bool)
	ListSessions() []models.SessionSummary

	AddEvent(sessionID string, level models.EventLevel, code, message string) (models.SessionEvent, error)
	ListSessionEvents(sessionID string) ([]models.SessionEvent, error)

	CreateProfile(params CreateProfileParams) (models.Profile, error)
	GetProfile(id string) (models.Profile, bool)
	ListProfiles() []models.Profile
	UpdateProfile(id string, update ProfileUpdate) (models.Profile, error)
	DeleteProfile(id string) error

	CreateOperator(params CreateOperatorParams) (models.Operator, error)
	AuthenticateOperator(email, password string) (models.Operator, error)
	GetOperator(id string) (models.Operator, bool)
	ListOperators() []models.Operator
}

var _ Repository = (*Storage)(nil)
