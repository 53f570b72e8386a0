package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"loopcast/internal/models"
)

type dataset struct {
	Sessions  map[string]models.SessionSummary  `json:"sessions"`
	Events    map[string][]models.SessionEvent  `json:"events"`
	Profiles  map[string]models.Profile         `json:"profiles"`
	Operators map[string]models.Operator        `json:"operators"`
}

func newDataset() dataset {
	return dataset{
		Sessions:  make(map[string]models.SessionSummary),
		Events:    make(map[string][]models.SessionEvent),
		Profiles:  make(map[string]models.Profile),
		Operators: make(map[string]models.Operator),
	}
}

// Storage is the JSON-file repository implementation. Every mutation is
// persisted atomically before it returns.
type Storage struct {
	mu       sync.RWMutex
	filePath string
	data     dataset
	now      func() time.Time
	// persistOverride allows tests to intercept persist operations.
	persistOverride func(dataset) error
}

// Option mutates storage configuration.
type Option func(*Storage)

// WithClock overrides the timestamp source, primarily for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Storage) {
		if now != nil {
			s.now = now
		}
	}
}

// NewStorage loads (or initialises) the JSON datastore at the given path.
func NewStorage(filePath string, opts ...Option) (*Storage, error) {
	if strings.TrimSpace(filePath) == "" {
		return nil, fmt.Errorf("storage file path is required")
	}
	s := &Storage{
		filePath: filePath,
		data:     newDataset(),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Storage) load() error {
	raw, err := os.ReadFile(s.filePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read store file: %w", err)
	}
	if len(raw) == 0 {
		return nil
	}
	var data dataset
	if err := json.Unmarshal(raw, &data); err != nil {
		return fmt.Errorf("decode store file: %w", err)
	}
	s.data = data
	s.ensureDatasetInitializedLocked()
	return nil
}

func (s *Storage) ensureDatasetInitializedLocked() {
	if s.data.Sessions == nil {
		s.data.Sessions = make(map[string]models.SessionSummary)
	}
	if s.data.Events == nil {
		s.data.Events = make(map[string][]models.SessionEvent)
	}
	if s.data.Profiles == nil {
		s.data.Profiles = make(map[string]models.Profile)
	}
	if s.data.Operators == nil {
		s.data.Operators = make(map[string]models.Operator)
	}
}

func (s *Storage) persist() error {
	return s.persistDataset(s.data)
}

func (s *Storage) persistDataset(data dataset) error {
	if s.persistOverride != nil {
		return s.persistOverride(data)
	}

	dir := filepath.Dir(s.filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, "store-*.json")
	if err != nil {
		return fmt.Errorf("create temp store file: %w", err)
	}
	tmpPath := tmpFile.Name()
	success := false
	defer func() {
		if !success {
			_ = tmpFile.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	encoder := json.NewEncoder(tmpFile)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(data); err != nil {
		return fmt.Errorf("encode store file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("flush store file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp store file: %w", err)
	}

	if err := os.Rename(tmpPath, s.filePath); err != nil {
		return fmt.Errorf("replace store file: %w", err)
	}
	success = true
	return nil
}

// Ping reports whether the datastore is usable.
func (s *Storage) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return nil
}

// CreateSession persists a fresh summary in the idle state.
func (s *Storage) CreateSession(profileID string, config models.SessionConfig) (models.SessionSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureDatasetInitializedLocked()

	if _, ok := s.data.Profiles[profileID]; !ok {
		return models.SessionSummary{}, fmt.Errorf("%w: %s", ErrProfileNotFound, profileID)
	}
	id, err := generateID()
	if err != nil {
		return models.SessionSummary{}, err
	}
	summary := models.SessionSummary{
		ID:         id,
		ProfileID:  profileID,
		State:      models.SessionStateIdle,
		SourcePath: config.SourcePath,
		StartedAt:  s.now(),
	}
	s.data.Sessions[id] = summary
	if err := s.persist(); err != nil {
		delete(s.data.Sessions, id)
		return models.SessionSummary{}, err
	}
	return summary, nil
}

func (s *Storage) mutateSession(id string, mutate func(*models.SessionSummary)) (models.SessionSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureDatasetInitializedLocked()

	summary, ok := s.data.Sessions[id]
	if !ok {
		return models.SessionSummary{}, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	previous := summary
	mutate(&summary)
	s.data.Sessions[id] = summary
	if err := s.persist(); err != nil {
		s.data.Sessions[id] = previous
		return models.SessionSummary{}, err
	}
	return summary, nil
}

// UpdateSessionState stores the new lifecycle state. Transition legality is
// the orchestrator's concern; the store records what it is told.
func (s *Storage) UpdateSessionState(id string, state models.SessionState) (models.SessionSummary, error) {
	return s.mutateSession(id, func(summary *models.SessionSummary) {
		summary.State = state
	})
}

// AttachRemoteResources records the identifiers returned by provisioning.
func (s *Storage) AttachRemoteResources(id string, resources RemoteResources) (models.SessionSummary, error) {
	return s.mutateSession(id, func(summary *models.SessionSummary) {
		summary.BroadcastID = resources.BroadcastID
		summary.StreamID = resources.StreamID
		summary.IngestAddress = resources.IngestAddress
		summary.StreamName = resources.StreamName
	})
}

// SetSessionTiming records the resolved duration and planned stop time.
func (s *Storage) SetSessionTiming(id string, effectiveDurationSec float64, stopAt time.Time) (models.SessionSummary, error) {
	return s.mutateSession(id, func(summary *models.SessionSummary) {
		summary.EffectiveDurationSec = effectiveDurationSec
		at := stopAt.UTC()
		summary.StopAt = &at
	})
}

// CompleteSession marks the terminal success state.
func (s *Storage) CompleteSession(id string, endedAt time.Time) (models.SessionSummary, error) {
	return s.mutateSession(id, func(summary *models.SessionSummary) {
		summary.State = models.SessionStateCompleted
		at := endedAt.UTC()
		summary.EndedAt = &at
	})
}

// FailSession marks the terminal failure state with its structured cause.
func (s *Storage) FailSession(id, code, message string, endedAt time.Time) (models.SessionSummary, error) {
	return s.mutateSession(id, func(summary *models.SessionSummary) {
		summary.State = models.SessionStateFailed
		summary.ErrorCode = code
		summary.ErrorMessage = message
		at := endedAt.UTC()
		summary.EndedAt = &at
	})
}

// GetSessionSummary returns the current snapshot for a session.
func (s *Storage) GetSessionSummary(id string) (models.SessionSummary, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	summary, ok := s.data.Sessions[id]
	return summary, ok
}

// ListSessions returns all sessions, newest first.
func (s *Storage) ListSessions() []models.SessionSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sessions := make([]models.SessionSummary, 0, len(s.data.Sessions))
	for _, summary := range s.data.Sessions {
		sessions = append(sessions, summary)
	}
	sort.Slice(sessions, func(i, j int) bool {
		if sessions[i].StartedAt.Equal(sessions[j].StartedAt) {
			return sessions[i].ID > sessions[j].ID
		}
		return sessions[i].StartedAt.After(sessions[j].StartedAt)
	})
	return sessions
}

// AddEvent appends an audit record to the session's event log. Timestamps are
// kept monotonically non-decreasing per session even if the clock steps back.
func (s *Storage) AddEvent(sessionID string, level models.EventLevel, code, message string) (models.SessionEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureDatasetInitializedLocked()

	if _, ok := s.data.Sessions[sessionID]; !ok {
		return models.SessionEvent{}, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	id, err := generateID()
	if err != nil {
		return models.SessionEvent{}, err
	}
	at := s.now()
	if events := s.data.Events[sessionID]; len(events) > 0 {
		if last := events[len(events)-1].At; at.Before(last) {
			at = last
		}
	}
	event := models.SessionEvent{
		ID:        id,
		SessionID: sessionID,
		At:        at,
		Level:     level,
		Code:      code,
		Message:   message,
	}
	s.data.Events[sessionID] = append(s.data.Events[sessionID], event)
	if err := s.persist(); err != nil {
		events := s.data.Events[sessionID]
		s.data.Events[sessionID] = events[:len(events)-1]
		return models.SessionEvent{}, err
	}
	return event, nil
}

// ListSessionEvents returns the append-only event log in insertion order.
func (s *Storage) ListSessionEvents(sessionID string) ([]models.SessionEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.data.Sessions[sessionID]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return append([]models.SessionEvent(nil), s.data.Events[sessionID]...), nil
}

// CreateProfile registers a platform profile.
func (s *Storage) CreateProfile(params CreateProfileParams) (models.Profile, error) {
	name := strings.TrimSpace(params.Name)
	if name == "" {
		return models.Profile{}, fmt.Errorf("profile name is required")
	}
	if strings.TrimSpace(params.APIBaseURL) == "" {
		return models.Profile{}, fmt.Errorf("profile API base URL is required")
	}
	if strings.TrimSpace(params.TokenRef) == "" {
		return models.Profile{}, fmt.Errorf("profile token reference is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureDatasetInitializedLocked()

	id, err := generateID()
	if err != nil {
		return models.Profile{}, err
	}
	profile := models.Profile{
		ID:             id,
		Name:           name,
		APIBaseURL:     strings.TrimSpace(params.APIBaseURL),
		TokenRef:       strings.TrimSpace(params.TokenRef),
		DefaultPrivacy: strings.TrimSpace(params.DefaultPrivacy),
		CreatedAt:      s.now(),
	}
	s.data.Profiles[id] = profile
	if err := s.persist(); err != nil {
		delete(s.data.Profiles, id)
		return models.Profile{}, err
	}
	return profile, nil
}

// GetProfile returns a profile by id.
func (s *Storage) GetProfile(id string) (models.Profile, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	profile, ok := s.data.Profiles[id]
	return profile, ok
}

// ListProfiles returns profiles sorted by name.
func (s *Storage) ListProfiles() []models.Profile {
	s.mu.RLock()
	defer s.mu.RUnlock()
	profiles := make([]models.Profile, 0, len(s.data.Profiles))
	for _, profile := range s.data.Profiles {
		profiles = append(profiles, profile)
	}
	sort.Slice(profiles, func(i, j int) bool { return profiles[i].Name < profiles[j].Name })
	return profiles
}

// UpdateProfile applies a partial update.
func (s *Storage) UpdateProfile(id string, update ProfileUpdate) (models.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureDatasetInitializedLocked()

	profile, ok := s.data.Profiles[id]
	if !ok {
		return models.Profile{}, fmt.Errorf("%w: %s", ErrProfileNotFound, id)
	}
	previous := profile
	if update.Name != nil {
		profile.Name = strings.TrimSpace(*update.Name)
	}
	if update.APIBaseURL != nil {
		profile.APIBaseURL = strings.TrimSpace(*update.APIBaseURL)
	}
	if update.TokenRef != nil {
		profile.TokenRef = strings.TrimSpace(*update.TokenRef)
	}
	if update.DefaultPrivacy != nil {
		profile.DefaultPrivacy = strings.TrimSpace(*update.DefaultPrivacy)
	}
	s.data.Profiles[id] = profile
	if err := s.persist(); err != nil {
		s.data.Profiles[id] = previous
		return models.Profile{}, err
	}
	return profile, nil
}

// DeleteProfile removes a profile.
func (s *Storage) DeleteProfile(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureDatasetInitializedLocked()

	profile, ok := s.data.Profiles[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrProfileNotFound, id)
	}
	delete(s.data.Profiles, id)
	if err := s.persist(); err != nil {
		s.data.Profiles[id] = profile
		return err
	}
	return nil
}
