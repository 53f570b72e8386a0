package auth

import (
	"sync"
	"time"
)

// MemorySessionStore keeps session state in-memory. It is safe for concurrent
// use and intended for single-instance deployments.
type MemorySessionStore struct {
	mu       sync.RWMutex
	sessions map[string]SessionRecord
}

// NewMemorySessionStore constructs an in-memory store implementation.
func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{sessions: make(map[string]SessionRecord)}
}

// Save records the session details for the provided token digest.
func (s *MemorySessionStore) Save(tokenHash, operatorID string, expiresAt, absoluteExpiresAt time.Time) error {
	s.mu.Lock()
	s.sessions[tokenHash] = SessionRecord{
		TokenHash:         tokenHash,
		OperatorID:        operatorID,
		ExpiresAt:         expiresAt,
		AbsoluteExpiresAt: absoluteExpiresAt,
	}
	s.mu.Unlock()
	return nil
}

// Get retrieves the session record for the provided token digest.
func (s *MemorySessionStore) Get(tokenHash string) (SessionRecord, bool, error) {
	s.mu.RLock()
	record, ok := s.sessions[tokenHash]
	s.mu.RUnlock()
	return record, ok, nil
}

// Delete removes the session from the store.
func (s *MemorySessionStore) Delete(tokenHash string) error {
	s.mu.Lock()
	delete(s.sessions, tokenHash)
	s.mu.Unlock()
	return nil
}

// PurgeExpired drops sessions whose deadlines have passed.
func (s *MemorySessionStore) PurgeExpired(now time.Time) error {
	s.mu.Lock()
	for tokenHash, record := range s.sessions {
		absolute := record.AbsoluteExpiresAt
		if absolute.IsZero() {
			absolute = record.ExpiresAt
		}
		if now.After(record.ExpiresAt) || now.After(absolute) {
			delete(s.sessions, tokenHash)
		}
	}
	s.mu.Unlock()
	return nil
}
