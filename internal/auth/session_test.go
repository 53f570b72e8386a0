package auth

import (
	"testing"
	"time"
)

func TestCreateAndValidateRoundTrip(t *testing.T) {
	manager := NewSessionManager(time.Hour)
	token, expiresAt, err := manager.Create("op-1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if token == "" {
		t.Fatal("empty token")
	}
	if !expiresAt.After(time.Now()) {
		t.Fatalf("expiry in the past: %v", expiresAt)
	}

	operatorID, _, ok, err := manager.Validate(token)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !ok || operatorID != "op-1" {
		t.Fatalf("validate returned %q %v", operatorID, ok)
	}
}

func TestValidateRejectsUnknownToken(t *testing.T) {
	manager := NewSessionManager(time.Hour)
	if _, _, ok, err := manager.Validate("bogus"); err != nil || ok {
		t.Fatalf("unexpected result: ok=%v err=%v", ok, err)
	}
}

func TestTokensStoredHashed(t *testing.T) {
	store := NewMemorySessionStore()
	manager := NewSessionManager(time.Hour, WithStore(store))
	token, _, err := manager.Create("op-1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, ok, _ := store.Get(token); ok {
		t.Fatal("raw token present in store")
	}
	if _, ok, _ := store.Get(hashToken(token)); !ok {
		t.Fatal("hashed token missing from store")
	}
}

func TestExpiredSessionRejectedAndDeleted(t *testing.T) {
	store := NewMemorySessionStore()
	manager := NewSessionManager(time.Hour, WithStore(store))
	token, _, err := manager.Create("op-1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	manager.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	if _, _, ok, _ := manager.Validate(token); ok {
		t.Fatal("expired session validated")
	}
	if _, ok, _ := store.Get(hashToken(token)); ok {
		t.Fatal("expired session not deleted")
	}
}

func TestIdleTimeoutSlidesUpToAbsoluteTTL(t *testing.T) {
	store := NewMemorySessionStore()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := base
	manager := NewSessionManager(time.Hour, WithStore(store), WithIdleTimeout(10*time.Minute))
	manager.now = func() time.Time { return now }

	token, expiresAt, err := manager.Create("op-1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if got := expiresAt.Sub(base); got != 10*time.Minute {
		t.Fatalf("initial idle deadline = %v", got)
	}

	now = base.Add(5 * time.Minute)
	_, refreshed, ok, err := manager.Validate(token)
	if err != nil || !ok {
		t.Fatalf("Validate: ok=%v err=%v", ok, err)
	}
	if got := refreshed.Sub(base); got != 15*time.Minute {
		t.Fatalf("refreshed idle deadline = %v", got)
	}

	// Past the idle window without activity the session is gone.
	now = base.Add(30 * time.Minute)
	if _, _, ok, _ := manager.Validate(token); ok {
		t.Fatal("idle-expired session validated")
	}

	// A fresh session never slides past the absolute TTL.
	now = base
	token, _, err = manager.Create("op-2")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	now = base.Add(55 * time.Minute)
	_, refreshed, ok, err = manager.Validate(token)
	if err != nil || !ok {
		t.Fatalf("Validate: ok=%v err=%v", ok, err)
	}
	if got := refreshed.Sub(base); got != time.Hour {
		t.Fatalf("deadline slid past absolute TTL: %v", got)
	}
}

func TestRevokeDeletesSession(t *testing.T) {
	manager := NewSessionManager(time.Hour)
	token, _, err := manager.Create("op-1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := manager.Revoke(token); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if _, _, ok, _ := manager.Validate(token); ok {
		t.Fatal("revoked session validated")
	}
}

func TestPurgeExpiredRemovesOnlyDeadSessions(t *testing.T) {
	store := NewMemorySessionStore()
	manager := NewSessionManager(time.Hour, WithStore(store))
	live, _, _ := manager.Create("op-live")

	dead := hashToken("dead")
	if err := store.Save(dead, "op-dead", time.Now().Add(-time.Minute), time.Now().Add(-time.Minute)); err != nil {
		t.Fatalf("Save: %v", err)
	}

	if err := manager.PurgeExpired(); err != nil {
		t.Fatalf("PurgeExpired: %v", err)
	}
	if _, ok, _ := store.Get(dead); ok {
		t.Fatal("expired session survived purge")
	}
	if _, _, ok, _ := manager.Validate(live); !ok {
		t.Fatal("live session purged")
	}
}
