package storage

import (
	"path/filepath"
	"testing"
	"time"

	"loopcast/internal/models"
)

func TestLoadSnapshotFromDatastoreFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	store, err := NewStorage(path)
	if err != nil {
		t.Fatalf("NewStorage: %v", err)
	}

	profile, err := store.CreateProfile(CreateProfileParams{
		Name:       "main",
		APIBaseURL: "https://platform.example.com",
		TokenRef:   "env:PLATFORM_TOKEN",
	})
	if err != nil {
		t.Fatalf("CreateProfile: %v", err)
	}
	summary, err := store.CreateSession(profile.ID, models.SessionConfig{
		ProfileID:  profile.ID,
		SourcePath: "/clips/a.mp4",
	})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if _, err := store.AddEvent(summary.ID, models.EventLevelInfo, "session-created", ""); err != nil {
		t.Fatalf("AddEvent: %v", err)
	}
	if _, err := store.AddEvent(summary.ID, models.EventLevelInfo, "process-started", ""); err != nil {
		t.Fatalf("AddEvent: %v", err)
	}
	if _, err := store.CompleteSession(summary.ID, time.Now().UTC()); err != nil {
		t.Fatalf("CompleteSession: %v", err)
	}
	if _, err := store.CreateOperator(CreateOperatorParams{
		Email:    "ops@example.com",
		Password: "correct horse battery",
	}); err != nil {
		t.Fatalf("CreateOperator: %v", err)
	}

	snap, err := LoadSnapshot(path)
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	counts := snap.Counts()
	if counts.Profiles != 1 || counts.Sessions != 1 || counts.Events != 2 || counts.Operators != 1 {
		t.Fatalf("counts = %+v", counts)
	}

	evts := snap.Events[summary.ID]
	if len(evts) != 2 {
		t.Fatalf("events = %d, want 2", len(evts))
	}
	if evts[0].At.After(evts[1].At) {
		t.Fatal("events are not ordered by time")
	}
	if snap.Sessions[0].State != models.SessionStateCompleted {
		t.Fatalf("session state = %s, want completed", snap.Sessions[0].State)
	}
	if snap.Operators[0].PasswordHash == "" {
		t.Fatal("operator password hash missing from snapshot")
	}
}

func TestLoadSnapshotMissingFile(t *testing.T) {
	if _, err := LoadSnapshot(filepath.Join(t.TempDir(), "absent.json")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
