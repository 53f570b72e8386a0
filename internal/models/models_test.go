package models

import (
	"strings"
	"testing"
	"time"
)

func validConfig() SessionConfig {
	return SessionConfig{
		ProfileID:  "prof-1",
		SourcePath: "/videos/clip.mp4",
		Stop:       StopConditions{MaxDurationSec: 60},
		Broadcast: BroadcastSettings{
			Mode:  BroadcastModeCreateNew,
			Title: "Evening loop",
		},
	}
}

func TestSessionConfigValidate(t *testing.T) {
	end := time.Now().Add(time.Hour)
	cases := []struct {
		name    string
		mutate  func(*SessionConfig)
		wantErr string
	}{
		{name: "valid create-new", mutate: func(c *SessionConfig) {}},
		{
			name: "valid reuse-existing",
			mutate: func(c *SessionConfig) {
				c.Broadcast = BroadcastSettings{Mode: BroadcastModeReuseExisting, BroadcastID: "b1"}
			},
		},
		{
			name: "valid end-at rule",
			mutate: func(c *SessionConfig) {
				c.Stop = StopConditions{EndAt: &end}
			},
		},
		{
			name:    "missing profile",
			mutate:  func(c *SessionConfig) { c.ProfileID = " " },
			wantErr: "profileId",
		},
		{
			name:    "missing source",
			mutate:  func(c *SessionConfig) { c.SourcePath = "" },
			wantErr: "sourcePath",
		},
		{
			name:    "no stop conditions",
			mutate:  func(c *SessionConfig) { c.Stop = StopConditions{} },
			wantErr: "stop condition",
		},
		{
			name:    "inverted trim window",
			mutate:  func(c *SessionConfig) { c.Trim = &TrimWindow{StartSec: 10, EndSec: 5} },
			wantErr: "trim end",
		},
		{
			name:    "negative trim start",
			mutate:  func(c *SessionConfig) { c.Trim = &TrimWindow{StartSec: -1, EndSec: 5} },
			wantErr: "trim start",
		},
		{
			name: "create-new without title",
			mutate: func(c *SessionConfig) {
				c.Broadcast = BroadcastSettings{Mode: BroadcastModeCreateNew}
			},
			wantErr: "title",
		},
		{
			name: "create-new with broadcast id",
			mutate: func(c *SessionConfig) {
				c.Broadcast = BroadcastSettings{Mode: BroadcastModeCreateNew, Title: "t", BroadcastID: "b1"}
			},
			wantErr: "must not be set",
		},
		{
			name: "reuse without broadcast id",
			mutate: func(c *SessionConfig) {
				c.Broadcast = BroadcastSettings{Mode: BroadcastModeReuseExisting}
			},
			wantErr: "broadcastId",
		},
		{
			name: "unknown mode",
			mutate: func(c *SessionConfig) {
				c.Broadcast = BroadcastSettings{Mode: "clone"}
			},
			wantErr: "unsupported broadcast mode",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("expected valid config, got %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected error containing %q, got nil", tc.wantErr)
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("expected error containing %q, got %q", tc.wantErr, err.Error())
			}
		})
	}
}

func TestSessionStateTerminal(t *testing.T) {
	for _, state := range []SessionState{
		SessionStateIdle, SessionStatePreparingMedia, SessionStateProvisioning,
		SessionStateStartingProcess, SessionStateTesting, SessionStateLive, SessionStateStopping,
	} {
		if state.Terminal() {
			t.Errorf("%s should not be terminal", state)
		}
	}
	if !SessionStateCompleted.Terminal() || !SessionStateFailed.Terminal() {
		t.Error("completed and failed must be terminal")
	}
}
