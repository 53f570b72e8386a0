package session

import (
	"testing"

	"loopcast/internal/models"
)

var allSessionStates = []models.SessionState{
	models.SessionStateIdle,
	models.SessionStatePreparingMedia,
	models.SessionStateProvisioning,
	models.SessionStateStartingProcess,
	models.SessionStateTesting,
	models.SessionStateLive,
	models.SessionStateStopping,
	models.SessionStateCompleted,
	models.SessionStateFailed,
}

func TestSessionHappyPath(t *testing.T) {
	path := []models.SessionState{
		models.SessionStateIdle,
		models.SessionStatePreparingMedia,
		models.SessionStateProvisioning,
		models.SessionStateStartingProcess,
		models.SessionStateTesting,
		models.SessionStateLive,
		models.SessionStateStopping,
		models.SessionStateCompleted,
	}
	for i := 0; i < len(path)-1; i++ {
		if !CanTransition(path[i], path[i+1]) {
			t.Errorf("expected %s -> %s to be allowed", path[i], path[i+1])
		}
	}
}

func TestEveryNonTerminalStateMayFail(t *testing.T) {
	for _, state := range allSessionStates {
		got := CanTransition(state, models.SessionStateFailed)
		want := !state.Terminal()
		if got != want {
			t.Errorf("%s -> failed: got %v, want %v", state, got, want)
		}
	}
}

func TestTerminalStatesHaveNoOutgoingEdges(t *testing.T) {
	for _, from := range []models.SessionState{models.SessionStateCompleted, models.SessionStateFailed} {
		for _, to := range allSessionStates {
			if CanTransition(from, to) {
				t.Errorf("terminal state %s must not transition to %s", from, to)
			}
		}
	}
}

func TestNoSelfLoops(t *testing.T) {
	for _, state := range allSessionStates {
		if CanTransition(state, state) {
			t.Errorf("self transition %s -> %s must be rejected", state, state)
		}
	}
	for _, state := range []models.StreamState{
		models.StreamStateReady, models.StreamStateTesting, models.StreamStateLive, models.StreamStateComplete,
	} {
		if CanStreamTransition(state, state) {
			t.Errorf("self transition %s -> %s must be rejected", state, state)
		}
	}
}

func TestBackwardTransitionsRejected(t *testing.T) {
	rejected := [][2]models.SessionState{
		{models.SessionStateLive, models.SessionStateTesting},
		{models.SessionStateStopping, models.SessionStateLive},
		{models.SessionStateProvisioning, models.SessionStateIdle},
		{models.SessionStateIdle, models.SessionStateLive},
	}
	for _, pair := range rejected {
		if CanTransition(pair[0], pair[1]) {
			t.Errorf("expected %s -> %s to be rejected", pair[0], pair[1])
		}
	}
}

func TestStreamLifecycle(t *testing.T) {
	allowed := [][2]models.StreamState{
		{models.StreamStateReady, models.StreamStateTesting},
		{models.StreamStateReady, models.StreamStateLive},
		{models.StreamStateReady, models.StreamStateComplete},
		{models.StreamStateTesting, models.StreamStateLive},
		{models.StreamStateTesting, models.StreamStateComplete},
		{models.StreamStateLive, models.StreamStateComplete},
	}
	for _, pair := range allowed {
		if !CanStreamTransition(pair[0], pair[1]) {
			t.Errorf("expected %s -> %s to be allowed", pair[0], pair[1])
		}
	}
	rejected := [][2]models.StreamState{
		{models.StreamStateComplete, models.StreamStateReady},
		{models.StreamStateComplete, models.StreamStateLive},
		{models.StreamStateLive, models.StreamStateTesting},
		{models.StreamStateLive, models.StreamStateReady},
		{models.StreamStateTesting, models.StreamStateReady},
	}
	for _, pair := range rejected {
		if CanStreamTransition(pair[0], pair[1]) {
			t.Errorf("expected %s -> %s to be rejected", pair[0], pair[1])
		}
	}
}

func TestUnknownStatesAreTotal(t *testing.T) {
	if CanTransition("warming-up", models.SessionStateLive) {
		t.Error("unknown source state must yield no transitions besides failed")
	}
	if !CanTransition("warming-up", models.SessionStateFailed) {
		t.Error("unknown non-terminal state may still fail")
	}
	if CanStreamTransition("buffering", models.StreamStateLive) {
		t.Error("unknown stream state must yield no transitions")
	}
}
