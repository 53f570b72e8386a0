package session

import "loopcast/internal/models"

// sessionTransitions is the static adjacency table for the session lifecycle.
// Every non-terminal state may additionally fail; terminals have no outgoing
// edges and self-loops are not allowed.
var sessionTransitions = map[models.SessionState][]models.SessionState{
	models.SessionStateIdle:            {models.SessionStatePreparingMedia},
	models.SessionStatePreparingMedia:  {models.SessionStateProvisioning},
	models.SessionStateProvisioning:    {models.SessionStateStartingProcess},
	models.SessionStateStartingProcess: {models.SessionStateTesting, models.SessionStateLive, models.SessionStateStopping},
	models.SessionStateTesting:         {models.SessionStateLive, models.SessionStateStopping},
	models.SessionStateLive:            {models.SessionStateStopping},
	models.SessionStateStopping:        {models.SessionStateCompleted},
	models.SessionStateCompleted:       {},
	models.SessionStateFailed:          {},
}

// streamTransitions is the static adjacency table for the remote stream
// lifecycle as the platform reports it.
var streamTransitions = map[models.StreamState][]models.StreamState{
	models.StreamStateReady:    {models.StreamStateTesting, models.StreamStateLive, models.StreamStateComplete},
	models.StreamStateTesting:  {models.StreamStateLive, models.StreamStateComplete},
	models.StreamStateLive:     {models.StreamStateComplete},
	models.StreamStateComplete: {},
}

// CanTransition reports whether the session lifecycle permits moving from one
// state to another. A false result is always safe to ignore; the orchestrator
// records it as a warning and carries on, because out-of-order attempts are
// expected when timers, polls, and process callbacks race.
func CanTransition(from, to models.SessionState) bool {
	if !from.Terminal() && to == models.SessionStateFailed {
		return true
	}
	for _, next := range sessionTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CanStreamTransition reports whether the remote stream lifecycle permits the
// transition. The same ignore-and-log contract as CanTransition applies.
func CanStreamTransition(from, to models.StreamState) bool {
	for _, next := range streamTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
