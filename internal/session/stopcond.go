package session

import (
	"errors"
	"fmt"
	"math"
	"time"

	"loopcast/internal/models"
)

// ErrInvalidConfiguration marks configuration problems detected before any
// local or remote resource is touched.
var ErrInvalidConfiguration = errors.New("invalid configuration")

// Stop-rule identifiers used in candidate diagnostics and events.
const (
	StopRuleMaxRepeats  = "max-repeats"
	StopRuleMaxDuration = "max-duration"
	StopRuleEndAt       = "end-at"
)

// StopCandidate is one enabled stop rule evaluated against the clip.
type StopCandidate struct {
	Rule        string  `json:"rule"`
	DurationSec float64 `json:"durationSec"`
}

// StopResolution is the outcome of resolving the enabled stop rules: the
// selected duration, the rule that produced it, and the full candidate list
// kept for diagnostics.
type StopResolution struct {
	DurationSec float64         `json:"durationSec"`
	Rule        string          `json:"rule"`
	Candidates  []StopCandidate `json:"candidates"`
}

// StopAt computes the wall-clock moment the session should end, given the
// instant the countdown starts.
func (r StopResolution) StopAt(start time.Time) time.Time {
	return start.Add(time.Duration(r.DurationSec * float64(time.Second)))
}

// ResolveStopDuration turns the clip length and the enabled stop rules into a
// single effective run duration, earliest rule wins. It is pure: the caller
// supplies the clip duration (from probing) and the current time, so results
// are deterministic. Errors wrap ErrInvalidConfiguration.
func ResolveStopDuration(clipSec float64, rules models.StopConditions, now time.Time) (StopResolution, error) {
	if !(clipSec > 0) || math.IsInf(clipSec, 0) {
		return StopResolution{}, fmt.Errorf("%w: clip duration %v is not a positive finite number of seconds", ErrInvalidConfiguration, clipSec)
	}
	if !rules.Enabled() {
		return StopResolution{}, fmt.Errorf("%w: no stop conditions enabled", ErrInvalidConfiguration)
	}

	candidates := make([]StopCandidate, 0, 3)
	if rules.MaxRepeats > 0 {
		candidates = append(candidates, StopCandidate{
			Rule:        StopRuleMaxRepeats,
			DurationSec: clipSec * float64(rules.MaxRepeats),
		})
	}
	if rules.MaxDurationSec > 0 {
		candidates = append(candidates, StopCandidate{
			Rule:        StopRuleMaxDuration,
			DurationSec: rules.MaxDurationSec,
		})
	}
	if rules.EndAt != nil {
		candidates = append(candidates, StopCandidate{
			Rule:        StopRuleEndAt,
			DurationSec: math.Floor(rules.EndAt.Sub(now).Seconds()),
		})
	}

	selected := StopCandidate{DurationSec: math.Inf(1)}
	for _, candidate := range candidates {
		if math.IsNaN(candidate.DurationSec) || math.IsInf(candidate.DurationSec, 0) || candidate.DurationSec <= 0 {
			return StopResolution{}, fmt.Errorf("%w: stop rule %s yields non-positive duration %vs", ErrInvalidConfiguration, candidate.Rule, candidate.DurationSec)
		}
		if candidate.DurationSec < selected.DurationSec {
			selected = candidate
		}
	}

	return StopResolution{
		DurationSec: selected.DurationSec,
		Rule:        selected.Rule,
		Candidates:  candidates,
	}, nil
}
