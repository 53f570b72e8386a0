package session

import (
	"errors"
	"math"
	"testing"
	"time"

	"loopcast/internal/models"
)

func TestResolveStopDurationEarliestWins(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	endAt := now.Add(45 * time.Second)
	rules := models.StopConditions{
		MaxRepeats:     8,
		MaxDurationSec: 50,
		EndAt:          &endAt,
	}

	res, err := ResolveStopDuration(10, rules, now)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.DurationSec != 45 {
		t.Fatalf("expected 45s effective duration, got %v", res.DurationSec)
	}
	if res.Rule != StopRuleEndAt {
		t.Fatalf("expected end-at rule to win, got %s", res.Rule)
	}
	if len(res.Candidates) != 3 {
		t.Fatalf("expected 3 candidates, got %d", len(res.Candidates))
	}
	want := map[string]float64{
		StopRuleMaxRepeats:  80,
		StopRuleMaxDuration: 50,
		StopRuleEndAt:       45,
	}
	for _, candidate := range res.Candidates {
		if want[candidate.Rule] != candidate.DurationSec {
			t.Errorf("candidate %s: expected %v, got %v", candidate.Rule, want[candidate.Rule], candidate.DurationSec)
		}
	}
}

func TestResolveStopDurationSingleRules(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	endAt := now.Add(90*time.Second + 400*time.Millisecond)

	cases := []struct {
		name  string
		rules models.StopConditions
		want  float64
		rule  string
	}{
		{name: "repeats only", rules: models.StopConditions{MaxRepeats: 3}, want: 36.6, rule: StopRuleMaxRepeats},
		{name: "duration only", rules: models.StopConditions{MaxDurationSec: 25}, want: 25, rule: StopRuleMaxDuration},
		{name: "end-at floors to whole seconds", rules: models.StopConditions{EndAt: &endAt}, want: 90, rule: StopRuleEndAt},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, err := ResolveStopDuration(12.2, tc.rules, now)
			if err != nil {
				t.Fatalf("resolve: %v", err)
			}
			if math.Abs(res.DurationSec-tc.want) > 1e-9 {
				t.Fatalf("expected %v, got %v", tc.want, res.DurationSec)
			}
			if res.Rule != tc.rule {
				t.Fatalf("expected rule %s, got %s", tc.rule, res.Rule)
			}
			if len(res.Candidates) != 1 {
				t.Fatalf("expected 1 candidate, got %d", len(res.Candidates))
			}
		})
	}
}

func TestResolveStopDurationMinimumAcrossSubsets(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	endAt := now.Add(200 * time.Second)
	clip := 10.0

	repeats := models.StopConditions{MaxRepeats: 4}
	duration := models.StopConditions{MaxDurationSec: 70}
	end := models.StopConditions{EndAt: &endAt}

	subsets := []models.StopConditions{
		repeats,
		duration,
		end,
		{MaxRepeats: 4, MaxDurationSec: 70},
		{MaxRepeats: 4, EndAt: &endAt},
		{MaxDurationSec: 70, EndAt: &endAt},
		{MaxRepeats: 4, MaxDurationSec: 70, EndAt: &endAt},
	}

	for _, rules := range subsets {
		res, err := ResolveStopDuration(clip, rules, now)
		if err != nil {
			t.Fatalf("resolve %+v: %v", rules, err)
		}
		min := math.Inf(1)
		for _, candidate := range res.Candidates {
			if candidate.DurationSec < min {
				min = candidate.DurationSec
			}
		}
		if res.DurationSec != min {
			t.Errorf("rules %+v: selected %v, minimum candidate %v", rules, res.DurationSec, min)
		}
	}
}

func TestResolveStopDurationErrors(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Minute)

	cases := []struct {
		name  string
		clip  float64
		rules models.StopConditions
	}{
		{name: "no rules", clip: 10, rules: models.StopConditions{}},
		{name: "end time in the past", clip: 10, rules: models.StopConditions{EndAt: &past}},
		{name: "end time right now", clip: 10, rules: models.StopConditions{EndAt: &now}},
		{name: "zero clip duration", clip: 0, rules: models.StopConditions{MaxRepeats: 2}},
		{name: "negative clip duration", clip: -5, rules: models.StopConditions{MaxRepeats: 2}},
		{name: "infinite clip duration", clip: math.Inf(1), rules: models.StopConditions{MaxRepeats: 2}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ResolveStopDuration(tc.clip, tc.rules, now)
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !errors.Is(err, ErrInvalidConfiguration) {
				t.Fatalf("expected ErrInvalidConfiguration, got %v", err)
			}
		})
	}
}

func TestResolveStopDurationStopAt(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	res, err := ResolveStopDuration(10, models.StopConditions{MaxDurationSec: 60}, now)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got := res.StopAt(now); !got.Equal(now.Add(time.Minute)) {
		t.Fatalf("expected stop at %v, got %v", now.Add(time.Minute), got)
	}
}
