/*
Copyright 2017 The Kubernetes Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package scheduler

import (
	"math"
	"testing"
	"time"

	v1 "github.com/runbot-ci/overseer/apis/orchestrator/v1"
)

func TestOffsetDeterminism(t *testing.T) {
	// candidate value=100, success chance 1.0, no prior runs (first-run
	// bonus applies), codebase at max value, zero estimated duration:
	// offset = -1.0 + 20000 / (1.0 * 1.0 * 200) = 99.0
	candidateValue := CandidateValue(100, 0, v1.ModeSkip)
	if candidateValue != 200 {
		t.Fatalf("expected candidate value 200, got %v", candidateValue)
	}
	offset := Offset(1.0, 1.0, candidateValue, 0)
	if offset != 99.0 {
		t.Errorf("expected offset 99.0, got %v", offset)
	}
}

func TestOffsetMonotonicity(t *testing.T) {
	base := Offset(0.5, 0.8, 300, 60*time.Second)

	lowerProbability := Offset(0.5, 0.4, 300, 60*time.Second)
	if lowerProbability <= base {
		t.Errorf("reducing success probability should increase offset: base=%v lower=%v", base, lowerProbability)
	}

	higherValue := Offset(0.5, 0.8, 600, 60*time.Second)
	if higherValue >= base {
		t.Errorf("increasing candidate value should decrease offset: base=%v higher=%v", base, higherValue)
	}

	zeroDuration := Offset(0.5, 0.8, 300, 0)
	floor := DefaultScheduleOffset + MinimumCost/(0.5*0.8*300)
	if zeroDuration < floor-1e-9 {
		t.Errorf("zero-duration offset %v below floor %v", zeroDuration, floor)
	}
}

func TestCandidateValueBoosts(t *testing.T) {
	var testcases = []struct {
		name     string
		base     float64
		prior    int
		mode     v1.PublishMode
		expected float64
	}{
		{name: "push boost plus first-run bonus", base: 10, prior: 0, mode: v1.ModePush, expected: 610},
		{name: "propose boost without bonus", base: 10, prior: 3, mode: v1.ModePropose, expected: 410},
		{name: "build-only contributes nothing", base: 10, prior: 3, mode: v1.ModeBuildOnly, expected: 10},
		{name: "bts boost", base: 0, prior: 1, mode: v1.ModeBts, expected: 100},
	}
	for _, tc := range testcases {
		if got := CandidateValue(tc.base, tc.prior, tc.mode); got != tc.expected {
			t.Errorf("%s: expected %v, got %v", tc.name, tc.expected, got)
		}
	}
}

func TestEstimateDurationFallbackChain(t *testing.T) {
	f := func(v float64) *float64 { return &v }
	var testcases = []struct {
		name     string
		cc, c, m *float64
		expected time.Duration
	}{
		{name: "codebase-campaign mean wins", cc: f(30), c: f(60), m: f(90), expected: 30 * time.Second},
		{name: "codebase mean next", c: f(60), m: f(90), expected: 60 * time.Second},
		{name: "campaign mean next", m: f(90), expected: 90 * time.Second},
		{name: "default when nothing recorded", expected: DefaultEstimatedDuration},
	}
	for _, tc := range testcases {
		if got := EstimateDuration(tc.cc, tc.c, tc.m); got != tc.expected {
			t.Errorf("%s: expected %v, got %v", tc.name, tc.expected, got)
		}
	}
}

func TestContextMultiplier(t *testing.T) {
	if got := ContextMultiplier(false, false); got != 1.0 {
		t.Errorf("no context should be neutral, got %v", got)
	}
	if got := ContextMultiplier(true, true); got != 0.1 {
		t.Errorf("shared context should dampen to 0.1, got %v", got)
	}
	if got := ContextMultiplier(true, false); got != 1.0 {
		t.Errorf("fresh context should be neutral, got %v", got)
	}
}

func TestEstimatedProbabilityOfSuccess(t *testing.T) {
	if got := EstimatedProbabilityOfSuccess(0, 0, 1.0); got != 1.0 {
		t.Errorf("no history should be optimistic, got %v", got)
	}
	if got := EstimatedProbabilityOfSuccess(1, 4, 1.0); got != 0.25 {
		t.Errorf("expected 0.25, got %v", got)
	}
	if got := EstimatedProbabilityOfSuccess(1, 2, 0.1); math.Abs(got-0.05) > 1e-12 {
		t.Errorf("expected 0.05, got %v", got)
	}
}

func TestNormalizedCodebaseValue(t *testing.T) {
	if got := NormalizedCodebaseValue(50, 0); got != DefaultNormalizedCodebaseValue {
		t.Errorf("zero max should fall back to default, got %v", got)
	}
	if got := NormalizedCodebaseValue(1, 1000); got != MinimumNormalizedCodebaseValue {
		t.Errorf("tiny values clamp to minimum, got %v", got)
	}
	if got := NormalizedCodebaseValue(1000, 1000); got != 1.0 {
		t.Errorf("max value should normalize to 1.0, got %v", got)
	}
}

func TestIsStaleWorkerFailure(t *testing.T) {
	now := time.Now()
	if !IsStaleWorkerFailure(v1.ResultWorkerFailure, now.Add(-25*time.Hour), now) {
		t.Error("a day-old worker failure should be stale")
	}
	if IsStaleWorkerFailure(v1.ResultWorkerFailure, now.Add(-time.Hour), now) {
		t.Error("a recent worker failure should count")
	}
	if IsStaleWorkerFailure(v1.ResultFailure, now.Add(-25*time.Hour), now) {
		t.Error("ordinary failures never go stale")
	}
}
