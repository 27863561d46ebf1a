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
	"context"
	"encoding/json"
	"testing"
	"time"

	v1 "github.com/runbot-ci/overseer/apis/orchestrator/v1"
	"github.com/runbot-ci/overseer/config"
)

type fakeSchedStore struct {
	codebase  v1.Codebase
	priorRuns []v1.Run
	queued    []v1.QueueItem
}

func (f *fakeSchedStore) AddQueueItem(ctx context.Context, q *v1.QueueItem) error {
	f.queued = append(f.queued, *q)
	return nil
}
func (f *fakeSchedStore) PriorRuns(ctx context.Context, codebase, campaign string) ([]v1.Run, error) {
	return f.priorRuns, nil
}
func (f *fakeSchedStore) MeanDurationCodebaseCampaign(ctx context.Context, codebase, campaign string) (float64, bool, error) {
	return 0, false, nil
}
func (f *fakeSchedStore) MeanDurationCodebase(ctx context.Context, codebase string) (float64, bool, error) {
	return 0, false, nil
}
func (f *fakeSchedStore) MeanDurationCampaign(ctx context.Context, campaign string) (float64, bool, error) {
	return 0, false, nil
}
func (f *fakeSchedStore) GetCodebase(ctx context.Context, name string) (*v1.Codebase, error) {
	cb := f.codebase
	return &cb, nil
}
func (f *fakeSchedStore) MaxCodebaseValue(ctx context.Context) (float64, error) {
	return f.codebase.Value, nil
}

type fakeDepChecker struct {
	satisfied bool
	asked     []json.RawMessage
}

func (f *fakeDepChecker) Satisfied(ctx context.Context, relations json.RawMessage) (bool, error) {
	f.asked = append(f.asked, relations)
	return f.satisfied, nil
}

func schedulerAgent() *config.Agent {
	agent := &config.Agent{}
	agent.Set(&config.Config{
		PublishPolicies: []config.PublishPolicy{{Name: "default-policy", Mode: "propose"}},
		Scheduler:       config.Scheduler{MaxCodebaseValue: 100},
	})
	return agent
}

func depFailureRun(details string) v1.Run {
	return v1.Run{
		ID:             "run-0",
		Codebase:       "acme",
		Campaign:       "lint",
		ResultCode:     v1.ResultInstallDepsUnsat,
		FinishTime:     time.Now().Add(-time.Hour),
		FailureDetails: json.RawMessage(details),
	}
}

// scheduleOffset runs one candidate through ScheduleCandidate and returns
// the priority of the queued row.
func scheduleOffset(t *testing.T, fs *fakeSchedStore, deps DependencyChecker) float64 {
	t.Helper()
	s := New(fs, schedulerAgent(), deps)
	c := v1.Candidate{
		Codebase:      "acme",
		Campaign:      "lint",
		Command:       "fix",
		Value:         100,
		SuccessChance: 1.0,
		PublishPolicy: "default-policy",
	}
	if err := s.ScheduleCandidate(context.Background(), c, v1.BucketDefault, "test"); err != nil {
		t.Fatalf("scheduling: %v", err)
	}
	if len(fs.queued) != 1 {
		t.Fatalf("expected one queued row, got %d", len(fs.queued))
	}
	return fs.queued[0].Priority
}

func TestDependencyFailureReclassification(t *testing.T) {
	details := `{"relations":[{"package":"libfoo-dev",">=":"1.2"}]}`

	newStore := func(details string) *fakeSchedStore {
		return &fakeSchedStore{
			codebase:  v1.Codebase{Name: "acme", Vcs: v1.VcsGit, Value: 100},
			priorRuns: []v1.Run{depFailureRun(details)},
		}
	}

	// Without a checker the failure stands.
	baseline := scheduleOffset(t, newStore(details), nil)

	// A checker that finds the relations satisfiable today turns the
	// failure into a success, so the offset drops.
	satisfied := &fakeDepChecker{satisfied: true}
	improved := scheduleOffset(t, newStore(details), satisfied)
	if improved >= baseline {
		t.Errorf("satisfiable dependencies must lower the offset: baseline=%v improved=%v", baseline, improved)
	}
	if len(satisfied.asked) != 1 {
		t.Fatalf("checker should be consulted once, got %d", len(satisfied.asked))
	}
	var relations []map[string]string
	if err := json.Unmarshal(satisfied.asked[0], &relations); err != nil || len(relations) != 1 {
		t.Errorf("checker must receive the recorded relations: %s", satisfied.asked)
	}

	// A checker that still cannot satisfy them leaves the failure in place.
	unsatisfied := &fakeDepChecker{satisfied: false}
	if got := scheduleOffset(t, newStore(details), unsatisfied); got != baseline {
		t.Errorf("unsatisfiable dependencies must not change the offset: baseline=%v got=%v", baseline, got)
	}

	// A failure with no recorded relations is never reclassified and the
	// checker is never invoked for it.
	norelations := &fakeDepChecker{satisfied: true}
	if got := scheduleOffset(t, newStore(`{"stage":"install-deps"}`), norelations); got != baseline {
		t.Errorf("missing relations must leave the failure counted: baseline=%v got=%v", baseline, got)
	}
	if len(norelations.asked) != 0 {
		t.Errorf("checker must not be asked without recorded relations, got %d calls", len(norelations.asked))
	}
}
