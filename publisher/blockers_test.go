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

package publisher

import (
	"context"
	"reflect"
	"testing"
	"time"

	v1 "github.com/runbot-ci/overseer/apis/orchestrator/v1"
	"github.com/runbot-ci/overseer/config"
	"github.com/runbot-ci/overseer/ratelimit"
	"github.com/runbot-ci/overseer/store"
)

type fakeStore struct {
	codebase       v1.Codebase
	candidate      v1.Candidate
	candidateErr   error
	attempts       int
	changeSetState v1.ChangeSetState
	prevMPStatus   v1.MergeProposalStatus
	prevMPFound    bool
	reviews        []v1.Review

	ready     []store.PublishReadyRun
	published map[string]bool
	publishes []v1.Publish
	proposals []v1.MergeProposal
}

func (f *fakeStore) PublishReadyRuns(ctx context.Context, limit int) ([]store.PublishReadyRun, error) {
	return f.ready, nil
}
func (f *fakeStore) GetRun(ctx context.Context, id string) (*v1.Run, error) {
	for _, r := range f.ready {
		if r.Run.ID == id {
			run := r.Run
			return &run, nil
		}
	}
	return nil, &store.NotFoundError{Kind: "run", Key: id}
}
func (f *fakeStore) GetCodebase(ctx context.Context, name string) (*v1.Codebase, error) {
	cb := f.codebase
	return &cb, nil
}
func (f *fakeStore) GetCandidate(ctx context.Context, codebase, campaign string) (*v1.Candidate, error) {
	if f.candidateErr != nil {
		return nil, f.candidateErr
	}
	c := f.candidate
	return &c, nil
}
func (f *fakeStore) AttemptCount(ctx context.Context, runID string) (int, error) {
	return f.attempts, nil
}
func (f *fakeStore) AlreadyPublished(ctx context.Context, runID, branchName, revision string) (bool, error) {
	return f.published[runID+"/"+branchName+"/"+revision], nil
}
func (f *fakeStore) ChangeSetState(ctx context.Context, id string) (v1.ChangeSetState, error) {
	return f.changeSetState, nil
}
func (f *fakeStore) PreviousMergeProposalStatus(ctx context.Context, codebase, campaign string) (v1.MergeProposalStatus, bool, error) {
	return f.prevMPStatus, f.prevMPFound, nil
}
func (f *fakeStore) RecordPublish(ctx context.Context, p *v1.Publish) error {
	f.publishes = append(f.publishes, *p)
	return nil
}
func (f *fakeStore) UpsertMergeProposal(ctx context.Context, mp *v1.MergeProposal) error {
	f.proposals = append(f.proposals, *mp)
	return nil
}
func (f *fakeStore) ListReviews(ctx context.Context, runID string) ([]v1.Review, error) {
	return f.reviews, nil
}

func testAgent(requireReview bool, maxOpen int) *config.Agent {
	agent := &config.Agent{}
	agent.Set(&config.Config{
		Campaigns: []config.Campaign{{Name: "lint", Command: "fix", RequireReview: requireReview}},
		PublishPolicies: []config.PublishPolicy{
			{Name: "default-policy", Mode: "propose", Bucket: "default"},
		},
		Buckets: []config.Bucket{{Name: "default", MaxOpen: &maxOpen}},
		Publisher: config.Publisher{
			Interval:    time.Minute,
			BackoffBase: 15 * time.Minute,
			BackoffCap:  6,
		},
	})
	return agent
}

func passingRun() v1.Run {
	return v1.Run{
		ID:         "run-1",
		Codebase:   "acme",
		Campaign:   "lint",
		Command:    "fix",
		ResultCode: v1.ResultSuccess,
		FinishTime: time.Now().Add(-24 * time.Hour),
		ResultBranches: []v1.ResultBranch{
			{FunctionName: "main", RemoteName: "main", BaseRevision: "r0", NewRevision: "r1"},
		},
	}
}

func newTestPublisher(fs *fakeStore, agent *config.Agent, openCounts map[v1.Bucket]int) *Publisher {
	maxOpen := map[v1.Bucket]int{}
	for _, b := range agent.Config().Buckets {
		if b.MaxOpen != nil {
			maxOpen[v1.Bucket(b.Name)] = *b.MaxOpen
		}
	}
	buckets := ratelimit.NewBucketLimiter(maxOpen, openCounts)
	return New(fs, agent, buckets, ratelimit.NewForgeLimiter(100, 100), nil, nil, nil, nil)
}

func TestGetBlockers(t *testing.T) {
	var testcases = []struct {
		name            string
		mutateRun       func(*v1.Run)
		mutateStore     func(*fakeStore)
		requireReview   bool
		openCounts      map[v1.Bucket]int
		expectedFailing []string
	}{
		{
			name:            "everything passes",
			expectedFailing: []string{},
		},
		{
			name:            "failed run",
			mutateRun:       func(r *v1.Run) { r.ResultCode = v1.ResultFailure },
			expectedFailing: []string{BlockerSuccess},
		},
		{
			name:            "inactive codebase",
			mutateStore:     func(f *fakeStore) { f.codebase.Inactive = true },
			expectedFailing: []string{BlockerInactive},
		},
		{
			name:            "stale command",
			mutateStore:     func(f *fakeStore) { f.candidate.Command = "fix --new-flag" },
			expectedFailing: []string{BlockerCommand},
		},
		{
			name:            "review required but not approved",
			requireReview:   true,
			expectedFailing: []string{BlockerPublishStatus},
		},
		{
			name:            "fresh failure still backing off",
			mutateRun:       func(r *v1.Run) { r.FinishTime = time.Now().Add(-time.Minute) },
			expectedFailing: []string{BlockerBackoff},
		},
		{
			name:            "bucket at capacity",
			openCounts:      map[v1.Bucket]int{v1.BucketDefault: 1},
			expectedFailing: []string{BlockerProposeRateLimit},
		},
		{
			name: "change set not ready",
			mutateRun: func(r *v1.Run) {
				cs := "cs-1"
				r.ChangeSet = &cs
			},
			mutateStore:     func(f *fakeStore) { f.changeSetState = v1.ChangeSetWorking },
			expectedFailing: []string{BlockerChangeSet},
		},
		{
			name: "previous proposal was rejected",
			mutateStore: func(f *fakeStore) {
				f.prevMPFound = true
				f.prevMPStatus = v1.MPRejected
			},
			expectedFailing: []string{BlockerPreviousMP},
		},
	}

	for _, tc := range testcases {
		run := passingRun()
		if tc.mutateRun != nil {
			tc.mutateRun(&run)
		}
		fs := &fakeStore{
			codebase:       v1.Codebase{Name: "acme", Vcs: v1.VcsGit, Value: 100},
			candidate:      v1.Candidate{Codebase: "acme", Campaign: "lint", Command: "fix", PublishPolicy: "default-policy"},
			changeSetState: v1.ChangeSetReady,
		}
		if tc.mutateStore != nil {
			tc.mutateStore(fs)
		}
		maxOpen := 1
		p := newTestPublisher(fs, testAgent(tc.requireReview, maxOpen), tc.openCounts)

		blockers, err := p.GetBlockers(context.Background(), &run)
		if err != nil {
			t.Errorf("%s: unexpected error: %v", tc.name, err)
			continue
		}
		failing := blockers.Failing()
		if failing == nil {
			failing = []string{}
		}
		if !reflect.DeepEqual(failing, tc.expectedFailing) {
			t.Errorf("%s: expected failing %v, got %v", tc.name, tc.expectedFailing, failing)
		}
		if blockers.AllPass() != (len(tc.expectedFailing) == 0) {
			t.Errorf("%s: AllPass disagrees with Failing", tc.name)
		}
	}
}

func TestRateLimitBlockerDetails(t *testing.T) {
	// One open proposal in a max_open=1 default bucket must surface as a
	// failed propose_rate_limit blocker with result=false.
	fs := &fakeStore{
		codebase:       v1.Codebase{Name: "acme", Vcs: v1.VcsGit, Value: 100},
		candidate:      v1.Candidate{Codebase: "acme", Campaign: "lint", Command: "fix", PublishPolicy: "default-policy"},
		changeSetState: v1.ChangeSetReady,
	}
	p := newTestPublisher(fs, testAgent(false, 1), map[v1.Bucket]int{v1.BucketDefault: 1})
	run := passingRun()
	blockers, err := p.GetBlockers(context.Background(), &run)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if blockers[BlockerProposeRateLimit].Result {
		t.Error("propose_rate_limit should report false at capacity")
	}
}
