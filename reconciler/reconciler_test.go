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

package reconciler

import (
	"context"
	"testing"
	"time"

	v1 "github.com/runbot-ci/overseer/apis/orchestrator/v1"
	"github.com/runbot-ci/overseer/bus"
	"github.com/runbot-ci/overseer/config"
	"github.com/runbot-ci/overseer/forge"
	"github.com/runbot-ci/overseer/ratelimit"
	"github.com/runbot-ci/overseer/store"
)

type fakeStore struct {
	proposals map[string]*v1.MergeProposal
}

func (f *fakeStore) ListOpenMergeProposals(ctx context.Context) ([]v1.MergeProposal, error) {
	var out []v1.MergeProposal
	for _, mp := range f.proposals {
		if mp.Status == v1.MPOpen {
			out = append(out, *mp)
		}
	}
	return out, nil
}

func (f *fakeStore) ListStragglerProposals(ctx context.Context, cutoff interface{}) ([]v1.MergeProposal, error) {
	t := cutoff.(time.Time)
	var out []v1.MergeProposal
	for _, mp := range f.proposals {
		if mp.Status == v1.MPOpen && mp.CreatedTime.Before(t) {
			out = append(out, *mp)
		}
	}
	return out, nil
}

func (f *fakeStore) GetMergeProposal(ctx context.Context, url string) (*v1.MergeProposal, error) {
	mp, ok := f.proposals[url]
	if !ok {
		return nil, &store.NotFoundError{Kind: "merge_proposal", Key: url}
	}
	copied := *mp
	return &copied, nil
}

func (f *fakeStore) UpsertMergeProposal(ctx context.Context, mp *v1.MergeProposal) error {
	copied := *mp
	f.proposals[mp.URL] = &copied
	return nil
}

type fakeForge struct {
	host     string
	statuses map[string]*forge.ProposalStatus
	errs     map[string]error
	listing  []string
}

func (f *fakeForge) Host() string { return f.host }
func (f *fakeForge) GetProposalStatus(ctx context.Context, url string) (*forge.ProposalStatus, error) {
	if err, ok := f.errs[url]; ok {
		return nil, err
	}
	if s, ok := f.statuses[url]; ok {
		return s, nil
	}
	return nil, &forge.ProposalGoneError{URL: url}
}
func (f *fakeForge) ListOpenProposals(ctx context.Context) ([]string, error) {
	return f.listing, nil
}

type fakeBus struct {
	events []bus.MergeProposalEvent
}

func (f *fakeBus) Publish(ctx context.Context, topic bus.Topic, payload interface{}) error {
	if ev, ok := payload.(bus.MergeProposalEvent); ok {
		f.events = append(f.events, ev)
	}
	return nil
}

func testAgent() *config.Agent {
	agent := &config.Agent{}
	agent.Set(&config.Config{
		Publisher: config.Publisher{
			ModifyMPLimit:     10,
			UnexpectedMPLimit: 2,
			StragglerAge:      7 * 24 * time.Hour,
		},
		Reconciler: config.Reconciler{Interval: 5 * time.Minute},
	})
	return agent
}

func openProposal(url string, bucket v1.Bucket) *v1.MergeProposal {
	return &v1.MergeProposal{
		URL:         url,
		Codebase:    "acme",
		Status:      v1.MPOpen,
		Revision:    "r1",
		Bucket:      bucket,
		CreatedTime: time.Now().Add(-time.Hour),
		LastChecked: time.Now().Add(-time.Hour),
	}
}

func newTestReconciler(fs *fakeStore, f *fakeForge, openCounts map[v1.Bucket]int) (*Reconciler, *fakeBus) {
	buckets := ratelimit.NewBucketLimiter(map[v1.Bucket]int{v1.BucketDefault: 10}, openCounts)
	eventBus := &fakeBus{}
	r := New(fs, forge.NewRegistry(f), buckets, ratelimit.NewForgeLimiter(100, 100), testAgent(), eventBus)
	return r, eventBus
}

func TestCheckExistingTransitions(t *testing.T) {
	var testcases = []struct {
		name           string
		observed       *forge.ProposalStatus
		err            error
		expectedStatus v1.MergeProposalStatus
		expectDec      bool
		expectEvent    bool
	}{
		{
			name:           "merged proposal transitions and decrements",
			observed:       &forge.ProposalStatus{Status: v1.MPMerged, Revision: "r2"},
			expectedStatus: v1.MPMerged,
			expectDec:      true,
			expectEvent:    true,
		},
		{
			name:           "closed proposal transitions",
			observed:       &forge.ProposalStatus{Status: v1.MPClosed, Revision: "r1"},
			expectedStatus: v1.MPClosed,
			expectDec:      true,
			expectEvent:    true,
		},
		{
			name:           "rejected proposal transitions",
			observed:       &forge.ProposalStatus{Status: v1.MPRejected, Revision: "r1"},
			expectedStatus: v1.MPRejected,
			expectDec:      true,
			expectEvent:    true,
		},
		{
			name:           "gone proposal is abandoned",
			err:            &forge.ProposalGoneError{URL: "https://github.com/acme/acme/pull/1"},
			expectedStatus: v1.MPAbandoned,
			expectDec:      true,
			expectEvent:    true,
		},
		{
			name:           "still open with new revision",
			observed:       &forge.ProposalStatus{Status: v1.MPOpen, Revision: "r9"},
			expectedStatus: v1.MPOpen,
		},
		{
			name:           "server error retains the row",
			err:            &forge.ServerError{Host: "github.com", StatusCode: 502},
			expectedStatus: v1.MPOpen,
		},
	}

	for _, tc := range testcases {
		url := "https://github.com/acme/acme/pull/1"
		fs := &fakeStore{proposals: map[string]*v1.MergeProposal{url: openProposal(url, v1.BucketDefault)}}
		ff := &fakeForge{host: "github.com", statuses: map[string]*forge.ProposalStatus{}, errs: map[string]error{}}
		if tc.observed != nil {
			ff.statuses[url] = tc.observed
		}
		if tc.err != nil {
			ff.errs[url] = tc.err
		}
		r, eventBus := newTestReconciler(fs, ff, map[v1.Bucket]int{v1.BucketDefault: 1})

		if err := r.CheckExisting(context.Background()); err != nil {
			t.Errorf("%s: unexpected error: %v", tc.name, err)
			continue
		}
		if got := fs.proposals[url].Status; got != tc.expectedStatus {
			t.Errorf("%s: expected status %q, got %q", tc.name, tc.expectedStatus, got)
		}
		open := r.buckets.GetStats().PerBucket[v1.BucketDefault]
		if tc.expectDec && open != 0 {
			t.Errorf("%s: expected bucket decrement, open count is %d", tc.name, open)
		}
		if !tc.expectDec && open != 1 {
			t.Errorf("%s: bucket count should be untouched, got %d", tc.name, open)
		}
		if tc.expectEvent != (len(eventBus.events) > 0) {
			t.Errorf("%s: event emission mismatch: %v", tc.name, eventBus.events)
		}
		if tc.name == "still open with new revision" && fs.proposals[url].Revision != "r9" {
			t.Errorf("%s: revision not updated: %q", tc.name, fs.proposals[url].Revision)
		}
	}
}

func TestCheckExistingRetryAfterEmbargoesHost(t *testing.T) {
	url := "https://github.com/acme/acme/pull/1"
	fs := &fakeStore{proposals: map[string]*v1.MergeProposal{url: openProposal(url, v1.BucketDefault)}}
	ff := &fakeForge{
		host: "github.com",
		errs: map[string]error{url: &forge.RetryAfterError{Host: "github.com", Until: time.Now().Add(time.Hour)}},
	}
	r, _ := newTestReconciler(fs, ff, map[v1.Bucket]int{v1.BucketDefault: 1})

	if err := r.CheckExisting(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !r.limiter.Excluded("github.com") {
		t.Error("Retry-After must embargo the host")
	}
	if got := fs.proposals[url].Status; got != v1.MPOpen {
		t.Errorf("rate-limited proposal must be retained open, got %q", got)
	}
}

func TestCheckExistingUnexpectedLimit(t *testing.T) {
	url := "https://github.com/acme/acme/pull/1"
	fs := &fakeStore{proposals: map[string]*v1.MergeProposal{url: openProposal(url, v1.BucketDefault)}}
	ff := &fakeForge{
		host:     "github.com",
		statuses: map[string]*forge.ProposalStatus{url: {Status: v1.MPOpen, Revision: "r1"}},
		listing: []string{
			url,
			"https://github.com/acme/other/pull/2",
			"https://github.com/acme/other/pull/3",
			"https://github.com/acme/other/pull/4",
		},
	}
	r, _ := newTestReconciler(fs, ff, map[v1.Bucket]int{v1.BucketDefault: 1})

	err := r.CheckExisting(context.Background())
	if _, ok := err.(*UnexpectedMPLimitError); !ok {
		t.Fatalf("expected UnexpectedMPLimitError, got %v", err)
	}
}

func TestCheckStragglersAutoAbandon(t *testing.T) {
	url := "https://github.com/acme/acme/pull/1"
	mp := openProposal(url, v1.BucketDefault)
	mp.CreatedTime = time.Now().Add(-30 * 24 * time.Hour)
	fs := &fakeStore{proposals: map[string]*v1.MergeProposal{url: mp}}
	ff := &fakeForge{host: "github.com", statuses: map[string]*forge.ProposalStatus{url: {Status: v1.MPOpen, Revision: "r1"}}}
	r, _ := newTestReconciler(fs, ff, map[v1.Bucket]int{v1.BucketDefault: 1})
	cfg := testAgent()
	c := *cfg.Config()
	c.Reconciler.AutoAbandon = true
	r.agent.Set(&c)

	if err := r.CheckStragglers(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := fs.proposals[url].Status; got != v1.MPAbandoned {
		t.Errorf("expected straggler abandoned, got %q", got)
	}
}
