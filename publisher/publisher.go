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

// Package publisher consumes successful runs, evaluates publish blockers,
// dispatches push/propose operations through an isolated subprocess
// worker, and records outcomes. It is the heart of the post-run pipeline.
package publisher

import (
	"context"
	"time"

	"encoding/json"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	v1 "github.com/runbot-ci/overseer/apis/orchestrator/v1"
	"github.com/runbot-ci/overseer/bus"
	"github.com/runbot-ci/overseer/config"
	"github.com/runbot-ci/overseer/ratelimit"
	"github.com/runbot-ci/overseer/store"
)

var (
	publishAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "publisher_attempts_total",
		Help: "Publish attempts by mode and result code.",
	}, []string{"mode", "result_code"})
	publishCycles = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "publisher_cycles_total",
		Help: "Completed publish queue cycles.",
	})
	publishCycleOverruns = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "publisher_cycle_overruns_total",
		Help: "Cycles whose work exceeded the configured interval.",
	})
)

func init() {
	prometheus.MustRegister(publishAttempts, publishCycles, publishCycleOverruns)
}

// Consideration outcomes returned by ConsiderPublishRun.
const (
	OutcomeProcessing = "processing"
	OutcomeBlocked    = "blocked"
	OutcomeSkipped    = "skipped"
)

// Store is the subset of store.Store the publisher depends on.
type Store interface {
	PublishReadyRuns(ctx context.Context, limit int) ([]store.PublishReadyRun, error)
	GetRun(ctx context.Context, id string) (*v1.Run, error)
	GetCodebase(ctx context.Context, name string) (*v1.Codebase, error)
	GetCandidate(ctx context.Context, codebase, campaign string) (*v1.Candidate, error)
	AttemptCount(ctx context.Context, runID string) (int, error)
	AlreadyPublished(ctx context.Context, runID, branchName, revision string) (bool, error)
	ChangeSetState(ctx context.Context, id string) (v1.ChangeSetState, error)
	PreviousMergeProposalStatus(ctx context.Context, codebase, campaign string) (v1.MergeProposalStatus, bool, error)
	RecordPublish(ctx context.Context, p *v1.Publish) error
	UpsertMergeProposal(ctx context.Context, mp *v1.MergeProposal) error
	ListReviews(ctx context.Context, runID string) ([]v1.Review, error)
}

// Reconciler is the hook the periodic loop uses to fold proposal
// reconciliation into each cycle.
type Reconciler interface {
	CheckExisting(ctx context.Context) error
	CheckStragglers(ctx context.Context) error
}

// Publisher iterates publish-ready runs and dispatches publish operations.
type Publisher struct {
	store      Store
	agent      *config.Agent
	buckets    *ratelimit.BucketLimiter
	forges     *ratelimit.ForgeLimiter
	worker     PublishWorker
	differ     Differ
	bus        bus.Publisher
	reconciler Reconciler
	logger     *logrus.Entry

	now func() time.Time
}

// New returns a Publisher. differ and reconciler may be nil when the
// campaign set never gates on binary diffs or when reconciliation runs in
// a separate process.
func New(s Store, agent *config.Agent, buckets *ratelimit.BucketLimiter, forges *ratelimit.ForgeLimiter, worker PublishWorker, differ Differ, b bus.Publisher, reconciler Reconciler) *Publisher {
	return &Publisher{
		store:      s,
		agent:      agent,
		buckets:    buckets,
		forges:     forges,
		worker:     worker,
		differ:     differ,
		bus:        b,
		reconciler: reconciler,
		logger:     logrus.WithField("component", "publisher"),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// bucketFor resolves the rate-limit bucket a run's proposals count against,
// via its candidate's named publish policy.
func (p *Publisher) bucketFor(run *v1.Run) v1.Bucket {
	candidate, err := p.store.GetCandidate(context.Background(), run.Codebase, run.Campaign)
	if err != nil {
		return v1.BucketDefault
	}
	policy, ok := p.agent.Config().PolicyByName()[candidate.PublishPolicy]
	if !ok || policy.Bucket == "" {
		return v1.BucketDefault
	}
	return v1.Bucket(policy.Bucket)
}

// modeFor resolves the publish mode for a run from its candidate's named
// policy; unresolvable policies fall back to build-only so nothing is ever
// pushed by accident.
func (p *Publisher) modeFor(ctx context.Context, run *v1.Run) v1.PublishMode {
	candidate, err := p.store.GetCandidate(ctx, run.Codebase, run.Campaign)
	if err != nil {
		return v1.ModeBuildOnly
	}
	policy, ok := p.agent.Config().PolicyByName()[candidate.PublishPolicy]
	if !ok {
		return v1.ModeBuildOnly
	}
	return v1.PublishMode(policy.Mode)
}

// ProcessQueueLoop is the periodic loop: iterate
// publish-ready runs, respect push_limit, reconcile existing proposals,
// check stragglers, and sleep out the remainder of the interval.
func (p *Publisher) ProcessQueueLoop(ctx context.Context) error {
	for {
		start := p.now()
		if err := p.Cycle(ctx); err != nil {
			p.logger.WithError(err).Error("error running publish cycle")
		}
		publishCycles.Inc()

		interval := p.agent.Config().Publisher.Interval
		elapsed := p.now().Sub(start)
		if elapsed > interval {
			publishCycleOverruns.Inc()
			p.logger.WithFields(logrus.Fields{"elapsed": elapsed, "interval": interval}).Warning("publish cycle took longer than interval")
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval - elapsed):
		}
	}
}

// Cycle runs one pass of the periodic loop.
func (p *Publisher) Cycle(ctx context.Context) error {
	cfg := p.agent.Config()
	ready, err := p.store.PublishReadyRuns(ctx, 1000)
	if err != nil {
		return errors.Wrap(err, "iterating publish-ready runs")
	}

	processing := 0
	for _, r := range ready {
		if cfg.Publisher.PushLimit > 0 && processing >= cfg.Publisher.PushLimit {
			p.logger.WithField("push_limit", cfg.Publisher.PushLimit).Info("push limit reached, deferring remaining runs to next cycle")
			break
		}
		outcome, err := p.ConsiderPublishRun(ctx, r)
		if err != nil {
			p.logger.WithError(err).WithField("run_id", r.Run.ID).Error("error considering run for publish")
			continue
		}
		if outcome == OutcomeProcessing {
			processing++
		}
	}

	if p.reconciler != nil {
		if err := p.reconciler.CheckExisting(ctx); err != nil {
			p.logger.WithError(err).Error("error checking existing merge proposals")
		}
		if err := p.reconciler.CheckStragglers(ctx); err != nil {
			p.logger.WithError(err).Error("error checking straggler merge proposals")
		}
	}
	return nil
}

// SubscribeRunFinished wires the event-driven path: each successful
// run-finished event is considered for publishing immediately instead of
// waiting for the next cycle.
func (p *Publisher) SubscribeRunFinished(ctx context.Context, sub bus.Subscriber) error {
	return sub.Subscribe(ctx, bus.TopicRunFinished, func(ctx context.Context, env bus.Envelope) error {
		var ev bus.RunFinishedEvent
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			return err
		}
		if ev.ResultCode != v1.ResultSuccess {
			return nil
		}
		run, err := p.store.GetRun(ctx, ev.RunID)
		if err != nil {
			return err
		}
		ready, err := p.readyFor(ctx, run)
		if err != nil {
			return err
		}
		if ready == nil {
			return nil
		}
		_, err = p.ConsiderPublishRun(ctx, *ready)
		return err
	})
}

// readyFor projects a run into a PublishReadyRun, or nil when every branch
// is already published.
func (p *Publisher) readyFor(ctx context.Context, run *v1.Run) (*store.PublishReadyRun, error) {
	var unpublished []v1.ResultBranch
	for _, b := range run.ResultBranches {
		published, err := p.store.AlreadyPublished(ctx, run.ID, b.RemoteName, b.NewRevision)
		if err != nil {
			return nil, err
		}
		if !published {
			unpublished = append(unpublished, b)
		}
	}
	if len(unpublished) == 0 {
		return nil, nil
	}
	return &store.PublishReadyRun{Run: *run, UnpublishedBranches: unpublished}, nil
}

// ConsiderPublishRun evaluates one publish-ready run and, when nothing
// blocks it, dispatches a publish operation per unpublished branch.
func (p *Publisher) ConsiderPublishRun(ctx context.Context, ready store.PublishReadyRun) (string, error) {
	run := ready.Run
	log := p.logger.WithFields(logrus.Fields{"run_id": run.ID, "codebase": run.Codebase, "campaign": run.Campaign})

	blockers, err := p.GetBlockers(ctx, &run)
	if err != nil {
		return "", err
	}
	if !blockers.AllPass() {
		log.WithField("blockers", blockers.Failing()).Debug("run blocked from publishing")
		return OutcomeBlocked, nil
	}

	mode := p.modeFor(ctx, &run)
	if mode == v1.ModeSkip || mode == v1.ModeBuildOnly {
		return OutcomeSkipped, nil
	}

	campaign := p.agent.Config().CampaignsByName()[run.Campaign]
	if campaign.RequireBinaryDiff && p.differ != nil {
		have, err := p.differ.HasDiff(ctx, run.ID)
		if err != nil || !have {
			// No cached diff yet (or the differ is unreachable): a
			// transient skip, never a permanent failure.
			if err != nil {
				log.WithError(err).Warning("differ unreachable, deferring publish")
			}
			return OutcomeSkipped, nil
		}
	}

	dispatched := false
	for _, branch := range ready.UnpublishedBranches {
		if err := p.publishOne(ctx, &run, branch, mode); err != nil {
			log.WithError(err).WithField("branch", branch.RemoteName).Error("error publishing branch")
			continue
		}
		dispatched = true
	}
	if !dispatched {
		return OutcomeBlocked, nil
	}
	return OutcomeProcessing, nil
}

// publishOne dispatches a single (run, branch) publish operation through
// the subprocess worker and records the outcome.
func (p *Publisher) publishOne(ctx context.Context, run *v1.Run, branch v1.ResultBranch, mode v1.PublishMode) error {
	bucket := p.bucketFor(run)
	needsSlot := mode == v1.ModePropose || mode == v1.ModeAttemptPush || mode == v1.ModePushDerived
	if needsSlot && !p.buckets.CheckAllowed(bucket) {
		return p.recordPublish(ctx, run, branch, mode, &v1.Publish{
			RunID:      run.ID,
			BranchName: branch.RemoteName,
			Revision:   branch.NewRevision,
			Mode:       mode,
			ResultCode: OutcomeBlocked,
			Transient:  true,
		}, nil)
	}

	codebase, err := p.store.GetCodebase(ctx, run.Codebase)
	if err != nil {
		return err
	}
	req := WorkerRequest{
		RunID:           run.ID,
		Codebase:        run.Codebase,
		Campaign:        run.Campaign,
		Mode:            mode,
		Bucket:          bucket,
		BranchName:      branch.RemoteName,
		Revision:        branch.NewRevision,
		SourceBranchURL: sourceBranchURL(p.agent.Config().Publisher.VCSLocation, run.Codebase, run.Campaign),
		Context:         run.InstigatedContext,
	}
	if codebase.BranchURL != nil {
		req.TargetBranchURL = *codebase.BranchURL
	}

	outcome, err := p.worker.Publish(ctx, req)
	if err != nil {
		return errors.Wrapf(err, "running publish worker for %s/%s", run.ID, branch.RemoteName)
	}
	publishAttempts.WithLabelValues(string(mode), outcome.Code).Inc()

	if outcome.RetryAfterHost != "" {
		until := p.now().Add(time.Minute)
		if outcome.RetryAfterUntil != nil {
			until = *outcome.RetryAfterUntil
		}
		p.forges.MarkRetryAfter(outcome.RetryAfterHost, until)
		p.logger.WithFields(logrus.Fields{"host": outcome.RetryAfterHost, "until": until}).Info("forge rate limited, skipping target")
		return nil
	}

	return p.recordPublish(ctx, run, branch, mode, &v1.Publish{
		RunID:      run.ID,
		BranchName: branch.RemoteName,
		Revision:   branch.NewRevision,
		Mode:       mode,
		ResultCode: outcome.Code,
		Transient:  outcome.Transient,
	}, outcome)
}

// recordPublish writes the publish row and, for created/updated proposals,
// upserts the merge_proposal row and emits events.
func (p *Publisher) recordPublish(ctx context.Context, run *v1.Run, branch v1.ResultBranch, mode v1.PublishMode, row *v1.Publish, outcome *WorkerOutcome) error {
	row.Timestamp = p.now()
	if outcome != nil && outcome.MergeProposalURL != "" {
		row.MergeProposalURL = &outcome.MergeProposalURL
	}
	if err := p.store.RecordPublish(ctx, row); err != nil {
		return err
	}
	if p.bus != nil {
		p.bus.Publish(ctx, bus.TopicPublish, bus.PublishEvent{
			RunID:            run.ID,
			BranchName:       branch.RemoteName,
			Mode:             string(mode),
			ResultCode:       row.ResultCode,
			MergeProposalURL: derefStr(row.MergeProposalURL),
		})
	}

	if outcome == nil || outcome.Code != v1.ResultSuccess || outcome.MergeProposalURL == "" {
		return nil
	}
	mp := &v1.MergeProposal{
		URL:         outcome.MergeProposalURL,
		Codebase:    run.Codebase,
		Status:      v1.MPOpen,
		Revision:    branch.NewRevision,
		Bucket:      p.bucketFor(run),
		CreatedTime: p.now(),
		LastChecked: p.now(),
	}
	codebase, err := p.store.GetCodebase(ctx, run.Codebase)
	if err == nil && codebase.BranchURL != nil {
		mp.TargetBranchURL = *codebase.BranchURL
	}
	if err := p.store.UpsertMergeProposal(ctx, mp); err != nil {
		return err
	}
	if outcome.IsNew {
		p.buckets.Inc(mp.Bucket)
	}
	if p.bus != nil {
		p.bus.Publish(ctx, bus.TopicMergeProposal, bus.MergeProposalEvent{
			URL: mp.URL, Codebase: mp.Codebase, Status: string(mp.Status),
		})
	}
	return nil
}

// sourceBranchURL points the publish worker at the central VCS copy of a
// run's result branches.
func sourceBranchURL(vcsLocation, codebase, campaign string) string {
	if vcsLocation == "" {
		return codebase + "/" + campaign
	}
	return vcsLocation + "/" + codebase + "/" + campaign
}

func derefStr(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
