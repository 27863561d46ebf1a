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

// Package reconciler periodically re-checks known open merge proposals
// against their forges, applies status transitions, keeps the bucket rate
// limiter convergent with reality, and watches for stragglers.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"k8s.io/apimachinery/pkg/util/sets"

	v1 "github.com/runbot-ci/overseer/apis/orchestrator/v1"
	"github.com/runbot-ci/overseer/bus"
	"github.com/runbot-ci/overseer/config"
	"github.com/runbot-ci/overseer/forge"
	"github.com/runbot-ci/overseer/ratelimit"
)

var (
	reconcileTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "reconciler_transitions_total",
		Help: "Merge proposal status transitions applied, by new status.",
	}, []string{"status"})
	reconcileUnexpected = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "reconciler_unexpected_proposals_total",
		Help: "Proposals returned by forge listings that the store does not know.",
	})
)

func init() {
	prometheus.MustRegister(reconcileTransitions, reconcileUnexpected)
}

// UnexpectedMPLimitError is returned by CheckExisting when the count of
// surprising proposals exceeds the configured bound. The check runs after
// every transition of the cycle has been applied, so the error stops
// nothing; callers log it as an alert.
type UnexpectedMPLimitError struct {
	Count, Limit int
}

func (e *UnexpectedMPLimitError) Error() string {
	return fmt.Sprintf("%d unexpected merge proposals exceeds limit %d", e.Count, e.Limit)
}

// Store is the subset of store.Store the reconciler depends on.
type Store interface {
	ListOpenMergeProposals(ctx context.Context) ([]v1.MergeProposal, error)
	ListStragglerProposals(ctx context.Context, cutoff interface{}) ([]v1.MergeProposal, error)
	GetMergeProposal(ctx context.Context, url string) (*v1.MergeProposal, error)
	UpsertMergeProposal(ctx context.Context, mp *v1.MergeProposal) error
}

// Reconciler walks open proposals and applies the observed status transitions.
type Reconciler struct {
	store   Store
	forges  *forge.Registry
	buckets *ratelimit.BucketLimiter
	limiter *ratelimit.ForgeLimiter
	agent   *config.Agent
	bus     bus.Publisher
	logger  *logrus.Entry

	now func() time.Time
}

// New returns a Reconciler.
func New(s Store, forges *forge.Registry, buckets *ratelimit.BucketLimiter, limiter *ratelimit.ForgeLimiter, agent *config.Agent, b bus.Publisher) *Reconciler {
	return &Reconciler{
		store:   s,
		forges:  forges,
		buckets: buckets,
		limiter: limiter,
		agent:   agent,
		bus:     b,
		logger:  logrus.WithField("component", "reconciler"),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Run blocks, reconciling on the configured interval until ctx is
// canceled. Used when the reconciler is deployed standalone rather than
// folded into the publisher's cycle.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.agent.Config().Reconciler.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := r.CheckExisting(ctx); err != nil {
				r.logger.WithError(err).Error("error reconciling merge proposals")
			}
			if err := r.CheckStragglers(ctx); err != nil {
				r.logger.WithError(err).Error("error checking stragglers")
			}
		}
	}
}

// CheckExisting walks every stored open proposal, queries its forge, and
// applies the observed transition. Modification volume per cycle is
// bounded by modify_mp_limit; surprises (forge-listed proposals unknown to
// the store) are bounded by unexpected_mp_limit.
func (r *Reconciler) CheckExisting(ctx context.Context) error {
	cfg := r.agent.Config()
	open, err := r.store.ListOpenMergeProposals(ctx)
	if err != nil {
		return err
	}

	modified := 0
	for _, mp := range open {
		if cfg.Publisher.ModifyMPLimit > 0 && modified >= cfg.Publisher.ModifyMPLimit {
			r.logger.WithField("modify_mp_limit", cfg.Publisher.ModifyMPLimit).Info("modify limit reached, deferring remaining proposals")
			break
		}
		changed, err := r.reconcileOne(ctx, &mp)
		if err != nil {
			var retry *forge.RetryAfterError
			if errors.As(err, &retry) {
				r.limiter.MarkRetryAfter(retry.Host, retry.Until)
				continue
			}
			var server *forge.ServerError
			if errors.As(err, &server) {
				r.logger.WithError(err).WithField("url", mp.URL).Warning("forge error, retaining proposal")
				continue
			}
			r.logger.WithError(err).WithField("url", mp.URL).Error("error reconciling proposal")
			continue
		}
		if changed {
			modified++
		}
	}

	return r.checkUnexpected(ctx, open)
}

// RefreshURL re-checks a single proposal on demand (the publisher's
// /refresh-status endpoint).
func (r *Reconciler) RefreshURL(ctx context.Context, url string) error {
	mp, err := r.store.GetMergeProposal(ctx, url)
	if err != nil {
		return err
	}
	_, err = r.reconcileOne(ctx, mp)
	return err
}

// reconcileOne applies the transition table for a single proposal,
// reporting whether the stored row changed.
func (r *Reconciler) reconcileOne(ctx context.Context, mp *v1.MergeProposal) (bool, error) {
	f, err := r.forges.ForURL(mp.URL)
	if err != nil {
		return false, err
	}
	if r.limiter.Excluded(f.Host()) {
		return false, nil
	}

	observed, err := f.GetProposalStatus(ctx, mp.URL)
	if err != nil {
		var gone *forge.ProposalGoneError
		if errors.As(err, &gone) {
			return true, r.transition(ctx, mp, v1.MPAbandoned, mp.Revision)
		}
		return false, err
	}

	switch {
	case observed.Status == v1.MPMerged && mp.Status == v1.MPOpen:
		return true, r.transition(ctx, mp, v1.MPMerged, observed.Revision)
	case observed.Status == v1.MPClosed && mp.Status == v1.MPOpen:
		return true, r.transition(ctx, mp, v1.MPClosed, observed.Revision)
	case observed.Status == v1.MPRejected && mp.Status == v1.MPOpen:
		return true, r.transition(ctx, mp, v1.MPRejected, observed.Revision)
	case observed.Status == v1.MPAbandoned && mp.Status == v1.MPOpen:
		return true, r.transition(ctx, mp, v1.MPAbandoned, observed.Revision)
	case observed.Status == v1.MPOpen && observed.Revision != mp.Revision:
		mp.Revision = observed.Revision
		mp.LastChecked = r.now()
		return true, r.store.UpsertMergeProposal(ctx, mp)
	default:
		mp.LastChecked = r.now()
		return false, r.store.UpsertMergeProposal(ctx, mp)
	}
}

// transition moves mp out of the open state, decrements its bucket, and
// emits a merge-proposal event.
func (r *Reconciler) transition(ctx context.Context, mp *v1.MergeProposal, to v1.MergeProposalStatus, revision string) error {
	from := mp.Status
	mp.Status = to
	if revision != "" {
		mp.Revision = revision
	}
	mp.LastChecked = r.now()
	if err := r.store.UpsertMergeProposal(ctx, mp); err != nil {
		return err
	}
	if from == v1.MPOpen && to != v1.MPOpen {
		r.buckets.Dec(mp.Bucket)
	}
	reconcileTransitions.WithLabelValues(string(to)).Inc()
	r.logger.WithFields(logrus.Fields{"url": mp.URL, "from": from, "to": to}).Info("merge proposal transitioned")
	if r.bus != nil {
		r.bus.Publish(ctx, bus.TopicMergeProposal, bus.MergeProposalEvent{
			URL: mp.URL, Codebase: mp.Codebase, Status: string(to),
		})
	}
	return nil
}

// checkUnexpected compares each forge's listing of the publish identity's
// open proposals with the store's knowledge; URLs the store has never seen
// count against unexpected_mp_limit.
func (r *Reconciler) checkUnexpected(ctx context.Context, known []v1.MergeProposal) error {
	limit := r.agent.Config().Publisher.UnexpectedMPLimit
	if limit <= 0 {
		return nil
	}
	knownURLs := sets.NewString()
	for _, mp := range known {
		knownURLs.Insert(mp.URL)
	}
	unexpected := 0
	for _, f := range r.forges.All() {
		if r.limiter.Excluded(f.Host()) {
			continue
		}
		urls, err := f.ListOpenProposals(ctx)
		if err != nil {
			var retry *forge.RetryAfterError
			if errors.As(err, &retry) {
				r.limiter.MarkRetryAfter(retry.Host, retry.Until)
				continue
			}
			r.logger.WithError(err).WithField("forge", f.Host()).Warning("error listing forge proposals")
			continue
		}
		for _, url := range urls {
			if knownURLs.Has(url) {
				continue
			}
			unexpected++
			reconcileUnexpected.Inc()
			r.logger.WithField("url", url).Warning("forge lists a proposal the store does not know")
		}
	}
	if unexpected > limit {
		return &UnexpectedMPLimitError{Count: unexpected, Limit: limit}
	}
	return nil
}

// CheckStragglers re-checks open proposals older than the configured
// straggler age whose last reconciliation is itself stale. The policy is
// permissive: log only, unless auto_abandon is configured.
func (r *Reconciler) CheckStragglers(ctx context.Context) error {
	cfg := r.agent.Config()
	cutoff := r.now().Add(-cfg.Publisher.StragglerAge)
	stragglers, err := r.store.ListStragglerProposals(ctx, cutoff)
	if err != nil {
		return err
	}
	recheckBefore := r.now().Add(-cfg.Reconciler.Interval)
	for _, mp := range stragglers {
		if mp.LastChecked.After(recheckBefore) {
			continue
		}
		age := r.now().Sub(mp.CreatedTime)
		r.logger.WithFields(logrus.Fields{"url": mp.URL, "age": age}).Info("straggler merge proposal still open")
		if cfg.Reconciler.AutoAbandon {
			if err := r.transition(ctx, &mp, v1.MPAbandoned, mp.Revision); err != nil {
				r.logger.WithError(err).WithField("url", mp.URL).Error("error abandoning straggler")
			}
			continue
		}
		if _, err := r.reconcileOne(ctx, &mp); err != nil {
			r.logger.WithError(err).WithField("url", mp.URL).Warning("error re-checking straggler")
		}
	}
	return nil
}
