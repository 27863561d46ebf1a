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
	"bytes"
	"context"
	"encoding/json"
	"time"

	"github.com/sirupsen/logrus"

	v1 "github.com/runbot-ci/overseer/apis/orchestrator/v1"
	"github.com/runbot-ci/overseer/config"
)

// Store is the subset of store.Store the Scheduler depends on.
type Store interface {
	AddQueueItem(ctx context.Context, q *v1.QueueItem) error
	PriorRuns(ctx context.Context, codebase, campaign string) ([]v1.Run, error)
	MeanDurationCodebaseCampaign(ctx context.Context, codebase, campaign string) (float64, bool, error)
	MeanDurationCodebase(ctx context.Context, codebase string) (float64, bool, error)
	MeanDurationCampaign(ctx context.Context, campaign string) (float64, bool, error)
	GetCodebase(ctx context.Context, name string) (*v1.Codebase, error)
	MaxCodebaseValue(ctx context.Context) (float64, error)
}

// DependencyChecker answers whether a set of recorded unmet dependency
// relations is now satisfied by currently-available packages.
type DependencyChecker interface {
	Satisfied(ctx context.Context, relations json.RawMessage) (bool, error)
}

// Scheduler converts candidates into queued work.
type Scheduler struct {
	store  Store
	agent  *config.Agent
	deps   DependencyChecker
	logger *logrus.Entry
}

// New returns a Scheduler backed by store, using agent's live config for
// per-campaign publish modes and the configured max codebase value. deps
// may be nil, in which case prior unsatisfied-dependency failures are
// never reclassified.
func New(store Store, agent *config.Agent, deps DependencyChecker) *Scheduler {
	return &Scheduler{store: store, agent: agent, deps: deps, logger: logrus.WithField("component", "scheduler")}
}

// unmetRelations extracts the dependency relations a failed
// install-deps run recorded in its failure details.
func unmetRelations(details json.RawMessage) json.RawMessage {
	if len(details) == 0 {
		return nil
	}
	var payload struct {
		Relations json.RawMessage `json:"relations"`
	}
	if err := json.Unmarshal(details, &payload); err != nil {
		return nil
	}
	return payload.Relations
}

// dependenciesNowSatisfied reports whether a prior
// install-deps-unsatisfied-dependencies failure should count as a success
// because its recorded unmet relations are satisfiable today. Without a
// checker, or without recorded relations, the failure stands.
func (s *Scheduler) dependenciesNowSatisfied(ctx context.Context, r *v1.Run) bool {
	if s.deps == nil {
		return false
	}
	relations := unmetRelations(r.FailureDetails)
	if len(relations) == 0 {
		return false
	}
	satisfied, err := s.deps.Satisfied(ctx, relations)
	if err != nil {
		s.logger.WithError(err).WithField("run_id", r.ID).Warning("error checking dependency availability")
		return false
	}
	return satisfied
}

// ScheduleCandidate computes an offset for one candidate and upserts the
// corresponding queue row.
func (s *Scheduler) ScheduleCandidate(ctx context.Context, c v1.Candidate, bucket v1.Bucket, requester string) error {
	cfg := s.agent.Config()

	codebase, err := s.store.GetCodebase(ctx, c.Codebase)
	if err != nil {
		return err
	}
	maxValue, err := s.store.MaxCodebaseValue(ctx)
	if err != nil {
		return err
	}
	if maxValue == 0 {
		maxValue = cfg.Scheduler.MaxCodebaseValue
	}

	priorRuns, err := s.store.PriorRuns(ctx, c.Codebase, c.Campaign)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	var successes, total int
	sharedContext := false
	for _, r := range priorRuns {
		if IsStaleWorkerFailure(r.ResultCode, r.FinishTime, now) {
			continue
		}
		total++
		success := r.ResultCode == v1.ResultSuccess
		if r.ResultCode == v1.ResultInstallDepsUnsat && s.dependenciesNowSatisfied(ctx, &r) {
			success = true
		}
		if success {
			successes++
		}
		if len(c.Context) > 0 && bytes.Equal(bytes.TrimSpace(r.Context), bytes.TrimSpace(c.Context)) {
			sharedContext = true
		}
	}

	mode := v1.PublishMode(cfg.PolicyByName()[c.PublishPolicy].Mode)
	multiplier := ContextMultiplier(len(c.Context) > 0, sharedContext)
	probability := EstimatedProbabilityOfSuccess(successes, total, multiplier)
	candidateValue := CandidateValue(c.Value, total, mode)
	normalizedCodebaseValue := NormalizedCodebaseValue(codebase.Value, maxValue)

	ccMean, haveCC, err := s.store.MeanDurationCodebaseCampaign(ctx, c.Codebase, c.Campaign)
	if err != nil {
		return err
	}
	cMean, haveC, err := s.store.MeanDurationCodebase(ctx, c.Codebase)
	if err != nil {
		return err
	}
	campMean, haveCamp, err := s.store.MeanDurationCampaign(ctx, c.Campaign)
	if err != nil {
		return err
	}
	duration := EstimateDuration(ptrIf(haveCC, ccMean), ptrIf(haveC, cMean), ptrIf(haveCamp, campMean))

	offset := Offset(normalizedCodebaseValue, probability, candidateValue, duration)

	item := &v1.QueueItem{
		Bucket:            bucket,
		Codebase:          c.Codebase,
		Campaign:          c.Campaign,
		Command:           c.Command,
		Priority:          offset,
		Context:           c.Context,
		EstimatedDuration: duration,
		Requester:         requester,
		ChangeSet:         c.ChangeSet,
	}
	s.logger.WithFields(logrus.Fields{
		"codebase": c.Codebase,
		"campaign": c.Campaign,
		"offset":   offset,
	}).Debug("scheduling candidate")
	return s.store.AddQueueItem(ctx, item)
}

func ptrIf(have bool, v float64) *float64 {
	if !have {
		return nil
	}
	return &v
}
