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
	"time"

	"k8s.io/apimachinery/pkg/util/sets"

	v1 "github.com/runbot-ci/overseer/apis/orchestrator/v1"
	"github.com/runbot-ci/overseer/review"
)

// Blocker names, in evaluation order.
const (
	BlockerSuccess          = "success"
	BlockerInactive         = "inactive"
	BlockerCommand          = "command"
	BlockerPublishStatus    = "publish_status"
	BlockerBackoff          = "backoff"
	BlockerProposeRateLimit = "propose_rate_limit"
	BlockerChangeSet        = "change_set"
	BlockerPreviousMP       = "previous_mp"
)

// BlockerResult is one predicate's outcome, exposed verbatim over the
// /blockers/{id} diagnostics endpoint.
type BlockerResult struct {
	Result  bool                   `json:"result"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// Blockers maps blocker name to outcome. Publishing proceeds only when
// every predicate passes.
type Blockers map[string]BlockerResult

// AllPass reports whether no blocker failed.
func (b Blockers) AllPass() bool {
	return len(b.Failing()) == 0
}

// Failing returns the names of the blockers that failed, sorted.
func (b Blockers) Failing() []string {
	failing := sets.NewString()
	for name, r := range b {
		if !r.Result {
			failing.Insert(name)
		}
	}
	return failing.List()
}

// GetBlockers evaluates every publish predicate for run.
func (p *Publisher) GetBlockers(ctx context.Context, run *v1.Run) (Blockers, error) {
	cfg := p.agent.Config()
	blockers := Blockers{}

	blockers[BlockerSuccess] = BlockerResult{
		Result:  run.ResultCode == v1.ResultSuccess,
		Details: map[string]interface{}{"result_code": run.ResultCode},
	}

	codebase, err := p.store.GetCodebase(ctx, run.Codebase)
	if err != nil {
		return nil, err
	}
	blockers[BlockerInactive] = BlockerResult{
		Result:  !codebase.Inactive,
		Details: map[string]interface{}{"inactive": codebase.Inactive},
	}

	candidate, err := p.store.GetCandidate(ctx, run.Codebase, run.Campaign)
	if err != nil {
		// Without a current candidate there is no configured command to
		// compare against; the run's command is considered stale.
		blockers[BlockerCommand] = BlockerResult{Result: false, Details: map[string]interface{}{"reason": "no current candidate"}}
	} else {
		blockers[BlockerCommand] = BlockerResult{
			Result: run.Command == candidate.Command,
			Details: map[string]interface{}{
				"run_command":    run.Command,
				"policy_command": candidate.Command,
			},
		}
	}

	campaign := cfg.CampaignsByName()[run.Campaign]
	if campaign.RequireReview {
		status := run.PublishStatus
		if status == v1.PublishUnknown {
			// No explicit decision recorded on the run yet; fold the
			// individual reviewer verdicts into one.
			reviews, err := p.store.ListReviews(ctx, run.ID)
			if err != nil {
				return nil, err
			}
			status = review.Aggregate(reviews, campaign.RequireReview)
		}
		blockers[BlockerPublishStatus] = BlockerResult{
			Result:  status == v1.PublishApproved,
			Details: map[string]interface{}{"publish_status": status},
		}
	} else {
		blockers[BlockerPublishStatus] = BlockerResult{Result: true}
	}

	attempts, err := p.store.AttemptCount(ctx, run.ID)
	if err != nil {
		return nil, err
	}
	nextTry := CalculateNextTryTime(run.FinishTime, attempts, cfg.Publisher.BackoffCap, cfg.Publisher.BackoffBase)
	blockers[BlockerBackoff] = BlockerResult{
		Result: !p.now().Before(nextTry),
		Details: map[string]interface{}{
			"attempt_count": attempts,
			"next_try_time": nextTry.Format(time.RFC3339),
		},
	}

	bucket := p.bucketFor(run)
	blockers[BlockerProposeRateLimit] = BlockerResult{
		Result:  p.buckets.CheckAllowed(bucket),
		Details: map[string]interface{}{"bucket": bucket},
	}

	if run.ChangeSet != nil {
		state, err := p.store.ChangeSetState(ctx, *run.ChangeSet)
		if err != nil {
			return nil, err
		}
		blockers[BlockerChangeSet] = BlockerResult{
			Result:  state == v1.ChangeSetPublishing || state == v1.ChangeSetReady,
			Details: map[string]interface{}{"state": state},
		}
	} else {
		blockers[BlockerChangeSet] = BlockerResult{Result: true}
	}

	prevStatus, found, err := p.store.PreviousMergeProposalStatus(ctx, run.Codebase, run.Campaign)
	if err != nil {
		return nil, err
	}
	blocked := found && (prevStatus == v1.MPRejected || prevStatus == v1.MPClosed)
	details := map[string]interface{}{}
	if found {
		details["previous_status"] = prevStatus
	}
	blockers[BlockerPreviousMP] = BlockerResult{Result: !blocked, Details: details}

	return blockers, nil
}
