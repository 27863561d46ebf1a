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

package store

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"

	v1 "github.com/runbot-ci/overseer/apis/orchestrator/v1"
)

// ResumeInfo is the parent run's state handed to a worker so it can
// continue earlier work without re-copying artifacts.
type ResumeInfo struct {
	RunID    string            `json:"run_id"`
	Branches []v1.ResultBranch `json:"branches,omitempty"`
	Tags     []v1.ResultTag    `json:"tags,omitempty"`
	Result   json.RawMessage   `json:"result,omitempty"`
}

// CanResumeFrom reports whether a prior run's state is a usable resume
// base: it completed on its own terms and left branches behind. Failed
// and worker-failure runs are not resumed, they are retried from
// scratch.
func CanResumeFrom(r *v1.Run) bool {
	if r == nil {
		return false
	}
	switch r.ResultCode {
	case v1.ResultSuccess, v1.ResultNothingToDo, v1.ResultNothingNewToDo:
		return len(r.ResultBranches) > 0
	default:
		return false
	}
}

// resumeCandidateTx finds the newest prior run of the queue item's
// (codebase, campaign, change_set) that a worker can continue from.
// Items queued with refresh always start over.
func (s *Store) resumeCandidateTx(ctx context.Context, tx pgx.Tx, item *v1.QueueItem) (*ResumeInfo, error) {
	if item.Refresh {
		return nil, nil
	}
	row := tx.QueryRow(ctx, `
		SELECT id, codebase, suite, change_set, command, instigated_context, context, result_code, description,
		       start_time, finish_time, main_branch_revision, revision, result, result_branches, result_tags,
		       failure_details, failure_stage, failure_transient, publish_status, resume_from, value, refreshed, builder_result, remotes, worker_result
		FROM run
		WHERE codebase = $1 AND suite = $2 AND coalesce(change_set, '') = coalesce($3, '')
		ORDER BY finish_time DESC LIMIT 1`, item.Codebase, item.Campaign, item.ChangeSet)
	parent, err := scanRun(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !CanResumeFrom(parent) {
		return nil, nil
	}
	return &ResumeInfo{
		RunID:    parent.ID,
		Branches: parent.ResultBranches,
		Tags:     parent.ResultTags,
		Result:   parent.Result,
	}, nil
}
