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

	v1 "github.com/runbot-ci/overseer/apis/orchestrator/v1"
)

// RecordPublish inserts a historical publish attempt row.
func (s *Store) RecordPublish(ctx context.Context, p *v1.Publish) error {
	return s.pool.QueryRow(ctx, `
		INSERT INTO publish (run_id, branch_name, revision, mode, result_code, merge_proposal_url, timestamp, transient)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8) RETURNING id
	`, p.RunID, p.BranchName, p.Revision, p.Mode, p.ResultCode, p.MergeProposalURL, p.Timestamp, p.Transient).Scan(&p.ID)
}

// AlreadyPublished reports whether a (run_id, branch_name, revision) has a
// publish row with result_code=success.
func (s *Store) AlreadyPublished(ctx context.Context, runID, branchName, revision string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT true FROM publish
		WHERE run_id = $1 AND branch_name = $2 AND revision = $3 AND result_code = $4 LIMIT 1
	`, runID, branchName, revision, v1.ResultSuccess).Scan(&exists)
	if err != nil {
		return false, nil
	}
	return exists, nil
}

// AttemptCount returns the number of non-transient prior publish attempts
// for runID, used by calculate_next_try_time.
func (s *Store) AttemptCount(ctx context.Context, runID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM publish WHERE run_id = $1 AND NOT transient`, runID).Scan(&n)
	return n, err
}

// PublishReadyRun is one row yielded by PublishReadyIterator: a run plus
// the subset of its result_branches that have not yet been published.
type PublishReadyRun struct {
	Run                 v1.Run
	UnpublishedBranches []v1.ResultBranch
}

// PublishReadyRuns implements PublishReadyIterator: runs where
// result_code=success, suite is set, and at least one result branch has
// no successful publish row for (run_id, branch name, branch revision).
func (s *Store) PublishReadyRuns(ctx context.Context, limit int) ([]PublishReadyRun, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, codebase, suite, change_set, command, instigated_context, context, result_code, description,
		       start_time, finish_time, main_branch_revision, revision, result, result_branches, result_tags,
		       failure_details, failure_stage, failure_transient, publish_status, resume_from, value, refreshed, builder_result, remotes, worker_result
		FROM run
		WHERE result_code = $1 AND suite IS NOT NULL AND jsonb_array_length(coalesce(result_branches, '[]'::jsonb)) > 0
		ORDER BY id, start_time DESC
		LIMIT $2`, v1.ResultSuccess, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PublishReadyRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		var unpublished []v1.ResultBranch
		for _, b := range r.ResultBranches {
			published, err := s.AlreadyPublished(ctx, r.ID, b.RemoteName, b.NewRevision)
			if err != nil {
				return nil, err
			}
			if !published {
				unpublished = append(unpublished, b)
			}
		}
		if len(unpublished) > 0 {
			out = append(out, PublishReadyRun{Run: *r, UnpublishedBranches: unpublished})
		}
	}
	return out, rows.Err()
}
