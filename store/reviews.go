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

// RecordReview upserts one reviewer's verdict on a run, keyed by
// (run_id, reviewer).
func (s *Store) RecordReview(ctx context.Context, r *v1.Review) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO review (run_id, reviewer, reviewed_at, verdict, comment)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (run_id, reviewer) DO UPDATE SET
			reviewed_at = EXCLUDED.reviewed_at, verdict = EXCLUDED.verdict, comment = EXCLUDED.comment
	`, r.RunID, r.Reviewer, r.ReviewedAt, r.Verdict, r.Comment)
	return err
}

// ListReviews returns every verdict recorded against runID.
func (s *Store) ListReviews(ctx context.Context, runID string) ([]v1.Review, error) {
	rows, err := s.pool.Query(ctx, `SELECT run_id, reviewer, reviewed_at, verdict, comment FROM review WHERE run_id = $1`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []v1.Review
	for rows.Next() {
		var r v1.Review
		if err := rows.Scan(&r.RunID, &r.Reviewer, &r.ReviewedAt, &r.Verdict, &r.Comment); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ChangeSetState returns the current state of a change set.
func (s *Store) ChangeSetState(ctx context.Context, id string) (v1.ChangeSetState, error) {
	var state v1.ChangeSetState
	err := s.pool.QueryRow(ctx, `SELECT state FROM change_set WHERE id = $1`, id).Scan(&state)
	return state, err
}

// PriorRunStats summarizes prior runs of (codebase, campaign) for the
// Scheduler's success-probability estimate.
type PriorRunStats struct {
	Total           int
	Successes       int
	SharedContext   bool
	MeanDurationSec float64
	HaveDuration    bool
}

// PriorRuns returns every prior run of (codebase, campaign), oldest
// first, for the scheduler's success-probability estimate. Stale
// transient worker failures are filtered by the caller.
func (s *Store) PriorRuns(ctx context.Context, codebase, campaign string) ([]v1.Run, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, codebase, suite, change_set, command, instigated_context, context, result_code, description,
		       start_time, finish_time, main_branch_revision, revision, result, result_branches, result_tags,
		       failure_details, failure_stage, failure_transient, publish_status, resume_from, value, refreshed, builder_result, remotes, worker_result
		FROM run WHERE codebase = $1 AND suite = $2 ORDER BY finish_time ASC`, codebase, campaign)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []v1.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// MeanDurationCodebaseCampaign, MeanDurationCodebase and MeanDurationCampaign
// implement the Scheduler's estimated_duration fallback chain.
func (s *Store) MeanDurationCodebaseCampaign(ctx context.Context, codebase, campaign string) (float64, bool, error) {
	return s.meanDuration(ctx, `codebase = $1 AND suite = $2`, codebase, campaign)
}

func (s *Store) MeanDurationCodebase(ctx context.Context, codebase string) (float64, bool, error) {
	return s.meanDuration(ctx, `codebase = $1`, codebase)
}

func (s *Store) MeanDurationCampaign(ctx context.Context, campaign string) (float64, bool, error) {
	return s.meanDuration(ctx, `suite = $1`, campaign)
}

func (s *Store) meanDuration(ctx context.Context, where string, args ...interface{}) (float64, bool, error) {
	var mean *float64
	query := `SELECT avg(extract(epoch FROM finish_time - start_time)) FROM run WHERE ` + where + ` AND result_code = '` + v1.ResultSuccess + `'`
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&mean); err != nil {
		return 0, false, err
	}
	if mean == nil {
		return 0, false, nil
	}
	return *mean, true, nil
}

// GetCodebase fetches a codebase by name.
func (s *Store) GetCodebase(ctx context.Context, name string) (*v1.Codebase, error) {
	row := s.pool.QueryRow(ctx, `SELECT name, vcs, branch_url, url, subpath, value, inactive FROM codebase WHERE name = $1`, name)
	var c v1.Codebase
	if err := row.Scan(&c.Name, &c.Vcs, &c.BranchURL, &c.URL, &c.Subpath, &c.Value, &c.Inactive); err != nil {
		return nil, err
	}
	return &c, nil
}

// MaxCodebaseValue returns the highest codebase.value in the store, used to
// normalize individual codebase values in the offset formula.
func (s *Store) MaxCodebaseValue(ctx context.Context) (float64, error) {
	var max float64
	err := s.pool.QueryRow(ctx, `SELECT coalesce(max(value), 0) FROM codebase`).Scan(&max)
	return max, err
}
