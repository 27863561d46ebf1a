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

	"github.com/jackc/pgx/v5"

	v1 "github.com/runbot-ci/overseer/apis/orchestrator/v1"
)

// UpsertMergeProposal creates or updates a MergeProposal row, keyed by URL.
// Used by the Publisher on creation/update and by the Reconciler on status
// transitions.
func (s *Store) UpsertMergeProposal(ctx context.Context, mp *v1.MergeProposal) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO merge_proposal (url, codebase, status, target_branch_url, revision, bucket, created_time, last_checked)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (url) DO UPDATE SET
			status = EXCLUDED.status,
			revision = EXCLUDED.revision,
			last_checked = EXCLUDED.last_checked
	`, mp.URL, mp.Codebase, mp.Status, mp.TargetBranchURL, mp.Revision, mp.Bucket, mp.CreatedTime, mp.LastChecked)
	return err
}

// GetMergeProposal fetches a proposal by URL.
func (s *Store) GetMergeProposal(ctx context.Context, url string) (*v1.MergeProposal, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT url, codebase, status, target_branch_url, revision, bucket, created_time, last_checked
		FROM merge_proposal WHERE url = $1`, url)
	mp, err := scanMergeProposal(row)
	if err == pgx.ErrNoRows {
		return nil, &NotFoundError{Kind: "merge_proposal", Key: url}
	}
	return mp, err
}

// ListOpenMergeProposals returns every proposal currently in status=open,
// for the Reconciler's check_existing walk.
func (s *Store) ListOpenMergeProposals(ctx context.Context) ([]v1.MergeProposal, error) {
	return s.listMergeProposalsByStatus(ctx, v1.MPOpen)
}

func (s *Store) listMergeProposalsByStatus(ctx context.Context, status v1.MergeProposalStatus) ([]v1.MergeProposal, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT url, codebase, status, target_branch_url, revision, bucket, created_time, last_checked
		FROM merge_proposal WHERE status = $1`, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []v1.MergeProposal
	for rows.Next() {
		mp, err := scanMergeProposal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *mp)
	}
	return out, rows.Err()
}

// ListStragglerProposals returns open proposals older than cutoff, for
// check_stragglers.
func (s *Store) ListStragglerProposals(ctx context.Context, cutoff interface{}) ([]v1.MergeProposal, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT url, codebase, status, target_branch_url, revision, bucket, created_time, last_checked
		FROM merge_proposal WHERE status = $1 AND created_time < $2`, v1.MPOpen, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []v1.MergeProposal
	for rows.Next() {
		mp, err := scanMergeProposal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *mp)
	}
	return out, rows.Err()
}

// CountOpenByBucket returns the current per-bucket open-proposal counts,
// used to seed the in-memory BucketRateLimiter at startup.
func (s *Store) CountOpenByBucket(ctx context.Context) (map[v1.Bucket]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT bucket, count(*) FROM merge_proposal WHERE status = $1 GROUP BY bucket`, v1.MPOpen)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[v1.Bucket]int{}
	for rows.Next() {
		var b v1.Bucket
		var n int
		if err := rows.Scan(&b, &n); err != nil {
			return nil, err
		}
		out[b] = n
	}
	return out, rows.Err()
}

func scanMergeProposal(row pgx.Row) (*v1.MergeProposal, error) {
	var mp v1.MergeProposal
	if err := row.Scan(&mp.URL, &mp.Codebase, &mp.Status, &mp.TargetBranchURL, &mp.Revision, &mp.Bucket, &mp.CreatedTime, &mp.LastChecked); err != nil {
		return nil, err
	}
	return &mp, nil
}

// PreviousMergeProposalStatus returns the most recent rejected, closed or
// abandoned status of any prior merge proposal for the codebase, used by
// the "previous_mp" blocker. Proposals are matched by codebase only: the
// campaign argument does not filter them, so a proposal from any campaign
// of the codebase counts.
func (s *Store) PreviousMergeProposalStatus(ctx context.Context, codebase, campaign string) (v1.MergeProposalStatus, bool, error) {
	var status v1.MergeProposalStatus
	err := s.pool.QueryRow(ctx, `
		SELECT status FROM merge_proposal
		WHERE codebase = $1 AND status IN ($2,$3,$4)
		ORDER BY last_checked DESC LIMIT 1`, codebase, v1.MPRejected, v1.MPClosed, v1.MPAbandoned).Scan(&status)
	if err == pgx.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return status, true, nil
}
