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
	"time"

	jsonpatch "github.com/evanphx/json-patch"
	"github.com/jackc/pgx/v5"

	v1 "github.com/runbot-ci/overseer/apis/orchestrator/v1"
)

// GetActiveRun fetches the in-flight assignment for logID.
func (s *Store) GetActiveRun(ctx context.Context, logID string) (*v1.ActiveRun, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT log_id, queue_id, worker_name, worker_link, start_time, estimated_duration, backchannel, vcs_info, command, suite, change_set, codebase, instigated_context, resume_from, build_id, last_ping
		FROM active_run WHERE log_id = $1`, logID)
	var a v1.ActiveRun
	if err := row.Scan(&a.LogID, &a.QueueID, &a.WorkerName, &a.WorkerLink, &a.StartTime, &a.EstimatedDuration,
		&a.Backchannel, &a.VcsInfo, &a.Command, &a.Campaign, &a.ChangeSet, &a.Codebase, &a.InstigatedContext, &a.ResumeFrom, &a.BuildID, &a.LastPing); err != nil {
		if err == pgx.ErrNoRows {
			return nil, &NotFoundError{Kind: "active_run", Key: logID}
		}
		return nil, err
	}
	return &a, nil
}

// ListActiveRuns returns every in-flight assignment, for the supervisor's
// heartbeat loop and the read-only dashboard.
func (s *Store) ListActiveRuns(ctx context.Context) ([]v1.ActiveRun, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT log_id, queue_id, worker_name, worker_link, start_time, estimated_duration, backchannel, vcs_info, command, suite, change_set, codebase, instigated_context, resume_from, build_id, last_ping
		FROM active_run`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []v1.ActiveRun
	for rows.Next() {
		var a v1.ActiveRun
		if err := rows.Scan(&a.LogID, &a.QueueID, &a.WorkerName, &a.WorkerLink, &a.StartTime, &a.EstimatedDuration,
			&a.Backchannel, &a.VcsInfo, &a.Command, &a.Campaign, &a.ChangeSet, &a.Codebase, &a.InstigatedContext, &a.ResumeFrom, &a.BuildID, &a.LastPing); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// DeleteActiveRun removes an in-flight assignment, e.g. on kill.
func (s *Store) DeleteActiveRun(ctx context.Context, logID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM active_run WHERE log_id = $1`, logID)
	return err
}

// FinishActiveRun promotes an ActiveRun into a terminal Run, deleting the
// ActiveRun row in the same transaction. If the ActiveRun
// is already gone but a Run with this id exists, the call is treated as an
// idempotent re-upload: the existing Run row is returned unmodified so the
// caller can merge in any new files without overwriting recorded results.
func (s *Store) FinishActiveRun(ctx context.Context, logID string, run *v1.Run) (*v1.Run, bool, error) {
	var resultRun *v1.Run
	var created bool
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT true FROM active_run WHERE log_id = $1 FOR UPDATE`, logID).Scan(&exists); err != nil {
			if err != pgx.ErrNoRows {
				return err
			}
		}
		if !exists {
			existing, gerr := s.getRunTx(ctx, tx, logID)
			if gerr != nil {
				return gerr
			}
			resultRun = existing
			created = false
			return nil
		}

		run.ID = logID
		if run.FinishTime.IsZero() {
			run.FinishTime = now()
		}
		branches, _ := json.Marshal(run.ResultBranches)
		tags, _ := json.Marshal(run.ResultTags)
		if _, err := tx.Exec(ctx, `
			INSERT INTO run (id, codebase, suite, change_set, command, instigated_context, context, result_code, description,
			                  start_time, finish_time, main_branch_revision, revision, result, result_branches, result_tags,
			                  failure_details, failure_stage, failure_transient, publish_status, resume_from, value, refreshed, builder_result, remotes, worker_result)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26)
		`, run.ID, run.Codebase, run.Campaign, run.ChangeSet, run.Command, run.InstigatedContext, run.Context, run.ResultCode, run.Description,
			run.StartTime, run.FinishTime, run.MainBranchRevision, run.Revision, run.Result, branches, tags,
			run.FailureDetails, run.FailureStage, run.FailureTransient, run.PublishStatus, run.ResumeFrom, run.Value, run.Refreshed, run.BuilderResult, run.Remotes, run.WorkerResult); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `DELETE FROM active_run WHERE log_id = $1`, logID); err != nil {
			return err
		}
		resultRun = run
		created = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return resultRun, created, nil
}

func (s *Store) getRunTx(ctx context.Context, tx pgx.Tx, id string) (*v1.Run, error) {
	row := tx.QueryRow(ctx, `
		SELECT id, codebase, suite, change_set, command, instigated_context, context, result_code, description,
		       start_time, finish_time, main_branch_revision, revision, result, result_branches, result_tags,
		       failure_details, failure_stage, failure_transient, publish_status, resume_from, value, refreshed, builder_result, remotes, worker_result
		FROM run WHERE id = $1`, id)
	return scanRun(row)
}

// GetRun fetches a historical run by id.
func (s *Store) GetRun(ctx context.Context, id string) (*v1.Run, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, codebase, suite, change_set, command, instigated_context, context, result_code, description,
		       start_time, finish_time, main_branch_revision, revision, result, result_branches, result_tags,
		       failure_details, failure_stage, failure_transient, publish_status, resume_from, value, refreshed, builder_result, remotes, worker_result
		FROM run WHERE id = $1`, id)
	run, err := scanRun(row)
	if err == pgx.ErrNoRows {
		return nil, &NotFoundError{Kind: "run", Key: id}
	}
	return run, err
}

func scanRun(row pgx.Row) (*v1.Run, error) {
	var r v1.Run
	var branches, tags []byte
	if err := row.Scan(&r.ID, &r.Codebase, &r.Campaign, &r.ChangeSet, &r.Command, &r.InstigatedContext, &r.Context, &r.ResultCode, &r.Description,
		&r.StartTime, &r.FinishTime, &r.MainBranchRevision, &r.Revision, &r.Result, &branches, &tags,
		&r.FailureDetails, &r.FailureStage, &r.FailureTransient, &r.PublishStatus, &r.ResumeFrom, &r.Value, &r.Refreshed, &r.BuilderResult, &r.Remotes, &r.WorkerResult); err != nil {
		return nil, err
	}
	if len(branches) > 0 {
		_ = json.Unmarshal(branches, &r.ResultBranches)
	}
	if len(tags) > 0 {
		_ = json.Unmarshal(tags, &r.ResultTags)
	}
	return &r, nil
}

// UpdatePublishStatus applies a JSON merge patch to a run's mutable fields
// (currently publish_status), mirroring the runner's POST /runs/{id}
// endpoint used by the publisher to record review outcomes.
func (s *Store) UpdatePublishStatus(ctx context.Context, id string, patch []byte) (*v1.Run, error) {
	var result *v1.Run
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		existing, err := s.getRunTx(ctx, tx, id)
		if err != nil {
			if err == pgx.ErrNoRows {
				return &NotFoundError{Kind: "run", Key: id}
			}
			return err
		}
		current, err := json.Marshal(existing)
		if err != nil {
			return err
		}
		merged, err := jsonpatch.MergePatch(current, patch)
		if err != nil {
			return err
		}
		var updated v1.Run
		if err := json.Unmarshal(merged, &updated); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `UPDATE run SET publish_status = $1 WHERE id = $2`, updated.PublishStatus, id); err != nil {
			return err
		}
		result = &updated
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// TouchActiveRun records a successful liveness ping, so staleness
// reclamation never reaps a worker that is still answering.
func (s *Store) TouchActiveRun(ctx context.Context, logID string, t time.Time) error {
	_, err := s.pool.Exec(ctx, `UPDATE active_run SET last_ping = $1 WHERE log_id = $2`, t, logID)
	return err
}

// ReclaimStaleActiveRuns finishes every ActiveRun whose last ping predates
// the cutoff with result_code=worker-failure. Called once at process
// startup and by the reaper's periodic sweep. Runs that have never been
// pinged fall back to their start time.
func (s *Store) ReclaimStaleActiveRuns(ctx context.Context, cutoff time.Time) ([]v1.Run, error) {
	active, err := s.ListActiveRuns(ctx)
	if err != nil {
		return nil, err
	}
	var reclaimed []v1.Run
	for _, a := range active {
		lastSeen := a.LastPing
		if lastSeen.IsZero() {
			lastSeen = a.StartTime
		}
		if lastSeen.After(cutoff) {
			continue
		}
		run := &v1.Run{
			Codebase:          a.Codebase,
			Campaign:          a.Campaign,
			ChangeSet:         a.ChangeSet,
			Command:           a.Command,
			InstigatedContext: a.InstigatedContext,
			ResultCode:        v1.ResultWorkerFailure,
			Description:       "worker did not respond before stale threshold",
			StartTime:         a.StartTime,
			FinishTime:        now(),
			FailureTransient:  true,
			PublishStatus:     v1.PublishUnknown,
			ResumeFrom:        a.ResumeFrom,
		}
		finished, _, err := s.FinishActiveRun(ctx, a.LogID, run)
		if err != nil {
			return reclaimed, err
		}
		reclaimed = append(reclaimed, *finished)
	}
	return reclaimed, nil
}
