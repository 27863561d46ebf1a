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
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/satori/go.uuid"

	v1 "github.com/runbot-ci/overseer/apis/orchestrator/v1"
)

// AddQueueItem upserts q on the (codebase, campaign, coalesce(change_set, ”))
// uniqueness key, keeping whichever row has the lower priority (offset).
// This is the Scheduler's only write path into the queue.
func (s *Store) AddQueueItem(ctx context.Context, q *v1.QueueItem) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO queue (bucket, codebase, suite, command, priority, context, estimated_duration, refresh, requester, change_set)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
			ON CONFLICT (codebase, suite, coalesce(change_set, ''))
			DO UPDATE SET
				priority = LEAST(queue.priority, EXCLUDED.priority),
				bucket = CASE WHEN EXCLUDED.priority < queue.priority THEN EXCLUDED.bucket ELSE queue.bucket END,
				command = CASE WHEN EXCLUDED.priority < queue.priority THEN EXCLUDED.command ELSE queue.command END,
				context = CASE WHEN EXCLUDED.priority < queue.priority THEN EXCLUDED.context ELSE queue.context END,
				estimated_duration = CASE WHEN EXCLUDED.priority < queue.priority THEN EXCLUDED.estimated_duration ELSE queue.estimated_duration END,
				refresh = queue.refresh OR EXCLUDED.refresh
		`, q.Bucket, q.Codebase, q.Campaign, q.Command, q.Priority, q.Context, q.EstimatedDuration, q.Refresh, q.Requester, q.ChangeSet)
		return err
	})
}

// AssignFilters constrains which queue row Assign may hand out.
type AssignFilters struct {
	Codebase     string
	Campaign     string
	ExcludeHosts []string
	QueueIDsHeld []int64
}

// Assignment is returned to a worker that successfully receives work.
type Assignment struct {
	QueueItem   v1.QueueItem
	ActiveRun   v1.ActiveRun
	BuildConfig map[string]interface{}
	// Resume carries the parent run's branches and tags when this
	// assignment continues earlier work instead of starting over.
	Resume *ResumeInfo
}

// Assign atomically hands out the next eligible queue item to worker,
// materializing an ActiveRun and deleting the queue row, all within one
// transaction using SELECT ... FOR UPDATE SKIP LOCKED so that two
// concurrent pollers never receive the same row.
func (s *Store) Assign(ctx context.Context, workerName, workerLink string, backchannel v1.Backchannel, filters AssignFilters, buildConfigOf func(campaign string) map[string]interface{}) (*Assignment, error) {
	var result *Assignment
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		args := []interface{}{}
		query := `
			SELECT q.id, q.bucket, q.codebase, q.suite, q.command, q.priority, q.context, q.estimated_duration, q.refresh, q.requester, q.change_set,
			       c.vcs, c.branch_url, c.url, c.subpath
			FROM queue q
			LEFT JOIN codebase c ON c.name = q.codebase
			WHERE 1=1`
		if filters.Codebase != "" {
			args = append(args, filters.Codebase)
			query += " AND q.codebase = $" + itoa(len(args))
		}
		if filters.Campaign != "" {
			args = append(args, filters.Campaign)
			query += " AND q.suite = $" + itoa(len(args))
		}
		if len(filters.QueueIDsHeld) > 0 {
			args = append(args, filters.QueueIDsHeld)
			query += " AND q.id != ALL($" + itoa(len(args)) + ")"
		}
		query += " ORDER BY bucket_order(q.bucket) ASC, q.priority ASC, q.id ASC LIMIT 1 FOR UPDATE OF q SKIP LOCKED"

		row := tx.QueryRow(ctx, query, args...)
		var item v1.QueueItem
		var vcs, branchURL, url, subpath *string
		if err := row.Scan(&item.ID, &item.Bucket, &item.Codebase, &item.Campaign, &item.Command, &item.Priority,
			&item.Context, &item.EstimatedDuration, &item.Refresh, &item.Requester, &item.ChangeSet,
			&vcs, &branchURL, &url, &subpath); err != nil {
			if err == pgx.ErrNoRows {
				return &QueueEmptyError{}
			}
			return err
		}

		logID := uuid.NewV4().String()
		vcsInfo := v1.VcsInfo{Origin: derefStr(branchURL)}
		if vcs != nil {
			vcsInfo.Vcs = v1.VcsKind(*vcs)
		}
		if subpath != nil {
			vcsInfo.Subpath = *subpath
		}

		active := v1.ActiveRun{
			LogID:             logID,
			QueueID:           item.ID,
			WorkerName:        workerName,
			WorkerLink:        workerLink,
			StartTime:         now(),
			EstimatedDuration: item.EstimatedDuration,
			Backchannel:       backchannel,
			VcsInfo:           vcsInfo,
			Command:           item.Command,
			Campaign:          item.Campaign,
			ChangeSet:         item.ChangeSet,
			Codebase:          item.Codebase,
			InstigatedContext: item.Context,
			LastPing:          now(),
		}

		resume, err := s.resumeCandidateTx(ctx, tx, &item)
		if err != nil {
			return err
		}
		if resume != nil {
			active.ResumeFrom = &resume.RunID
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO active_run (log_id, queue_id, worker_name, worker_link, start_time, estimated_duration, backchannel, vcs_info, command, suite, change_set, codebase, instigated_context, resume_from, last_ping)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
		`, active.LogID, active.QueueID, active.WorkerName, active.WorkerLink, active.StartTime, active.EstimatedDuration,
			active.Backchannel, active.VcsInfo, active.Command, active.Campaign, active.ChangeSet, active.Codebase, active.InstigatedContext,
			active.ResumeFrom, active.LastPing); err != nil {
			return err
		}

		if _, err := tx.Exec(ctx, `DELETE FROM queue WHERE id = $1`, item.ID); err != nil {
			return err
		}

		var buildConfig map[string]interface{}
		if buildConfigOf != nil {
			buildConfig = buildConfigOf(item.Campaign)
		}
		result = &Assignment{QueueItem: item, ActiveRun: active, BuildConfig: buildConfig, Resume: resume}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func itoa(n int) string {
	if n < 10 {
		return string(rune('0' + n))
	}
	return string(rune('0'+n/10)) + string(rune('0'+n%10))
}

func derefStr(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

var now = func() time.Time { return time.Now().UTC() }
