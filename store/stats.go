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

// QueueStats is the summary served at GET /queue.
type QueueStats struct {
	Total       int               `json:"total"`
	PerBucket   map[v1.Bucket]int `json:"per_bucket"`
	PerCampaign map[string]int    `json:"per_campaign"`
}

// GetQueueStats summarizes the current queue contents.
func (s *Store) GetQueueStats(ctx context.Context) (*QueueStats, error) {
	rows, err := s.pool.Query(ctx, `SELECT bucket, suite, count(*) FROM queue GROUP BY bucket, suite`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	stats := &QueueStats{PerBucket: map[v1.Bucket]int{}, PerCampaign: map[string]int{}}
	for rows.Next() {
		var bucket v1.Bucket
		var campaign string
		var n int
		if err := rows.Scan(&bucket, &campaign, &n); err != nil {
			return nil, err
		}
		stats.Total += n
		stats.PerBucket[bucket] += n
		stats.PerCampaign[campaign] += n
	}
	return stats, rows.Err()
}

// ListQueueItems returns the queue in dequeue order, for the read-only
// dashboard.
func (s *Store) ListQueueItems(ctx context.Context, limit int) ([]v1.QueueItem, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, bucket, codebase, suite, command, priority, context, estimated_duration, refresh, requester, change_set
		FROM queue ORDER BY bucket_order(bucket) ASC, priority ASC, id ASC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []v1.QueueItem
	for rows.Next() {
		var q v1.QueueItem
		if err := rows.Scan(&q.ID, &q.Bucket, &q.Codebase, &q.Campaign, &q.Command, &q.Priority,
			&q.Context, &q.EstimatedDuration, &q.Refresh, &q.Requester, &q.ChangeSet); err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	return out, rows.Err()
}
