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
	"fmt"

	"github.com/jackc/pgx/v5"

	v1 "github.com/runbot-ci/overseer/apis/orchestrator/v1"
)

// UpsertCandidate records (or refreshes) an eligibility row produced by
// the external discovery subsystem, keyed by (codebase, campaign,
// coalesce(change_set, ”)).
func (s *Store) UpsertCandidate(ctx context.Context, c *v1.Candidate) error {
	if c.Command == "" {
		return fmt.Errorf("candidate for %s/%s has no command", c.Codebase, c.Campaign)
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO candidate (codebase, suite, change_set, command, context, value, success_chance, publish_policy)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (codebase, suite, coalesce(change_set, ''))
		DO UPDATE SET
			command = EXCLUDED.command,
			context = EXCLUDED.context,
			value = EXCLUDED.value,
			success_chance = EXCLUDED.success_chance,
			publish_policy = EXCLUDED.publish_policy
	`, c.Codebase, c.Campaign, c.ChangeSet, c.Command, c.Context, c.Value, c.SuccessChance, c.PublishPolicy)
	return err
}

// GetCandidate returns the current candidate for (codebase, campaign); the
// publisher's "command" blocker compares a run's frozen command against
// this row's command.
func (s *Store) GetCandidate(ctx context.Context, codebase, campaign string) (*v1.Candidate, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT codebase, suite, change_set, command, context, value, success_chance, publish_policy
		FROM candidate WHERE codebase = $1 AND suite = $2
		ORDER BY change_set NULLS FIRST LIMIT 1`, codebase, campaign)
	c, err := scanCandidate(row)
	if err == pgx.ErrNoRows {
		return nil, &NotFoundError{Kind: "candidate", Key: codebase + "/" + campaign}
	}
	return c, err
}

// ListCandidates returns every candidate, optionally restricted to one
// campaign, in scheduling order for the scheduler's bulk pass.
func (s *Store) ListCandidates(ctx context.Context, campaign string) ([]v1.Candidate, error) {
	query := `SELECT codebase, suite, change_set, command, context, value, success_chance, publish_policy FROM candidate`
	args := []interface{}{}
	if campaign != "" {
		query += ` WHERE suite = $1`
		args = append(args, campaign)
	}
	query += ` ORDER BY value DESC`
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []v1.Candidate
	for rows.Next() {
		c, err := scanCandidate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func scanCandidate(row pgx.Row) (*v1.Candidate, error) {
	var c v1.Candidate
	if err := row.Scan(&c.Codebase, &c.Campaign, &c.ChangeSet, &c.Command, &c.Context, &c.Value, &c.SuccessChance, &c.PublishPolicy); err != nil {
		return nil, err
	}
	return &c, nil
}
