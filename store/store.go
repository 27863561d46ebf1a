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

// Package store is the sole owner of persistent state: candidates, the
// queue, active runs, historical runs, merge proposals, publish records and
// review verdicts. All cross-component invariants are enforced here through
// transactions and row locks rather than in calling code.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"
)

const (
	maxRetries = 8
	retryDelay = 250 * time.Millisecond
)

// NotFoundError is returned when a row addressed by a caller-supplied key
// does not exist.
type NotFoundError struct {
	Kind string
	Key  string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.Key)
}

// ConflictError is returned when a write loses a uniqueness or
// read-then-write race with another writer.
type ConflictError struct {
	Kind string
	Key  string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s %q conflicts with an existing row", e.Kind, e.Key)
}

// QueueEmptyError is returned by Assign when no queue row satisfies the
// caller's filters.
type QueueEmptyError struct{}

func (e *QueueEmptyError) Error() string { return "queue empty" }

// Store wraps a pgx connection pool. All methods are safe for concurrent
// use; the pool itself manages connection lifetime and retries at the
// network level, so Store only retries application-visible serialization
// failures.
type Store struct {
	pool   *pgxpool.Pool
	logger *logrus.Entry
}

// New connects to the database at dsn and returns a ready Store.
func New(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to store: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging store: %w", err)
	}
	return &Store{pool: pool, logger: logrus.WithField("component", "store")}, nil
}

// Close releases all pooled connections.
func (s *Store) Close() {
	s.pool.Close()
}

// isRetryable reports whether err is a transient serialization or
// deadlock failure that a bare retry of the same transaction can resolve.
func isRetryable(err error) bool {
	var pgErr interface{ SQLState() string }
	if errors.As(err, &pgErr) {
		switch pgErr.SQLState() {
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return true
		}
	}
	return false
}

// withTx runs fn inside a transaction, retrying a bounded number of times
// on serialization failures with a linear backoff, matching the retry
// posture used elsewhere in this codebase for infra-level transients.
func (s *Store) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(attempt) * retryDelay)
		}
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("beginning transaction: %w", err)
		}
		if err := fn(tx); err != nil {
			_ = tx.Rollback(ctx)
			if isRetryable(err) {
				lastErr = err
				s.logger.WithError(err).WithField("attempt", attempt).Warning("retrying transaction")
				continue
			}
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			if isRetryable(err) {
				lastErr = err
				continue
			}
			return fmt.Errorf("committing transaction: %w", err)
		}
		return nil
	}
	return fmt.Errorf("transaction did not succeed after %d attempts: %w", maxRetries, lastErr)
}
