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

// Package backchannel is the polymorphic liveness interface back to a
// worker or its hosting CI: HTTP polling, hosted-CI job queries, and a
// no-op variant for synchronous local runs.
package backchannel

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	v1 "github.com/runbot-ci/overseer/apis/orchestrator/v1"
)

// FatalFailureError means the worker reported a different log id (it was
// restarted and took another assignment) or its CI job is in a failure
// terminal state. The runner must abort the active run.
type FatalFailureError struct{ Reason string }

func (e *FatalFailureError) Error() string { return fmt.Sprintf("fatal failure: %s", e.Reason) }

// PingTimeoutError is a transient network error pinging the worker.
type PingTimeoutError struct{ Cause error }

func (e *PingTimeoutError) Error() string { return fmt.Sprintf("ping timeout: %v", e.Cause) }
func (e *PingTimeoutError) Unwrap() error { return e.Cause }

// WorkerUnreachableError is a transient network error reaching the worker.
type WorkerUnreachableError struct{ Cause error }

func (e *WorkerUnreachableError) Error() string {
	return fmt.Sprintf("worker unreachable: %v", e.Cause)
}
func (e *WorkerUnreachableError) Unwrap() error { return e.Cause }

// NotFoundError means the resource backing the assignment no longer exists
// (CI job disappeared, worker process gone); treated as fatal.
type NotFoundError struct{ What string }

func (e *NotFoundError) Error() string { return fmt.Sprintf("not found: %s", e.What) }

// HealthStatusKind enumerates the values get_health_status.Status may take.
type HealthStatusKind string

const (
	StatusRunning      HealthStatusKind = "running"
	StatusIdle         HealthStatusKind = "idle"
	StatusBuilding     HealthStatusKind = "building"
	StatusCompleted    HealthStatusKind = "completed"
	StatusFailed       HealthStatusKind = "failed"
	StatusAborted      HealthStatusKind = "aborted"
	StatusDifferentRun HealthStatusKind = "different-run"
	StatusUnreachable  HealthStatusKind = "unreachable"
	StatusNotFound     HealthStatusKind = "not-found"
)

// HealthStatus is the detailed worker health document.
type HealthStatus struct {
	Alive        bool             `json:"alive"`
	CurrentRunID string           `json:"current_run_id,omitempty"`
	Status       HealthStatusKind `json:"status"`
	LastPing     time.Time        `json:"last_ping"`
	Uptime       *time.Duration   `json:"uptime,omitempty"`
}

// Backchannel is the liveness/log contract implemented by each variant.
type Backchannel interface {
	// Ping succeeds iff the worker reports it is still processing
	// expectedLogID. See the error types above for failure modes.
	Ping(ctx context.Context, expectedLogID string) error
	GetHealthStatus(ctx context.Context) (*HealthStatus, error)
	ListLogFiles(ctx context.Context) ([]string, error)
	GetLogFile(ctx context.Context, name string) ([]byte, error)
	Kill(ctx context.Context) error
	Terminate(ctx context.Context) error
}

// FromRecord reconstructs the right Backchannel variant from a persisted
// v1.Backchannel descriptor, so the runner can resume supervising an active
// run after a restart.
func FromRecord(b v1.Backchannel, client HTTPDoer) (Backchannel, error) {
	switch b.Kind {
	case v1.BackchannelHTTP:
		return NewHTTP(b.URL, client), nil
	case v1.BackchannelHostedCI:
		var meta HostedCIMetadata
		if len(b.Metadata) > 0 {
			if err := json.Unmarshal(b.Metadata, &meta); err != nil {
				return nil, err
			}
		}
		return NewHostedCI(b.URL, meta, client), nil
	case v1.BackchannelNone:
		return NewNone(), nil
	default:
		return nil, fmt.Errorf("unknown backchannel kind %q", b.Kind)
	}
}
