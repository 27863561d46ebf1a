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

package backchannel

import "context"

// None is the backchannel for assignments where the worker will never be
// reachable (synchronous local runs): ping always succeeds, there is
// nothing to kill or terminate.
type None struct{}

// NewNone returns a None backchannel.
func NewNone() *None { return &None{} }

// Ping always succeeds.
func (n *None) Ping(ctx context.Context, expectedLogID string) error { return nil }

// GetHealthStatus reports a synthetic "running" status; a None backchannel
// has no independent liveness signal to report.
func (n *None) GetHealthStatus(ctx context.Context) (*HealthStatus, error) {
	return &HealthStatus{Alive: true, Status: StatusRunning}, nil
}

// ListLogFiles always returns no files; logs for a None-backed run are
// collected directly by the ingestor instead.
func (n *None) ListLogFiles(ctx context.Context) ([]string, error) { return nil, nil }

// GetLogFile always returns NotFoundError.
func (n *None) GetLogFile(ctx context.Context, name string) ([]byte, error) {
	return nil, &NotFoundError{What: "log file " + name}
}

// Kill is a no-op.
func (n *None) Kill(ctx context.Context) error { return nil }

// Terminate is a no-op.
func (n *None) Terminate(ctx context.Context) error { return nil }
