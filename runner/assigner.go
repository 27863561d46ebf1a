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

// Package runner atomically assigns queued work to polling workers,
// supervises their liveness through the backchannel protocol, and ingests
// their completion uploads.
package runner

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/sirupsen/logrus"

	v1 "github.com/runbot-ci/overseer/apis/orchestrator/v1"
	"github.com/runbot-ci/overseer/backchannel"
	"github.com/runbot-ci/overseer/store"
)

// Store is the subset of store.Store the runner package depends on.
type Store interface {
	Assign(ctx context.Context, workerName, workerLink string, backchannel v1.Backchannel, filters store.AssignFilters, buildConfigOf func(campaign string) map[string]interface{}) (*store.Assignment, error)
	DeleteActiveRun(ctx context.Context, logID string) error
	GetActiveRun(ctx context.Context, logID string) (*v1.ActiveRun, error)
	ListActiveRuns(ctx context.Context) ([]v1.ActiveRun, error)
	FinishActiveRun(ctx context.Context, logID string, run *v1.Run) (*v1.Run, bool, error)
	GetRun(ctx context.Context, id string) (*v1.Run, error)
	TouchActiveRun(ctx context.Context, logID string, t time.Time) error
}

// AssignRequest is the worker's request body for POST /runner/active-runs.
type AssignRequest struct {
	Worker      string         `json:"worker"`
	WorkerLink  string         `json:"worker_link,omitempty"`
	Backchannel v1.Backchannel `json:"backchannel"`
	Codebase    string         `json:"codebase,omitempty"`
	Campaign    string         `json:"campaign,omitempty"`
}

// Assigner hands out queue items to polling workers.
type Assigner struct {
	store Store
	node  *snowflake.Node

	buildConfigOf func(campaign string) map[string]interface{}
	logger        *logrus.Entry
}

// New returns an Assigner. nodeID distinguishes build-id sequences when
// multiple runner processes are deployed; buildConfigOf resolves the opaque
// per-campaign build configuration passed through to workers.
func New(s Store, nodeID int64, buildConfigOf func(campaign string) map[string]interface{}) (*Assigner, error) {
	node, err := snowflake.NewNode(nodeID)
	if err != nil {
		return nil, err
	}
	return &Assigner{
		store:         s,
		node:          node,
		buildConfigOf: buildConfigOf,
		logger:        logrus.WithField("component", "assigner"),
	}, nil
}

// Assign implements the Assigner contract: a single
// transaction that locks, mints a log_id, materializes the ActiveRun, and
// deletes the queue row. Returns *store.QueueEmptyError when nothing
// matches.
func (a *Assigner) Assign(ctx context.Context, req AssignRequest) (*store.Assignment, error) {
	assignment, err := a.store.Assign(ctx, req.Worker, req.WorkerLink, req.Backchannel, store.AssignFilters{
		Codebase: req.Codebase,
		Campaign: req.Campaign,
	}, a.buildConfigOf)
	if err != nil {
		return nil, err
	}
	assignment.ActiveRun.BuildID = a.node.Generate().String()
	a.logger.WithFields(logrus.Fields{
		"log_id":   assignment.ActiveRun.LogID,
		"worker":   req.Worker,
		"codebase": assignment.QueueItem.Codebase,
		"campaign": assignment.QueueItem.Campaign,
	}).Info("assigned queue item")
	return assignment, nil
}

// Kill aborts an in-flight active run by asking the backchannel to
// terminate (falling back to kill) and removing the ActiveRun row; callers
// that want a Run record for the abort should do so via the supervisor's
// fatal-failure path instead, which preserves history.
func (a *Assigner) Kill(ctx context.Context, logID string) error {
	active, err := a.store.GetActiveRun(ctx, logID)
	if err != nil {
		return err
	}
	if bc, err := backchannel.FromRecord(active.Backchannel, nil); err == nil {
		if err := bc.Terminate(ctx); err != nil {
			a.logger.WithError(err).WithField("log_id", logID).Warning("error terminating worker")
		}
	}
	return a.store.DeleteActiveRun(ctx, logID)
}
