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

package runner

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	v1 "github.com/runbot-ci/overseer/apis/orchestrator/v1"
	"github.com/runbot-ci/overseer/backchannel"
	"github.com/runbot-ci/overseer/bus"
)

const maxSyncRoutines = 20

// Supervisor polls every active run's backchannel on a fixed interval
// under a bounded goroutine pool, finishing runs whose worker has gone
// fatally unreachable.
type Supervisor struct {
	store          Store
	newBackchannel func(v1.Backchannel) (backchannel.Backchannel, error)
	bus            bus.Publisher
	heartbeat      time.Duration
	pingRetries    int
	pingBackoff    time.Duration
	logger         *logrus.Entry

	finish func(ctx context.Context, logID string, run *v1.Run) error
}

// NewSupervisor returns a Supervisor. finish is called to promote a dead
// active run into a terminal Run (typically Store.FinishActiveRun).
func NewSupervisor(s Store, b bus.Publisher, heartbeat time.Duration, pingRetries int, finish func(ctx context.Context, logID string, run *v1.Run) error) *Supervisor {
	return &Supervisor{
		store:          s,
		newBackchannel: func(b v1.Backchannel) (backchannel.Backchannel, error) { return backchannel.FromRecord(b, nil) },
		bus:            b,
		heartbeat:      heartbeat,
		pingRetries:    pingRetries,
		pingBackoff:    time.Second,
		logger:         logrus.WithField("component", "supervisor"),
		finish:         finish,
	}
}

// Run blocks, polling every active run once per heartbeat interval, until
// ctx is canceled.
func (s *Supervisor) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.sync(ctx); err != nil {
				s.logger.WithError(err).Error("error syncing active runs")
			}
		}
	}
}

func (s *Supervisor) sync(ctx context.Context) error {
	runs, err := s.store.ListActiveRuns(ctx)
	if err != nil {
		return err
	}
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(maxSyncRoutines)
	for _, run := range runs {
		run := run
		g.Go(func() error {
			s.pingOne(ctx, run)
			return nil
		})
	}
	return g.Wait()
}

func (s *Supervisor) pingOne(ctx context.Context, run v1.ActiveRun) {
	bc, err := s.newBackchannel(run.Backchannel)
	if err != nil {
		s.logger.WithError(err).WithField("log_id", run.LogID).Error("cannot reconstruct backchannel")
		return
	}

	var lastErr error
	for attempt := 0; attempt <= s.pingRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(math.Pow(2, float64(attempt))) * s.pingBackoff
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
		}
		err := bc.Ping(ctx, run.LogID)
		if err == nil {
			if terr := s.store.TouchActiveRun(ctx, run.LogID, time.Now().UTC()); terr != nil {
				s.logger.WithError(terr).WithField("log_id", run.LogID).Warning("error recording ping")
			}
			return
		}
		var fatal *backchannel.FatalFailureError
		var notFound *backchannel.NotFoundError
		if errors.As(err, &fatal) || errors.As(err, &notFound) {
			s.abort(ctx, run, err)
			return
		}
		lastErr = err
	}
	s.logger.WithError(lastErr).WithField("log_id", run.LogID).Warning("worker declared dead after exhausting retries")
	s.abort(ctx, run, lastErr)
}

func (s *Supervisor) abort(ctx context.Context, run v1.ActiveRun, cause error) {
	failRun := &v1.Run{
		Codebase:          run.Codebase,
		Campaign:          run.Campaign,
		ChangeSet:         run.ChangeSet,
		Command:           run.Command,
		InstigatedContext: run.InstigatedContext,
		ResultCode:        v1.ResultWorkerFailure,
		Description:       cause.Error(),
		StartTime:         run.StartTime,
		FinishTime:        time.Now().UTC(),
		FailureTransient:  true,
		PublishStatus:     v1.PublishUnknown,
		ResumeFrom:        run.ResumeFrom,
	}
	if err := s.finish(ctx, run.LogID, failRun); err != nil {
		s.logger.WithError(err).WithField("log_id", run.LogID).Error("error finishing dead active run")
		return
	}
	if s.bus != nil {
		s.bus.Publish(ctx, bus.TopicRunFinished, bus.RunFinishedEvent{
			RunID: run.LogID, Campaign: run.Campaign, Codebase: run.Codebase, ResultCode: v1.ResultWorkerFailure,
		})
	}
}
