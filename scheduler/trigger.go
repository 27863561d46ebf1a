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

package scheduler

import (
	"context"

	v1 "github.com/runbot-ci/overseer/apis/orchestrator/v1"
)

// ScheduleBulk schedules every candidate in cs under the default bucket,
// stopping at the first error so a caller can see how far the bulk
// operation got.
func (s *Scheduler) ScheduleBulk(ctx context.Context, cs []v1.Candidate, requester string) (int, error) {
	for i, c := range cs {
		if err := s.ScheduleCandidate(ctx, c, v1.BucketDefault, requester); err != nil {
			return i, err
		}
	}
	return len(cs), nil
}

// ScheduleControl schedules a single operator-requested run under the
// "control" bucket, which sorts ahead of ordinary work but behind manual
// and update-existing-mp requests.
func (s *Scheduler) ScheduleControl(ctx context.Context, c v1.Candidate, requester string) error {
	return s.ScheduleCandidate(ctx, c, v1.BucketControl, requester)
}

// ScheduleManual schedules an operator-requested run under the "manual"
// bucket.
func (s *Scheduler) ScheduleManual(ctx context.Context, c v1.Candidate, requester string) error {
	return s.ScheduleCandidate(ctx, c, v1.BucketManual, requester)
}

// ScheduleReschedule re-queues a previously run candidate (e.g. triggered by
// a webhook indicating new upstream commits) under the "reschedule" bucket.
func (s *Scheduler) ScheduleReschedule(ctx context.Context, c v1.Candidate, requester string) error {
	return s.ScheduleCandidate(ctx, c, v1.BucketReschedule, requester)
}
