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

package ratelimit

import (
	"sort"
	"testing"
	"time"

	v1 "github.com/runbot-ci/overseer/apis/orchestrator/v1"
)

func TestBucketLimiterAdmission(t *testing.T) {
	l := NewBucketLimiter(
		map[v1.Bucket]int{v1.BucketDefault: 2, "campaign-x": 1},
		map[v1.Bucket]int{"campaign-x": 1},
	)

	if l.CheckAllowed("campaign-x") {
		t.Error("campaign-x is at capacity, should be denied")
	}
	if !l.CheckAllowed(v1.BucketDefault) {
		t.Error("default has capacity, should be allowed")
	}

	// Unknown buckets fall back to the default bucket's configuration.
	if !l.CheckAllowed("never-seen") {
		t.Error("unknown bucket under default max should be allowed")
	}
	l.Inc("never-seen")
	l.Inc("never-seen")
	if l.CheckAllowed("never-seen") {
		t.Error("unknown bucket at default max should be denied")
	}

	l.Dec("campaign-x")
	if !l.CheckAllowed("campaign-x") {
		t.Error("after Dec, campaign-x should be allowed again")
	}

	// Dec never goes negative.
	l.Dec("campaign-x")
	l.Dec("campaign-x")
	if got := l.GetStats().PerBucket["campaign-x"]; got != 0 {
		t.Errorf("expected open count 0, got %d", got)
	}
}

func TestBucketLimiterStatsSnapshot(t *testing.T) {
	l := NewBucketLimiter(map[v1.Bucket]int{v1.BucketDefault: 5}, map[v1.Bucket]int{"a": 1, "b": 2})
	stats := l.GetStats()
	stats.PerBucket["a"] = 99
	if got := l.GetStats().PerBucket["a"]; got != 1 {
		t.Errorf("stats must be a copy, mutation leaked: got %d", got)
	}
}

func TestForgeLimiterRetryAfter(t *testing.T) {
	f := NewForgeLimiter(100, 100)

	if f.Excluded("github.com") {
		t.Error("fresh limiter should exclude nothing")
	}
	f.MarkRetryAfter("github.com", time.Now().Add(time.Hour))
	if !f.Excluded("github.com") {
		t.Error("host under embargo should be excluded")
	}
	if f.Allow("github.com") {
		t.Error("Allow must refuse an embargoed host")
	}

	hosts := f.ExcludedHosts()
	sort.Strings(hosts)
	if len(hosts) != 1 || hosts[0] != "github.com" {
		t.Errorf("expected [github.com], got %v", hosts)
	}

	// Expired entries are lazily dropped.
	f.MarkRetryAfter("gitlab.com", time.Now().Add(-time.Second))
	if f.Excluded("gitlab.com") {
		t.Error("expired embargo should not exclude")
	}
	if !f.Allow("gitlab.com") {
		t.Error("Allow should pass once the embargo expired")
	}
}
