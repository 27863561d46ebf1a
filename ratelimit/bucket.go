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

// Package ratelimit implements the two orthogonal admission-control
// structures the Publisher and Reconciler share: a per-bucket open-proposal
// counter and a per-forge retry-after tracker.
package ratelimit

import (
	"sync"

	v1 "github.com/runbot-ci/overseer/apis/orchestrator/v1"
)

// BucketLimiter tracks, per named bucket, the count of currently-open merge
// proposals. It is process-wide shared state: construct one, seed it at
// startup from the store, and pass it by reference.
type BucketLimiter struct {
	mu      sync.Mutex
	maxOpen map[v1.Bucket]int
	open    map[v1.Bucket]int
}

// NewBucketLimiter builds a limiter with the given max-open configuration
// and starting counts (typically read from the store at startup).
func NewBucketLimiter(maxOpen, startingCounts map[v1.Bucket]int) *BucketLimiter {
	l := &BucketLimiter{
		maxOpen: make(map[v1.Bucket]int, len(maxOpen)),
		open:    make(map[v1.Bucket]int, len(startingCounts)),
	}
	for b, n := range maxOpen {
		l.maxOpen[b] = n
	}
	for b, n := range startingCounts {
		l.open[b] = n
	}
	return l
}

func (l *BucketLimiter) maxFor(bucket v1.Bucket) (int, bool) {
	if n, ok := l.maxOpen[bucket]; ok {
		return n, true
	}
	if n, ok := l.maxOpen[v1.BucketDefault]; ok {
		return n, true
	}
	return 0, false
}

// CheckAllowed reports whether bucket has capacity for one more open
// proposal.
func (l *BucketLimiter) CheckAllowed(bucket v1.Bucket) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	max, ok := l.maxFor(bucket)
	if !ok {
		return true
	}
	return l.open[bucket] < max
}

// Inc records a newly opened proposal in bucket.
func (l *BucketLimiter) Inc(bucket v1.Bucket) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.open[bucket]++
}

// Dec records a proposal leaving the open state in bucket.
func (l *BucketLimiter) Dec(bucket v1.Bucket) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.open[bucket] > 0 {
		l.open[bucket]--
	}
}

// GetMaxOpen returns the configured max-open for bucket, if any.
func (l *BucketLimiter) GetMaxOpen(bucket v1.Bucket) (int, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.maxFor(bucket)
}

// Stats is a point-in-time snapshot for the /rate-limits API.
type Stats struct {
	PerBucket map[v1.Bucket]int `json:"per_bucket"`
}

// GetStats returns the current open counts for every known bucket.
func (l *BucketLimiter) GetStats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := Stats{PerBucket: make(map[v1.Bucket]int, len(l.open))}
	for b, n := range l.open {
		out.PerBucket[b] = n
	}
	return out
}
