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
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ForgeLimiter maps a forge hostname to a future timestamp before which no
// requests may be made, populated by observed HTTP 429/503 Retry-After
// responses. It also hands out a steady per-host token bucket so well
// behaved traffic self-throttles before ever hitting a Retry-After.
type ForgeLimiter struct {
	mu           sync.RWMutex
	retryAfter   map[string]time.Time
	buckets      map[string]*rate.Limiter
	defaultQPS   rate.Limit
	defaultBurst int
}

// NewForgeLimiter returns a limiter whose per-host token buckets default to
// qps requests per second with the given burst.
func NewForgeLimiter(qps float64, burst int) *ForgeLimiter {
	return &ForgeLimiter{
		retryAfter:   map[string]time.Time{},
		buckets:      map[string]*rate.Limiter{},
		defaultQPS:   rate.Limit(qps),
		defaultBurst: burst,
	}
}

// MarkRetryAfter records that host must not be contacted again until t,
// per an observed HTTP 429/503 Retry-After header.
func (f *ForgeLimiter) MarkRetryAfter(host string, t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.retryAfter[host] = t
}

// Excluded reports whether host is currently rate-limited, lazily dropping
// expired entries.
func (f *ForgeLimiter) Excluded(host string) bool {
	f.mu.RLock()
	t, ok := f.retryAfter[host]
	f.mu.RUnlock()
	if !ok {
		return false
	}
	if time.Now().After(t) {
		f.mu.Lock()
		delete(f.retryAfter, host)
		f.mu.Unlock()
		return false
	}
	return true
}

// ExcludedHosts returns every host currently excluded, for the Assigner's
// exclude_hosts filter.
func (f *ForgeLimiter) ExcludedHosts() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	now := time.Now()
	var hosts []string
	for host, t := range f.retryAfter {
		if now.Before(t) {
			hosts = append(hosts, host)
		}
	}
	return hosts
}

// Allow consults (and consumes from) host's steady-state token bucket. It
// returns false without touching the bucket if host is under an active
// Retry-After embargo.
func (f *ForgeLimiter) Allow(host string) bool {
	if f.Excluded(host) {
		return false
	}
	f.mu.Lock()
	b, ok := f.buckets[host]
	if !ok {
		b = rate.NewLimiter(f.defaultQPS, f.defaultBurst)
		f.buckets[host] = b
	}
	f.mu.Unlock()
	return b.Allow()
}
