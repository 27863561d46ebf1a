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

// Package forge queries upstream code hosts about the merge proposals the
// publisher created: their current state, revision, and the full set of
// proposals owned by the publish identity. Mutation (opening and updating
// proposals) happens in the subprocess publish worker, not here, so a
// compromised forge response can never corrupt the orchestrator.
package forge

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	v1 "github.com/runbot-ci/overseer/apis/orchestrator/v1"
)

// RetryAfterError reports that host asked us to back off until Until,
// via an HTTP 429 or a 503 with Retry-After. Callers must feed it into
// the ForgeLimiter and skip the target without recording a permanent
// failure.
type RetryAfterError struct {
	Host  string
	Until time.Time
}

func (e *RetryAfterError) Error() string {
	return fmt.Sprintf("%s rate limited until %s", e.Host, e.Until.Format(time.RFC3339))
}

// ProposalGoneError means the forge no longer knows the proposal URL; the
// reconciler transitions the stored row to abandoned.
type ProposalGoneError struct{ URL string }

func (e *ProposalGoneError) Error() string { return fmt.Sprintf("proposal %s is gone", e.URL) }

// ServerError is a forge-side 5xx; transient, the caller skips and retains
// the stored row.
type ServerError struct {
	Host       string
	StatusCode int
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("%s returned status %d", e.Host, e.StatusCode)
}

// ProposalStatus is the forge-observed state of one merge proposal.
type ProposalStatus struct {
	Status   v1.MergeProposalStatus
	Revision string
}

// Forge is implemented once per host kind (GitHub, Gerrit).
type Forge interface {
	// Host is the hostname this forge client talks to, the identity the
	// ForgeLimiter keys on.
	Host() string
	// GetProposalStatus fetches the current state of the proposal at url.
	GetProposalStatus(ctx context.Context, url string) (*ProposalStatus, error)
	// ListOpenProposals returns the URLs of every proposal currently open
	// under the publish identity, used by the reconciler to detect
	// proposals the store does not know about.
	ListOpenProposals(ctx context.Context) ([]string, error)
}

// Registry resolves the Forge responsible for a proposal URL by hostname.
type Registry struct {
	byHost map[string]Forge
}

// NewRegistry indexes the given forges by their Host().
func NewRegistry(forges ...Forge) *Registry {
	r := &Registry{byHost: make(map[string]Forge, len(forges))}
	for _, f := range forges {
		r.byHost[f.Host()] = f
	}
	return r
}

// ForURL returns the Forge that owns rawurl's host.
func (r *Registry) ForURL(rawurl string) (Forge, error) {
	u, err := url.Parse(rawurl)
	if err != nil {
		return nil, fmt.Errorf("parsing proposal URL %q: %v", rawurl, err)
	}
	f, ok := r.byHost[u.Hostname()]
	if !ok {
		return nil, fmt.Errorf("no forge registered for host %q", u.Hostname())
	}
	return f, nil
}

// All returns every registered forge.
func (r *Registry) All() []Forge {
	out := make([]Forge, 0, len(r.byHost))
	for _, f := range r.byHost {
		out = append(out, f)
	}
	return out
}

// parseRetryAfter turns a Retry-After header value (either delta-seconds
// or an HTTP date) into an absolute time.
func parseRetryAfter(value string, now time.Time) (time.Time, bool) {
	if value == "" {
		return time.Time{}, false
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return now.Add(time.Duration(secs) * time.Second), true
	}
	if t, err := time.Parse(time.RFC1123, value); err == nil {
		return t, true
	}
	return time.Time{}, false
}
