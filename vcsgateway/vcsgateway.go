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

// Package vcsgateway abstracts over "git-like" vs "bzr-like" repository
// import semantics used when ingesting a worker's result branches and
// tags into the central repository.
package vcsgateway

import (
	"context"
	"sync"

	v1 "github.com/runbot-ci/overseer/apis/orchestrator/v1"
)

// ImportRequest is the input to Gateway.ImportBranches.
type ImportRequest struct {
	RepoURL       string
	SourceBranch  string
	Campaign      string
	LogID         string
	Branches      []v1.ResultBranch
	Tags          []v1.ResultTag
	UpdateCurrent bool
}

// Gateway is the common contract both VCS flavors satisfy.
type Gateway interface {
	ImportBranches(ctx context.Context, req ImportRequest) error
}

// repoLocks serializes import operations per codebase repo URL, avoiding
// ref race conditions when two runs for the same codebase finish
// concurrently.
type repoLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newRepoLocks() *repoLocks {
	return &repoLocks{locks: map[string]*sync.Mutex{}}
}

func (r *repoLocks) lock(repoURL string) func() {
	r.mu.Lock()
	l, ok := r.locks[repoURL]
	if !ok {
		l = &sync.Mutex{}
		r.locks[repoURL] = l
	}
	r.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// New returns the Gateway appropriate for kind: git-like VCS kinds use
// commit-graph symref semantics; everything else uses snapshot-style
// by-value branch pushes.
func New(kind v1.VcsKind) Gateway {
	switch kind {
	case v1.VcsGit:
		return NewGit()
	default:
		return NewBzr()
	}
}
