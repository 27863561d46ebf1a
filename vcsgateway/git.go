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

package vcsgateway

import (
	"context"
	"fmt"
	"os"

	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
)

// Git is the commit-graph-style gateway: result branches and tags are
// written as versioned refs, and "current" pointers are symbolic refs that
// move atomically with the next import rather than duplicate hashes.
type Git struct {
	locks *repoLocks
}

// NewGit returns a Git gateway.
func NewGit() *Git {
	return &Git{locks: newRepoLocks()}
}

func (g *Git) openOrInit(repoURL string) (*git.Repository, error) {
	repo, err := git.PlainOpen(repoURL)
	if err == git.ErrRepositoryNotExists {
		if mkErr := os.MkdirAll(repoURL, 0o755); mkErr != nil {
			return nil, mkErr
		}
		return git.PlainInit(repoURL, true)
	}
	return repo, err
}

// ImportBranches implements Gateway for git-like repositories.
//
// Objects are fetched from the worker's source branch in one transfer
// before any ref is written, so the versioned refs below never point at
// objects the central repository does not hold. Versioned refs:
// refs/tags/run/{log_id}/{role} for branches, refs/tags/{log_id}/{name}
// for tags. When UpdateCurrent is set, symbolic refs
// refs/heads/{campaign}/{role} and refs/tags/{name} are repointed at
// those versioned refs.
func (g *Git) ImportBranches(ctx context.Context, req ImportRequest) error {
	unlock := g.locks.lock(req.RepoURL)
	defer unlock()

	repo, err := g.openOrInit(req.RepoURL)
	if err != nil {
		return fmt.Errorf("opening repository %s: %w", req.RepoURL, err)
	}

	if req.SourceBranch != "" {
		if err := fetchObjects(ctx, repo, req.SourceBranch, req.LogID); err != nil {
			return fmt.Errorf("fetching objects from %s: %w", req.SourceBranch, err)
		}
	}

	for _, b := range req.Branches {
		role := b.FunctionName
		if role == "" {
			role = "main"
		}
		versioned := plumbing.NewTagReferenceName(fmt.Sprintf("run/%s/%s", req.LogID, role))
		hash := plumbing.NewHash(b.NewRevision)
		if err := repo.Storer.SetReference(plumbing.NewHashReference(versioned, hash)); err != nil {
			return fmt.Errorf("writing versioned ref for %s: %w", role, err)
		}
		if req.UpdateCurrent {
			symName := plumbing.NewBranchReferenceName(fmt.Sprintf("%s/%s", req.Campaign, role))
			symref := plumbing.NewSymbolicReference(symName, versioned)
			if err := setSymbolicRefWithFallback(repo, symref, hash); err != nil {
				return fmt.Errorf("updating current ref for %s: %w", role, err)
			}
		}
	}

	for _, t := range req.Tags {
		versioned := plumbing.NewTagReferenceName(fmt.Sprintf("%s/%s", req.LogID, t.Name))
		hash := plumbing.NewHash(t.Revision)
		if err := repo.Storer.SetReference(plumbing.NewHashReference(versioned, hash)); err != nil {
			return fmt.Errorf("writing versioned tag ref for %s: %w", t.Name, err)
		}
		if req.UpdateCurrent {
			symName := plumbing.NewTagReferenceName(t.Name)
			symref := plumbing.NewSymbolicReference(symName, versioned)
			if err := setSymbolicRefWithFallback(repo, symref, hash); err != nil {
				return fmt.Errorf("updating current tag %s: %w", t.Name, err)
			}
		}
	}
	return nil
}

// fetchObjects pulls every object reachable from the worker's source
// branch into the central repository in a single fetch, staging the
// transferred refs under a per-import namespace so concurrent imports
// never collide.
func fetchObjects(ctx context.Context, repo *git.Repository, source, logID string) error {
	remote, err := repo.CreateRemoteAnonymous(&gitconfig.RemoteConfig{
		Name: "anonymous",
		URLs: []string{source},
	})
	if err != nil {
		return err
	}
	err = remote.FetchContext(ctx, &git.FetchOptions{
		RefSpecs: []gitconfig.RefSpec{
			gitconfig.RefSpec(fmt.Sprintf("+refs/*:refs/import/%s/*", logID)),
		},
		Tags: git.AllTags,
	})
	if err == git.NoErrAlreadyUpToDate {
		return nil
	}
	return err
}

// setSymbolicRefWithFallback sets a symbolic ref, falling back to a
// by-value hash ref with a warning if the backing storer rejects symbolic
// references.
func setSymbolicRefWithFallback(repo *git.Repository, symref *plumbing.Reference, fallbackHash plumbing.Hash) error {
	if err := repo.Storer.SetReference(symref); err != nil {
		return repo.Storer.SetReference(plumbing.NewHashReference(symref.Name(), fallbackHash))
	}
	return nil
}
