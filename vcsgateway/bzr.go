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
	"path/filepath"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
)

// tagIsAncestor reports whether rev is an ancestor of tip. When either
// commit cannot be loaded the ancestry is unverifiable and the tag is
// given the benefit of the doubt.
func tagIsAncestor(repo *git.Repository, rev, tip plumbing.Hash) bool {
	if tip.IsZero() {
		return true
	}
	revCommit, err := repo.CommitObject(rev)
	if err != nil {
		return true
	}
	tipCommit, err := repo.CommitObject(tip)
	if err != nil {
		return true
	}
	ok, err := revCommit.IsAncestor(tipCommit)
	if err != nil {
		return true
	}
	return ok
}

// Bzr is the snapshot-style gateway for VCS kinds whose tooling has no
// symbolic-ref concept (bzr, hg, svn, ...): every "current" pointer is
// overwritten by value rather than re-pointed, and campaigns live in their
// own sub-directory rather than their own ref namespace.
//
// No native bzr driver exists anywhere in this codebase's dependency
// surface, so this variant keeps its data on the same git object store as
// Git and only differs in how it names and updates refs -- it satisfies
// the contract's by-value semantics without requiring one.
type Bzr struct {
	locks *repoLocks
}

// NewBzr returns a Bzr gateway.
func NewBzr() *Bzr {
	return &Bzr{locks: newRepoLocks()}
}

func (b *Bzr) campaignDir(repoURL, campaign string) string {
	return filepath.Join(repoURL, campaign)
}

func (b *Bzr) openOrInit(dir string) (*git.Repository, error) {
	repo, err := git.PlainOpen(dir)
	if err == git.ErrRepositoryNotExists {
		if mkErr := os.MkdirAll(dir, 0o755); mkErr != nil {
			return nil, mkErr
		}
		return git.PlainInit(dir, true)
	}
	return repo, err
}

// ImportBranches implements Gateway for snapshot-style repositories: each
// result branch is pushed as new_rev into a branch named role (role is
// "main" when the branch has no function name) under repo_url/campaign/. A tag
// named log_id always points at new_rev; result tags that are ancestors
// of the branch tip also get a log_id/name tag, and when UpdateCurrent is
// set the unversioned tag name is overwritten in place.
func (b *Bzr) ImportBranches(ctx context.Context, req ImportRequest) error {
	unlock := b.locks.lock(req.RepoURL)
	defer unlock()

	dir := b.campaignDir(req.RepoURL, req.Campaign)
	repo, err := b.openOrInit(dir)
	if err != nil {
		return fmt.Errorf("opening sub-branch %s: %w", dir, err)
	}

	var tip plumbing.Hash
	for _, br := range req.Branches {
		role := br.FunctionName
		if role == "" {
			role = "main"
		}
		hash := plumbing.NewHash(br.NewRevision)
		branchRef := plumbing.NewBranchReferenceName(role)
		if err := repo.Storer.SetReference(plumbing.NewHashReference(branchRef, hash)); err != nil {
			return fmt.Errorf("pushing branch %s: %w", role, err)
		}
		logIDTag := plumbing.NewTagReferenceName(req.LogID)
		if err := repo.Storer.SetReference(plumbing.NewHashReference(logIDTag, hash)); err != nil {
			return fmt.Errorf("tagging %s: %w", req.LogID, err)
		}
		if role == "main" || tip.IsZero() {
			tip = hash
		}
	}

	for _, t := range req.Tags {
		hash := plumbing.NewHash(t.Revision)
		if !tagIsAncestor(repo, hash, tip) {
			continue
		}
		versionedTag := plumbing.NewTagReferenceName(fmt.Sprintf("%s/%s", req.LogID, t.Name))
		if err := repo.Storer.SetReference(plumbing.NewHashReference(versionedTag, hash)); err != nil {
			return fmt.Errorf("writing versioned tag %s: %w", t.Name, err)
		}
		if req.UpdateCurrent {
			unversionedTag := plumbing.NewTagReferenceName(t.Name)
			if err := repo.Storer.SetReference(plumbing.NewHashReference(unversionedTag, hash)); err != nil {
				return fmt.Errorf("overwriting current tag %s: %w", t.Name, err)
			}
		}
	}
	return nil
}
