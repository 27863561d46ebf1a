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
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	v1 "github.com/runbot-ci/overseer/apis/orchestrator/v1"
)

const (
	revA = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	revB = "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
)

func tempRepoDir(t *testing.T) string {
	t.Helper()
	dir, err := ioutil.TempDir("", "vcsgateway")
	if err != nil {
		t.Fatalf("creating temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	return dir
}

func importRequest(repoURL string, updateCurrent bool) ImportRequest {
	return ImportRequest{
		RepoURL:  repoURL,
		Campaign: "lint",
		LogID:    "log-1",
		Branches: []v1.ResultBranch{
			{FunctionName: "main", RemoteName: "main", BaseRevision: revA, NewRevision: revB},
		},
		Tags:          []v1.ResultTag{{Name: "v1.2", Revision: revB}},
		UpdateCurrent: updateCurrent,
	}
}

func TestGitImportWritesVersionedRefsAndSymrefs(t *testing.T) {
	dir := tempRepoDir(t)
	gw := NewGit()

	if err := gw.ImportBranches(context.Background(), importRequest(dir, true)); err != nil {
		t.Fatalf("import: %v", err)
	}

	repo, err := git.PlainOpen(dir)
	if err != nil {
		t.Fatalf("opening repo: %v", err)
	}

	versioned, err := repo.Storer.Reference(plumbing.NewTagReferenceName("run/log-1/main"))
	if err != nil {
		t.Fatalf("versioned branch ref missing: %v", err)
	}
	if versioned.Hash().String() != revB {
		t.Errorf("versioned ref points at %s", versioned.Hash())
	}

	current, err := repo.Storer.Reference(plumbing.NewBranchReferenceName("lint/main"))
	if err != nil {
		t.Fatalf("current branch ref missing: %v", err)
	}
	if current.Type() != plumbing.SymbolicReference {
		t.Errorf("current ref must be symbolic, got %v", current.Type())
	}
	if current.Target() != plumbing.NewTagReferenceName("run/log-1/main") {
		t.Errorf("current ref targets %s", current.Target())
	}

	versionedTag, err := repo.Storer.Reference(plumbing.NewTagReferenceName("log-1/v1.2"))
	if err != nil {
		t.Fatalf("versioned tag missing: %v", err)
	}
	if versionedTag.Hash().String() != revB {
		t.Errorf("versioned tag points at %s", versionedTag.Hash())
	}
}

func TestGitImportCurrentMovesWithNextImport(t *testing.T) {
	dir := tempRepoDir(t)
	gw := NewGit()

	if err := gw.ImportBranches(context.Background(), importRequest(dir, true)); err != nil {
		t.Fatalf("first import: %v", err)
	}
	second := importRequest(dir, true)
	second.LogID = "log-2"
	if err := gw.ImportBranches(context.Background(), second); err != nil {
		t.Fatalf("second import: %v", err)
	}

	repo, err := git.PlainOpen(dir)
	if err != nil {
		t.Fatalf("opening repo: %v", err)
	}
	current, err := repo.Storer.Reference(plumbing.NewBranchReferenceName("lint/main"))
	if err != nil {
		t.Fatalf("current ref missing: %v", err)
	}
	if current.Target() != plumbing.NewTagReferenceName("run/log-2/main") {
		t.Errorf("current must move to the newest import, targets %s", current.Target())
	}
	// The first import's versioned refs survive.
	if _, err := repo.Storer.Reference(plumbing.NewTagReferenceName("run/log-1/main")); err != nil {
		t.Errorf("older versioned ref lost: %v", err)
	}
}

func TestGitImportWithoutUpdateCurrent(t *testing.T) {
	dir := tempRepoDir(t)
	gw := NewGit()

	if err := gw.ImportBranches(context.Background(), importRequest(dir, false)); err != nil {
		t.Fatalf("import: %v", err)
	}
	repo, err := git.PlainOpen(dir)
	if err != nil {
		t.Fatalf("opening repo: %v", err)
	}
	if _, err := repo.Storer.Reference(plumbing.NewBranchReferenceName("lint/main")); err == nil {
		t.Error("current ref must not be created when update_current is off")
	}
}

func TestBzrImportByValueSemantics(t *testing.T) {
	dir := tempRepoDir(t)
	gw := NewBzr()

	if err := gw.ImportBranches(context.Background(), importRequest(dir, true)); err != nil {
		t.Fatalf("import: %v", err)
	}

	// Snapshot-style layout: the campaign lives in its own sub-directory.
	repo, err := git.PlainOpen(filepath.Join(dir, "lint"))
	if err != nil {
		t.Fatalf("opening campaign sub-repo: %v", err)
	}

	branch, err := repo.Storer.Reference(plumbing.NewBranchReferenceName("main"))
	if err != nil {
		t.Fatalf("branch missing: %v", err)
	}
	if branch.Type() != plumbing.HashReference || branch.Hash().String() != revB {
		t.Errorf("by-value branch expected at %s, got %+v", revB, branch)
	}
	logTag, err := repo.Storer.Reference(plumbing.NewTagReferenceName("log-1"))
	if err != nil {
		t.Fatalf("log_id tag missing: %v", err)
	}
	if logTag.Hash().String() != revB {
		t.Errorf("log_id tag points at %s", logTag.Hash())
	}
	currentTag, err := repo.Storer.Reference(plumbing.NewTagReferenceName("v1.2"))
	if err != nil {
		t.Fatalf("current tag missing: %v", err)
	}
	if currentTag.Type() != plumbing.HashReference {
		t.Error("snapshot-style current tags are by value, not symbolic")
	}
}

// writeCommit stores a synthetic commit (empty tree) with the given
// parents and returns its hash.
func writeCommit(t *testing.T, repo *git.Repository, message string, parents ...plumbing.Hash) plumbing.Hash {
	t.Helper()
	treeObj := repo.Storer.NewEncodedObject()
	if err := (&object.Tree{}).Encode(treeObj); err != nil {
		t.Fatalf("encoding tree: %v", err)
	}
	treeHash, err := repo.Storer.SetEncodedObject(treeObj)
	if err != nil {
		t.Fatalf("storing tree: %v", err)
	}
	sig := object.Signature{Name: "tester", Email: "tester@example.com", When: time.Unix(1700000000, 0)}
	commit := &object.Commit{
		Author:       sig,
		Committer:    sig,
		Message:      message,
		TreeHash:     treeHash,
		ParentHashes: parents,
	}
	commitObj := repo.Storer.NewEncodedObject()
	if err := commit.Encode(commitObj); err != nil {
		t.Fatalf("encoding commit: %v", err)
	}
	hash, err := repo.Storer.SetEncodedObject(commitObj)
	if err != nil {
		t.Fatalf("storing commit: %v", err)
	}
	return hash
}

func TestBzrImportSkipsNonAncestorTags(t *testing.T) {
	dir := tempRepoDir(t)
	campaignDir := filepath.Join(dir, "lint")
	if err := os.MkdirAll(campaignDir, 0o755); err != nil {
		t.Fatalf("creating campaign dir: %v", err)
	}
	repo, err := git.PlainInit(campaignDir, true)
	if err != nil {
		t.Fatalf("initializing repo: %v", err)
	}
	base := writeCommit(t, repo, "base")
	tip := writeCommit(t, repo, "tip", base)
	unrelated := writeCommit(t, repo, "unrelated")

	gw := NewBzr()
	req := ImportRequest{
		RepoURL:  dir,
		Campaign: "lint",
		LogID:    "log-1",
		Branches: []v1.ResultBranch{
			{FunctionName: "main", RemoteName: "main", BaseRevision: base.String(), NewRevision: tip.String()},
		},
		Tags: []v1.ResultTag{
			{Name: "v-ancestor", Revision: base.String()},
			{Name: "v-unrelated", Revision: unrelated.String()},
		},
		UpdateCurrent: true,
	}
	if err := gw.ImportBranches(context.Background(), req); err != nil {
		t.Fatalf("import: %v", err)
	}

	if _, err := repo.Storer.Reference(plumbing.NewTagReferenceName("log-1/v-ancestor")); err != nil {
		t.Errorf("ancestor tag missing: %v", err)
	}
	if _, err := repo.Storer.Reference(plumbing.NewTagReferenceName("log-1/v-unrelated")); err == nil {
		t.Error("a tag outside the branch's history must not be imported")
	}
	if _, err := repo.Storer.Reference(plumbing.NewTagReferenceName("v-unrelated")); err == nil {
		t.Error("the current tag must not be overwritten for a non-ancestor")
	}
}

func TestNewSelectsGatewayByKind(t *testing.T) {
	if _, ok := New(v1.VcsGit).(*Git); !ok {
		t.Error("git kind must use the commit-graph gateway")
	}
	if _, ok := New(v1.VcsBzr).(*Bzr); !ok {
		t.Error("bzr kind must use the snapshot gateway")
	}
	if _, ok := New(v1.VcsHg).(*Bzr); !ok {
		t.Error("hg falls back to the snapshot gateway")
	}
}
