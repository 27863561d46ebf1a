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

package artifacts

import (
	"context"
	"io"
	"sort"
	"strings"
	"testing"

	"github.com/fsouza/fake-gcs-server/fakestorage"
)

func newTestStore(t *testing.T) (*Store, *fakestorage.Server) {
	t.Helper()
	server := fakestorage.NewServer([]fakestorage.Object{
		{BucketName: "artifacts", Name: "seed/keep", Content: []byte("seed")},
	})
	t.Cleanup(server.Stop)
	return New(context.Background(), server.Client(), "artifacts"), server
}

func TestPutGetRoundTrip(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	if err := store.Put(ctx, "run-1", "worker.log", strings.NewReader("line one\nline two\n")); err != nil {
		t.Fatalf("put: %v", err)
	}
	rc, err := store.Get(ctx, "run-1", "worker.log")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer rc.Close()
	body, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("reading body: %v", err)
	}
	if string(body) != "line one\nline two\n" {
		t.Errorf("unexpected contents %q", body)
	}
}

func TestPutOverwriteMergesReupload(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	if err := store.Put(ctx, "run-1", "worker.log", strings.NewReader("first upload")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := store.Put(ctx, "run-1", "worker.log", strings.NewReader("second upload")); err != nil {
		t.Fatalf("re-put: %v", err)
	}
	rc, err := store.Get(ctx, "run-1", "worker.log")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer rc.Close()
	body, _ := io.ReadAll(rc)
	if string(body) != "second upload" {
		t.Errorf("expected latest contents, got %q", body)
	}
}

func TestListScopesToRun(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	for _, name := range []string{"worker.log", "codemod.log"} {
		if err := store.Put(ctx, "run-1", name, strings.NewReader("x")); err != nil {
			t.Fatalf("put %s: %v", name, err)
		}
	}
	if err := store.Put(ctx, "run-2", "other.log", strings.NewReader("x")); err != nil {
		t.Fatalf("put: %v", err)
	}

	names, err := store.List(ctx, "run-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	sort.Strings(names)
	if len(names) != 2 || names[0] != "codemod.log" || names[1] != "worker.log" {
		t.Errorf("unexpected listing %v", names)
	}
}
