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

// Package artifacts is the out-of-scope-adjacent object store for
// per-run logs and build artifacts, addressed by run id + filename. The
// orchestrator only needs to write and stream them back; this package
// keeps that contract narrow so any object store can back it.
package artifacts

import (
	"context"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
)

// Store writes and reads per-run files, named "<runID>/<filename>" within
// a single GCS bucket.
type Store struct {
	client *storage.Client
	bucket string
}

// New returns a Store backed by the named GCS bucket.
func New(ctx context.Context, client *storage.Client, bucket string) *Store {
	return &Store{client: client, bucket: bucket}
}

func (s *Store) objectName(runID, filename string) string {
	return fmt.Sprintf("%s/%s", runID, filename)
}

// Put streams r into the object named runID/filename, overwriting any
// prior contents. Re-running Put for a filename that already exists
// implements the Ingestor's "merge new files into the existing run
// directory" resume semantics.
func (s *Store) Put(ctx context.Context, runID, filename string, r io.Reader) error {
	w := s.client.Bucket(s.bucket).Object(s.objectName(runID, filename)).NewWriter(ctx)
	if _, err := io.Copy(w, r); err != nil {
		w.Close()
		return fmt.Errorf("writing %s/%s: %w", runID, filename, err)
	}
	return w.Close()
}

// Get streams the contents of runID/filename back to the caller.
func (s *Store) Get(ctx context.Context, runID, filename string) (io.ReadCloser, error) {
	return s.client.Bucket(s.bucket).Object(s.objectName(runID, filename)).NewReader(ctx)
}

// List returns the filenames stored for runID.
func (s *Store) List(ctx context.Context, runID string) ([]string, error) {
	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{Prefix: runID + "/"})
	var names []string
	for {
		attrs, err := it.Next()
		if err == storage.ErrObjectNotExist {
			break
		}
		if err != nil {
			break
		}
		names = append(names, attrs.Name[len(runID)+1:])
	}
	return names, nil
}
