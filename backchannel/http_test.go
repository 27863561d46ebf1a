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

package backchannel

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	v1 "github.com/runbot-ci/overseer/apis/orchestrator/v1"
)

// fakeWorker is an httptest stand-in for a worker's backchannel surface.
type fakeWorker struct {
	logID      string
	gone       bool
	killed     bool
	terminated bool
	refuseTerm bool
}

func (f *fakeWorker) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/log-id", func(w http.ResponseWriter, r *http.Request) {
		if f.gone {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(f.logID))
	})
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(HealthStatus{Alive: true, CurrentRunID: f.logID, Status: StatusRunning})
	})
	mux.HandleFunc("/logs", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]string{"worker.log", "codemod.log"})
	})
	mux.HandleFunc("/logs/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("tail of log"))
	})
	mux.HandleFunc("/kill", func(w http.ResponseWriter, r *http.Request) {
		f.killed = true
	})
	mux.HandleFunc("/terminate", func(w http.ResponseWriter, r *http.Request) {
		if f.refuseTerm {
			w.WriteHeader(http.StatusConflict)
			return
		}
		f.terminated = true
	})
	return mux
}

func TestHTTPPing(t *testing.T) {
	worker := &fakeWorker{logID: "log-1"}
	ts := httptest.NewServer(worker.handler())
	defer ts.Close()
	bc := NewHTTP(ts.URL, nil)

	if err := bc.Ping(context.Background(), "log-1"); err != nil {
		t.Errorf("ping of matching log id should succeed, got %v", err)
	}

	err := bc.Ping(context.Background(), "log-2")
	var fatal *FatalFailureError
	if !errors.As(err, &fatal) {
		t.Errorf("a different log id must be fatal, got %v", err)
	}

	worker.gone = true
	err = bc.Ping(context.Background(), "log-1")
	var notFound *NotFoundError
	if !errors.As(err, &notFound) {
		t.Errorf("a vanished worker must be NotFound, got %v", err)
	}
}

func TestHTTPPingUnreachable(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	url := ts.URL
	ts.Close()
	bc := NewHTTP(url, nil)

	err := bc.Ping(context.Background(), "log-1")
	var unreachable *WorkerUnreachableError
	if !errors.As(err, &unreachable) {
		t.Errorf("connection refusal must be transient, got %v", err)
	}
}

func TestHTTPHealthAndLogs(t *testing.T) {
	worker := &fakeWorker{logID: "log-1"}
	ts := httptest.NewServer(worker.handler())
	defer ts.Close()
	bc := NewHTTP(ts.URL, nil)

	status, err := bc.GetHealthStatus(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !status.Alive || status.CurrentRunID != "log-1" || status.Status != StatusRunning {
		t.Errorf("unexpected health status: %+v", status)
	}

	names, err := bc.ListLogFiles(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(names) != 2 {
		t.Errorf("expected two log files, got %v", names)
	}
	body, err := bc.GetLogFile(context.Background(), "worker.log")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(body) != "tail of log" {
		t.Errorf("unexpected log body %q", body)
	}
}

func TestHTTPTerminateFallsBackToKill(t *testing.T) {
	worker := &fakeWorker{logID: "log-1", refuseTerm: true}
	ts := httptest.NewServer(worker.handler())
	defer ts.Close()
	bc := NewHTTP(ts.URL, nil)

	if err := bc.Terminate(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !worker.killed {
		t.Error("refused terminate must fall back to kill")
	}
	if worker.terminated {
		t.Error("terminate handler should have refused")
	}
}

func TestFromRecordReconstruction(t *testing.T) {
	var testcases = []struct {
		name    string
		record  v1.Backchannel
		wantErr bool
	}{
		{name: "http", record: v1.Backchannel{Kind: v1.BackchannelHTTP, URL: "http://worker:8080"}},
		{name: "hosted-ci", record: v1.Backchannel{Kind: v1.BackchannelHostedCI, URL: "http://ci", Metadata: []byte(`{"job_id":"42"}`)}},
		{name: "none", record: v1.Backchannel{Kind: v1.BackchannelNone}},
		{name: "unknown kind", record: v1.Backchannel{Kind: "pigeon"}, wantErr: true},
	}
	for _, tc := range testcases {
		bc, err := FromRecord(tc.record, nil)
		if tc.wantErr {
			if err == nil {
				t.Errorf("%s: expected error", tc.name)
			}
			continue
		}
		if err != nil {
			t.Errorf("%s: unexpected error: %v", tc.name, err)
			continue
		}
		if bc == nil {
			t.Errorf("%s: nil backchannel", tc.name)
		}
	}
}
