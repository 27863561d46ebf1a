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

package runner

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/NYTimes/gziphandler"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	v1 "github.com/runbot-ci/overseer/apis/orchestrator/v1"
	"github.com/runbot-ci/overseer/store"
	"github.com/runbot-ci/overseer/vcsgateway"
)

var (
	assignments = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "runner_assignments_total",
		Help: "Assignment requests by outcome.",
	}, []string{"outcome"})
	finishes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "runner_finishes_total",
		Help: "Result uploads by result code.",
	}, []string{"result_code"})
)

func init() {
	prometheus.MustRegister(assignments, finishes)
}

// ServerStore extends the runner's Store with the read surfaces the HTTP
// API serves directly.
type ServerStore interface {
	Store
	GetQueueStats(ctx context.Context) (*store.QueueStats, error)
	UpdatePublishStatus(ctx context.Context, id string, patch []byte) (*v1.Run, error)
}

// LogStore lists and streams per-run log files.
type LogStore interface {
	List(ctx context.Context, runID string) ([]string, error)
	Get(ctx context.Context, runID, filename string) (io.ReadCloser, error)
}

// Server is the runner's HTTP surface.
type Server struct {
	assigner    *Assigner
	ingestor    *Ingestor
	store       ServerStore
	logs        LogStore
	vcsLocation string
	logger      *logrus.Entry
}

// NewServer returns the runner HTTP server. vcsLocation is the base of the
// central VCS store result branches are imported into.
func NewServer(a *Assigner, i *Ingestor, s ServerStore, logs LogStore, vcsLocation string) *Server {
	return &Server{
		assigner:    a,
		ingestor:    i,
		store:       s,
		logs:        logs,
		vcsLocation: vcsLocation,
		logger:      logrus.WithField("component", "runner-server"),
	}
}

// Handler builds the full route table, gzip-wrapped.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/runner/active-runs", s.handleAssign)
	mux.HandleFunc("/runner/active-runs/", s.handleActiveRun)
	mux.HandleFunc("/active-runs", s.handleListActiveRuns)
	mux.HandleFunc("/active-runs/", s.handleActiveRunAlias)
	mux.HandleFunc("/queue", s.handleQueue)
	mux.HandleFunc("/log/", s.handleLog)
	mux.HandleFunc("/kill/", s.handleKill)
	mux.HandleFunc("/runs/", s.handleRun)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	return gziphandler.GzipHandler(mux)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok", "timestamp": time.Now().UTC().Format(time.RFC3339)})
}

// handleAssign serves POST /runner/active-runs: a worker polls for work.
func (s *Server) handleAssign(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return
	}
	var req AssignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"reason": "malformed request body"})
		return
	}
	if req.Worker == "" {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"reason": "missing worker identity"})
		return
	}
	assignment, err := s.assigner.Assign(r.Context(), req)
	if err != nil {
		if _, ok := err.(*store.QueueEmptyError); ok {
			assignments.WithLabelValues("queue-empty").Inc()
			s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"reason": "queue empty"})
			return
		}
		assignments.WithLabelValues("error").Inc()
		s.logger.WithError(err).Error("error assigning work")
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"reason": "assignment failed"})
		return
	}
	assignments.WithLabelValues("assigned").Inc()
	body := map[string]interface{}{
		"queue_item":   assignment.QueueItem,
		"vcs_info":     assignment.ActiveRun.VcsInfo,
		"active_run":   assignment.ActiveRun,
		"build_config": assignment.BuildConfig,
	}
	if assignment.Resume != nil {
		body["resume"] = assignment.Resume
	}
	s.writeJSON(w, http.StatusOK, body)
}

// handleActiveRun serves GET /runner/active-runs/{id} and
// POST /runner/active-runs/{id}/finish.
func (s *Server) handleActiveRun(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/runner/active-runs/")
	if id, ok := strings.CutSuffix(rest, "/finish"); ok && r.Method == http.MethodPost {
		s.handleFinish(w, r, id)
		return
	}
	s.serveActiveRun(w, r, rest)
}

func (s *Server) handleActiveRunAlias(w http.ResponseWriter, r *http.Request) {
	s.serveActiveRun(w, r, strings.TrimPrefix(r.URL.Path, "/active-runs/"))
}

func (s *Server) serveActiveRun(w http.ResponseWriter, r *http.Request, id string) {
	active, err := s.store.GetActiveRun(r.Context(), id)
	if err != nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"reason": "no such active run"})
		return
	}
	s.writeJSON(w, http.StatusOK, active)
}

func (s *Server) handleFinish(w http.ResponseWriter, r *http.Request, id string) {
	reader, err := r.MultipartReader()
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"reason": "multipart body required"})
		return
	}

	repoURL := ""
	sourceBranch := ""
	if active, err := s.store.GetActiveRun(r.Context(), id); err == nil {
		repoURL = s.vcsLocation + "/" + active.Codebase
		sourceBranch = active.VcsInfo.Origin
	}

	run, err := s.ingestor.Finish(r.Context(), id, reader, vcsgateway.New, sourceBranch, repoURL)
	if err != nil {
		if oversized, ok := err.(*OversizedFieldError); ok {
			s.writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"field": oversized.Field})
			return
		}
		if protocol, ok := err.(*ProtocolError); ok {
			s.writeJSON(w, http.StatusBadRequest, map[string]string{"reason": protocol.Reason})
			return
		}
		if _, ok := err.(*store.NotFoundError); ok {
			s.writeJSON(w, http.StatusNotFound, map[string]string{"reason": "no such active run"})
			return
		}
		s.logger.WithError(err).WithField("log_id", id).Error("error ingesting result upload")
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"reason": "ingest failed"})
		return
	}
	finishes.WithLabelValues(run.ResultCode).Inc()
	s.writeJSON(w, http.StatusCreated, run)
}

func (s *Server) handleListActiveRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.store.ListActiveRuns(r.Context())
	if err != nil {
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"reason": "listing active runs failed"})
		return
	}
	s.writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.GetQueueStats(r.Context())
	if err != nil {
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"reason": "queue stats failed"})
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

// handleLog serves GET /log/{id} (list) and GET /log/{id}/{filename}
// (stream).
func (s *Server) handleLog(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/log/")
	id, filename, hasFile := strings.Cut(rest, "/")
	if id == "" {
		http.NotFound(w, r)
		return
	}
	if !hasFile {
		names, err := s.logs.List(r.Context(), id)
		if err != nil {
			s.writeJSON(w, http.StatusNotFound, map[string]string{"reason": "no logs for run"})
			return
		}
		s.writeJSON(w, http.StatusOK, names)
		return
	}
	rc, err := s.logs.Get(r.Context(), id, filename)
	if err != nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"reason": "no such log file"})
		return
	}
	defer rc.Close()
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	io.Copy(w, rc)
}

func (s *Server) handleKill(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/kill/")
	if _, err := s.store.GetActiveRun(r.Context(), id); err != nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"reason": "no such active run"})
		return
	}
	if err := s.assigner.Kill(r.Context(), id); err != nil {
		s.logger.WithError(err).WithField("log_id", id).Error("error killing active run")
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"reason": "kill failed"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "killed"})
}

// handleRun serves GET /runs/{id} and POST /runs/{id} (the publisher's
// publish_status updates arrive as a JSON merge patch).
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/runs/")
	switch r.Method {
	case http.MethodGet:
		run, err := s.store.GetRun(r.Context(), id)
		if err != nil {
			s.writeJSON(w, http.StatusNotFound, map[string]string{"reason": "no such run"})
			return
		}
		s.writeJSON(w, http.StatusOK, run)
	case http.MethodPost:
		patch, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			s.writeJSON(w, http.StatusBadRequest, map[string]string{"reason": "unreadable body"})
			return
		}
		run, err := s.store.UpdatePublishStatus(r.Context(), id, patch)
		if err != nil {
			if _, ok := err.(*store.NotFoundError); ok {
				s.writeJSON(w, http.StatusNotFound, map[string]string{"reason": "no such run"})
				return
			}
			s.writeJSON(w, http.StatusBadRequest, map[string]string{"reason": err.Error()})
			return
		}
		s.writeJSON(w, http.StatusOK, run)
	default:
		http.Error(w, "GET or POST required", http.StatusMethodNotAllowed)
	}
}
