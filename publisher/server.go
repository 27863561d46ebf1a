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

package publisher

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/NYTimes/gziphandler"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	v1 "github.com/runbot-ci/overseer/apis/orchestrator/v1"
)

// MergeProposalStore is the extra read surface the HTTP server needs on
// top of the publisher's own Store.
type MergeProposalStore interface {
	GetMergeProposal(ctx context.Context, url string) (*v1.MergeProposal, error)
}

// Refresher re-checks a single proposal URL on demand, implemented by the
// reconciler.
type Refresher interface {
	RefreshURL(ctx context.Context, url string) error
}

// Server exposes the publisher's HTTP surface.
type Server struct {
	publisher *Publisher
	mps       MergeProposalStore
	refresher Refresher
	logger    *logrus.Entry
}

// NewServer returns the publisher HTTP server.
func NewServer(p *Publisher, mps MergeProposalStore, refresher Refresher) *Server {
	return &Server{publisher: p, mps: mps, refresher: refresher, logger: logrus.WithField("component", "publisher-server")}
}

// Handler builds the full route table, gzip-wrapped.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/policy", s.handlePolicies)
	mux.HandleFunc("/policy/", s.handlePolicy)
	mux.HandleFunc("/merge-proposal", s.handleMergeProposal)
	mux.HandleFunc("/consider/", s.handleConsider)
	mux.HandleFunc("/publish/", s.handlePublish)
	mux.HandleFunc("/rate-limits", s.handleRateLimits)
	mux.HandleFunc("/rate-limits/", s.handleRateLimitBucket)
	mux.HandleFunc("/blockers/", s.handleBlockers)
	mux.HandleFunc("/refresh-status", s.handleRefreshStatus)
	mux.HandleFunc("/scan", s.handleScan)
	mux.HandleFunc("/autopublish", s.handleScan)
	mux.HandleFunc("/health", handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/", s.handleCampaignPublish)
	return gziphandler.GzipHandler(mux)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok", "timestamp": time.Now().UTC().Format(time.RFC3339)})
}

func (s *Server) handlePolicies(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.publisher.agent.Config().PublishPolicies)
}

func (s *Server) handlePolicy(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(r.URL.Path, "/policy/")
	policy, ok := s.publisher.agent.Config().PolicyByName()[name]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"reason": "no such policy"})
		return
	}
	writeJSON(w, http.StatusOK, policy)
}

func (s *Server) handleMergeProposal(w http.ResponseWriter, r *http.Request) {
	url := r.URL.Query().Get("url")
	if url == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"reason": "missing url parameter"})
		return
	}
	mp, err := s.mps.GetMergeProposal(r.Context(), url)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"reason": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, mp)
}

func (s *Server) handleConsider(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/consider/")
	run, err := s.publisher.store.GetRun(r.Context(), id)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"reason": err.Error()})
		return
	}
	ready, err := s.publisher.readyFor(r.Context(), run)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"reason": err.Error()})
		return
	}
	if ready == nil {
		writeJSON(w, http.StatusOK, map[string]string{"outcome": OutcomeSkipped, "reason": "all branches already published"})
		return
	}
	outcome, err := s.publisher.ConsiderPublishRun(r.Context(), *ready)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"reason": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"outcome": outcome})
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/publish/")
	run, err := s.publisher.store.GetRun(r.Context(), id)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"reason": err.Error()})
		return
	}
	ready, err := s.publisher.readyFor(r.Context(), run)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"reason": err.Error()})
		return
	}
	if ready == nil {
		writeJSON(w, http.StatusOK, map[string]string{"outcome": OutcomeSkipped})
		return
	}
	// Operator-forced publish: dispatch every unpublished branch without
	// re-evaluating blockers.
	mode := s.publisher.modeFor(r.Context(), run)
	for _, branch := range ready.UnpublishedBranches {
		if err := s.publisher.publishOne(r.Context(), run, branch, mode); err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"reason": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"outcome": OutcomeProcessing})
}

func (s *Server) handleRateLimits(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.publisher.buckets.GetStats())
}

func (s *Server) handleRateLimitBucket(w http.ResponseWriter, r *http.Request) {
	bucket := v1.Bucket(strings.TrimPrefix(r.URL.Path, "/rate-limits/"))
	stats := s.publisher.buckets.GetStats()
	max, hasMax := s.publisher.buckets.GetMaxOpen(bucket)
	body := map[string]interface{}{
		"bucket":  bucket,
		"open":    stats.PerBucket[bucket],
		"allowed": s.publisher.buckets.CheckAllowed(bucket),
	}
	if hasMax {
		body["max_open"] = max
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleBlockers(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/blockers/")
	run, err := s.publisher.store.GetRun(r.Context(), id)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"reason": err.Error()})
		return
	}
	blockers, err := s.publisher.GetBlockers(r.Context(), run)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"reason": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, blockers)
}

func (s *Server) handleRefreshStatus(w http.ResponseWriter, r *http.Request) {
	url := r.URL.Query().Get("url")
	if url == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"reason": "missing url parameter"})
		return
	}
	if s.refresher == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"reason": "no reconciler attached"})
		return
	}
	if err := s.refresher.RefreshURL(r.Context(), url); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"reason": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "refreshed"})
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return
	}
	go func() {
		if err := s.publisher.Cycle(context.Background()); err != nil {
			s.logger.WithError(err).Error("error running requested publish cycle")
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "scanning"})
}

// handleCampaignPublish serves POST /{campaign}/{codebase}/publish by
// considering the newest publish-ready run for the pair.
func (s *Server) handleCampaignPublish(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) != 3 || parts[2] != "publish" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return
	}
	campaign, codebase := parts[0], parts[1]
	ready, err := s.publisher.store.PublishReadyRuns(r.Context(), 1000)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"reason": err.Error()})
		return
	}
	for _, candidate := range ready {
		if candidate.Run.Campaign != campaign || candidate.Run.Codebase != codebase {
			continue
		}
		outcome, err := s.publisher.ConsiderPublishRun(r.Context(), candidate)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"reason": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"outcome": outcome, "run_id": candidate.Run.ID})
		return
	}
	writeJSON(w, http.StatusNotFound, map[string]string{"reason": "no publish-ready run for pair"})
}
