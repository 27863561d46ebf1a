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

// The api binary serves the read-only dashboard surface: queue stats,
// active runs, and historical runs, without any of the runner's write
// paths.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"net/http"
	"strings"
	"time"

	"github.com/NYTimes/gziphandler"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/runbot-ci/overseer/store"
)

var (
	databaseDSN = flag.String("database", "", "Postgres connection string.")
	listenAddr  = flag.String("listen-address", ":9913", "Address to serve the read API on.")
)

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func main() {
	flag.Parse()
	logrus.SetFormatter(&logrus.JSONFormatter{})

	ctx := context.Background()
	st, err := store.New(ctx, *databaseDSN)
	if err != nil {
		logrus.WithError(err).Fatal("Error connecting to store.")
	}
	defer st.Close()

	mux := http.NewServeMux()
	mux.HandleFunc("/queue", func(w http.ResponseWriter, r *http.Request) {
		stats, err := st.GetQueueStats(r.Context())
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"reason": "queue stats failed"})
			return
		}
		writeJSON(w, http.StatusOK, stats)
	})
	mux.HandleFunc("/active-runs", func(w http.ResponseWriter, r *http.Request) {
		runs, err := st.ListActiveRuns(r.Context())
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"reason": "listing active runs failed"})
			return
		}
		writeJSON(w, http.StatusOK, runs)
	})
	mux.HandleFunc("/runs/", func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.URL.Path, "/runs/")
		run, err := st.GetRun(r.Context(), id)
		if err != nil {
			writeJSON(w, http.StatusNotFound, map[string]string{"reason": "no such run"})
			return
		}
		writeJSON(w, http.StatusOK, run)
	})
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok", "timestamp": time.Now().UTC().Format(time.RFC3339)})
	})
	mux.Handle("/metrics", promhttp.Handler())

	logrus.WithField("address", *listenAddr).Info("API listening.")
	if err := http.ListenAndServe(*listenAddr, gziphandler.GzipHandler(mux)); err != nil {
		logrus.WithError(err).Fatal("Error serving API.")
	}
}
