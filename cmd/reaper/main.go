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

// The reaper finishes active runs whose worker went silent past the stale
// threshold, as a safety net for runner instances that crashed without
// reclaiming their own assignments.
package main

import (
	"context"
	"flag"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/runbot-ci/overseer/config"
	"github.com/runbot-ci/overseer/store"
)

var (
	configPath  = flag.String("config-path", "/etc/config/config.yaml", "Path to config.yaml.")
	databaseDSN = flag.String("database", "", "Postgres connection string.")
	interval    = flag.Duration("interval", time.Hour, "How often to sweep for stale active runs.")
	runOnce     = flag.Bool("run-once", false, "Run a single sweep and exit.")
)

func main() {
	flag.Parse()
	logrus.SetFormatter(&logrus.JSONFormatter{})

	configAgent := &config.Agent{}
	if err := configAgent.Start(*configPath); err != nil {
		logrus.WithError(err).Fatal("Error starting config agent.")
	}

	ctx := context.Background()
	st, err := store.New(ctx, *databaseDSN)
	if err != nil {
		logrus.WithError(err).Fatal("Error connecting to store.")
	}
	defer st.Close()

	sweep := func() {
		cutoff := time.Now().Add(-configAgent.Config().Runner.StaleThreshold)
		reclaimed, err := st.ReclaimStaleActiveRuns(ctx, cutoff)
		if err != nil {
			logrus.WithError(err).Error("Error reclaiming stale active runs.")
			return
		}
		if len(reclaimed) > 0 {
			logrus.WithField("count", len(reclaimed)).Info("Reclaimed stale active runs.")
		}
	}

	if *runOnce {
		sweep()
		return
	}
	for range time.Tick(*interval) {
		sweep()
	}
}
