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

package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/storage"
	"github.com/sirupsen/logrus"

	v1 "github.com/runbot-ci/overseer/apis/orchestrator/v1"
	"github.com/runbot-ci/overseer/artifacts"
	"github.com/runbot-ci/overseer/bus"
	"github.com/runbot-ci/overseer/config"
	"github.com/runbot-ci/overseer/runner"
	"github.com/runbot-ci/overseer/store"
)

var (
	configPath  = flag.String("config-path", "/etc/config/config.yaml", "Path to config.yaml.")
	databaseDSN = flag.String("database", "", "Postgres connection string.")
	redisAddr   = flag.String("redis", "localhost:6379", "Redis address for the event bus.")
	gcsBucket   = flag.String("artifact-bucket", "", "GCS bucket for per-run logs and artifacts.")
	vcsLocation = flag.String("vcs-location", "/srv/vcs", "Base path of the central VCS store.")
	listenAddr  = flag.String("listen-address", ":9911", "Address to serve the runner API on.")
	nodeID      = flag.Int64("node-id", 1, "Snowflake node id for build-id minting.")
)

func main() {
	flag.Parse()
	logrus.SetFormatter(&logrus.JSONFormatter{})

	configAgent := &config.Agent{}
	if err := configAgent.Start(*configPath); err != nil {
		logrus.WithError(err).Fatal("Error starting config agent.")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := store.New(ctx, *databaseDSN)
	if err != nil {
		logrus.WithError(err).Fatal("Error connecting to store.")
	}
	defer st.Close()

	gcs, err := storage.NewClient(ctx)
	if err != nil {
		logrus.WithError(err).Fatal("Error creating storage client.")
	}
	artifactStore := artifacts.New(ctx, gcs, *gcsBucket)

	eventBus := bus.NewRedisBus(*redisAddr)
	defer eventBus.Close()

	cfg := configAgent.Config()

	// Reclaim assignments orphaned by a previous process before taking on
	// new ones.
	cutoff := time.Now().Add(-cfg.Runner.StaleThreshold)
	reclaimed, err := st.ReclaimStaleActiveRuns(ctx, cutoff)
	if err != nil {
		logrus.WithError(err).Fatal("Error reclaiming stale active runs.")
	}
	if len(reclaimed) > 0 {
		logrus.WithField("count", len(reclaimed)).Warning("Reclaimed stale active runs from previous instance.")
	}

	assigner, err := runner.New(st, *nodeID, func(campaign string) map[string]interface{} {
		// Build config is opaque to the assigner beyond passthrough; carry
		// the campaign's command template so workers need no config access.
		c, ok := configAgent.Config().CampaignsByName()[campaign]
		if !ok {
			return nil
		}
		return map[string]interface{}{"command": c.Command}
	})
	if err != nil {
		logrus.WithError(err).Fatal("Error creating assigner.")
	}

	ingestor := runner.NewIngestor(st, artifactStore, eventBus, runner.UploadLimits{
		MaxUploadSizeBytes: cfg.Runner.MaxUploadSizeBytes,
		MaxFileSizeBytes:   cfg.Runner.MaxFileSizeBytes,
	})

	supervisor := runner.NewSupervisor(st, eventBus, cfg.Runner.HeartbeatInterval, cfg.Runner.PingRetries,
		func(ctx context.Context, logID string, run *v1.Run) error {
			_, _, err := st.FinishActiveRun(ctx, logID, run)
			return err
		})
	go func() {
		if err := supervisor.Run(ctx); err != nil && ctx.Err() == nil {
			logrus.WithError(err).Error("Supervisor exited.")
		}
	}()

	server := runner.NewServer(assigner, ingestor, st, artifactStore, *vcsLocation)
	httpServer := &http.Server{Addr: *listenAddr, Handler: server.Handler()}
	go func() {
		logrus.WithField("address", *listenAddr).Info("Runner listening.")
		if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
			logrus.WithError(err).Fatal("Error serving runner API.")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logrus.Info("Shutting down.")
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logrus.WithError(err).Warning("Forced shutdown; abandoned tasks will be reclaimed on next startup.")
	}
}
