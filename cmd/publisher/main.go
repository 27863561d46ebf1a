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
	"bytes"
	"context"
	"flag"
	"io/ioutil"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	v1 "github.com/runbot-ci/overseer/apis/orchestrator/v1"
	"github.com/runbot-ci/overseer/bus"
	"github.com/runbot-ci/overseer/config"
	"github.com/runbot-ci/overseer/forge"
	"github.com/runbot-ci/overseer/publisher"
	"github.com/runbot-ci/overseer/ratelimit"
	"github.com/runbot-ci/overseer/reconciler"
	"github.com/runbot-ci/overseer/store"
)

var (
	configPath  = flag.String("config-path", "/etc/config/config.yaml", "Path to config.yaml.")
	databaseDSN = flag.String("database", "", "Postgres connection string.")
	redisAddr   = flag.String("redis", "localhost:6379", "Redis address for the event bus.")
	listenAddr  = flag.String("listen-address", ":9912", "Address to serve the publisher API on.")

	workerBin = flag.String("publish-worker", "/usr/bin/publish-worker", "Path to the publish worker binary.")
	differURL = flag.String("differ-url", "", "Base URL of the differ service; empty disables the binary diff gate.")

	githubBotName   = flag.String("github-bot-name", "", "Login of the GitHub publish identity.")
	githubTokenFile = flag.String("github-token-file", "/etc/github/oauth", "Path to the file containing the GitHub OAuth token.")
	gerritURL       = flag.String("gerrit-url", "", "Gerrit instance URL; empty disables the Gerrit forge.")

	forgeQPS   = flag.Float64("forge-qps", 1.0, "Steady-state requests per second per forge host.")
	forgeBurst = flag.Int("forge-burst", 5, "Burst size per forge host.")
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

	eventBus := bus.NewRedisBus(*redisAddr)
	defer eventBus.Close()

	// The bucket limiter is seeded from the store so its counts agree with
	// the merge_proposal rows from the first cycle on.
	startingCounts, err := st.CountOpenByBucket(ctx)
	if err != nil {
		logrus.WithError(err).Fatal("Error reading open proposal counts.")
	}
	maxOpen := map[v1.Bucket]int{}
	for _, b := range configAgent.Config().Buckets {
		if b.MaxOpen != nil {
			maxOpen[v1.Bucket(b.Name)] = *b.MaxOpen
		}
	}
	buckets := ratelimit.NewBucketLimiter(maxOpen, startingCounts)
	forgeLimiter := ratelimit.NewForgeLimiter(*forgeQPS, *forgeBurst)

	var forges []forge.Forge
	if *githubBotName != "" {
		raw, err := ioutil.ReadFile(*githubTokenFile)
		if err != nil {
			logrus.WithError(err).Fatal("Could not read oauth secret file.")
		}
		forges = append(forges, forge.NewGitHub(*githubBotName, string(bytes.TrimSpace(raw))))
	}
	if *gerritURL != "" {
		g, err := forge.NewGerrit(*gerritURL, nil)
		if err != nil {
			logrus.WithError(err).Fatal("Error creating gerrit forge.")
		}
		forges = append(forges, g)
	}
	registry := forge.NewRegistry(forges...)

	rec := reconciler.New(st, registry, buckets, forgeLimiter, configAgent, eventBus)

	var differ publisher.Differ
	if *differURL != "" {
		differ = publisher.NewHTTPDiffer(*differURL, nil)
	}
	worker := publisher.NewExecWorker(*workerBin, 0)
	pub := publisher.New(st, configAgent, buckets, forgeLimiter, worker, differ, eventBus, rec)

	if err := pub.SubscribeRunFinished(ctx, eventBus); err != nil {
		logrus.WithError(err).Fatal("Error subscribing to run-finished events.")
	}
	go func() {
		if err := pub.ProcessQueueLoop(ctx); err != nil && ctx.Err() == nil {
			logrus.WithError(err).Error("Publish loop exited.")
		}
	}()

	server := publisher.NewServer(pub, st, rec)
	httpServer := &http.Server{Addr: *listenAddr, Handler: server.Handler()}
	go func() {
		logrus.WithField("address", *listenAddr).Info("Publisher listening.")
		if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
			logrus.WithError(err).Fatal("Error serving publisher API.")
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
		logrus.WithError(err).Warning("Forced shutdown.")
	}
}
