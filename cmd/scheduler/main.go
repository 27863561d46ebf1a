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
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	cron "gopkg.in/robfig/cron.v2"

	"github.com/runbot-ci/overseer/config"
	"github.com/runbot-ci/overseer/policy"
	"github.com/runbot-ci/overseer/scheduler"
	"github.com/runbot-ci/overseer/store"
)

var (
	configPath      = flag.String("config-path", "/etc/config/config.yaml", "Path to config.yaml.")
	policyPath      = flag.String("policy-file", "", "Path to the publish policy assignment file; empty trusts candidate-supplied policies.")
	packageIndexURL = flag.String("package-index-url", "", "Base URL of the package-index service used to re-check unsatisfied dependencies; empty leaves prior dependency failures counted as failures.")
	databaseDSN     = flag.String("database", "", "Postgres connection string.")
	schedule        = flag.String("schedule", "@every 1h", "Cron schedule for the bulk candidate pass.")
	campaign        = flag.String("campaign", "", "Restrict the bulk pass to one campaign.")
	runOnce         = flag.Bool("run-once", false, "Run a single bulk pass and exit.")
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

	var deps scheduler.DependencyChecker
	if *packageIndexURL != "" {
		deps = scheduler.NewHTTPDependencyChecker(*packageIndexURL, nil)
	}
	sched := scheduler.New(st, configAgent, deps)

	var policies *policy.File
	if *policyPath != "" {
		policies, err = policy.Load(*policyPath)
		if err != nil {
			logrus.WithError(err).Fatal("Error loading policy file.")
		}
	}

	pass := func() {
		candidates, err := st.ListCandidates(ctx, *campaign)
		if err != nil {
			logrus.WithError(err).Error("Error listing candidates.")
			return
		}
		if policies != nil {
			// The policy file is authoritative over whatever policy the
			// discovery subsystem attached to the candidate.
			for i := range candidates {
				name, command, ok := policies.Resolve(candidates[i].Codebase, candidates[i].Campaign)
				if !ok {
					continue
				}
				candidates[i].PublishPolicy = name
				if command != "" {
					candidates[i].Command = command
				}
			}
		}
		scheduled, err := sched.ScheduleBulk(ctx, candidates, "scheduler")
		if err != nil {
			logrus.WithError(err).WithField("scheduled", scheduled).Error("Bulk scheduling stopped early.")
			return
		}
		logrus.WithField("scheduled", scheduled).Info("Bulk scheduling pass complete.")
	}

	if *runOnce {
		pass()
		return
	}

	c := cron.New()
	if _, err := c.AddFunc(*schedule, pass); err != nil {
		logrus.WithError(err).Fatal("Error parsing schedule.")
	}
	c.Start()
	defer c.Stop()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logrus.Info("Shutting down.")
}
