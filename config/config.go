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

// Package config knows how to read and parse config.yaml: campaign
// definitions, publish policies, rate-limit buckets, and the tunables of
// every long-running component.
package config

import (
	"fmt"
	"io/ioutil"
	"time"

	"github.com/ghodss/yaml"
)

// Campaign describes one automation category: its builder command template
// and the publish policy it runs under by default.
type Campaign struct {
	Name          string `json:"name"`
	Command       string `json:"command"`
	PublishPolicy string `json:"publish_policy,omitempty"`
	RequireReview bool   `json:"require_review,omitempty"`
	// RequireBinaryDiff gates publish on the out-of-scope differ service
	// having a cached artifact diff available.
	RequireBinaryDiff bool `json:"require_binary_diff,omitempty"`
}

// PublishPolicy names the mode a (codebase, campaign) pair publishes under,
// plus the rate-limit bucket its merge proposals are counted against.
type PublishPolicy struct {
	Name   string `json:"name"`
	Mode   string `json:"mode"`
	Bucket string `json:"bucket,omitempty"`
}

// Bucket is the rate-limit admission configuration for one named bucket.
type Bucket struct {
	Name    string `json:"name"`
	MaxOpen *int   `json:"max_open,omitempty"`
}

// Scheduler holds the tunables of the cost/value offset formula.
type Scheduler struct {
	MaxCodebaseValue float64 `json:"max_codebase_value,omitempty"`
}

// Runner is config for the assignment/ingestion HTTP surface.
type Runner struct {
	ListenAddressString string `json:"listen_address,omitempty"`

	HeartbeatIntervalString string        `json:"heartbeat_interval,omitempty"`
	HeartbeatInterval       time.Duration `json:"-"`

	StaleThresholdString string        `json:"stale_threshold,omitempty"`
	StaleThreshold       time.Duration `json:"-"`

	PingRetries int `json:"ping_retries,omitempty"`

	MaxUploadSizeBytes int64 `json:"max_upload_size_bytes,omitempty"`
	MaxFileSizeBytes   int64 `json:"max_file_size_bytes,omitempty"`
}

// Publisher is config for the publish loop.
type Publisher struct {
	IntervalString string        `json:"interval,omitempty"`
	Interval       time.Duration `json:"-"`

	// VCSLocation is the base of the central VCS store holding imported
	// result branches; the publish worker reads source branches from
	// <vcs_location>/<codebase>/<campaign>.
	VCSLocation string `json:"vcs_location,omitempty"`

	PushLimit     int `json:"push_limit,omitempty"`
	ModifyMPLimit int `json:"modify_mp_limit,omitempty"`

	BackoffBaseString string        `json:"backoff_base,omitempty"`
	BackoffBase       time.Duration `json:"-"`
	BackoffCap        int           `json:"backoff_cap,omitempty"`

	StragglerAgeString string        `json:"straggler_age,omitempty"`
	StragglerAge       time.Duration `json:"-"`

	UnexpectedMPLimit int `json:"unexpected_mp_limit,omitempty"`
}

// Reconciler is config for the merge-proposal reconciliation loop.
type Reconciler struct {
	IntervalString string        `json:"interval,omitempty"`
	Interval       time.Duration `json:"-"`
	AutoAbandon    bool          `json:"auto_abandon,omitempty"`
}

// Config is a read-only snapshot of the loaded configuration.
type Config struct {
	Campaigns       []Campaign      `json:"campaigns,omitempty"`
	PublishPolicies []PublishPolicy `json:"publish_policies,omitempty"`
	Buckets         []Bucket        `json:"buckets,omitempty"`

	Scheduler  Scheduler  `json:"scheduler,omitempty"`
	Runner     Runner     `json:"runner,omitempty"`
	Publisher  Publisher  `json:"publisher,omitempty"`
	Reconciler Reconciler `json:"reconciler,omitempty"`
}

// CampaignsByName indexes c.Campaigns for lookup.
func (c *Config) CampaignsByName() map[string]Campaign {
	out := make(map[string]Campaign, len(c.Campaigns))
	for _, camp := range c.Campaigns {
		out[camp.Name] = camp
	}
	return out
}

// PolicyByName indexes c.PublishPolicies for lookup.
func (c *Config) PolicyByName() map[string]PublishPolicy {
	out := make(map[string]PublishPolicy, len(c.PublishPolicies))
	for _, p := range c.PublishPolicies {
		out[p.Name] = p
	}
	return out
}

// MaxOpenForBucket returns the configured max-open for bucket, falling back
// to the "default" bucket's configuration when bucket is unknown.
func (c *Config) MaxOpenForBucket(bucket string) (int, bool) {
	var def *Bucket
	for i := range c.Buckets {
		b := &c.Buckets[i]
		if b.Name == bucket && b.MaxOpen != nil {
			return *b.MaxOpen, true
		}
		if b.Name == "default" {
			def = b
		}
	}
	if def != nil && def.MaxOpen != nil {
		return *def.MaxOpen, true
	}
	return 0, false
}

// Load loads and parses the config at path.
func Load(path string) (*Config, error) {
	b, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading %s: %v", path, err)
	}
	nc := &Config{}
	if err := yaml.Unmarshal(b, nc); err != nil {
		return nil, fmt.Errorf("error unmarshaling %s: %v", path, err)
	}
	if err := parseConfig(nc); err != nil {
		return nil, err
	}
	return nc, nil
}

func parseDuration(field, value string, fallback time.Duration) (time.Duration, error) {
	if value == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("cannot parse duration for %s: %v", field, err)
	}
	return d, nil
}

func parseConfig(c *Config) error {
	var err error
	if c.Runner.HeartbeatInterval, err = parseDuration("runner.heartbeat_interval", c.Runner.HeartbeatIntervalString, 30*time.Second); err != nil {
		return err
	}
	if c.Runner.StaleThreshold, err = parseDuration("runner.stale_threshold", c.Runner.StaleThresholdString, 10*time.Minute); err != nil {
		return err
	}
	if c.Runner.PingRetries == 0 {
		c.Runner.PingRetries = 3
	}
	if c.Publisher.Interval, err = parseDuration("publisher.interval", c.Publisher.IntervalString, time.Minute); err != nil {
		return err
	}
	if c.Publisher.BackoffBase, err = parseDuration("publisher.backoff_base", c.Publisher.BackoffBaseString, 15*time.Minute); err != nil {
		return err
	}
	if c.Publisher.BackoffCap == 0 {
		c.Publisher.BackoffCap = 6
	}
	if c.Publisher.StragglerAge, err = parseDuration("publisher.straggler_age", c.Publisher.StragglerAgeString, 7*24*time.Hour); err != nil {
		return err
	}
	if c.Reconciler.Interval, err = parseDuration("reconciler.interval", c.Reconciler.IntervalString, 5*time.Minute); err != nil {
		return err
	}
	if c.Scheduler.MaxCodebaseValue == 0 {
		c.Scheduler.MaxCodebaseValue = 1.0
	}
	for _, camp := range c.Campaigns {
		if camp.Name == "" {
			return fmt.Errorf("campaign has no name")
		}
		if camp.Command == "" {
			return fmt.Errorf("campaign %s has no command", camp.Name)
		}
	}
	return nil
}
