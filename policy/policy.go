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

// Package policy resolves which named publish policy applies to a
// (codebase, campaign) pair from a declarative assignment file. Assignments
// are evaluated top to bottom; the last matching rule wins, so operators
// can write a broad default first and narrow exceptions below it.
package policy

import (
	"fmt"
	"io/ioutil"

	"github.com/ghodss/yaml"
	"github.com/mattn/go-zglob"
)

// Rule assigns a policy to every codebase whose name matches CodebasePattern
// (a glob, ** supported) for the named campaign. An empty Campaign matches
// all campaigns.
type Rule struct {
	CodebasePattern string `json:"codebase_pattern"`
	Campaign        string `json:"campaign,omitempty"`
	Policy          string `json:"policy"`
	// Command, when set, overrides the campaign's default command for the
	// matched codebases; the publisher's "command" blocker compares a run's
	// frozen command against this resolved value.
	Command string `json:"command,omitempty"`
}

// File is the parsed policy assignment document.
type File struct {
	Rules []Rule `json:"rules"`
}

// Load reads and validates a policy assignment file.
func Load(path string) (*File, error) {
	b, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading %s: %v", path, err)
	}
	f := &File{}
	if err := yaml.Unmarshal(b, f); err != nil {
		return nil, fmt.Errorf("error unmarshaling %s: %v", path, err)
	}
	for i, r := range f.Rules {
		if r.CodebasePattern == "" {
			return nil, fmt.Errorf("rule %d has no codebase_pattern", i)
		}
		if r.Policy == "" {
			return nil, fmt.Errorf("rule %d has no policy", i)
		}
		if _, err := zglob.Match(r.CodebasePattern, "probe"); err != nil {
			return nil, fmt.Errorf("rule %d has a bad codebase_pattern %q: %v", i, r.CodebasePattern, err)
		}
	}
	return f, nil
}

// Resolve returns the policy name and command override for (codebase,
// campaign). ok is false when no rule matches.
func (f *File) Resolve(codebase, campaign string) (policyName, command string, ok bool) {
	for _, r := range f.Rules {
		if r.Campaign != "" && r.Campaign != campaign {
			continue
		}
		matched, err := zglob.Match(r.CodebasePattern, codebase)
		if err != nil || !matched {
			continue
		}
		policyName = r.Policy
		command = r.Command
		ok = true
	}
	return policyName, command, ok
}
