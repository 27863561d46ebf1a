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

package policy

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
)

const testPolicyFile = `
rules:
  - codebase_pattern: "**"
    policy: conservative
  - codebase_pattern: "lib*"
    campaign: lint
    policy: aggressive
    command: "lint --fix-all"
  - codebase_pattern: "libfoo"
    campaign: lint
    policy: frozen
`

func loadTestFile(t *testing.T, content string) *File {
	t.Helper()
	dir, err := ioutil.TempDir("", "policy")
	if err != nil {
		t.Fatalf("creating temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	path := filepath.Join(dir, "policy.yaml")
	if err := ioutil.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing policy file: %v", err)
	}
	f, err := Load(path)
	if err != nil {
		t.Fatalf("loading policy file: %v", err)
	}
	return f
}

func TestResolveLastMatchWins(t *testing.T) {
	f := loadTestFile(t, testPolicyFile)

	var testcases = []struct {
		name            string
		codebase        string
		campaign        string
		expectedPolicy  string
		expectedCommand string
	}{
		{name: "broad default", codebase: "anything", campaign: "lint", expectedPolicy: "conservative"},
		{name: "glob narrows", codebase: "libbar", campaign: "lint", expectedPolicy: "aggressive", expectedCommand: "lint --fix-all"},
		{name: "exact name wins over glob", codebase: "libfoo", campaign: "lint", expectedPolicy: "frozen"},
		{name: "campaign-scoped rule skipped for other campaigns", codebase: "libbar", campaign: "deps", expectedPolicy: "conservative"},
	}
	for _, tc := range testcases {
		policy, command, ok := f.Resolve(tc.codebase, tc.campaign)
		if !ok {
			t.Errorf("%s: expected a match", tc.name)
			continue
		}
		if policy != tc.expectedPolicy {
			t.Errorf("%s: expected policy %q, got %q", tc.name, tc.expectedPolicy, policy)
		}
		if command != tc.expectedCommand {
			t.Errorf("%s: expected command %q, got %q", tc.name, tc.expectedCommand, command)
		}
	}
}

func TestLoadRejectsBadRules(t *testing.T) {
	dir, err := ioutil.TempDir("", "policy")
	if err != nil {
		t.Fatalf("creating temp dir: %v", err)
	}
	defer os.RemoveAll(dir)

	var testcases = []struct {
		name    string
		content string
	}{
		{name: "missing pattern", content: "rules:\n  - policy: x\n"},
		{name: "missing policy", content: "rules:\n  - codebase_pattern: '*'\n"},
	}
	for _, tc := range testcases {
		path := filepath.Join(dir, tc.name+".yaml")
		if err := ioutil.WriteFile(path, []byte(tc.content), 0o644); err != nil {
			t.Fatalf("writing file: %v", err)
		}
		if _, err := Load(path); err == nil {
			t.Errorf("%s: expected load to fail", tc.name)
		}
	}
}
