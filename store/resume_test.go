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

package store

import (
	"testing"

	v1 "github.com/runbot-ci/overseer/apis/orchestrator/v1"
)

func TestCanResumeFrom(t *testing.T) {
	branch := []v1.ResultBranch{{FunctionName: "main", RemoteName: "main", BaseRevision: "r0", NewRevision: "r1"}}
	var testcases = []struct {
		name     string
		run      *v1.Run
		expected bool
	}{
		{name: "nil run", run: nil},
		{name: "successful run with branches", run: &v1.Run{ResultCode: v1.ResultSuccess, ResultBranches: branch}, expected: true},
		{name: "successful run without branches", run: &v1.Run{ResultCode: v1.ResultSuccess}},
		{name: "nothing-to-do keeps its base", run: &v1.Run{ResultCode: v1.ResultNothingToDo, ResultBranches: branch}, expected: true},
		{name: "nothing-new-to-do keeps its base", run: &v1.Run{ResultCode: v1.ResultNothingNewToDo, ResultBranches: branch}, expected: true},
		{name: "failure restarts from scratch", run: &v1.Run{ResultCode: v1.ResultFailure, ResultBranches: branch}},
		{name: "worker failure restarts from scratch", run: &v1.Run{ResultCode: v1.ResultWorkerFailure, ResultBranches: branch}},
	}
	for _, tc := range testcases {
		if got := CanResumeFrom(tc.run); got != tc.expected {
			t.Errorf("%s: expected %v, got %v", tc.name, tc.expected, got)
		}
	}
}
