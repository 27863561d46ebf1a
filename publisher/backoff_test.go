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
	"testing"
	"time"
)

func TestCalculateNextTryTime(t *testing.T) {
	finish := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	base := 15 * time.Minute

	var testcases = []struct {
		name     string
		attempts int
		expected time.Duration
	}{
		{name: "first attempt waits the base", attempts: 0, expected: base},
		{name: "second attempt doubles", attempts: 1, expected: 2 * base},
		{name: "third attempt doubles again", attempts: 2, expected: 4 * base},
		{name: "cap stops the doubling", attempts: 10, expected: 64 * base},
	}
	for _, tc := range testcases {
		got := CalculateNextTryTime(finish, tc.attempts, 6, base)
		if wait := got.Sub(finish); wait != tc.expected {
			t.Errorf("%s: expected wait %v, got %v", tc.name, tc.expected, wait)
		}
		if got.Sub(finish) < base {
			t.Errorf("%s: wait shorter than base", tc.name)
		}
	}
}
