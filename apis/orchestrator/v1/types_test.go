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

package v1

import (
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestBucketTotalOrder(t *testing.T) {
	ordered := []Bucket{
		BucketUpdateExistingMP,
		BucketManual,
		BucketControl,
		BucketHook,
		BucketReschedule,
		BucketUpdateNewMP,
		BucketMissingDeps,
		BucketDefault,
	}
	for i := 1; i < len(ordered); i++ {
		if ordered[i-1].Order() >= ordered[i].Order() {
			t.Errorf("%s should sort before %s", ordered[i-1], ordered[i])
		}
	}
	if Bucket("made-up").Order() <= BucketDefault.Order() {
		t.Error("unknown buckets must sort after every known bucket")
	}
}

func TestPublishModeValues(t *testing.T) {
	var testcases = []struct {
		mode     PublishMode
		expected float64
	}{
		{ModePush, 500},
		{ModeAttemptPush, 450},
		{ModePropose, 400},
		{ModePushDerived, 200},
		{ModeBts, 100},
		{ModeBuildOnly, 0},
		{ModeSkip, 0},
	}
	for _, tc := range testcases {
		if got := PublishModeValue(tc.mode); got != tc.expected {
			t.Errorf("%s: expected %v, got %v", tc.mode, tc.expected, got)
		}
	}
}

func TestBackchannelRoundTrip(t *testing.T) {
	in := Backchannel{
		Kind:     BackchannelHostedCI,
		URL:      "https://ci.example.com",
		Metadata: json.RawMessage(`{"job_name":"overseer-worker","build":42}`),
	}
	value, err := in.Value()
	if err != nil {
		t.Fatalf("value: %v", err)
	}
	var out Backchannel
	if err := out.Scan(value); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if diff := cmp.Diff(in, out); diff != "" {
		t.Errorf("backchannel did not survive the store round trip: %s", diff)
	}
}
