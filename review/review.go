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

// Package review aggregates per-reviewer verdict rows into the single
// publish_status the publisher's review blocker evaluates.
package review

import (
	v1 "github.com/runbot-ci/overseer/apis/orchestrator/v1"
)

// Aggregate folds every verdict recorded against a run into a publish
// status. Any reject wins over any number of approvals; abstentions carry
// no weight. A campaign that requires review and has no verdicts yet is
// needs-manual-review; one that does not require review stays unknown
// until a reviewer says otherwise.
func Aggregate(reviews []v1.Review, requireReview bool) v1.PublishStatus {
	var approvals, rejections int
	for _, r := range reviews {
		switch r.Verdict {
		case v1.ReviewApprove:
			approvals++
		case v1.ReviewReject:
			rejections++
		}
	}
	switch {
	case rejections > 0:
		return v1.PublishRejected
	case approvals > 0:
		return v1.PublishApproved
	case requireReview:
		return v1.PublishNeedsManualReview
	default:
		return v1.PublishUnknown
	}
}
