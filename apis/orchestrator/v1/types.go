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

// Package v1 holds the wire/storage types shared by every component of the
// orchestration pipeline: codebases, candidates, queue entries, active runs,
// runs, merge proposals, publish records, change sets and reviews.
package v1

import (
	"encoding/json"
	"time"
)

// VcsKind enumerates the version control systems a Codebase may use.
type VcsKind string

const (
	VcsGit   VcsKind = "git"
	VcsBzr   VcsKind = "bzr"
	VcsHg    VcsKind = "hg"
	VcsSvn   VcsKind = "svn"
	VcsCvs   VcsKind = "cvs"
	VcsDarcs VcsKind = "darcs"
	VcsArch  VcsKind = "arch"
	VcsMtn   VcsKind = "mtn"
)

// PublishMode names one of the publish policies a candidate can request.
type PublishMode string

const (
	ModePush        PublishMode = "push"
	ModeAttemptPush PublishMode = "attempt-push"
	ModePropose     PublishMode = "propose"
	ModeBuildOnly   PublishMode = "build-only"
	ModePushDerived PublishMode = "push-derived"
	ModeSkip        PublishMode = "skip"
	ModeBts         PublishMode = "bts"
)

// PublishModeValue is the additive boost a publish mode contributes to a
// candidate's value, so the scheduler prefers candidates whose policy
// expects real publication.
func PublishModeValue(m PublishMode) float64 {
	switch m {
	case ModePush:
		return 500
	case ModeAttemptPush:
		return 450
	case ModePropose:
		return 400
	case ModePushDerived:
		return 200
	case ModeBts:
		return 100
	default:
		return 0
	}
}

// Bucket is a named priority/rate-limit class for queue items and merge
// proposals. BucketOrder defines the fixed total order used to sort the
// queue: lower Order dequeues first.
type Bucket string

const (
	BucketUpdateExistingMP Bucket = "update-existing-mp"
	BucketManual           Bucket = "manual"
	BucketControl          Bucket = "control"
	BucketHook             Bucket = "hook"
	BucketReschedule       Bucket = "reschedule"
	BucketUpdateNewMP      Bucket = "update-new-mp"
	BucketMissingDeps      Bucket = "missing-deps"
	BucketDefault          Bucket = "default"
)

// bucketOrder is the fixed total order used for dequeue.
var bucketOrder = map[Bucket]int{
	BucketUpdateExistingMP: 0,
	BucketManual:           1,
	BucketControl:          2,
	BucketHook:             3,
	BucketReschedule:       4,
	BucketUpdateNewMP:      5,
	BucketMissingDeps:      6,
	BucketDefault:          7,
}

// Order returns the bucket's position in the fixed dequeue order. Unknown
// buckets sort after every known bucket, same as an unrecognized rate-limit
// bucket falling back to "default" for admission control purposes.
func (b Bucket) Order() int {
	if o, ok := bucketOrder[b]; ok {
		return o
	}
	return len(bucketOrder)
}

// Codebase identifies a repository-like unit of work addressable by name.
type Codebase struct {
	Name      string  `json:"name" db:"name"`
	Vcs       VcsKind `json:"vcs" db:"vcs"`
	BranchURL *string `json:"branch_url,omitempty" db:"branch_url"`
	URL       *string `json:"url,omitempty" db:"url"`
	Subpath   *string `json:"subpath,omitempty" db:"subpath"`
	Value     float64 `json:"value" db:"value"`
	Inactive  bool    `json:"inactive" db:"inactive"`
}

// Candidate is an eligibility record produced by the (out of scope)
// discovery subsystem and consumed by the Scheduler.
type Candidate struct {
	Codebase      string          `json:"codebase" db:"codebase"`
	Campaign      string          `json:"campaign" db:"suite"`
	ChangeSet     *string         `json:"change_set,omitempty" db:"change_set"`
	Command       string          `json:"command" db:"command"`
	Context       json.RawMessage `json:"context,omitempty" db:"context"`
	Value         float64         `json:"value" db:"value"`
	SuccessChance float64         `json:"success_chance" db:"success_chance"`
	PublishPolicy string          `json:"publish_policy" db:"publish_policy"`
}

// QueueItem is a pending unit of scheduled work.
type QueueItem struct {
	ID                int64           `json:"id" db:"id"`
	Bucket            Bucket          `json:"bucket" db:"bucket"`
	Codebase          string          `json:"codebase" db:"codebase"`
	Campaign          string          `json:"campaign" db:"suite"`
	Command           string          `json:"command" db:"command"`
	Priority          float64         `json:"priority" db:"priority"`
	Context           json.RawMessage `json:"context,omitempty" db:"context"`
	EstimatedDuration time.Duration   `json:"estimated_duration" db:"estimated_duration"`
	Refresh           bool            `json:"refresh" db:"refresh"`
	Requester         string          `json:"requester" db:"requester"`
	ChangeSet         *string         `json:"change_set,omitempty" db:"change_set"`
}

// BackchannelKind tags the polymorphic worker-liveness variant.
type BackchannelKind string

const (
	BackchannelHTTP     BackchannelKind = "http"
	BackchannelHostedCI BackchannelKind = "hosted-ci"
	BackchannelNone     BackchannelKind = "none"
)

// Backchannel is the tagged union persisted on an ActiveRun describing how
// the runner reaches the worker executing it. It round-trips through JSON
// as {"kind": ..., ...} so the runner can reconstruct the right variant
// after a restart.
type Backchannel struct {
	Kind BackchannelKind `json:"kind"`
	URL  string          `json:"url,omitempty"`
	// Metadata carries backend-specific fields (e.g. a Jenkins job name, a
	// hosted-CI job id) without the core needing to know their shape.
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

// VcsInfo captures where an ActiveRun's result branches should land.
type VcsInfo struct {
	Vcs     VcsKind `json:"vcs"`
	Origin  string  `json:"origin"`
	Subpath string  `json:"subpath,omitempty"`
}

// ActiveRun is materialized when a queue item is assigned to a worker.
type ActiveRun struct {
	LogID             string          `json:"log_id" db:"log_id"`
	QueueID           int64           `json:"queue_id" db:"queue_id"`
	WorkerName        string          `json:"worker_name" db:"worker_name"`
	WorkerLink        string          `json:"worker_link,omitempty" db:"worker_link"`
	StartTime         time.Time       `json:"start_time" db:"start_time"`
	EstimatedDuration time.Duration   `json:"estimated_duration" db:"estimated_duration"`
	Backchannel       Backchannel     `json:"backchannel" db:"backchannel"`
	VcsInfo           VcsInfo         `json:"vcs_info" db:"vcs_info"`
	Command           string          `json:"command" db:"command"`
	Campaign          string          `json:"campaign" db:"suite"`
	ChangeSet         *string         `json:"change_set,omitempty" db:"change_set"`
	Codebase          string          `json:"codebase" db:"codebase"`
	InstigatedContext json.RawMessage `json:"instigated_context,omitempty" db:"instigated_context"`
	ResumeFrom        *string         `json:"resume_from,omitempty" db:"resume_from"`
	BuildID           string          `json:"build_id,omitempty" db:"build_id"`
	// LastPing is the most recent instant the backchannel confirmed the
	// worker was still processing this run; staleness reclamation keys on
	// it rather than StartTime so long-running but responsive jobs are
	// never reaped.
	LastPing time.Time `json:"last_ping" db:"last_ping"`
}

// ResultBranch is one (function, remote name, base rev, new rev) tuple
// reported by a worker.
type ResultBranch struct {
	FunctionName string `json:"function_name"`
	RemoteName   string `json:"remote_name"`
	BaseRevision string `json:"base_revision"`
	NewRevision  string `json:"new_revision"`
}

// ResultTag is a (name, revision) tuple reported by a worker.
type ResultTag struct {
	Name     string `json:"name"`
	Revision string `json:"revision"`
}

// PublishStatus is the externally observable review/publish state of a Run.
type PublishStatus string

const (
	PublishUnknown           PublishStatus = "unknown"
	PublishBlocked           PublishStatus = "blocked"
	PublishNeedsManualReview PublishStatus = "needs-manual-review"
	PublishRejected          PublishStatus = "rejected"
	PublishApproved          PublishStatus = "approved"
	PublishIgnored           PublishStatus = "ignored"
)

// Conventional result codes. The set is open; unknown codes are treated as
// non-transient failures.
const (
	ResultSuccess           = "success"
	ResultNothingToDo       = "nothing-to-do"
	ResultNothingNewToDo    = "nothing-new-to-do"
	ResultFailure           = "failure"
	ResultWorkerFailure     = "worker-failure"
	ResultTimeout           = "timeout"
	ResultBranchUnavailable = "branch-unavailable"
	ResultInstallDepsUnsat  = "install-deps-unsatisfied-dependencies"
)

// Run is the terminal record of an execution.
type Run struct {
	ID                 string          `json:"id" db:"id"`
	Codebase           string          `json:"codebase" db:"codebase"`
	Campaign           string          `json:"campaign" db:"suite"`
	ChangeSet          *string         `json:"change_set,omitempty" db:"change_set"`
	Command            string          `json:"command" db:"command"`
	InstigatedContext  json.RawMessage `json:"instigated_context,omitempty" db:"instigated_context"`
	Context            json.RawMessage `json:"context,omitempty" db:"context"`
	ResultCode         string          `json:"result_code" db:"result_code"`
	Description        string          `json:"description,omitempty" db:"description"`
	StartTime          time.Time       `json:"start_time" db:"start_time"`
	FinishTime         time.Time       `json:"finish_time" db:"finish_time"`
	MainBranchRevision string          `json:"main_branch_revision,omitempty" db:"main_branch_revision"`
	Revision           string          `json:"revision,omitempty" db:"revision"`
	Result             json.RawMessage `json:"result,omitempty" db:"result"`
	ResultBranches     []ResultBranch  `json:"result_branches,omitempty" db:"result_branches"`
	ResultTags         []ResultTag     `json:"result_tags,omitempty" db:"result_tags"`
	FailureDetails     json.RawMessage `json:"failure_details,omitempty" db:"failure_details"`
	FailureStage       string          `json:"failure_stage,omitempty" db:"failure_stage"`
	FailureTransient   bool            `json:"failure_transient,omitempty" db:"failure_transient"`
	PublishStatus      PublishStatus   `json:"publish_status" db:"publish_status"`
	ResumeFrom         *string         `json:"resume_from,omitempty" db:"resume_from"`
	Value              float64         `json:"value,omitempty" db:"value"`
	Refreshed          bool            `json:"refreshed,omitempty" db:"refreshed"`
	BuilderResult      json.RawMessage `json:"builder_result,omitempty" db:"builder_result"`
	Remotes            json.RawMessage `json:"remotes,omitempty" db:"remotes"`
	// WorkerResult is the worker-submitted result document, stored
	// verbatim so campaign-specific keys the typed projection does not
	// know about survive the round trip through the store.
	WorkerResult json.RawMessage `json:"worker_result,omitempty" db:"worker_result"`
}

// Complete reports whether the run carries a terminal result code. A Run
// row always should; an empty code means the record is still being
// assembled by the ingestor.
func (r *Run) Complete() bool {
	return r.ResultCode != ""
}

// MergeProposalStatus is the externally observed state of a merge proposal.
type MergeProposalStatus string

const (
	MPOpen      MergeProposalStatus = "open"
	MPClosed    MergeProposalStatus = "closed"
	MPMerged    MergeProposalStatus = "merged"
	MPApplied   MergeProposalStatus = "applied"
	MPAbandoned MergeProposalStatus = "abandoned"
	MPRejected  MergeProposalStatus = "rejected"
)

// MergeProposal is an externally visible pull/merge request created by the
// Publisher, keyed by URL.
type MergeProposal struct {
	URL             string              `json:"url" db:"url"`
	Codebase        string              `json:"codebase" db:"codebase"`
	Status          MergeProposalStatus `json:"status" db:"status"`
	TargetBranchURL string              `json:"target_branch_url" db:"target_branch_url"`
	Revision        string              `json:"revision,omitempty" db:"revision"`
	Bucket          Bucket              `json:"bucket" db:"bucket"`
	CreatedTime     time.Time           `json:"created_time" db:"created_time"`
	LastChecked     time.Time           `json:"last_checked" db:"last_checked"`
}

// Publish is a historical record of a single publish attempt.
type Publish struct {
	ID               int64       `json:"id" db:"id"`
	RunID            string      `json:"run_id" db:"run_id"`
	BranchName       string      `json:"branch_name" db:"branch_name"`
	Revision         string      `json:"revision" db:"revision"`
	Mode             PublishMode `json:"mode" db:"mode"`
	ResultCode       string      `json:"result_code" db:"result_code"`
	MergeProposalURL *string     `json:"merge_proposal_url,omitempty" db:"merge_proposal_url"`
	Timestamp        time.Time   `json:"timestamp" db:"timestamp"`
	Transient        bool        `json:"transient" db:"transient"`
}

// ChangeSetState is the lifecycle state of a group of related runs.
type ChangeSetState string

const (
	ChangeSetCreated    ChangeSetState = "created"
	ChangeSetWorking    ChangeSetState = "working"
	ChangeSetReady      ChangeSetState = "ready"
	ChangeSetPublishing ChangeSetState = "publishing"
	ChangeSetDone       ChangeSetState = "done"
)

// ChangeSet groups related runs across codebases that must publish (or not)
// together.
type ChangeSet struct {
	ID    string         `json:"id" db:"id"`
	State ChangeSetState `json:"state" db:"state"`
}

// ReviewVerdict is a reviewer's verdict on a run's result.
type ReviewVerdict string

const (
	ReviewApprove ReviewVerdict = "approve"
	ReviewReject  ReviewVerdict = "reject"
	ReviewAbstain ReviewVerdict = "abstain"
)

// Review records one reviewer's verdict on a run.
type Review struct {
	RunID      string        `json:"run_id" db:"run_id"`
	Reviewer   string        `json:"reviewer" db:"reviewer"`
	ReviewedAt time.Time     `json:"reviewed_at" db:"reviewed_at"`
	Verdict    ReviewVerdict `json:"verdict" db:"verdict"`
	Comment    string        `json:"comment,omitempty" db:"comment"`
}
