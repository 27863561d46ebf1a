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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"time"

	v1 "github.com/runbot-ci/overseer/apis/orchestrator/v1"
)

// WorkerRequest is the JSON document written to the publish worker's stdin.
// The worker holds the forge credentials; the orchestrator only ships it
// what to publish and how.
type WorkerRequest struct {
	RunID           string          `json:"run_id"`
	Codebase        string          `json:"codebase"`
	Campaign        string          `json:"campaign"`
	Mode            v1.PublishMode  `json:"mode"`
	Bucket          v1.Bucket       `json:"bucket"`
	BranchName      string          `json:"branch_name"`
	Revision        string          `json:"revision"`
	SourceBranchURL string          `json:"source_branch_url"`
	TargetBranchURL string          `json:"target_branch_url,omitempty"`
	ExistingMPURL   string          `json:"existing_mp_url,omitempty"`
	Context         json.RawMessage `json:"context,omitempty"`
	DryRun          bool            `json:"dry_run,omitempty"`
}

// WorkerOutcome is the JSON document the publish worker writes to stdout.
type WorkerOutcome struct {
	Code             string `json:"code"`
	Description      string `json:"description,omitempty"`
	MergeProposalURL string `json:"merge_proposal_url,omitempty"`
	// IsNew is set when a merge proposal was created rather than updated,
	// which is what increments the bucket's open count.
	IsNew     bool `json:"is_new,omitempty"`
	Transient bool `json:"transient,omitempty"`
	// RetryAfterHost/RetryAfterUntil relay a forge 429/503 Retry-After the
	// worker observed, for the orchestrator's ForgeLimiter.
	RetryAfterHost  string     `json:"retry_after_host,omitempty"`
	RetryAfterUntil *time.Time `json:"retry_after_until,omitempty"`
}

// PublishWorker runs one publish attempt in an isolated subprocess.
type PublishWorker interface {
	Publish(ctx context.Context, req WorkerRequest) (*WorkerOutcome, error)
}

// ExecWorker shells out to the publish-worker binary with a hard per-
// operation deadline. The subprocess boundary keeps forge credentials and
// forge-controlled response parsing out of the orchestrator's address
// space.
type ExecWorker struct {
	Bin     string
	Timeout time.Duration
}

// NewExecWorker returns an ExecWorker invoking bin, with the default 60s
// forge-operation deadline when timeout is zero.
func NewExecWorker(bin string, timeout time.Duration) *ExecWorker {
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	return &ExecWorker{Bin: bin, Timeout: timeout}
}

// Publish implements PublishWorker.
func (w *ExecWorker) Publish(ctx context.Context, req WorkerRequest) (*WorkerOutcome, error) {
	ctx, cancel := context.WithTimeout(ctx, w.Timeout)
	defer cancel()

	input, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	cmd := exec.CommandContext(ctx, w.Bin)
	cmd.Stdin = bytes.NewReader(input)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return &WorkerOutcome{Code: "publish-timeout", Description: "publish worker exceeded deadline", Transient: true}, nil
		}
		// A non-zero exit still carries a structured outcome on stdout when
		// the worker got far enough to classify its own failure.
		if out, perr := parseOutcome(stdout.Bytes()); perr == nil {
			return out, nil
		}
		return nil, fmt.Errorf("publish worker failed: %v: %s", err, stderr.String())
	}
	return parseOutcome(stdout.Bytes())
}

func parseOutcome(b []byte) (*WorkerOutcome, error) {
	out := &WorkerOutcome{}
	if err := json.Unmarshal(bytes.TrimSpace(b), out); err != nil {
		return nil, fmt.Errorf("parsing publish worker outcome: %v", err)
	}
	if out.Code == "" {
		return nil, fmt.Errorf("publish worker outcome has no code")
	}
	return out, nil
}
