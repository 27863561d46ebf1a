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

package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	v1 "github.com/runbot-ci/overseer/apis/orchestrator/v1"
	"github.com/runbot-ci/overseer/bus"
	"github.com/runbot-ci/overseer/store"
	"github.com/runbot-ci/overseer/vcsgateway"
)

// WorkerResult projects the stable top-level keys of the JSON document a
// worker submits in the "worker_result" multipart field. The submitted
// body is also stored verbatim on the Run, so campaign-specific keys this
// struct does not declare survive the round trip untouched.
type WorkerResult struct {
	Code               string            `json:"code"`
	Description        string            `json:"description,omitempty"`
	StartTime          *time.Time        `json:"start_time,omitempty"`
	FinishTime         *time.Time        `json:"finish_time,omitempty"`
	MainBranchRevision string            `json:"main_branch_revision,omitempty"`
	Revision           string            `json:"revision,omitempty"`
	Branches           []v1.ResultBranch `json:"branches,omitempty"`
	Tags               []v1.ResultTag    `json:"tags,omitempty"`
	TargetBranchURL    string            `json:"target_branch_url,omitempty"`
	Remotes            json.RawMessage   `json:"remotes,omitempty"`
	Value              *float64          `json:"value,omitempty"`
	Context            json.RawMessage   `json:"context,omitempty"`
	Result             json.RawMessage   `json:"result,omitempty"`
	FailureDetails     json.RawMessage   `json:"failure_details,omitempty"`
	FailureStage       string            `json:"failure_stage,omitempty"`
	FailureTransient   bool              `json:"failure_transient,omitempty"`
	BuilderResult      json.RawMessage   `json:"builder_result,omitempty"`
	Refreshed          bool              `json:"refreshed,omitempty"`
}

const (
	maxFieldNameLen = 256
)

// UploadLimits bounds multipart upload sizes.
type UploadLimits struct {
	MaxUploadSizeBytes int64
	MaxFileSizeBytes   int64
}

// OversizedFieldError is returned (mapped to HTTP 413) when a field exceeds
// UploadLimits.
type OversizedFieldError struct{ Field string }

func (e *OversizedFieldError) Error() string {
	return fmt.Sprintf("field %q exceeds size limit", e.Field)
}

// ProtocolError is returned (mapped to HTTP 400) when an upload violates
// the worker-result contract; no ActiveRun transition happens.
type ProtocolError struct{ Reason string }

func (e *ProtocolError) Error() string { return e.Reason }

// ArtifactStore is the subset of artifacts.Store the Ingestor depends on.
type ArtifactStore interface {
	Put(ctx context.Context, runID, filename string, r io.Reader) error
}

// Ingestor receives worker completion uploads.
type Ingestor struct {
	store     Store
	artifacts ArtifactStore
	bus       bus.Publisher
	limits    UploadLimits
	logger    *logrus.Entry
}

// NewIngestor returns an Ingestor.
func NewIngestor(s Store, a ArtifactStore, b bus.Publisher, limits UploadLimits) *Ingestor {
	return &Ingestor{store: s, artifacts: a, bus: b, limits: limits, logger: logrus.WithField("component", "ingestor")}
}

// Finish implements POST /runner/active-runs/{log_id}/finish. It reads each multipart part, writes files to per-run storage,
// promotes the ActiveRun to a Run, publishes run-finished, and on success
// imports result branches/tags through the supplied VcsGateway.
func (i *Ingestor) Finish(ctx context.Context, logID string, reader *multipart.Reader, gateway func(v1.VcsKind) vcsgateway.Gateway, sourceBranch, repoURL string) (*v1.Run, error) {
	active, err := i.store.GetActiveRun(ctx, logID)
	if err != nil {
		if _, ok := err.(*store.NotFoundError); ok {
			return i.acceptIdempotentReupload(ctx, logID, reader)
		}
		return nil, err
	}

	var result *WorkerResult
	var rawResult []byte
	var uploadTotal int64
	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		name := part.FormName()
		if len(name) > maxFieldNameLen {
			return nil, &OversizedFieldError{Field: name}
		}
		switch {
		case name == "worker_result":
			// The result document is not a stored file: only the per-upload
			// limit below applies to it.
			src := io.Reader(part)
			if i.limits.MaxUploadSizeBytes > 0 {
				src = io.LimitReader(part, i.limits.MaxUploadSizeBytes+1)
			}
			body, err := io.ReadAll(src)
			if err != nil {
				return nil, err
			}
			uploadTotal += int64(len(body))
			result = &WorkerResult{}
			if err := json.Unmarshal(body, result); err != nil {
				return nil, &ProtocolError{Reason: fmt.Sprintf("parsing worker_result: %v", err)}
			}
			rawResult = body
		case strings.HasPrefix(name, "log_"), strings.HasPrefix(name, "artifact_"), strings.HasPrefix(name, "build_"), strings.HasPrefix(name, "metadata_"):
			n, err := i.putCapped(ctx, logID, name, part.FileName(), part)
			if err != nil {
				return nil, err
			}
			uploadTotal += n
		}
		if i.limits.MaxUploadSizeBytes > 0 && uploadTotal > i.limits.MaxUploadSizeBytes {
			return nil, &OversizedFieldError{Field: name}
		}
	}
	if result == nil {
		return nil, &ProtocolError{Reason: "upload missing worker_result field"}
	}
	if result.Code == v1.ResultNothingNewToDo && active.ResumeFrom == nil {
		return nil, &ProtocolError{Reason: "nothing-new-to-do requires a resumed run"}
	}

	run := i.toRun(active, result)
	run.WorkerResult = rawResult
	finished, _, err := i.store.FinishActiveRun(ctx, logID, run)
	if err != nil {
		return nil, err
	}

	if i.bus != nil {
		i.bus.Publish(ctx, bus.TopicRunFinished, bus.RunFinishedEvent{
			RunID: finished.ID, Campaign: finished.Campaign, Codebase: finished.Codebase, ResultCode: finished.ResultCode,
		})
	}

	if finished.ResultCode == v1.ResultSuccess && gateway != nil && len(finished.ResultBranches) > 0 {
		gw := gateway(active.VcsInfo.Vcs)
		if err := gw.ImportBranches(ctx, vcsgateway.ImportRequest{
			RepoURL:       repoURL,
			SourceBranch:  sourceBranch,
			Campaign:      finished.Campaign,
			LogID:         finished.ID,
			Branches:      finished.ResultBranches,
			Tags:          finished.ResultTags,
			UpdateCurrent: true,
		}); err != nil {
			i.logger.WithError(err).WithField("log_id", logID).Error("error importing result branches")
		}
	}
	return finished, nil
}

// acceptIdempotentReupload implements the idempotency rule: if
// the active run is already gone but a matching Run exists, the upload is
// accepted and files are merged in without mutating the stored row.
func (i *Ingestor) acceptIdempotentReupload(ctx context.Context, logID string, reader *multipart.Reader) (*v1.Run, error) {
	existing, err := i.store.GetRun(ctx, logID)
	if err != nil {
		return nil, &store.NotFoundError{Kind: "active_run", Key: logID}
	}
	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		name := part.FormName()
		if strings.HasPrefix(name, "log_") || strings.HasPrefix(name, "artifact_") || strings.HasPrefix(name, "build_") || strings.HasPrefix(name, "metadata_") {
			if _, err := i.putCapped(ctx, logID, name, part.FileName(), part); err != nil {
				return nil, err
			}
		}
	}
	return existing, nil
}

// countingReader tracks how many bytes the artifact store drained, so a
// capped write can be detected after streaming rather than buffering the
// whole part.
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// putCapped streams one uploaded file into per-run storage, failing with
// an OversizedFieldError when the part exceeds the per-file limit.
func (i *Ingestor) putCapped(ctx context.Context, logID, field, filename string, part io.Reader) (int64, error) {
	cr := &countingReader{r: io.LimitReader(part, i.limits.MaxFileSizeBytes+1)}
	if err := i.artifacts.Put(ctx, logID, filename, cr); err != nil {
		return cr.n, err
	}
	if cr.n > i.limits.MaxFileSizeBytes {
		return cr.n, &OversizedFieldError{Field: field}
	}
	return cr.n, nil
}

func (i *Ingestor) toRun(active *v1.ActiveRun, result *WorkerResult) *v1.Run {
	run := &v1.Run{
		Codebase:           active.Codebase,
		Campaign:           active.Campaign,
		ChangeSet:          active.ChangeSet,
		Command:            active.Command,
		InstigatedContext:  active.InstigatedContext,
		Context:            result.Context,
		ResultCode:         result.Code,
		Description:        result.Description,
		StartTime:          active.StartTime,
		MainBranchRevision: result.MainBranchRevision,
		Revision:           result.Revision,
		Result:             result.Result,
		ResultBranches:     result.Branches,
		ResultTags:         result.Tags,
		Remotes:            result.Remotes,
		FailureDetails:     result.FailureDetails,
		FailureStage:       result.FailureStage,
		FailureTransient:   result.FailureTransient,
		PublishStatus:      v1.PublishUnknown,
		ResumeFrom:         active.ResumeFrom,
		BuilderResult:      result.BuilderResult,
		Refreshed:          result.Refreshed,
	}
	if result.Value != nil {
		run.Value = *result.Value
	}
	if result.StartTime != nil {
		run.StartTime = *result.StartTime
	}
	if result.FinishTime != nil {
		run.FinishTime = *result.FinishTime
	}
	return run
}
