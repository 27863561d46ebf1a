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

package backchannel

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// HostedCIMetadata is the backend-specific payload carried in a
// v1.Backchannel's Metadata field for the hosted-CI variant (e.g. a
// Jenkins-style job name and build number).
type HostedCIMetadata struct {
	JobName string `json:"job_name"`
	BuildID string `json:"build_id"`
}

// jobStatus mirrors the subset of a hosted-CI job API this backchannel
// needs: whether the job is still running and, if not, whether it failed.
type jobStatus struct {
	Building bool   `json:"building"`
	Result   string `json:"result"`
	LogURL   string `json:"log_url"`
}

// HostedCI queries a hosted-CI job API for liveness; logs are a single
// concatenated job log rather than a per-file list.
type HostedCI struct {
	baseURL string
	meta    HostedCIMetadata
	client  HTTPDoer
}

// NewHostedCI returns a HostedCI backchannel for the job described by meta.
func NewHostedCI(baseURL string, meta HostedCIMetadata, client HTTPDoer) *HostedCI {
	if client == nil {
		client = http.DefaultClient
	}
	return &HostedCI{baseURL: baseURL, meta: meta, client: client}
}

func (h *HostedCI) fetchStatus(ctx context.Context) (*jobStatus, error) {
	url := fmt.Sprintf("%s/job/%s/%s/api/json", h.baseURL, h.meta.JobName, h.meta.BuildID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := h.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, &PingTimeoutError{Cause: err}
		}
		return nil, &WorkerUnreachableError{Cause: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, &NotFoundError{What: "hosted-ci job " + h.meta.JobName}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &WorkerUnreachableError{Cause: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}
	var js jobStatus
	if err := json.NewDecoder(resp.Body).Decode(&js); err != nil {
		return nil, &WorkerUnreachableError{Cause: err}
	}
	return &js, nil
}

// Ping implements Backchannel: liveness is "job present and not in a
// failure terminal state".
func (h *HostedCI) Ping(ctx context.Context, expectedLogID string) error {
	js, err := h.fetchStatus(ctx)
	if err != nil {
		return err
	}
	if js.Building {
		return nil
	}
	if js.Result != "" && js.Result != "SUCCESS" {
		return &FatalFailureError{Reason: fmt.Sprintf("job %s finished with result %s", h.meta.JobName, js.Result)}
	}
	return nil
}

// GetHealthStatus implements Backchannel.
func (h *HostedCI) GetHealthStatus(ctx context.Context) (*HealthStatus, error) {
	js, err := h.fetchStatus(ctx)
	if err != nil {
		var nf *NotFoundError
		if isNotFound(err, &nf) {
			return &HealthStatus{Status: StatusNotFound}, nil
		}
		return &HealthStatus{Status: StatusUnreachable}, err
	}
	status := StatusBuilding
	alive := true
	switch {
	case js.Building:
		status = StatusRunning
	case js.Result == "SUCCESS":
		status = StatusCompleted
		alive = false
	default:
		status = StatusFailed
		alive = false
	}
	return &HealthStatus{Alive: alive, Status: status}, nil
}

// ListLogFiles implements Backchannel: hosted-CI exposes a single
// concatenated job log.
func (h *HostedCI) ListLogFiles(ctx context.Context) ([]string, error) {
	return []string{"console.log"}, nil
}

// GetLogFile implements Backchannel.
func (h *HostedCI) GetLogFile(ctx context.Context, name string) ([]byte, error) {
	url := fmt.Sprintf("%s/job/%s/%s/consoleText", h.baseURL, h.meta.JobName, h.meta.BuildID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, &WorkerUnreachableError{Cause: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, &NotFoundError{What: "log file " + name}
	}
	return io.ReadAll(resp.Body)
}

// Kill implements Backchannel by requesting the hosted job stop.
func (h *HostedCI) Kill(ctx context.Context) error {
	url := fmt.Sprintf("%s/job/%s/%s/stop", h.baseURL, h.meta.JobName, h.meta.BuildID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return err
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return &WorkerUnreachableError{Cause: err}
	}
	defer resp.Body.Close()
	return nil
}

// Terminate is equivalent to Kill for hosted-CI jobs; there is no
// distinct graceful-stop endpoint.
func (h *HostedCI) Terminate(ctx context.Context) error {
	return h.Kill(ctx)
}

func isNotFound(err error, target **NotFoundError) bool {
	nf, ok := err.(*NotFoundError)
	if ok {
		*target = nf
	}
	return ok
}
