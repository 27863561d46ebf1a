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
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// HTTPDoer is the minimal client contract used by every HTTP-talking
// backchannel variant, satisfied by *http.Client.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// HTTP polls a worker that exposes GET /log-id, GET /status, GET /logs,
// GET /logs/{name}, POST /kill, POST /terminate.
type HTTP struct {
	baseURL string
	client  HTTPDoer
}

// NewHTTP returns an HTTP backchannel pointed at baseURL.
func NewHTTP(baseURL string, client HTTPDoer) *HTTP {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTP{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

func (h *HTTP) do(ctx context.Context, method, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, h.baseURL+path, nil)
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
	return resp, nil
}

// Ping implements Backchannel.
func (h *HTTP) Ping(ctx context.Context, expectedLogID string) error {
	resp, err := h.do(ctx, http.MethodGet, "/log-id")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return &NotFoundError{What: "worker"}
	}
	if resp.StatusCode != http.StatusOK {
		return &WorkerUnreachableError{Cause: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &WorkerUnreachableError{Cause: err}
	}
	got := strings.TrimSpace(string(body))
	if got != expectedLogID {
		return &FatalFailureError{Reason: fmt.Sprintf("worker is processing %q, expected %q", got, expectedLogID)}
	}
	return nil
}

// GetHealthStatus implements Backchannel.
func (h *HTTP) GetHealthStatus(ctx context.Context) (*HealthStatus, error) {
	resp, err := h.do(ctx, http.MethodGet, "/status")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, &NotFoundError{What: "worker"}
	}
	var status HealthStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, &WorkerUnreachableError{Cause: err}
	}
	return &status, nil
}

// ListLogFiles implements Backchannel.
func (h *HTTP) ListLogFiles(ctx context.Context) ([]string, error) {
	resp, err := h.do(ctx, http.MethodGet, "/logs")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var names []string
	if err := json.NewDecoder(resp.Body).Decode(&names); err != nil {
		return nil, &WorkerUnreachableError{Cause: err}
	}
	return names, nil
}

// GetLogFile implements Backchannel.
func (h *HTTP) GetLogFile(ctx context.Context, name string) ([]byte, error) {
	resp, err := h.do(ctx, http.MethodGet, "/logs/"+name)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, &NotFoundError{What: "log file " + name}
	}
	return io.ReadAll(resp.Body)
}

// Kill implements Backchannel.
func (h *HTTP) Kill(ctx context.Context) error {
	resp, err := h.do(ctx, http.MethodPost, "/kill")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return nil
}

// Terminate requests a graceful stop, falling back to Kill on non-2xx.
func (h *HTTP) Terminate(ctx context.Context) error {
	resp, err := h.do(ctx, http.MethodPost, "/terminate")
	if err != nil {
		var unreachable *WorkerUnreachableError
		if errors.As(err, &unreachable) {
			return h.Kill(ctx)
		}
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return h.Kill(ctx)
	}
	return nil
}
