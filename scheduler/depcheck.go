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

package scheduler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// HTTPDependencyChecker asks a package-index service whether a recorded
// set of unmet dependency relations can be satisfied by the packages
// currently available. The service is the same index the builders install
// from, so its answer tracks archive state rather than guesswork.
type HTTPDependencyChecker struct {
	baseURL string
	client  *http.Client
}

// NewHTTPDependencyChecker returns a checker for the index at baseURL.
func NewHTTPDependencyChecker(baseURL string, client *http.Client) *HTTPDependencyChecker {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPDependencyChecker{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

// Satisfied implements DependencyChecker.
func (c *HTTPDependencyChecker) Satisfied(ctx context.Context, relations json.RawMessage) (bool, error) {
	body, err := json.Marshal(map[string]json.RawMessage{"relations": relations})
	if err != nil {
		return false, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/satisfied", bytes.NewReader(body))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("package index returned status %d", resp.StatusCode)
	}
	var answer struct {
		Satisfied bool `json:"satisfied"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&answer); err != nil {
		return false, err
	}
	return answer.Satisfied, nil
}
