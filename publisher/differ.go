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
	"context"
	"fmt"
	"net/http"
	"strings"
)

// Differ is the publisher's view of the out-of-scope diff service: all it
// needs to know is whether a cached artifact diff exists for a run, the
// gate behind require_binary_diff.
type Differ interface {
	HasDiff(ctx context.Context, runID string) (bool, error)
}

// HTTPDiffer probes the differ service with a HEAD request per run.
type HTTPDiffer struct {
	BaseURL string
	Client  *http.Client
}

// NewHTTPDiffer returns a Differ for the service at baseURL.
func NewHTTPDiffer(baseURL string, client *http.Client) *HTTPDiffer {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPDiffer{BaseURL: strings.TrimRight(baseURL, "/"), Client: client}
}

// HasDiff implements Differ. Any non-200/404 answer is an error the caller
// treats as a transient skip.
func (d *HTTPDiffer) HasDiff(ctx context.Context, runID string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, fmt.Sprintf("%s/diff/%s", d.BaseURL, runID), nil)
	if err != nil {
		return false, err
	}
	resp, err := d.Client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, fmt.Errorf("differ returned status %d", resp.StatusCode)
	}
}
