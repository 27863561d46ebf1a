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

package forge

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/andygrunwald/go-gerrit"

	v1 "github.com/runbot-ci/overseer/apis/orchestrator/v1"
)

// Gerrit reads change state from a Gerrit instance. Gerrit models what the
// rest of the pipeline calls a merge proposal as a "change"; an abandoned
// change maps onto the abandoned proposal status directly.
type Gerrit struct {
	host     string
	instance string
	client   *gerrit.Client
}

// NewGerrit returns a Gerrit forge for the instance at instanceURL.
func NewGerrit(instanceURL string, httpClient *http.Client) (*Gerrit, error) {
	u, err := url.Parse(instanceURL)
	if err != nil {
		return nil, fmt.Errorf("parsing gerrit instance URL: %v", err)
	}
	client, err := gerrit.NewClient(instanceURL, httpClient)
	if err != nil {
		return nil, err
	}
	return &Gerrit{host: u.Hostname(), instance: instanceURL, client: client}, nil
}

// Host implements Forge.
func (g *Gerrit) Host() string { return g.host }

// changeID extracts the change number from a /c/{project}/+/{number} URL.
func changeID(rawurl string) (string, error) {
	u, err := url.Parse(rawurl)
	if err != nil {
		return "", err
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) == 0 {
		return "", fmt.Errorf("%q is not a gerrit change URL", rawurl)
	}
	return parts[len(parts)-1], nil
}

// GetProposalStatus implements Forge.
func (g *Gerrit) GetProposalStatus(ctx context.Context, rawurl string) (*ProposalStatus, error) {
	id, err := changeID(rawurl)
	if err != nil {
		return nil, err
	}
	change, resp, err := g.client.Changes.GetChange(id, &gerrit.ChangeOptions{
		AdditionalFields: []string{"CURRENT_REVISION"},
	})
	if err != nil {
		return nil, g.mapError(rawurl, resp, err)
	}
	status := &ProposalStatus{Revision: change.CurrentRevision}
	switch change.Status {
	case "MERGED":
		status.Status = v1.MPMerged
	case "ABANDONED":
		status.Status = v1.MPAbandoned
	default:
		status.Status = v1.MPOpen
	}
	return status, nil
}

// ListOpenProposals implements Forge.
func (g *Gerrit) ListOpenProposals(ctx context.Context) ([]string, error) {
	changes, resp, err := g.client.Changes.QueryChanges(&gerrit.QueryChangeOptions{
		QueryOptions: gerrit.QueryOptions{Query: []string{"owner:self status:open"}},
	})
	if err != nil {
		return nil, g.mapError(g.instance, resp, err)
	}
	var urls []string
	for _, c := range *changes {
		urls = append(urls, fmt.Sprintf("%s/c/%s/+/%d", strings.TrimRight(g.instance, "/"), c.Project, c.Number))
	}
	return urls, nil
}

func (g *Gerrit) mapError(rawurl string, resp *gerrit.Response, err error) error {
	if resp == nil {
		return err
	}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return &ProposalGoneError{URL: rawurl}
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable:
		if until, ok := parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()); ok {
			return &RetryAfterError{Host: g.host, Until: until}
		}
		return &RetryAfterError{Host: g.host, Until: time.Now().Add(time.Minute)}
	case resp.StatusCode >= 500:
		return &ServerError{Host: g.host, StatusCode: resp.StatusCode}
	}
	return err
}
