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
	"strconv"
	"strings"
	"time"

	"github.com/google/go-github/github"
	"github.com/shurcooL/githubv4"
	"golang.org/x/oauth2"

	v1 "github.com/runbot-ci/overseer/apis/orchestrator/v1"
)

// GitHub reads pull request state through the REST v3 client and lists the
// publish identity's open proposals through a single GraphQL search, so the
// reconciler's full-inventory pass costs one request instead of one per
// repository.
type GitHub struct {
	host     string
	botLogin string
	rest     *github.Client
	graphql  *githubv4.Client
}

// NewGitHub returns a GitHub forge authenticated as botLogin with token.
func NewGitHub(botLogin, token string) *GitHub {
	tc := oauth2.NewClient(context.Background(), oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token}))
	return &GitHub{
		host:     "github.com",
		botLogin: botLogin,
		rest:     github.NewClient(tc),
		graphql:  githubv4.NewClient(tc),
	}
}

// Host implements Forge.
func (g *GitHub) Host() string { return g.host }

// parsePullURL splits https://github.com/{owner}/{repo}/pull/{number}.
func parsePullURL(rawurl string) (owner, repo string, number int, err error) {
	u, err := url.Parse(rawurl)
	if err != nil {
		return "", "", 0, err
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) != 4 || parts[2] != "pull" {
		return "", "", 0, fmt.Errorf("%q is not a pull request URL", rawurl)
	}
	number, err = strconv.Atoi(parts[3])
	if err != nil {
		return "", "", 0, fmt.Errorf("%q is not a pull request URL: %v", rawurl, err)
	}
	return parts[0], parts[1], number, nil
}

// GetProposalStatus implements Forge.
func (g *GitHub) GetProposalStatus(ctx context.Context, rawurl string) (*ProposalStatus, error) {
	owner, repo, number, err := parsePullURL(rawurl)
	if err != nil {
		return nil, err
	}
	pr, resp, err := g.rest.PullRequests.Get(ctx, owner, repo, number)
	if err != nil {
		return nil, g.mapError(rawurl, resp, err)
	}
	status := &ProposalStatus{Status: v1.MPOpen}
	if pr.Head != nil && pr.Head.SHA != nil {
		status.Revision = *pr.Head.SHA
	}
	switch {
	case pr.Merged != nil && *pr.Merged:
		status.Status = v1.MPMerged
	case pr.State != nil && *pr.State == "closed":
		status.Status = v1.MPClosed
	}
	return status, nil
}

// ListOpenProposals implements Forge.
func (g *GitHub) ListOpenProposals(ctx context.Context) ([]string, error) {
	var q struct {
		Search struct {
			PageInfo struct {
				HasNextPage githubv4.Boolean
				EndCursor   githubv4.String
			}
			Nodes []struct {
				PullRequest struct {
					URL githubv4.URI
				} `graphql:"... on PullRequest"`
			}
		} `graphql:"search(query: $query, type: ISSUE, first: 100, after: $cursor)"`
	}
	vars := map[string]interface{}{
		"query":  githubv4.String(fmt.Sprintf("author:%s is:pr is:open", g.botLogin)),
		"cursor": (*githubv4.String)(nil),
	}
	var urls []string
	for {
		if err := g.graphql.Query(ctx, &q, vars); err != nil {
			return nil, err
		}
		for _, n := range q.Search.Nodes {
			if n.PullRequest.URL.URL != nil {
				urls = append(urls, n.PullRequest.URL.String())
			}
		}
		if !q.Search.PageInfo.HasNextPage {
			break
		}
		vars["cursor"] = githubv4.NewString(q.Search.PageInfo.EndCursor)
	}
	return urls, nil
}

// mapError translates go-github failures into the package's taxonomy.
func (g *GitHub) mapError(rawurl string, resp *github.Response, err error) error {
	if rle, ok := err.(*github.RateLimitError); ok {
		return &RetryAfterError{Host: g.host, Until: rle.Rate.Reset.Time}
	}
	if are, ok := err.(*github.AbuseRateLimitError); ok {
		until := time.Now().Add(time.Minute)
		if are.RetryAfter != nil {
			until = time.Now().Add(*are.RetryAfter)
		}
		return &RetryAfterError{Host: g.host, Until: until}
	}
	if resp != nil {
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
	}
	return err
}
