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

// The publish worker performs a single publish operation: it reads a
// structured request on stdin, pushes the result branch to the target
// host and (for propose modes) opens or updates a merge proposal, then
// writes a structured outcome on stdout. It is the only process holding
// forge credentials, so a hostile forge response can at worst corrupt one
// short-lived subprocess.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io/ioutil"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/google/go-github/github"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"

	v1 "github.com/runbot-ci/overseer/apis/orchestrator/v1"
	"github.com/runbot-ci/overseer/publisher"
)

var (
	tokenFile = flag.String("token-file", "/etc/forge/token", "Path to the file containing the forge access token.")
	botName   = flag.String("bot-name", "overseer-bot", "Login of the publish identity.")
)

func main() {
	flag.Parse()
	logrus.SetFormatter(&logrus.JSONFormatter{})
	logrus.SetOutput(os.Stderr)

	var req publisher.WorkerRequest
	if err := json.NewDecoder(os.Stdin).Decode(&req); err != nil {
		fail("malformed-request", fmt.Sprintf("decoding request: %v", err))
	}

	raw, err := ioutil.ReadFile(*tokenFile)
	if err != nil {
		fail("missing-credentials", fmt.Sprintf("reading token file: %v", err))
	}
	token := string(bytes.TrimSpace(raw))

	ctx, cancel := context.WithTimeout(context.Background(), 55*time.Second)
	defer cancel()

	outcome := run(ctx, req, token)
	json.NewEncoder(os.Stdout).Encode(outcome)
	if outcome.Code != v1.ResultSuccess && !outcome.Transient {
		os.Exit(1)
	}
}

func fail(code, description string) {
	json.NewEncoder(os.Stdout).Encode(&publisher.WorkerOutcome{Code: code, Description: description})
	os.Exit(1)
}

func run(ctx context.Context, req publisher.WorkerRequest, token string) *publisher.WorkerOutcome {
	if req.DryRun {
		return &publisher.WorkerOutcome{Code: v1.ResultSuccess, Description: "dry run, no mutation performed"}
	}

	// The proposal branch is namespaced by campaign so concurrent campaigns
	// against one codebase never fight over a ref.
	proposalBranch := fmt.Sprintf("%s/%s", req.Campaign, req.BranchName)
	targetBranch := req.BranchName
	pushRef := targetBranch
	if req.Mode == v1.ModePropose || req.Mode == v1.ModePushDerived {
		pushRef = proposalBranch
	}

	if err := pushBranch(ctx, req, pushRef, token); err != nil {
		return classifyPushError(req, err)
	}

	if req.Mode == v1.ModePush || req.Mode == v1.ModeAttemptPush {
		return &publisher.WorkerOutcome{Code: v1.ResultSuccess, Description: fmt.Sprintf("pushed %s to %s", req.Revision, targetBranch)}
	}

	return propose(ctx, req, proposalBranch, targetBranch, token)
}

// pushBranch pushes the imported result revision to the target host under
// refName.
func pushBranch(ctx context.Context, req publisher.WorkerRequest, refName, token string) error {
	repo, err := git.PlainOpen(req.SourceBranchURL)
	if err != nil {
		return fmt.Errorf("opening source repository %s: %w", req.SourceBranchURL, err)
	}
	remote, err := repo.CreateRemoteAnonymous(&gitconfig.RemoteConfig{
		Name: "anonymous",
		URLs: []string{req.TargetBranchURL},
	})
	if err != nil {
		return fmt.Errorf("configuring target remote: %w", err)
	}
	refspec := gitconfig.RefSpec(fmt.Sprintf("%s:refs/heads/%s", req.Revision, refName))
	err = remote.PushContext(ctx, &git.PushOptions{
		RemoteName: "anonymous",
		RefSpecs:   []gitconfig.RefSpec{refspec},
		Auth:       &githttp.BasicAuth{Username: "x-access-token", Password: token},
		Force:      true,
	})
	if err == git.NoErrAlreadyUpToDate {
		return nil
	}
	return err
}

func classifyPushError(req publisher.WorkerRequest, err error) *publisher.WorkerOutcome {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "429") || strings.Contains(msg, "rate limit"):
		until := time.Now().Add(time.Minute)
		return &publisher.WorkerOutcome{
			Code:            "rate-limited",
			Description:     msg,
			Transient:       true,
			RetryAfterHost:  hostOf(req.TargetBranchURL),
			RetryAfterUntil: &until,
		}
	case strings.Contains(msg, "authorization") || strings.Contains(msg, "authentication"):
		if req.Mode == v1.ModeAttemptPush {
			// attempt-push reports the denial as its own code, which the
			// publisher records; no proposal is opened in its place.
			return &publisher.WorkerOutcome{Code: "push-denied", Description: msg}
		}
		return &publisher.WorkerOutcome{Code: "permission-denied", Description: msg}
	default:
		return &publisher.WorkerOutcome{Code: "push-failed", Description: msg, Transient: true}
	}
}

// propose opens (or finds) the pull request for the pushed proposal
// branch.
func propose(ctx context.Context, req publisher.WorkerRequest, proposalBranch, targetBranch, token string) *publisher.WorkerOutcome {
	owner, repoName, err := splitRepoURL(req.TargetBranchURL)
	if err != nil {
		return &publisher.WorkerOutcome{Code: "bad-target-url", Description: err.Error()}
	}
	tc := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token}))
	gh := github.NewClient(tc)

	title := fmt.Sprintf("%s: automated change", req.Campaign)
	head := fmt.Sprintf("%s:%s", *botName, proposalBranch)
	pr, resp, err := gh.PullRequests.Create(ctx, owner, repoName, &github.NewPullRequest{
		Title: &title,
		Head:  &head,
		Base:  &targetBranch,
	})
	if err != nil {
		if resp != nil && (resp.StatusCode == 429 || resp.StatusCode == 503) {
			until := time.Now().Add(time.Minute)
			return &publisher.WorkerOutcome{
				Code:            "rate-limited",
				Description:     err.Error(),
				Transient:       true,
				RetryAfterHost:  hostOf(req.TargetBranchURL),
				RetryAfterUntil: &until,
			}
		}
		// A 422 usually means the proposal already exists; the push above
		// updated it, which is an update rather than a creation.
		if resp != nil && resp.StatusCode == 422 {
			existing := findExisting(ctx, gh, owner, repoName, head)
			if existing != "" {
				return &publisher.WorkerOutcome{Code: v1.ResultSuccess, Description: "updated existing proposal", MergeProposalURL: existing}
			}
		}
		return &publisher.WorkerOutcome{Code: "propose-failed", Description: err.Error()}
	}
	return &publisher.WorkerOutcome{
		Code:             v1.ResultSuccess,
		Description:      "created merge proposal",
		MergeProposalURL: pr.GetHTMLURL(),
		IsNew:            true,
	}
}

func findExisting(ctx context.Context, gh *github.Client, owner, repo, head string) string {
	prs, _, err := gh.PullRequests.List(ctx, owner, repo, &github.PullRequestListOptions{Head: head, State: "open"})
	if err != nil || len(prs) == 0 {
		return ""
	}
	return prs[0].GetHTMLURL()
}

func splitRepoURL(rawurl string) (owner, repo string, err error) {
	u, err := url.Parse(rawurl)
	if err != nil {
		return "", "", err
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) < 2 {
		return "", "", fmt.Errorf("%q is not an owner/repo URL", rawurl)
	}
	return parts[0], strings.TrimSuffix(parts[1], ".git"), nil
}

func hostOf(rawurl string) string {
	u, err := url.Parse(rawurl)
	if err != nil {
		return rawurl
	}
	return u.Hostname()
}
