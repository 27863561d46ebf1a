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
	"testing"
	"time"

	"github.com/go-test/deep"
)

func TestParsePullURL(t *testing.T) {
	var testcases = []struct {
		name    string
		url     string
		wantErr bool
		parsed  []interface{}
	}{
		{
			name:   "plain pull URL",
			url:    "https://github.com/acme/widgets/pull/42",
			parsed: []interface{}{"acme", "widgets", 42},
		},
		{
			name:    "issue URL is not a pull",
			url:     "https://github.com/acme/widgets/issues/42",
			wantErr: true,
		},
		{
			name:    "non-numeric id",
			url:     "https://github.com/acme/widgets/pull/latest",
			wantErr: true,
		},
		{
			name:    "too few segments",
			url:     "https://github.com/acme",
			wantErr: true,
		},
	}
	for _, tc := range testcases {
		owner, repo, number, err := parsePullURL(tc.url)
		if tc.wantErr {
			if err == nil {
				t.Errorf("%s: expected error", tc.name)
			}
			continue
		}
		if err != nil {
			t.Errorf("%s: unexpected error: %v", tc.name, err)
			continue
		}
		if diff := deep.Equal([]interface{}{owner, repo, number}, tc.parsed); diff != nil {
			t.Errorf("%s: %v", tc.name, diff)
		}
	}
}

func TestGerritChangeID(t *testing.T) {
	id, err := changeID("https://gerrit.example.com/c/widgets/+/12345")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != "12345" {
		t.Errorf("expected 12345, got %q", id)
	}
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	if got, ok := parseRetryAfter("120", now); !ok || got != now.Add(2*time.Minute) {
		t.Errorf("delta-seconds: got %v,%v", got, ok)
	}
	httpDate := now.Add(time.Hour).Format(time.RFC1123)
	if got, ok := parseRetryAfter(httpDate, now); !ok || !got.Equal(now.Add(time.Hour)) {
		t.Errorf("http-date: got %v,%v", got, ok)
	}
	if _, ok := parseRetryAfter("", now); ok {
		t.Error("empty header must not parse")
	}
	if _, ok := parseRetryAfter("soonish", now); ok {
		t.Error("garbage must not parse")
	}
}

type stubForge struct{ host string }

func (s stubForge) Host() string { return s.host }
func (s stubForge) GetProposalStatus(ctx context.Context, url string) (*ProposalStatus, error) {
	return nil, nil
}
func (s stubForge) ListOpenProposals(ctx context.Context) ([]string, error) { return nil, nil }

func TestRegistryForURL(t *testing.T) {
	r := NewRegistry(stubForge{host: "github.com"}, stubForge{host: "gerrit.example.com"})

	f, err := r.ForURL("https://github.com/acme/widgets/pull/1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.Host() != "github.com" {
		t.Errorf("wrong forge %q", f.Host())
	}
	if _, err := r.ForURL("https://bitbucket.org/acme/widgets/pull-requests/1"); err == nil {
		t.Error("unregistered host must error")
	}
	if got := len(r.All()); got != 2 {
		t.Errorf("expected 2 forges, got %d", got)
	}
}
