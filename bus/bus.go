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

// Package bus is the topic-based pub/sub fan-out of lifecycle events
// (run-finished, publish, merge-proposal, archive-event) to other
// subsystems. Subscribers must tolerate unknown fields in payloads and
// reconnect with exponential backoff on channel disconnection.
package bus

import (
	"context"
	"encoding/json"
	"time"
)

// Topic names the fixed set of channels.
type Topic string

const (
	TopicRunFinished   Topic = "run-finished"
	TopicPublish       Topic = "publish"
	TopicMergeProposal Topic = "merge-proposal"
	TopicArchiveEvent  Topic = "archive-event"
)

// Envelope is the stable wrapper every payload is published inside.
type Envelope struct {
	EventType Topic           `json:"event_type"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// RunFinishedEvent is published by the Ingestor, consumed by the Publisher.
type RunFinishedEvent struct {
	RunID      string `json:"run_id"`
	Campaign   string `json:"campaign"`
	Codebase   string `json:"codebase"`
	ResultCode string `json:"result_code"`
}

// PublishEvent is published by the Publisher after a publish attempt.
type PublishEvent struct {
	RunID            string `json:"run_id"`
	BranchName       string `json:"branch_name"`
	Mode             string `json:"mode"`
	ResultCode       string `json:"result_code"`
	MergeProposalURL string `json:"merge_proposal_url,omitempty"`
}

// MergeProposalEvent is published by the Publisher and the Reconciler.
type MergeProposalEvent struct {
	URL      string `json:"url"`
	Codebase string `json:"codebase"`
	Status   string `json:"status"`
}

// Publisher is the write half of the bus, used by callers that only ever
// publish (the Ingestor, the Publisher, the Reconciler).
type Publisher interface {
	Publish(ctx context.Context, topic Topic, payload interface{}) error
}

// Handler processes one delivered message. Returning an error does not nack
// the message; delivery is at-most-once per subscriber connection.
type Handler func(ctx context.Context, env Envelope) error

// Subscriber is the read half of the bus.
type Subscriber interface {
	Subscribe(ctx context.Context, topic Topic, h Handler) error
}

// Bus combines both halves, implemented by each backend in this package.
type Bus interface {
	Publisher
	Subscriber
	Close() error
}

func marshalEnvelope(topic Topic, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{EventType: topic, Timestamp: time.Now().UTC(), Payload: raw})
}
