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

package bus

import (
	"context"
	"encoding/json"
	"fmt"

	"cloud.google.com/go/pubsub"
	"github.com/sirupsen/logrus"
)

// GCPBus fans events out over Cloud Pub/Sub topics, one topic per Topic
// name. This is the secondary bus backend, exercised when an installation
// prefers a managed broker over self-hosted Redis.
type GCPBus struct {
	client *pubsub.Client
	logger *logrus.Entry
}

// NewGCPBus connects to Cloud Pub/Sub in the given GCP project.
func NewGCPBus(ctx context.Context, projectID string) (*GCPBus, error) {
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("connecting to pubsub: %w", err)
	}
	return &GCPBus{client: client, logger: logrus.WithField("component", "bus.pubsub")}, nil
}

func (g *GCPBus) topicFor(ctx context.Context, topic Topic) (*pubsub.Topic, error) {
	t := g.client.Topic(string(topic))
	ok, err := t.Exists(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		if t, err = g.client.CreateTopic(ctx, string(topic)); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// Publish implements Bus.
func (g *GCPBus) Publish(ctx context.Context, topic Topic, payload interface{}) error {
	body, err := marshalEnvelope(topic, payload)
	if err != nil {
		return err
	}
	t, err := g.topicFor(ctx, topic)
	if err != nil {
		return err
	}
	_, err = t.Publish(ctx, &pubsub.Message{Data: body}).Get(ctx)
	return err
}

// Subscribe implements Bus, creating a subscription named
// "<topic>-overseer" if one does not already exist.
func (g *GCPBus) Subscribe(ctx context.Context, topic Topic, h Handler) error {
	t, err := g.topicFor(ctx, topic)
	if err != nil {
		return err
	}
	subID := string(topic) + "-overseer"
	sub := g.client.Subscription(subID)
	ok, err := sub.Exists(ctx)
	if err != nil {
		return err
	}
	if !ok {
		if sub, err = g.client.CreateSubscription(ctx, subID, pubsub.SubscriptionConfig{Topic: t}); err != nil {
			return err
		}
	}
	go func() {
		err := sub.Receive(ctx, func(ctx context.Context, m *pubsub.Message) {
			var env Envelope
			if err := json.Unmarshal(m.Data, &env); err != nil {
				g.logger.WithError(err).WithField("topic", topic).Warning("dropping malformed message")
				m.Ack()
				return
			}
			if err := h(ctx, env); err != nil {
				g.logger.WithError(err).WithField("topic", topic).Warning("handler returned error")
			}
			m.Ack()
		})
		if err != nil && ctx.Err() == nil {
			g.logger.WithError(err).WithField("topic", topic).Error("subscription receive loop exited")
		}
	}()
	return nil
}

// Close implements Bus.
func (g *GCPBus) Close() error {
	return g.client.Close()
}
