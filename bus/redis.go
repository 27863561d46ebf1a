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
	"math"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

// RedisBus fans events out over Redis pub/sub channels, one channel per
// Topic. This is the primary bus backend.
type RedisBus struct {
	client *redis.Client
	logger *logrus.Entry
}

// NewRedisBus connects to a Redis instance at addr.
func NewRedisBus(addr string) *RedisBus {
	return &RedisBus{
		client: redis.NewClient(&redis.Options{Addr: addr}),
		logger: logrus.WithField("component", "bus.redis"),
	}
}

// Publish implements Bus.
func (r *RedisBus) Publish(ctx context.Context, topic Topic, payload interface{}) error {
	body, err := marshalEnvelope(topic, payload)
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, string(topic), body).Err()
}

// Subscribe implements Bus. It reconnects with exponential backoff and
// resubscribes on disconnection.
func (r *RedisBus) Subscribe(ctx context.Context, topic Topic, h Handler) error {
	go r.subscribeLoop(ctx, topic, h)
	return nil
}

func (r *RedisBus) subscribeLoop(ctx context.Context, topic Topic, h Handler) {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}
		sub := r.client.Subscribe(ctx, string(topic))
		ch := sub.Channel()
		for msg := range ch {
			attempt = 0
			var env Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				r.logger.WithError(err).WithField("topic", topic).Warning("dropping malformed message")
				continue
			}
			if err := h(ctx, env); err != nil {
				r.logger.WithError(err).WithField("topic", topic).Warning("handler returned error")
			}
		}
		sub.Close()
		if ctx.Err() != nil {
			return
		}
		attempt++
		backoff := time.Duration(math.Min(math.Pow(2, float64(attempt-1)), 30)) * time.Second
		r.logger.WithField("topic", topic).WithField("backoff", backoff).Warning("bus disconnected, reconnecting")
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}
	}
}

// Close implements Bus.
func (r *RedisBus) Close() error {
	return r.client.Close()
}
