// Copyright 2023 The emqx-go Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package persistence

import (
	"github.com/turtacn/emqx-edge/pkg/future"
	"github.com/turtacn/emqx-edge/pkg/singlewriter"
	"github.com/turtacn/emqx-edge/pkg/topic"
)

// Subscriptions serializes subscription changes per client on the
// subscription domain. Lookups read the topic tree directly.
type Subscriptions struct {
	producer *singlewriter.ProducerQueues
	tree     *topic.Store
}

// NewSubscriptions binds tree to producer.
func NewSubscriptions(producer *singlewriter.ProducerQueues, tree *topic.Store) *Subscriptions {
	return &Subscriptions{producer: producer, tree: tree}
}

// Tree returns the topic tree.
func (s *Subscriptions) Tree() *topic.Store {
	return s.tree
}

// Subscribe adds sub and reports whether it replaced an existing one.
func (s *Subscriptions) Subscribe(sub topic.Subscription) *future.Future[bool] {
	return singlewriter.Submit(s.producer, sub.ClientID, func(int) (bool, error) {
		return s.tree.Subscribe(sub), nil
	})
}

// Unsubscribe removes the subscription of clientID to filter.
func (s *Subscriptions) Unsubscribe(clientID, filter string) *future.Future[bool] {
	return singlewriter.Submit(s.producer, clientID, func(int) (bool, error) {
		return s.tree.Unsubscribe(clientID, filter), nil
	})
}

// RemoveAll removes every subscription of clientID.
func (s *Subscriptions) RemoveAll(clientID string) *future.Future[[]string] {
	return singlewriter.Submit(s.producer, clientID, func(int) ([]string, error) {
		return s.tree.RemoveClient(clientID), nil
	})
}

// CleanUp runs an empty task on bucket. Subscriptions do not expire on
// their own; they are removed together with their session.
func (s *Subscriptions) CleanUp(bucket int) *future.Future[struct{}] {
	return singlewriter.SubmitBucket(s.producer, bucket, func(int) (struct{}, error) {
		return struct{}{}, nil
	})
}
