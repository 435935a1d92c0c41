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
	"strings"

	"github.com/turtacn/emqx-edge/pkg/future"
	"github.com/turtacn/emqx-edge/pkg/retained"
	"github.com/turtacn/emqx-edge/pkg/singlewriter"
)

// Retained runs retained message operations on the retained message domain,
// keyed by topic.
type Retained struct {
	producer *singlewriter.ProducerQueues
	store    *retained.Store
}

// NewRetained binds store to producer.
func NewRetained(producer *singlewriter.ProducerQueues, store *retained.Store) *Retained {
	return &Retained{producer: producer, store: store}
}

// Producer returns the producer queues the operations run on.
func (r *Retained) Producer() *singlewriter.ProducerQueues {
	return r.producer
}

// Persist stores msg as the retained message of its topic.
func (r *Retained) Persist(msg *retained.Message) *future.Future[struct{}] {
	return singlewriter.Submit(r.producer, msg.Topic, func(bucket int) (struct{}, error) {
		return struct{}{}, r.store.Persist(bucket, msg)
	})
}

// Remove deletes the retained message of topic.
func (r *Retained) Remove(topic string) *future.Future[bool] {
	return singlewriter.Submit(r.producer, topic, func(bucket int) (bool, error) {
		return r.store.Remove(bucket, topic), nil
	})
}

// Get returns the retained message of topic, nil when there is none.
func (r *Retained) Get(topic string) *future.Future[*retained.Message] {
	return singlewriter.Submit(r.producer, topic, func(bucket int) (*retained.Message, error) {
		msg, _ := r.store.Get(bucket, topic)
		return msg, nil
	})
}

// GetMatching returns the retained messages matching filter. A filter
// without wildcards is answered by the bucket of that topic alone.
func (r *Retained) GetMatching(filter string) *future.Future[[]*retained.Message] {
	if !strings.ContainsAny(filter, "+#") {
		return future.Then(r.Get(filter), func(msg *retained.Message) ([]*retained.Message, error) {
			if msg == nil {
				return nil, nil
			}
			return []*retained.Message{msg}, nil
		})
	}
	perBucket := singlewriter.SubmitToAllBucketsParallel(r.producer, func(bucket int) ([]*retained.Message, error) {
		return r.store.GetMatching(bucket, filter), nil
	})
	return future.Then(perBucket, func(buckets [][]*retained.Message) ([]*retained.Message, error) {
		var out []*retained.Message
		for _, msgs := range buckets {
			out = append(out, msgs...)
		}
		return out, nil
	})
}

// CleanUp removes the expired retained messages of bucket.
func (r *Retained) CleanUp(bucket int) *future.Future[[]string] {
	return singlewriter.SubmitBucket(r.producer, bucket, func(bucket int) ([]string, error) {
		return r.store.CleanUp(bucket), nil
	})
}

// ForEach calls fn with every retained message, one bucket after the other.
// fn runs on the writer of each bucket and must not block.
func (r *Retained) ForEach(fn func(*retained.Message) error) *future.Future[struct{}] {
	return singlewriter.SubmitToAllBucketsSequential(r.producer, func(bucket int) (struct{}, error) {
		for _, msg := range r.store.All(bucket) {
			if err := fn(msg); err != nil {
				return struct{}{}, err
			}
		}
		return struct{}{}, nil
	})
}
