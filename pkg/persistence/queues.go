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

// Package persistence binds the bucketed stores to the single writer
// executor. Every operation is submitted to the producer queues of the
// store's domain, keyed so that all operations on one client, group or topic
// run in order on the bucket owning it. Results travel in futures.
package persistence

import (
	mapset "github.com/deckarep/golang-set/v2"

	"github.com/turtacn/emqx-edge/pkg/future"
	"github.com/turtacn/emqx-edge/pkg/mqtt"
	"github.com/turtacn/emqx-edge/pkg/queue"
	"github.com/turtacn/emqx-edge/pkg/singlewriter"
)

// ClientQueues runs client queue operations on the queued messages domain.
type ClientQueues struct {
	producer *singlewriter.ProducerQueues
	store    *queue.Store
}

// NewClientQueues binds store to producer.
func NewClientQueues(producer *singlewriter.ProducerQueues, store *queue.Store) *ClientQueues {
	return &ClientQueues{producer: producer, store: store}
}

// Producer returns the producer queues the operations run on.
func (c *ClientQueues) Producer() *singlewriter.ProducerQueues {
	return c.producer
}

func (c *ClientQueues) bucket(queueID string) int {
	return c.producer.GetBucket(queueID)
}

// Add queues publishes for queueID.
func (c *ClientQueues) Add(queueID string, shared bool, publishes []*mqtt.Publish, limit int, strategy mqtt.QueuedMessagesStrategy, retained bool) *future.Future[struct{}] {
	return singlewriter.SubmitBucket(c.producer, c.bucket(queueID), func(bucket int) (struct{}, error) {
		c.store.Add(bucket, queueID, shared, publishes, limit, strategy, retained)
		return struct{}{}, nil
	})
}

// ReadNew assigns packetIDs to queued publishes and returns them.
func (c *ClientQueues) ReadNew(queueID string, shared bool, packetIDs []uint16, bytesLimit int) *future.Future[[]*mqtt.Publish] {
	return singlewriter.SubmitBucket(c.producer, c.bucket(queueID), func(bucket int) ([]*mqtt.Publish, error) {
		return c.store.ReadNew(bucket, queueID, shared, packetIDs, bytesLimit), nil
	})
}

// Peek returns queued messages without changing the queue.
func (c *ClientQueues) Peek(queueID string, shared bool, bytesLimit, maxMessages int) *future.Future[[]*mqtt.Publish] {
	return singlewriter.SubmitBucket(c.producer, c.bucket(queueID), func(bucket int) ([]*mqtt.Publish, error) {
		return c.store.Peek(bucket, queueID, shared, bytesLimit, maxMessages), nil
	})
}

// ReadInflight returns in-flight messages for resending.
func (c *ClientQueues) ReadInflight(queueID string, shared bool, batchSize, bytesLimit int) *future.Future[[]mqtt.Message] {
	return singlewriter.SubmitBucket(c.producer, c.bucket(queueID), func(bucket int) ([]mqtt.Message, error) {
		return c.store.ReadInflight(bucket, queueID, shared, batchSize, bytesLimit), nil
	})
}

// Replace swaps an in-flight publish for pubrel.
func (c *ClientQueues) Replace(queueID string, shared bool, pubrel *mqtt.PubRel) *future.Future[string] {
	return singlewriter.SubmitBucket(c.producer, c.bucket(queueID), func(bucket int) (string, error) {
		return c.store.Replace(bucket, queueID, shared, pubrel), nil
	})
}

// Remove deletes an in-flight message.
func (c *ClientQueues) Remove(queueID string, shared bool, packetID uint16, uniqueID string) *future.Future[string] {
	return singlewriter.SubmitBucket(c.producer, c.bucket(queueID), func(bucket int) (string, error) {
		return c.store.Remove(bucket, queueID, shared, packetID, uniqueID), nil
	})
}

// RemoveInFlightMarker makes a shared message readable again.
func (c *ClientQueues) RemoveInFlightMarker(sharedQueueID, uniqueID string) *future.Future[bool] {
	return singlewriter.SubmitBucket(c.producer, c.bucket(sharedQueueID), func(bucket int) (bool, error) {
		return c.store.RemoveInFlightMarker(bucket, sharedQueueID, uniqueID), nil
	})
}

// Size returns the number of queued messages.
func (c *ClientQueues) Size(queueID string, shared bool) *future.Future[int] {
	return singlewriter.SubmitBucket(c.producer, c.bucket(queueID), func(bucket int) (int, error) {
		return c.store.Size(bucket, queueID, shared), nil
	})
}

// Clear removes the queue.
func (c *ClientQueues) Clear(queueID string, shared bool) *future.Future[struct{}] {
	return singlewriter.SubmitBucket(c.producer, c.bucket(queueID), func(bucket int) (struct{}, error) {
		c.store.Clear(bucket, queueID, shared)
		return struct{}{}, nil
	})
}

// RemoveAllQos0 drops the queued QoS 0 messages.
func (c *ClientQueues) RemoveAllQos0(queueID string, shared bool) *future.Future[struct{}] {
	return singlewriter.SubmitBucket(c.producer, c.bucket(queueID), func(bucket int) (struct{}, error) {
		c.store.RemoveAllQos0(bucket, queueID, shared)
		return struct{}{}, nil
	})
}

// CleanUp expires the messages of bucket and returns the shared queues that
// became empty.
func (c *ClientQueues) CleanUp(bucket int) *future.Future[mapset.Set[string]] {
	return singlewriter.SubmitBucket(c.producer, bucket, func(bucket int) (mapset.Set[string], error) {
		return c.store.CleanUp(bucket), nil
	})
}
