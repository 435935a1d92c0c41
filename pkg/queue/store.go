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

// Package queue implements the in-memory client queue store holding the
// messages waiting for delivery to a client or a shared subscription group.
//
// The store is partitioned into buckets. Apart from the global QoS 0 memory
// counter nothing here is synchronized: every call for a bucket must run on
// the single writer goroutine currently owning that bucket.
package queue

import (
	"container/list"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"go.uber.org/atomic"

	"github.com/turtacn/emqx-edge/pkg/event"
	"github.com/turtacn/emqx-edge/pkg/mqtt"
)

// PayloadStore is the part of the payload store used by the queues.
type PayloadStore interface {
	Increment(id uint64) error
	Decrement(id uint64) error
}

// Key identifies a queue: a client id, or a shared subscription group.
type Key struct {
	QueueID string
	Shared  bool
}

// Config holds the queue limits.
type Config struct {
	// Qos0GlobalMemoryLimit bounds the QoS 0 bytes held by all queues.
	Qos0GlobalMemoryLimit int64
	// Qos0ClientMemoryLimit bounds the QoS 0 bytes held by one queue.
	Qos0ClientMemoryLimit int64
	// RetainedMax bounds the retained messages queued per queue.
	RetainedMax int
	// InflightExpiry lets cleanup expire messages already sent.
	InflightExpiry bool
}

type entry struct {
	msg      mqtt.Message
	retained bool
	size     int
}

func (e *entry) packetID() uint16 {
	return e.msg.GetPacketID()
}

func (e *entry) inflight() bool {
	return e.msg.GetPacketID() != 0
}

func (e *entry) expired(now time.Time) bool {
	switch m := e.msg.(type) {
	case *mqtt.Publish:
		return m.IsExpired(now)
	case *mqtt.PubRel:
		return m.IsExpired(now)
	}
	return false
}

type clientQueue struct {
	qos0       *list.List // of *mqtt.Publish
	qos0Memory int64
	// messages holds QoS 1/2 entries. Entries with a packet id form a
	// contiguous prefix.
	messages      *list.List // of *entry
	retainedCount int
}

func newClientQueue() *clientQueue {
	return &clientQueue{qos0: list.New(), messages: list.New()}
}

func (q *clientQueue) empty() bool {
	return q.qos0.Len() == 0 && q.messages.Len() == 0
}

// lastInflight returns the last element of the in-flight prefix, nil if none.
func (q *clientQueue) lastInflight() *list.Element {
	var last *list.Element
	for el := q.messages.Front(); el != nil; el = el.Next() {
		if !el.Value.(*entry).inflight() {
			break
		}
		last = el
	}
	return last
}

// Option configures a Store.
type Option func(*Store)

// WithDropReporter sets the receiver of dropped message notifications.
func WithDropReporter(r event.DropReporter) Option {
	return func(s *Store) {
		s.drops = r
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// Store is the bucketed client queue store.
type Store struct {
	cfg        Config
	payloads   PayloadStore
	drops      event.DropReporter
	now        func() time.Time
	qos0Memory *atomic.Int64
	buckets    []map[Key]*clientQueue
}

// NewStore creates a store with bucketCount buckets.
func NewStore(bucketCount int, cfg Config, payloads PayloadStore, opts ...Option) *Store {
	s := &Store{
		cfg:        cfg,
		payloads:   payloads,
		drops:      event.NopDropReporter{},
		now:        time.Now,
		qos0Memory: atomic.NewInt64(0),
		buckets:    make([]map[Key]*clientQueue, bucketCount),
	}
	for i := range s.buckets {
		s.buckets[i] = make(map[Key]*clientQueue)
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Qos0Memory returns the QoS 0 bytes held by all queues.
func (s *Store) Qos0Memory() int64 {
	return s.qos0Memory.Load()
}

func (s *Store) queue(bucket int, key Key) *clientQueue {
	return s.buckets[bucket][key]
}

func (s *Store) getOrCreate(bucket int, key Key) *clientQueue {
	q, ok := s.buckets[bucket][key]
	if !ok {
		q = newClientQueue()
		s.buckets[bucket][key] = q
	}
	return q
}

func (s *Store) dropped(reason event.DropReason, key Key, p *mqtt.Publish) {
	s.drops.MessageDropped(reason, key.QueueID, key.Shared, p.Topic, p.QoS)
}

// release drops the payload reference held by a removed entry.
func (s *Store) release(msg mqtt.Message) {
	if p, ok := msg.(*mqtt.Publish); ok {
		_ = s.payloads.Decrement(p.PayloadID)
	}
}

func (s *Store) removeEntry(q *clientQueue, el *list.Element) *entry {
	e := q.messages.Remove(el).(*entry)
	if e.retained {
		q.retainedCount--
	}
	s.release(e.msg)
	return e
}

func (s *Store) removeQos0(q *clientQueue, el *list.Element) *mqtt.Publish {
	p := q.qos0.Remove(el).(*mqtt.Publish)
	size := int64(p.EstimatedSize())
	q.qos0Memory -= size
	s.qos0Memory.Sub(size)
	_ = s.payloads.Decrement(p.PayloadID)
	return p
}

// Add queues publishes. QoS 0 publishes over a memory limit are dropped. A
// QoS 1/2 publish beyond limit non-retained messages is handled per strategy;
// retained publishes are bounded by the retained limit instead and evict the
// oldest retained message. Stored publishes take a payload reference.
func (s *Store) Add(bucket int, queueID string, shared bool, publishes []*mqtt.Publish, limit int, strategy mqtt.QueuedMessagesStrategy, retained bool) {
	key := Key{QueueID: queueID, Shared: shared}
	q := s.getOrCreate(bucket, key)
	for _, p := range publishes {
		if p.QoS == mqtt.AtMostOnce {
			s.addQos0(q, key, p)
			continue
		}
		s.addQos12(q, key, p, limit, strategy, retained)
	}
	if q.empty() {
		delete(s.buckets[bucket], key)
	}
}

func (s *Store) addQos0(q *clientQueue, key Key, p *mqtt.Publish) {
	if s.qos0Memory.Load() >= s.cfg.Qos0GlobalMemoryLimit || q.qos0Memory >= s.cfg.Qos0ClientMemoryLimit {
		s.dropped(event.DropQos0MemoryExceeded, key, p)
		return
	}
	if err := s.payloads.Increment(p.PayloadID); err != nil {
		s.dropped(event.DropPayloadMissing, key, p)
		return
	}
	p = p.Copy()
	p.Payload = nil
	p.PacketID = 0
	size := int64(p.EstimatedSize())
	q.qos0.PushBack(p)
	q.qos0Memory += size
	s.qos0Memory.Add(size)
}

func (s *Store) addQos12(q *clientQueue, key Key, p *mqtt.Publish, limit int, strategy mqtt.QueuedMessagesStrategy, retained bool) {
	if retained {
		if q.retainedCount >= s.cfg.RetainedMax && !s.evictOldest(q, key, true) {
			s.dropped(event.DropRetainedQueueFull, key, p)
			return
		}
	} else if q.messages.Len()-q.retainedCount >= limit {
		if strategy == mqtt.Discard || !s.evictOldest(q, key, false) {
			s.dropped(event.DropQueueFull, key, p)
			return
		}
	}

	if err := s.payloads.Increment(p.PayloadID); err != nil {
		s.dropped(event.DropPayloadMissing, key, p)
		return
	}
	p = p.Copy()
	p.Payload = nil
	p.PacketID = 0
	q.messages.PushBack(&entry{msg: p, retained: retained, size: p.EstimatedSize()})
	if retained {
		q.retainedCount++
	}
}

// evictOldest removes the oldest publish that is not in flight and whose
// retained flag equals retained. It reports whether one was removed.
func (s *Store) evictOldest(q *clientQueue, key Key, retained bool) bool {
	reason := event.DropQueueFull
	if retained {
		reason = event.DropRetainedQueueFull
	}
	for el := q.messages.Front(); el != nil; el = el.Next() {
		e := el.Value.(*entry)
		if e.inflight() || e.retained != retained {
			continue
		}
		if p, ok := e.msg.(*mqtt.Publish); ok {
			s.removeEntry(q, el)
			s.dropped(reason, key, p)
			return true
		}
	}
	return false
}

// ReadNew assigns packetIDs, in order, to queued publishes not yet in flight
// and returns copies of them. QoS 1/2 payload references stay with the queue
// until Remove; those of returned QoS 0 publishes pass to the caller. One pending QoS 0 publish is taken after each QoS 1/2
// publish, and the remaining budget is filled with QoS 0 publishes. At most
// len(packetIDs) messages are returned, and reading stops once bytesLimit is
// reached. Expired publishes met on the way are removed.
func (s *Store) ReadNew(bucket int, queueID string, shared bool, packetIDs []uint16, bytesLimit int) []*mqtt.Publish {
	key := Key{QueueID: queueID, Shared: shared}
	q := s.queue(bucket, key)
	if q == nil || len(packetIDs) == 0 {
		return nil
	}

	now := s.now()
	var (
		out   []*mqtt.Publish
		bytes int
		ids   int
	)
	budgetLeft := func() bool {
		return len(out) < len(packetIDs) && bytes < bytesLimit
	}

	for el := q.messages.Front(); el != nil && budgetLeft(); {
		next := el.Next()
		e := el.Value.(*entry)
		if e.inflight() {
			el = next
			continue
		}
		p := e.msg.(*mqtt.Publish)
		if p.IsExpired(now) {
			s.removeEntry(q, el)
			s.dropped(event.DropExpired, key, p)
			el = next
			continue
		}

		p.PacketID = packetIDs[ids]
		ids++
		out = append(out, p.Copy())
		bytes += e.size

		if budgetLeft() {
			if qp := s.pollQos0(q, key, now); qp != nil {
				out = append(out, qp)
				bytes += qp.EstimatedSize()
			}
		}
		el = next
	}

	for budgetLeft() {
		qp := s.pollQos0(q, key, now)
		if qp == nil {
			break
		}
		out = append(out, qp)
		bytes += qp.EstimatedSize()
	}

	if q.empty() {
		delete(s.buckets[bucket], key)
	}
	return out
}

// pollQos0 removes and returns the oldest unexpired QoS 0 publish. Its
// payload reference passes to the caller, who releases it once sent.
func (s *Store) pollQos0(q *clientQueue, key Key, now time.Time) *mqtt.Publish {
	for el := q.qos0.Front(); el != nil; el = q.qos0.Front() {
		p := q.qos0.Remove(el).(*mqtt.Publish)
		size := int64(p.EstimatedSize())
		q.qos0Memory -= size
		s.qos0Memory.Sub(size)
		if p.IsExpired(now) {
			_ = s.payloads.Decrement(p.PayloadID)
			s.dropped(event.DropExpired, key, p)
			continue
		}
		return p
	}
	return nil
}

// Peek returns, without changing the queue, up to maxMessages unexpired
// messages that are not in flight followed by QoS 0 messages, stopping once
// bytesLimit is reached.
func (s *Store) Peek(bucket int, queueID string, shared bool, bytesLimit, maxMessages int) []*mqtt.Publish {
	q := s.queue(bucket, Key{QueueID: queueID, Shared: shared})
	if q == nil {
		return nil
	}
	now := s.now()
	var (
		out   []*mqtt.Publish
		bytes int
	)
	for el := q.messages.Front(); el != nil && len(out) < maxMessages && bytes < bytesLimit; el = el.Next() {
		e := el.Value.(*entry)
		if e.inflight() {
			continue
		}
		p := e.msg.(*mqtt.Publish)
		if p.IsExpired(now) {
			continue
		}
		out = append(out, p.Copy())
		bytes += e.size
	}
	for el := q.qos0.Front(); el != nil && len(out) < maxMessages && bytes < bytesLimit; el = el.Next() {
		p := el.Value.(*mqtt.Publish)
		if p.IsExpired(now) {
			continue
		}
		out = append(out, p.Copy())
		bytes += p.EstimatedSize()
	}
	return out
}

// ReadInflight returns up to batchSize in-flight messages for resending.
// Publishes are marked as duplicates.
func (s *Store) ReadInflight(bucket int, queueID string, shared bool, batchSize, bytesLimit int) []mqtt.Message {
	q := s.queue(bucket, Key{QueueID: queueID, Shared: shared})
	if q == nil {
		return nil
	}
	var (
		out   []mqtt.Message
		bytes int
	)
	for el := q.messages.Front(); el != nil && len(out) < batchSize && bytes < bytesLimit; el = el.Next() {
		e := el.Value.(*entry)
		if !e.inflight() {
			if shared {
				continue
			}
			break
		}
		switch m := e.msg.(type) {
		case *mqtt.Publish:
			m.Dup = true
			out = append(out, m.Copy())
		case *mqtt.PubRel:
			c := *m
			out = append(out, &c)
		}
		bytes += e.size
	}
	return out
}

// Replace swaps the in-flight publish holding pubrel's packet id for pubrel,
// keeping the expiry of the publish, and returns the unique id of the
// replaced message. When no entry holds the packet id the pubrel is inserted
// after the in-flight messages and "" is returned.
func (s *Store) Replace(bucket int, queueID string, shared bool, pubrel *mqtt.PubRel) string {
	key := Key{QueueID: queueID, Shared: shared}
	q := s.getOrCreate(bucket, key)

	for el := q.messages.Front(); el != nil; el = el.Next() {
		e := el.Value.(*entry)
		if e.packetID() != pubrel.PacketID {
			continue
		}
		if shared && pubrel.UniqueID != "" && e.msg.GetUniqueID() != pubrel.UniqueID {
			continue
		}
		switch m := e.msg.(type) {
		case *mqtt.PubRel:
			return m.UniqueID
		case *mqtt.Publish:
			rel := &mqtt.PubRel{
				PacketID:      m.PacketID,
				UniqueID:      m.UniqueID,
				MessageExpiry: m.MessageExpiry,
				Timestamp:     m.Timestamp,
			}
			s.release(m)
			if e.retained {
				e.retained = false
				q.retainedCount--
			}
			e.msg = rel
			e.size = 0
			return m.UniqueID
		}
	}

	rel := *pubrel
	if rel.Timestamp.IsZero() {
		rel.Timestamp = s.now()
	}
	if rel.MessageExpiry == 0 {
		rel.MessageExpiry = mqtt.MessageExpiryNotSet
	}
	added := &entry{msg: &rel}
	if last := q.lastInflight(); last != nil {
		q.messages.InsertAfter(added, last)
	} else {
		q.messages.PushFront(added)
	}
	return ""
}

// Remove deletes the in-flight message with packetID. For shared queues,
// where packet ids of different clients collide, uniqueID must match too.
// It returns the unique id of the removed message, "" when none matched.
func (s *Store) Remove(bucket int, queueID string, shared bool, packetID uint16, uniqueID string) string {
	key := Key{QueueID: queueID, Shared: shared}
	q := s.queue(bucket, key)
	if q == nil {
		return ""
	}
	for el := q.messages.Front(); el != nil; el = el.Next() {
		e := el.Value.(*entry)
		if !e.inflight() {
			if shared {
				continue
			}
			break
		}
		if e.packetID() != packetID {
			continue
		}
		if uniqueID != "" && e.msg.GetUniqueID() != uniqueID {
			continue
		}
		s.removeEntry(q, el)
		if q.empty() {
			delete(s.buckets[bucket], key)
		}
		return e.msg.GetUniqueID()
	}
	return ""
}

// RemoveInFlightMarker makes the shared queue message uniqueID readable again,
// after the member it was sent to went away.
func (s *Store) RemoveInFlightMarker(bucket int, sharedQueueID, uniqueID string) bool {
	q := s.queue(bucket, Key{QueueID: sharedQueueID, Shared: true})
	if q == nil {
		return false
	}
	for el := q.messages.Front(); el != nil; el = el.Next() {
		e := el.Value.(*entry)
		if e.msg.GetUniqueID() != uniqueID || !e.inflight() {
			continue
		}
		p, ok := e.msg.(*mqtt.Publish)
		if !ok {
			// the receiver already acknowledged with PUBREC
			return false
		}
		p.PacketID = 0
		p.Dup = false
		// in-flight entries of other members stay ahead of it
		for next := el.Next(); next != nil && next.Value.(*entry).inflight(); next = el.Next() {
			q.messages.MoveAfter(el, next)
		}
		return true
	}
	return false
}

// Size returns the number of queued messages of both QoS classes.
func (s *Store) Size(bucket int, queueID string, shared bool) int {
	q := s.queue(bucket, Key{QueueID: queueID, Shared: shared})
	if q == nil {
		return 0
	}
	return q.qos0.Len() + q.messages.Len()
}

// Clear removes the queue and all of its messages.
func (s *Store) Clear(bucket int, queueID string, shared bool) {
	key := Key{QueueID: queueID, Shared: shared}
	q := s.queue(bucket, key)
	if q == nil {
		return
	}
	for el := q.qos0.Front(); el != nil; el = q.qos0.Front() {
		s.removeQos0(q, el)
	}
	for el := q.messages.Front(); el != nil; el = q.messages.Front() {
		s.removeEntry(q, el)
	}
	delete(s.buckets[bucket], key)
}

// RemoveAllQos0 drops the queued QoS 0 messages.
func (s *Store) RemoveAllQos0(bucket int, queueID string, shared bool) {
	key := Key{QueueID: queueID, Shared: shared}
	q := s.queue(bucket, key)
	if q == nil {
		return
	}
	for el := q.qos0.Front(); el != nil; el = q.qos0.Front() {
		s.removeQos0(q, el)
	}
	if q.empty() {
		delete(s.buckets[bucket], key)
	}
}

// CleanUp removes expired messages of every queue in bucket: all expired QoS 0
// messages, and expired QoS 1/2 messages not in flight unless in-flight expiry
// is enabled. Emptied queues are deleted; the ids of the shared ones are
// returned.
func (s *Store) CleanUp(bucket int) mapset.Set[string] {
	emptied := mapset.NewThreadUnsafeSet[string]()
	now := s.now()
	for key, q := range s.buckets[bucket] {
		for el := q.qos0.Front(); el != nil; {
			next := el.Next()
			if p := el.Value.(*mqtt.Publish); p.IsExpired(now) {
				s.removeQos0(q, el)
				s.dropped(event.DropExpired, key, p)
			}
			el = next
		}
		for el := q.messages.Front(); el != nil; {
			next := el.Next()
			e := el.Value.(*entry)
			if e.expired(now) && (!e.inflight() || s.cfg.InflightExpiry) {
				s.removeEntry(q, el)
				if p, ok := e.msg.(*mqtt.Publish); ok {
					s.dropped(event.DropExpired, key, p)
				}
			}
			el = next
		}
		if q.empty() {
			delete(s.buckets[bucket], key)
			if key.Shared {
				emptied.Add(key.QueueID)
			}
		}
	}
	return emptied
}

// Keys returns the queues present in bucket.
func (s *Store) Keys(bucket int) []Key {
	keys := make([]Key, 0, len(s.buckets[bucket]))
	for key := range s.buckets[bucket] {
		keys = append(keys, key)
	}
	return keys
}
