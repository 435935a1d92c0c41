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

// Package retained provides the bucketed store of MQTT retained messages.
//
// Like the client queues, each bucket is owned by a single writer; only the
// message counter is shared between buckets.
package retained

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/atomic"

	"github.com/turtacn/emqx-edge/pkg/mqtt"
	"github.com/turtacn/emqx-edge/pkg/topic"
)

var (
	// ErrLimitReached is returned when a new topic would exceed the
	// retained message limit.
	ErrLimitReached = errors.New("retained message limit reached")
	// ErrPayloadTooLarge is returned for payloads above the size limit.
	ErrPayloadTooLarge = errors.New("retained payload too large")
)

// PayloadStore is the part of the payload store used for retained messages.
type PayloadStore interface {
	Increment(id uint64) error
	Decrement(id uint64) error
}

// Config defines retained store limits.
type Config struct {
	// Maximum payload size allowed, 0 for no limit
	MaxPayloadSize int64 `yaml:"max_payload_size" json:"max_payload_size"`
	// Maximum number of retained messages, 0 for no limit
	MaxRetainedMessages int64 `yaml:"max_retained_messages" json:"max_retained_messages"`
}

// DefaultConfig returns a default retained store configuration.
func DefaultConfig() Config {
	return Config{
		MaxPayloadSize:      1024 * 1024, // 1MB
		MaxRetainedMessages: 10000,
	}
}

// Message is a stored retained message. The payload lives in the payload
// store under PayloadID.
type Message struct {
	Topic           string
	PayloadID       uint64
	PayloadSize     int
	QoS             mqtt.QoS
	PublisherID     string
	UserProperties  []mqtt.UserProperty
	ResponseTopic   string
	ContentType     string
	CorrelationData []byte
	MessageExpiry   int64
	Timestamp       time.Time
}

// FromPublish builds the retained message for p.
func FromPublish(p *mqtt.Publish) *Message {
	return &Message{
		Topic:           p.Topic,
		PayloadID:       p.PayloadID,
		PayloadSize:     max(len(p.Payload), p.PayloadSize),
		QoS:             p.QoS,
		PublisherID:     p.PublisherID,
		UserProperties:  p.UserProperties,
		ResponseTopic:   p.ResponseTopic,
		ContentType:     p.ContentType,
		CorrelationData: p.CorrelationData,
		MessageExpiry:   p.MessageExpiry,
		Timestamp:       p.Timestamp,
	}
}

// ToPublish returns the publish delivering m to a new subscriber at now,
// carrying the remaining expiry. The payload itself is not attached.
func (m *Message) ToPublish(now time.Time) *mqtt.Publish {
	p := mqtt.NewPublish(m.Topic, nil, m.QoS, true)
	p.PayloadID = m.PayloadID
	p.PayloadSize = m.PayloadSize
	p.PublisherID = m.PublisherID
	p.UserProperties = m.UserProperties
	p.ResponseTopic = m.ResponseTopic
	p.ContentType = m.ContentType
	p.CorrelationData = m.CorrelationData
	p.MessageExpiry = m.RemainingExpiry(now)
	p.Timestamp = now
	return p
}

// RemainingExpiry returns max(0, expiry - seconds since stored).
func (m *Message) RemainingExpiry(now time.Time) int64 {
	return mqtt.RemainingExpiry(m.MessageExpiry, m.Timestamp, now)
}

// IsExpired reports whether the message expired at now.
func (m *Message) IsExpired(now time.Time) bool {
	return m.MessageExpiry != mqtt.MessageExpiryNotSet && m.RemainingExpiry(now) == 0
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// Store holds retained messages per bucket, keyed by topic.
type Store struct {
	cfg      Config
	payloads PayloadStore
	now      func() time.Time
	count    *atomic.Int64
	buckets  []map[string]*Message
}

// NewStore creates a store with bucketCount buckets.
func NewStore(bucketCount int, cfg Config, payloads PayloadStore, opts ...Option) *Store {
	s := &Store{
		cfg:      cfg,
		payloads: payloads,
		now:      time.Now,
		count:    atomic.NewInt64(0),
		buckets:  make([]map[string]*Message, bucketCount),
	}
	for i := range s.buckets {
		s.buckets[i] = make(map[string]*Message)
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Persist stores msg under its topic, replacing the previous message. The
// store takes a payload reference and releases the one of the replaced
// message.
func (s *Store) Persist(bucket int, msg *Message) error {
	if s.cfg.MaxPayloadSize > 0 && int64(msg.PayloadSize) > s.cfg.MaxPayloadSize {
		return fmt.Errorf("%w: %d exceeds %d", ErrPayloadTooLarge, msg.PayloadSize, s.cfg.MaxPayloadSize)
	}
	old, exists := s.buckets[bucket][msg.Topic]
	if !exists && s.cfg.MaxRetainedMessages > 0 && s.count.Load() >= s.cfg.MaxRetainedMessages {
		return fmt.Errorf("%w (%d)", ErrLimitReached, s.cfg.MaxRetainedMessages)
	}
	if err := s.payloads.Increment(msg.PayloadID); err != nil {
		return err
	}
	stored := *msg
	s.buckets[bucket][msg.Topic] = &stored
	if exists {
		_ = s.payloads.Decrement(old.PayloadID)
	} else {
		s.count.Inc()
	}
	return nil
}

// Remove deletes the retained message of topic and reports whether one
// existed.
func (s *Store) Remove(bucket int, topicName string) bool {
	old, ok := s.buckets[bucket][topicName]
	if !ok {
		return false
	}
	s.remove(bucket, old)
	return true
}

func (s *Store) remove(bucket int, msg *Message) {
	delete(s.buckets[bucket], msg.Topic)
	s.count.Dec()
	_ = s.payloads.Decrement(msg.PayloadID)
}

// Get returns a copy of the retained message of topic. Expired messages are
// removed and reported absent.
func (s *Store) Get(bucket int, topicName string) (*Message, bool) {
	msg, ok := s.buckets[bucket][topicName]
	if !ok {
		return nil, false
	}
	if msg.IsExpired(s.now()) {
		s.remove(bucket, msg)
		return nil, false
	}
	c := *msg
	return &c, true
}

// GetMatching returns copies of the unexpired messages of bucket whose topic
// matches filter.
func (s *Store) GetMatching(bucket int, filter string) []*Message {
	now := s.now()
	var out []*Message
	for topicName, msg := range s.buckets[bucket] {
		if !topic.Match(filter, topicName) || msg.IsExpired(now) {
			continue
		}
		c := *msg
		out = append(out, &c)
	}
	return out
}

// CleanUp removes the expired messages of bucket and returns their topics.
func (s *Store) CleanUp(bucket int) []string {
	now := s.now()
	var expired []string
	for topicName, msg := range s.buckets[bucket] {
		if msg.IsExpired(now) {
			s.remove(bucket, msg)
			expired = append(expired, topicName)
		}
	}
	return expired
}

// All returns copies of every message of bucket, expired ones included.
func (s *Store) All(bucket int) []*Message {
	out := make([]*Message, 0, len(s.buckets[bucket]))
	for _, msg := range s.buckets[bucket] {
		c := *msg
		out = append(out, &c)
	}
	return out
}

// Count returns the number of retained messages in all buckets.
func (s *Store) Count() int64 {
	return s.count.Load()
}
