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

// Package mqtt holds the broker's internal representation of MQTT messages
// and the small value types shared by the persistence and delivery layers.
package mqtt

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
)

// QoS is the MQTT quality of service level.
type QoS byte

const (
	// AtMostOnce is QoS 0.
	AtMostOnce QoS = 0
	// AtLeastOnce is QoS 1.
	AtLeastOnce QoS = 1
	// ExactlyOnce is QoS 2.
	ExactlyOnce QoS = 2
)

// MinQoS returns the lower of a and b.
func MinQoS(a, b QoS) QoS {
	if a < b {
		return a
	}
	return b
}

// Valid reports whether q is 0, 1 or 2.
func (q QoS) Valid() bool {
	return q <= ExactlyOnce
}

// MessageExpiryNotSet marks a message without a message expiry interval.
const MessageExpiryNotSet int64 = math.MaxInt64

// UserProperty is an MQTT 5 user property. Order is significant.
type UserProperty struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Message is an entry of a client queue: a *Publish or a *PubRel.
type Message interface {
	// GetPacketID returns the assigned packet identifier, 0 when unassigned.
	GetPacketID() uint16
	// GetUniqueID returns the broker wide message identity.
	GetUniqueID() string
	isMessage()
}

// Publish is a PUBLISH as it travels through the broker.
type Publish struct {
	UniqueID    string
	PublisherID string

	Topic   string
	Payload []byte
	// PayloadID references the payload store. Queued and retained copies
	// carry only the id; Payload is filled in right before sending.
	PayloadID   uint64
	PayloadSize int

	QoS      QoS
	Retain   bool
	Dup      bool
	PacketID uint16

	// MessageExpiry is the expiry interval in seconds, MessageExpiryNotSet when absent.
	MessageExpiry int64
	Timestamp     time.Time

	UserProperties          []UserProperty
	ResponseTopic           string
	ContentType             string
	CorrelationData         []byte
	SubscriptionIdentifiers []int
}

// NewPublish returns a publish with a fresh unique id, the current timestamp
// and no expiry.
func NewPublish(topic string, payload []byte, qos QoS, retain bool) *Publish {
	return &Publish{
		UniqueID:      uuid.NewString(),
		Topic:         topic,
		Payload:       payload,
		PayloadSize:   len(payload),
		QoS:           qos,
		Retain:        retain,
		MessageExpiry: MessageExpiryNotSet,
		Timestamp:     time.Now(),
	}
}

// GetPacketID implements Message.
func (p *Publish) GetPacketID() uint16 { return p.PacketID }

// GetUniqueID implements Message.
func (p *Publish) GetUniqueID() string { return p.UniqueID }

func (p *Publish) isMessage() {}

// Copy returns a shallow copy with its own subscription identifier slice.
func (p *Publish) Copy() *Publish {
	c := *p
	if p.SubscriptionIdentifiers != nil {
		c.SubscriptionIdentifiers = append([]int(nil), p.SubscriptionIdentifiers...)
	}
	return &c
}

// HasExpiry reports whether a message expiry interval is set.
func (p *Publish) HasExpiry() bool {
	return p.MessageExpiry != MessageExpiryNotSet
}

// IsExpired reports whether the message expiry elapsed at now.
func (p *Publish) IsExpired(now time.Time) bool {
	return isExpired(p.MessageExpiry, p.Timestamp, now)
}

// RemainingExpiry returns the seconds left until expiry, never negative.
func (p *Publish) RemainingExpiry(now time.Time) int64 {
	return RemainingExpiry(p.MessageExpiry, p.Timestamp, now)
}

// EstimatedSize approximates the memory held by the message.
func (p *Publish) EstimatedSize() int {
	size := 64 + len(p.Topic) + max(len(p.Payload), p.PayloadSize) + len(p.UniqueID) + len(p.PublisherID) +
		len(p.ResponseTopic) + len(p.ContentType) + len(p.CorrelationData) +
		8*len(p.SubscriptionIdentifiers)
	for _, up := range p.UserProperties {
		size += len(up.Name) + len(up.Value)
	}
	return size
}

// PubRel is the placeholder replacing a QoS 2 publish once PUBREC arrived.
type PubRel struct {
	PacketID      uint16
	UniqueID      string
	MessageExpiry int64
	Timestamp     time.Time
}

// GetPacketID implements Message.
func (r *PubRel) GetPacketID() uint16 { return r.PacketID }

// GetUniqueID implements Message.
func (r *PubRel) GetUniqueID() string { return r.UniqueID }

func (r *PubRel) isMessage() {}

// IsExpired reports whether the message expiry elapsed at now.
func (r *PubRel) IsExpired(now time.Time) bool {
	return isExpired(r.MessageExpiry, r.Timestamp, now)
}

// RemainingExpiry returns max(0, expiry - seconds since timestamp). A message
// without expiry returns MessageExpiryNotSet.
func RemainingExpiry(expiry int64, timestamp, now time.Time) int64 {
	if expiry == MessageExpiryNotSet {
		return MessageExpiryNotSet
	}
	remaining := expiry - int64(now.Sub(timestamp)/time.Second)
	if remaining < 0 {
		return 0
	}
	return remaining
}

func isExpired(expiry int64, timestamp, now time.Time) bool {
	if expiry == MessageExpiryNotSet {
		return false
	}
	return now.Sub(timestamp) >= time.Duration(expiry)*time.Second
}

// PublishingResult is the outcome of distributing a publish.
type PublishingResult int

const (
	// Delivered means the publish was handed to at least one subscriber queue.
	Delivered PublishingResult = iota
	// NoMatchingSubscribers means no subscription matched the topic.
	NoMatchingSubscribers
	// Failed means the publish could not be processed.
	Failed
	// NotConnected means the target client was not connected.
	NotConnected
)

func (r PublishingResult) String() string {
	switch r {
	case Delivered:
		return "delivered"
	case NoMatchingSubscribers:
		return "no_matching_subscribers"
	case Failed:
		return "failed"
	case NotConnected:
		return "not_connected"
	default:
		return fmt.Sprintf("result(%d)", int(r))
	}
}

// QueuedMessagesStrategy decides what happens when a QoS 1/2 queue is full.
type QueuedMessagesStrategy int

const (
	// Discard drops the incoming message.
	Discard QueuedMessagesStrategy = iota
	// DiscardOldest evicts the oldest evictable queued message.
	DiscardOldest
)

func (s QueuedMessagesStrategy) String() string {
	if s == DiscardOldest {
		return "discard_oldest"
	}
	return "discard"
}

// ParseQueuedMessagesStrategy parses "discard" or "discard_oldest".
func ParseQueuedMessagesStrategy(s string) (QueuedMessagesStrategy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "discard":
		return Discard, nil
	case "discard_oldest", "discard-oldest":
		return DiscardOldest, nil
	default:
		return Discard, fmt.Errorf("unknown queued messages strategy %q", s)
	}
}
