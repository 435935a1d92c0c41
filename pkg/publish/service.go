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

// Package publish distributes inbound publishes to subscribers and moves
// queued messages to connected clients.
//
// Distribution never writes to a socket: every receiver gets the publish
// through its client queue, or the group queue of a shared subscription, and
// the poll service flushes the queues of connected clients.
package publish

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/turtacn/emqx-edge/pkg/event"
	"github.com/turtacn/emqx-edge/pkg/future"
	"github.com/turtacn/emqx-edge/pkg/metrics"
	"github.com/turtacn/emqx-edge/pkg/mqtt"
	"github.com/turtacn/emqx-edge/pkg/persistence"
	"github.com/turtacn/emqx-edge/pkg/retained"
	"github.com/turtacn/emqx-edge/pkg/topic"
)

// Publisher accepts publishes for distribution.
type Publisher interface {
	Publish(ctx context.Context, p *mqtt.Publish, sender string) *future.Future[mqtt.PublishingResult]
}

// QueueLimits resolves the queued message limit override of a client
// session, zero when the session has none.
type QueueLimits interface {
	QueueLimit(clientID string) *future.Future[int]
}

// Config holds the queuing defaults of the pipeline.
type Config struct {
	MaxQueuedMessages int
	Strategy          mqtt.QueuedMessagesStrategy
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithBridgeResolver sets the lookup of bridge forwarder clients.
func WithBridgeResolver(r BridgeResolver) Option {
	return func(s *Service) {
		s.bridges = r
	}
}

// WithQueueLimits sets the lookup of per session queue limits.
func WithQueueLimits(l QueueLimits) Option {
	return func(s *Service) {
		s.limits = l
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// WithDropReporter sets the receiver of dropped message notifications.
func WithDropReporter(r event.DropReporter) Option {
	return func(s *Service) {
		s.drops = r
	}
}

// Service is the publish distribution pipeline.
type Service struct {
	cfg      Config
	logger   *zap.Logger
	payloads Payloads
	queues   *persistence.ClientQueues
	retained *persistence.Retained
	tree     *topic.Store
	conns    ConnectionRegistry
	poll     *PollService
	bridges  BridgeResolver
	limits   QueueLimits
	drops    event.DropReporter
	now      func() time.Time
}

// NewService creates the pipeline.
func NewService(cfg Config, payloads Payloads, queues *persistence.ClientQueues, retainedMessages *persistence.Retained, tree *topic.Store, conns ConnectionRegistry, poll *PollService, opts ...Option) *Service {
	s := &Service{
		cfg:      cfg,
		logger:   zap.NewNop(),
		payloads: payloads,
		queues:   queues,
		retained: retainedMessages,
		tree:     tree,
		conns:    conns,
		poll:     poll,
		bridges:  noBridges{},
		drops:    event.NopDropReporter{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Poll returns the poll service flushing the queues.
func (s *Service) Poll() *PollService {
	return s.poll
}

// Publish distributes p, sent by the client sender, to its subscribers.
// Delivery is best effort once the publish is accepted: queuing failures
// are logged and the result is still Delivered.
func (s *Service) Publish(ctx context.Context, p *mqtt.Publish, sender string) *future.Future[mqtt.PublishingResult] {
	if err := ctx.Err(); err != nil {
		metrics.PublishesTotal.WithLabelValues(mqtt.Failed.String()).Inc()
		return future.Failed[mqtt.PublishingResult](err)
	}

	p = p.Copy()
	p.Dup = false
	p.PacketID = 0
	p.PayloadSize = len(p.Payload)
	if p.Timestamp.IsZero() {
		p.Timestamp = s.now()
	}
	// the pipeline holds one payload reference until distribution finished
	p.PayloadID = s.payloads.Add(p.Payload)

	retainedDone := s.persistRetained(p)

	subs := s.tree.FindSubscribers(p.Topic)
	if subs.Empty() {
		return future.Then(retainedDone, func(struct{}) (mqtt.PublishingResult, error) {
			return s.finish(p, mqtt.NoMatchingSubscribers), nil
		})
	}

	var deliveries []*future.Future[struct{}]
	for _, sub := range subs.Direct {
		if f := s.deliverDirect(p, sender, sub); f != nil {
			deliveries = append(deliveries, f)
		}
	}
	for _, groupID := range subs.SharedGroups {
		deliveries = append(deliveries, s.deliverShared(p, groupID))
	}

	all := future.AllOf(future.Void(future.AllOf(deliveries...)), retainedDone)
	result := future.New[mqtt.PublishingResult]()
	all.OnComplete(func(_ []struct{}, err error) {
		if err != nil {
			s.logger.Warn("publish distribution incomplete",
				zap.String("topic", p.Topic),
				zap.String("sender", sender),
				zap.Error(err))
		}
		result.Success(s.finish(p, mqtt.Delivered))
	})
	return result
}

func (s *Service) finish(p *mqtt.Publish, result mqtt.PublishingResult) mqtt.PublishingResult {
	_ = s.payloads.Decrement(p.PayloadID)
	metrics.PublishesTotal.WithLabelValues(result.String()).Inc()
	return result
}

// persistRetained stores or clears the retained message of the topic. Its
// failure is reported by the returned future and never blocks delivery.
func (s *Service) persistRetained(p *mqtt.Publish) *future.Future[struct{}] {
	if !p.Retain {
		return future.Completed(struct{}{})
	}
	var f *future.Future[struct{}]
	if p.PayloadSize == 0 {
		f = future.Void(s.retained.Remove(p.Topic))
	} else {
		f = s.retained.Persist(retained.FromPublish(p))
	}
	done := future.New[struct{}]()
	f.OnComplete(func(_ struct{}, err error) {
		if err != nil {
			s.logger.Warn("failed to update retained message", zap.String("topic", p.Topic), zap.Error(err))
		}
		done.Success(struct{}{})
	})
	return done
}

func (s *Service) deliverDirect(p *mqtt.Publish, sender string, sub topic.Subscriber) *future.Future[struct{}] {
	if sub.NoLocal && sub.ClientID == sender {
		return nil
	}

	out := p.Copy()
	out.QoS = mqtt.MinQoS(sub.QoS, p.QoS)
	out.Retain = p.Retain && sub.RetainAsPublished
	out.SubscriptionIdentifiers = sub.SubscriptionIdentifiers

	conn, ok := s.conns.Get(sub.ClientID)
	connected := ok && conn.Connected()
	overrides, isBridge := s.bridges.Forwarder(sub.ClientID)
	if isBridge && !overrides.Persist && !connected {
		s.drops.MessageDropped(event.DropNotConnected, sub.ClientID, false, p.Topic, out.QoS)
		return nil
	}
	if out.QoS == mqtt.AtMostOnce && !connected {
		s.drops.MessageDropped(event.DropNotConnected, sub.ClientID, false, p.Topic, out.QoS)
		return nil
	}

	add := func(limit int) *future.Future[struct{}] {
		return s.queues.Add(sub.ClientID, false, []*mqtt.Publish{out}, limit, s.cfg.Strategy, false)
	}
	var added *future.Future[struct{}]
	switch {
	case isBridge && overrides.QueueLimit > 0:
		added = add(overrides.QueueLimit)
	case isBridge || s.limits == nil:
		added = add(s.cfg.MaxQueuedMessages)
	default:
		added = future.ThenAsync(s.limits.QueueLimit(sub.ClientID), func(limit int) *future.Future[struct{}] {
			if limit <= 0 {
				limit = s.cfg.MaxQueuedMessages
			}
			return add(limit)
		})
	}
	added.OnComplete(func(_ struct{}, err error) {
		if err == nil && connected {
			s.poll.PollNewMessages(conn)
		}
	})
	return added
}

func (s *Service) deliverShared(p *mqtt.Publish, groupID string) *future.Future[struct{}] {
	out := p.Copy()
	added := s.queues.Add(groupID, true, []*mqtt.Publish{out}, s.cfg.MaxQueuedMessages, s.cfg.Strategy, false)
	added.OnComplete(func(_ struct{}, err error) {
		if err == nil {
			s.poll.PollShared(groupID)
		}
	})
	return added
}

// DeliverRetained queues the retained messages matching a new subscription
// and resolves to their number. Shared subscriptions get none.
func (s *Service) DeliverRetained(sub topic.Subscription) *future.Future[int] {
	if sub.Shared() {
		return future.Completed(0)
	}
	matching := s.retained.GetMatching(sub.Filter)
	return future.ThenAsync(matching, func(msgs []*retained.Message) *future.Future[int] {
		if len(msgs) == 0 {
			return future.Completed(0)
		}
		now := s.now()
		publishes := make([]*mqtt.Publish, 0, len(msgs))
		for _, msg := range msgs {
			p := msg.ToPublish(now)
			p.QoS = mqtt.MinQoS(p.QoS, sub.QoS)
			if sub.SubscriptionIdentifier > 0 {
				p.SubscriptionIdentifiers = []int{sub.SubscriptionIdentifier}
			}
			publishes = append(publishes, p)
		}
		conn, ok := s.conns.Get(sub.ClientID)
		added := s.queues.Add(sub.ClientID, false, publishes, s.cfg.MaxQueuedMessages, s.cfg.Strategy, true)
		return future.Then(added, func(struct{}) (int, error) {
			if ok && conn.Connected() {
				s.poll.PollNewMessages(conn)
			}
			return len(publishes), nil
		})
	})
}
