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

package publish

import (
	"math"

	"go.uber.org/zap"

	"github.com/turtacn/emqx-edge/pkg/event"
	"github.com/turtacn/emqx-edge/pkg/future"
	"github.com/turtacn/emqx-edge/pkg/mqtt"
	"github.com/turtacn/emqx-edge/pkg/persistence"
	"github.com/turtacn/emqx-edge/pkg/topic"
)

const (
	// DefaultBatchSize bounds the messages read per poll.
	DefaultBatchSize = 50
	// DefaultBytesLimit bounds the bytes read per poll.
	DefaultBytesLimit = 5 * 1024 * 1024
)

// Payloads is the payload store as used by the pipeline.
type Payloads interface {
	Add(data []byte) uint64
	Get(id uint64) ([]byte, error)
	Increment(id uint64) error
	Decrement(id uint64) error
}

// PollConfig bounds a single poll.
type PollConfig struct {
	BatchSize  int
	BytesLimit int
}

// DefaultPollConfig returns the default poll budgets.
func DefaultPollConfig() PollConfig {
	return PollConfig{BatchSize: DefaultBatchSize, BytesLimit: DefaultBytesLimit}
}

// PollService moves queued messages to connected clients. Queue reads run on
// the single writer; sending happens on a separate goroutine.
type PollService struct {
	cfg      PollConfig
	logger   *zap.Logger
	payloads Payloads
	queues   *persistence.ClientQueues
	tree     *topic.Store
	conns    ConnectionRegistry
	drops    event.DropReporter
}

// PollOption configures a PollService.
type PollOption func(*PollService)

// WithPollLogger sets the logger.
func WithPollLogger(logger *zap.Logger) PollOption {
	return func(s *PollService) {
		s.logger = logger
	}
}

// WithPollDropReporter sets the receiver of dropped message notifications.
func WithPollDropReporter(r event.DropReporter) PollOption {
	return func(s *PollService) {
		s.drops = r
	}
}

// NewPollService creates a poll service.
func NewPollService(cfg PollConfig, payloads Payloads, queues *persistence.ClientQueues, tree *topic.Store, conns ConnectionRegistry, opts ...PollOption) *PollService {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.BytesLimit <= 0 {
		cfg.BytesLimit = DefaultBytesLimit
	}
	s := &PollService{
		cfg:      cfg,
		logger:   zap.NewNop(),
		payloads: payloads,
		queues:   queues,
		tree:     tree,
		conns:    conns,
		drops:    event.NopDropReporter{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// reserve claims part of the in-flight window and takes packet ids for it:
// no more than the batch size and the free part of the window. The claim is
// counted in the in-flight counter before any id is taken, so concurrent
// polls never share the same free slots. Nothing is reserved while the
// connection restores its in-flight messages.
func (s *PollService) reserve(conn Connection) []uint16 {
	inflight := conn.Inflight()
	var n int
	for {
		cur := inflight.Load()
		n = min(s.cfg.BatchSize, conn.ReceiveMaximum()-int(cur))
		if n <= 0 {
			return nil
		}
		if inflight.CompareAndSwap(cur, cur+int64(n)) {
			break
		}
	}
	ids := conn.PacketIDs().Reserve(n)
	if len(ids) < n {
		inflight.Sub(int64(n - len(ids)))
	}
	return ids
}

// releaseUnused returns the reserved ids no publish got, together with their
// part of the in-flight claim.
func releaseUnused(conn Connection, ids []uint16, publishes []*mqtt.Publish) {
	used := make(map[uint16]struct{}, len(publishes))
	for _, p := range publishes {
		if p.PacketID != 0 {
			used[p.PacketID] = struct{}{}
		}
	}
	var unused []uint16
	for _, id := range ids {
		if _, ok := used[id]; !ok {
			unused = append(unused, id)
		}
	}
	conn.PacketIDs().Release(unused...)
	conn.Inflight().Sub(int64(len(ids) - len(publishes)))
}

// readReserved reads queued publishes for the ids reserved on conn. A failed
// read gives the reservation back.
func (s *PollService) readReserved(conn Connection, queueID string, shared bool, ids []uint16) *future.Future[[]*mqtt.Publish] {
	read := s.queues.ReadNew(queueID, shared, ids, s.cfg.BytesLimit)
	read.OnComplete(func(_ []*mqtt.Publish, err error) {
		if err != nil {
			releaseUnused(conn, ids, nil)
		}
	})
	return read
}

// PollNewMessages sends queued messages of the client, polling again while
// full batches come back. It resolves to the number of messages sent.
func (s *PollService) PollNewMessages(conn Connection) *future.Future[int] {
	if !conn.Connected() {
		return future.Completed(0)
	}
	ids := s.reserve(conn)
	if len(ids) == 0 {
		return future.Completed(0)
	}
	read := s.readReserved(conn, conn.ClientID(), false, ids)
	return future.ThenAsync(read, func(publishes []*mqtt.Publish) *future.Future[int] {
		releaseUnused(conn, ids, publishes)
		sent := future.Go(func() (int, error) {
			return s.dispatch(conn, conn.ClientID(), false, publishes), nil
		})
		if len(publishes) < len(ids) {
			return sent
		}
		return future.ThenAsync(sent, func(n int) *future.Future[int] {
			return plus(s.PollNewMessages(conn), n)
		})
	})
}

// plus adds n to the count f resolves to.
func plus(f *future.Future[int], n int) *future.Future[int] {
	return future.Then(f, func(more int) (int, error) {
		return n + more, nil
	})
}

// PollInflightMessages resends the in-flight messages of a reconnected
// client and then polls new ones. The packet ids of conn stay suspended
// until the ids of the resent messages are known.
func (s *PollService) PollInflightMessages(conn Connection) *future.Future[int] {
	ids := conn.PacketIDs()
	ids.Suspend()
	read := s.queues.ReadInflight(conn.ClientID(), false, math.MaxUint16, math.MaxInt)
	read.OnComplete(func(_ []mqtt.Message, err error) {
		if err != nil {
			ids.Restore()
		}
	})
	return future.ThenAsync(read, func(msgs []mqtt.Message) *future.Future[int] {
		restored := make([]uint16, 0, len(msgs))
		for _, m := range msgs {
			restored = append(restored, m.GetPacketID())
		}
		conn.Inflight().Add(int64(len(msgs)))
		ids.Restore(restored...)
		resent := future.Go(func() (int, error) {
			sent := 0
			for _, m := range msgs {
				switch msg := m.(type) {
				case *mqtt.Publish:
					sent += s.dispatch(conn, conn.ClientID(), false, []*mqtt.Publish{msg})
				case *mqtt.PubRel:
					if err := conn.SendPubRel(msg); err != nil {
						s.logger.Debug("failed to resend pubrel", zap.String("client_id", conn.ClientID()), zap.Error(err))
					}
					sent++
				}
			}
			return sent, nil
		})
		return future.ThenAsync(resent, func(n int) *future.Future[int] {
			return plus(s.PollNewMessages(conn), n)
		})
	})
}

// PollSharedPublishesForClient sends messages of the shared group queue to
// one member, downgraded to the member's subscription QoS.
func (s *PollService) PollSharedPublishesForClient(conn Connection, groupID string) *future.Future[int] {
	sub, ok := s.tree.SharedSubscription(groupID, conn.ClientID())
	if !ok || !conn.Connected() {
		return future.Completed(0)
	}
	ids := s.reserve(conn)
	if len(ids) == 0 {
		return future.Completed(0)
	}
	read := s.readReserved(conn, groupID, true, ids)
	return future.ThenAsync(read, func(publishes []*mqtt.Publish) *future.Future[int] {
		releaseUnused(conn, ids, publishes)
		for _, p := range publishes {
			p.Retain = false
			if sub.SubscriptionIdentifier > 0 {
				p.SubscriptionIdentifiers = []int{sub.SubscriptionIdentifier}
			}
			if p.PacketID == 0 {
				continue
			}
			if sub.QoS == mqtt.AtMostOnce {
				// no acknowledgement will come: keep the payload for the
				// send and drop the message from the group queue now
				_ = s.payloads.Increment(p.PayloadID)
				s.queues.Remove(groupID, true, p.PacketID, p.UniqueID)
				conn.PacketIDs().Release(p.PacketID)
				p.PacketID = 0
				p.QoS = mqtt.AtMostOnce
				continue
			}
			p.QoS = mqtt.MinQoS(p.QoS, sub.QoS)
			conn.SharedInflight().Track(p.PacketID, groupID, p.UniqueID)
		}
		return future.Go(func() (int, error) {
			return s.dispatch(conn, groupID, true, publishes), nil
		})
	})
}

// PollShared offers the shared group queue to every connected member.
func (s *PollService) PollShared(groupID string) *future.Future[int] {
	members, ok := s.tree.SharedGroup(groupID)
	if !ok {
		return future.Completed(0)
	}
	var polls []*future.Future[int]
	for _, m := range members {
		conn, ok := s.conns.Get(m.ClientID)
		if !ok || !conn.Connected() {
			continue
		}
		polls = append(polls, s.PollSharedPublishesForClient(conn, groupID))
	}
	return future.Then(future.AllOf(polls...), func(counts []int) (int, error) {
		total := 0
		for _, c := range counts {
			total += c
		}
		return total, nil
	})
}

// dispatch attaches payloads and sends publishes. The in-flight counter was
// already raised for all of them by reserve; it is lowered again for QoS 0 sends and
// dropped messages. A message whose payload is gone is dropped alone.
func (s *PollService) dispatch(conn Connection, queueID string, shared bool, publishes []*mqtt.Publish) int {
	sent := 0
	for _, p := range publishes {
		data, err := s.payloads.Get(p.PayloadID)
		if err != nil {
			s.logger.Warn("dropping message without payload",
				zap.String("client_id", conn.ClientID()),
				zap.String("topic", p.Topic),
				zap.Uint64("payload_id", p.PayloadID),
				zap.Error(err))
			s.drops.MessageDropped(event.DropPayloadMissing, queueID, shared, p.Topic, p.QoS)
			if p.PacketID != 0 {
				s.queues.Remove(queueID, shared, p.PacketID, p.UniqueID)
				conn.SharedInflight().Take(p.PacketID)
				conn.PacketIDs().Release(p.PacketID)
			}
			conn.Inflight().Dec()
			continue
		}

		p.Payload = data
		if err := conn.SendPublish(p); err != nil {
			s.logger.Debug("failed to send publish",
				zap.String("client_id", conn.ClientID()),
				zap.String("topic", p.Topic),
				zap.Error(err))
		} else {
			sent++
		}
		if p.QoS == mqtt.AtMostOnce {
			_ = s.payloads.Decrement(p.PayloadID)
			conn.Inflight().Dec()
		}
	}
	return sent
}

// Puback completes a QoS 1 delivery.
func (s *PollService) Puback(conn Connection, packetID uint16) *future.Future[struct{}] {
	return s.complete(conn, packetID)
}

// Pubcomp completes a QoS 2 delivery.
func (s *PollService) Pubcomp(conn Connection, packetID uint16) *future.Future[struct{}] {
	return s.complete(conn, packetID)
}

func (s *PollService) complete(conn Connection, packetID uint16) *future.Future[struct{}] {
	entry, shared := conn.SharedInflight().Take(packetID)
	queueID := conn.ClientID()
	if shared {
		queueID = entry.GroupID
	}
	removed := s.queues.Remove(queueID, shared, packetID, entry.UniqueID)
	return future.Then(removed, func(uniqueID string) (struct{}, error) {
		conn.PacketIDs().Release(packetID)
		if uniqueID == "" {
			s.logger.Debug("acknowledgement for unknown packet id",
				zap.String("client_id", conn.ClientID()),
				zap.Uint16("packet_id", packetID))
			return struct{}{}, nil
		}
		conn.Inflight().Dec()
		if shared {
			s.PollShared(queueID)
		} else {
			s.PollNewMessages(conn)
		}
		return struct{}{}, nil
	})
}

// Pubrec replaces the acknowledged QoS 2 publish with a PUBREL placeholder
// and sends the PUBREL.
func (s *PollService) Pubrec(conn Connection, packetID uint16) *future.Future[struct{}] {
	entry, shared := conn.SharedInflight().Get(packetID)
	queueID := conn.ClientID()
	if shared {
		queueID = entry.GroupID
	}
	rel := &mqtt.PubRel{PacketID: packetID, UniqueID: entry.UniqueID}
	replaced := s.queues.Replace(queueID, shared, rel)
	return future.ThenAsync(replaced, func(string) *future.Future[struct{}] {
		return future.Go(func() (struct{}, error) {
			return struct{}{}, conn.SendPubRel(rel)
		})
	})
}

// ReleaseShared hands the unacknowledged shared messages of a departing
// member back to their groups and offers them to the other members.
func (s *PollService) ReleaseShared(conn Connection) *future.Future[struct{}] {
	entries := conn.SharedInflight().Drain()
	released := make([]*future.Future[bool], 0, len(entries))
	groups := make(map[string]struct{})
	for _, e := range entries {
		released = append(released, s.queues.RemoveInFlightMarker(e.GroupID, e.UniqueID))
		conn.PacketIDs().Release(e.PacketID)
		groups[e.GroupID] = struct{}{}
	}
	return future.Then(future.AllOf(released...), func([]bool) (struct{}, error) {
		for groupID := range groups {
			s.PollShared(groupID)
		}
		return struct{}{}, nil
	})
}
