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

package broker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/mochi-mqtt/server/v2/packets"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/turtacn/emqx-edge/pkg/mqtt"
	"github.com/turtacn/emqx-edge/pkg/publish"
	"github.com/turtacn/emqx-edge/pkg/topic"
)

const writeTimeout = 10 * time.Second

// ErrConnectionClosed is returned when sending to a closed connection.
var ErrConnectionClosed = errors.New("connection closed")

// client is one MQTT connection. It is the publish.Connection of its client
// id while registered.
type client struct {
	broker *Broker
	conn   net.Conn
	logger *zap.Logger

	id         string
	version    byte
	receiveMax int
	keepAlive  time.Duration

	writeMu sync.Mutex

	connected atomic.Bool
	takenOver atomic.Bool
	inflight  atomic.Int64
	packetIDs *mqtt.PacketIDPool
	shared    *publish.SharedInflight

	// packet ids of inbound QoS 2 publishes awaiting PUBREL
	inboundQoS2 mapset.Set[uint16]
	aliases     *topicAliases

	// graceful is set by DISCONNECT, keepWill by DISCONNECT with will.
	graceful      bool
	keepWill      bool
	sessionExpiry *int64
}

var _ publish.Connection = (*client)(nil)

func newClient(b *Broker, conn net.Conn, id string, version byte, receiveMax int, keepAlive time.Duration) *client {
	c := &client{
		broker:      b,
		conn:        conn,
		logger:      b.logger.With(zap.String("client_id", id)),
		id:          id,
		version:     version,
		receiveMax:  receiveMax,
		keepAlive:   keepAlive,
		packetIDs:   mqtt.NewPacketIDPool(),
		shared:      publish.NewSharedInflight(),
		inboundQoS2: mapset.NewSet[uint16](),
		aliases:     newTopicAliases(b.topicAliasMax),
	}
	c.connected.Store(true)
	return c
}

func (c *client) ClientID() string                        { return c.id }
func (c *client) Connected() bool                         { return c.connected.Load() }
func (c *client) ReceiveMaximum() int                     { return c.receiveMax }
func (c *client) Inflight() *atomic.Int64                 { return &c.inflight }
func (c *client) PacketIDs() *mqtt.PacketIDPool           { return c.packetIDs }
func (c *client) SharedInflight() *publish.SharedInflight { return c.shared }

func (c *client) SendPublish(p *mqtt.Publish) error {
	return c.write(p.ToPacket(c.version, time.Now()))
}

func (c *client) SendPubRel(r *mqtt.PubRel) error {
	return c.write(r.ToPacket(c.version))
}

func (c *client) write(pk *packets.Packet) error {
	if !c.connected.Load() {
		return ErrConnectionClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := writePacket(c.conn, pk); err != nil {
		return fmt.Errorf("writing packet type %d: %w", pk.FixedHeader.Type, err)
	}
	return nil
}

// writeAsync sends an acknowledgement off the calling goroutine. Futures
// complete on executor workers, which must not block on the network.
func (c *client) writeAsync(pk *packets.Packet) {
	go func() {
		if err := c.write(pk); err != nil {
			c.logger.Debug("failed to write acknowledgement", zap.Error(err))
		}
	}()
}

// takeOver closes the connection of a client id that connected again.
func (c *client) takeOver() {
	c.takenOver.Store(true)
	c.connected.Store(false)
	if c.version >= protocolVersion5 {
		c.writeMu.Lock()
		_ = c.conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = writePacket(c.conn, &packets.Packet{
			FixedHeader:     packets.FixedHeader{Type: packets.Disconnect},
			ProtocolVersion: c.version,
			ReasonCode:      codeSessionTakenOver,
		})
		c.writeMu.Unlock()
	}
	_ = c.conn.Close()
	c.logger.Info("session taken over")
}

// serve reads packets until the connection ends, then releases the client.
func (c *client) serve(ctx context.Context, r *bufio.Reader) {
	defer c.close()
	for {
		if c.keepAlive > 0 {
			_ = c.conn.SetReadDeadline(time.Now().Add(c.keepAlive * 3 / 2))
		} else {
			_ = c.conn.SetReadDeadline(time.Time{})
		}
		pk, err := readPacket(r, c.version)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) && !c.takenOver.Load() {
				c.logger.Debug("connection lost", zap.Error(err))
			}
			return
		}
		if err := c.handle(ctx, pk); err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			c.logger.Warn("closing connection", zap.Uint8("type", pk.FixedHeader.Type), zap.Error(err))
			return
		}
	}
}

func (c *client) handle(ctx context.Context, pk *packets.Packet) error {
	switch pk.FixedHeader.Type {
	case packets.Publish:
		return c.handlePublish(ctx, pk)
	case packets.Puback:
		c.broker.poll.Puback(c, pk.PacketID)
	case packets.Pubrec:
		if pk.ReasonCode >= codeUnspecifiedError {
			c.broker.poll.Pubcomp(c, pk.PacketID)
		} else {
			c.broker.poll.Pubrec(c, pk.PacketID)
		}
	case packets.Pubcomp:
		c.broker.poll.Pubcomp(c, pk.PacketID)
	case packets.Pubrel:
		c.inboundQoS2.Remove(pk.PacketID)
		return c.write(ack(packets.Pubcomp, c.version, pk.PacketID, codeSuccess))
	case packets.Subscribe:
		return c.handleSubscribe(ctx, pk)
	case packets.Unsubscribe:
		return c.handleUnsubscribe(ctx, pk)
	case packets.Pingreq:
		return c.write(&packets.Packet{FixedHeader: packets.FixedHeader{Type: packets.Pingresp}})
	case packets.Disconnect:
		c.graceful = true
		c.keepWill = c.version >= protocolVersion5 && pk.ReasonCode == codeDisconnectWithWill
		if c.version >= protocolVersion5 && pk.Properties.SessionExpiryIntervalFlag {
			expiry := int64(pk.Properties.SessionExpiryInterval)
			c.sessionExpiry = &expiry
		}
		return io.EOF
	default:
		return fmt.Errorf("%w: unexpected packet type %d", ErrProtocol, pk.FixedHeader.Type)
	}
	return nil
}

func (c *client) handlePublish(ctx context.Context, pk *packets.Packet) error {
	topicName, err := c.aliases.resolve(pk.TopicName, pk.Properties.TopicAlias)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	if strings.ContainsAny(topicName, "+#") {
		return fmt.Errorf("%w: wildcard in topic name %q", ErrProtocol, topicName)
	}
	pk.TopicName = topicName

	qos := mqtt.QoS(pk.FixedHeader.Qos)
	if qos == mqtt.ExactlyOnce {
		if c.inboundQoS2.Contains(pk.PacketID) {
			// duplicate of a message already accepted
			return c.write(ack(packets.Pubrec, c.version, pk.PacketID, codeSuccess))
		}
		c.inboundQoS2.Add(pk.PacketID)
	}

	p := mqtt.FromPacket(pk, c.id, time.Now())
	p.PacketID = 0
	p.Dup = false
	published := c.broker.publisher.Publish(ctx, p, c.id)

	switch qos {
	case mqtt.AtLeastOnce:
		packetID := pk.PacketID
		published.OnComplete(func(result mqtt.PublishingResult, err error) {
			code := codeSuccess
			switch {
			case err != nil:
				code = codeUnspecifiedError
			case result == mqtt.NoMatchingSubscribers && c.version >= protocolVersion5:
				code = codeNoMatchingSubscribers
			}
			c.writeAsync(ack(packets.Puback, c.version, packetID, code))
		})
	case mqtt.ExactlyOnce:
		packetID := pk.PacketID
		published.OnComplete(func(result mqtt.PublishingResult, err error) {
			code := codeSuccess
			switch {
			case err != nil:
				code = codeUnspecifiedError
				c.inboundQoS2.Remove(packetID)
			case result == mqtt.NoMatchingSubscribers && c.version >= protocolVersion5:
				code = codeNoMatchingSubscribers
			}
			c.writeAsync(ack(packets.Pubrec, c.version, packetID, code))
		})
	}
	return nil
}

func (c *client) handleSubscribe(ctx context.Context, pk *packets.Packet) error {
	codes := make([]byte, len(pk.Filters))
	type accepted struct {
		sub     topic.Subscription
		handle  byte
		existed bool
	}
	var subscribed []accepted
	for i, f := range pk.Filters {
		group, filter, err := topic.ParseFilter(f.Filter)
		if err != nil {
			codes[i] = code3SubscribeFailure
			if c.version >= protocolVersion5 {
				codes[i] = codeTopicFilterInvalid
			}
			continue
		}
		qos := mqtt.MinQoS(mqtt.QoS(f.Qos), mqtt.ExactlyOnce)
		sub := topic.Subscription{
			ClientID:          c.id,
			Filter:            filter,
			Group:             group,
			QoS:               qos,
			NoLocal:           f.NoLocal,
			RetainAsPublished: f.RetainAsPublished,
		}
		if len(pk.Properties.SubscriptionIdentifier) > 0 {
			sub.SubscriptionIdentifier = pk.Properties.SubscriptionIdentifier[0]
		}
		existed, err := c.broker.subs.Subscribe(sub).Await(ctx)
		if err != nil {
			codes[i] = codeUnspecifiedError
			continue
		}
		codes[i] = byte(qos)
		subscribed = append(subscribed, accepted{sub: sub, handle: f.RetainHandling, existed: existed})
	}

	if err := c.write(&packets.Packet{
		FixedHeader:     packets.FixedHeader{Type: packets.Suback},
		ProtocolVersion: c.version,
		PacketID:        pk.PacketID,
		ReasonCodes:     codes,
	}); err != nil {
		return err
	}

	for _, a := range subscribed {
		c.logger.Debug("subscribed", zap.String("filter", a.sub.FullFilter()), zap.Uint8("qos", uint8(a.sub.QoS)))
		if a.sub.Shared() {
			c.broker.poll.PollSharedPublishesForClient(c, a.sub.GroupID())
			continue
		}
		switch {
		case a.handle == 0, a.handle == 1 && !a.existed:
			c.broker.publisher.DeliverRetained(a.sub)
		}
	}
	return nil
}

func (c *client) handleUnsubscribe(ctx context.Context, pk *packets.Packet) error {
	codes := make([]byte, len(pk.Filters))
	for i, f := range pk.Filters {
		removed, err := c.broker.subs.Unsubscribe(c.id, f.Filter).Await(ctx)
		switch {
		case err != nil:
			codes[i] = codeUnspecifiedError
		case !removed:
			codes[i] = codeNoSubscriptionExisted
		}
	}
	return c.write(&packets.Packet{
		FixedHeader:     packets.FixedHeader{Type: packets.Unsuback},
		ProtocolVersion: c.version,
		PacketID:        pk.PacketID,
		ReasonCodes:     codes,
	})
}

// close releases the client after its connection ended. A taken over client
// leaves the session to its successor.
func (c *client) close() {
	c.connected.Store(false)
	_ = c.conn.Close()

	b := c.broker
	b.conns.Unregister(c)
	b.poll.ReleaseShared(c)
	if c.takenOver.Load() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	disconnected, err := b.sessions.Disconnect(c.id, c.sessionExpiry, c.graceful && !c.keepWill)
	if err != nil {
		c.logger.Warn("invalid session expiry on disconnect", zap.Error(err))
		disconnected, err = b.sessions.Disconnect(c.id, nil, c.graceful && !c.keepWill)
		if err != nil {
			return
		}
	}
	sess, err := disconnected.Await(ctx)
	if err != nil || sess == nil {
		c.logger.Warn("failed to disconnect session", zap.Error(err))
		return
	}
	c.logger.Info("client disconnected", zap.Bool("graceful", c.graceful))

	if !sess.IsPersistent() {
		b.subs.RemoveAll(c.id)
		b.queues.Clear(c.id, false)
	}
	if sess.Will != nil && sess.Will.Publish != nil {
		b.scheduleWill(sess)
	}
}
