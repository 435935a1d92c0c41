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

// Package broker contains the MQTT listener of the edge broker. It speaks
// MQTT 3.1.1 and 5 to clients and hands every packet to the session,
// subscription and publish services.
package broker

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mochi-mqtt/server/v2/packets"
	"go.uber.org/zap"

	"github.com/turtacn/emqx-edge/pkg/auth"
	"github.com/turtacn/emqx-edge/pkg/blacklist"
	"github.com/turtacn/emqx-edge/pkg/bridge"
	"github.com/turtacn/emqx-edge/pkg/metrics"
	"github.com/turtacn/emqx-edge/pkg/mqtt"
	"github.com/turtacn/emqx-edge/pkg/persistence"
	"github.com/turtacn/emqx-edge/pkg/publish"
	"github.com/turtacn/emqx-edge/pkg/scheduler"
	"github.com/turtacn/emqx-edge/pkg/session"
	"github.com/turtacn/emqx-edge/pkg/transport"
)

const (
	defaultReceiveMaximum    = 10
	defaultTopicAliasMaximum = 10
	defaultConnectTimeout    = 10 * time.Second
	// cleanupTimeout bounds the session bookkeeping after a connection closed.
	cleanupTimeout = 5 * time.Second
)

var (
	// ErrNotAuthorized is returned when a client presents bad credentials.
	ErrNotAuthorized = errors.New("bad username or password")
	// ErrClientIDRejected is returned for client ids the broker does not accept.
	ErrClientIDRejected = errors.New("client identifier not valid")
	// ErrProtocol is returned for packets violating the protocol.
	ErrProtocol = errors.New("protocol error")
	// ErrBanned is returned for clients on the blacklist.
	ErrBanned = errors.New("banned")
)

// Deps are the services the broker delivers to.
type Deps struct {
	Sessions      *persistence.Sessions
	Subscriptions *persistence.Subscriptions
	Queues        *persistence.ClientQueues
	Publisher     *publish.Service
	Connections   *publish.Connections
	Scheduler     *scheduler.Scheduler
}

// Option configures a Broker.
type Option func(*Broker)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(b *Broker) {
		b.logger = logger
	}
}

// WithAuth sets the authentication chain checked on CONNECT.
func WithAuth(chain *auth.Chain) Option {
	return func(b *Broker) {
		b.auth = chain
	}
}

// WithBlacklist sets the ban list checked on CONNECT.
func WithBlacklist(m *blacklist.Manager) Option {
	return func(b *Broker) {
		b.blacklist = m
	}
}

// WithReceiveMaximum sets the in-flight window of clients that announce
// none.
func WithReceiveMaximum(n int) Option {
	return func(b *Broker) {
		b.receiveMax = n
	}
}

// WithTopicAliasMaximum sets the number of inbound topic aliases granted to
// MQTT 5 clients.
func WithTopicAliasMaximum(n uint16) Option {
	return func(b *Broker) {
		b.topicAliasMax = n
	}
}

// WithConnectTimeout bounds the wait for CONNECT on a new connection.
func WithConnectTimeout(d time.Duration) Option {
	return func(b *Broker) {
		b.connectTimeout = d
	}
}

// Broker serves MQTT clients.
type Broker struct {
	nodeID    string
	sessions  *persistence.Sessions
	subs      *persistence.Subscriptions
	queues    *persistence.ClientQueues
	publisher *publish.Service
	poll      *publish.PollService
	conns     *publish.Connections
	sched     *scheduler.Scheduler

	auth           *auth.Chain
	blacklist      *blacklist.Manager
	logger         *zap.Logger
	receiveMax     int
	topicAliasMax  uint16
	connectTimeout time.Duration

	server    *transport.Server
	tlsServer *transport.Server
}

// New creates a broker.
func New(nodeID string, deps Deps, opts ...Option) *Broker {
	b := &Broker{
		nodeID:         nodeID,
		sessions:       deps.Sessions,
		subs:           deps.Subscriptions,
		queues:         deps.Queues,
		publisher:      deps.Publisher,
		poll:           deps.Publisher.Poll(),
		conns:          deps.Connections,
		sched:          deps.Scheduler,
		auth:           auth.NewChain(false),
		logger:         zap.NewNop(),
		receiveMax:     defaultReceiveMaximum,
		topicAliasMax:  defaultTopicAliasMaximum,
		connectTimeout: defaultConnectTimeout,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With(zap.String("node_id", nodeID))
	b.server = transport.NewServer(b, b.logger)
	b.tlsServer = transport.NewServer(b, b.logger.With(zap.String("listener", "tls")))
	return b
}

// Start begins listening for incoming TCP connections on addr.
func (b *Broker) Start(ctx context.Context, addr string) error {
	return b.server.Start(ctx, addr)
}

// StartTLS begins listening for TLS connections on addr.
func (b *Broker) StartTLS(ctx context.Context, addr string, config *tls.Config) error {
	return b.tlsServer.StartTLS(ctx, addr, config)
}

// Stop closes the listeners and every client connection.
func (b *Broker) Stop() {
	b.tlsServer.Stop()
	b.server.Stop()
}

// Addr returns the TCP listening address.
func (b *Broker) Addr() net.Addr {
	return b.server.Addr()
}

// TLSAddr returns the TLS listening address, nil when not listening.
func (b *Broker) TLSAddr() net.Addr {
	return b.tlsServer.Addr()
}

// StartServer listens on addr until ctx is cancelled.
func (b *Broker) StartServer(ctx context.Context, addr string) error {
	if err := b.Start(ctx, addr); err != nil {
		return err
	}
	b.logger.Info("MQTT broker listening", zap.String("addr", addr))
	<-ctx.Done()
	b.Stop()
	return nil
}

// ServeConn implements transport.Handler.
func (b *Broker) ServeConn(ctx context.Context, conn net.Conn) {
	metrics.ConnectionsTotal.Inc()
	logger := b.logger.With(zap.String("remote_addr", conn.RemoteAddr().String()))

	reader := bufio.NewReader(conn)
	_ = conn.SetReadDeadline(time.Now().Add(b.connectTimeout))
	pk, err := readPacket(reader, 0)
	if err != nil {
		if !errors.Is(err, io.EOF) {
			logger.Debug("failed to read CONNECT", zap.Error(err))
		}
		return
	}
	if pk.FixedHeader.Type != packets.Connect {
		logger.Warn("first packet is not CONNECT", zap.Uint8("type", pk.FixedHeader.Type))
		return
	}

	c, err := b.connect(ctx, conn, pk)
	if err != nil {
		logger.Info("connection refused", zap.String("client_id", pk.Connect.ClientIdentifier), zap.Error(err))
		return
	}
	c.serve(ctx, reader)
}

func (b *Broker) refuse(conn net.Conn, version, code byte, err error) error {
	if writeErr := writePacket(conn, connack(version, code, false)); writeErr != nil {
		return errors.Join(err, writeErr)
	}
	return err
}

func sessionExpiry(pk *packets.Packet) int64 {
	if pk.ProtocolVersion >= protocolVersion5 {
		if pk.Properties.SessionExpiryIntervalFlag {
			return int64(pk.Properties.SessionExpiryInterval)
		}
		return mqtt.SessionExpireOnDisconnect
	}
	if pk.Connect.Clean {
		return mqtt.SessionExpireOnDisconnect
	}
	return mqtt.SessionExpiryMax
}

func willFromConnect(pk *packets.Packet, clientID string) *session.Will {
	if !pk.Connect.WillFlag {
		return nil
	}
	p := mqtt.NewPublish(pk.Connect.WillTopic, pk.Connect.WillPayload, mqtt.QoS(pk.Connect.WillQos), pk.Connect.WillRetain)
	p.PublisherID = clientID
	props := pk.Connect.WillProperties
	if props.MessageExpiryInterval > 0 {
		p.MessageExpiry = int64(props.MessageExpiryInterval)
	}
	p.ContentType = props.ContentType
	p.ResponseTopic = props.ResponseTopic
	p.CorrelationData = props.CorrelationData
	for _, up := range props.User {
		p.UserProperties = append(p.UserProperties, mqtt.UserProperty{Name: up.Key, Value: up.Val})
	}
	return &session.Will{Publish: p, DelayInterval: int64(props.WillDelayInterval)}
}

func (b *Broker) connect(ctx context.Context, conn net.Conn, pk *packets.Packet) (*client, error) {
	version := pk.ProtocolVersion
	v5 := version >= protocolVersion5

	if !b.auth.Allow(string(pk.Connect.Username), string(pk.Connect.Password)) {
		code := code3BadUsernameOrPassword
		if v5 {
			code = codeBadUsernameOrPassword
		}
		return nil, b.refuse(conn, version, code, ErrNotAuthorized)
	}

	clientID := pk.Connect.ClientIdentifier
	var assigned string
	if clientID == "" && (v5 || pk.Connect.Clean) {
		clientID = uuid.NewString()
		assigned = clientID
	}
	if clientID == "" || strings.HasPrefix(clientID, bridge.ClientIDPrefix) {
		code := code3IdentifierRejected
		if v5 {
			code = codeClientIDNotValid
		}
		return nil, b.refuse(conn, version, code, ErrClientIDRejected)
	}
	if b.blacklist != nil {
		host, _, _ := net.SplitHostPort(conn.RemoteAddr().String())
		if entry := b.blacklist.Check(blacklist.ClientInfo{
			ClientID:  clientID,
			Username:  string(pk.Connect.Username),
			IPAddress: host,
		}); entry != nil {
			metrics.BlacklistBlocks.WithLabelValues(string(entry.Type)).Inc()
			code := code3NotAuthorized
			if v5 {
				code = codeBanned
			}
			return nil, b.refuse(conn, version, code, fmt.Errorf("%w: %s", ErrBanned, entry.Reason))
		}
	}

	// the previous connection must not touch the session once it is resumed
	if prev, ok := b.conns.Get(clientID); ok {
		if pc, ok := prev.(*client); ok {
			pc.takeOver()
		}
	}

	connected, err := b.sessions.Connect(clientID, pk.Connect.Clean, sessionExpiry(pk), willFromConnect(pk, clientID), 0)
	if err != nil {
		return nil, b.refuse(conn, version, codeUnspecifiedError, err)
	}
	result, err := connected.Await(ctx)
	if err != nil {
		return nil, err
	}
	b.sched.Cancel(willJobName(clientID))
	if !result.SessionPresent {
		if _, err := b.subs.RemoveAll(clientID).Await(ctx); err != nil {
			return nil, err
		}
		if _, err := b.queues.Clear(clientID, false).Await(ctx); err != nil {
			return nil, err
		}
	}

	receiveMax := b.receiveMax
	if v5 && pk.Properties.ReceiveMaximum > 0 {
		receiveMax = int(pk.Properties.ReceiveMaximum)
	}
	c := newClient(b, conn, clientID, version, receiveMax, time.Duration(pk.Connect.Keepalive)*time.Second)

	ack := connack(version, codeSuccess, result.SessionPresent)
	if v5 {
		ack.Properties.AssignedClientID = assigned
		ack.Properties.TopicAliasMaximum = b.topicAliasMax
	}
	if err := c.write(ack); err != nil {
		return nil, err
	}

	// no packet id is handed out before the resumed in-flight ids are known
	c.packetIDs.Suspend()
	b.conns.Register(c)
	c.logger.Info("client connected",
		zap.Uint8("protocol_version", version),
		zap.Bool("session_present", result.SessionPresent))

	b.poll.PollInflightMessages(c).OnComplete(func(_ int, err error) {
		if err != nil {
			c.logger.Debug("failed to resend in-flight messages", zap.Error(err))
		}
		b.pollSharedGroups(c)
	})
	return c, nil
}

// pollSharedGroups offers the queued messages of every shared group c is a
// member of.
func (b *Broker) pollSharedGroups(c *client) {
	for _, sub := range b.subs.Tree().Subscriptions(c.id) {
		if sub.Shared() {
			b.poll.PollSharedPublishesForClient(c, sub.GroupID())
		}
	}
}

func willJobName(clientID string) string {
	return "will#" + clientID
}

// scheduleWill publishes the will of a session left behind by an abnormal
// disconnect, after the will delay.
func (b *Broker) scheduleWill(sess *session.Session) {
	clientID := sess.ClientID
	delay := sess.WillDelay()
	if delay <= 0 {
		ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
		defer cancel()
		b.publishPendingWill(ctx, clientID)
		return
	}
	err := b.sched.ScheduleOnce(willJobName(clientID), delay, func(ctx context.Context) error {
		b.publishPendingWill(ctx, clientID)
		return nil
	})
	if err != nil {
		b.logger.Warn("failed to schedule will", zap.String("client_id", clientID), zap.Error(err))
	}
}

func (b *Broker) publishPendingWill(ctx context.Context, clientID string) {
	will, err := b.sessions.TakeWill(clientID).Await(ctx)
	if err != nil || will == nil {
		return
	}
	b.publishWill(ctx, clientID, will)
}

func (b *Broker) publishWill(ctx context.Context, clientID string, will *session.Will) {
	p := will.Publish.Copy()
	p.Timestamp = time.Now()
	b.publisher.Publish(ctx, p, clientID).OnComplete(func(result mqtt.PublishingResult, err error) {
		if err != nil {
			b.logger.Warn("failed to publish will", zap.String("client_id", clientID), zap.Error(err))
			return
		}
		b.logger.Debug("will published",
			zap.String("client_id", clientID),
			zap.String("topic", p.Topic),
			zap.Stringer("result", result))
	})
}

// PublishWill publishes the will still attached to an expired session. It
// is the session expiry hook of the cleanup job.
func (b *Broker) PublishWill(sess *session.Session) {
	if sess.Will == nil || sess.Will.Publish == nil {
		return
	}
	b.sched.Cancel(willJobName(sess.ClientID))
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	b.publishWill(ctx, sess.ClientID, sess.Will)
}
