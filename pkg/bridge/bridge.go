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

// Package bridge forwards local messages to a remote MQTT broker.
//
// A forwarder is a local client like any other: it subscribes to local
// filters, gets its own client queue and is fed by the poll service. Sends
// go to the remote broker through a paho client, and a message leaves the
// local queue only once the remote broker acknowledged it.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/turtacn/emqx-edge/pkg/mqtt"
	"github.com/turtacn/emqx-edge/pkg/persistence"
	"github.com/turtacn/emqx-edge/pkg/publish"
	"github.com/turtacn/emqx-edge/pkg/topic"
)

// ClientIDPrefix starts the local client id of every forwarder.
const ClientIDPrefix = "forwarder#"

const (
	defaultMaxInflight    = 32
	defaultConnectTimeout = 10 * time.Second
	defaultKeepAlive      = 30 * time.Second
	defaultRetryInterval  = 5 * time.Second
	defaultMaxReconnect   = time.Minute
	disconnectQuiesceMs   = 250
)

var (
	// ErrInvalidConfig is returned for an unusable bridge configuration.
	ErrInvalidConfig = errors.New("invalid bridge configuration")
	// ErrBridgeExists is returned when a bridge id is registered twice.
	ErrBridgeExists = errors.New("bridge already exists")
	// ErrNotConnected is returned by sends while the remote broker is unreachable.
	ErrNotConnected = errors.New("bridge not connected")
)

// Config describes one bridge.
type Config struct {
	ID        string `yaml:"id" json:"id"`
	RemoteURL string `yaml:"remote_url" json:"remote_url"`
	// RemoteClientID is the client id used at the remote broker. Empty uses
	// the local forwarder client id.
	RemoteClientID string   `yaml:"remote_client_id" json:"remote_client_id"`
	Username       string   `yaml:"username" json:"username"`
	Password       string   `yaml:"password" json:"password"`
	LocalFilters   []string `yaml:"local_filters" json:"local_filters"`
	// Prefix is prepended to the topic of every forwarded message.
	Prefix string   `yaml:"prefix" json:"prefix"`
	QoS    mqtt.QoS `yaml:"qos" json:"qos"`
	// QueueLimit replaces the broker wide queued message limit when positive.
	QueueLimit int `yaml:"queue_limit" json:"queue_limit"`
	// Persist keeps queuing messages while the remote broker is unreachable.
	Persist     bool `yaml:"persist" json:"persist"`
	MaxInflight int  `yaml:"max_inflight" json:"max_inflight"`
}

// ClientID returns the local client id of the forwarder.
func (c Config) ClientID() string {
	return ClientIDPrefix + c.ID
}

// Validate checks c.
func (c Config) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidConfig)
	}
	if c.RemoteURL == "" {
		return fmt.Errorf("%w: bridge %s: missing remote_url", ErrInvalidConfig, c.ID)
	}
	if len(c.LocalFilters) == 0 {
		return fmt.Errorf("%w: bridge %s: no local_filters", ErrInvalidConfig, c.ID)
	}
	for _, f := range c.LocalFilters {
		if err := topic.ValidateFilter(f); err != nil {
			return fmt.Errorf("%w: bridge %s: filter %q: %v", ErrInvalidConfig, c.ID, f, err)
		}
	}
	if !c.QoS.Valid() {
		return fmt.Errorf("%w: bridge %s: qos %d", ErrInvalidConfig, c.ID, c.QoS)
	}
	if c.QueueLimit < 0 || c.MaxInflight < 0 {
		return fmt.Errorf("%w: bridge %s: negative limit", ErrInvalidConfig, c.ID)
	}
	return nil
}

// remoteClient is the part of paho.Client a forwarder uses.
type remoteClient interface {
	Connect() paho.Token
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
	Disconnect(quiesce uint)
}

// Option configures a Forwarder.
type Option func(*Forwarder)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(f *Forwarder) {
		f.logger = logger
	}
}

func withRemote(fn func(*paho.ClientOptions) remoteClient) Option {
	return func(f *Forwarder) {
		f.newRemote = fn
	}
}

// Forwarder is the local connection of a bridge.
type Forwarder struct {
	cfg    Config
	logger *zap.Logger
	poll   *publish.PollService
	subs   *persistence.Subscriptions

	newRemote func(*paho.ClientOptions) remoteClient
	remote    remoteClient

	connected *atomic.Bool
	started   *atomic.Bool
	inflight  *atomic.Int64
	ids       *mqtt.PacketIDPool
	shared    *publish.SharedInflight
}

var _ publish.Connection = (*Forwarder)(nil)

// New creates a forwarder for a validated cfg.
func New(cfg Config, poll *publish.PollService, subs *persistence.Subscriptions, opts ...Option) (*Forwarder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.MaxInflight == 0 {
		cfg.MaxInflight = defaultMaxInflight
	}
	f := &Forwarder{
		cfg:       cfg,
		logger:    zap.NewNop(),
		poll:      poll,
		subs:      subs,
		newRemote: func(o *paho.ClientOptions) remoteClient { return paho.NewClient(o) },
		connected: atomic.NewBool(false),
		started:   atomic.NewBool(false),
		inflight:  atomic.NewInt64(0),
		ids:       mqtt.NewPacketIDPool(),
		shared:    publish.NewSharedInflight(),
	}
	for _, opt := range opts {
		opt(f)
	}
	f.logger = f.logger.With(zap.String("bridge", cfg.ID))
	return f, nil
}

// Config returns the configuration of the forwarder.
func (f *Forwarder) Config() Config { return f.cfg }

func (f *Forwarder) clientOptions() *paho.ClientOptions {
	remoteID := f.cfg.RemoteClientID
	if remoteID == "" {
		remoteID = f.cfg.ClientID()
	}
	opts := paho.NewClientOptions().
		AddBroker(f.cfg.RemoteURL).
		SetClientID(remoteID).
		SetCleanSession(!f.cfg.Persist).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(defaultRetryInterval).
		SetMaxReconnectInterval(defaultMaxReconnect).
		SetConnectTimeout(defaultConnectTimeout).
		SetKeepAlive(defaultKeepAlive).
		SetOnConnectHandler(func(paho.Client) { f.onConnect() }).
		SetConnectionLostHandler(func(_ paho.Client, err error) { f.onConnectionLost(err) })
	if f.cfg.Username != "" {
		opts.SetUsername(f.cfg.Username)
		opts.SetPassword(f.cfg.Password)
	}
	return opts
}

// Start subscribes the forwarder to its local filters and starts connecting
// to the remote broker. Connecting is retried in the background.
func (f *Forwarder) Start(ctx context.Context) error {
	if !f.started.CompareAndSwap(false, true) {
		return nil
	}
	for _, filter := range f.cfg.LocalFilters {
		sub := topic.Subscription{
			ClientID:          f.cfg.ClientID(),
			Filter:            filter,
			QoS:               f.cfg.QoS,
			NoLocal:           true,
			RetainAsPublished: true,
		}
		if _, err := f.subs.Subscribe(sub).Await(ctx); err != nil {
			f.started.Store(false)
			return fmt.Errorf("bridge %s: subscribe %s: %w", f.cfg.ID, filter, err)
		}
	}

	f.remote = f.newRemote(f.clientOptions())
	f.remote.Connect()
	f.logger.Info("bridge started",
		zap.String("remote_url", f.cfg.RemoteURL),
		zap.Strings("local_filters", f.cfg.LocalFilters))
	return nil
}

// Stop disconnects from the remote broker and removes the local
// subscriptions. Queued messages stay and are sent after the next start.
func (f *Forwarder) Stop(ctx context.Context) error {
	if !f.started.CompareAndSwap(true, false) {
		return nil
	}
	f.connected.Store(false)
	if f.remote != nil {
		f.remote.Disconnect(disconnectQuiesceMs)
	}
	if _, err := f.subs.RemoveAll(f.cfg.ClientID()).Await(ctx); err != nil {
		return fmt.Errorf("bridge %s: remove subscriptions: %w", f.cfg.ID, err)
	}
	f.logger.Info("bridge stopped")
	return nil
}

func (f *Forwarder) onConnect() {
	// packet ids restart with the queue's in-flight state
	f.ids.Suspend()
	f.inflight.Store(0)
	f.connected.Store(true)
	f.logger.Info("bridge connected", zap.String("remote_url", f.cfg.RemoteURL))
	f.poll.PollInflightMessages(f).OnComplete(func(n int, err error) {
		if err != nil {
			f.logger.Warn("failed to resume forwarding", zap.Error(err))
			return
		}
		f.logger.Debug("forwarding resumed", zap.Int("sent", n))
	})
}

func (f *Forwarder) onConnectionLost(err error) {
	f.connected.Store(false)
	f.logger.Warn("bridge connection lost", zap.Error(err))
}

// ClientID implements publish.Connection.
func (f *Forwarder) ClientID() string { return f.cfg.ClientID() }

// Connected implements publish.Connection.
func (f *Forwarder) Connected() bool { return f.connected.Load() }

// ReceiveMaximum implements publish.Connection.
func (f *Forwarder) ReceiveMaximum() int { return f.cfg.MaxInflight }

// Inflight implements publish.Connection.
func (f *Forwarder) Inflight() *atomic.Int64 { return f.inflight }

// PacketIDs implements publish.Connection.
func (f *Forwarder) PacketIDs() *mqtt.PacketIDPool { return f.ids }

// SharedInflight implements publish.Connection.
func (f *Forwarder) SharedInflight() *publish.SharedInflight { return f.shared }

// SendPublish forwards p to the remote broker. QoS 1 and 2 messages are
// acknowledged locally once the remote broker completed its flow; a failed
// remote flow leaves the message in flight for the next reconnect.
func (f *Forwarder) SendPublish(p *mqtt.Publish) error {
	if !f.connected.Load() || f.remote == nil {
		return ErrNotConnected
	}
	token := f.remote.Publish(f.cfg.Prefix+p.Topic, byte(p.QoS), p.Retain, p.Payload)
	if p.QoS == mqtt.AtMostOnce {
		return nil
	}
	packetID := p.PacketID
	go func() {
		<-token.Done()
		if err := token.Error(); err != nil {
			f.logger.Debug("remote publish failed",
				zap.String("topic", p.Topic),
				zap.Uint16("packet_id", packetID),
				zap.Error(err))
			return
		}
		f.poll.Puback(f, packetID)
	}()
	return nil
}

// SendPubRel completes the local QoS 2 flow. The remote flow is run by the
// paho client as part of SendPublish.
func (f *Forwarder) SendPubRel(r *mqtt.PubRel) error {
	f.poll.Pubcomp(f, r.PacketID)
	return nil
}
