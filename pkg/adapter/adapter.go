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

// Package adapter runs protocol adapters: components that read values from
// devices and publish them into the broker. Each adapter has a lifecycle
// state and two connection states, northbound towards the broker and
// southbound towards the device.
package adapter

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/turtacn/emqx-edge/pkg/future"
	"github.com/turtacn/emqx-edge/pkg/mqtt"
)

// DefaultPollingInterval applies when an adapter sets none.
const DefaultPollingInterval = time.Second

// Mapping routes the samples of a tag to a topic.
type Mapping struct {
	Tag   string   `json:"tag" yaml:"tag"`
	Topic string   `json:"topic" yaml:"topic"`
	QoS   mqtt.QoS `json:"qos" yaml:"qos"`
}

// Config describes one adapter instance.
type Config struct {
	ID                    string            `json:"id" yaml:"id"`
	Type                  string            `json:"type" yaml:"type"`
	PollingIntervalMillis int64             `json:"polling_interval_millis" yaml:"polling_interval_millis"`
	Mappings              []Mapping         `json:"mappings" yaml:"mappings"`
	Settings              map[string]string `json:"settings,omitempty" yaml:"settings,omitempty"`
}

// PollingInterval returns the configured interval or the default.
func (c Config) PollingInterval() time.Duration {
	if c.PollingIntervalMillis <= 0 {
		return DefaultPollingInterval
	}
	return time.Duration(c.PollingIntervalMillis) * time.Millisecond
}

// Validate checks the identity and the mappings of c.
func (c Config) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidConfig)
	}
	if c.Type == "" {
		return fmt.Errorf("%w: adapter %s has no type", ErrInvalidConfig, c.ID)
	}
	for i, m := range c.Mappings {
		if m.Tag == "" || m.Topic == "" {
			return fmt.Errorf("%w: adapter %s mapping %d needs a tag and a topic", ErrInvalidConfig, c.ID, i)
		}
		if strings.ContainsAny(m.Topic, "+#") {
			return fmt.Errorf("%w: adapter %s publishes to wildcard topic %q", ErrInvalidConfig, c.ID, m.Topic)
		}
		if !m.QoS.Valid() {
			return fmt.Errorf("%w: adapter %s mapping %d has qos %d", ErrInvalidConfig, c.ID, i, m.QoS)
		}
	}
	return nil
}

// Setting returns the named setting or def when unset.
func (c Config) Setting(name, def string) string {
	if v, ok := c.Settings[name]; ok && v != "" {
		return v
	}
	return def
}

// ProtocolAdapter is the device side of an adapter.
type ProtocolAdapter interface {
	// Start connects to the device.
	Start(ctx context.Context) error
	// Stop disconnects from the device. It is also called after a failed
	// or partial Start.
	Stop(ctx context.Context) error
}

// PollingAdapter is an adapter read on a fixed interval.
type PollingAdapter interface {
	ProtocolAdapter
	// Poll reads the device and reports values through out.
	Poll(ctx context.Context, out *PollingOutput) error
}

// Publisher accepts the publishes built from samples.
type Publisher interface {
	Publish(ctx context.Context, p *mqtt.Publish, sender string) *future.Future[mqtt.PublishingResult]
}

// EventSink receives adapter events.
type EventSink interface {
	AdapterError(adapterID, message string, payload map[string]any)
	AdapterInfo(adapterID, message string)
}

// Services are the capabilities handed to adapters.
type Services struct {
	Publisher Publisher
	Events    EventSink
	Polling   *PollingService
}

// Factory creates adapters of one type.
type Factory interface {
	Type() string
	Create(cfg Config) (ProtocolAdapter, error)
}

type factoryFunc struct {
	typ    string
	create func(Config) (ProtocolAdapter, error)
}

func (f factoryFunc) Type() string { return f.typ }

func (f factoryFunc) Create(cfg Config) (ProtocolAdapter, error) { return f.create(cfg) }

// NewFactory returns a Factory of typ backed by create.
func NewFactory(typ string, create func(Config) (ProtocolAdapter, error)) Factory {
	return factoryFunc{typ: typ, create: create}
}

type options struct {
	logger *zap.Logger
	now    func() time.Time
}

// Option configures wrappers and registries.
type Option func(*options)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithClock sets the clock used for sample timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

func buildOptions(opts []Option) options {
	o := options{logger: zap.NewNop(), now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

type nopEvents struct{}

func (nopEvents) AdapterError(string, string, map[string]any) {}
func (nopEvents) AdapterInfo(string, string)                  {}
