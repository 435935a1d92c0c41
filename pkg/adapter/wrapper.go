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

package adapter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/turtacn/emqx-edge/pkg/future"
	"github.com/turtacn/emqx-edge/pkg/mqtt"
)

// Wrapper drives the lifecycle of one adapter. Start and Stop are
// serialized.
type Wrapper struct {
	cfg      Config
	adapter  ProtocolAdapter
	services Services
	events   EventSink
	logger   *zap.Logger
	now      func() time.Time

	lifecycle  sync.Mutex
	state      *StateMachine[State]
	northbound *StateMachine[ConnectionState]
	southbound *StateMachine[ConnectionState]
	pollingJob string
}

// NewWrapper wraps adapter, created from cfg.
func NewWrapper(cfg Config, adapter ProtocolAdapter, services Services, opts ...Option) *Wrapper {
	o := buildOptions(opts)
	events := services.Events
	if events == nil {
		events = nopEvents{}
	}
	return &Wrapper{
		cfg:        cfg,
		adapter:    adapter,
		services:   services,
		events:     events,
		logger:     o.logger.With(zap.String("adapter_id", cfg.ID)),
		now:        o.now,
		state:      NewAdapterStateMachine(),
		northbound: NewConnectionStateMachine("northbound"),
		southbound: NewConnectionStateMachine("southbound"),
	}
}

// ID returns the adapter id.
func (w *Wrapper) ID() string { return w.cfg.ID }

// Config returns the adapter configuration.
func (w *Wrapper) Config() Config { return w.cfg }

// Adapter returns the wrapped adapter.
func (w *Wrapper) Adapter() ProtocolAdapter { return w.adapter }

// State returns the lifecycle state.
func (w *Wrapper) State() State { return w.state.Current() }

// Northbound returns the state of the broker side.
func (w *Wrapper) Northbound() ConnectionState { return w.northbound.Current() }

// Southbound returns the state of the device side.
func (w *Wrapper) Southbound() ConnectionState { return w.southbound.Current() }

// Start connects the northbound side, then the southbound side. Any failure
// leaves the adapter in StateError with both sides disconnected, and fires
// an adapter error event.
func (w *Wrapper) Start(ctx context.Context) error {
	w.lifecycle.Lock()
	defer w.lifecycle.Unlock()

	if err := w.state.TransitionTo(StateStarting).Err(); err != nil {
		return err
	}
	if err := w.connectNorthbound(); err != nil {
		return w.fail(ctx, "failed to start adapter", err)
	}
	if err := w.connectSouthbound(ctx); err != nil {
		return w.fail(ctx, "failed to start adapter", err)
	}
	if err := w.state.TransitionTo(StateStarted).Err(); err != nil {
		return w.fail(ctx, "failed to start adapter", err)
	}
	w.logger.Info("adapter started")
	w.events.AdapterInfo(w.cfg.ID, "adapter started")
	return nil
}

// Stop disconnects the southbound side, then the northbound side. Both are
// attempted even when the first fails.
func (w *Wrapper) Stop(ctx context.Context) error {
	w.lifecycle.Lock()
	defer w.lifecycle.Unlock()

	if err := w.state.TransitionTo(StateStopping).Err(); err != nil {
		return err
	}
	err := multierr.Append(w.disconnectSouthbound(ctx), w.disconnectNorthbound())
	if err != nil {
		return w.fail(ctx, "failed to stop adapter", err)
	}
	if err := w.state.TransitionTo(StateStopped).Err(); err != nil {
		return w.fail(ctx, "failed to stop adapter", err)
	}
	w.logger.Info("adapter stopped")
	w.events.AdapterInfo(w.cfg.ID, "adapter stopped")
	return nil
}

func (w *Wrapper) fail(ctx context.Context, message string, cause error) error {
	if err := multierr.Append(w.disconnectSouthbound(ctx), w.disconnectNorthbound()); err != nil {
		w.logger.Debug("cleanup after failure incomplete", zap.Error(err))
	}
	if t := w.state.TransitionTo(StateError); t.Status == TransitionFailure {
		w.state.Force(StateError)
	}
	w.logger.Error(message, zap.Error(cause))
	w.events.AdapterError(w.cfg.ID, message, map[string]any{
		"error": cause.Error(),
		"type":  w.cfg.Type,
	})
	return cause
}

func (w *Wrapper) connectNorthbound() error {
	if err := w.northbound.TransitionTo(ConnectionConnecting).Err(); err != nil {
		return err
	}
	if w.services.Publisher == nil {
		w.northbound.TransitionTo(ConnectionError)
		return fmt.Errorf("%w: no publisher", ErrNorthboundFailed)
	}
	return w.northbound.TransitionTo(ConnectionConnected).Err()
}

func (w *Wrapper) connectSouthbound(ctx context.Context) error {
	if err := w.southbound.TransitionTo(ConnectionConnecting).Err(); err != nil {
		return err
	}
	if err := w.adapter.Start(ctx); err != nil {
		w.southbound.TransitionTo(ConnectionError)
		return fmt.Errorf("%w: %w", ErrSouthboundFailed, err)
	}
	if polling, ok := w.adapter.(PollingAdapter); ok {
		if w.services.Polling == nil {
			w.southbound.TransitionTo(ConnectionError)
			return fmt.Errorf("%w: polling adapter without polling service", ErrSouthboundFailed)
		}
		id, err := w.services.Polling.Schedule(w.cfg.ID, w.cfg.PollingInterval(), func(ctx context.Context) error {
			return w.poll(ctx, polling)
		})
		if err != nil {
			w.southbound.TransitionTo(ConnectionError)
			return fmt.Errorf("%w: %w", ErrSouthboundFailed, err)
		}
		w.pollingJob = id
	}
	return w.southbound.TransitionTo(ConnectionConnected).Err()
}

func (w *Wrapper) disconnectSouthbound(ctx context.Context) error {
	if w.southbound.Current() == ConnectionDisconnected {
		return nil
	}
	if w.pollingJob != "" {
		w.services.Polling.Stop(w.pollingJob)
		w.pollingJob = ""
	}
	if err := w.southbound.TransitionTo(ConnectionDisconnecting).Err(); err != nil {
		return err
	}
	err := w.adapter.Stop(ctx)
	// the device side is released even when Stop reported an error
	w.southbound.TransitionTo(ConnectionDisconnected)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSouthboundFailed, err)
	}
	return nil
}

func (w *Wrapper) disconnectNorthbound() error {
	if w.northbound.Current() == ConnectionDisconnected {
		return nil
	}
	if err := w.northbound.TransitionTo(ConnectionDisconnecting).Err(); err != nil {
		return err
	}
	return w.northbound.TransitionTo(ConnectionDisconnected).Err()
}

// poll runs one poll of the adapter and publishes its samples.
func (w *Wrapper) poll(ctx context.Context, adapter PollingAdapter) error {
	out := NewPollingOutput(w.cfg, w.now)
	if err := adapter.Poll(ctx, out); err != nil {
		return err
	}
	publishes, err := out.publishes()
	if err != nil {
		return err
	}
	results := make([]*future.Future[mqtt.PublishingResult], 0, len(publishes))
	for _, p := range publishes {
		results = append(results, w.services.Publisher.Publish(ctx, p, w.cfg.ID))
	}
	if _, err := future.AllOf(results...).Await(ctx); err != nil {
		// samples are not retried; the next poll reads fresh values
		w.logger.Warn("failed to publish samples", zap.Int("count", len(publishes)), zap.Error(err))
	}
	return nil
}
