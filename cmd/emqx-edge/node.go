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

package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/turtacn/emqx-edge/pkg/adapter"
	"github.com/turtacn/emqx-edge/pkg/admin"
	"github.com/turtacn/emqx-edge/pkg/adapter/httpadapter"
	"github.com/turtacn/emqx-edge/pkg/adapter/simulation"
	"github.com/turtacn/emqx-edge/pkg/auth"
	"github.com/turtacn/emqx-edge/pkg/blacklist"
	"github.com/turtacn/emqx-edge/pkg/bridge"
	"github.com/turtacn/emqx-edge/pkg/broker"
	"github.com/turtacn/emqx-edge/pkg/cleanup"
	"github.com/turtacn/emqx-edge/pkg/config"
	"github.com/turtacn/emqx-edge/pkg/event"
	"github.com/turtacn/emqx-edge/pkg/monitor"
	"github.com/turtacn/emqx-edge/pkg/payload"
	"github.com/turtacn/emqx-edge/pkg/persistence"
	"github.com/turtacn/emqx-edge/pkg/publish"
	"github.com/turtacn/emqx-edge/pkg/queue"
	"github.com/turtacn/emqx-edge/pkg/retained"
	"github.com/turtacn/emqx-edge/pkg/scheduler"
	"github.com/turtacn/emqx-edge/pkg/session"
	"github.com/turtacn/emqx-edge/pkg/singlewriter"
	"github.com/turtacn/emqx-edge/pkg/snapshot"
	"github.com/turtacn/emqx-edge/pkg/topic"
)

const (
	eventHistorySize    = 256
	healthCheckInterval = 15 * time.Second
	maxPendingTasks     = 100000
	certificateWarning  = 7 * 24 * time.Hour
)

// node is one running edge broker with all of its components.
type node struct {
	cfg    *config.Config
	logger *zap.Logger
	events *event.Service

	executor *singlewriter.Executor
	sched    *scheduler.Scheduler
	payloads *payload.Store

	sessions      *persistence.Sessions
	subscriptions *persistence.Subscriptions
	retained      *persistence.Retained
	queues        *persistence.ClientQueues

	poll      *publish.PollService
	publisher *publish.Service
	bridges   *bridge.Registry
	polling   *adapter.PollingService
	adapters  *adapter.Registry
	cleanup   *cleanup.Job
	snapshots *snapshot.Snapshotter
	auth      *auth.Chain
	blacklist *blacklist.Manager
	broker    *broker.Broker
	health    *monitor.HealthChecker
	admin     *admin.APIServer
}

func newNode(cfg *config.Config, logger *zap.Logger) (*node, error) {
	n := &node{
		cfg:    cfg,
		logger: logger,
		events: event.NewService(logger.Named("events"), eventHistorySize),
	}

	executor, err := singlewriter.NewExecutor(cfg.Executor(), singlewriter.WithLogger(logger.Named("single_writer")))
	if err != nil {
		return nil, err
	}
	n.executor = executor
	n.sched = scheduler.New(scheduler.WithLogger(logger.Named("scheduler")))
	n.payloads = payload.NewStore()

	buckets := cfg.Persistence.BucketCount
	drops := event.LogDropReporter{Logger: logger.Named("drops")}
	tree := topic.NewStore()
	conns := publish.NewConnections()

	n.sessions = persistence.NewSessions(executor.Producer(singlewriter.DomainClientSession), session.NewStore(buckets))
	n.subscriptions = persistence.NewSubscriptions(executor.Producer(singlewriter.DomainSubscription), tree)
	n.retained = persistence.NewRetained(executor.Producer(singlewriter.DomainRetainedMessage),
		retained.NewStore(buckets, retained.DefaultConfig(), n.payloads))
	n.queues = persistence.NewClientQueues(executor.Producer(singlewriter.DomainQueuedMessages),
		queue.NewStore(buckets, cfg.QueueStore(), n.payloads, queue.WithDropReporter(drops)))

	n.bridges = bridge.NewRegistry(conns)
	n.poll = publish.NewPollService(publish.DefaultPollConfig(), n.payloads, n.queues, tree, conns,
		publish.WithPollLogger(logger.Named("poll")),
		publish.WithPollDropReporter(drops))
	n.publisher = publish.NewService(cfg.Publish(), n.payloads, n.queues, n.retained, tree, conns, n.poll,
		publish.WithLogger(logger.Named("publish")),
		publish.WithBridgeResolver(n.bridges),
		publish.WithQueueLimits(n.sessions),
		publish.WithDropReporter(drops))

	n.polling = adapter.NewPollingService(n.sched, cfg.PollingService(), adapter.WithPollingLogger(logger.Named("polling")))
	n.adapters = adapter.NewRegistry(adapter.Services{
		Publisher: n.publisher,
		Events:    n.events,
		Polling:   n.polling,
	}, adapter.WithLogger(logger.Named("adapters")))
	for _, f := range []adapter.Factory{simulation.Factory(), httpadapter.Factory()} {
		if err := n.adapters.RegisterFactory(f); err != nil {
			return nil, err
		}
	}

	authenticators, err := cfg.Authenticators()
	if err != nil {
		return nil, err
	}
	n.auth = auth.NewChain(cfg.Auth.Enabled, auth.WithLogger(logger.Named("auth")))
	for _, a := range authenticators {
		n.auth.Add(a)
	}

	n.blacklist, err = blacklist.NewManager(cfg.Blacklist...)
	if err != nil {
		return nil, err
	}

	n.broker = broker.New(cfg.Broker.NodeID, broker.Deps{
		Sessions:      n.sessions,
		Subscriptions: n.subscriptions,
		Queues:        n.queues,
		Publisher:     n.publisher,
		Connections:   conns,
		Scheduler:     n.sched,
	},
		broker.WithLogger(logger.Named("broker")),
		broker.WithAuth(n.auth),
		broker.WithBlacklist(n.blacklist),
		broker.WithReceiveMaximum(cfg.Broker.ReceiveMaximum))

	n.cleanup = cleanup.New(n.sched, buckets, cfg.CleanupJob(), cleanup.Targets(cleanup.Persistences{
		Sessions:       n.sessions,
		Subscriptions:  n.subscriptions,
		Retained:       n.retained,
		Queues:         n.queues,
		SessionExpired: n.broker.PublishWill,
	}, logger.Named("cleanup")), cleanup.WithLogger(logger.Named("cleanup")))

	n.snapshots = snapshot.New(n.retained, n.payloads, n.publisher, snapshot.WithLogger(logger.Named("snapshot")))
	n.health = monitor.NewHealthChecker(cfg.Broker.NodeID, logger.Named("health"))
	n.registerHealthChecks()
	n.admin = admin.NewAPIServer(admin.Deps{
		NodeID:      cfg.Broker.NodeID,
		Connections: conns,
		Pending:     executor.Pending,
		Adapters:    n.adapters,
		Bridges:     n.bridges,
		Events:      n.events,
		Sessions:    n.sessions,
		Blacklist:   n.blacklist,
		Publisher:   n.publisher,
	})
	return n, nil
}

func (n *node) registerHealthChecks() {
	n.health.RegisterCheck("scheduler", func() error {
		if !n.sched.IsStarted() {
			return errors.New("scheduler not running")
		}
		return nil
	}, true)
	n.health.RegisterCheck("single_writer", func() error {
		if pending := n.executor.Pending(); pending > maxPendingTasks {
			return fmt.Errorf("%d tasks pending", pending)
		}
		return nil
	}, true)
	n.health.RegisterCheck("adapters", func() error {
		var failed []string
		for _, w := range n.adapters.List() {
			if w.State() == adapter.StateError {
				failed = append(failed, w.ID())
			}
		}
		if len(failed) > 0 {
			return fmt.Errorf("adapters in error state: %s", strings.Join(failed, ", "))
		}
		return nil
	}, false)
	if n.cfg.Broker.TLS.Enabled {
		n.health.RegisterCheck("tls_certificate", n.cfg.Broker.TLS.ExpiryCheck(certificateWarning), false)
	}
	n.health.RegisterCheck("bridges", func() error {
		var down []string
		for _, f := range n.bridges.List() {
			if !f.Connected() {
				down = append(down, f.Config().ID)
			}
		}
		if len(down) > 0 {
			return fmt.Errorf("bridges disconnected: %s", strings.Join(down, ", "))
		}
		return nil
	}, false)
}

func (n *node) newForwarder(cfg bridge.Config) (*bridge.Forwarder, error) {
	return bridge.New(cfg, n.poll, n.subscriptions, bridge.WithLogger(n.logger.Named("bridge")))
}

// start brings up everything but the listeners.
func (n *node) start(ctx context.Context) error {
	n.executor.Start()
	n.sched.Start(ctx)

	if n.cfg.Snapshot.Enabled {
		if _, err := n.snapshots.Import(ctx, n.cfg.Snapshot.Path); err != nil {
			return fmt.Errorf("importing retained messages: %w", err)
		}
	}
	if err := n.cleanup.Start(); err != nil {
		return err
	}
	if err := n.health.Schedule(n.sched, healthCheckInterval); err != nil {
		return err
	}
	if err := n.bridges.Sync(ctx, n.cfg.Bridges, n.newForwarder); err != nil {
		n.logger.Error("failed to start bridges", zap.Error(err))
	}
	if err := n.adapters.Sync(ctx, n.cfg.Adapters); err != nil {
		n.logger.Error("failed to start adapters", zap.Error(err))
	}
	return nil
}

// stop shuts the components down in reverse order. The retained messages
// are exported once nothing publishes anymore.
func (n *node) stop(ctx context.Context) error {
	n.broker.Stop()
	err := multierr.Combine(
		n.adapters.StopAll(ctx),
		n.bridges.StopAll(ctx),
	)
	n.cleanup.Stop()
	if n.cfg.Snapshot.Enabled {
		if _, exportErr := n.snapshots.Export(ctx, n.cfg.Snapshot.Path); exportErr != nil {
			err = multierr.Append(err, fmt.Errorf("exporting retained messages: %w", exportErr))
		}
	}
	n.sched.Stop(ctx)
	return multierr.Append(err, n.executor.Stop(ctx))
}

// reloadHooks returns the parts of the configuration applied at runtime.
func (n *node) reloadHooks() []config.ReloadHook {
	return []config.ReloadHook{
		func(ctx context.Context, cfg *config.Config) error {
			return n.adapters.Sync(ctx, cfg.Adapters)
		},
		func(ctx context.Context, cfg *config.Config) error {
			return n.bridges.Sync(ctx, cfg.Bridges, n.newForwarder)
		},
		func(_ context.Context, cfg *config.Config) error {
			authenticators, err := cfg.Authenticators()
			if err != nil {
				return err
			}
			n.auth.Replace(cfg.Auth.Enabled, authenticators...)
			return nil
		},
		func(_ context.Context, cfg *config.Config) error {
			return n.blacklist.Replace(cfg.Blacklist...)
		},
	}
}

func shutdownContext(cfg *config.Config) (context.Context, context.CancelFunc) {
	grace := time.Duration(cfg.SingleWriter.ShutdownGracePeriodMillis) * time.Millisecond
	return context.WithTimeout(context.Background(), grace+10*time.Second)
}
