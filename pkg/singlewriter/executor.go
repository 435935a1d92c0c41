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

// Package singlewriter serializes all mutations of persistence state into
// per-bucket task queues drained by a fixed pool of worker goroutines.
//
// Every key (client id, topic, shared subscription) hashes to a bucket and
// every bucket belongs to exactly one queue of its persistence domain. A queue
// is drained by at most one worker at a time, so the state of a bucket is only
// ever touched by a single goroutine and needs no locking of its own.
package singlewriter

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/turtacn/emqx-edge/pkg/metrics"
)

// Domain identifies a persistence domain owning its own set of queues.
type Domain int

const (
	// DomainClientSession holds client session records.
	DomainClientSession Domain = iota
	// DomainSubscription holds client subscriptions.
	DomainSubscription
	// DomainRetainedMessage holds retained messages.
	DomainRetainedMessage
	// DomainQueuedMessages holds per-client and shared message queues.
	DomainQueuedMessages

	domainCount
)

// Domains lists every persistence domain in scheduling order.
var Domains = []Domain{DomainClientSession, DomainSubscription, DomainRetainedMessage, DomainQueuedMessages}

// String returns the metric label of the domain.
func (d Domain) String() string {
	switch d {
	case DomainClientSession:
		return "client_session"
	case DomainSubscription:
		return "subscription"
	case DomainRetainedMessage:
		return "retained_message"
	case DomainQueuedMessages:
		return "queued_messages"
	default:
		return fmt.Sprintf("domain(%d)", int(d))
	}
}

// ErrInvalidConfig is returned for unusable executor settings.
var ErrInvalidConfig = errors.New("invalid single writer configuration")

const (
	defaultCheckInterval = 100 * time.Millisecond
	shutdownBuffer       = 50 * time.Millisecond
)

// Config holds the executor settings.
type Config struct {
	// PoolSize is the number of worker goroutines.
	PoolSize int
	// CreditsPerExecution bounds the tasks drained from a queue per lock.
	CreditsPerExecution int
	// BucketCount is the number of buckets per domain.
	BucketCount int
	// GracePeriod is how long producers keep accepting tasks after shutdown starts.
	GracePeriod time.Duration
	// CheckInterval is the wake-up check period; zero means 100ms.
	CheckInterval time.Duration
}

func (c Config) validate() error {
	switch {
	case c.PoolSize <= 0:
		return fmt.Errorf("%w: pool size must be positive, got %d", ErrInvalidConfig, c.PoolSize)
	case c.CreditsPerExecution <= 0:
		return fmt.Errorf("%w: credits per execution must be positive, got %d", ErrInvalidConfig, c.CreditsPerExecution)
	case c.BucketCount <= 0:
		return fmt.Errorf("%w: bucket count must be positive, got %d", ErrInvalidConfig, c.BucketCount)
	case c.GracePeriod < 0:
		return fmt.Errorf("%w: grace period must not be negative", ErrInvalidConfig)
	}
	return nil
}

// QueueCount returns the number of queues per domain: the largest divisor of
// the bucket count not exceeding the pool size.
func (c Config) QueueCount() int {
	n := min(c.PoolSize, c.BucketCount)
	for ; n > 1; n-- {
		if c.BucketCount%n == 0 {
			break
		}
	}
	return max(n, 1)
}

type work struct {
	run func() error
}

type taskQueue struct {
	mu      sync.Mutex
	tasks   *mpscQueue[work]
	pending *atomic.Int64
	domain  Domain
}

// Option configures an Executor.
type Option func(*Executor)

// WithLogger sets the executor logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Executor) {
		e.logger = logger
	}
}

// Executor runs the tasks submitted through its ProducerQueues.
type Executor struct {
	cfg    Config
	logger *zap.Logger

	queues    [domainCount][]*taskQueue
	producers [domainCount]*ProducerQueues

	domainPending [domainCount]*atomic.Int64
	pending       *atomic.Int64
	nonEmpty      *atomic.Int64
	running       *atomic.Int64

	wake     chan struct{}
	stop     chan struct{}
	started  *atomic.Bool
	stopped  *atomic.Bool
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewExecutor creates an executor and the producer queues of every domain.
func NewExecutor(cfg Config, opts ...Option) (*Executor, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = defaultCheckInterval
	}

	e := &Executor{
		cfg:      cfg,
		logger:   zap.NewNop(),
		pending:  atomic.NewInt64(0),
		nonEmpty: atomic.NewInt64(0),
		running:  atomic.NewInt64(0),
		wake:     make(chan struct{}, cfg.PoolSize),
		stop:     make(chan struct{}),
		started:  atomic.NewBool(false),
		stopped:  atomic.NewBool(false),
	}
	for _, opt := range opts {
		opt(e)
	}

	queueCount := cfg.QueueCount()
	for _, d := range Domains {
		e.domainPending[d] = atomic.NewInt64(0)
		queues := make([]*taskQueue, queueCount)
		for i := range queues {
			queues[i] = &taskQueue{
				tasks:   newMpscQueue[work](),
				pending: atomic.NewInt64(0),
				domain:  d,
			}
		}
		e.queues[d] = queues
		e.producers[d] = newProducerQueues(e, d, queues)
	}
	return e, nil
}

// Producer returns the producer queues of domain d.
func (e *Executor) Producer(d Domain) *ProducerQueues {
	return e.producers[d]
}

// Config returns the executor settings.
func (e *Executor) Config() Config {
	return e.cfg
}

// Start launches the worker pool and the wake-up checker.
func (e *Executor) Start() {
	if !e.started.CompareAndSwap(false, true) {
		return
	}
	e.logger.Info("starting single writer",
		zap.Int("pool_size", e.cfg.PoolSize),
		zap.Int("bucket_count", e.cfg.BucketCount),
		zap.Int("queues_per_domain", e.cfg.QueueCount()))

	for i := 0; i < e.cfg.PoolSize; i++ {
		e.wg.Add(1)
		go e.worker()
	}
	e.wg.Add(1)
	go e.checker()
}

// Stop terminates the workers. Tasks still queued are not executed; callers
// drain producers with ProducerQueues.Shutdown beforehand.
func (e *Executor) Stop(ctx context.Context) error {
	if !e.started.Load() {
		return nil
	}
	e.stopOnce.Do(func() {
		e.stopped.Store(true)
		close(e.stop)
	})

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		e.logger.Info("single writer stopped", zap.Int64("pending_tasks", e.pending.Load()))
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stopping single writer: %w", ctx.Err())
	}
}

// Pending returns the number of submitted tasks not yet executed.
func (e *Executor) Pending() int64 {
	return e.pending.Load()
}

func (e *Executor) enqueue(q *taskQueue, w work) {
	e.pending.Inc()
	e.domainPending[q.domain].Inc()
	metrics.SingleWriterPendingTasks.Inc()
	if q.pending.Inc() == 1 {
		e.nonEmpty.Inc()
		e.signal()
	}
	q.tasks.Push(w)
}

func (e *Executor) signal() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *Executor) checker() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stop:
			return
		case <-ticker.C:
			if e.running.Load() < int64(e.cfg.PoolSize) && e.nonEmpty.Load() > 0 {
				e.signal()
			}
		}
	}
}

func (e *Executor) worker() {
	defer e.wg.Done()
	for {
		select {
		case <-e.stop:
			return
		case <-e.wake:
			e.running.Inc()
			e.loop()
		}
	}
}

// loop drains queues until there are no more non-empty queues than other
// running workers. The caller has already counted this worker as running.
func (e *Executor) loop() {
	pending := make([]int64, domainCount)
	for {
		if e.stopped.Load() {
			e.running.Dec()
			return
		}

		for _, d := range Domains {
			pending[d] = e.domainPending[d].Load()
		}
		d := Domains[pickIndex(ComputeProbabilities(pending), rand.Float64()*100)]
		queues := e.queues[d]
		e.drain(queues[rand.IntN(len(queues))])

		if e.nonEmpty.Load() <= e.running.Dec() {
			return
		}
		e.running.Inc()
	}
}

func (e *Executor) drain(q *taskQueue) {
	if !q.mu.TryLock() {
		return
	}
	defer q.mu.Unlock()

	for credits := e.cfg.CreditsPerExecution; credits > 0; credits-- {
		w, ok := q.tasks.Pop()
		if !ok {
			return
		}
		err := w.run()
		outcome := "success"
		if err != nil {
			outcome = "failure"
			e.logger.Debug("single writer task failed", zap.Stringer("domain", q.domain), zap.Error(err))
		}
		metrics.SingleWriterTasksTotal.WithLabelValues(q.domain.String(), outcome).Inc()

		e.pending.Dec()
		e.domainPending[q.domain].Dec()
		metrics.SingleWriterPendingTasks.Dec()
		if q.pending.Dec() == 0 {
			e.nonEmpty.Dec()
		}
	}
}
