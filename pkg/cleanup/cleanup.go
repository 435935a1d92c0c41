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

// Package cleanup periodically expires state in every bucket of every
// persistence domain.
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/turtacn/emqx-edge/pkg/future"
	"github.com/turtacn/emqx-edge/pkg/metrics"
	"github.com/turtacn/emqx-edge/pkg/scheduler"
)

const (
	// DefaultInterval is the delay between two runs of one slot.
	DefaultInterval = 4 * time.Second
	// DefaultTimeout bounds a single run.
	DefaultTimeout = 30 * time.Second
	// DefaultParallelism is the number of concurrent slots.
	DefaultParallelism = 1
)

// ErrNoTargets is returned by Start when nothing was registered.
var ErrNoTargets = errors.New("no cleanup targets")

// Target is one persistence domain to clean.
type Target struct {
	Name    string
	CleanUp func(bucket int) *future.Future[struct{}]
}

// Config controls the cadence of the cleanup.
type Config struct {
	Interval    time.Duration
	Timeout     time.Duration
	Parallelism int
}

// Option configures a Job.
type Option func(*Job)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(j *Job) {
		j.logger = logger
	}
}

// Job walks every (bucket, target) pair in turn. Each slot runs one pair,
// then schedules itself again, whatever the outcome.
type Job struct {
	cfg         Config
	logger      *zap.Logger
	sched       *scheduler.Scheduler
	bucketCount int
	targets     []Target

	mu      sync.Mutex
	next    int
	running *atomic.Bool
}

// New creates a cleanup job over bucketCount buckets of targets.
func New(sched *scheduler.Scheduler, bucketCount int, cfg Config, targets []Target, opts ...Option) *Job {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = DefaultParallelism
	}
	j := &Job{
		cfg:         cfg,
		logger:      zap.NewNop(),
		sched:       sched,
		bucketCount: bucketCount,
		targets:     targets,
		running:     atomic.NewBool(false),
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// Start schedules every slot.
func (j *Job) Start() error {
	if len(j.targets) == 0 || j.bucketCount <= 0 {
		return ErrNoTargets
	}
	j.running.Store(true)
	for slot := 0; slot < j.cfg.Parallelism; slot++ {
		if err := j.schedule(slot); err != nil {
			j.Stop()
			return err
		}
	}
	return nil
}

// Stop cancels the pending slots. A run in progress finishes but does not
// reschedule.
func (j *Job) Stop() {
	j.running.Store(false)
	for slot := 0; slot < j.cfg.Parallelism; slot++ {
		j.sched.Cancel(slotName(slot))
	}
}

func slotName(slot int) string {
	return fmt.Sprintf("cleanup-%d", slot)
}

func (j *Job) schedule(slot int) error {
	return j.sched.ScheduleOnce(slotName(slot), j.cfg.Interval, func(ctx context.Context) error {
		j.RunNext(ctx)
		if !j.running.Load() {
			return nil
		}
		if err := j.schedule(slot); err != nil && !errors.Is(err, scheduler.ErrNotStarted) {
			j.logger.Error("failed to reschedule cleanup", zap.Int("slot", slot), zap.Error(err))
			return err
		}
		return nil
	})
}

// nextPair advances the round robin and returns the bucket and target of
// the next run. All targets of a bucket are visited before the next bucket.
func (j *Job) nextPair() (int, Target) {
	j.mu.Lock()
	defer j.mu.Unlock()
	i := j.next
	j.next = (j.next + 1) % (j.bucketCount * len(j.targets))
	return i / len(j.targets), j.targets[i%len(j.targets)]
}

// RunNext cleans the next (bucket, target) pair, waiting at most the
// configured timeout. Failures are logged and never returned.
func (j *Job) RunNext(ctx context.Context) {
	bucket, target := j.nextPair()
	ctx, cancel := context.WithTimeout(ctx, j.cfg.Timeout)
	defer cancel()

	_, err := target.CleanUp(bucket).Await(ctx)
	switch {
	case err == nil:
		metrics.CleanupRunsTotal.WithLabelValues(target.Name, "success").Inc()
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		metrics.CleanupRunsTotal.WithLabelValues(target.Name, "timeout").Inc()
		j.logger.Debug("cleanup timed out",
			zap.String("domain", target.Name),
			zap.Int("bucket", bucket),
			zap.Duration("timeout", j.cfg.Timeout))
	default:
		metrics.CleanupRunsTotal.WithLabelValues(target.Name, "failure").Inc()
		j.logger.Warn("cleanup failed",
			zap.String("domain", target.Name),
			zap.Int("bucket", bucket),
			zap.Error(err))
	}
}
