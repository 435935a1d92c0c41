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

// Package scheduler runs named fixed-rate and one-shot jobs on a quartz
// scheduler.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/reugn/go-quartz/job"
	quartzlogger "github.com/reugn/go-quartz/logger"
	"github.com/reugn/go-quartz/quartz"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

var (
	// ErrNotStarted is returned when scheduling on a scheduler that is not running.
	ErrNotStarted = errors.New("scheduler not started")
	// ErrJobExists is returned when a job name is already scheduled.
	ErrJobExists = errors.New("job already scheduled")
	// ErrInvalidInterval is returned for non-positive fixed-rate intervals.
	ErrInvalidInterval = errors.New("invalid job interval")
)

// Func is the body of a job.
type Func func(ctx context.Context) error

const defaultStopTimeout = 5 * time.Second

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

// WithStopTimeout bounds how long Stop waits for running jobs.
func WithStopTimeout(d time.Duration) Option {
	return func(s *Scheduler) {
		s.stopTimeout = d
	}
}

// Scheduler wraps a quartz scheduler and tracks jobs by name.
type Scheduler struct {
	mu          sync.Mutex
	quartz      quartz.Scheduler
	started     *atomic.Bool
	logger      *zap.Logger
	stopTimeout time.Duration
	jobs        map[string]*quartz.JobKey
}

// New creates a stopped scheduler.
func New(opts ...Option) *Scheduler {
	// quartz logs through its own logger; ours reports the job outcomes
	qs, _ := quartz.NewStdScheduler(quartz.WithLogger(quartzlogger.NewSimpleLogger(nil, quartzlogger.LevelOff)))
	s := &Scheduler{
		quartz:      qs,
		started:     atomic.NewBool(false),
		logger:      zap.NewNop(),
		stopTimeout: defaultStopTimeout,
		jobs:        make(map[string]*quartz.JobKey),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start runs the scheduler until Stop or until ctx is done.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started.Load() {
		return
	}
	s.quartz.Start(ctx)
	s.started.Store(s.quartz.IsStarted())
	s.logger.Debug("scheduler started")
}

// Stop removes every job and waits, bounded by ctx and the stop timeout,
// for running jobs to return.
func (s *Scheduler) Stop(ctx context.Context) {
	if !s.started.Load() {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.quartz.Clear()
	s.quartz.Stop()
	s.started.Store(false)
	clear(s.jobs)

	ctx, cancel := context.WithTimeout(ctx, s.stopTimeout)
	defer cancel()
	s.quartz.Wait(ctx)
	s.logger.Debug("scheduler stopped")
}

// IsStarted reports whether jobs can be scheduled.
func (s *Scheduler) IsStarted() bool {
	return s.started.Load()
}

// ScheduleAtFixedRate runs fn every interval, the first time one interval
// from now. Runs are not skipped when fn is slow; callers guard overlap.
func (s *Scheduler) ScheduleAtFixedRate(name string, interval time.Duration, fn Func) error {
	if interval <= 0 {
		return fmt.Errorf("%w: %s", ErrInvalidInterval, interval)
	}
	return s.schedule(name, quartz.NewSimpleTrigger(interval), fn, false)
}

// ScheduleOnce runs fn once after delay. The name is free again once fn
// started, so fn may schedule its successor under the same name.
func (s *Scheduler) ScheduleOnce(name string, delay time.Duration, fn Func) error {
	return s.schedule(name, quartz.NewRunOnceTrigger(max(delay, 0)), fn, true)
}

func (s *Scheduler) schedule(name string, trigger quartz.Trigger, fn Func, once bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started.Load() {
		return ErrNotStarted
	}
	if _, ok := s.jobs[name]; ok {
		return fmt.Errorf("%w: %s", ErrJobExists, name)
	}

	// quartz keys stay unique even when a name is reused
	key := quartz.NewJobKey(name + "#" + uuid.NewString())
	fnJob := job.NewFunctionJob[bool](func(ctx context.Context) (bool, error) {
		if once {
			s.release(name, key)
		}
		if err := fn(ctx); err != nil {
			s.logger.Debug("job failed", zap.String("job", name), zap.Error(err))
			return false, err
		}
		return true, nil
	})
	if err := s.quartz.ScheduleJob(quartz.NewJobDetail(fnJob, key), trigger); err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}
	s.jobs[name] = key
	return nil
}

func (s *Scheduler) release(name string, key *quartz.JobKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if current, ok := s.jobs[name]; ok && current == key {
		delete(s.jobs, name)
	}
}

// Cancel removes the job called name and reports whether it was scheduled.
// A run already in progress is not interrupted.
func (s *Scheduler) Cancel(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.jobs[name]
	if !ok {
		return false
	}
	delete(s.jobs, name)
	if err := s.quartz.DeleteJob(key); err != nil {
		s.logger.Debug("job already gone", zap.String("job", name), zap.Error(err))
	}
	return true
}

// Scheduled reports whether a job called name is pending.
func (s *Scheduler) Scheduled(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.jobs[name]
	return ok
}

// Len returns the number of pending jobs.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}
