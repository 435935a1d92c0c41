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
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/turtacn/emqx-edge/pkg/metrics"
	"github.com/turtacn/emqx-edge/pkg/scheduler"
)

const (
	// DefaultMaxPollingErrors is the number of consecutive failures after
	// which a polling job is removed.
	DefaultMaxPollingErrors = 10
	// DefaultMaxBackoff caps the delay after a failed poll.
	DefaultMaxBackoff = time.Minute

	baseBackoff     = 100 * time.Millisecond
	maxBackoffShift = 20
)

// BaseBackoff returns min(max, 100ms * 2^min(errorCount, 20)).
func BaseBackoff(errorCount int, maxBackoff time.Duration) time.Duration {
	shift := min(max(errorCount, 0), maxBackoffShift)
	return min(maxBackoff, baseBackoff<<shift)
}

// Backoff adds jitter, a fraction in [0, 1) of the base backoff, and caps
// the result at maxBackoff.
func Backoff(errorCount int, maxBackoff time.Duration, jitter float64) time.Duration {
	base := BaseBackoff(errorCount, maxBackoff)
	return min(maxBackoff, base+time.Duration(jitter*float64(base)))
}

// PollFunc is one invocation of a polling job.
type PollFunc func(ctx context.Context) error

// PollingConfig bounds the error handling of polling jobs.
type PollingConfig struct {
	MaxErrorsBeforeRemoval int
	MaxBackoff             time.Duration
}

// PollingOption configures a PollingService.
type PollingOption func(*PollingService)

// WithPollingLogger sets the logger.
func WithPollingLogger(logger *zap.Logger) PollingOption {
	return func(s *PollingService) {
		s.logger = logger
	}
}

// WithJitter sets the source of backoff jitter, returning values in [0, 1).
func WithJitter(jitter func() float64) PollingOption {
	return func(s *PollingService) {
		s.jitter = jitter
	}
}

type pollingJob struct {
	id        string
	adapterID string
	poll      PollFunc
	errors    *atomic.Int32
	notBefore *atomic.Time
	running   *atomic.Bool
	removed   *atomic.Bool
}

func newPollingJob(adapterID string, poll PollFunc) *pollingJob {
	return &pollingJob{
		id:        uuid.NewString(),
		adapterID: adapterID,
		poll:      poll,
		errors:    atomic.NewInt32(0),
		notBefore: atomic.NewTime(time.Time{}),
		running:   atomic.NewBool(false),
		removed:   atomic.NewBool(false),
	}
}

// PollingService runs polling jobs at a fixed rate. A failing job backs off
// by skipping ticks and is removed after too many consecutive failures.
type PollingService struct {
	cfg    PollingConfig
	sched  *scheduler.Scheduler
	logger *zap.Logger
	jitter func() float64
	now    func() time.Time

	mu   sync.Mutex
	jobs map[string]*pollingJob
}

// NewPollingService creates a service scheduling on sched.
func NewPollingService(sched *scheduler.Scheduler, cfg PollingConfig, opts ...PollingOption) *PollingService {
	if cfg.MaxErrorsBeforeRemoval <= 0 {
		cfg.MaxErrorsBeforeRemoval = DefaultMaxPollingErrors
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultMaxBackoff
	}
	s := &PollingService{
		cfg:    cfg,
		sched:  sched,
		logger: zap.NewNop(),
		jitter: rand.Float64,
		now:    time.Now,
		jobs:   make(map[string]*pollingJob),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Schedule runs poll for adapterID every interval and returns the job id.
func (s *PollingService) Schedule(adapterID string, interval time.Duration, poll PollFunc) (string, error) {
	job := newPollingJob(adapterID, poll)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.sched.ScheduleAtFixedRate(job.id, interval, func(ctx context.Context) error {
		s.tick(ctx, job)
		return nil
	}); err != nil {
		return "", err
	}
	s.jobs[job.id] = job
	return job.id, nil
}

// Stop removes the job and reports whether it was active.
func (s *PollingService) Stop(jobID string) bool {
	s.mu.Lock()
	job, ok := s.jobs[jobID]
	delete(s.jobs, jobID)
	s.mu.Unlock()
	if !ok {
		return false
	}
	job.removed.Store(true)
	s.sched.Cancel(jobID)
	return true
}

// StopAdapter removes every job of adapterID and returns how many there were.
func (s *PollingService) StopAdapter(adapterID string) int {
	stopped := 0
	for _, id := range s.Jobs(adapterID) {
		if s.Stop(id) {
			stopped++
		}
	}
	return stopped
}

// Jobs returns the ids of the active jobs of adapterID, or of all adapters
// when adapterID is empty.
func (s *PollingService) Jobs(adapterID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.jobs))
	for id, job := range s.jobs {
		if adapterID == "" || job.adapterID == adapterID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// ErrorCount returns the consecutive failures of a job.
func (s *PollingService) ErrorCount(jobID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return 0, ErrPollingJobNotFound
	}
	return int(job.errors.Load()), nil
}

// tick runs one invocation unless the job backs off, is still running from
// the previous tick, or was removed.
func (s *PollingService) tick(ctx context.Context, job *pollingJob) {
	if job.removed.Load() || s.now().Before(job.notBefore.Load()) {
		return
	}
	if !job.running.CompareAndSwap(false, true) {
		return
	}
	defer job.running.Store(false)

	err := job.poll(ctx)
	if err == nil {
		job.errors.Store(0)
		job.notBefore.Store(time.Time{})
		return
	}

	count := int(job.errors.Inc())
	metrics.PollingErrorsTotal.WithLabelValues(job.adapterID).Inc()
	if count >= s.cfg.MaxErrorsBeforeRemoval {
		s.Stop(job.id)
		metrics.PollingJobsRemovedTotal.WithLabelValues(job.adapterID).Inc()
		s.logger.Error("polling job removed after repeated failures",
			zap.String("adapter_id", job.adapterID),
			zap.String("job_id", job.id),
			zap.Int("errors", count),
			zap.Error(err))
		return
	}

	backoff := Backoff(count, s.cfg.MaxBackoff, s.jitter())
	job.notBefore.Store(s.now().Add(backoff))
	s.logger.Warn("polling failed",
		zap.String("adapter_id", job.adapterID),
		zap.String("job_id", job.id),
		zap.Int("errors", count),
		zap.Duration("backoff", backoff),
		zap.Error(err))
}
