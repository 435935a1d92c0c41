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

package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

func newTestScheduler(t *testing.T) *Scheduler {
	t.Helper()
	s := New(WithStopTimeout(time.Second))
	s.Start(context.Background())
	t.Cleanup(func() { s.Stop(context.Background()) })
	return s
}

func TestScheduleRequiresStart(t *testing.T) {
	s := New()
	err := s.ScheduleOnce("job", time.Millisecond, func(context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrNotStarted)
}

func TestScheduleAtFixedRate(t *testing.T) {
	s := newTestScheduler(t)
	runs := atomic.NewInt32(0)
	require.NoError(t, s.ScheduleAtFixedRate("tick", 10*time.Millisecond, func(context.Context) error {
		runs.Inc()
		return errors.New("keeps running")
	}))
	assert.ErrorIs(t, s.ScheduleAtFixedRate("tick", time.Second, nil), ErrJobExists)
	assert.ErrorIs(t, s.ScheduleAtFixedRate("zero", 0, nil), ErrInvalidInterval)

	require.Eventually(t, func() bool { return runs.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, s.Cancel("tick"))
	assert.False(t, s.Cancel("tick"))

	time.Sleep(30 * time.Millisecond)
	settled := runs.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, settled, runs.Load())
}

func TestScheduleOnceFreesName(t *testing.T) {
	s := newTestScheduler(t)
	done := make(chan struct{})
	rescheduled := atomic.NewBool(false)
	require.NoError(t, s.ScheduleOnce("cleanup", time.Millisecond, func(context.Context) error {
		rescheduled.Store(s.ScheduleOnce("cleanup", time.Hour, func(context.Context) error { return nil }) == nil)
		close(done)
		return nil
	}))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("job did not run")
	}
	assert.True(t, rescheduled.Load())
	assert.True(t, s.Scheduled("cleanup"))
	assert.Equal(t, 1, s.Len())
}

func TestStopClearsJobs(t *testing.T) {
	s := New()
	s.Start(context.Background())
	require.NoError(t, s.ScheduleOnce("later", time.Hour, func(context.Context) error { return nil }))
	s.Stop(context.Background())
	assert.False(t, s.IsStarted())
	assert.Zero(t, s.Len())
}
