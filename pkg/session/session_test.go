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

package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/emqx-edge/pkg/mqtt"
)

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

func newTestStore() (*Store, *clock) {
	c := &clock{now: time.Unix(1700000000, 0)}
	return NewStore(4, WithClock(c.Now)), c
}

func TestConnectAndResume(t *testing.T) {
	s, c := newTestStore()

	res := s.Connect(1, "c1", false, 60, nil, 0)
	assert.False(t, res.SessionPresent)
	assert.Equal(t, int64(1), s.ConnectedCount())

	sess, ok := s.Get(1, "c1")
	require.True(t, ok)
	assert.True(t, sess.Connected)
	assert.True(t, sess.IsPersistent())

	_, ok = s.Disconnect(1, "c1", nil, false)
	require.True(t, ok)
	assert.Zero(t, s.ConnectedCount())

	c.now = c.now.Add(30 * time.Second)
	assert.True(t, s.Connect(1, "c1", false, 60, nil, 0).SessionPresent)
	assert.False(t, s.Connect(1, "c1", true, 60, nil, 0).SessionPresent, "clean start")
	assert.Equal(t, int64(1), s.ConnectedCount())
}

func TestExpiredSessionIsNotResumed(t *testing.T) {
	s, c := newTestStore()
	s.Connect(0, "c1", false, 10, nil, 0)
	s.Disconnect(0, "c1", nil, false)

	c.now = c.now.Add(10 * time.Second)
	_, ok := s.Get(0, "c1")
	assert.False(t, ok)
	assert.False(t, s.Connect(0, "c1", false, 10, nil, 0).SessionPresent)
}

func TestTombstoneCleanUp(t *testing.T) {
	s, c := newTestStore()
	s.Connect(2, "gone", false, mqtt.SessionExpireOnDisconnect, nil, 0)
	s.Connect(2, "kept", false, 100, nil, 0)
	s.Connect(2, "forever", false, mqtt.SessionExpiryMax, nil, 0)
	s.Connect(2, "online", false, 0, nil, 0)

	zero := mqtt.SessionExpireOnDisconnect
	sess, ok := s.Disconnect(2, "gone", &zero, false)
	require.True(t, ok)
	assert.False(t, sess.IsPersistent())
	s.Disconnect(2, "kept", nil, false)
	s.Disconnect(2, "forever", nil, false)

	_, ok = s.Get(2, "gone")
	assert.False(t, ok, "tombstones are not visible")

	expired := s.CleanUp(2)
	require.Len(t, expired, 1)
	assert.Equal(t, "gone", expired[0].ClientID)

	c.now = c.now.Add(24 * time.Hour)
	expired = s.CleanUp(2)
	require.Len(t, expired, 1)
	assert.Equal(t, "kept", expired[0].ClientID)
	assert.Len(t, s.All(2), 2)
}

func TestDisconnectOverridesExpiry(t *testing.T) {
	s, _ := newTestStore()
	s.Connect(0, "c1", false, 0, nil, 0)
	expiry := int64(300)
	sess, ok := s.Disconnect(0, "c1", &expiry, false)
	require.True(t, ok)
	assert.True(t, sess.IsPersistent())

	_, ok = s.Disconnect(0, "c1", nil, false)
	assert.False(t, ok, "already disconnected")
	_, ok = s.Disconnect(0, "unknown", nil, false)
	assert.False(t, ok)
}

func TestWill(t *testing.T) {
	s, _ := newTestStore()
	will := &Will{Publish: mqtt.NewPublish("status/c1", []byte("offline"), mqtt.AtLeastOnce, true), DelayInterval: 30}
	s.Connect(0, "c1", false, 10, will, 0)

	sess, _ := s.Disconnect(0, "c1", nil, false)
	assert.Equal(t, 10*time.Second, sess.WillDelay(), "capped by session expiry")

	res := s.Connect(0, "c1", false, 10, nil, 0)
	require.NotNil(t, res.PendingWill)
	assert.Equal(t, "status/c1", res.PendingWill.Publish.Topic)

	s.Connect(0, "c2", false, 10, will, 0)
	s.Disconnect(0, "c2", nil, true)
	assert.Nil(t, s.TakeWill(0, "c2"), "cleared by normal disconnect")

	s.Connect(0, "c3", false, 10, will, 0)
	assert.Nil(t, s.TakeWill(0, "c3"), "still connected")
	s.Disconnect(0, "c3", nil, false)
	assert.NotNil(t, s.TakeWill(0, "c3"))
	assert.Nil(t, s.TakeWill(0, "c3"))
}

func TestSetQueueLimit(t *testing.T) {
	s, _ := newTestStore()
	assert.False(t, s.SetQueueLimit(0, "c1", 5))
	s.Connect(0, "c1", false, 0, nil, 0)
	assert.True(t, s.SetQueueLimit(0, "c1", 5))
	sess, ok := s.Get(0, "c1")
	require.True(t, ok)
	assert.Equal(t, 5, sess.QueueLimit)
}

func TestQueueLimitSurvivesResume(t *testing.T) {
	s, _ := newTestStore()
	s.Connect(2, "c1", false, 60, nil, 0)
	require.True(t, s.SetQueueLimit(2, "c1", 5))
	_, ok := s.Disconnect(2, "c1", nil, false)
	require.True(t, ok)

	require.True(t, s.Connect(2, "c1", false, 60, nil, 0).SessionPresent)
	sess, ok := s.Get(2, "c1")
	require.True(t, ok)
	assert.Equal(t, 5, sess.QueueLimit)

	s.Connect(2, "c1", true, 60, nil, 0)
	sess, ok = s.Get(2, "c1")
	require.True(t, ok)
	assert.Zero(t, sess.QueueLimit, "clean start drops the override")
}
