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

package retained

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/emqx-edge/pkg/mqtt"
	"github.com/turtacn/emqx-edge/pkg/payload"
)

type fixture struct {
	store    *Store
	payloads *payload.Store
	now      time.Time
}

func createTestStore(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := &fixture{payloads: payload.NewStore(), now: time.Unix(1700000000, 0)}
	f.store = NewStore(2, cfg, f.payloads, WithClock(func() time.Time { return f.now }))
	return f
}

func (f *fixture) message(topicName, body string, expiry int64) *Message {
	p := mqtt.NewPublish(topicName, []byte(body), mqtt.AtLeastOnce, true)
	p.PayloadID = f.payloads.Add(p.Payload)
	p.MessageExpiry = expiry
	p.Timestamp = f.now
	return FromPublish(p)
}

func TestStoreAndGetRetained(t *testing.T) {
	f := createTestStore(t, DefaultConfig())
	msg := f.message("test/retained", "hello world", mqtt.MessageExpiryNotSet)

	require.NoError(t, f.store.Persist(0, msg))
	assert.Equal(t, int64(2), f.payloads.References(msg.PayloadID))
	assert.Equal(t, int64(1), f.store.Count())

	got, ok := f.store.Get(0, "test/retained")
	require.True(t, ok)
	assert.Equal(t, msg.PayloadID, got.PayloadID)
	assert.Equal(t, mqtt.AtLeastOnce, got.QoS)
	assert.Equal(t, len("hello world"), got.PayloadSize)

	_, ok = f.store.Get(1, "test/retained")
	assert.False(t, ok, "other bucket")
}

func TestPersistReplacesAndReleasesPayload(t *testing.T) {
	f := createTestStore(t, DefaultConfig())
	first := f.message("t", "one", mqtt.MessageExpiryNotSet)
	second := f.message("t", "two", mqtt.MessageExpiryNotSet)

	require.NoError(t, f.store.Persist(0, first))
	require.NoError(t, f.store.Persist(0, second))

	assert.Equal(t, int64(1), f.payloads.References(first.PayloadID))
	assert.Equal(t, int64(2), f.payloads.References(second.PayloadID))
	assert.Equal(t, int64(1), f.store.Count())
}

func TestRemove(t *testing.T) {
	f := createTestStore(t, DefaultConfig())
	msg := f.message("test/delete", "x", mqtt.MessageExpiryNotSet)
	require.NoError(t, f.store.Persist(0, msg))

	assert.True(t, f.store.Remove(0, "test/delete"))
	assert.False(t, f.store.Remove(0, "test/delete"))
	assert.Equal(t, int64(1), f.payloads.References(msg.PayloadID))
	assert.Zero(t, f.store.Count())
}

func TestLimits(t *testing.T) {
	f := createTestStore(t, Config{MaxPayloadSize: 4, MaxRetainedMessages: 1})

	err := f.store.Persist(0, f.message("big", "too large", mqtt.MessageExpiryNotSet))
	assert.ErrorIs(t, err, ErrPayloadTooLarge)

	require.NoError(t, f.store.Persist(0, f.message("a", "1", mqtt.MessageExpiryNotSet)))
	assert.ErrorIs(t, f.store.Persist(1, f.message("b", "2", mqtt.MessageExpiryNotSet)), ErrLimitReached)
	// replacing an existing topic is always allowed
	assert.NoError(t, f.store.Persist(0, f.message("a", "3", mqtt.MessageExpiryNotSet)))
}

func TestExpiry(t *testing.T) {
	f := createTestStore(t, DefaultConfig())
	msg := f.message("exp", "x", 10)
	require.NoError(t, f.store.Persist(0, msg))

	f.now = f.now.Add(4 * time.Second)
	got, ok := f.store.Get(0, "exp")
	require.True(t, ok)
	assert.Equal(t, int64(6), got.RemainingExpiry(f.now))

	pub := got.ToPublish(f.now)
	assert.Equal(t, int64(6), pub.MessageExpiry)
	assert.True(t, pub.Retain)
	assert.Equal(t, msg.PayloadID, pub.PayloadID)

	f.now = f.now.Add(6 * time.Second)
	_, ok = f.store.Get(0, "exp")
	assert.False(t, ok)
	assert.Zero(t, f.store.Count())
	assert.Equal(t, int64(1), f.payloads.References(msg.PayloadID))
}

func TestGetMatchingAndCleanUp(t *testing.T) {
	f := createTestStore(t, DefaultConfig())
	require.NoError(t, f.store.Persist(0, f.message("plant/a/temp", "1", mqtt.MessageExpiryNotSet)))
	require.NoError(t, f.store.Persist(0, f.message("plant/b/temp", "2", 1)))
	require.NoError(t, f.store.Persist(0, f.message("plant/b/pressure", "3", mqtt.MessageExpiryNotSet)))

	assert.Len(t, f.store.GetMatching(0, "plant/+/temp"), 2)
	assert.Len(t, f.store.GetMatching(0, "#"), 3)

	f.now = f.now.Add(2 * time.Second)
	assert.Len(t, f.store.GetMatching(0, "plant/+/temp"), 1)
	assert.Equal(t, []string{"plant/b/temp"}, f.store.CleanUp(0))
	assert.Empty(t, f.store.CleanUp(0))
	assert.Len(t, f.store.All(0), 2)
}
