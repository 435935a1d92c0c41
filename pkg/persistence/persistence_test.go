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

package persistence

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/emqx-edge/pkg/mqtt"
	"github.com/turtacn/emqx-edge/pkg/payload"
	"github.com/turtacn/emqx-edge/pkg/queue"
	"github.com/turtacn/emqx-edge/pkg/retained"
	"github.com/turtacn/emqx-edge/pkg/session"
	"github.com/turtacn/emqx-edge/pkg/singlewriter"
	"github.com/turtacn/emqx-edge/pkg/testutil"
	"github.com/turtacn/emqx-edge/pkg/topic"
)

func TestClientQueues(t *testing.T) {
	e := testutil.NewExecutor(t, testutil.ExecutorConfig())
	payloads := payload.NewStore()
	store := queue.NewStore(e.Config().BucketCount, queue.Config{
		Qos0GlobalMemoryLimit: 1 << 20,
		Qos0ClientMemoryLimit: 1 << 20,
		RetainedMax:           10,
	}, payloads)
	queues := NewClientQueues(e.Producer(singlewriter.DomainQueuedMessages), store)

	p := mqtt.NewPublish("a/b", []byte("x"), mqtt.AtLeastOnce, false)
	p.PayloadID = payloads.Add(p.Payload)
	testutil.Await(t, queues.Add("c1", false, []*mqtt.Publish{p}, 10, mqtt.Discard, false))
	assert.Equal(t, 1, testutil.Await(t, queues.Size("c1", false)))
	assert.Len(t, testutil.Await(t, queues.Peek("c1", false, 1<<20, 10)), 1)

	read := testutil.Await(t, queues.ReadNew("c1", false, []uint16{3}, 1<<20))
	require.Len(t, read, 1)
	assert.Equal(t, uint16(3), read[0].PacketID)
	assert.Len(t, testutil.Await(t, queues.ReadInflight("c1", false, 10, 1<<20)), 1)

	assert.Equal(t, p.UniqueID, testutil.Await(t, queues.Replace("c1", false, &mqtt.PubRel{PacketID: 3})))
	assert.Equal(t, p.UniqueID, testutil.Await(t, queues.Remove("c1", false, 3, "")))
	assert.Zero(t, testutil.Await(t, queues.Size("c1", false)))

	for b := 0; b < e.Config().BucketCount; b++ {
		assert.Zero(t, testutil.Await(t, queues.CleanUp(b)).Cardinality())
	}
}

func TestRetainedGetMatchingAcrossBuckets(t *testing.T) {
	e := testutil.NewExecutor(t, testutil.ExecutorConfig())
	payloads := payload.NewStore()
	r := NewRetained(e.Producer(singlewriter.DomainRetainedMessage),
		retained.NewStore(e.Config().BucketCount, retained.DefaultConfig(), payloads))

	topics := []string{"plant/1/temp", "plant/2/temp", "plant/3/temp", "plant/3/humidity"}
	for _, name := range topics {
		p := mqtt.NewPublish(name, []byte(name), mqtt.AtLeastOnce, true)
		p.PayloadID = payloads.Add(p.Payload)
		testutil.Await(t, r.Persist(retained.FromPublish(p)))
	}

	assert.Len(t, testutil.Await(t, r.GetMatching("plant/+/temp")), 3)
	assert.Len(t, testutil.Await(t, r.GetMatching("plant/3/humidity")), 1)
	assert.Empty(t, testutil.Await(t, r.GetMatching("plant/4/humidity")))

	assert.True(t, testutil.Await(t, r.Remove("plant/1/temp")))
	assert.Nil(t, testutil.Await(t, r.Get("plant/1/temp")))

	var seen []string
	testutil.Await(t, r.ForEach(func(msg *retained.Message) error {
		seen = append(seen, msg.Topic)
		return nil
	}))
	assert.ElementsMatch(t, topics[1:], seen)
}

func TestSessionsValidateExpiryBeforeSubmitting(t *testing.T) {
	e := testutil.NewExecutor(t, testutil.ExecutorConfig())
	sessions := NewSessions(e.Producer(singlewriter.DomainClientSession), session.NewStore(e.Config().BucketCount))

	_, err := sessions.Connect("c1", false, -1, nil, 0)
	assert.ErrorIs(t, err, mqtt.ErrInvalidSessionExpiry)
	_, err = sessions.Connect("c1", false, mqtt.SessionExpiryMax+1, nil, 0)
	assert.ErrorIs(t, err, mqtt.ErrInvalidSessionExpiry)

	f, err := sessions.Connect("c1", false, 60, nil, 0)
	require.NoError(t, err)
	assert.False(t, testutil.Await(t, f).SessionPresent)
	assert.True(t, testutil.Await(t, sessions.SetQueueLimit("c1", 7)))

	sess := testutil.Await(t, sessions.Get("c1"))
	require.NotNil(t, sess)
	assert.Equal(t, 7, sess.QueueLimit)
	assert.Equal(t, 7, testutil.Await(t, sessions.QueueLimit("c1")))
	assert.Zero(t, testutil.Await(t, sessions.QueueLimit("unknown")))

	zero := mqtt.SessionExpireOnDisconnect
	df, err := sessions.Disconnect("c1", &zero, false)
	require.NoError(t, err)
	require.NotNil(t, testutil.Await(t, df))

	var expired []*session.Session
	for b := 0; b < e.Config().BucketCount; b++ {
		expired = append(expired, testutil.Await(t, sessions.CleanUp(b))...)
	}
	require.Len(t, expired, 1)
	assert.Equal(t, "c1", expired[0].ClientID)
}

func TestSubscriptions(t *testing.T) {
	e := testutil.NewExecutor(t, testutil.ExecutorConfig())
	subs := NewSubscriptions(e.Producer(singlewriter.DomainSubscription), topic.NewStore())

	assert.False(t, testutil.Await(t, subs.Subscribe(topic.Subscription{ClientID: "c1", Filter: "a/#", QoS: mqtt.AtLeastOnce})))
	assert.True(t, testutil.Await(t, subs.Subscribe(topic.Subscription{ClientID: "c1", Filter: "a/#", QoS: mqtt.ExactlyOnce})))
	testutil.Await(t, subs.Subscribe(topic.Subscription{ClientID: "c1", Filter: "b"}))
	assert.Len(t, subs.Tree().FindSubscribers("a/x").Direct, 1)

	assert.True(t, testutil.Await(t, subs.Unsubscribe("c1", "b")))
	assert.Equal(t, []string{"a/#"}, testutil.Await(t, subs.RemoveAll("c1")))
	assert.True(t, subs.Tree().FindSubscribers("a/x").Empty())
	testutil.Await(t, subs.CleanUp(0))
}
