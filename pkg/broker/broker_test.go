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

package broker

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/emqx-edge/pkg/auth"
	"github.com/turtacn/emqx-edge/pkg/blacklist"
	"github.com/turtacn/emqx-edge/pkg/mqtt"
	"github.com/turtacn/emqx-edge/pkg/payload"
	"github.com/turtacn/emqx-edge/pkg/persistence"
	"github.com/turtacn/emqx-edge/pkg/publish"
	"github.com/turtacn/emqx-edge/pkg/queue"
	"github.com/turtacn/emqx-edge/pkg/retained"
	"github.com/turtacn/emqx-edge/pkg/scheduler"
	"github.com/turtacn/emqx-edge/pkg/session"
	"github.com/turtacn/emqx-edge/pkg/singlewriter"
	"github.com/turtacn/emqx-edge/pkg/testutil"
	"github.com/turtacn/emqx-edge/pkg/topic"
)

const waitTimeout = 2 * time.Second

// startTestBroker starts a broker on a random port and returns it with the
// URL clients connect to.
func startTestBroker(t *testing.T, opts ...Option) (*Broker, string) {
	t.Helper()
	e := testutil.NewExecutor(t, testutil.ExecutorConfig())
	buckets := e.Config().BucketCount
	payloads := payload.NewStore()
	tree := topic.NewStore()
	conns := publish.NewConnections()

	queues := persistence.NewClientQueues(e.Producer(singlewriter.DomainQueuedMessages),
		queue.NewStore(buckets, queue.Config{
			Qos0GlobalMemoryLimit: 1 << 20,
			Qos0ClientMemoryLimit: 1 << 20,
			RetainedMax:           100,
		}, payloads))
	retainedMessages := persistence.NewRetained(e.Producer(singlewriter.DomainRetainedMessage),
		retained.NewStore(buckets, retained.DefaultConfig(), payloads))
	poll := publish.NewPollService(publish.DefaultPollConfig(), payloads, queues, tree, conns)
	service := publish.NewService(publish.Config{MaxQueuedMessages: 100, Strategy: mqtt.Discard},
		payloads, queues, retainedMessages, tree, conns, poll)

	sched := scheduler.New()
	sched.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), testutil.AwaitTimeout)
		defer cancel()
		sched.Stop(ctx)
	})

	b := New("test-node", Deps{
		Sessions:      persistence.NewSessions(e.Producer(singlewriter.DomainClientSession), session.NewStore(buckets)),
		Subscriptions: persistence.NewSubscriptions(e.Producer(singlewriter.DomainSubscription), tree),
		Queues:        queues,
		Publisher:     service,
		Connections:   conns,
		Scheduler:     sched,
	}, opts...)
	require.NoError(t, b.Start(context.Background(), "127.0.0.1:0"))
	t.Cleanup(b.Stop)
	return b, fmt.Sprintf("tcp://%s", b.Addr().String())
}

func clientOptions(addr, clientID string) *paho.ClientOptions {
	return paho.NewClientOptions().
		AddBroker(addr).
		SetClientID(clientID).
		SetAutoReconnect(false).
		SetConnectTimeout(waitTimeout)
}

func connect(t *testing.T, opts *paho.ClientOptions) paho.Client {
	t.Helper()
	c := paho.NewClient(opts)
	token := c.Connect()
	require.True(t, token.WaitTimeout(waitTimeout), "timed out connecting")
	require.NoError(t, token.Error())
	t.Cleanup(func() {
		if c.IsConnected() {
			c.Disconnect(50)
		}
	})
	return c
}

func subscribe(t *testing.T, c paho.Client, filter string, qos byte, handler paho.MessageHandler) {
	t.Helper()
	token := c.Subscribe(filter, qos, handler)
	require.True(t, token.WaitTimeout(waitTimeout), "timed out subscribing")
	require.NoError(t, token.Error())
}

func publishMessage(t *testing.T, c paho.Client, topicName string, qos byte, retain bool, payload string) {
	t.Helper()
	token := c.Publish(topicName, qos, retain, payload)
	require.True(t, token.WaitTimeout(waitTimeout), "timed out publishing")
	require.NoError(t, token.Error())
}

func collect(ch chan paho.Message) paho.MessageHandler {
	return func(_ paho.Client, msg paho.Message) {
		ch <- msg
	}
}

func receive(t *testing.T, ch chan paho.Message) paho.Message {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(waitTimeout):
		require.FailNow(t, "timed out waiting for message")
		return nil
	}
}

func TestBroker_ConnectDisconnect(t *testing.T) {
	b, addr := startTestBroker(t)

	c := connect(t, clientOptions(addr, "client-connect"))
	sess := testutil.Await(t, b.sessions.Get("client-connect"))
	require.NotNil(t, sess)
	assert.True(t, sess.Connected)
	_, ok := b.conns.Get("client-connect")
	assert.True(t, ok)

	c.Disconnect(50)
	require.Eventually(t, func() bool {
		s := testutil.Await(t, b.sessions.Get("client-connect"))
		return s == nil || !s.Connected
	}, waitTimeout, 10*time.Millisecond)
	_, ok = b.conns.Get("client-connect")
	assert.False(t, ok)
}

func TestBroker_AuthenticationRejected(t *testing.T) {
	users := auth.NewMemory()
	require.NoError(t, users.AddUser("sensor", "s3cret", auth.HashSHA256, true))
	chain := auth.NewChain(true)
	chain.Add(users)
	_, addr := startTestBroker(t, WithAuth(chain))

	bad := paho.NewClient(clientOptions(addr, "client-bad").SetUsername("sensor").SetPassword("wrong"))
	token := bad.Connect()
	require.True(t, token.WaitTimeout(waitTimeout))
	assert.Error(t, token.Error())
	assert.False(t, bad.IsConnected())

	connect(t, clientOptions(addr, "client-good").SetUsername("sensor").SetPassword("s3cret"))
}

func TestBroker_SubscribePublish(t *testing.T) {
	_, addr := startTestBroker(t)

	for _, qos := range []byte{0, 1, 2} {
		t.Run(fmt.Sprintf("qos%d", qos), func(t *testing.T) {
			msgs := make(chan paho.Message, 1)
			sub := connect(t, clientOptions(addr, fmt.Sprintf("sub-%d", qos)))
			subscribe(t, sub, fmt.Sprintf("test/qos%d", qos), qos, collect(msgs))

			pub := connect(t, clientOptions(addr, fmt.Sprintf("pub-%d", qos)))
			publishMessage(t, pub, fmt.Sprintf("test/qos%d", qos), qos, false, "hello world")

			msg := receive(t, msgs)
			assert.Equal(t, fmt.Sprintf("test/qos%d", qos), msg.Topic())
			assert.Equal(t, "hello world", string(msg.Payload()))
			assert.Equal(t, qos, msg.Qos())
		})
	}
}

func TestBroker_SubscriptionDowngradesQoS(t *testing.T) {
	_, addr := startTestBroker(t)

	msgs := make(chan paho.Message, 1)
	sub := connect(t, clientOptions(addr, "sub"))
	subscribe(t, sub, "sensors/+", 0, collect(msgs))

	pub := connect(t, clientOptions(addr, "pub"))
	publishMessage(t, pub, "sensors/temp", 2, false, "21.5")

	msg := receive(t, msgs)
	assert.Equal(t, byte(0), msg.Qos())
}

func TestBroker_RetainedOnSubscribe(t *testing.T) {
	_, addr := startTestBroker(t)

	pub := connect(t, clientOptions(addr, "pub"))
	publishMessage(t, pub, "plant/state", 1, true, "running")

	msgs := make(chan paho.Message, 1)
	sub := connect(t, clientOptions(addr, "sub"))
	subscribe(t, sub, "plant/#", 1, collect(msgs))

	msg := receive(t, msgs)
	assert.Equal(t, "plant/state", msg.Topic())
	assert.Equal(t, "running", string(msg.Payload()))
	assert.True(t, msg.Retained())
}

func TestBroker_WillOnAbnormalDisconnect(t *testing.T) {
	b, addr := startTestBroker(t)

	msgs := make(chan paho.Message, 1)
	watcher := connect(t, clientOptions(addr, "watcher"))
	subscribe(t, watcher, "clients/+/status", 1, collect(msgs))

	connect(t, clientOptions(addr, "device").SetWill("clients/device/status", "offline", 1, false))
	conn, ok := b.conns.Get("device")
	require.True(t, ok)
	require.NoError(t, conn.(*client).conn.Close())

	msg := receive(t, msgs)
	assert.Equal(t, "clients/device/status", msg.Topic())
	assert.Equal(t, "offline", string(msg.Payload()))
}

func TestBroker_NoWillOnGracefulDisconnect(t *testing.T) {
	_, addr := startTestBroker(t)

	msgs := make(chan paho.Message, 1)
	watcher := connect(t, clientOptions(addr, "watcher"))
	subscribe(t, watcher, "clients/+/status", 1, collect(msgs))

	device := connect(t, clientOptions(addr, "device").SetWill("clients/device/status", "offline", 1, false))
	device.Disconnect(50)

	select {
	case msg := <-msgs:
		t.Fatalf("unexpected will on %s", msg.Topic())
	case <-time.After(300 * time.Millisecond):
	}
}

func TestBroker_PersistentSessionQueuesMessages(t *testing.T) {
	_, addr := startTestBroker(t)

	msgs := make(chan paho.Message, 4)
	opts := clientOptions(addr, "persistent").
		SetCleanSession(false).
		SetDefaultPublishHandler(collect(msgs))
	c := connect(t, opts)
	subscribe(t, c, "orders/#", 1, nil)
	c.Disconnect(50)

	pub := connect(t, clientOptions(addr, "pub"))
	publishMessage(t, pub, "orders/1", 1, false, "first")
	publishMessage(t, pub, "orders/2", 0, false, "dropped while offline")

	c = paho.NewClient(opts)
	token := c.Connect()
	require.True(t, token.WaitTimeout(waitTimeout))
	require.NoError(t, token.Error())
	defer c.Disconnect(50)
	assert.True(t, token.(*paho.ConnectToken).SessionPresent())

	msg := receive(t, msgs)
	assert.Equal(t, "orders/1", msg.Topic())
	assert.Equal(t, "first", string(msg.Payload()))
	select {
	case extra := <-msgs:
		t.Fatalf("unexpected message on %s", extra.Topic())
	case <-time.After(200 * time.Millisecond):
	}
}

func TestBroker_CleanSessionStartsFresh(t *testing.T) {
	b, addr := startTestBroker(t)

	opts := clientOptions(addr, "fresh").SetCleanSession(false)
	c := connect(t, opts)
	subscribe(t, c, "orders/#", 1, nil)
	c.Disconnect(50)

	c = paho.NewClient(clientOptions(addr, "fresh"))
	token := c.Connect()
	require.True(t, token.WaitTimeout(waitTimeout))
	require.NoError(t, token.Error())
	defer c.Disconnect(50)
	assert.False(t, token.(*paho.ConnectToken).SessionPresent())
	assert.Empty(t, b.subs.Tree().Subscriptions("fresh"))
}

func TestBroker_SessionTakeover(t *testing.T) {
	b, addr := startTestBroker(t)

	lost := make(chan error, 1)
	connect(t, clientOptions(addr, "twin").SetConnectionLostHandler(func(_ paho.Client, err error) {
		lost <- err
	}))
	first, ok := b.conns.Get("twin")
	require.True(t, ok)

	second := connect(t, clientOptions(addr, "twin"))
	select {
	case <-lost:
	case <-time.After(waitTimeout):
		t.Fatal("first connection was not closed")
	}
	assert.True(t, second.IsConnected())

	current, ok := b.conns.Get("twin")
	require.True(t, ok)
	assert.NotSame(t, first, current)
	sess := testutil.Await(t, b.sessions.Get("twin"))
	require.NotNil(t, sess)
	assert.True(t, sess.Connected, "the closing connection must not disconnect the new one")
}

func TestBroker_SharedSubscription(t *testing.T) {
	_, addr := startTestBroker(t)

	const total = 20
	var mu sync.Mutex
	received := make(map[string]int)
	counts := make(map[string]int)
	handler := func(member string) paho.MessageHandler {
		return func(_ paho.Client, msg paho.Message) {
			mu.Lock()
			received[string(msg.Payload())]++
			counts[member]++
			mu.Unlock()
		}
	}
	for _, member := range []string{"worker-1", "worker-2"} {
		c := connect(t, clientOptions(addr, member).SetDefaultPublishHandler(handler(member)))
		subscribe(t, c, "$share/workers/jobs/#", 1, nil)
	}

	pub := connect(t, clientOptions(addr, "producer"))
	for i := 0; i < total; i++ {
		publishMessage(t, pub, "jobs/build", 1, false, fmt.Sprintf("job-%d", i))
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == total
	}, waitTimeout, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for payload, n := range received {
		assert.Equal(t, 1, n, "%s delivered more than once", payload)
	}
	assert.Equal(t, total, counts["worker-1"]+counts["worker-2"])
}

func TestBroker_RejectsForwarderClientIDs(t *testing.T) {
	_, addr := startTestBroker(t)

	c := paho.NewClient(clientOptions(addr, "forwarder#cloud"))
	token := c.Connect()
	require.True(t, token.WaitTimeout(waitTimeout))
	assert.Error(t, token.Error())
}

func TestBroker_UnsubscribeStopsDelivery(t *testing.T) {
	_, addr := startTestBroker(t)

	msgs := make(chan paho.Message, 1)
	sub := connect(t, clientOptions(addr, "sub"))
	subscribe(t, sub, "news", 0, collect(msgs))
	token := sub.Unsubscribe("news")
	require.True(t, token.WaitTimeout(waitTimeout))
	require.NoError(t, token.Error())

	pub := connect(t, clientOptions(addr, "pub"))
	publishMessage(t, pub, "news", 0, false, "nobody listens")

	select {
	case msg := <-msgs:
		t.Fatalf("unexpected message on %s", msg.Topic())
	case <-time.After(200 * time.Millisecond):
	}
}

func TestBroker_TLSListener(t *testing.T) {
	b, addr := startTestBroker(t)
	certFile, keyFile := testutil.WriteCertificate(t, t.TempDir(), time.Now().Add(time.Hour))
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	require.NoError(t, err)
	require.NoError(t, b.StartTLS(context.Background(), "127.0.0.1:0", &tls.Config{Certificates: []tls.Certificate{cert}}))
	require.NotNil(t, b.TLSAddr())

	msgs := make(chan paho.Message, 1)
	tlsOpts := clientOptions(fmt.Sprintf("ssl://%s", b.TLSAddr().String()), "secure-sub").
		SetTLSConfig(&tls.Config{InsecureSkipVerify: true})
	sub := connect(t, tlsOpts)
	subscribe(t, sub, "secure/topic", 1, collect(msgs))

	pub := connect(t, clientOptions(addr, "plain-pub"))
	publishMessage(t, pub, "secure/topic", 1, false, "over tls")
	assert.Equal(t, "over tls", string(receive(t, msgs).Payload()))
}

func TestBroker_BlacklistRefusesClients(t *testing.T) {
	bans, err := blacklist.NewManager(
		blacklist.Entry{Type: blacklist.ClientID, Value: "rogue", Reason: "flooding"},
		blacklist.Entry{Type: blacklist.Username, Pattern: "^guest-"},
	)
	require.NoError(t, err)
	_, addr := startTestBroker(t, WithBlacklist(bans))

	for _, opts := range []*paho.ClientOptions{
		clientOptions(addr, "rogue"),
		clientOptions(addr, "visitor").SetUsername("guest-1"),
	} {
		c := paho.NewClient(opts)
		token := c.Connect()
		require.True(t, token.WaitTimeout(waitTimeout))
		assert.Error(t, token.Error())
		assert.False(t, c.IsConnected())
	}

	connect(t, clientOptions(addr, "sensor-1").SetUsername("edge"))
	require.NoError(t, bans.Replace())
	connect(t, clientOptions(addr, "rogue"))
}
