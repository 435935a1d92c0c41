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

package snapshot

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/emqx-edge/pkg/mqtt"
	"github.com/turtacn/emqx-edge/pkg/payload"
	"github.com/turtacn/emqx-edge/pkg/persistence"
	"github.com/turtacn/emqx-edge/pkg/publish"
	"github.com/turtacn/emqx-edge/pkg/queue"
	"github.com/turtacn/emqx-edge/pkg/retained"
	"github.com/turtacn/emqx-edge/pkg/singlewriter"
	"github.com/turtacn/emqx-edge/pkg/testutil"
	"github.com/turtacn/emqx-edge/pkg/topic"
)

type node struct {
	payloads *payload.Store
	retained *persistence.Retained
	service  *publish.Service
}

func newNode(t *testing.T) *node {
	t.Helper()
	e := testutil.NewExecutor(t, testutil.ExecutorConfig())
	buckets := e.Config().BucketCount
	n := &node{payloads: payload.NewStore()}
	tree := topic.NewStore()
	conns := publish.NewConnections()
	queues := persistence.NewClientQueues(e.Producer(singlewriter.DomainQueuedMessages),
		queue.NewStore(buckets, queue.Config{Qos0GlobalMemoryLimit: 1 << 20, Qos0ClientMemoryLimit: 1 << 20}, n.payloads))
	n.retained = persistence.NewRetained(e.Producer(singlewriter.DomainRetainedMessage),
		retained.NewStore(buckets, retained.DefaultConfig(), n.payloads))
	poll := publish.NewPollService(publish.DefaultPollConfig(), n.payloads, queues, tree, conns)
	n.service = publish.NewService(publish.Config{MaxQueuedMessages: 10, Strategy: mqtt.Discard},
		n.payloads, queues, n.retained, tree, conns, poll)
	return n
}

func (n *node) publish(t *testing.T, p *mqtt.Publish) {
	t.Helper()
	testutil.Await(t, n.service.Publish(context.Background(), p, "c1"))
}

func TestExportImport(t *testing.T) {
	path := filepath.Join(t.TempDir(), "retained.db")
	src := newNode(t)

	state := mqtt.NewPublish("plant/state", []byte("running"), mqtt.AtLeastOnce, true)
	state.ContentType = "text/plain"
	state.UserProperties = []mqtt.UserProperty{{Name: "line", Value: "1"}}
	src.publish(t, state)
	src.publish(t, mqtt.NewPublish("plant/temp", []byte("21.5"), mqtt.AtMostOnce, true))
	expired := mqtt.NewPublish("plant/alarm", []byte("on"), mqtt.AtMostOnce, true)
	expired.MessageExpiry = 1
	expired.Timestamp = time.Now().Add(-time.Minute)
	src.publish(t, expired)

	exported, err := New(src.retained, src.payloads, src.service).Export(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, 2, exported)

	dst := newNode(t)
	imported, err := New(dst.retained, dst.payloads, dst.service).Import(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, 2, imported)

	msg := testutil.Await(t, dst.retained.Get("plant/state"))
	require.NotNil(t, msg)
	assert.Equal(t, mqtt.AtLeastOnce, msg.QoS)
	assert.Equal(t, "text/plain", msg.ContentType)
	assert.Equal(t, []mqtt.UserProperty{{Name: "line", Value: "1"}}, msg.UserProperties)
	data, err := dst.payloads.Get(msg.PayloadID)
	require.NoError(t, err)
	assert.Equal(t, []byte("running"), data)

	assert.NotNil(t, testutil.Await(t, dst.retained.Get("plant/temp")))
	assert.Nil(t, testutil.Await(t, dst.retained.Get("plant/alarm")))
}

func TestExportReplacesPreviousSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "retained.db")
	src := newNode(t)
	s := New(src.retained, src.payloads, src.service)

	src.publish(t, mqtt.NewPublish("a", []byte("1"), mqtt.AtMostOnce, true))
	_, err := s.Export(context.Background(), path)
	require.NoError(t, err)

	src.publish(t, mqtt.NewPublish("a", nil, mqtt.AtMostOnce, true))
	src.publish(t, mqtt.NewPublish("b", []byte("2"), mqtt.AtMostOnce, true))
	exported, err := s.Export(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, 1, exported)

	dst := newNode(t)
	imported, err := New(dst.retained, dst.payloads, dst.service).Import(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, 1, imported)
	assert.Nil(t, testutil.Await(t, dst.retained.Get("a")))
}

func TestImportMissingFile(t *testing.T) {
	n := newNode(t)
	imported, err := New(n.retained, n.payloads, n.service).Import(context.Background(), filepath.Join(t.TempDir(), "none.db"))
	require.NoError(t, err)
	assert.Zero(t, imported)
}
