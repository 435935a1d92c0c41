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

package queue

import (
	"fmt"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/emqx-edge/pkg/event"
	"github.com/turtacn/emqx-edge/pkg/mqtt"
	"github.com/turtacn/emqx-edge/pkg/payload"
)

type drop struct {
	reason event.DropReason
	topic  string
}

type recordingReporter struct {
	drops []drop
}

func (r *recordingReporter) MessageDropped(reason event.DropReason, _ string, _ bool, topic string, _ mqtt.QoS) {
	r.drops = append(r.drops, drop{reason: reason, topic: topic})
}

type testQueue struct {
	store    *Store
	payloads *payload.Store
	drops    *recordingReporter
	now      time.Time
}

func newTestQueue(t *testing.T, cfg Config) *testQueue {
	t.Helper()
	tq := &testQueue{
		payloads: payload.NewStore(),
		drops:    &recordingReporter{},
		now:      time.Unix(1700000000, 0),
	}
	tq.store = NewStore(4, cfg, tq.payloads,
		WithDropReporter(tq.drops),
		WithClock(func() time.Time { return tq.now }))
	return tq
}

func defaultConfig() Config {
	return Config{
		Qos0GlobalMemoryLimit: 1 << 20,
		Qos0ClientMemoryLimit: 1 << 16,
		RetainedMax:           2,
	}
}

// publish registers the payload like the distribution pipeline does, holding
// one reference for the caller.
func (tq *testQueue) publish(topic string, qos mqtt.QoS) *mqtt.Publish {
	p := mqtt.NewPublish(topic, []byte("payload-"+topic), qos, false)
	p.Timestamp = tq.now
	p.PayloadID = tq.payloads.Add(p.Payload)
	return p
}

func topics[M interface{ GetUniqueID() string }](t *testing.T, msgs []M) []string {
	t.Helper()
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		switch v := any(m).(type) {
		case *mqtt.Publish:
			out = append(out, v.Topic)
		case *mqtt.PubRel:
			out = append(out, fmt.Sprintf("pubrel-%d", v.PacketID))
		}
	}
	return out
}

func TestAddTakesPayloadReference(t *testing.T) {
	tq := newTestQueue(t, defaultConfig())
	p := tq.publish("a", mqtt.AtLeastOnce)

	tq.store.Add(0, "c1", false, []*mqtt.Publish{p}, 10, mqtt.Discard, false)
	assert.Equal(t, int64(2), tq.payloads.References(p.PayloadID))
	assert.Equal(t, 1, tq.store.Size(0, "c1", false))

	tq.store.Clear(0, "c1", false)
	assert.Equal(t, int64(1), tq.payloads.References(p.PayloadID))
	assert.Zero(t, tq.store.Size(0, "c1", false))
	assert.Empty(t, tq.store.Keys(0))
}

func TestQos0DropsNewWhenClientMemoryExceeded(t *testing.T) {
	cfg := defaultConfig()
	cfg.Qos0ClientMemoryLimit = int64(2 * qos0Size("q0/a"))
	tq := newTestQueue(t, cfg)

	a, b, c := tq.publish("q0/a", mqtt.AtMostOnce), tq.publish("q0/b", mqtt.AtMostOnce), tq.publish("q0/c", mqtt.AtMostOnce)
	tq.store.Add(0, "c1", false, []*mqtt.Publish{a, b}, 10, mqtt.Discard, false)
	tq.store.Add(0, "c1", false, []*mqtt.Publish{c}, 10, mqtt.Discard, false)

	assert.Equal(t, 2, tq.store.Size(0, "c1", false))
	assert.Equal(t, []drop{{reason: event.DropQos0MemoryExceeded, topic: "q0/c"}}, tq.drops.drops)
	assert.Equal(t, int64(1), tq.payloads.References(c.PayloadID))

	got := tq.store.ReadNew(0, "c1", false, []uint16{1, 2, 3}, 1<<20)
	assert.Equal(t, []string{"q0/a", "q0/b"}, topics(t, got))
}

func qos0Size(topic string) int {
	return mqtt.NewPublish(topic, []byte("payload-"+topic), mqtt.AtMostOnce, false).EstimatedSize()
}

func TestQos0DropsNewWhenGlobalMemoryExceeded(t *testing.T) {
	cfg := defaultConfig()
	cfg.Qos0GlobalMemoryLimit = 1
	tq := newTestQueue(t, cfg)

	tq.store.Add(0, "c1", false, []*mqtt.Publish{tq.publish("q0/a", mqtt.AtMostOnce)}, 10, mqtt.Discard, false)
	tq.store.Add(1, "c2", false, []*mqtt.Publish{tq.publish("q0/b", mqtt.AtMostOnce)}, 10, mqtt.Discard, false)

	assert.Equal(t, 1, tq.store.Size(0, "c1", false))
	assert.Zero(t, tq.store.Size(1, "c2", false))
	assert.Greater(t, tq.store.Qos0Memory(), int64(0))
	require.Len(t, tq.drops.drops, 1)
	assert.Equal(t, event.DropQos0MemoryExceeded, tq.drops.drops[0].reason)
}

func TestDiscardDropsIncoming(t *testing.T) {
	tq := newTestQueue(t, defaultConfig())
	msgs := []*mqtt.Publish{tq.publish("m1", mqtt.AtLeastOnce), tq.publish("m2", mqtt.AtLeastOnce)}
	tq.store.Add(0, "c1", false, msgs, 2, mqtt.Discard, false)

	extra := tq.publish("m3", mqtt.AtLeastOnce)
	tq.store.Add(0, "c1", false, []*mqtt.Publish{extra}, 2, mqtt.Discard, false)

	assert.Equal(t, 2, tq.store.Size(0, "c1", false))
	assert.Equal(t, []drop{{reason: event.DropQueueFull, topic: "m3"}}, tq.drops.drops)
	assert.Equal(t, []string{"m1", "m2"}, topics(t, tq.store.Peek(0, "c1", false, 1<<20, 10)))
}

func TestDiscardOldestEvictsOldestNotInflight(t *testing.T) {
	tq := newTestQueue(t, defaultConfig())
	msgs := []*mqtt.Publish{
		tq.publish("m1", mqtt.AtLeastOnce),
		tq.publish("m2", mqtt.AtLeastOnce),
		tq.publish("m3", mqtt.ExactlyOnce),
	}
	tq.store.Add(0, "c1", false, msgs, 3, mqtt.DiscardOldest, false)
	// m1 goes in flight and must survive the eviction
	require.Len(t, tq.store.ReadNew(0, "c1", false, []uint16{1}, 1<<20), 1)

	m4 := tq.publish("m4", mqtt.AtLeastOnce)
	tq.store.Add(0, "c1", false, []*mqtt.Publish{m4}, 3, mqtt.DiscardOldest, false)

	assert.Equal(t, 3, tq.store.Size(0, "c1", false))
	assert.Equal(t, []drop{{reason: event.DropQueueFull, topic: "m2"}}, tq.drops.drops)
	assert.Equal(t, int64(1), tq.payloads.References(msgs[1].PayloadID))
	assert.Equal(t, []string{"m3", "m4"}, topics(t, tq.store.Peek(0, "c1", false, 1<<20, 10)))
	assert.Equal(t, []string{"m1"}, topics(t, tq.store.ReadInflight(0, "c1", false, 10, 1<<20)))
}

func TestDiscardOldestDropsIncomingWhenAllInflight(t *testing.T) {
	tq := newTestQueue(t, defaultConfig())
	msgs := []*mqtt.Publish{tq.publish("m1", mqtt.AtLeastOnce), tq.publish("m2", mqtt.AtLeastOnce)}
	tq.store.Add(0, "c1", false, msgs, 2, mqtt.DiscardOldest, false)
	require.Len(t, tq.store.ReadNew(0, "c1", false, []uint16{1, 2}, 1<<20), 2)

	tq.store.Add(0, "c1", false, []*mqtt.Publish{tq.publish("m3", mqtt.AtLeastOnce)}, 2, mqtt.DiscardOldest, false)

	assert.Equal(t, 2, tq.store.Size(0, "c1", false))
	assert.Equal(t, []drop{{reason: event.DropQueueFull, topic: "m3"}}, tq.drops.drops)
}

func TestDiscardOldestNeverEvictsRetained(t *testing.T) {
	tq := newTestQueue(t, defaultConfig())
	tq.store.Add(0, "c1", false, []*mqtt.Publish{tq.publish("r1", mqtt.AtLeastOnce)}, 1, mqtt.DiscardOldest, true)
	tq.store.Add(0, "c1", false, []*mqtt.Publish{tq.publish("m1", mqtt.AtLeastOnce)}, 1, mqtt.DiscardOldest, false)
	tq.store.Add(0, "c1", false, []*mqtt.Publish{tq.publish("m2", mqtt.AtLeastOnce)}, 1, mqtt.DiscardOldest, false)

	assert.Equal(t, []string{"r1", "m2"}, topics(t, tq.store.Peek(0, "c1", false, 1<<20, 10)))
	assert.Equal(t, []drop{{reason: event.DropQueueFull, topic: "m1"}}, tq.drops.drops)
}

func TestRetainedLimitEvictsOldestRetained(t *testing.T) {
	tq := newTestQueue(t, defaultConfig())
	for _, topic := range []string{"r1", "r2", "r3"} {
		tq.store.Add(0, "c1", false, []*mqtt.Publish{tq.publish(topic, mqtt.AtLeastOnce)}, 100, mqtt.Discard, true)
	}
	assert.Equal(t, []string{"r2", "r3"}, topics(t, tq.store.Peek(0, "c1", false, 1<<20, 10)))
	assert.Equal(t, []drop{{reason: event.DropRetainedQueueFull, topic: "r1"}}, tq.drops.drops)

	require.Len(t, tq.store.ReadNew(0, "c1", false, []uint16{1, 2}, 1<<20), 2)
	tq.store.Add(0, "c1", false, []*mqtt.Publish{tq.publish("r4", mqtt.AtLeastOnce)}, 100, mqtt.Discard, true)
	assert.Equal(t, 2, tq.store.Size(0, "c1", false))
	assert.Equal(t, event.DropRetainedQueueFull, tq.drops.drops[1].reason)
	assert.Equal(t, "r4", tq.drops.drops[1].topic)
}

func TestReadNewInterleavesQos0(t *testing.T) {
	tq := newTestQueue(t, defaultConfig())
	tq.store.Add(0, "c1", false, []*mqtt.Publish{
		tq.publish("q1/a", mqtt.AtLeastOnce),
		tq.publish("q0/a", mqtt.AtMostOnce),
		tq.publish("q0/b", mqtt.AtMostOnce),
		tq.publish("q2/b", mqtt.ExactlyOnce),
		tq.publish("q0/c", mqtt.AtMostOnce),
	}, 10, mqtt.Discard, false)

	got := tq.store.ReadNew(0, "c1", false, []uint16{10, 11, 12, 13, 14}, 1<<20)
	assert.Equal(t, []string{"q1/a", "q0/a", "q2/b", "q0/b", "q0/c"}, topics(t, got))
	assert.Equal(t, uint16(10), got[0].PacketID)
	assert.Equal(t, uint16(0), got[1].PacketID)
	assert.Equal(t, uint16(11), got[2].PacketID)

	// QoS 0 messages leave the queue, QoS 1/2 ones stay until acknowledged
	assert.Equal(t, 2, tq.store.Size(0, "c1", false))
	assert.Empty(t, tq.store.ReadNew(0, "c1", false, []uint16{20}, 1<<20))
}

func TestReadNewRespectsBudgets(t *testing.T) {
	tq := newTestQueue(t, defaultConfig())
	for i := 0; i < 5; i++ {
		tq.store.Add(0, "c1", false, []*mqtt.Publish{tq.publish(fmt.Sprintf("m%d", i), mqtt.AtLeastOnce)}, 10, mqtt.Discard, false)
	}

	got := tq.store.ReadNew(0, "c1", false, []uint16{1, 2}, 1<<20)
	assert.Equal(t, []string{"m0", "m1"}, topics(t, got))

	got = tq.store.ReadNew(0, "c1", false, []uint16{3, 4, 5}, 1)
	assert.Equal(t, []string{"m2"}, topics(t, got))
}

func TestReadNewRemovesExpired(t *testing.T) {
	tq := newTestQueue(t, defaultConfig())
	expiring := tq.publish("old", mqtt.AtLeastOnce)
	expiring.MessageExpiry = 5
	tq.store.Add(0, "c1", false, []*mqtt.Publish{expiring, tq.publish("fresh", mqtt.AtLeastOnce)}, 10, mqtt.Discard, false)

	tq.now = tq.now.Add(10 * time.Second)
	got := tq.store.ReadNew(0, "c1", false, []uint16{1, 2}, 1<<20)
	assert.Equal(t, []string{"fresh"}, topics(t, got))
	assert.Equal(t, uint16(1), got[0].PacketID)
	assert.Equal(t, []drop{{reason: event.DropExpired, topic: "old"}}, tq.drops.drops)
	assert.Equal(t, int64(1), tq.payloads.References(expiring.PayloadID))
}

func TestPeekDoesNotMutate(t *testing.T) {
	tq := newTestQueue(t, defaultConfig())
	tq.store.Add(0, "c1", false, []*mqtt.Publish{
		tq.publish("a", mqtt.AtLeastOnce),
		tq.publish("b", mqtt.AtMostOnce),
	}, 10, mqtt.Discard, false)

	first := tq.store.Peek(0, "c1", false, 1<<20, 10)
	first[0].PacketID = 99
	second := tq.store.Peek(0, "c1", false, 1<<20, 10)
	assert.Equal(t, []string{"a", "b"}, topics(t, second))
	assert.Zero(t, second[0].PacketID)
	assert.Equal(t, 2, tq.store.Size(0, "c1", false))
	assert.Len(t, tq.store.Peek(0, "c1", false, 1<<20, 1), 1)
}

func TestReadInflightMarksDuplicates(t *testing.T) {
	tq := newTestQueue(t, defaultConfig())
	tq.store.Add(0, "c1", false, []*mqtt.Publish{
		tq.publish("a", mqtt.AtLeastOnce),
		tq.publish("b", mqtt.ExactlyOnce),
		tq.publish("c", mqtt.AtLeastOnce),
	}, 10, mqtt.Discard, false)
	tq.store.ReadNew(0, "c1", false, []uint16{1, 2}, 1<<20)
	tq.store.Replace(0, "c1", false, &mqtt.PubRel{PacketID: 2})

	inflight := tq.store.ReadInflight(0, "c1", false, 10, 1<<20)
	assert.Equal(t, []string{"a", "pubrel-2"}, topics(t, inflight))
	assert.True(t, inflight[0].(*mqtt.Publish).Dup)
	assert.Len(t, tq.store.ReadInflight(0, "c1", false, 1, 1<<20), 1)
}

func TestReplacePreservesMetadataAndReleasesPayload(t *testing.T) {
	tq := newTestQueue(t, defaultConfig())
	p := tq.publish("q2", mqtt.ExactlyOnce)
	p.MessageExpiry = 60
	tq.store.Add(0, "c1", false, []*mqtt.Publish{p}, 10, mqtt.Discard, false)
	tq.store.ReadNew(0, "c1", false, []uint16{7}, 1<<20)

	replaced := tq.store.Replace(0, "c1", false, &mqtt.PubRel{PacketID: 7})
	assert.Equal(t, p.UniqueID, replaced)
	assert.Equal(t, int64(1), tq.payloads.References(p.PayloadID))

	inflight := tq.store.ReadInflight(0, "c1", false, 10, 1<<20)
	require.Len(t, inflight, 1)
	rel := inflight[0].(*mqtt.PubRel)
	assert.Equal(t, int64(60), rel.MessageExpiry)
	assert.Equal(t, p.Timestamp, rel.Timestamp)

	// replacing again is idempotent
	assert.Equal(t, p.UniqueID, tq.store.Replace(0, "c1", false, &mqtt.PubRel{PacketID: 7}))
	assert.Equal(t, 1, tq.store.Size(0, "c1", false))
}

func TestReplaceUnknownInsertsAfterInflight(t *testing.T) {
	tq := newTestQueue(t, defaultConfig())
	tq.store.Add(0, "c1", false, []*mqtt.Publish{
		tq.publish("a", mqtt.AtLeastOnce),
		tq.publish("b", mqtt.AtLeastOnce),
	}, 10, mqtt.Discard, false)
	tq.store.ReadNew(0, "c1", false, []uint16{1}, 1<<20)

	assert.Empty(t, tq.store.Replace(0, "c1", false, &mqtt.PubRel{PacketID: 9}))
	assert.Equal(t, []string{"a", "pubrel-9"}, topics(t, tq.store.ReadInflight(0, "c1", false, 10, 1<<20)))
	assert.Equal(t, []string{"b"}, topics(t, tq.store.Peek(0, "c1", false, 1<<20, 10)))
}

func TestRemove(t *testing.T) {
	tq := newTestQueue(t, defaultConfig())
	p := tq.publish("a", mqtt.AtLeastOnce)
	tq.store.Add(0, "c1", false, []*mqtt.Publish{p}, 10, mqtt.Discard, false)

	assert.Empty(t, tq.store.Remove(0, "c1", false, 1, ""), "not in flight yet")
	tq.store.ReadNew(0, "c1", false, []uint16{1}, 1<<20)
	assert.Empty(t, tq.store.Remove(0, "c1", false, 2, ""))
	assert.Equal(t, p.UniqueID, tq.store.Remove(0, "c1", false, 1, ""))
	assert.Equal(t, int64(1), tq.payloads.References(p.PayloadID))
	assert.Zero(t, tq.store.Size(0, "c1", false))
}

func TestSharedQueueRemoveMatchesUniqueID(t *testing.T) {
	tq := newTestQueue(t, defaultConfig())
	a, b := tq.publish("a", mqtt.AtLeastOnce), tq.publish("b", mqtt.AtLeastOnce)
	tq.store.Add(1, "group/topic", true, []*mqtt.Publish{a, b}, 10, mqtt.Discard, false)

	// two members read with colliding packet ids
	gotA := tq.store.ReadNew(1, "group/topic", true, []uint16{1}, 1<<20)
	gotB := tq.store.ReadNew(1, "group/topic", true, []uint16{1}, 1<<20)
	require.Len(t, gotA, 1)
	require.Len(t, gotB, 1)

	assert.Equal(t, b.UniqueID, tq.store.Remove(1, "group/topic", true, 1, gotB[0].UniqueID))
	assert.Equal(t, 1, tq.store.Size(1, "group/topic", true))
	assert.Equal(t, a.UniqueID, tq.store.Remove(1, "group/topic", true, 1, gotA[0].UniqueID))
}

func TestRemoveInFlightMarker(t *testing.T) {
	tq := newTestQueue(t, defaultConfig())
	a, b := tq.publish("a", mqtt.AtLeastOnce), tq.publish("b", mqtt.AtLeastOnce)
	tq.store.Add(0, "g/t", true, []*mqtt.Publish{a, b}, 10, mqtt.Discard, false)
	tq.store.ReadNew(0, "g/t", true, []uint16{5}, 1<<20)
	tq.store.ReadNew(0, "g/t", true, []uint16{6}, 1<<20)

	assert.True(t, tq.store.RemoveInFlightMarker(0, "g/t", a.UniqueID))
	assert.False(t, tq.store.RemoveInFlightMarker(0, "g/t", a.UniqueID))

	got := tq.store.ReadNew(0, "g/t", true, []uint16{9}, 1<<20)
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].Topic)
	assert.False(t, got[0].Dup)
}

func TestRemoveAllQos0(t *testing.T) {
	tq := newTestQueue(t, defaultConfig())
	q0 := tq.publish("q0", mqtt.AtMostOnce)
	tq.store.Add(0, "c1", false, []*mqtt.Publish{q0, tq.publish("q1", mqtt.AtLeastOnce)}, 10, mqtt.Discard, false)

	tq.store.RemoveAllQos0(0, "c1", false)
	assert.Equal(t, 1, tq.store.Size(0, "c1", false))
	assert.Zero(t, tq.store.Qos0Memory())
	assert.Equal(t, int64(1), tq.payloads.References(q0.PayloadID))
}

func TestCleanUp(t *testing.T) {
	tq := newTestQueue(t, defaultConfig())
	expiring := func(topic string, qos mqtt.QoS) *mqtt.Publish {
		p := tq.publish(topic, qos)
		p.MessageExpiry = 1
		return p
	}
	tq.store.Add(2, "c1", false, []*mqtt.Publish{expiring("c1/q0", mqtt.AtMostOnce), expiring("c1/inflight", mqtt.AtLeastOnce), expiring("c1/queued", mqtt.AtLeastOnce)}, 10, mqtt.Discard, false)
	tq.store.ReadNew(2, "c1", false, []uint16{1}, 1<<20)
	tq.store.Add(2, "g/t", true, []*mqtt.Publish{expiring("g/t", mqtt.AtLeastOnce)}, 10, mqtt.Discard, false)
	tq.store.Add(2, "g/keep", true, []*mqtt.Publish{tq.publish("g/keep", mqtt.AtLeastOnce)}, 10, mqtt.Discard, false)

	tq.now = tq.now.Add(5 * time.Second)
	emptied := tq.store.CleanUp(2)

	assert.True(t, emptied.Contains("g/t"))
	assert.Equal(t, 1, emptied.Cardinality())
	assert.Equal(t, 1, tq.store.Size(2, "c1", false), "in-flight message survives")
	assert.Equal(t, 1, tq.store.Size(2, "g/keep", true))
	assert.Zero(t, tq.store.Qos0Memory())
}

func TestCleanUpInflightExpiry(t *testing.T) {
	cfg := defaultConfig()
	cfg.InflightExpiry = true
	tq := newTestQueue(t, cfg)
	p := tq.publish("a", mqtt.AtLeastOnce)
	p.MessageExpiry = 1
	tq.store.Add(0, "c1", false, []*mqtt.Publish{p}, 10, mqtt.Discard, false)
	tq.store.ReadNew(0, "c1", false, []uint16{1}, 1<<20)

	tq.now = tq.now.Add(2 * time.Second)
	assert.Zero(t, tq.store.CleanUp(0).Cardinality())
	assert.Zero(t, tq.store.Size(0, "c1", false))
	assert.Equal(t, int64(1), tq.payloads.References(p.PayloadID))
}

func assertInflightPrefix(t *testing.T, s *Store, bucket int, key Key) {
	t.Helper()
	q := s.queue(bucket, key)
	if q == nil {
		return
	}
	seenQueued := false
	for el := q.messages.Front(); el != nil; el = el.Next() {
		inflight := el.Value.(*entry).inflight()
		if inflight && seenQueued {
			t.Fatalf("in-flight message after a queued one")
		}
		if !inflight {
			seenQueued = true
		}
	}
}

func TestInflightMessagesStayContiguous(t *testing.T) {
	tq := newTestQueue(t, defaultConfig())
	rnd := rand.New(rand.NewPCG(1, 2))
	key := Key{QueueID: "c1"}
	pool := mqtt.NewPacketIDPool()
	var inflight []uint16

	for step := 0; step < 2000; step++ {
		switch rnd.IntN(4) {
		case 0, 1:
			qos := mqtt.QoS(rnd.IntN(3))
			tq.store.Add(0, key.QueueID, false, []*mqtt.Publish{tq.publish(fmt.Sprintf("s%d", step), qos)}, 20, mqtt.QueuedMessagesStrategy(rnd.IntN(2)), rnd.IntN(5) == 0)
		case 2:
			ids := pool.Reserve(rnd.IntN(4) + 1)
			got := tq.store.ReadNew(0, key.QueueID, false, ids, 1<<20)
			used := make(map[uint16]bool)
			for _, p := range got {
				if p.PacketID != 0 {
					used[p.PacketID] = true
					inflight = append(inflight, p.PacketID)
				}
			}
			for _, id := range ids {
				if !used[id] {
					pool.Release(id)
				}
			}
		case 3:
			if len(inflight) == 0 {
				continue
			}
			i := rnd.IntN(len(inflight))
			id := inflight[i]
			inflight = append(inflight[:i], inflight[i+1:]...)
			if tq.store.Remove(0, key.QueueID, false, id, "") != "" {
				pool.Release(id)
			}
		}
		assertInflightPrefix(t, tq.store, 0, key)
	}
}
