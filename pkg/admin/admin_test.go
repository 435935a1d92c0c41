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

package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/emqx-edge/pkg/adapter"
	"github.com/turtacn/emqx-edge/pkg/adapter/simulation"
	"github.com/turtacn/emqx-edge/pkg/blacklist"
	"github.com/turtacn/emqx-edge/pkg/bridge"
	"github.com/turtacn/emqx-edge/pkg/event"
	"github.com/turtacn/emqx-edge/pkg/future"
	"github.com/turtacn/emqx-edge/pkg/mqtt"
	"github.com/turtacn/emqx-edge/pkg/publish"
	"github.com/turtacn/emqx-edge/pkg/scheduler"
)

type recordingPublisher struct {
	mu        sync.Mutex
	published []*mqtt.Publish
}

func (p *recordingPublisher) Publish(_ context.Context, pub *mqtt.Publish, _ string) *future.Future[mqtt.PublishingResult] {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published = append(p.published, pub)
	return future.Completed(mqtt.NoMatchingSubscribers)
}

type stubSessions struct {
	mu     sync.Mutex
	limits map[string]int
}

func (s *stubSessions) QueueLimit(clientID string) *future.Future[int] {
	s.mu.Lock()
	defer s.mu.Unlock()
	return future.Completed(s.limits[clientID])
}

func (s *stubSessions) SetQueueLimit(clientID string, limit int) *future.Future[bool] {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.limits[clientID]; !ok {
		return future.Completed(false)
	}
	s.limits[clientID] = limit
	return future.Completed(true)
}

type fixture struct {
	server    *httptest.Server
	publisher *recordingPublisher
	adapters  *adapter.Registry
	events    *event.Service
	sessions  *stubSessions
	bans      *blacklist.Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	sched := scheduler.New()
	sched.Start(context.Background())
	t.Cleanup(func() { sched.Stop(context.Background()) })

	f := &fixture{
		publisher: &recordingPublisher{},
		events:    event.NewService(nil, 16),
		sessions:  &stubSessions{limits: map[string]int{"c1": 0}},
	}
	f.adapters = adapter.NewRegistry(adapter.Services{
		Publisher: f.publisher,
		Events:    f.events,
		Polling:   adapter.NewPollingService(sched, adapter.PollingConfig{}),
	})
	require.NoError(t, f.adapters.RegisterFactory(simulation.Factory()))
	_, err := f.adapters.Create(adapter.Config{ID: "sim-1", Type: simulation.Type, PollingIntervalMillis: 3_600_000})
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.adapters.StopAll(context.Background()) })

	f.bans, err = blacklist.NewManager()
	require.NoError(t, err)

	conns := publish.NewConnections()
	api := NewAPIServer(Deps{
		NodeID:      "edge-1",
		Connections: conns,
		Pending:     func() int64 { return 3 },
		Adapters:    f.adapters,
		Bridges:     bridge.NewRegistry(conns),
		Events:      f.events,
		Sessions:    f.sessions,
		Blacklist:   f.bans,
		Publisher:   f.publisher,
	})
	mux := http.NewServeMux()
	api.RegisterRoutes(mux)
	f.server = httptest.NewServer(mux)
	t.Cleanup(f.server.Close)
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string, data any) int {
	t.Helper()
	req, err := http.NewRequest(method, f.server.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var envelope struct {
		Code    int             `json:"code"`
		Message string          `json:"message"`
		Data    json.RawMessage `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
	if data != nil && len(envelope.Data) > 0 {
		require.NoError(t, json.Unmarshal(envelope.Data, data))
	}
	return resp.StatusCode
}

func TestStats(t *testing.T) {
	f := newFixture(t)
	var stats Stats
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/v5/stats", "", &stats))
	assert.Equal(t, "edge-1", stats.Node)
	assert.Equal(t, 1, stats.Adapters)
	assert.Zero(t, stats.Bridges)
	assert.Equal(t, int64(3), stats.PendingTasks)

	assert.Equal(t, http.StatusMethodNotAllowed, f.do(t, http.MethodPost, "/api/v5/stats", "", nil))
}

func TestAdapters(t *testing.T) {
	f := newFixture(t)
	var list []AdapterInfo
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/v5/adapters", "", &list))
	require.Len(t, list, 1)
	assert.Equal(t, "sim-1", list[0].ID)
	assert.Equal(t, adapter.StateStopped.String(), list[0].State)

	var info AdapterInfo
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/api/v5/adapters/sim-1/start", "", &info))
	assert.Equal(t, adapter.StateStarted.String(), info.State)
	assert.Equal(t, http.StatusConflict, f.do(t, http.MethodPost, "/api/v5/adapters/sim-1/start", "", nil))

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/api/v5/adapters/sim-1/stop", "", &info))
	assert.Equal(t, adapter.StateStopped.String(), info.State)

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/v5/adapters/sim-1", "", &info))
	assert.Equal(t, simulation.Type, info.Type)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/v5/adapters/none", "", nil))
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/api/v5/adapters/sim-1/restart", "", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, f.do(t, http.MethodDelete, "/api/v5/adapters/sim-1", "", nil))
}

func TestBridgesAndEvents(t *testing.T) {
	f := newFixture(t)
	var bridges []BridgeInfo
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/v5/bridges", "", &bridges))
	assert.Empty(t, bridges)

	f.events.AdapterInfo("sim-1", "first")
	f.events.AdapterError("sim-1", "second", nil)
	var events []event.Event
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/v5/events?limit=1", "", &events))
	require.Len(t, events, 1)
	assert.Equal(t, "second", events[0].Message)
}

func TestBanned(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, http.StatusCreated,
		f.do(t, http.MethodPost, "/api/v5/banned", `{"type":"clientid","value":"rogue","reason":"flooding"}`, nil))
	assert.NotNil(t, f.bans.Check(blacklist.ClientInfo{ClientID: "rogue"}))
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/api/v5/banned", `{"type":"topic","value":"a"}`, nil))
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/api/v5/banned", `{`, nil))

	var entries []blacklist.Entry
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/v5/banned", "", &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, "flooding", entries[0].Reason)

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodDelete, "/api/v5/banned?type=clientid&value=rogue", "", nil))
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodDelete, "/api/v5/banned?type=clientid&value=rogue", "", nil))
	assert.Nil(t, f.bans.Check(blacklist.ClientInfo{ClientID: "rogue"}))
}

func TestPublish(t *testing.T) {
	f := newFixture(t)
	var result map[string]string
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/api/v5/publish",
		`{"topic":"plant/cmd","payload":"aGVsbG8=","payload_encoding":"base64","qos":1,"retain":true}`, &result))
	assert.Equal(t, mqtt.NoMatchingSubscribers.String(), result["result"])

	require.Len(t, f.publisher.published, 1)
	p := f.publisher.published[0]
	assert.Equal(t, "plant/cmd", p.Topic)
	assert.Equal(t, []byte("hello"), p.Payload)
	assert.Equal(t, mqtt.AtLeastOnce, p.QoS)
	assert.True(t, p.Retain)
	assert.Equal(t, Sender, p.PublisherID)
	assert.Equal(t, p.UniqueID, result["id"])

	for _, body := range []string{
		`{"topic":"plant/+","payload":"x"}`,
		`{"topic":"","payload":"x"}`,
		`{"topic":"a","qos":3}`,
		`{"topic":"a","payload":"!","payload_encoding":"base64"}`,
		`{"topic":"a","payload_encoding":"hex"}`,
	} {
		assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/api/v5/publish", body, nil), body)
	}
	assert.Equal(t, http.StatusMethodNotAllowed, f.do(t, http.MethodGet, "/api/v5/publish", "", nil))
}

func TestClientQueueLimit(t *testing.T) {
	f := newFixture(t)
	var limit QueueLimit
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodPut, "/api/v5/clients/c1/queue_limit", `{"queue_limit":25}`, &limit))
	assert.Equal(t, QueueLimit{ClientID: "c1", QueueLimit: 25}, limit)

	limit = QueueLimit{}
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/v5/clients/c1/queue_limit", "", &limit))
	assert.Equal(t, 25, limit.QueueLimit)

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPut, "/api/v5/clients/gone/queue_limit", `{"queue_limit":5}`, nil))
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPut, "/api/v5/clients/c1/queue_limit", `{"queue_limit":-1}`, nil))
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/v5/clients/c1", "", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, f.do(t, http.MethodPost, "/api/v5/clients/c1/queue_limit", "", nil))
}
