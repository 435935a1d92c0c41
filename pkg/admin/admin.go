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

// Package admin provides the REST API used to inspect and operate a running
// edge broker.
package admin

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/turtacn/emqx-edge/pkg/adapter"
	"github.com/turtacn/emqx-edge/pkg/blacklist"
	"github.com/turtacn/emqx-edge/pkg/bridge"
	"github.com/turtacn/emqx-edge/pkg/event"
	"github.com/turtacn/emqx-edge/pkg/future"
	"github.com/turtacn/emqx-edge/pkg/mqtt"
	"github.com/turtacn/emqx-edge/pkg/publish"
)

// Sender is the publisher id of messages published through the API.
const Sender = "$admin"

const (
	defaultEventLimit = 20
	maxEventLimit     = 1000
)

// Adapters lists and looks up protocol adapters.
type Adapters interface {
	List() []*adapter.Wrapper
	Get(id string) (*adapter.Wrapper, bool)
}

// Bridges lists the bridge forwarders.
type Bridges interface {
	List() []*bridge.Forwarder
}

// Events returns the recent events, newest first.
type Events interface {
	Recent(n int) []event.Event
}

// Sessions reads and overrides the queue limit of client sessions.
type Sessions interface {
	QueueLimit(clientID string) *future.Future[int]
	SetQueueLimit(clientID string, limit int) *future.Future[bool]
}

// Deps are the components the API reads from and operates on.
type Deps struct {
	NodeID      string
	Connections interface{ Len() int }
	Pending     func() int64
	Adapters    Adapters
	Bridges     Bridges
	Events      Events
	Sessions    Sessions
	Blacklist   *blacklist.Manager
	Publisher   publish.Publisher
}

// APIServer provides REST API endpoints for broker management.
type APIServer struct {
	deps    Deps
	started time.Time
}

// APIResponse is the envelope of every response.
type APIResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// Stats is the broker summary.
type Stats struct {
	Node         string `json:"node"`
	Uptime       int64  `json:"uptime"`
	Connections  int    `json:"connections"`
	PendingTasks int64  `json:"pending_tasks"`
	Adapters     int    `json:"adapters"`
	Bridges      int    `json:"bridges"`
}

// AdapterInfo describes one protocol adapter.
type AdapterInfo struct {
	ID         string `json:"id"`
	Type       string `json:"type"`
	State      string `json:"state"`
	Northbound string `json:"northbound"`
	Southbound string `json:"southbound"`
}

// BridgeInfo describes one bridge.
type BridgeInfo struct {
	ID        string `json:"id"`
	ClientID  string `json:"clientid"`
	RemoteURL string `json:"remote_url"`
	Connected bool   `json:"connected"`
}

// QueueLimit is the queue limit override of a client session. Zero means
// the broker default.
type QueueLimit struct {
	ClientID   string `json:"clientid"`
	QueueLimit int    `json:"queue_limit"`
}

// PublishRequest is the body of POST /api/v5/publish.
type PublishRequest struct {
	Topic    string `json:"topic"`
	Payload  string `json:"payload"`
	Encoding string `json:"payload_encoding"`
	QoS      int    `json:"qos"`
	Retain   bool   `json:"retain"`
}

// NewAPIServer creates the API server.
func NewAPIServer(deps Deps) *APIServer {
	return &APIServer{deps: deps, started: time.Now()}
}

// RegisterRoutes registers all API routes.
func (s *APIServer) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/v5/stats", s.handleStats)
	mux.HandleFunc("/api/v5/adapters", s.handleAdapters)
	mux.HandleFunc("/api/v5/adapters/", s.handleAdapterByID)
	mux.HandleFunc("/api/v5/bridges", s.handleBridges)
	mux.HandleFunc("/api/v5/clients/", s.handleClientQueueLimit)
	mux.HandleFunc("/api/v5/events", s.handleEvents)
	mux.HandleFunc("/api/v5/banned", s.handleBanned)
	mux.HandleFunc("/api/v5/publish", s.handlePublish)
}

func (s *APIServer) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	stats := Stats{
		Node:     s.deps.NodeID,
		Uptime:   int64(time.Since(s.started).Seconds()),
		Adapters: len(s.deps.Adapters.List()),
		Bridges:  len(s.deps.Bridges.List()),
	}
	if s.deps.Connections != nil {
		stats.Connections = s.deps.Connections.Len()
	}
	if s.deps.Pending != nil {
		stats.PendingTasks = s.deps.Pending()
	}
	s.writeSuccess(w, stats)
}

func adapterInfo(w *adapter.Wrapper) AdapterInfo {
	return AdapterInfo{
		ID:         w.ID(),
		Type:       w.Config().Type,
		State:      w.State().String(),
		Northbound: w.Northbound().String(),
		Southbound: w.Southbound().String(),
	}
}

func (s *APIServer) handleAdapters(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	wrappers := s.deps.Adapters.List()
	infos := make([]AdapterInfo, 0, len(wrappers))
	for _, wrapper := range wrappers {
		infos = append(infos, adapterInfo(wrapper))
	}
	s.writeSuccess(w, infos)
}

// handleAdapterByID serves /api/v5/adapters/{id} and the start and stop
// actions below it.
func (s *APIServer) handleAdapterByID(w http.ResponseWriter, r *http.Request) {
	id := s.extractIDFromPath(r.URL.Path, "/api/v5/adapters/")
	id, action, _ := strings.Cut(id, "/")
	if id == "" {
		s.writeError(w, http.StatusBadRequest, "Adapter ID is required")
		return
	}
	wrapper, ok := s.deps.Adapters.Get(id)
	if !ok {
		s.writeError(w, http.StatusNotFound, "Adapter not found")
		return
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		s.writeSuccess(w, adapterInfo(wrapper))
	case action == "start" && r.Method == http.MethodPost:
		if err := wrapper.Start(r.Context()); err != nil {
			s.writeError(w, http.StatusConflict, err.Error())
			return
		}
		s.writeSuccess(w, adapterInfo(wrapper))
	case action == "stop" && r.Method == http.MethodPost:
		if err := wrapper.Stop(r.Context()); err != nil {
			s.writeError(w, http.StatusConflict, err.Error())
			return
		}
		s.writeSuccess(w, adapterInfo(wrapper))
	case action != "" && action != "start" && action != "stop":
		s.writeError(w, http.StatusNotFound, "Unknown action")
	default:
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

func (s *APIServer) handleBridges(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	forwarders := s.deps.Bridges.List()
	infos := make([]BridgeInfo, 0, len(forwarders))
	for _, f := range forwarders {
		infos = append(infos, BridgeInfo{
			ID:        f.Config().ID,
			ClientID:  f.ClientID(),
			RemoteURL: f.Config().RemoteURL,
			Connected: f.Connected(),
		})
	}
	s.writeSuccess(w, infos)
}

// handleClientQueueLimit serves /api/v5/clients/{clientid}/queue_limit.
func (s *APIServer) handleClientQueueLimit(w http.ResponseWriter, r *http.Request) {
	clientID, ok := strings.CutSuffix(s.extractIDFromPath(r.URL.Path, "/api/v5/clients/"), "/queue_limit")
	if !ok || clientID == "" {
		s.writeError(w, http.StatusNotFound, "Not found")
		return
	}

	switch r.Method {
	case http.MethodGet:
		limit, err := s.deps.Sessions.QueueLimit(clientID).Await(r.Context())
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		s.writeSuccess(w, QueueLimit{ClientID: clientID, QueueLimit: limit})
	case http.MethodPut:
		var req QueueLimit
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.QueueLimit < 0 {
			s.writeError(w, http.StatusBadRequest, "queue_limit must be a non-negative number")
			return
		}
		found, err := s.deps.Sessions.SetQueueLimit(clientID, req.QueueLimit).Await(r.Context())
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if !found {
			s.writeError(w, http.StatusNotFound, "Session not found")
			return
		}
		s.writeSuccess(w, QueueLimit{ClientID: clientID, QueueLimit: req.QueueLimit})
	default:
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

func (s *APIServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	s.writeSuccess(w, s.deps.Events.Recent(s.getLimit(r)))
}

func (s *APIServer) handleBanned(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.writeSuccess(w, s.deps.Blacklist.List())
	case http.MethodPost:
		var entry blacklist.Entry
		if err := json.NewDecoder(r.Body).Decode(&entry); err != nil {
			s.writeError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
		if err := s.deps.Blacklist.Add(entry); err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.writeJSON(w, http.StatusCreated, APIResponse{Data: entry})
	case http.MethodDelete:
		entry := blacklist.Entry{
			Type:    blacklist.Type(r.URL.Query().Get("type")),
			Value:   r.URL.Query().Get("value"),
			Pattern: r.URL.Query().Get("pattern"),
		}
		if !s.deps.Blacklist.Remove(entry) {
			s.writeError(w, http.StatusNotFound, "Entry not found")
			return
		}
		s.writeSuccess(w, map[string]string{"result": "removed"})
	default:
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

func decodePublish(req PublishRequest) (*mqtt.Publish, error) {
	if req.Topic == "" || strings.ContainsAny(req.Topic, "+#") {
		return nil, errors.New("topic must be a non-empty topic name without wildcards")
	}
	if req.QoS < 0 || req.QoS > int(mqtt.ExactlyOnce) {
		return nil, errors.New("qos must be 0, 1 or 2")
	}
	payload := []byte(req.Payload)
	switch req.Encoding {
	case "", "plain":
	case "base64":
		decoded, err := base64.StdEncoding.DecodeString(req.Payload)
		if err != nil {
			return nil, errors.New("payload is not valid base64")
		}
		payload = decoded
	default:
		return nil, errors.New("payload_encoding must be plain or base64")
	}
	return mqtt.NewPublish(req.Topic, payload, mqtt.QoS(req.QoS), req.Retain), nil
}

func (s *APIServer) handlePublish(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	var req PublishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	p, err := decodePublish(req)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	p.PublisherID = Sender
	result, err := s.deps.Publisher.Publish(r.Context(), p, Sender).Await(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeSuccess(w, map[string]string{"id": p.UniqueID, "result": result.String()})
}

func (s *APIServer) writeSuccess(w http.ResponseWriter, data any) {
	s.writeJSON(w, http.StatusOK, APIResponse{Code: 0, Data: data})
}

func (s *APIServer) writeError(w http.ResponseWriter, statusCode int, message string) {
	s.writeJSON(w, statusCode, APIResponse{Code: statusCode, Message: message})
}

func (s *APIServer) writeJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *APIServer) extractIDFromPath(path, prefix string) string {
	if !strings.HasPrefix(path, prefix) {
		return ""
	}
	return strings.TrimPrefix(path, prefix)
}

func (s *APIServer) getLimit(r *http.Request) int {
	if l, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && l > 0 && l <= maxEventLimit {
		return l
	}
	return defaultEventLimit
}
