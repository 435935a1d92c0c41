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

package publish

import (
	"sync"

	"go.uber.org/atomic"

	"github.com/turtacn/emqx-edge/pkg/mqtt"
)

// Connection is the delivery side of a connected client as seen by the
// poll service.
type Connection interface {
	ClientID() string
	Connected() bool
	// ReceiveMaximum is the in-flight window negotiated with the client.
	ReceiveMaximum() int
	Inflight() *atomic.Int64
	PacketIDs() *mqtt.PacketIDPool
	SharedInflight() *SharedInflight
	SendPublish(p *mqtt.Publish) error
	SendPubRel(r *mqtt.PubRel) error
}

// ConnectionRegistry looks up the connection of a client.
type ConnectionRegistry interface {
	Get(clientID string) (Connection, bool)
}

// Connections is a concurrent ConnectionRegistry.
type Connections struct {
	mu    sync.RWMutex
	conns map[string]Connection
}

// NewConnections returns an empty registry.
func NewConnections() *Connections {
	return &Connections{conns: make(map[string]Connection)}
}

// Register adds conn, returning the connection it took over from.
func (c *Connections) Register(conn Connection) (Connection, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev, ok := c.conns[conn.ClientID()]
	c.conns[conn.ClientID()] = conn
	return prev, ok
}

// Unregister removes conn if it is still the registered connection of its
// client.
func (c *Connections) Unregister(conn Connection) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.conns[conn.ClientID()]; ok && cur == conn {
		delete(c.conns, conn.ClientID())
		return true
	}
	return false
}

// Get implements ConnectionRegistry.
func (c *Connections) Get(clientID string) (Connection, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	conn, ok := c.conns[clientID]
	return conn, ok
}

// Len returns the number of registered connections.
func (c *Connections) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.conns)
}

// SharedEntry is a shared queue message in flight to one member.
type SharedEntry struct {
	PacketID uint16
	GroupID  string
	UniqueID string
}

// SharedInflight tracks the shared messages in flight on a connection, so
// acknowledgements reach the group queue and unacknowledged messages can be
// handed back when the member goes away.
type SharedInflight struct {
	mu      sync.Mutex
	entries map[uint16]SharedEntry
}

// NewSharedInflight returns an empty tracker.
func NewSharedInflight() *SharedInflight {
	return &SharedInflight{entries: make(map[uint16]SharedEntry)}
}

// Track records a message sent with packetID.
func (s *SharedInflight) Track(packetID uint16, groupID, uniqueID string) {
	s.mu.Lock()
	s.entries[packetID] = SharedEntry{PacketID: packetID, GroupID: groupID, UniqueID: uniqueID}
	s.mu.Unlock()
}

// Get returns the entry of packetID.
func (s *SharedInflight) Get(packetID uint16) (SharedEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[packetID]
	return e, ok
}

// Take removes and returns the entry of packetID.
func (s *SharedInflight) Take(packetID uint16) (SharedEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[packetID]
	delete(s.entries, packetID)
	return e, ok
}

// Drain removes and returns every entry.
func (s *SharedInflight) Drain() []SharedEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SharedEntry, 0, len(s.entries))
	for id, e := range s.entries {
		out = append(out, e)
		delete(s.entries, id)
	}
	return out
}

// BridgeOverrides adjusts queuing for a bridge forwarder client.
type BridgeOverrides struct {
	// QueueLimit replaces the queued message limit when positive.
	QueueLimit int
	// Persist keeps queuing while the forwarder is disconnected.
	Persist bool
}

// BridgeResolver tells whether a client id belongs to a bridge forwarder.
type BridgeResolver interface {
	Forwarder(clientID string) (BridgeOverrides, bool)
}

type noBridges struct{}

func (noBridges) Forwarder(string) (BridgeOverrides, bool) { return BridgeOverrides{}, false }
