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

// Package session keeps the client session records. A session outlives its
// connection for its session expiry interval; a disconnected session that
// expires on disconnect stays as a tombstone until the next cleanup of its
// bucket.
//
// The store is bucketed and, like the queues, owned per bucket by a single
// writer.
package session

import (
	"time"

	"go.uber.org/atomic"

	"github.com/turtacn/emqx-edge/pkg/mqtt"
)

// Will is the last will of a client.
type Will struct {
	Publish *mqtt.Publish
	// DelayInterval is the will delay in seconds.
	DelayInterval int64
}

// Session is the state kept for a client id.
type Session struct {
	ClientID  string
	Connected bool
	// SessionExpiry is the session expiry interval in seconds.
	SessionExpiry int64
	Will          *Will
	// QueueLimit overrides the queued message limit when positive.
	QueueLimit     int
	ConnectedAt    time.Time
	DisconnectedAt time.Time
}

// IsPersistent reports whether the session survives a disconnect.
func (s *Session) IsPersistent() bool {
	return s.SessionExpiry > mqtt.SessionExpireOnDisconnect
}

// Expired reports whether the disconnected session expired at now.
// Tombstones are always expired.
func (s *Session) Expired(now time.Time) bool {
	if s.Connected {
		return false
	}
	if !s.IsPersistent() {
		return true
	}
	if s.SessionExpiry >= mqtt.SessionExpiryMax {
		return false
	}
	return now.Sub(s.DisconnectedAt) >= time.Duration(s.SessionExpiry)*time.Second
}

// WillDelay returns the delay before the will of a client disconnected at
// the session's disconnect time is published: the will delay, capped by the
// session expiry.
func (s *Session) WillDelay() time.Duration {
	if s.Will == nil {
		return 0
	}
	delay := min(s.Will.DelayInterval, s.SessionExpiry)
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay) * time.Second
}

func (s *Session) copy() *Session {
	c := *s
	if s.Will != nil {
		w := *s.Will
		if w.Publish != nil {
			w.Publish = w.Publish.Copy()
		}
		c.Will = &w
	}
	return &c
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// Store holds sessions per bucket, keyed by client id.
type Store struct {
	now       func() time.Time
	connected *atomic.Int64
	buckets   []map[string]*Session
}

// NewStore creates a store with bucketCount buckets.
func NewStore(bucketCount int, opts ...Option) *Store {
	s := &Store{
		now:       time.Now,
		connected: atomic.NewInt64(0),
		buckets:   make([]map[string]*Session, bucketCount),
	}
	for i := range s.buckets {
		s.buckets[i] = make(map[string]*Session)
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ConnectResult describes the session a client connected to.
type ConnectResult struct {
	// SessionPresent is set when an unexpired session was resumed.
	SessionPresent bool
	// PendingWill is the will of the previous connection that had not been
	// published yet, and must now be discarded.
	PendingWill *Will
}

// Connect marks clientID connected with the given session parameters. A
// clean start, or a previous session that expired, starts a fresh session.
// A resumed session keeps its queue limit unless queueLimit overrides it.
func (s *Store) Connect(bucket int, clientID string, cleanStart bool, sessionExpiry int64, will *Will, queueLimit int) ConnectResult {
	now := s.now()
	var result ConnectResult
	prev, ok := s.buckets[bucket][clientID]
	if ok {
		if prev.Connected {
			s.connected.Dec()
		}
		if !prev.Connected && prev.Will != nil {
			result.PendingWill = prev.Will
		}
		result.SessionPresent = !cleanStart && !prev.Expired(now)
		if result.SessionPresent && queueLimit <= 0 {
			queueLimit = prev.QueueLimit
		}
	}
	s.buckets[bucket][clientID] = &Session{
		ClientID:      clientID,
		Connected:     true,
		SessionExpiry: sessionExpiry,
		Will:          will,
		QueueLimit:    queueLimit,
		ConnectedAt:   now,
	}
	s.connected.Inc()
	return result
}

// Disconnect marks clientID disconnected and returns the session as it was
// left. sessionExpiry replaces the interval when not nil. The will is kept
// on the session unless clearWill is set.
func (s *Store) Disconnect(bucket int, clientID string, sessionExpiry *int64, clearWill bool) (*Session, bool) {
	sess, ok := s.buckets[bucket][clientID]
	if !ok || !sess.Connected {
		return nil, false
	}
	sess.Connected = false
	sess.DisconnectedAt = s.now()
	if sessionExpiry != nil {
		sess.SessionExpiry = *sessionExpiry
	}
	if clearWill {
		sess.Will = nil
	}
	s.connected.Dec()
	return sess.copy(), true
}

// TakeWill removes and returns the will of a disconnected client.
func (s *Store) TakeWill(bucket int, clientID string) *Will {
	sess, ok := s.buckets[bucket][clientID]
	if !ok || sess.Connected || sess.Will == nil {
		return nil
	}
	will := sess.Will
	sess.Will = nil
	return will
}

// Get returns a copy of the session of clientID. Expired sessions and
// tombstones are absent.
func (s *Store) Get(bucket int, clientID string) (*Session, bool) {
	sess, ok := s.buckets[bucket][clientID]
	if !ok || sess.Expired(s.now()) {
		return nil, false
	}
	return sess.copy(), true
}

// SetQueueLimit overrides the queued message limit of clientID.
func (s *Store) SetQueueLimit(bucket int, clientID string, limit int) bool {
	sess, ok := s.buckets[bucket][clientID]
	if !ok {
		return false
	}
	sess.QueueLimit = limit
	return true
}

// CleanUp removes the expired sessions and tombstones of bucket and returns
// them.
func (s *Store) CleanUp(bucket int) []*Session {
	now := s.now()
	var expired []*Session
	for clientID, sess := range s.buckets[bucket] {
		if sess.Expired(now) {
			delete(s.buckets[bucket], clientID)
			expired = append(expired, sess)
		}
	}
	return expired
}

// All returns copies of the sessions of bucket, tombstones included.
func (s *Store) All(bucket int) []*Session {
	out := make([]*Session, 0, len(s.buckets[bucket]))
	for _, sess := range s.buckets[bucket] {
		out = append(out, sess.copy())
	}
	return out
}

// ConnectedCount returns the number of connected sessions.
func (s *Store) ConnectedCount() int64 {
	return s.connected.Load()
}
