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
	"github.com/turtacn/emqx-edge/pkg/future"
	"github.com/turtacn/emqx-edge/pkg/mqtt"
	"github.com/turtacn/emqx-edge/pkg/session"
	"github.com/turtacn/emqx-edge/pkg/singlewriter"
)

// Sessions runs session operations on the client session domain, keyed by
// client id.
type Sessions struct {
	producer *singlewriter.ProducerQueues
	store    *session.Store
}

// NewSessions binds store to producer.
func NewSessions(producer *singlewriter.ProducerQueues, store *session.Store) *Sessions {
	return &Sessions{producer: producer, store: store}
}

// Connect records the connection of clientID. An invalid session expiry is
// rejected before anything is submitted.
func (s *Sessions) Connect(clientID string, cleanStart bool, sessionExpiry int64, will *session.Will, queueLimit int) (*future.Future[session.ConnectResult], error) {
	if err := mqtt.ValidateSessionExpiry(sessionExpiry); err != nil {
		return nil, err
	}
	return singlewriter.Submit(s.producer, clientID, func(bucket int) (session.ConnectResult, error) {
		return s.store.Connect(bucket, clientID, cleanStart, sessionExpiry, will, queueLimit), nil
	}), nil
}

// Disconnect records the disconnection of clientID and returns the session
// left behind, nil when the client was not connected.
func (s *Sessions) Disconnect(clientID string, sessionExpiry *int64, clearWill bool) (*future.Future[*session.Session], error) {
	if sessionExpiry != nil {
		if err := mqtt.ValidateSessionExpiry(*sessionExpiry); err != nil {
			return nil, err
		}
	}
	return singlewriter.Submit(s.producer, clientID, func(bucket int) (*session.Session, error) {
		sess, _ := s.store.Disconnect(bucket, clientID, sessionExpiry, clearWill)
		return sess, nil
	}), nil
}

// Get returns the session of clientID, nil when absent or expired.
func (s *Sessions) Get(clientID string) *future.Future[*session.Session] {
	return singlewriter.Submit(s.producer, clientID, func(bucket int) (*session.Session, error) {
		sess, _ := s.store.Get(bucket, clientID)
		return sess, nil
	})
}

// TakeWill removes the pending will of a disconnected client.
func (s *Sessions) TakeWill(clientID string) *future.Future[*session.Will] {
	return singlewriter.Submit(s.producer, clientID, func(bucket int) (*session.Will, error) {
		return s.store.TakeWill(bucket, clientID), nil
	})
}

// SetQueueLimit overrides the queue limit of clientID.
func (s *Sessions) SetQueueLimit(clientID string, limit int) *future.Future[bool] {
	return singlewriter.Submit(s.producer, clientID, func(bucket int) (bool, error) {
		return s.store.SetQueueLimit(bucket, clientID, limit), nil
	})
}

// QueueLimit returns the queue limit override of clientID, zero when the
// client has no session or no override.
func (s *Sessions) QueueLimit(clientID string) *future.Future[int] {
	return singlewriter.Submit(s.producer, clientID, func(bucket int) (int, error) {
		sess, ok := s.store.Get(bucket, clientID)
		if !ok {
			return 0, nil
		}
		return sess.QueueLimit, nil
	})
}

// CleanUp removes the expired sessions of bucket and returns them.
func (s *Sessions) CleanUp(bucket int) *future.Future[[]*session.Session] {
	return singlewriter.SubmitBucket(s.producer, bucket, func(bucket int) ([]*session.Session, error) {
		return s.store.CleanUp(bucket), nil
	})
}
