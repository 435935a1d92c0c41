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

// Package payload stores message payloads once and shares them between every
// queue and retained entry referencing them.
package payload

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/atomic"
)

// ErrPayloadNotFound is returned for an id without a stored payload.
var ErrPayloadNotFound = errors.New("payload not found")

const shardCount = 64

type entry struct {
	data []byte
	refs int64
}

type shard struct {
	mu      sync.RWMutex
	entries map[uint64]*entry
}

// Store is a reference counted payload store, safe for concurrent use.
type Store struct {
	nextID *atomic.Uint64
	size   *atomic.Int64
	shards [shardCount]*shard
}

// NewStore creates an empty store.
func NewStore() *Store {
	s := &Store{
		nextID: atomic.NewUint64(0),
		size:   atomic.NewInt64(0),
	}
	for i := range s.shards {
		s.shards[i] = &shard{entries: make(map[uint64]*entry)}
	}
	return s
}

func (s *Store) shard(id uint64) *shard {
	return s.shards[id%shardCount]
}

// Add stores data with a reference count of one and returns its id.
func (s *Store) Add(data []byte) uint64 {
	id := s.nextID.Inc()
	sh := s.shard(id)
	sh.mu.Lock()
	sh.entries[id] = &entry{data: data, refs: 1}
	sh.mu.Unlock()
	s.size.Add(int64(len(data)))
	return id
}

// Increment adds one reference to id.
func (s *Store) Increment(id uint64) error {
	sh := s.shard(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, ok := sh.entries[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrPayloadNotFound, id)
	}
	e.refs++
	return nil
}

// Decrement drops one reference to id and removes the payload when none remain.
func (s *Store) Decrement(id uint64) error {
	sh := s.shard(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, ok := sh.entries[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrPayloadNotFound, id)
	}
	e.refs--
	if e.refs <= 0 {
		delete(sh.entries, id)
		s.size.Sub(int64(len(e.data)))
	}
	return nil
}

// Get returns the payload of id.
func (s *Store) Get(id uint64) ([]byte, error) {
	sh := s.shard(id)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	e, ok := sh.entries[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrPayloadNotFound, id)
	}
	return e.data, nil
}

// References returns the reference count of id, 0 when absent.
func (s *Store) References(id uint64) int64 {
	sh := s.shard(id)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	if e, ok := sh.entries[id]; ok {
		return e.refs
	}
	return 0
}

// Size returns the total number of payload bytes stored.
func (s *Store) Size() int64 {
	return s.size.Load()
}
