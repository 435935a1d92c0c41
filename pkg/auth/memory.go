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


package auth

import (
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
)

type user struct {
	hash      string
	salt      string
	algorithm HashAlgorithm
	enabled   bool
}

// Memory authenticates against users held in memory. Unknown usernames are
// ignored so later authenticators in the chain can decide.
type Memory struct {
	mu    sync.RWMutex
	users map[string]user
}

var _ Authenticator = (*Memory)(nil)

// NewMemory returns an empty authenticator.
func NewMemory() *Memory {
	return &Memory{users: make(map[string]user)}
}

// Name implements Authenticator.
func (m *Memory) Name() string { return "memory" }

// AddUser adds or replaces a user. The password is hashed with algorithm.
func (m *Memory) AddUser(username, password string, algorithm HashAlgorithm, enabled bool) error {
	if username == "" {
		return ErrEmptyUsername
	}
	var salt string
	if algorithm == HashSHA256 {
		salt = uuid.NewString()
	}
	hash, err := hashPassword(password, salt, algorithm)
	if err != nil {
		return fmt.Errorf("user %s: %w", username, err)
	}
	m.mu.Lock()
	m.users[username] = user{hash: hash, salt: salt, algorithm: algorithm, enabled: enabled}
	m.mu.Unlock()
	return nil
}

// RemoveUser deletes a user.
func (m *Memory) RemoveUser(username string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[username]; !ok {
		return fmt.Errorf("%w: %s", ErrUserNotFound, username)
	}
	delete(m.users, username)
	return nil
}

// SetEnabled enables or disables a user.
func (m *Memory) SetEnabled(username string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[username]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUserNotFound, username)
	}
	u.enabled = enabled
	m.users[username] = u
	return nil
}

// Usernames returns the sorted usernames.
func (m *Memory) Usernames() []string {
	m.mu.RLock()
	out := make([]string, 0, len(m.users))
	for name := range m.users {
		out = append(out, name)
	}
	m.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Authenticate implements Authenticator.
func (m *Memory) Authenticate(username, password string) Result {
	if username == "" {
		return Ignore
	}
	m.mu.RLock()
	u, ok := m.users[username]
	m.mu.RUnlock()
	switch {
	case !ok:
		return Ignore
	case !u.enabled:
		return Failure
	case verifyPassword(password, u.hash, u.salt, u.algorithm):
		return Success
	default:
		return Failure
	}
}
