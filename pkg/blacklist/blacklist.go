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

// Package blacklist bans clients by client id, username or address before
// their session is created.
package blacklist

import (
	"errors"
	"fmt"
	"net"
	"regexp"
	"sort"
	"sync"
	"time"
)

// Type is what an entry matches against.
type Type string

const (
	ClientID  Type = "clientid"
	Username  Type = "username"
	IPAddress Type = "ipaddress"
)

var (
	ErrInvalidType    = errors.New("invalid blacklist type")
	ErrInvalidPattern = errors.New("invalid blacklist pattern")
	ErrEmptyValue     = errors.New("blacklist value cannot be empty")
)

// Entry bans the clients matching Value exactly, or matching Pattern when it
// is set. IP address values may be a CIDR.
type Entry struct {
	Type      Type       `yaml:"type" json:"type"`
	Value     string     `yaml:"value" json:"value"`
	Pattern   string     `yaml:"pattern,omitempty" json:"pattern,omitempty"`
	Reason    string     `yaml:"reason,omitempty" json:"reason,omitempty"`
	ExpiresAt *time.Time `yaml:"expires_at,omitempty" json:"expires_at,omitempty"`
}

// Validate checks the entry.
func (e Entry) Validate() error {
	switch e.Type {
	case ClientID, Username, IPAddress:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidType, e.Type)
	}
	if e.Value == "" && e.Pattern == "" {
		return ErrEmptyValue
	}
	if e.Pattern != "" {
		if _, err := regexp.Compile(e.Pattern); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidPattern, err)
		}
	}
	return nil
}

func (e Entry) expired(now time.Time) bool {
	return e.ExpiresAt != nil && !now.Before(*e.ExpiresAt)
}

func (e Entry) key() string {
	return string(e.Type) + "|" + e.Value + "|" + e.Pattern
}

type compiled struct {
	Entry
	pattern *regexp.Regexp
	network *net.IPNet
}

func (c *compiled) matches(value string) bool {
	if value == "" {
		return false
	}
	if c.pattern != nil {
		return c.pattern.MatchString(value)
	}
	if c.network != nil {
		ip := net.ParseIP(value)
		return ip != nil && c.network.Contains(ip)
	}
	return c.Value == value
}

// ClientInfo identifies a connecting client.
type ClientInfo struct {
	ClientID  string
	Username  string
	IPAddress string
}

func (ci ClientInfo) value(t Type) string {
	switch t {
	case ClientID:
		return ci.ClientID
	case Username:
		return ci.Username
	default:
		return ci.IPAddress
	}
}

// Manager holds the blacklist entries. The zero value is not usable; use
// NewManager.
type Manager struct {
	mu      sync.RWMutex
	entries map[string]*compiled
	now     func() time.Time
}

// NewManager creates a manager holding entries.
func NewManager(entries ...Entry) (*Manager, error) {
	m := &Manager{entries: make(map[string]*compiled), now: time.Now}
	if err := m.Replace(entries...); err != nil {
		return nil, err
	}
	return m, nil
}

func compile(e Entry) (*compiled, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	c := &compiled{Entry: e}
	if e.Pattern != "" {
		c.pattern = regexp.MustCompile(e.Pattern)
	} else if e.Type == IPAddress {
		if _, network, err := net.ParseCIDR(e.Value); err == nil {
			c.network = network
		}
	}
	return c, nil
}

// Add adds or replaces an entry.
func (m *Manager) Add(e Entry) error {
	c, err := compile(e)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[e.key()] = c
	return nil
}

// Remove removes the entry with the given type, value and pattern and
// reports whether it existed.
func (m *Manager) Remove(e Entry) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[e.key()]; !ok {
		return false
	}
	delete(m.entries, e.key())
	return true
}

// Replace swaps every entry for entries. Nothing changes on error.
func (m *Manager) Replace(entries ...Entry) error {
	next := make(map[string]*compiled, len(entries))
	for _, e := range entries {
		c, err := compile(e)
		if err != nil {
			return err
		}
		next[e.key()] = c
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = next
	return nil
}

// List returns the entries that have not expired, ordered by type and value.
func (m *Manager) List() []Entry {
	now := m.now()
	m.mu.RLock()
	list := make([]Entry, 0, len(m.entries))
	for _, c := range m.entries {
		if !c.expired(now) {
			list = append(list, c.Entry)
		}
	}
	m.mu.RUnlock()
	sort.Slice(list, func(i, j int) bool { return list[i].key() < list[j].key() })
	return list
}

// Check returns the first unexpired entry banning the client, nil when it
// may connect.
func (m *Manager) Check(ci ClientInfo) *Entry {
	now := m.now()
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, c := range m.entries {
		if c.expired(now) {
			continue
		}
		if c.matches(ci.value(c.Type)) {
			e := c.Entry
			return &e
		}
	}
	return nil
}

// RemoveExpired drops expired entries and returns how many were removed.
func (m *Manager) RemoveExpired() int {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for key, c := range m.entries {
		if c.expired(now) {
			delete(m.entries, key)
			removed++
		}
	}
	return removed
}
