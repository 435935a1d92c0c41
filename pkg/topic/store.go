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

// Package topic provides a thread-safe, in-memory subscription tree. It maps
// topic filters to the clients subscribed to them and resolves the receivers
// of a published topic: direct subscribers, and shared subscription groups
// ($share/<group>/<filter>) which are delivered through a group queue.
package topic

import (
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/turtacn/emqx-edge/pkg/mqtt"
)

const sharePrefix = "$share/"

// ErrInvalidFilter is returned for malformed topic filters.
var ErrInvalidFilter = errors.New("invalid topic filter")

// Subscription is a subscription of one client to one topic filter.
type Subscription struct {
	ClientID string
	// Filter is the subscribed filter without the $share/<group>/ prefix.
	Filter            string
	Group             string
	QoS               mqtt.QoS
	NoLocal           bool
	RetainAsPublished bool
	// SubscriptionIdentifier is 0 when absent.
	SubscriptionIdentifier int
}

// Shared reports whether the subscription belongs to a shared group.
func (s Subscription) Shared() bool {
	return s.Group != ""
}

// GroupID returns the identifier of the shared group queue, "" for direct
// subscriptions.
func (s Subscription) GroupID() string {
	if s.Group == "" {
		return ""
	}
	return SharedGroupID(s.Group, s.Filter)
}

// FullFilter returns the filter as the client subscribed it.
func (s Subscription) FullFilter() string {
	if s.Group == "" {
		return s.Filter
	}
	return sharePrefix + s.Group + "/" + s.Filter
}

// Subscriber is a client receiving a publish directly.
type Subscriber struct {
	ClientID                string
	QoS                     mqtt.QoS
	NoLocal                 bool
	RetainAsPublished       bool
	SubscriptionIdentifiers []int
}

// Subscribers holds the receivers of a topic.
type Subscribers struct {
	Direct       []Subscriber
	SharedGroups []string
}

// Empty reports whether nobody receives the topic.
func (s Subscribers) Empty() bool {
	return len(s.Direct) == 0 && len(s.SharedGroups) == 0
}

type sharedGroup struct {
	group   string
	filter  string
	members map[string]*Subscription
}

// Store provides a thread-safe mapping of topic filters to subscriptions.
type Store struct {
	mu            sync.RWMutex
	subscriptions map[string]map[string]*Subscription // filter -> client id
	shared        map[string]*sharedGroup             // key: "group/filter"
	byClient      map[string]map[string]struct{}      // client id -> full filters
}

// NewStore creates and initializes a new, empty topic Store.
func NewStore() *Store {
	return &Store{
		subscriptions: make(map[string]map[string]*Subscription),
		shared:        make(map[string]*sharedGroup),
		byClient:      make(map[string]map[string]struct{}),
	}
}

// SharedGroupID returns the queue identifier of a shared group.
func SharedGroupID(group, filter string) string {
	return group + "/" + filter
}

// ParseFilter splits a subscribed filter into its shared group and the topic
// filter, and validates both.
func ParseFilter(filter string) (group, topicFilter string, err error) {
	topicFilter = filter
	if strings.HasPrefix(filter, sharePrefix) {
		parts := strings.SplitN(filter, "/", 3)
		if len(parts) != 3 || parts[1] == "" || strings.ContainsAny(parts[1], "+#") {
			return "", "", ErrInvalidFilter
		}
		group, topicFilter = parts[1], parts[2]
	}
	if err := ValidateFilter(topicFilter); err != nil {
		return "", "", err
	}
	return group, topicFilter, nil
}

// ValidateFilter checks the placement of wildcards in filter.
func ValidateFilter(filter string) error {
	if filter == "" {
		return ErrInvalidFilter
	}
	levels := strings.Split(filter, "/")
	for i, level := range levels {
		switch {
		case level == "#" && i != len(levels)-1:
			return ErrInvalidFilter
		case level != "#" && level != "+" && strings.ContainsAny(level, "+#"):
			return ErrInvalidFilter
		}
	}
	return nil
}

// Subscribe adds or replaces the subscription of sub.ClientID to its filter.
// It reports whether a subscription to the same filter existed.
func (s *Store) Subscribe(sub Subscription) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := sub
	var existed bool
	if sub.Shared() {
		key := sub.GroupID()
		g, ok := s.shared[key]
		if !ok {
			g = &sharedGroup{group: sub.Group, filter: sub.Filter, members: make(map[string]*Subscription)}
			s.shared[key] = g
		}
		_, existed = g.members[sub.ClientID]
		g.members[sub.ClientID] = &stored
	} else {
		subs, ok := s.subscriptions[sub.Filter]
		if !ok {
			subs = make(map[string]*Subscription)
			s.subscriptions[sub.Filter] = subs
		}
		_, existed = subs[sub.ClientID]
		subs[sub.ClientID] = &stored
	}

	filters, ok := s.byClient[sub.ClientID]
	if !ok {
		filters = make(map[string]struct{})
		s.byClient[sub.ClientID] = filters
	}
	filters[sub.FullFilter()] = struct{}{}
	return existed
}

// Unsubscribe removes the subscription of clientID to filter, given as the
// client subscribed it. It reports whether one was removed.
func (s *Store) Unsubscribe(clientID, filter string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unsubscribe(clientID, filter)
}

func (s *Store) unsubscribe(clientID, filter string) bool {
	group, topicFilter, err := ParseFilter(filter)
	if err != nil {
		return false
	}

	removed := false
	if group != "" {
		key := SharedGroupID(group, topicFilter)
		if g, ok := s.shared[key]; ok {
			if _, ok := g.members[clientID]; ok {
				delete(g.members, clientID)
				removed = true
			}
			if len(g.members) == 0 {
				delete(s.shared, key)
			}
		}
	} else if subs, ok := s.subscriptions[topicFilter]; ok {
		if _, ok := subs[clientID]; ok {
			delete(subs, clientID)
			removed = true
		}
		if len(subs) == 0 {
			delete(s.subscriptions, topicFilter)
		}
	}

	if filters, ok := s.byClient[clientID]; ok {
		delete(filters, filter)
		if len(filters) == 0 {
			delete(s.byClient, clientID)
		}
	}
	return removed
}

// RemoveClient removes every subscription of clientID and returns the
// removed filters.
func (s *Store) RemoveClient(clientID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	filters := make([]string, 0, len(s.byClient[clientID]))
	for filter := range s.byClient[clientID] {
		filters = append(filters, filter)
	}
	sort.Strings(filters)
	for _, filter := range filters {
		s.unsubscribe(clientID, filter)
	}
	return filters
}

// FindSubscribers returns the receivers of topic. A client matched by several
// filters appears once, with the highest granted QoS and the subscription
// identifiers of all matching subscriptions.
func (s *Store) FindSubscribers(topic string) Subscribers {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result Subscribers
	index := make(map[string]int)
	for filter, subs := range s.subscriptions {
		if !Match(filter, topic) {
			continue
		}
		for clientID, sub := range subs {
			i, seen := index[clientID]
			if !seen {
				index[clientID] = len(result.Direct)
				result.Direct = append(result.Direct, Subscriber{
					ClientID:          clientID,
					QoS:               sub.QoS,
					NoLocal:           sub.NoLocal,
					RetainAsPublished: sub.RetainAsPublished,
				})
				i = len(result.Direct) - 1
			} else if sub.QoS > result.Direct[i].QoS {
				result.Direct[i].QoS = sub.QoS
				result.Direct[i].NoLocal = sub.NoLocal
				result.Direct[i].RetainAsPublished = sub.RetainAsPublished
			}
			if sub.SubscriptionIdentifier > 0 {
				result.Direct[i].SubscriptionIdentifiers = append(result.Direct[i].SubscriptionIdentifiers, sub.SubscriptionIdentifier)
			}
		}
	}

	for key, g := range s.shared {
		if len(g.members) > 0 && Match(g.filter, topic) {
			result.SharedGroups = append(result.SharedGroups, key)
		}
	}
	sort.Strings(result.SharedGroups)
	return result
}

// SharedGroup returns the members of the shared group groupID, and whether
// the group exists.
func (s *Store) SharedGroup(groupID string) ([]Subscription, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	g, ok := s.shared[groupID]
	if !ok {
		return nil, false
	}
	members := make([]Subscription, 0, len(g.members))
	for _, sub := range g.members {
		members = append(members, *sub)
	}
	sort.Slice(members, func(i, j int) bool { return members[i].ClientID < members[j].ClientID })
	return members, true
}

// SharedSubscription returns the subscription of clientID in groupID.
func (s *Store) SharedSubscription(groupID, clientID string) (Subscription, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if g, ok := s.shared[groupID]; ok {
		if sub, ok := g.members[clientID]; ok {
			return *sub, true
		}
	}
	return Subscription{}, false
}

// Subscriptions returns the subscriptions of clientID.
func (s *Store) Subscriptions(clientID string) []Subscription {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Subscription
	for filter := range s.byClient[clientID] {
		group, topicFilter, err := ParseFilter(filter)
		if err != nil {
			continue
		}
		if group != "" {
			if g, ok := s.shared[SharedGroupID(group, topicFilter)]; ok {
				if sub, ok := g.members[clientID]; ok {
					out = append(out, *sub)
				}
			}
			continue
		}
		if sub, ok := s.subscriptions[topicFilter][clientID]; ok {
			out = append(out, *sub)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FullFilter() < out[j].FullFilter() })
	return out
}

// Match reports whether topic matches filter. Wildcards at the first level
// do not match topics starting with '$'.
func Match(filter, topic string) bool {
	if strings.HasPrefix(topic, "$") && (strings.HasPrefix(filter, "+") || strings.HasPrefix(filter, "#")) {
		return false
	}

	topicSegments := strings.Split(topic, "/")
	filterSegments := strings.Split(filter, "/")

	topicLen := len(topicSegments)
	filterLen := len(filterSegments)

	for i := 0; i < filterLen; i++ {
		if i >= topicLen {
			// If filter has more segments but the last one is not '#', no match
			return filterSegments[i] == "#" && i == filterLen-1
		}

		filterSegment := filterSegments[i]
		if filterSegment == "#" {
			return i == filterLen-1
		}
		if filterSegment != "+" && filterSegment != topicSegments[i] {
			return false
		}
	}

	// If we finished iterating through the filter, the topic must have the same number of segments
	return topicLen == filterLen
}
