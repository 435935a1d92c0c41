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


package broker

import (
	"errors"
	"fmt"
)

var (
	errTopicAliasInvalid  = errors.New("topic alias invalid")
	errTopicAliasUnmapped = errors.New("topic alias has no established mapping")
)

// topicAliases resolves the inbound topic aliases of one connection.
// Only the connection's reader goroutine uses it.
type topicAliases struct {
	max     uint16
	aliases map[uint16]string
}

func newTopicAliases(max uint16) *topicAliases {
	return &topicAliases{max: max, aliases: make(map[uint16]string)}
}

// resolve returns the topic of a PUBLISH carrying topicName and alias. A
// non-empty topic establishes or replaces the mapping of alias.
func (a *topicAliases) resolve(topicName string, alias uint16) (string, error) {
	if alias == 0 {
		if topicName == "" {
			return "", fmt.Errorf("%w: empty topic without alias", errTopicAliasInvalid)
		}
		return topicName, nil
	}
	if alias > a.max {
		return "", fmt.Errorf("%w: %d exceeds maximum %d", errTopicAliasInvalid, alias, a.max)
	}
	if topicName != "" {
		a.aliases[alias] = topicName
		return topicName, nil
	}
	mapped, ok := a.aliases[alias]
	if !ok {
		return "", fmt.Errorf("%w: %d", errTopicAliasUnmapped, alias)
	}
	return mapped, nil
}
