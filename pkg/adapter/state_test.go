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

package adapter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdapterTransitionTable(t *testing.T) {
	legal := map[State][]State{
		StateStarting: {StateStarted, StateStopping, StateError},
		StateStarted:  {StateStopping, StateError},
		StateStopping: {StateStopped, StateError},
		StateStopped:  {StateStarting},
		StateError:    {StateStarting},
	}
	for _, from := range States {
		for _, to := range States {
			got := TransitionAdapter(from, to)
			assert.Equal(t, from, got.From)
			assert.Equal(t, to, got.To)
			assert.NotEmpty(t, got.Message)
			switch {
			case from == to:
				assert.Equal(t, TransitionNotChanged, got.Status, "%v -> %v", from, to)
				assert.NoError(t, got.Err())
			case contains(legal[from], to):
				assert.Equal(t, TransitionSuccess, got.Status, "%v -> %v", from, to)
			default:
				assert.Equal(t, TransitionFailure, got.Status, "%v -> %v", from, to)
				assert.ErrorIs(t, got.Err(), ErrIllegalTransition)
			}
		}
	}
}

func TestConnectionTransitionTable(t *testing.T) {
	legal := map[ConnectionState][]ConnectionState{
		ConnectionDisconnected:  {ConnectionConnecting},
		ConnectionConnecting:    {ConnectionConnected, ConnectionError, ConnectionDisconnecting},
		ConnectionConnected:     {ConnectionError, ConnectionDisconnecting},
		ConnectionError:         {ConnectionDisconnecting},
		ConnectionDisconnecting: {ConnectionDisconnected},
	}
	for _, from := range ConnectionStates {
		for _, to := range ConnectionStates {
			got := TransitionConnection(from, to)
			switch {
			case from == to:
				assert.Equal(t, TransitionNotChanged, got.Status, "%v -> %v", from, to)
			case contains(legal[from], to):
				assert.Equal(t, TransitionSuccess, got.Status, "%v -> %v", from, to)
			default:
				assert.Equal(t, TransitionFailure, got.Status, "%v -> %v", from, to)
			}
		}
	}
}

func contains[S comparable](states []S, s S) bool {
	for _, candidate := range states {
		if candidate == s {
			return true
		}
	}
	return false
}

func TestStateMachineKeepsStateOnFailure(t *testing.T) {
	m := NewAdapterStateMachine()
	require.Equal(t, StateStopped, m.Current())

	assert.Equal(t, TransitionFailure, m.TransitionTo(StateStarted).Status)
	assert.Equal(t, StateStopped, m.Current())

	assert.Equal(t, TransitionSuccess, m.TransitionTo(StateStarting).Status)
	assert.Equal(t, TransitionNotChanged, m.TransitionTo(StateStarting).Status)
	assert.Equal(t, StateStarting, m.Current())

	m.Force(StateError)
	assert.Equal(t, StateError, m.Current())
}

func TestConnectionStateMachine(t *testing.T) {
	m := NewConnectionStateMachine("southbound")
	for _, to := range []ConnectionState{ConnectionConnecting, ConnectionConnected, ConnectionDisconnecting, ConnectionDisconnected} {
		require.Equal(t, TransitionSuccess, m.TransitionTo(to).Status, "to %v", to)
	}
	assert.Equal(t, TransitionFailure, m.TransitionTo(ConnectionConnected).Status)
}
