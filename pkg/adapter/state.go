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
	"fmt"
	"sync"

	"github.com/turtacn/emqx-edge/pkg/metrics"
)

// State is the lifecycle state of an adapter.
type State int

const (
	StateStopped State = iota
	StateStarting
	StateStarted
	StateStopping
	StateError
)

// States lists every adapter state.
var States = []State{StateStopped, StateStarting, StateStarted, StateStopping, StateError}

func (s State) String() string {
	switch s {
	case StateStopped:
		return "STOPPED"
	case StateStarting:
		return "STARTING"
	case StateStarted:
		return "STARTED"
	case StateStopping:
		return "STOPPING"
	case StateError:
		return "ERROR"
	default:
		return fmt.Sprintf("STATE(%d)", int(s))
	}
}

// ConnectionState is the state of one side of an adapter: northbound
// towards the broker or southbound towards the device.
type ConnectionState int

const (
	ConnectionDisconnected ConnectionState = iota
	ConnectionConnecting
	ConnectionConnected
	ConnectionError
	ConnectionDisconnecting
)

// ConnectionStates lists every connection state.
var ConnectionStates = []ConnectionState{
	ConnectionDisconnected, ConnectionConnecting, ConnectionConnected, ConnectionError, ConnectionDisconnecting,
}

func (s ConnectionState) String() string {
	switch s {
	case ConnectionDisconnected:
		return "DISCONNECTED"
	case ConnectionConnecting:
		return "CONNECTING"
	case ConnectionConnected:
		return "CONNECTED"
	case ConnectionError:
		return "ERROR"
	case ConnectionDisconnecting:
		return "DISCONNECTING"
	default:
		return fmt.Sprintf("CONNECTION_STATE(%d)", int(s))
	}
}

// TransitionStatus is the outcome of a transition attempt.
type TransitionStatus int

const (
	TransitionSuccess TransitionStatus = iota
	TransitionNotChanged
	TransitionFailure
)

func (s TransitionStatus) String() string {
	switch s {
	case TransitionSuccess:
		return "success"
	case TransitionNotChanged:
		return "not_changed"
	case TransitionFailure:
		return "failure"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Transition records a transition attempt between two states.
type Transition[S any] struct {
	From    S
	To      S
	Status  TransitionStatus
	Message string
}

// Err returns ErrIllegalTransition for failed transitions and nil otherwise.
func (t Transition[S]) Err() error {
	if t.Status != TransitionFailure {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrIllegalTransition, t.Message)
}

var adapterTransitions = map[State][]State{
	StateStarting: {StateStarted, StateStopping, StateError},
	StateStarted:  {StateStopping, StateError},
	StateStopping: {StateStopped, StateError},
	StateStopped:  {StateStarting},
	StateError:    {StateStarting},
}

var connectionTransitions = map[ConnectionState][]ConnectionState{
	ConnectionDisconnected:  {ConnectionConnecting},
	ConnectionConnecting:    {ConnectionConnected, ConnectionError, ConnectionDisconnecting},
	ConnectionConnected:     {ConnectionError, ConnectionDisconnecting},
	ConnectionError:         {ConnectionDisconnecting},
	ConnectionDisconnecting: {ConnectionDisconnected},
}

func transition[S comparable](table map[S][]S, from, to S) Transition[S] {
	switch {
	case from == to:
		return Transition[S]{From: from, To: to, Status: TransitionNotChanged,
			Message: fmt.Sprintf("state unchanged: %v", from)}
	case allowed(table[from], to):
		return Transition[S]{From: from, To: to, Status: TransitionSuccess,
			Message: fmt.Sprintf("%v -> %v", from, to)}
	default:
		return Transition[S]{From: from, To: to, Status: TransitionFailure,
			Message: fmt.Sprintf("cannot transition from %v to %v", from, to)}
	}
}

func allowed[S comparable](targets []S, to S) bool {
	for _, t := range targets {
		if t == to {
			return true
		}
	}
	return false
}

// TransitionAdapter evaluates moving an adapter from one state to another.
func TransitionAdapter(from, to State) Transition[State] {
	return transition(adapterTransitions, from, to)
}

// TransitionConnection evaluates moving a connection from one state to
// another.
func TransitionConnection(from, to ConnectionState) Transition[ConnectionState] {
	return transition(connectionTransitions, from, to)
}

// StateMachine holds a current state and applies transitions to it.
type StateMachine[S interface {
	comparable
	fmt.Stringer
}] struct {
	name     string
	evaluate func(from, to S) Transition[S]

	mu      sync.RWMutex
	current S
}

// NewAdapterStateMachine starts in StateStopped.
func NewAdapterStateMachine() *StateMachine[State] {
	return &StateMachine[State]{name: "adapter", evaluate: TransitionAdapter, current: StateStopped}
}

// NewConnectionStateMachine starts in ConnectionDisconnected. The name
// tells the two sides of an adapter apart in metrics.
func NewConnectionStateMachine(name string) *StateMachine[ConnectionState] {
	return &StateMachine[ConnectionState]{name: name, evaluate: TransitionConnection, current: ConnectionDisconnected}
}

// Current returns the current state.
func (m *StateMachine[S]) Current() S {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// TransitionTo moves to the target state when allowed. The state is left
// untouched on failure.
func (m *StateMachine[S]) TransitionTo(to S) Transition[S] {
	m.mu.Lock()
	t := m.evaluate(m.current, to)
	if t.Status == TransitionSuccess {
		m.current = to
	}
	m.mu.Unlock()
	metrics.AdapterTransitionsTotal.WithLabelValues(m.name, t.Status.String()).Inc()
	return t
}

// Force sets the state without consulting the transition table.
func (m *StateMachine[S]) Force(to S) {
	m.mu.Lock()
	m.current = to
	m.mu.Unlock()
}
