// Copyright 2025 Blink Labs Software
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

package protocol

import "fmt"

// Agency identifies which side of a session may originate the next event
const (
	AgencyNone        uint = 0
	AgencyApplication uint = 1
	AgencyExtension   uint = 2
)

// State represents a single state in a session state machine
type State struct {
	Id   uint
	Name string
}

// NewState returns a new State with the provided ID and name
func NewState(id uint, name string) State {
	return State{
		Id:   id,
		Name: name,
	}
}

func (s State) String() string {
	return s.Name
}

// Event represents an envelope-level occurrence that drives a session state
// machine. Events are derived from envelope metadata only, never from the
// inner payload
type Event uint8

const (
	EventNone Event = iota

	// EventConnect corresponds to a "connect" action envelope
	EventConnect
	// EventForward corresponds to a "forward" action envelope
	EventForward
	// EventAck corresponds to the first response relayed back for a session
	EventAck
	// EventDisconnect corresponds to an explicit "disconnect" action or the
	// closure of the underlying transport
	EventDisconnect
)

func (e Event) String() string {
	tmp := map[Event]string{
		EventConnect:    "connect",
		EventForward:    "forward",
		EventAck:        "ack",
		EventDisconnect: "disconnect",
	}
	ret, ok := tmp[e]
	if !ok {
		return "unknown"
	}
	return ret
}

// StateTransition describes a single transition out of a state
type StateTransition struct {
	Event    Event
	NewState State
}

// StateMapEntry describes the agency and valid transitions for a state
type StateMapEntry struct {
	Agency      uint
	Transitions []StateTransition
}

// StateMap describes the state machine for a session
type StateMap map[State]StateMapEntry

// Copy returns a copy of the state map. This is mostly for convenience,
// since we need to copy the state map in various places
func (s StateMap) Copy() StateMap {
	ret := StateMap{}
	for k, v := range s {
		ret[k] = v
	}
	return ret
}

// Transition applies an event to the given state and returns the resulting
// state. An event with no matching transition returns an error
func (s StateMap) Transition(state State, event Event) (State, error) {
	entry, ok := s[state]
	if !ok {
		return state, fmt.Errorf(
			"%w: unknown state %s",
			ErrProtocolViolationInvalidTransition,
			state,
		)
	}
	for _, transition := range entry.Transitions {
		if transition.Event == event {
			return transition.NewState, nil
		}
	}
	return state, fmt.Errorf(
		"%w: event %s in state %s",
		ErrProtocolViolationInvalidTransition,
		event,
		state,
	)
}

// Session state machine states
const (
	stateIdleId         = 1
	stateConnectingId   = 2
	stateConnectedId    = 3
	stateDisconnectedId = 4
)

var (
	// StateIdle is the initial state before a connect envelope is seen
	StateIdle = NewState(stateIdleId, "idle")
	// StateConnecting is entered on a connect envelope and left when the
	// first response for the session is relayed back
	StateConnecting = NewState(stateConnectingId, "connecting")
	// StateConnected is the steady state for payload pass-through
	StateConnected = NewState(stateConnectedId, "connected")
	// StateDisconnected is terminal
	StateDisconnected = NewState(stateDisconnectedId, "disconnected")
)

// SessionStateMap defines the valid state transitions for a chain session.
// Forwarding is allowed while connecting so that the application can issue
// requests before the first response arrives
var SessionStateMap = StateMap{
	StateIdle: StateMapEntry{
		Agency: AgencyApplication,
		Transitions: []StateTransition{
			{
				Event:    EventConnect,
				NewState: StateConnecting,
			},
		},
	},
	StateConnecting: StateMapEntry{
		Agency: AgencyApplication,
		Transitions: []StateTransition{
			{
				Event:    EventForward,
				NewState: StateConnecting,
			},
			{
				Event:    EventAck,
				NewState: StateConnected,
			},
			{
				Event:    EventDisconnect,
				NewState: StateDisconnected,
			},
		},
	},
	StateConnected: StateMapEntry{
		Agency: AgencyApplication,
		Transitions: []StateTransition{
			{
				Event:    EventForward,
				NewState: StateConnected,
			},
			{
				Event:    EventAck,
				NewState: StateConnected,
			},
			{
				Event:    EventDisconnect,
				NewState: StateDisconnected,
			},
		},
	},
	StateDisconnected: StateMapEntry{
		Agency: AgencyNone,
	},
}
