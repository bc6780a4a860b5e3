// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package verification

import "fmt"

// State is the position of a session in the verification protocol.
// The zero value means "no session".
type State int

const (
	StateNone State = iota
	// StateRequested: a peer's request arrived and we have not
	// answered it.
	StateRequested
	// StatePending: our request is out, waiting for ready.
	StatePending
	// StateReady: both sides agreed to verify; a start is next.
	StateReady
	// StateStarted: a start arrived and we have not accepted it.
	StateStarted
	// StateAccepted: start and accept exchanged; keys are next.
	StateAccepted
	// StateKeyExchange: both ephemeral keys known; SAS available.
	StateKeyExchange
	// StateMACExchange: our MAC is out, waiting for theirs.
	StateMACExchange
	// StateMACReceived: both MACs exchanged; waiting for done.
	StateMACReceived
	StateVerified
	StateCancelled
)

var stateNames = [...]string{
	StateNone:        "NONE",
	StateRequested:   "REQUESTED",
	StatePending:     "PENDING",
	StateReady:       "READY",
	StateStarted:     "STARTED",
	StateAccepted:    "ACCEPTED",
	StateKeyExchange: "KEY_EXCHANGE",
	StateMACExchange: "MAC_EXCHANGE",
	StateMACReceived: "MAC_RECEIVED",
	StateVerified:    "VERIFIED",
	StateCancelled:   "CANCELLED",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// Terminal reports whether no further transition can leave s.
func (s State) Terminal() bool {
	return s == StateVerified || s == StateCancelled
}

// MarshalText encodes the state as its name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name.
func (s *State) UnmarshalText(data []byte) error {
	for candidate, name := range stateNames {
		if name == string(data) {
			*s = State(candidate)
			return nil
		}
	}
	return fmt.Errorf("verification: unknown state %q", data)
}
