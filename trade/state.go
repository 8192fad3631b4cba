// Package trade owns the per-position lifecycle: the exit state
// machine, the one-way PID trailing stop, the in-flight close guard and
// broker reconciliation.
package trade

import "fmt"

// State is one lifecycle stage of an open trade.
type State string

const (
	StateArmed   State = "ARMED"
	StateActive  State = "ACTIVE"
	StateRatchet State = "RATCHET_ACTIVE"
	StateClosing State = "CLOSING"
	StateClosed  State = "CLOSED"
)

// stateTransition is one edge of the lifecycle graph.
type stateTransition struct {
	From State
	To   State
}

// StateMachine validates lifecycle transitions.
type StateMachine struct {
	transitions map[stateTransition]bool
}

// NewStateMachine creates the machine with the legal transition set.
func NewStateMachine() *StateMachine {
	sm := &StateMachine{transitions: make(map[stateTransition]bool)}
	legal := []stateTransition{
		// Dud-abort closes straight out of ARMED.
		{StateArmed, StateClosing},
		{StateArmed, StateActive},

		{StateActive, StateRatchet},
		{StateActive, StateClosing},

		{StateRatchet, StateClosing},

		{StateClosing, StateClosed},
	}
	for _, t := range legal {
		sm.transitions[t] = true
	}
	return sm
}

// Validate returns an error for illegal transitions. Same-state moves
// are idempotent.
func (sm *StateMachine) Validate(from, to State) error {
	if from == to {
		return nil
	}
	if !sm.transitions[stateTransition{From: from, To: to}] {
		return fmt.Errorf("illegal trade state transition: %s -> %s", from, to)
	}
	return nil
}

// IsActive reports whether the state still tracks a live position.
func (sm *StateMachine) IsActive(s State) bool {
	switch s {
	case StateArmed, StateActive, StateRatchet:
		return true
	default:
		return false
	}
}

// IsFinal reports whether the state is terminal.
func (sm *StateMachine) IsFinal(s State) bool {
	return s == StateClosed
}
