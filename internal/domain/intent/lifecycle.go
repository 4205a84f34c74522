package intent

import (
	"fmt"

	"github.com/spritelab/fleetd/internal/domain"
)

// State is an intent's lifecycle state.
type State string

const (
	StateProposed         State = "proposed"
	StateClassified       State = "classified"
	StateAwaitingApproval State = "awaiting_approval"
	StateApproved         State = "approved"
	StateRunning          State = "running"
	StateBlocked          State = "blocked"
	StateWaitingForInput  State = "waiting_for_input"
	StateCompleted        State = "completed"
	StateFailed           State = "failed"
	StateRejected         State = "rejected"
	StateCanceled         State = "canceled"
)

// transitions is the full lifecycle graph. Cancellation is valid from any
// pre-execution state; blocked/waiting states return to running on resume.
var transitions = map[State][]State{
	StateProposed:         {StateClassified, StateCanceled},
	StateClassified:       {StateAwaitingApproval, StateApproved, StateCanceled},
	StateAwaitingApproval: {StateApproved, StateRejected, StateCanceled},
	StateApproved:         {StateRunning, StateCanceled},
	StateRunning:          {StateBlocked, StateWaitingForInput, StateCompleted, StateFailed},
	StateBlocked:          {StateRunning},
	StateWaitingForInput:  {StateRunning},
}

// CanTransition reports whether from -> to is a legal lifecycle move.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ValidateTransition returns ErrInvalidTransition when from -> to is illegal.
func ValidateTransition(from, to State) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, from, to)
	}
	return nil
}

// Terminal reports whether s is a final state.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateRejected, StateCanceled:
		return true
	}
	return false
}

// Frozen reports whether the governed fields (payload, affected_resources,
// expected_side_effects, rollback_strategy, plan) may no longer change.
// Everything reachable only through approval counts: once a human or the
// gate signed off on a specific intent body, that body is what was approved.
func Frozen(s State) bool {
	switch s {
	case StateApproved, StateRunning, StateBlocked, StateWaitingForInput,
		StateCompleted, StateFailed:
		return true
	}
	return false
}

// Valid reports whether s is a known lifecycle state.
func (s State) Valid() bool {
	switch s {
	case StateProposed, StateClassified, StateAwaitingApproval, StateApproved,
		StateRunning, StateBlocked, StateWaitingForInput,
		StateCompleted, StateFailed, StateRejected, StateCanceled:
		return true
	}
	return false
}
