package pipeline

import (
	"errors"
	"fmt"
	"time"
)

// State is a pipeline run state
type State uint8

const (
	StateIdle State = iota
	StateBuilding
	StatePathResolving
	StateProving
	StateSubmitting
	StateInBlock
	StateFinalized
	StatePending
	StateFailed
)

var stateNames = map[State]string{
	StateIdle:          "idle",
	StateBuilding:      "building",
	StatePathResolving: "path_resolving",
	StateProving:       "proving",
	StateSubmitting:    "submitting",
	StateInBlock:       "in_block",
	StateFinalized:     "finalized",
	StatePending:       "pending",
	StateFailed:        "failed",
}

// String returns the state name
func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// Terminal reports whether a run ends in this state
func (s State) Terminal() bool {
	return s == StateFinalized || s == StatePending || s == StateFailed
}

var stateTransitions = map[State][]State{
	StateIdle:          {StateBuilding},
	StateBuilding:      {StatePathResolving, StateProving, StateFailed},
	StatePathResolving: {StateProving, StatePathResolving, StateFailed},
	StateProving:       {StateSubmitting, StateFailed},
	StateSubmitting:    {StatePathResolving, StateInBlock, StateFinalized, StatePending, StateFailed},
	StateInBlock:       {StateFinalized, StatePending, StateFailed},
}

// CanTransition reports whether the state machine allows from -> to
func CanTransition(from, to State) bool {
	for _, s := range stateTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ErrInvalidTransition is returned when a run attempts a disallowed state change
var ErrInvalidTransition = errors.New("invalid pipeline transition")

// Transition is reported to observers on every state change
type Transition struct {
	Op     string
	From   State
	To     State
	Reason Reason
	At     time.Time
}

// Observer receives run transitions. It is called synchronously.
type Observer func(Transition)
