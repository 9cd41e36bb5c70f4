package model

// State is the lifecycle position of a command record.
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// allowedTransitions is the full lifecycle: pending moves to running or
// cancelled, running moves to any terminal state. Terminal states have no
// outgoing edges.
var allowedTransitions = map[State]map[State]bool{
	StatePending: {
		StateRunning:   true,
		StateCancelled: true,
	},
	StateRunning: {
		StateSucceeded: true,
		StateFailed:    true,
		StateCancelled: true,
	},
}

func (s State) Valid() bool {
	switch s {
	case StatePending, StateRunning, StateSucceeded, StateFailed, StateCancelled:
		return true
	}
	return false
}

// Terminal reports whether a record in this state is immutable.
func (s State) Terminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateCancelled:
		return true
	}
	return false
}

// CanTransition reports whether the lifecycle permits moving from s to next.
func (s State) CanTransition(next State) bool {
	return allowedTransitions[s][next]
}
