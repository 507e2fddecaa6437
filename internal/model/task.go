package model

// Task state constants.
const (
	StatePending   = "pending"
	StateRunning   = "running"
	StateCompleted = "completed"
	StateFailed    = "failed"
	StateCancelled = "cancelled"
)

// validTransitions maps each task state to the set of states it may move to.
// Transitions are one-directional; terminal states have no outgoing edges.
var validTransitions = map[string]map[string]bool{
	StatePending: {
		StateRunning:   true,
		StateCancelled: true,
	},
	StateRunning: {
		StateCompleted: true,
		StateFailed:    true,
		StateCancelled: true,
	},
}

// ValidTransition reports whether moving a task from one state to another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// TerminalState reports whether a task state is terminal. Terminal states are
// immutable once reached.
func TerminalState(s string) bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	default:
		return false
	}
}
