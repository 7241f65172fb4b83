// Package job sequences the phases of one collaborator search.
package job

// State is the lifecycle position of a job.
type State string

const (
	StatePending     State = "pending"
	StateDiscovering State = "discovering_institutions"
	StateResearching State = "researching"
	StateExtracting  State = "extracting"
	StateMerging     State = "merging"
	StateCompleted   State = "completed"
	StateFailed      State = "failed"
	StateCancelled   State = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Failed and Cancelled are reachable from every non-terminal state.
var transitions = map[State][]State{
	StatePending:     {StateDiscovering, StateResearching},
	StateDiscovering: {StateResearching},
	StateResearching: {StateExtracting},
	StateExtracting:  {StateMerging},
	StateMerging:     {StateCompleted},
}

// CanTransition reports whether s may move to next.
func (s State) CanTransition(next State) bool {
	if s.Terminal() {
		return false
	}
	if next == StateFailed || next == StateCancelled {
		return true
	}
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}
