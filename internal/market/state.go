package market

// State is the market lifecycle. Created exists for completeness; New
// always starts a market in Active.
type State int32

const (
	StateCreated State = iota
	StateActive
	StateResolved
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateActive:
		return "active"
	case StateResolved:
		return "resolved"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Valid state transitions. Resolved and Cancelled are terminal.
var validTransitions = map[State][]State{
	StateCreated: {StateActive},
	StateActive:  {StateResolved, StateCancelled},
}

// CanTransitionTo checks if transition is valid
func (s State) CanTransitionTo(next State) bool {
	for _, allowed := range validTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

func (s State) IsTerminal() bool {
	return s == StateResolved || s == StateCancelled
}
