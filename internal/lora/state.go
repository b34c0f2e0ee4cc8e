package lora

import "fmt"

// State is one state of the per-port LoRa transceiver lifecycle
// (spec.md §4.5): Closed → Opening → Configuring → Ready → Draining → Closed.
type State int

const (
	StateClosed State = iota
	StateOpening
	StateConfiguring
	StateReady
	StateDraining
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "Closed"
	case StateOpening:
		return "Opening"
	case StateConfiguring:
		return "Configuring"
	case StateReady:
		return "Ready"
	case StateDraining:
		return "Draining"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// validTransitions enumerates the only state changes the supervisor loop
// is allowed to make; anything else is a programming error.
var validTransitions = map[State][]State{
	StateClosed:      {StateOpening},
	StateOpening:     {StateConfiguring, StateClosed},
	StateConfiguring: {StateReady, StateClosed},
	StateReady:       {StateDraining, StateClosed},
	StateDraining:    {StateClosed},
}

func (s State) canTransitionTo(next State) bool {
	for _, v := range validTransitions[s] {
		if v == next {
			return true
		}
	}
	return false
}
