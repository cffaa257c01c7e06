package connector

import "fmt"

// State is where a Prepare is in its life at this node.
type State uint8

const (
	StateReceived State = iota
	StateValidated
	StateRouted
	StateForwarded
	StateFulfilled
	StateRejected
	StateExpired
)

var stateNames = [...]string{
	StateReceived:  "received",
	StateValidated: "validated",
	StateRouted:    "routed",
	StateForwarded: "forwarded",
	StateFulfilled: "fulfilled",
	StateRejected:  "rejected",
	StateExpired:   "expired",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

func (s State) Terminal() bool {
	return s == StateFulfilled || s == StateRejected || s == StateExpired
}

// next reports whether s may move to to. Any non-terminal state can end in
// Rejected; Expired and Fulfilled are only reachable once forwarded.
func (s State) next(to State) bool {
	if s.Terminal() {
		return false
	}
	switch to {
	case StateRejected:
		return true
	case StateValidated:
		return s == StateReceived
	case StateRouted:
		return s == StateValidated
	case StateForwarded:
		return s == StateRouted
	case StateFulfilled, StateExpired:
		return s == StateForwarded
	default:
		return false
	}
}
