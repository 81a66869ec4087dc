package session

// State is a session lifecycle state.
type State string

const (
	StateCreated    State = "Created"
	StateConnecting State = "Connecting"
	StateConnected  State = "Connected"
	StateSubscribed State = "Subscribed"
	StateListening  State = "Listening"
	StateTerminated State = "Terminated"
)

// transitions lists the legal successors of each state. Any state may move to
// Terminated; nothing leaves it.
var transitions = map[State][]State{
	StateCreated:    {StateConnecting},
	StateConnecting: {StateConnected},
	StateConnected:  {StateSubscribed},
	StateSubscribed: {StateListening},
	StateListening:  {},
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to State) bool {
	if from == StateTerminated {
		return false
	}
	if to == StateTerminated {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
