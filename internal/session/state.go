package session

// State is the lifecycle state of a generation session.
type State int

const (
	Idle State = iota
	Connecting
	Streaming
	Finalizing
	Completed
	Interrupted
	Cancelled
	Failed
)

var stateNames = [...]string{
	Idle:        "idle",
	Connecting:  "connecting",
	Streaming:   "streaming",
	Finalizing:  "finalizing",
	Completed:   "completed",
	Interrupted: "interrupted",
	Cancelled:   "cancelled",
	Failed:      "failed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool {
	return s >= Completed
}

// Active reports whether a generation is in flight.
func (s State) Active() bool {
	return s == Connecting || s == Streaming || s == Finalizing
}
