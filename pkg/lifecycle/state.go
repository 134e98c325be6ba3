package lifecycle

// State is the coordinator's view of the server lifecycle
type State int32

const (
	// StateNotStarted - nothing has been built yet
	StateNotStarted State = iota
	// StateStarting - the server is constructed and its start was issued
	StateStarting
	// StateStarted - the server signalled startup completion
	StateStarted
	// StateStopping - a stop is in flight
	StateStopping
	// StateStopped - the server was stopped and its boundary released
	StateStopped
	// StateFailed - construction, startup or stop failed
	StateFailed
)

// String returns the string representation of a State
func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "NotStarted"
	case StateStarting:
		return "Starting"
	case StateStarted:
		return "Started"
	case StateStopping:
		return "Stopping"
	case StateStopped:
		return "Stopped"
	case StateFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// Terminal reports whether no further transition happens without a Stop
func (s State) Terminal() bool {
	return s == StateStopped || s == StateFailed
}
