// Package contract holds the small, fixed set of types that cross the
// isolation boundary. Host code talks to an embedded server only through
// these; every name listed by SharedNames resolves to the host's definition
// on both sides of the boundary.
package contract

// Package is the name prefix of every contract type
const Package = "prism.embed.contract"

// Qualified names of the contract types, as they appear to a resolver
const (
	ServerName     = Package + ".Server"
	StateName      = Package + ".State"
	ListenerName   = Package + ".LifecycleListener"
	PropertiesName = Package + ".Properties"

	// ConfigPattern covers the configuration entry points
	ConfigPattern = Package + ".config.*"
)

// SharedNames returns the names that are always shared across the boundary
func SharedNames() []string {
	return []string{
		ServerName,
		StateName,
		ListenerName,
		PropertiesName,
		ConfigPattern,
	}
}

// State is the embedded server's own lifecycle state
type State int

const (
	StateNotStarted State = iota
	StateStarting
	StateStarted
	StateStopping
	StateStopped
	StateFailed
)

// String returns the string representation of a State
func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "NOT_STARTED"
	case StateStarting:
		return "STARTING"
	case StateStarted:
		return "STARTED"
	case StateStopping:
		return "STOPPING"
	case StateStopped:
		return "STOPPED"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// LifecycleListener is notified on every server state change
type LifecycleListener interface {
	OnStateChanged(state State)
}

// ListenerFunc adapts a function to LifecycleListener
type ListenerFunc func(state State)

// OnStateChanged implements LifecycleListener
func (f ListenerFunc) OnStateChanged(state State) {
	f(state)
}

// Properties is the configuration handed to a server's constructor
type Properties map[string]string

// Clone returns an independent copy
func (p Properties) Clone() Properties {
	out := make(Properties, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Server is an embedded server as seen from the host
type Server interface {
	// State returns the server's current state
	State() State

	// Start begins the server's startup sequence. The coordinator calls it
	// on its own goroutine; it may block until startup completes.
	Start() error

	// Stop shuts the server down
	Stop() error

	// AddLifecycleListener subscribes to state changes
	AddLifecycleListener(listener LifecycleListener)
}
