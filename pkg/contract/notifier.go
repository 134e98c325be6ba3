package contract

import "sync"

// Notifier tracks a server's state and fans changes out to listeners.
// Server implementations embed it to satisfy State and AddLifecycleListener.
type Notifier struct {
	mu        sync.Mutex
	state     State
	listeners []LifecycleListener
}

// State returns the current state
func (n *Notifier) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// AddLifecycleListener subscribes a listener to future changes
func (n *Notifier) AddLifecycleListener(listener LifecycleListener) {
	if listener == nil {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.listeners = append(n.listeners, listener)
}

// Transition records a new state and notifies listeners. Listeners run on
// the caller's goroutine, outside the lock. Transition reports false, and
// notifies nobody, when the state is unchanged.
func (n *Notifier) Transition(to State) bool {
	n.mu.Lock()
	if n.state == to {
		n.mu.Unlock()
		return false
	}
	n.notify(to)
	return true
}

// CompareAndTransition moves to the new state only if the current state is
// from, notifying listeners on success.
func (n *Notifier) CompareAndTransition(from, to State) bool {
	n.mu.Lock()
	if n.state != from || from == to {
		n.mu.Unlock()
		return false
	}
	n.notify(to)
	return true
}

// notify is called with mu held and releases it before running listeners
func (n *Notifier) notify(to State) {
	n.state = to
	listeners := make([]LifecycleListener, len(n.listeners))
	copy(listeners, n.listeners)
	n.mu.Unlock()

	for _, l := range listeners {
		l.OnStateChanged(to)
	}
}
