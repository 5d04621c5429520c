package session

import "fmt"

// State is the connection state of a session. StateClosed and
// StateAuthFailed are terminal for the current session: the only transition
// out of them is a fresh start through Connect, which negotiates a new
// session.
type State int32

const (
	StateConnecting State = iota + 1
	StateConnected
	StateClosed
	StateAuthFailed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	case StateAuthFailed:
		return "authFailed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// EventKind qualifies a state transition: it tells a fresh connect apart
// from a reconnect, and an explicit close from a session expiry.
type EventKind int32

const (
	// for StateConnecting
	EventConnecting EventKind = iota + 1
	EventDisconnected

	// for StateConnected
	EventConnected

	// for StateClosed
	EventClosed
	EventSessionExpired

	// for StateAuthFailed
	EventAuthFailed
)

func (e EventKind) String() string {
	switch e {
	case EventConnecting:
		return "connecting"
	case EventDisconnected:
		return "disconnected"
	case EventConnected:
		return "connected"
	case EventClosed:
		return "closed"
	case EventSessionExpired:
		return "sessionExpired"
	case EventAuthFailed:
		return "authFailed"
	}
	return fmt.Sprintf("eventKind(%d)", int32(e))
}

// StateChange is delivered to listeners on every transition.
type StateChange struct {
	State State
	Event EventKind
}

// listenerMailboxSize bounds each listener's mailbox. Puts never block: a
// change that does not fit is dropped, so a stalled listener cannot stall
// the engine.
const listenerMailboxSize = 64

// A Listener observes session state changes over a buffered channel. The
// channel is closed when the listener is removed.
type Listener struct {
	ch chan StateChange
}

// C returns the state-change channel.
func (l *Listener) C() <-chan StateChange {
	return l.ch
}

func (l *Listener) put(change StateChange) {
	select {
	case l.ch <- change:
	default:
	}
}
