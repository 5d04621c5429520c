package libzk

import "github.com/ensemblelabs/libzk-go/internal/session"

// The session engine's state vocabulary, re-exposed for callers.

// SessionState is the connection state of the client's session.
type SessionState = session.State

const (
	StateConnecting = session.StateConnecting
	StateConnected  = session.StateConnected
	StateClosed     = session.StateClosed
	StateAuthFailed = session.StateAuthFailed
)

// SessionEvent qualifies a state transition: it tells a fresh connect apart
// from a reconnect, and an explicit close from a session expiry.
type SessionEvent = session.EventKind

const (
	EventConnecting     = session.EventConnecting
	EventDisconnected   = session.EventDisconnected
	EventConnected      = session.EventConnected
	EventClosed         = session.EventClosed
	EventSessionExpired = session.EventSessionExpired
	EventAuthFailed     = session.EventAuthFailed
)

// StateChange is delivered to session listeners on every transition, in the
// order transitions occur.
type StateChange = session.StateChange

// SessionListener observes session state changes over a buffered channel.
// Listeners must drain their channel; a change that does not fit the buffer
// is dropped rather than stalling the engine.
type SessionListener = session.Listener

// Watcher is a one-shot registration for a future event at a path. It
// resolves with the event kind, with a terminal session error, or with
// session.ErrWatcherRemoved after cancellation.
type Watcher = session.Watcher

// WatcherType selects which registry table a watcher lives in.
type WatcherType = session.WatcherType

const (
	WatchData  = session.WatchData
	WatchExist = session.WatchExist
	WatchChild = session.WatchChild
)

// AuthInfo is a credential presented after every (re)connect.
type AuthInfo = session.AuthInfo
