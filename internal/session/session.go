// Package session implements the session engine: the state machine that
// multiplexes ordered client requests over a single connection to one of a
// set of ensemble servers, receives replies and watch notifications, and
// survives server failover without losing session identity, outstanding
// operations, or installed watches.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/inconshreveable/log15"

	"github.com/ensemblelabs/libzk-go/internal/opqueue"
	"github.com/ensemblelabs/libzk-go/internal/transport"
	"github.com/ensemblelabs/libzk-go/proto"
)

const (
	// maxPendingOperations caps pending plus in-flight work. The 2^16+1-th
	// submission blocks until a reply or a cancellation frees a slot.
	maxPendingOperations = 1 << 16

	// maxSetWatchesSize caps each watch re-registration frame; paths are
	// packed until the next one would exceed it.
	maxSetWatchesSize = 1 << 17

	protocolVersion = 0
)

// Reserved xids. Positive xids are allocated per request; the server uses
// these negatives for out-of-band exchanges.
const (
	xidNotification int32 = -1
	xidPing         int32 = -2
	xidAuth         int32 = -4
	xidSetWatches   int32 = -8
	xidCloseSession int32 = -11
)

// watcherTypesForEvent maps a server event to the registry tables it fires.
var watcherTypesForEvent = map[proto.EventType][]WatcherType{
	proto.EventNodeCreated:         {WatchExist},
	proto.EventNodeDeleted:         {WatchData, WatchChild},
	proto.EventNodeDataChanged:     {WatchData},
	proto.EventNodeChildrenChanged: {WatchChild},
}

// Session is the engine core. All mutable state is guarded by mu; the only
// concurrent actors are the sender and receiver of one dispatch, the run
// loop driving Connect, and user goroutines submitting operations.
type Session struct {
	log.Logger

	dialer transport.Dialer

	mu       sync.Mutex
	state    State
	timeout  time.Duration
	id       int64
	password []byte
	lastZxid int64
	nextXid  int32
	conn     *transport.Conn

	pending   *opqueue.Deque[*operation]
	inflight  *inflightMap
	watchers  [numWatcherTypes]map[string]map[*Watcher]struct{}
	listeners map[*Listener]struct{}
}

// New builds a closed session with the requested timeout. The timeout is
// renegotiated with each server on connect.
func New(logger log.Logger, dialer transport.Dialer, timeout time.Duration) *Session {
	s := &Session{
		Logger:    logger.New("obj", "session"),
		dialer:    dialer,
		state:     StateClosed,
		timeout:   timeout,
		nextXid:   1,
		pending:   opqueue.NewDeque[*operation](maxPendingOperations),
		inflight:  newInflightMap(),
		listeners: make(map[*Listener]struct{}),
	}
	for i := range s.watchers {
		s.watchers[i] = make(map[string]map[*Watcher]struct{})
	}
	return s
}

// AddListener registers a state-change listener.
func (s *Session) AddListener() *Listener {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := &Listener{ch: make(chan StateChange, listenerMailboxSize)}
	s.listeners[l] = struct{}{}
	return l
}

// RemoveListener detaches a listener and closes its channel.
func (s *Session) RemoveListener(l *Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.listeners[l]; !ok {
		return
	}
	delete(s.listeners, l)
	close(l.ch)
}

// RemoveAllListeners detaches every listener.
func (s *Session) RemoveAllListeners() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for l := range s.listeners {
		close(l.ch)
	}
	s.listeners = make(map[*Listener]struct{})
}

// Execute submits an operation and blocks for its result. nonErrors are
// reply codes the caller does not consider failures (exists-like calls
// declare NoNode); when one arrives the result is a nil response and the
// completion callback observes the code. Cancelling ctx detaches the
// operation: if still queued it is removed, if in flight its reply is
// discarded and the queue slot committed back.
func (s *Session) Execute(ctx context.Context, opCode proto.OpCode, request proto.Record,
	autoRetry bool, nonErrors []proto.ErrorCode, onCompleted CompletionCallback) (proto.Record, error) {
	s.mu.Lock()
	if err := terminalError(s.state); err != nil {
		s.mu.Unlock()
		return nil, proto.NewError(err.Code, "request: %s", opCode)
	}
	s.mu.Unlock()

	op := newOperation(opCode, request, autoRetry, nonErrors, onCompleted)
	if err := s.pending.InsertTail(ctx, op); err != nil {
		return nil, fmt.Errorf("enqueue %s: %w", opCode, err)
	}

	select {
	case <-op.done:
		return op.result()
	case <-ctx.Done():
		op.cancel()
		if !s.pending.IsClosed() {
			s.pending.TryRemoveItem(op)
		}
		return nil, ctx.Err()
	}
}

// AddWatcher registers a watcher in the table for its type. Multiple
// watchers may coexist at the same (type, path); they all fire together.
func (s *Session) AddWatcher(w *Watcher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	table := s.watchers[w.wtype]
	set, ok := table[w.path]
	if !ok {
		set = make(map[*Watcher]struct{})
		table[w.path] = set
	}
	set[w] = struct{}{}
}

// Close terminates the session explicitly. Outstanding work fails as if the
// session had expired.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if isTerminal(s.state) {
		return
	}
	s.resetLocked(StateClosed, EventClosed)
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsClosed reports whether the session is in a terminal state.
func (s *Session) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return isTerminal(s.state)
}

func (s *Session) ID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

func (s *Session) LastZxid() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastZxid
}

// Timeout is the negotiated session timeout.
func (s *Session) Timeout() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timeout
}

// ReadTimeout is the steady-state read deadline: two thirds of the session
// timeout. A silent connection is declared lost after this long.
func (s *Session) ReadTimeout() time.Duration {
	return s.Timeout() * 2 / 3
}

// pingInterval is how long the sender stays idle before emitting a ping:
// a third of the session timeout.
func (s *Session) pingInterval() time.Duration {
	return s.Timeout() / 3
}

func isTerminal(state State) bool {
	return state == StateClosed || state == StateAuthFailed
}

// terminalError maps a terminal state to the error kind outstanding work
// fails with; nil for non-terminal states.
func terminalError(state State) *proto.Error {
	switch state {
	case StateClosed:
		return proto.ErrSessionExpired
	case StateAuthFailed:
		return proto.ErrAuthFailed
	}
	return nil
}

// setStateLocked drives every transition. Callers hold mu.
//
// Entering a non-terminal failure state fails in-flight operations with a
// transient connection loss: retryable ones re-queue at the pending tail,
// the rest resolve with the failure. Entering a terminal state fails
// pending, in-flight, and unfired watchers with the terminal kind, closes
// the pending queue, and tears down any live connection after a best-effort
// close-session frame.
func (s *Session) setStateLocked(newState State, event EventKind) {
	old := s.state
	var failure *proto.Error

	switch old {
	case StateConnecting:
		if newState == old {
			return
		}
		switch newState {
		case StateConnected:
		case StateClosed:
			if event == EventSessionExpired {
				failure = proto.ErrSessionExpired
			} else {
				failure = proto.ErrConnectionLoss
			}
		case StateAuthFailed:
			failure = proto.ErrAuthFailed
		}
	case StateConnected:
		switch newState {
		case StateConnecting, StateClosed:
			failure = proto.ErrConnectionLoss
		}
	case StateClosed, StateAuthFailed:
		// Only a restart (Connect, -> connecting) leaves a terminal state;
		// nothing is failed on the way out.
	}

	if failure != nil {
		needRetry := failure.Code == proto.CodeConnectionLoss
		terminal := terminalError(newState)

		if terminal == nil {
			s.pending.CommitRemovals(s.inflight.len())
			for _, op := range s.inflight.all() {
				if op.isCancelled() {
					continue
				}
				if needRetry && op.autoRetry {
					s.pending.TryInsertTail(op)
				} else {
					op.fail(proto.NewError(failure.Code, "request: %s", op.opCode))
				}
			}
			s.inflight.clear()
		} else {
			if s.conn != nil && !s.conn.IsClosed() {
				if s.id != 0 {
					s.writeCloseFrame(s.conn)
				}
				s.conn.Close()
			}

			for {
				op, ok := s.pending.TryRemoveHead(true)
				if !ok {
					break
				}
				if op.isCancelled() {
					continue
				}
				op.fail(proto.NewError(terminal.Code, "request: %s", op.opCode))
			}
			s.pending.Close(proto.ErrorForCode(terminal.Code))

			for _, op := range s.inflight.all() {
				if op.isCancelled() {
					continue
				}
				op.fail(proto.NewError(terminal.Code, "request: %s", op.opCode))
			}
			s.inflight.clear()

			for wt := range s.watchers {
				for _, set := range s.watchers[wt] {
					for w := range set {
						if w.IsRemoved() {
							continue
						}
						w.fail(proto.NewError(terminal.Code, "watcher: %s", w))
					}
				}
				s.watchers[wt] = make(map[string]map[*Watcher]struct{})
			}
		}
	}

	s.state = newState
	s.Info("session state change",
		"session_id", fmt.Sprintf("%#x", s.id), "state", newState, "event", event)

	change := StateChange{State: newState, Event: event}
	for l := range s.listeners {
		l.put(change)
	}
}

// resetLocked enters a terminal state and clears session identity so a
// subsequent start negotiates a fresh session.
func (s *Session) resetLocked(finalState State, event EventKind) {
	s.setStateLocked(finalState, event)
	s.id = 0
	s.password = nil
	s.lastZxid = 0
	s.pending.Reset(maxPendingOperations)
}

// nextXIDLocked allocates the next positive xid, wrapping at 2^31 and
// skipping 0 so a wrapped xid cannot collide with the unassigned sentinel.
func (s *Session) nextXIDLocked() int32 {
	xid := s.nextXid
	next := (xid + 1) & 0x7FFFFFFF
	if next == 0 {
		next = 1
	}
	s.nextXid = next
	return xid
}

// fireWatcherEventLocked resolves and removes every unfired watcher at the
// event's (type, path) coordinates.
func (s *Session) fireWatcherEventLocked(eventType proto.EventType, path string) {
	for _, wt := range watcherTypesForEvent[eventType] {
		table := s.watchers[wt]
		set, ok := table[path]
		if !ok {
			s.Warn("missing watcher", "event_type", eventType, "path", path)
			continue
		}
		delete(table, path)
		for w := range set {
			if w.IsRemoved() {
				continue
			}
			w.fire(eventType)
		}
	}
}
