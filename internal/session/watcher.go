package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ensemblelabs/libzk-go/proto"
)

// WatcherType selects which registry table a watcher lives in.
type WatcherType int

const (
	WatchData WatcherType = iota
	WatchExist
	WatchChild

	numWatcherTypes
)

func (t WatcherType) String() string {
	switch t {
	case WatchData:
		return "data"
	case WatchExist:
		return "exist"
	case WatchChild:
		return "child"
	}
	return fmt.Sprintf("watcherType(%d)", int(t))
}

// ErrWatcherRemoved reports that a watcher was cancelled before its event
// arrived.
var ErrWatcherRemoved = errors.New("watcher removed")

// A Watcher is a one-shot registration for a future event at a path. It
// resolves exactly once: with the event kind, with a terminal session error,
// or with ErrWatcherRemoved after cancellation.
type Watcher struct {
	wtype WatcherType
	path  string

	mu       sync.Mutex
	resolved bool
	event    proto.EventType
	err      error
	done     chan struct{}
}

// NewWatcher builds an unregistered watcher; the façade registers it with
// Session.AddWatcher from inside an operation's completion callback so that
// a failed submission never leaves a dangling watcher.
func NewWatcher(wtype WatcherType, path string) *Watcher {
	return &Watcher{wtype: wtype, path: path, done: make(chan struct{})}
}

func (w *Watcher) Type() WatcherType { return w.wtype }

func (w *Watcher) Path() string { return w.path }

// Wait blocks for the watcher's resolution.
func (w *Watcher) Wait(ctx context.Context) (proto.EventType, error) {
	select {
	case <-w.done:
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.event, w.err
}

// Done is closed once the watcher has resolved.
func (w *Watcher) Done() <-chan struct{} {
	return w.done
}

// Remove cancels the watcher. Rewatching skips paths whose watchers are all
// removed, and a removed watcher is skipped when its path fires.
func (w *Watcher) Remove() {
	w.resolve(0, ErrWatcherRemoved)
}

// IsRemoved reports whether the watcher has resolved in any way.
func (w *Watcher) IsRemoved() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.resolved
}

func (w *Watcher) fire(event proto.EventType) {
	w.resolve(event, nil)
}

func (w *Watcher) fail(err error) {
	w.resolve(0, err)
}

func (w *Watcher) resolve(event proto.EventType, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.resolved {
		return
	}
	w.resolved = true
	w.event = event
	w.err = err
	close(w.done)
}

func (w *Watcher) String() string {
	return fmt.Sprintf("<watcher type=%s path=%q>", w.wtype, w.path)
}
