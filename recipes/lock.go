// Package recipes builds coordination primitives (locks, barriers, queues)
// on top of the client: ephemeral-sequential nodes for ordering, watches for
// wakeups, and create/list reconciliation to stay correct across connection
// loss.
package recipes

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jpillora/backoff"

	libzk "github.com/ensemblelabs/libzk-go"
	"github.com/ensemblelabs/libzk-go/proto"
)

var ErrNotLocked = errors.New("lock not held")
var ErrAlreadyLocked = errors.New("lock already held")

func newBackoff() *backoff.Backoff {
	return &backoff.Backoff{
		Min:    50 * time.Millisecond,
		Max:    5 * time.Second,
		Factor: 2,
		Jitter: true,
	}
}

// seqSuffix is the server-assigned sequence part of a sequential node name;
// names sort by it.
func seqSuffix(name string) string {
	if i := strings.LastIndex(name, "-"); i >= 0 {
		return name[i+1:]
	}
	return name
}

func sortBySeq(names []string) []string {
	sorted := append([]string(nil), names...)
	sort.Slice(sorted, func(i, j int) bool {
		return seqSuffix(sorted[i]) < seqSuffix(sorted[j])
	})
	return sorted
}

// Lock is a distributed mutex over a directory node. Holders create
// ephemeral-sequential locker nodes and queue on their predecessors.
type Lock struct {
	client *libzk.Client
	path   string

	mu         sync.Mutex
	lockerPath string
}

func NewLock(client *libzk.Client, path string) *Lock {
	return &Lock{client: client, path: client.NormalizePath(path)}
}

// Acquire blocks until the lock is held. A connection loss during the
// create is reconciled by listing the children and matching our unique name
// prefix, so the lock is never acquired twice and never leaked.
func (l *Lock) Acquire(ctx context.Context) error {
	return l.acquire(ctx, "")
}

func (l *Lock) acquire(ctx context.Context, kindPrefix string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.lockerPath != "" {
		return ErrAlreadyLocked
	}

	namePrefix := kindPrefix + uuid.New().String() + "-"
	lockerPath, lockerNames, err := l.createLocker(ctx, namePrefix)
	if err != nil {
		return err
	}
	lockerName := lockerPath[strings.LastIndex(lockerPath, "/")+1:]

	for {
		queue := l.waitQueue(lockerNames, lockerName, kindPrefix != "")
		myIndex := indexOf(queue, lockerName)
		if myIndex < 0 {
			return proto.NewError(proto.CodeNoNode, "locker node %s vanished", lockerName)
		}
		if myIndex == 0 {
			break
		}

		stat, watcher, err := l.client.ExistsW(ctx, l.path+"/"+queue[myIndex-1], libzk.WithAutoRetry())
		if err != nil {
			return err
		}
		if stat != nil {
			if _, err := watcher.Wait(ctx); err != nil {
				watcher.Remove()
				return err
			}
		} else {
			watcher.Remove()
		}

		lockerNames, err = l.client.GetChildren(ctx, l.path, libzk.WithAutoRetry())
		if err != nil {
			return err
		}
	}

	l.lockerPath = lockerPath
	return nil
}

// createLocker creates the ephemeral-sequential locker node, surviving the
// create/reply race on connection loss: if the reply was lost the node may
// exist anyway, so the children are searched for our prefix before retrying.
func (l *Lock) createLocker(ctx context.Context, namePrefix string) (string, []string, error) {
	boff := newBackoff()
	for {
		lockerPath := ""
		created, err := l.client.Create(ctx, l.path+"/"+namePrefix, nil,
			proto.ModeEphemeralSequential, nil)
		if err == nil {
			lockerPath = created
		} else if code, ok := proto.CodeOf(err); !ok || code != proto.CodeConnectionLoss {
			return "", nil, err
		}

		lockerNames, err := l.client.GetChildren(ctx, l.path, libzk.WithAutoRetry())
		if err != nil {
			return "", nil, err
		}

		if lockerPath == "" {
			for _, name := range lockerNames {
				if strings.HasPrefix(name, namePrefix) {
					lockerPath = l.path + "/" + name
					break
				}
			}
		}
		if lockerPath != "" {
			return lockerPath, lockerNames, nil
		}

		select {
		case <-time.After(boff.Duration()):
		case <-ctx.Done():
			return "", nil, ctx.Err()
		}
	}
}

// waitQueue is the ordered set of lockers we must queue behind. An
// exclusive locker queues behind everyone; a shared locker ignores other
// shared lockers.
func (l *Lock) waitQueue(lockerNames []string, self string, shared bool) []string {
	if !shared {
		return sortBySeq(lockerNames)
	}
	filtered := make([]string, 0, len(lockerNames))
	for _, name := range lockerNames {
		if name == self || !strings.HasPrefix(name, sharedLockerPrefix) {
			filtered = append(filtered, name)
		}
	}
	return sortBySeq(filtered)
}

// Release drops the lock.
func (l *Lock) Release(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.lockerPath == "" {
		return ErrNotLocked
	}
	if err := l.client.Delete(ctx, l.lockerPath, -1, libzk.WithAutoRetry()); err != nil {
		if code, ok := proto.CodeOf(err); !ok || code != proto.CodeNoNode {
			return err
		}
	}
	l.lockerPath = ""
	return nil
}

// IsLocked reports whether this instance holds the lock.
func (l *Lock) IsLocked() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lockerPath != ""
}

const sharedLockerPrefix = "shared-"

// SharedLock adds a shared (read) mode: shared holders only queue behind
// exclusive lockers.
type SharedLock struct {
	Lock
}

func NewSharedLock(client *libzk.Client, path string) *SharedLock {
	return &SharedLock{Lock: Lock{client: client, path: client.NormalizePath(path)}}
}

// AcquireShared blocks until the lock is held in shared mode.
func (l *SharedLock) AcquireShared(ctx context.Context) error {
	return l.acquire(ctx, sharedLockerPrefix)
}

func indexOf(names []string, name string) int {
	for i, n := range names {
		if n == name {
			return i
		}
	}
	return -1
}
