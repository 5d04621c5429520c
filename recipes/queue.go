package recipes

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	libzk "github.com/ensemblelabs/libzk-go"
	"github.com/ensemblelabs/libzk-go/proto"
)

// Queue is a distributed FIFO queue of byte items under a directory node.
// Items are persistent-sequential children; a lock serializes consumers so
// an item is dequeued exactly once.
type Queue struct {
	queueBase
}

func NewQueue(client *libzk.Client, path string, lock *Lock) *Queue {
	return &Queue{queueBase{
		client: client,
		path:   client.NormalizePath(path),
		lock:   lock,
	}}
}

// Enqueue appends items atomically (one multi).
func (q *Queue) Enqueue(ctx context.Context, items ...[]byte) error {
	return q.enqueue(ctx, "", items)
}

// MaxItemPriority is the highest priority a PriorityQueue item can carry.
const MaxItemPriority = 999

// PriorityQueue dequeues higher-priority items first; ties are FIFO.
type PriorityQueue struct {
	queueBase
}

func NewPriorityQueue(client *libzk.Client, path string, lock *Lock) *PriorityQueue {
	return &PriorityQueue{queueBase{
		client: client,
		path:   client.NormalizePath(path),
		lock:   lock,
	}}
}

// Enqueue appends items atomically at the given priority.
func (q *PriorityQueue) Enqueue(ctx context.Context, priority int, items ...[]byte) error {
	if priority < 0 || priority > MaxItemPriority {
		return fmt.Errorf("priority %d out of range", priority)
	}
	return q.enqueue(ctx, fmt.Sprintf("%.3d.", MaxItemPriority-priority), items)
}

type queueBase struct {
	client *libzk.Client
	path   string
	lock   *Lock

	mu sync.Mutex
}

// Dequeue takes up to maxItems items, blocking until at least one is
// available. A negative maxItems takes everything present.
func (q *queueBase) Dequeue(ctx context.Context, maxItems int) ([][]byte, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.lock.Acquire(ctx); err != nil {
		return nil, err
	}
	items, err := q.dequeueLocked(ctx, maxItems)
	if relErr := q.lock.Release(ctx); relErr != nil && err == nil {
		err = relErr
	}
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (q *queueBase) dequeueLocked(ctx context.Context, maxItems int) ([][]byte, error) {
	var itemNames []string
	for {
		names, watcher, err := q.client.GetChildrenW(ctx, q.path, libzk.WithAutoRetry())
		if err != nil {
			return nil, err
		}
		if len(names) >= 1 {
			watcher.Remove()
			itemNames = names
			break
		}
		if _, err := watcher.Wait(ctx); err != nil {
			watcher.Remove()
			return nil, err
		}
	}

	itemNames = sortBySeq(itemNames)
	if maxItems >= 0 && len(itemNames) > maxItems {
		itemNames = itemNames[:maxItems]
	}

	items := make([][]byte, len(itemNames))
	for i, name := range itemNames {
		data, _, err := q.client.GetData(ctx, q.path+"/"+name, libzk.WithAutoRetry())
		if err != nil {
			return nil, err
		}
		items[i] = data
	}

	ops := make([]proto.Op, len(itemNames))
	for i, name := range itemNames {
		ops[i] = q.client.DeleteOp(q.path+"/"+name, -1)
	}
	if _, err := q.client.Multi(ctx, ops, libzk.WithAutoRetry()); err != nil {
		return nil, err
	}
	return items, nil
}

// enqueue creates the items in one multi, reconciling a lost reply by
// checking whether our unique prefix already landed.
func (q *queueBase) enqueue(ctx context.Context, namePrefixEnd string, items [][]byte) error {
	if strings.Contains(namePrefixEnd, "-") {
		return fmt.Errorf("invalid name prefix %q", namePrefixEnd)
	}
	namePrefix := uuid.New().String() + "-" + namePrefixEnd

	boff := newBackoff()
	for {
		ops := make([]proto.Op, len(items))
		for i, item := range items {
			ops[i] = q.client.CreateOp(q.path+"/"+namePrefix, item, proto.ModePersistentSequential, nil)
		}

		_, err := q.client.Multi(ctx, ops)
		if err == nil {
			return nil
		}
		if code, ok := proto.CodeOf(err); !ok || code != proto.CodeConnectionLoss {
			return err
		}

		children, err := q.client.GetChildren(ctx, q.path, libzk.WithAutoRetry())
		if err != nil {
			return err
		}
		for _, child := range children {
			if strings.HasPrefix(child, namePrefix) {
				return nil
			}
		}

		select {
		case <-time.After(boff.Duration()):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
