package opqueue

import (
	"context"
	"errors"
	"sync"
)

// ErrQueueClosed reports an operation against a closed deque when no
// specific close error was supplied.
var ErrQueueClosed = errors.New("operation queue closed")

// Deque is a bounded double-ended queue of pending operations. Removal is
// two-phase: a consumer may take an item while keeping its slot reserved
// (commit=false) and commit the removal later, once the matching reply has
// arrived, with CommitRemovals. Blocking variants are FIFO-fair per
// direction and fail with the close error once the deque is closed.
type Deque[T comparable] struct {
	mu    sync.Mutex
	sem   *Semaphore
	items []T
}

// NewDeque builds a deque with a hard capacity.
func NewDeque[T comparable](capacity int) *Deque[T] {
	return &Deque[T]{sem: NewSemaphore(0, capacity, 0)}
}

// InsertTail appends an item, blocking while the deque is full.
func (d *Deque[T]) InsertTail(ctx context.Context, item T) error {
	return d.insert(ctx, item, false)
}

// InsertHead prepends an item, blocking while the deque is full.
func (d *Deque[T]) InsertHead(ctx context.Context, item T) error {
	return d.insert(ctx, item, true)
}

// TryInsertTail appends an item without blocking; it reports false when the
// deque is full or closed.
func (d *Deque[T]) TryInsertTail(item T) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sem.up(func() { d.items = append(d.items, item) })
}

// TryInsertHead prepends an item without blocking.
func (d *Deque[T]) TryInsertHead(item T) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sem.up(func() { d.items = append([]T{item}, d.items...) })
}

// RemoveHead removes the head item, blocking while the deque is empty. When
// commit is false the item's slot stays reserved until CommitRemovals.
func (d *Deque[T]) RemoveHead(ctx context.Context, commit bool) (T, error) {
	return d.remove(ctx, commit, true)
}

// RemoveTail removes the tail item, blocking while the deque is empty.
func (d *Deque[T]) RemoveTail(ctx context.Context, commit bool) (T, error) {
	return d.remove(ctx, commit, false)
}

// TryRemoveHead removes the head item without blocking.
func (d *Deque[T]) TryRemoveHead(commit bool) (item T, ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ok = d.sem.down(!commit, func() { item = d.popHead() })
	return item, ok
}

// TryRemoveTail removes the tail item without blocking.
func (d *Deque[T]) TryRemoveTail(commit bool) (item T, ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ok = d.sem.down(!commit, func() { item = d.popTail() })
	return item, ok
}

// TryRemoveItem detaches a specific queued item, if present. Cancellation of
// a queued-but-unsent operation goes through here.
func (d *Deque[T]) TryRemoveItem(item T) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, cur := range d.items {
		if cur == item {
			d.sem.down(false, func() {
				d.items = append(d.items[:i], d.items[i+1:]...)
			})
			return true
		}
	}
	return false
}

// CommitRemovals frees n slots previously reserved by uncommitted removals.
func (d *Deque[T]) CommitRemovals(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sem.commitRemovals(n)
}

// Close fails all waiters with err (ErrQueueClosed if nil) and empties the
// container. Further operations fail with the same error.
func (d *Deque[T]) Close(err error) {
	if err == nil {
		err = ErrQueueClosed
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sem.close(err)
	d.items = nil
}

// Reset re-arms a closed deque with a fresh capacity.
func (d *Deque[T]) Reset(capacity int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sem = NewSemaphore(0, capacity, 0)
	d.items = nil
}

func (d *Deque[T]) IsClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sem.closed
}

func (d *Deque[T]) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.items)
}

func (d *Deque[T]) popHead() T {
	item := d.items[0]
	d.items = d.items[1:]
	return item
}

func (d *Deque[T]) popTail() T {
	item := d.items[len(d.items)-1]
	d.items = d.items[:len(d.items)-1]
	return item
}

func (d *Deque[T]) insert(ctx context.Context, item T, head bool) error {
	push := func() {
		if head {
			d.items = append([]T{item}, d.items...)
		} else {
			d.items = append(d.items, item)
		}
	}
	d.mu.Lock()
	woken := false
	for {
		if d.sem.closed {
			err := d.sem.closeErr
			d.mu.Unlock()
			return err
		}
		if d.sem.up(push) {
			d.mu.Unlock()
			return nil
		}
		ch, elem := d.sem.enqueue(d.sem.upWaiters, woken)
		woken = true
		d.mu.Unlock()
		select {
		case err := <-ch:
			if err != nil {
				return err
			}
		case <-ctx.Done():
			d.mu.Lock()
			d.sem.abandon(d.sem.upWaiters, elem, ch, d.sem.value < d.sem.max)
			d.mu.Unlock()
			return ctx.Err()
		}
		d.mu.Lock()
	}
}

func (d *Deque[T]) remove(ctx context.Context, commit, head bool) (T, error) {
	var item T
	pop := func() {
		if head {
			item = d.popHead()
		} else {
			item = d.popTail()
		}
	}
	d.mu.Lock()
	woken := false
	for {
		if d.sem.closed {
			err := d.sem.closeErr
			d.mu.Unlock()
			return item, err
		}
		if d.sem.down(!commit, pop) {
			d.mu.Unlock()
			return item, nil
		}
		ch, elem := d.sem.enqueue(d.sem.downWaiters, woken)
		woken = true
		d.mu.Unlock()
		select {
		case err := <-ch:
			if err != nil {
				return item, err
			}
		case <-ctx.Done():
			d.mu.Lock()
			d.sem.abandon(d.sem.downWaiters, elem, ch, d.sem.value > d.sem.min)
			d.mu.Unlock()
			return item, ctx.Err()
		}
		d.mu.Lock()
	}
}
