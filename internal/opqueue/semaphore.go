// Package opqueue provides the bounded pending-operation deque and the
// counting semaphore it is built on. The semaphore's split between reserving
// a slot (down without commit) and committing the removal later is what lets
// the session engine keep a queue slot held for an operation while it is in
// flight, so that pending plus in-flight work never exceeds the capacity
// bound.
package opqueue

import "container/list"

// Semaphore is a counting semaphore with a floor and a ceiling. Up and Down
// block at the boundaries; waiters are served FIFO per direction. A Down
// withoutCommit shrinks the ceiling alongside the value, reserving the slot
// until CommitRemovals restores it.
type Semaphore struct {
	min, max, value int
	downWaiters     *list.List // of chan error
	upWaiters       *list.List
	closed          bool
	closeErr        error
}

// NewSemaphore builds a semaphore with the given bounds and initial value.
func NewSemaphore(min, max, value int) *Semaphore {
	if value < min || value > max {
		panic("opqueue: semaphore value out of bounds")
	}
	return &Semaphore{
		min:         min,
		max:         max,
		value:       value,
		downWaiters: list.New(),
		upWaiters:   list.New(),
	}
}

// The semaphore itself is not goroutine-safe; the Deque drives it under its
// own mutex and passes container mutations through fn so that the count and
// the container change atomically. fn runs once the count change is decided,
// while the deque's lock is still held.

func (s *Semaphore) up(fn func()) bool {
	if s.closed || s.value == s.max {
		return false
	}
	s.value++
	if fn != nil {
		fn()
	}
	if s.value > s.min {
		s.notify(s.downWaiters)
	}
	if s.value < s.max {
		s.notify(s.upWaiters)
	}
	return true
}

func (s *Semaphore) down(withoutCommit bool, fn func()) bool {
	if s.closed || s.value == s.min {
		return false
	}
	s.value--
	if withoutCommit {
		s.max--
	}
	if fn != nil {
		fn()
	}
	if s.value < s.max {
		s.notify(s.upWaiters)
	}
	if s.value > s.min {
		s.notify(s.downWaiters)
	}
	return true
}

// commitRemovals raises the ceiling by n, materializing reservations taken
// with down(withoutCommit).
func (s *Semaphore) commitRemovals(n int) {
	if s.closed || n == 0 {
		return
	}
	s.max += n
	if s.value < s.max {
		s.notify(s.upWaiters)
	}
}

func (s *Semaphore) close(err error) {
	if s.closed {
		return
	}
	s.closed = true
	s.closeErr = err
	failAll(s.downWaiters, err)
	failAll(s.upWaiters, err)
}

// enqueue registers a waiter in the given direction; the caller blocks on
// the returned channel outside the lock. A waiter whose wakeup was stolen
// re-enqueues at the front to keep its place in line.
func (s *Semaphore) enqueue(waiters *list.List, front bool) (chan error, *list.Element) {
	ch := make(chan error, 1)
	if front {
		return ch, waiters.PushFront(ch)
	}
	return ch, waiters.PushBack(ch)
}

// abandon withdraws a cancelled waiter. If its wakeup already fired, the
// signal is passed on so a slot is never lost.
func (s *Semaphore) abandon(waiters *list.List, elem *list.Element, ch chan error, haveCapacity bool) {
	if s.closed {
		return
	}
	for e := waiters.Front(); e != nil; e = e.Next() {
		if e == elem {
			waiters.Remove(elem)
			return
		}
	}
	// Already signaled: drain and re-notify.
	select {
	case <-ch:
	default:
	}
	if haveCapacity {
		s.notify(waiters)
	}
}

func (s *Semaphore) notify(waiters *list.List) {
	if front := waiters.Front(); front != nil {
		waiters.Remove(front)
		front.Value.(chan error) <- nil
	}
}

func failAll(waiters *list.List, err error) {
	for e := waiters.Front(); e != nil; e = e.Next() {
		e.Value.(chan error) <- err
	}
	waiters.Init()
}
