// Copyright 2025 The fibersync Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package waitq implements the wait queue of a fiber mutex.
//
// A Waiter is a one-shot wake token owned by a single blocked fiber. It is
// linked into a Queue while the caller holds the mutex guard, then the fiber
// parks on it with Park or ParkUntil, which release the guard first. The wake
// channel has a buffer of one, so a Wake issued between the guard release and
// the fiber blocking is not lost: releasing the guard and suspending behave as
// one step for every other party that synchronizes through the guard.
//
// Queue and Waiter link state must only be touched with the guard held.
// Wake, Park and ParkUntil are the exceptions and are called without it.
package waitq

import (
	"container/list"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
)

// Waiter is a wait token for one blocked fiber.
type Waiter struct {
	id    int64
	ready chan struct{}
	elem  *list.Element
}

// NewWaiter returns an unlinked token for the fiber with the given ID.
func NewWaiter(id int64) *Waiter {
	return &Waiter{
		id:    id,
		ready: make(chan struct{}, 1),
	}
}

// ID returns the fiber ID the token was created for.
func (w *Waiter) ID() int64 {
	return w.id
}

// Linked reports whether the token is in a queue. Guard must be held.
func (w *Waiter) Linked() bool {
	return w.elem != nil
}

// Wake makes the parked fiber runnable. It never blocks. The token must have
// been unlinked first, and a token can be woken at most once.
func (w *Waiter) Wake() {
	select {
	case w.ready <- struct{}{}:
	default:
		panic(errors.AssertionFailedf("waitq: fiber %d woken twice", w.id))
	}
}

// Park releases guard and blocks until Wake is called.
func (w *Waiter) Park(guard sync.Locker) {
	guard.Unlock()
	<-w.ready
}

// ParkUntil releases guard and blocks until Wake is called, expired fires or
// done is closed. Nil channels never fire. It reports whether the fiber was
// woken; on false the caller must re-take the guard and settle the outcome
// with Queue.Remove, because a Wake may be racing with the expiry.
func (w *Waiter) ParkUntil(guard sync.Locker, expired <-chan time.Time, done <-chan struct{}) bool {
	guard.Unlock()
	select {
	case <-w.ready:
		return true
	case <-expired:
	case <-done:
	}
	// Both may be ready at once; select picks randomly, so prefer the wake.
	select {
	case <-w.ready:
		return true
	default:
		return false
	}
}

// Queue is a FIFO of waiters, each fiber present at most once.
// The zero value is an empty queue. Guard must be held for every method.
type Queue struct {
	l    list.List
	byID map[int64]*Waiter
}

// Link appends w to the back of the queue. Linking a token twice, or a
// second token for a fiber that is already queued, is an invariant breach
// and panics.
func (q *Queue) Link(w *Waiter) {
	if w.Linked() {
		panic(errors.AssertionFailedf("waitq: fiber %d is already linked", w.id))
	}
	if _, dup := q.byID[w.id]; dup {
		panic(errors.AssertionFailedf("waitq: fiber %d is already queued", w.id))
	}
	if q.byID == nil {
		q.byID = make(map[int64]*Waiter)
	}
	w.elem = q.l.PushBack(w)
	q.byID[w.id] = w
}

// Remove unlinks w and reports whether it was linked. Removing an unlinked
// token is a no-op.
func (q *Queue) Remove(w *Waiter) bool {
	if !w.Linked() {
		return false
	}
	q.l.Remove(w.elem)
	w.elem = nil
	delete(q.byID, w.id)
	return true
}

// PopFront unlinks and returns the longest-waiting token, or nil if the
// queue is empty.
func (q *Queue) PopFront() *Waiter {
	front := q.l.Front()
	if front == nil {
		return nil
	}
	w := front.Value.(*Waiter)
	q.Remove(w)
	return w
}

// Len returns the number of queued waiters.
func (q *Queue) Len() int {
	return q.l.Len()
}

// Contains reports whether a waiter for fiber id is queued.
func (q *Queue) Contains(id int64) bool {
	_, ok := q.byID[id]
	return ok
}

// IDs returns the queued fiber IDs in FIFO order.
func (q *Queue) IDs() []int64 {
	if q.l.Len() == 0 {
		return nil
	}
	ids := make([]int64, 0, q.l.Len())
	for e := q.l.Front(); e != nil; e = e.Next() {
		ids = append(ids, e.Value.(*Waiter).id)
	}
	return ids
}
