// Copyright 2025 The fibersync Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package fiber

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"

	"github.com/kolkov/fibersync/internal/guard"
	"github.com/kolkov/fibersync/internal/spinlock"
	"github.com/kolkov/fibersync/internal/stackdepot"
	"github.com/kolkov/fibersync/internal/waitq"
)

var defaultClock = clock.New()

// TimedMutex is a mutual exclusion lock for fibers with deadline-bounded
// acquisition and direct FIFO handoff.
//
// The zero value is an unlocked mutex using the default scheduler, a
// spinlock guard and the wall clock. A TimedMutex must not be copied after
// first use.
//
// Ownership is tracked per fiber: only the fiber that acquired the mutex may
// unlock it, and a fiber that tries to acquire a mutex it already owns gets
// ErrDeadlockDetected instead of blocking forever.
type TimedMutex struct {
	guard sync.Locker
	spin  spinlock.Lock // guard of the zero value

	// Protected by the guard.
	owner   ID
	waiters waitq.Queue
	site    uint64 // stackdepot hash of the owner's acquisition

	name        string
	sched       Scheduler
	clock       clock.Clock
	log         zerolog.Logger
	tracer      Tracer
	recordSites bool
	noTryYield  bool
}

// NewTimedMutex returns an unlocked mutex configured by opts.
func NewTimedMutex(opts ...Option) *TimedMutex {
	m := &TimedMutex{guard: guard.New()}
	for _, opt := range opts {
		opt(m)
	}
	if m.name != "" {
		m.log = m.log.With().Str("mutex", m.name).Logger()
	}
	return m
}

// Name returns the name set with WithName.
func (m *TimedMutex) Name() string {
	return m.name
}

// Lock acquires the mutex, blocking the calling fiber until it is the owner.
//
// If the mutex is held, the caller joins the back of the wait queue and is
// suspended until an Unlock hands ownership directly to it. Lock returns an
// error wrapping ErrDeadlockDetected, without blocking, if the caller
// already owns the mutex.
func (m *TimedMutex) Lock() error {
	self := m.active()
	g := m.lk()

	g.Lock()
	switch m.owner {
	case self:
		return m.deadlockLocked(g, self, "lock")
	case NoFiber:
		m.acquireLocked(self)
		g.Unlock()
		return nil
	}

	w := m.enqueueLocked(self)
	w.Park(g)
	m.resumed(self, w)
	m.log.Debug().Stringer("fiber", self).Msg("lock: acquired by handoff")
	return nil
}

// LockContext is like Lock but gives up when ctx is done.
//
// On cancellation the caller is removed from the wait queue and the
// context's error is returned. If an Unlock hands the mutex over at the same
// moment the context is cancelled, the handoff wins: LockContext returns nil
// and the caller owns the mutex.
func (m *TimedMutex) LockContext(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return errors.Wrap(err, "fiber: lock")
	}

	self := m.active()
	g := m.lk()

	g.Lock()
	switch m.owner {
	case self:
		return m.deadlockLocked(g, self, "lock")
	case NoFiber:
		m.acquireLocked(self)
		g.Unlock()
		return nil
	}

	w := m.enqueueLocked(self)
	if w.ParkUntil(g, nil, ctx.Done()) || m.settle(self, w, EventCancel) {
		m.resumed(self, w)
		return nil
	}
	m.log.Debug().Stringer("fiber", self).Msg("lock: cancelled")
	return errors.Wrap(ctx.Err(), "fiber: lock")
}

// TryLock attempts to acquire the mutex without blocking.
//
// After the attempt TryLock yields once to the scheduler, giving other
// runnable fibers a turn, and then reports whether the caller is the owner.
// The yield is a fairness measure and can be disabled with
// WithoutTryLockYield. An error wrapping ErrDeadlockDetected is returned if
// the caller already owns the mutex.
func (m *TimedMutex) TryLock() (bool, error) {
	self := m.active()
	g := m.lk()

	g.Lock()
	switch m.owner {
	case self:
		return false, m.deadlockLocked(g, self, "try_lock")
	case NoFiber:
		m.acquireLocked(self)
	}
	g.Unlock()

	if !m.noTryYield {
		m.scheduler().Yield()
	}

	g.Lock()
	owned := m.owner == self
	g.Unlock()
	return owned, nil
}

// TryLockUntil attempts to acquire the mutex, blocking until deadline at
// the latest. It reports whether the mutex was acquired; running out of time
// is not an error.
//
// A deadline already in the past fails immediately without touching the
// mutex. A caller whose deadline expires is always removed from the wait
// queue before TryLockUntil returns. If an Unlock hands the mutex over at
// the moment the deadline expires, exactly one outcome is reported: either
// true with the caller as owner, or false with the caller neither owner nor
// queued.
//
// An error wrapping ErrDeadlockDetected is returned if the caller already
// owns the mutex.
func (m *TimedMutex) TryLockUntil(deadline time.Time) (bool, error) {
	clk := m.clk()
	d := deadline.Sub(clk.Now())
	if d < 0 {
		return false, nil
	}

	self := m.active()
	g := m.lk()

	g.Lock()
	switch m.owner {
	case self:
		return false, m.deadlockLocked(g, self, "try_lock_until")
	case NoFiber:
		m.acquireLocked(self)
		g.Unlock()
		return true, nil
	}

	w := m.enqueueLocked(self)
	// Armed under the guard: once the waiter is visible in the queue, its
	// timer exists.
	timer := clk.Timer(d)
	woken := w.ParkUntil(g, timer.C, nil)
	timer.Stop()

	if woken || m.settle(self, w, EventTimeout) {
		m.resumed(self, w)
		return true, nil
	}
	m.log.Debug().Stringer("fiber", self).Time("deadline", deadline).Msg("try_lock_until: timed out")
	return false, nil
}

// TryLockFor is TryLockUntil with a deadline of d from now.
func (m *TimedMutex) TryLockFor(d time.Duration) (bool, error) {
	return m.TryLockUntil(m.clk().Now().Add(d))
}

// Unlock releases the mutex.
//
// If fibers are waiting, ownership passes directly to the longest-waiting
// one before it is resumed; it does not compete for the mutex again.
// Unlock returns an error wrapping ErrNotPermitted, leaving the mutex
// unchanged, if the caller is not the owner.
func (m *TimedMutex) Unlock() error {
	self := m.active()
	g := m.lk()

	g.Lock()
	if m.owner != self {
		owner := m.owner
		m.trace(EventNotPermitted, self, owner)
		g.Unlock()
		m.log.Warn().Stringer("fiber", self).Stringer("owner", owner).Msg("unlock: not the owner")
		return errors.Wrapf(ErrNotPermitted, "unlock by fiber %s, owner %s", self, owner)
	}

	m.site = 0
	next := m.waiters.PopFront()
	if next == nil {
		m.owner = NoFiber
		m.trace(EventRelease, self, NoFiber)
		g.Unlock()
		return nil
	}

	m.owner = ID(next.ID())
	m.trace(EventHandoff, self, m.owner)
	g.Unlock()
	next.Wake()

	m.log.Trace().Stringer("fiber", self).Int64("next", next.ID()).Msg("unlock: handoff")
	return nil
}

// State is a snapshot of a mutex's bookkeeping.
type State struct {
	// Owner is the owning fiber, NoFiber if unlocked.
	Owner ID
	// Waiters lists the queued fibers, longest-waiting first.
	Waiters []ID
}

// Locked reports whether the mutex had an owner.
func (s State) Locked() bool {
	return s.Owner != NoFiber
}

// State returns a consistent snapshot of the owner and wait queue. It is
// meant for diagnostics: the mutex may change as soon as it returns.
func (m *TimedMutex) State() State {
	g := m.lk()
	g.Lock()
	defer g.Unlock()

	s := State{Owner: m.owner}
	for _, id := range m.waiters.IDs() {
		s.Waiters = append(s.Waiters, ID(id))
	}
	return s
}

// Locker returns a sync.Locker view of m. Its methods panic with the error
// Lock or Unlock would have returned.
func (m *TimedMutex) Locker() sync.Locker {
	return locker{m}
}

type locker struct{ m *TimedMutex }

func (l locker) Lock() {
	if err := l.m.Lock(); err != nil {
		panic(err)
	}
}

func (l locker) Unlock() {
	if err := l.m.Unlock(); err != nil {
		panic(err)
	}
}

func (m *TimedMutex) lk() sync.Locker {
	if m.guard != nil {
		return m.guard
	}
	return &m.spin
}

func (m *TimedMutex) scheduler() Scheduler {
	if m.sched != nil {
		return m.sched
	}
	return goroutineScheduler{}
}

// active identifies the calling fiber.
func (m *TimedMutex) active() ID {
	id := m.scheduler().Active()
	if id == NoFiber {
		panic(errors.AssertionFailedf("scheduler returned no fiber"))
	}
	return id
}

func (m *TimedMutex) clk() clock.Clock {
	if m.clock != nil {
		return m.clock
	}
	return defaultClock
}

func (m *TimedMutex) trace(kind EventKind, fiber, next ID) {
	if m.tracer != nil {
		m.tracer.Trace(Event{Mutex: m, Kind: kind, Fiber: fiber, Next: next})
	}
}

// acquireLocked makes self the owner of an unlocked mutex.
func (m *TimedMutex) acquireLocked(self ID) {
	m.owner = self
	if m.recordSites {
		m.site = stackdepot.Capture(1)
	}
	m.trace(EventAcquire, self, NoFiber)
}

// enqueueLocked links a new waiter for self at the back of the queue.
func (m *TimedMutex) enqueueLocked(self ID) *waitq.Waiter {
	w := waitq.NewWaiter(int64(self))
	m.waiters.Link(w)
	m.trace(EventEnqueue, self, NoFiber)
	return w
}

// deadlockLocked reports a re-acquisition by the owner and releases g.
func (m *TimedMutex) deadlockLocked(g sync.Locker, self ID, op string) error {
	site := m.site
	m.trace(EventDeadlock, self, NoFiber)
	g.Unlock()

	m.log.Warn().Stringer("fiber", self).Str("op", op).Msg("deadlock detected")
	err := errors.Wrapf(ErrDeadlockDetected, "%s by fiber %s", op, self)
	if st := stackdepot.Get(site); st != nil {
		err = errors.WithDetailf(err, "mutex acquired at:\n%s", st.Format())
	}
	return err
}

// settle decides the outcome of a wait that ended without a wake. The guard
// is re-taken, so the decision is ordered against every Unlock: if the
// waiter is still queued it is removed and settle returns false; otherwise
// an Unlock already popped it and made self the owner, and settle returns
// true. The popping Unlock's Wake lands in the discarded waiter's buffer.
func (m *TimedMutex) settle(self ID, w *waitq.Waiter, kind EventKind) bool {
	g := m.lk()
	g.Lock()
	defer g.Unlock()

	if m.waiters.Remove(w) {
		m.trace(kind, self, NoFiber)
		return false
	}
	if m.owner != self {
		panic(errors.AssertionFailedf("fiber %s unlinked without handoff, owner %s", self, m.owner))
	}
	return true
}

// resumed runs on a fiber that was handed ownership while waiting.
func (m *TimedMutex) resumed(self ID, w *waitq.Waiter) {
	if w.Linked() {
		panic(errors.AssertionFailedf("fiber %s resumed while still queued", self))
	}
	if !m.recordSites {
		return
	}
	g := m.lk()
	g.Lock()
	m.site = stackdepot.Capture(1)
	g.Unlock()
}
