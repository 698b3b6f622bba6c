// Copyright 2025 The fibersync Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package fiber

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cockroachdb/errors"
	qt "github.com/frankban/quicktest"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/rs/zerolog"
)

var stateEquals = qt.CmpEquals(cmpopts.EquateEmpty())

func TestTimedMutex_ZeroValue(t *testing.T) {
	c := qt.New(t)

	var m TimedMutex
	c.Assert(m.State(), stateEquals, State{})
	c.Assert(m.Lock(), qt.IsNil)
	c.Assert(m.State(), stateEquals, State{Owner: Current()})
	c.Assert(m.Unlock(), qt.IsNil)
	c.Assert(m.State().Locked(), qt.IsFalse)
}

// TestTimedMutex_SelfRelock checks every acquire operation reports a
// deadlock for the owner and leaves the mutex untouched.
func TestTimedMutex_SelfRelock(t *testing.T) {
	c := qt.New(t)

	m := NewTimedMutex()
	c.Assert(m.Lock(), qt.IsNil)
	want := State{Owner: Current()}

	err := m.Lock()
	c.Assert(err, qt.ErrorIs, ErrDeadlockDetected)
	c.Assert(m.State(), stateEquals, want)

	ok, err := m.TryLock()
	c.Assert(err, qt.ErrorIs, ErrDeadlockDetected)
	c.Assert(ok, qt.IsFalse)
	c.Assert(m.State(), stateEquals, want)

	ok, err = m.TryLockFor(time.Hour)
	c.Assert(err, qt.ErrorIs, ErrDeadlockDetected)
	c.Assert(ok, qt.IsFalse)
	c.Assert(m.State(), stateEquals, want)

	err = m.LockContext(context.Background())
	c.Assert(err, qt.ErrorIs, ErrDeadlockDetected)
	c.Assert(m.State(), stateEquals, want)

	c.Assert(m.Unlock(), qt.IsNil)
}

func TestTimedMutex_UnlockNotPermitted(t *testing.T) {
	c := qt.New(t)

	m := NewTimedMutex()
	c.Assert(m.Unlock(), qt.ErrorIs, ErrNotPermitted)
	c.Assert(m.State(), stateEquals, State{})

	release := make(chan struct{})
	owner, done := spawn(func() {
		c.Check(m.Lock(), qt.IsNil)
		<-release
		c.Check(m.Unlock(), qt.IsNil)
	})
	waitForState(t, m, func(s State) bool { return s.Owner == owner })

	err := m.Unlock()
	c.Assert(err, qt.ErrorIs, ErrNotPermitted)
	c.Assert(m.State(), stateEquals, State{Owner: owner})

	close(release)
	<-done
	c.Assert(m.State(), stateEquals, State{})
}

// TestTimedMutex_FIFO checks that waiters acquire in the order they blocked.
func TestTimedMutex_FIFO(t *testing.T) {
	c := qt.New(t)

	m := NewTimedMutex()
	c.Assert(m.Lock(), qt.IsNil)

	var (
		mu    sync.Mutex
		order []ID
	)
	locker := func() {
		c.Check(m.Lock(), qt.IsNil)
		mu.Lock()
		order = append(order, Current())
		mu.Unlock()
		c.Check(m.Unlock(), qt.IsNil)
	}

	a, doneA := spawn(locker)
	waitForWaiters(t, m, 1)
	b, doneB := spawn(locker)
	s := waitForWaiters(t, m, 2)
	c.Assert(s.Waiters, qt.DeepEquals, []ID{a, b})

	c.Assert(m.Unlock(), qt.IsNil)
	<-doneA
	<-doneB

	c.Assert(order, qt.DeepEquals, []ID{a, b})
	c.Assert(m.State(), stateEquals, State{})
}

// TestTimedMutex_DirectHandoff checks that the waiter owns the mutex as
// soon as Unlock returns, before it has even run.
func TestTimedMutex_DirectHandoff(t *testing.T) {
	c := qt.New(t)

	m := NewTimedMutex()
	c.Assert(m.Lock(), qt.IsNil)

	release := make(chan struct{})
	waiter, done := spawn(func() {
		c.Check(m.Lock(), qt.IsNil)
		<-release
		c.Check(m.Unlock(), qt.IsNil)
	})
	waitForWaiters(t, m, 1)

	c.Assert(m.Unlock(), qt.IsNil)
	c.Assert(m.State(), stateEquals, State{Owner: waiter})

	// A third fiber cannot barge in ahead of the handoff.
	ok, err := m.TryLock()
	c.Assert(err, qt.IsNil)
	c.Assert(ok, qt.IsFalse)

	close(release)
	<-done
}

// TestTimedMutex_LockTryLockHandoff follows a lock, a failed try, a blocked
// lock and a handoff end to end.
func TestTimedMutex_LockTryLockHandoff(t *testing.T) {
	c := qt.New(t)

	m := NewTimedMutex()
	a := Current()

	c.Assert(m.Lock(), qt.IsNil)
	c.Assert(m.State(), stateEquals, State{Owner: a})

	_, doneB := spawn(func() {
		ok, err := m.TryLock()
		c.Check(err, qt.IsNil)
		c.Check(ok, qt.IsFalse)
	})
	<-doneB
	c.Assert(m.State(), stateEquals, State{Owner: a})

	var observed State
	cID, doneC := spawn(func() {
		c.Check(m.Lock(), qt.IsNil)
		observed = m.State()
		c.Check(m.Unlock(), qt.IsNil)
	})
	s := waitForWaiters(t, m, 1)
	c.Assert(s, stateEquals, State{Owner: a, Waiters: []ID{cID}})

	c.Assert(m.Unlock(), qt.IsNil)
	<-doneC
	c.Assert(observed, stateEquals, State{Owner: cID})
	c.Assert(m.State(), stateEquals, State{})
}

// TestTimedMutex_TryLockUntilTimeout follows an uncontended timed lock and a
// contended one that expires, using a mock clock.
func TestTimedMutex_TryLockUntilTimeout(t *testing.T) {
	c := qt.New(t)

	mock := clock.NewMock()
	m := NewTimedMutex(WithClock(mock))
	a := Current()

	ok, err := m.TryLockUntil(mock.Now().Add(50 * time.Millisecond))
	c.Assert(err, qt.IsNil)
	c.Assert(ok, qt.IsTrue)
	c.Assert(m.State(), stateEquals, State{Owner: a})

	result := make(chan bool, 1)
	b, doneB := spawn(func() {
		ok, err := m.TryLockUntil(mock.Now().Add(10 * time.Millisecond))
		c.Check(err, qt.IsNil)
		result <- ok
	})
	c.Assert(waitForWaiters(t, m, 1).Waiters, qt.DeepEquals, []ID{b})

	mock.Add(9 * time.Millisecond)
	c.Assert(m.State().Waiters, qt.DeepEquals, []ID{b})

	mock.Add(time.Millisecond)
	c.Assert(<-result, qt.IsFalse)
	<-doneB
	c.Assert(m.State(), stateEquals, State{Owner: a})

	// No phantom entry: the next fiber acquires straight away on release.
	c.Assert(m.Unlock(), qt.IsNil)
	_, doneC := spawn(func() {
		ok, err := m.TryLock()
		c.Check(err, qt.IsNil)
		c.Check(ok, qt.IsTrue)
		c.Check(m.Unlock(), qt.IsNil)
	})
	<-doneC
	c.Assert(m.State(), stateEquals, State{})
}

func TestTimedMutex_TryLockUntilPastDeadline(t *testing.T) {
	c := qt.New(t)

	mock := clock.NewMock()
	var traced []EventKind
	m := NewTimedMutex(WithClock(mock), WithTracer(TracerFunc(func(ev Event) {
		traced = append(traced, ev.Kind)
	})))

	ok, err := m.TryLockUntil(mock.Now().Add(-time.Nanosecond))
	c.Assert(err, qt.IsNil)
	c.Assert(ok, qt.IsFalse)
	c.Assert(m.State(), stateEquals, State{})
	c.Assert(traced, qt.HasLen, 0)

	// A deadline of exactly now is not in the past.
	ok, err = m.TryLockUntil(mock.Now())
	c.Assert(err, qt.IsNil)
	c.Assert(ok, qt.IsTrue)
	c.Assert(m.Unlock(), qt.IsNil)
}

// TestTimedMutex_TryLockUntilDeadlineNow checks that a deadline equal to
// the clock's current time, on a held mutex, expires without the clock
// moving forward and leaves no waiter behind.
func TestTimedMutex_TryLockUntilDeadlineNow(t *testing.T) {
	c := qt.New(t)

	mock := clock.NewMock()
	m := NewTimedMutex(WithClock(mock))
	c.Assert(m.Lock(), qt.IsNil)
	start := mock.Now()

	result := make(chan bool, 1)
	_, done := spawn(func() {
		ok, err := m.TryLockUntil(start)
		c.Check(err, qt.IsNil)
		result <- ok
	})

	// Add(0) fires timers that are due without advancing time.
	var ok bool
	for waiting, limit := true, time.Now().Add(5*time.Second); waiting; {
		select {
		case ok = <-result:
			waiting = false
		default:
			if time.Now().After(limit) {
				c.Fatal("timed out waiting for TryLockUntil to expire")
			}
			mock.Add(0)
		}
	}
	<-done

	c.Assert(ok, qt.IsFalse)
	c.Assert(mock.Now().Equal(start), qt.IsTrue)
	c.Assert(m.State(), stateEquals, State{Owner: Current()})
	c.Assert(m.Unlock(), qt.IsNil)
}

func TestTimedMutex_TryLockUntilWoken(t *testing.T) {
	c := qt.New(t)

	mock := clock.NewMock()
	m := NewTimedMutex(WithClock(mock))
	c.Assert(m.Lock(), qt.IsNil)

	var observed State
	b, done := spawn(func() {
		ok, err := m.TryLockFor(time.Minute)
		c.Check(err, qt.IsNil)
		c.Check(ok, qt.IsTrue)
		observed = m.State()
		c.Check(m.Unlock(), qt.IsNil)
	})
	waitForWaiters(t, m, 1)

	c.Assert(m.Unlock(), qt.IsNil)
	<-done
	c.Assert(observed, stateEquals, State{Owner: b})

	// The stopped timer must not fire into anything later.
	mock.Add(time.Hour)
	c.Assert(m.State(), stateEquals, State{})
}

// TestTimedMutex_SettleAfterHandoff drives the expiry path by hand for a
// waiter that was handed the mutex before it re-took the guard.
func TestTimedMutex_SettleAfterHandoff(t *testing.T) {
	c := qt.New(t)

	m := NewTimedMutex()
	self := Current()
	const other ID = 1 << 40

	g := m.lk()
	g.Lock()
	m.owner = other
	w := m.enqueueLocked(self)
	g.Unlock()

	// Unlock by other, racing with our expired timer.
	g.Lock()
	next := m.waiters.PopFront()
	m.owner = ID(next.ID())
	g.Unlock()
	next.Wake()

	c.Assert(m.settle(self, w, EventTimeout), qt.IsTrue)
	c.Assert(m.State(), stateEquals, State{Owner: self})
	c.Assert(m.Unlock(), qt.IsNil)
}

// TestTimedMutex_SettleStillQueued drives the expiry path by hand for a
// waiter that nobody popped.
func TestTimedMutex_SettleStillQueued(t *testing.T) {
	c := qt.New(t)

	var traced []Event
	m := NewTimedMutex(WithTracer(TracerFunc(func(ev Event) { traced = append(traced, ev) })))
	self := Current()
	const other ID = 1 << 40

	g := m.lk()
	g.Lock()
	m.owner = other
	w := m.enqueueLocked(self)
	g.Unlock()

	c.Assert(m.settle(self, w, EventTimeout), qt.IsFalse)
	c.Assert(m.State(), stateEquals, State{Owner: other})
	c.Assert(w.Linked(), qt.IsFalse)
	c.Assert(traced, qt.HasLen, 2)
	for i, kind := range []EventKind{EventEnqueue, EventTimeout} {
		c.Assert(traced[i].Mutex == m, qt.IsTrue)
		c.Assert(traced[i].Kind, qt.Equals, kind)
		c.Assert(traced[i].Fiber, qt.Equals, self)
		c.Assert(traced[i].Next, qt.Equals, NoFiber)
	}
}

func TestTimedMutex_LockContextCancel(t *testing.T) {
	c := qt.New(t)

	m := NewTimedMutex()
	a := Current()
	c.Assert(m.Lock(), qt.IsNil)

	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	_, done := spawn(func() {
		errs <- m.LockContext(ctx)
	})
	waitForWaiters(t, m, 1)

	cancel()
	err := <-errs
	<-done
	c.Assert(err, qt.ErrorIs, context.Canceled)
	c.Assert(m.State(), stateEquals, State{Owner: a})
	c.Assert(m.Unlock(), qt.IsNil)
}

func TestTimedMutex_LockContextDone(t *testing.T) {
	c := qt.New(t)

	m := NewTimedMutex()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c.Assert(m.LockContext(ctx), qt.ErrorIs, context.Canceled)
	c.Assert(m.State(), stateEquals, State{})

	c.Assert(m.LockContext(context.Background()), qt.IsNil)
	c.Assert(m.Unlock(), qt.IsNil)
}

func TestTimedMutex_TryLockYield(t *testing.T) {
	c := qt.New(t)

	sched := countingScheduler{yields: make(chan struct{}, 4)}

	m := NewTimedMutex(WithScheduler(sched))
	ok, err := m.TryLock()
	c.Assert(err, qt.IsNil)
	c.Assert(ok, qt.IsTrue)
	c.Assert(len(sched.yields), qt.Equals, 1)
	c.Assert(m.Unlock(), qt.IsNil)

	m = NewTimedMutex(WithScheduler(sched), WithoutTryLockYield())
	ok, err = m.TryLock()
	c.Assert(err, qt.IsNil)
	c.Assert(ok, qt.IsTrue)
	c.Assert(len(sched.yields), qt.Equals, 1)
	c.Assert(m.Unlock(), qt.IsNil)
}

func TestTimedMutex_NoFiberScheduler(t *testing.T) {
	c := qt.New(t)

	m := NewTimedMutex(WithScheduler(nilScheduler{}))
	c.Assert(func() { _ = m.Lock() }, qt.PanicMatches, ".*scheduler returned no fiber.*")
}

type nilScheduler struct{}

func (nilScheduler) Active() ID { return NoFiber }
func (nilScheduler) Yield()     {}

func TestTimedMutex_AcquireSites(t *testing.T) {
	c := qt.New(t)

	m := NewTimedMutex(WithAcquireSites())
	c.Assert(m.Lock(), qt.IsNil)

	err := m.Lock()
	c.Assert(err, qt.ErrorIs, ErrDeadlockDetected)
	details := strings.Join(errors.GetAllDetails(err), "\n")
	c.Assert(details, qt.Contains, "mutex acquired at:")
	c.Assert(details, qt.Contains, "TestTimedMutex_AcquireSites")
	c.Assert(m.Unlock(), qt.IsNil)

	// Without site recording there is no detail.
	plain := NewTimedMutex()
	c.Assert(plain.Lock(), qt.IsNil)
	err = plain.Lock()
	c.Assert(err, qt.ErrorIs, ErrDeadlockDetected)
	c.Assert(errors.GetAllDetails(err), qt.HasLen, 0)
	c.Assert(plain.Unlock(), qt.IsNil)
}

func TestTimedMutex_Locker(t *testing.T) {
	c := qt.New(t)

	m := NewTimedMutex()
	l := m.Locker()
	l.Lock()
	c.Assert(m.State().Owner, qt.Equals, Current())
	l.Unlock()

	c.Assert(l.Unlock, qt.PanicMatches, ".*no privilege to perform the operation.*")
}

func TestTimedMutex_TraceOrder(t *testing.T) {
	c := qt.New(t)

	var kinds []EventKind
	m := NewTimedMutex(WithTracer(TracerFunc(func(ev Event) {
		kinds = append(kinds, ev.Kind)
	})))

	c.Assert(m.Lock(), qt.IsNil)
	c.Assert(m.Lock(), qt.ErrorIs, ErrDeadlockDetected)

	_, done := spawn(func() {
		c.Check(m.Lock(), qt.IsNil)
		c.Check(m.Unlock(), qt.IsNil)
	})
	waitForWaiters(t, m, 1)
	c.Assert(m.Unlock(), qt.IsNil)
	<-done
	c.Assert(m.Unlock(), qt.ErrorIs, ErrNotPermitted)

	c.Assert(kinds, qt.DeepEquals, []EventKind{
		EventAcquire,
		EventDeadlock,
		EventEnqueue,
		EventHandoff,
		EventRelease,
		EventNotPermitted,
	})
}

func TestTimedMutex_Logging(t *testing.T) {
	c := qt.New(t)

	var buf bytes.Buffer
	logger := zerolog.New(&buf).Level(zerolog.DebugLevel)
	m := NewTimedMutex(WithName("accounts"), WithLogger(logger))
	c.Assert(m.Name(), qt.Equals, "accounts")

	c.Assert(m.Lock(), qt.IsNil)
	c.Assert(m.Lock(), qt.ErrorIs, ErrDeadlockDetected)
	c.Assert(m.Unlock(), qt.IsNil)

	out := buf.String()
	c.Assert(out, qt.Contains, `"mutex":"accounts"`)
	c.Assert(out, qt.Contains, `"level":"warn"`)
	c.Assert(out, qt.Contains, "deadlock detected")
}

func TestEventKind_String(t *testing.T) {
	c := qt.New(t)
	c.Assert(EventHandoff.String(), qt.Equals, "handoff")
	c.Assert(EventNotPermitted.String(), qt.Equals, "not-permitted")
	c.Assert(EventKind(0).String(), qt.Equals, "unknown")
	c.Assert(EventKind(200).String(), qt.Equals, "unknown")
}

// TestCurrent_DistinctFibers checks that concurrent fibers are told apart;
// every ownership decision depends on it.
func TestCurrent_DistinctFibers(t *testing.T) {
	c := qt.New(t)

	self := Current()
	other, done := spawn(func() {})
	<-done

	c.Assert(self, qt.Not(qt.Equals), NoFiber)
	c.Assert(other, qt.Not(qt.Equals), NoFiber)
	c.Assert(other, qt.Not(qt.Equals), self)
	c.Assert(Current(), qt.Equals, self)
}

func TestID_String(t *testing.T) {
	c := qt.New(t)
	c.Assert(NoFiber.String(), qt.Equals, "none")
	c.Assert(ID(42).String(), qt.Equals, "42")
}

func TestGetInfo(t *testing.T) {
	c := qt.New(t)
	info := GetInfo()
	c.Assert(info.Version, qt.Equals, Version)
	c.Assert(info.Guard, qt.Not(qt.Equals), "")
	c.Assert(info.FiberID, qt.Not(qt.Equals), "")
}
