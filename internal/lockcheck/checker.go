// Copyright 2025 The fibersync Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package lockcheck

import (
	"fmt"
	"slices"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/kolkov/fibersync/fiber"
	"github.com/kolkov/fibersync/internal/stackdepot"
)

// ViolationKind classifies a broken invariant.
type ViolationKind uint8

const (
	// DoubleOwner: a fiber acquired a mutex that already had an owner.
	DoubleOwner ViolationKind = iota + 1
	// OwnerQueued: a fiber was queued while owning the mutex or while
	// already queued, or acquired while queued.
	OwnerQueued
	// QueueOrder: a handoff went to a fiber other than the queue front.
	QueueOrder
	// NotOwner: a release or handoff was made by a fiber that is not owner.
	NotOwner
	// LostWakeup: the mutex was released to nobody while fibers waited.
	LostWakeup
	// PhantomWaiter: a timeout or cancel was reported for an unqueued fiber.
	PhantomWaiter
	// BogusError: ErrDeadlockDetected or ErrNotPermitted contradicts the
	// shadow state.
	BogusError
)

var violationNames = [...]string{
	DoubleOwner:   "double owner",
	OwnerQueued:   "owner queued",
	QueueOrder:    "queue order",
	NotOwner:      "release by non-owner",
	LostWakeup:    "lost wakeup",
	PhantomWaiter: "phantom waiter",
	BogusError:    "bogus error",
}

func (k ViolationKind) String() string {
	if int(k) < len(violationNames) && violationNames[k] != "" {
		return violationNames[k]
	}
	return "unknown"
}

// Violation describes one broken invariant.
type Violation struct {
	Kind ViolationKind

	// Mutex labels the mutex: its name, or its address if unnamed.
	Mutex string

	// Event is the traced event that broke the invariant.
	Event fiber.Event

	// Expected is the fiber the shadow state expected in place of the
	// event's fiber (current owner, queue front), NoFiber if none.
	Expected fiber.ID

	// Stack is the stackdepot hash of the code that emitted the event.
	Stack uint64
}

func (v Violation) String() string {
	return fmt.Sprintf("%s on mutex %s: %s by fiber %s (expected %s)",
		v.Kind, v.Mutex, v.Event.Kind, v.Event.Fiber, v.Expected)
}

// shadow mirrors the bookkeeping of one mutex.
type shadow struct {
	owner fiber.ID
	queue []fiber.ID
}

func (s *shadow) queued(id fiber.ID) bool {
	return slices.Contains(s.queue, id)
}

func (s *shadow) remove(id fiber.ID) bool {
	i := slices.Index(s.queue, id)
	if i < 0 {
		return false
	}
	s.queue = slices.Delete(s.queue, i, i+1)
	return true
}

// Checker is a fiber.Tracer that validates every event it sees. One Checker
// may observe any number of mutexes. Safe for concurrent use.
type Checker struct {
	mu         sync.Mutex
	vars       map[*fiber.TimedMutex]*shadow
	counts     map[fiber.EventKind]uint64
	violations []Violation

	onViolation func(Violation)
}

// Option configures a Checker.
type Option func(*Checker)

// OnViolation registers a callback invoked for every violation as it is
// found. It runs with the reporting mutex's guard held and must not block.
func OnViolation(fn func(Violation)) Option {
	return func(c *Checker) {
		c.onViolation = fn
	}
}

// New returns a Checker with empty shadow state.
func New(opts ...Option) *Checker {
	c := &Checker{
		vars:   make(map[*fiber.TimedMutex]*shadow),
		counts: make(map[fiber.EventKind]uint64),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Trace implements fiber.Tracer.
func (c *Checker) Trace(ev fiber.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.counts[ev.Kind]++
	s := c.shadowFor(ev.Mutex)

	switch ev.Kind {
	case fiber.EventAcquire:
		if s.owner != fiber.NoFiber {
			c.violate(DoubleOwner, ev, s.owner)
		}
		if s.queued(ev.Fiber) {
			c.violate(OwnerQueued, ev, fiber.NoFiber)
		}
		s.owner = ev.Fiber

	case fiber.EventEnqueue:
		if s.owner == ev.Fiber || s.queued(ev.Fiber) {
			c.violate(OwnerQueued, ev, s.owner)
		}
		s.queue = append(s.queue, ev.Fiber)

	case fiber.EventHandoff:
		if s.owner != ev.Fiber {
			c.violate(NotOwner, ev, s.owner)
		}
		switch {
		case len(s.queue) == 0:
			c.violate(QueueOrder, ev, fiber.NoFiber)
		case s.queue[0] != ev.Next:
			c.violate(QueueOrder, ev, s.queue[0])
		}
		s.remove(ev.Next)
		s.owner = ev.Next

	case fiber.EventRelease:
		if s.owner != ev.Fiber {
			c.violate(NotOwner, ev, s.owner)
		}
		if len(s.queue) > 0 {
			c.violate(LostWakeup, ev, s.queue[0])
		}
		s.owner = fiber.NoFiber

	case fiber.EventTimeout, fiber.EventCancel:
		if !s.remove(ev.Fiber) {
			c.violate(PhantomWaiter, ev, fiber.NoFiber)
		}

	case fiber.EventDeadlock:
		if s.owner != ev.Fiber {
			c.violate(BogusError, ev, s.owner)
		}

	case fiber.EventNotPermitted:
		if s.owner == ev.Fiber || ev.Next != s.owner {
			c.violate(BogusError, ev, s.owner)
		}
	}
}

// shadowFor returns the shadow state for m, creating it on first use.
func (c *Checker) shadowFor(m *fiber.TimedMutex) *shadow {
	s, ok := c.vars[m]
	if !ok {
		s = &shadow{}
		c.vars[m] = s
	}
	return s
}

func (c *Checker) violate(kind ViolationKind, ev fiber.Event, expected fiber.ID) {
	v := Violation{
		Kind:     kind,
		Mutex:    mutexLabel(ev.Mutex),
		Event:    ev,
		Expected: expected,
		// Skip violate, Trace and the mutex's trace helper.
		Stack: stackdepot.Capture(3),
	}
	c.violations = append(c.violations, v)
	if c.onViolation != nil {
		c.onViolation(v)
	}
}

func mutexLabel(m *fiber.TimedMutex) string {
	if m == nil {
		return "<nil>"
	}
	if name := m.Name(); name != "" {
		return fmt.Sprintf("%q", name)
	}
	return fmt.Sprintf("%p", m)
}

// Violations returns a copy of all violations found so far, in order.
func (c *Checker) Violations() []Violation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.violations)
}

// Count returns how many events of kind were traced.
func (c *Checker) Count(kind fiber.EventKind) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[kind]
}

// Counts returns a copy of the per-kind event counters.
func (c *Checker) Counts() map[fiber.EventKind]uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[fiber.EventKind]uint64, len(c.counts))
	for k, n := range c.counts {
		out[k] = n
	}
	return out
}

// Err returns nil if no invariant was broken, or an error summarizing the
// first violation and the total count.
func (c *Checker) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.violations) == 0 {
		return nil
	}
	return errors.Newf("lockcheck: %d violation(s), first: %s", len(c.violations), c.violations[0])
}

// Reset clears shadow state, counters and violations. The caller must
// ensure no traced mutex is in use.
func (c *Checker) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.vars = make(map[*fiber.TimedMutex]*shadow)
	c.counts = make(map[fiber.EventKind]uint64)
	c.violations = nil
}
