// Copyright 2025 The fibersync Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package fiber

// EventKind is the kind of a traced mutex state transition.
type EventKind uint8

const (
	// EventAcquire: Fiber became owner of an unlocked mutex.
	EventAcquire EventKind = iota + 1
	// EventEnqueue: Fiber was linked at the back of the wait queue.
	EventEnqueue
	// EventHandoff: Fiber released the mutex directly to Next, which was
	// popped from the front of the queue.
	EventHandoff
	// EventRelease: Fiber released the mutex with an empty queue.
	EventRelease
	// EventTimeout: Fiber's deadline expired and it was removed from the queue.
	EventTimeout
	// EventCancel: Fiber's context was done and it was removed from the queue.
	EventCancel
	// EventDeadlock: Fiber tried to acquire a mutex it owns.
	EventDeadlock
	// EventNotPermitted: Fiber tried to unlock a mutex owned by Next.
	EventNotPermitted
)

var eventKindNames = [...]string{
	EventAcquire:      "acquire",
	EventEnqueue:      "enqueue",
	EventHandoff:      "handoff",
	EventRelease:      "release",
	EventTimeout:      "timeout",
	EventCancel:       "cancel",
	EventDeadlock:     "deadlock",
	EventNotPermitted: "not-permitted",
}

func (k EventKind) String() string {
	if int(k) < len(eventKindNames) && eventKindNames[k] != "" {
		return eventKindNames[k]
	}
	return "unknown"
}

// Event is one state transition of a TimedMutex.
type Event struct {
	// Mutex is the mutex the transition happened on.
	Mutex *TimedMutex
	Kind  EventKind
	// Fiber is the fiber performing the operation.
	Fiber ID
	// Next is the new owner for EventHandoff and the current owner for
	// EventNotPermitted. NoFiber otherwise.
	Next ID
}

// Tracer observes mutex state transitions.
//
// Trace is called with the mutex guard held, in the exact order the
// transitions take effect. It must not block and must not call back into
// the mutex.
type Tracer interface {
	Trace(Event)
}

// TracerFunc adapts a function to the Tracer interface.
type TracerFunc func(Event)

// Trace calls f(ev).
func (f TracerFunc) Trace(ev Event) { f(ev) }
