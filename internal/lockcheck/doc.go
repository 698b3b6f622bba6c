// Copyright 2025 The fibersync Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package lockcheck verifies TimedMutex invariants online.
//
// A Checker is installed as a mutex's fiber.Tracer. Since Trace runs with the
// mutex guard held, events arrive in exactly the order the transitions take
// effect, and the checker can replay them against a shadow copy of each
// mutex's owner and wait queue:
//
//	Acquire(f):     owner = none, f not queued        -> owner := f
//	Enqueue(f):     owner != f, f not queued          -> queue += f
//	Handoff(f, n):  owner = f, n = front(queue)       -> owner := n, pop
//	Release(f):     owner = f, queue empty            -> owner := none
//	Timeout(f):     f queued                          -> remove f
//	Cancel(f):      f queued                          -> remove f
//	Deadlock(f):    owner = f                         -> unchanged
//	NotPermitted(f) owner != f                        -> unchanged
//
// Any event whose precondition fails is recorded as a Violation, together
// with the stack that emitted it. Release with a non-empty queue is a lost
// wakeup; Handoff to a fiber other than the queue front breaks FIFO order;
// Timeout for an unqueued fiber means a waiter was double-removed.
//
// Example:
//
//	chk := lockcheck.New()
//	mu := fiber.NewTimedMutex(fiber.WithTracer(chk))
//	// ... run workload ...
//	if err := chk.Err(); err != nil {
//		chk.Report(os.Stderr)
//	}
package lockcheck
