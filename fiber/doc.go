// Copyright 2025 The fibersync Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package fiber provides TimedMutex, a recursion-safe, timeout-capable mutex
// for fibers.
//
// A fiber is a lightweight execution unit identified by a [Scheduler]. With
// the default scheduler every goroutine is a fiber and its goroutine ID is its
// [ID]. Unlike sync.Mutex, a TimedMutex knows which fiber owns it, which
// makes three things possible:
//
//   - self-relock detection: a fiber that acquires a mutex it already owns
//     gets [ErrDeadlockDetected] instead of hanging;
//   - owner-checked unlock: only the owner may unlock, others get
//     [ErrNotPermitted];
//   - direct handoff: Unlock passes ownership to the longest-waiting fiber
//     before resuming it, so waiters are served strictly in FIFO order and a
//     woken fiber never has to compete for the mutex again.
//
// # Quick Start
//
//	mu := fiber.NewTimedMutex(fiber.WithName("accounts"))
//
//	if err := mu.Lock(); err != nil {
//		return err // ErrDeadlockDetected: this fiber already holds mu
//	}
//	defer mu.Unlock()
//
// # Bounded waits
//
// [TimedMutex.TryLockUntil] and [TimedMutex.TryLockFor] wait at most until a
// deadline and report whether the mutex was acquired. A timed-out fiber is
// always removed from the wait queue before the call returns, so it can never
// be handed ownership later. When a handoff and the deadline coincide the
// caller receives exactly one outcome: it either owns the mutex, or it is
// neither owner nor queued. [TimedMutex.LockContext] gives the same guarantee
// for context cancellation.
//
// # Internals
//
// The owner and the FIFO wait queue are protected by a short critical-section
// guard (a spinlock by default, github.com/sasha-s/go-deadlock when built
// with -tags=deadlock). A contended fiber links a one-shot wait token into the
// queue while holding the guard, releases the guard and parks on the token.
// Unlock pops the front token, records the new owner, releases the guard and
// wakes the token. Because the token is registered before the guard is
// released and its wake signal is buffered, no wakeup can be lost.
//
// # Observability
//
// A mutex can carry a zerolog logger ([WithLogger]) and a [Tracer]
// ([WithTracer]) that sees every state transition in order. [WithAcquireSites]
// records where the owner acquired the mutex and attaches that stack to
// deadlock errors as a cockroachdb/errors detail.
package fiber
