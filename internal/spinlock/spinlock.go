// Copyright 2025 The fibersync Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package spinlock provides the short critical-section guard that protects
// mutex bookkeeping.
//
// Lock is a test-and-test-and-set spinlock: waiters spin on a plain load and
// only attempt the CAS once the lock looks free, which keeps the cache line
// shared while it is held. After a bounded number of spins the waiter yields
// its P with runtime.Gosched so the holder (possibly on the same P) can make
// progress.
//
// The lock must only be held for O(1) bookkeeping. It is never held across a
// blocking wait.
package spinlock

import (
	"runtime"
	"sync/atomic"

	"github.com/cockroachdb/errors"
)

// activeSpins is the number of busy iterations before yielding.
const activeSpins = 64

// Lock is a TTAS spinlock. The zero value is unlocked.
//
// Lock implements sync.Locker.
type Lock struct {
	state atomic.Int32
}

// Lock acquires the spinlock, spinning and then yielding while it is held.
func (l *Lock) Lock() {
	for spins := 0; ; spins++ {
		if l.state.Load() == 0 && l.state.CompareAndSwap(0, 1) {
			return
		}
		if spins >= activeSpins {
			runtime.Gosched()
			spins = 0
		}
	}
}

// TryLock acquires the spinlock only if it is free and reports whether it did.
func (l *Lock) TryLock() bool {
	return l.state.Load() == 0 && l.state.CompareAndSwap(0, 1)
}

// Unlock releases the spinlock. Unlocking an unlocked spinlock is an
// invariant breach and panics.
func (l *Lock) Unlock() {
	if l.state.Swap(0) == 0 {
		panic(errors.AssertionFailedf("spinlock: unlock of unlocked lock"))
	}
}
