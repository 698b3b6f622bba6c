// Copyright 2025 The fibersync Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package fiber

import (
	"runtime"
	"strconv"

	"github.com/kolkov/fibersync/internal/goid"
)

// ID identifies a fiber. For the default scheduler it is the goroutine ID.
type ID int64

// NoFiber is the zero ID. It never names a running fiber and is used as the
// owner of an unlocked mutex.
const NoFiber ID = 0

// String returns the decimal ID, or "none" for NoFiber.
func (id ID) String() string {
	if id == NoFiber {
		return "none"
	}
	return strconv.FormatInt(int64(id), 10)
}

// Current returns the ID of the calling fiber under the default scheduler.
func Current() ID {
	return ID(goid.Get())
}

// Scheduler is the execution-context runtime a TimedMutex relies on.
//
// Suspension and resumption are not part of the interface: a blocked fiber
// parks on its own wait token and is resumed by the unlocking fiber, which
// works for any scheduler that runs fibers as goroutines.
type Scheduler interface {
	// Active identifies the calling fiber. It must return the same non-zero
	// ID for every call made by one fiber, and distinct IDs for fibers that
	// are alive at the same time.
	Active() ID

	// Yield gives other runnable fibers a chance to run before returning.
	Yield()
}

type goroutineScheduler struct{}

func (goroutineScheduler) Active() ID { return Current() }

func (goroutineScheduler) Yield() { runtime.Gosched() }

// DefaultScheduler returns the scheduler used when none is configured: fibers
// are goroutines and yielding is runtime.Gosched.
func DefaultScheduler() Scheduler {
	return goroutineScheduler{}
}
