// Copyright 2025 The fibersync Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package fiber

import (
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
)

// Option configures a TimedMutex created with NewTimedMutex.
type Option func(*TimedMutex)

// WithName labels the mutex in log output.
func WithName(name string) Option {
	return func(m *TimedMutex) {
		m.name = name
	}
}

// WithGuard sets the lock protecting the mutex bookkeeping. It must be safe
// across OS threads and must only ever be used by this mutex.
func WithGuard(g sync.Locker) Option {
	return func(m *TimedMutex) {
		m.guard = g
	}
}

// WithScheduler sets the execution-context runtime.
func WithScheduler(s Scheduler) Option {
	return func(m *TimedMutex) {
		m.sched = s
	}
}

// WithClock sets the clock used to evaluate deadlines. Tests use
// clock.NewMock to control expiry.
func WithClock(c clock.Clock) Option {
	return func(m *TimedMutex) {
		m.clock = c
	}
}

// WithLogger sets the logger. The default logger is disabled.
func WithLogger(l zerolog.Logger) Option {
	return func(m *TimedMutex) {
		m.log = l
	}
}

// WithTracer installs a tracer that observes every state transition.
func WithTracer(t Tracer) Option {
	return func(m *TimedMutex) {
		m.tracer = t
	}
}

// WithAcquireSites records the call stack of every successful acquisition
// so that deadlock errors can show where the owner took the mutex. This
// costs a stack capture per acquisition.
func WithAcquireSites() Option {
	return func(m *TimedMutex) {
		m.recordSites = true
	}
}

// WithoutTryLockYield makes TryLock return without yielding to the
// scheduler. The result is the same; only scheduling fairness changes.
func WithoutTryLockYield() Option {
	return func(m *TimedMutex) {
		m.noTryYield = true
	}
}
