// Copyright 2025 The fibersync Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"io"
	"slices"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"

	"github.com/kolkov/fibersync/fiber"
	"github.com/kolkov/fibersync/internal/lockcheck"
)

// scenario is a scripted interaction between fibers with known outcome.
type scenario struct {
	name  string
	short string
	run   func(w io.Writer, opts []fiber.Option) error
}

var scenarios = []scenario{
	{name: "handoff", short: "lock, failed try_lock, blocked lock, handoff on unlock", run: runHandoff},
	{name: "timeout", short: "timed lock, expired timed lock, no phantom waiter", run: runTimeout},
}

func findScenario(name string) (scenario, bool) {
	i := slices.IndexFunc(scenarios, func(s scenario) bool { return s.name == name })
	if i < 0 {
		return scenario{}, false
	}
	return scenarios[i], true
}

// runScenarios runs the named scenarios, or all of them, each against a
// checked mutex.
func runScenarios(w io.Writer, names []string, logger zerolog.Logger) error {
	if len(names) == 0 {
		for _, s := range scenarios {
			names = append(names, s.name)
		}
	}
	for _, name := range names {
		s, ok := findScenario(name)
		if !ok {
			return errors.Newf("unknown scenario %q", name)
		}
		checker := lockcheck.New()
		opts := []fiber.Option{
			fiber.WithName(s.name),
			fiber.WithLogger(logger),
			fiber.WithTracer(checker),
		}

		fmt.Fprintf(w, "=== %s: %s\n", s.name, s.short)
		if err := s.run(w, opts); err != nil {
			fmt.Fprintf(w, "--- FAIL: %s\n", s.name)
			return errors.Wrapf(err, "scenario %s", s.name)
		}
		if err := checker.Err(); err != nil {
			checker.Report(w)
			return errors.Wrapf(err, "scenario %s", s.name)
		}
		fmt.Fprintf(w, "--- ok: %s\n", s.name)
	}
	return nil
}

// expectState fails unless m is in state want.
func expectState(w io.Writer, m *fiber.TimedMutex, want fiber.State) error {
	got := m.State()
	fmt.Fprintf(w, "    state: owner=%s waiters=%v\n", got.Owner, got.Waiters)
	if got.Owner != want.Owner || !slices.Equal(got.Waiters, want.Waiters) {
		return errors.Newf("state is owner=%s waiters=%v, want owner=%s waiters=%v",
			got.Owner, got.Waiters, want.Owner, want.Waiters)
	}
	return nil
}

// awaitWaiters polls m until n fibers are queued.
func awaitWaiters(m *fiber.TimedMutex, n int) error {
	deadline := time.Now().Add(5 * time.Second)
	for len(m.State().Waiters) != n {
		if time.Now().After(deadline) {
			return errors.Newf("timed out waiting for %d waiter(s)", n)
		}
		time.Sleep(time.Millisecond)
	}
	return nil
}

// goFiber runs fn on a new fiber and returns its ID and result channel.
func goFiber(fn func() error) (fiber.ID, <-chan error) {
	ids := make(chan fiber.ID, 1)
	errc := make(chan error, 1)
	go func() {
		ids <- fiber.Current()
		errc <- fn()
	}()
	return <-ids, errc
}

func runHandoff(w io.Writer, opts []fiber.Option) error {
	m := fiber.NewTimedMutex(opts...)
	a := fiber.Current()

	fmt.Fprintf(w, "    fiber %s: lock\n", a)
	if err := m.Lock(); err != nil {
		return err
	}
	if err := expectState(w, m, fiber.State{Owner: a}); err != nil {
		return err
	}

	b, errB := goFiber(func() error {
		ok, err := m.TryLock()
		if err != nil {
			return err
		}
		if ok {
			return errors.New("try_lock succeeded on a held mutex")
		}
		return nil
	})
	fmt.Fprintf(w, "    fiber %s: try_lock -> false\n", b)
	if err := <-errB; err != nil {
		return err
	}

	var observed fiber.State
	c, errC := goFiber(func() error {
		if err := m.Lock(); err != nil {
			return err
		}
		observed = m.State()
		return m.Unlock()
	})
	if err := awaitWaiters(m, 1); err != nil {
		return err
	}
	fmt.Fprintf(w, "    fiber %s: lock (blocked)\n", c)
	if err := expectState(w, m, fiber.State{Owner: a, Waiters: []fiber.ID{c}}); err != nil {
		return err
	}

	fmt.Fprintf(w, "    fiber %s: unlock\n", a)
	if err := m.Unlock(); err != nil {
		return err
	}
	if err := <-errC; err != nil {
		return err
	}
	if observed.Owner != c || len(observed.Waiters) != 0 {
		return errors.Newf("fiber %s resumed with owner=%s waiters=%v", c, observed.Owner, observed.Waiters)
	}
	fmt.Fprintf(w, "    fiber %s: resumed as owner, unlock\n", c)
	return expectState(w, m, fiber.State{})
}

func runTimeout(w io.Writer, opts []fiber.Option) error {
	m := fiber.NewTimedMutex(opts...)
	a := fiber.Current()

	fmt.Fprintf(w, "    fiber %s: try_lock_until(now+50ms)\n", a)
	ok, err := m.TryLockUntil(time.Now().Add(50 * time.Millisecond))
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("uncontended try_lock_until failed")
	}

	b, errB := goFiber(func() error {
		ok, err := m.TryLockUntil(time.Now().Add(10 * time.Millisecond))
		if err != nil {
			return err
		}
		if ok {
			return errors.New("try_lock_until succeeded on a held mutex")
		}
		return nil
	})
	if err := <-errB; err != nil {
		return err
	}
	fmt.Fprintf(w, "    fiber %s: try_lock_until(now+10ms) -> false\n", b)
	if err := expectState(w, m, fiber.State{Owner: a}); err != nil {
		return err
	}

	fmt.Fprintf(w, "    fiber %s: unlock\n", a)
	if err := m.Unlock(); err != nil {
		return err
	}
	c, errC := goFiber(func() error {
		ok, err := m.TryLock()
		if err != nil {
			return err
		}
		if !ok {
			return errors.New("try_lock failed on a free mutex")
		}
		return m.Unlock()
	})
	if err := <-errC; err != nil {
		return err
	}
	fmt.Fprintf(w, "    fiber %s: try_lock -> true\n", c)
	return expectState(w, m, fiber.State{})
}
