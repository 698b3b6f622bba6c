// Copyright 2025 The fibersync Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/kolkov/fibersync/fiber"
	"github.com/kolkov/fibersync/internal/lockcheck"
)

// opStats counts the outcomes of one acquire operation.
type opStats struct {
	attempts atomic.Int64
	acquired atomic.Int64
}

// Result summarizes a stress run.
type Result struct {
	Attempts map[string]int64
	Acquired map[string]int64
	Elapsed  time.Duration

	// Checker is nil unless Config.Check was set.
	Checker *lockcheck.Checker
}

// Total returns the number of successful acquisitions over all ops.
func (r *Result) Total() int64 {
	var n int64
	for _, v := range r.Acquired {
		n += v
	}
	return n
}

// Print writes a human-readable summary of r to w.
func (r *Result) Print(w io.Writer) {
	fmt.Fprintf(w, "elapsed: %v\n", r.Elapsed.Round(time.Microsecond))
	for _, op := range knownOps {
		if n, ok := r.Attempts[op]; ok {
			fmt.Fprintf(w, "%-8s attempts=%d acquired=%d\n", op, n, r.Acquired[op])
		}
	}
	if r.Checker != nil {
		r.Checker.Report(w)
	}
}

// section is a critical section that notices concurrent entry.
type section struct {
	inside atomic.Int32
	count  int64
}

func (s *section) enter(hold time.Duration) error {
	n := s.inside.Add(1)
	defer s.inside.Add(-1)
	if n != 1 {
		return errors.AssertionFailedf("%d fibers inside one critical section", n)
	}
	s.count++
	if hold > 0 {
		time.Sleep(hold)
	}
	return nil
}

// stressRun is one stress run over fresh mutexes.
type stressRun struct {
	cfg      Config
	res      *Result
	mutexes  []*fiber.TimedMutex
	sections []section
	stats    map[string]*opStats
}

// stress runs cfg against fresh mutexes and reports the outcome. It fails
// on the first mutex error or mutual exclusion breach, and, when checking,
// if lockcheck found any violation.
func stress(ctx context.Context, cfg Config, logger zerolog.Logger) (*Result, error) {
	r, err := newStressRun(cfg, logger)
	if err != nil {
		return nil, err
	}
	return r.execute(ctx, logger)
}

func newStressRun(cfg Config, logger zerolog.Logger) (*stressRun, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	res := &Result{
		Attempts: make(map[string]int64),
		Acquired: make(map[string]int64),
	}
	var opts []fiber.Option
	if cfg.Check {
		res.Checker = lockcheck.New(lockcheck.OnViolation(func(v lockcheck.Violation) {
			logger.Error().Stringer("violation", v).Msg("invariant violated")
		}))
		opts = append(opts, fiber.WithTracer(res.Checker))
	}
	if cfg.AcquireSites {
		opts = append(opts, fiber.WithAcquireSites())
	}

	mutexes := make([]*fiber.TimedMutex, cfg.Mutexes)
	sections := make([]section, cfg.Mutexes)
	for i := range mutexes {
		mopts := append([]fiber.Option{
			fiber.WithName(fmt.Sprintf("m%d", i)),
			fiber.WithLogger(logger),
		}, opts...)
		mutexes[i] = fiber.NewTimedMutex(mopts...)
	}

	stats := make(map[string]*opStats, len(cfg.Ops))
	for _, op := range cfg.Ops {
		stats[op] = &opStats{}
	}
	return &stressRun{cfg: cfg, res: res, mutexes: mutexes, sections: sections, stats: stats}, nil
}

// execute drives the fibers. A fiber that detects a breach still releases
// the mutex before returning, so fibers parked in Lock are handed it and
// see the cancelled group.
func (r *stressRun) execute(ctx context.Context, logger zerolog.Logger) (*Result, error) {
	cfg, res, mutexes, sections, stats := r.cfg, r.res, r.mutexes, r.sections, r.stats

	var sem *semaphore.Weighted
	if cfg.Contenders > 0 {
		sem = semaphore.NewWeighted(cfg.Contenders)
	}

	logger.Info().
		Int("fibers", cfg.Fibers).
		Int("iterations", cfg.Iterations).
		Int("mutexes", cfg.Mutexes).
		Strs("ops", cfg.Ops).
		Msg("stress: starting")

	start := time.Now()
	g, ctx := errgroup.WithContext(ctx)
	if cfg.Parallel > 0 {
		g.SetLimit(cfg.Parallel)
	}
	for i := 0; i < cfg.Fibers; i++ {
		g.Go(func() error {
			for j := 0; j < cfg.Iterations; j++ {
				if err := ctx.Err(); err != nil {
					return err
				}
				k := (i + j) % len(mutexes)
				op := cfg.Ops[(i+j)%len(cfg.Ops)]

				if sem != nil {
					if err := sem.Acquire(ctx, 1); err != nil {
						return err
					}
				}
				ok, err := attempt(ctx, mutexes[k], op, cfg.Timeout)
				if sem != nil {
					sem.Release(1)
				}

				st := stats[op]
				st.attempts.Add(1)
				if err != nil {
					return errors.Wrapf(err, "fiber %d: %s on m%d", i, op, k)
				}
				if !ok {
					continue
				}
				st.acquired.Add(1)

				breach := sections[k].enter(cfg.Hold)
				if err := mutexes[k].Unlock(); err != nil {
					return errors.Wrapf(err, "fiber %d: unlock m%d", i, k)
				}
				if breach != nil {
					return errors.Wrapf(breach, "fiber %d: m%d", i, k)
				}
			}
			return nil
		})
	}
	err := g.Wait()
	res.Elapsed = time.Since(start)

	for op, st := range stats {
		res.Attempts[op] = st.attempts.Load()
		res.Acquired[op] = st.acquired.Load()
	}
	if err != nil {
		return res, err
	}

	var entered int64
	for k := range sections {
		entered += sections[k].count
	}
	if entered != res.Total() {
		return res, errors.AssertionFailedf("critical sections entered %d times, %d acquisitions", entered, res.Total())
	}
	if res.Checker != nil {
		if err := res.Checker.Err(); err != nil {
			return res, err
		}
	}

	logger.Info().
		Int64("acquired", res.Total()).
		Dur("elapsed", res.Elapsed).
		Msg("stress: done")
	return res, nil
}

// attempt performs one acquire operation. A failed try, timeout or
// cancellation reports false with a nil error.
func attempt(ctx context.Context, m *fiber.TimedMutex, op string, timeout time.Duration) (bool, error) {
	switch op {
	case opLock:
		return true, m.Lock()
	case opTryLock:
		return m.TryLock()
	case opTimed:
		return m.TryLockFor(timeout)
	case opContext:
		cctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		err := m.LockContext(cctx)
		if errors.Is(err, context.DeadlineExceeded) {
			return false, nil
		}
		return err == nil, err
	}
	return false, errors.AssertionFailedf("unknown op %q", op)
}
