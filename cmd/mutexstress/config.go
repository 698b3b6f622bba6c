// Copyright 2025 The fibersync Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"slices"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/cockroachdb/errors"
)

// envPrefix prefixes every environment variable read into Config.
const envPrefix = "FIBERSYNC_"

// Acquire operations a stress fiber can be configured to use.
const (
	opLock    = "lock"
	opTryLock = "trylock"
	opTimed   = "timed"
	opContext = "context"
)

var knownOps = []string{opLock, opTryLock, opTimed, opContext}

// Config controls a stress run. Fields are read from FIBERSYNC_* variables
// and can be overridden by command-line flags.
type Config struct {
	// Fibers is the number of goroutines hammering the mutexes.
	Fibers int `env:"FIBERS" envDefault:"16"`
	// Iterations is the number of acquire attempts per fiber.
	Iterations int `env:"ITERATIONS" envDefault:"1000"`
	// Mutexes is the number of mutexes; each attempt picks one.
	Mutexes int `env:"MUTEXES" envDefault:"1"`
	// Parallel bounds how many fibers run at once. Zero means all.
	Parallel int `env:"PARALLEL" envDefault:"0"`
	// Contenders bounds how many fibers may be inside an acquire attempt
	// at once. Zero means no bound.
	Contenders int64 `env:"CONTENDERS" envDefault:"0"`
	// Ops is the acquire operations fibers cycle through.
	Ops []string `env:"OPS" envSeparator:"," envDefault:"lock,trylock,timed,context"`
	// Timeout bounds timed and context acquisitions.
	Timeout time.Duration `env:"TIMEOUT" envDefault:"200us"`
	// Hold is how long an owner sleeps inside the critical section.
	Hold time.Duration `env:"HOLD" envDefault:"0s"`
	// Check validates every transition with lockcheck.
	Check bool `env:"CHECK" envDefault:"true"`
	// AcquireSites records acquisition stacks on every mutex.
	AcquireSites bool `env:"ACQUIRE_SITES" envDefault:"false"`
}

// LoadConfig reads Config from the environment.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: envPrefix}); err != nil {
		return Config{}, errors.Wrap(err, "parse environment")
	}
	return cfg, nil
}

// Validate reports the first invalid field.
func (c Config) Validate() error {
	switch {
	case c.Fibers <= 0:
		return errors.Newf("fibers must be positive, got %d", c.Fibers)
	case c.Iterations <= 0:
		return errors.Newf("iterations must be positive, got %d", c.Iterations)
	case c.Mutexes <= 0:
		return errors.Newf("mutexes must be positive, got %d", c.Mutexes)
	case c.Parallel < 0:
		return errors.Newf("parallel must not be negative, got %d", c.Parallel)
	case c.Contenders < 0:
		return errors.Newf("contenders must not be negative, got %d", c.Contenders)
	case c.Timeout < 0 || c.Hold < 0:
		return errors.New("durations must not be negative")
	case len(c.Ops) == 0:
		return errors.New("at least one op is required")
	}
	for _, op := range c.Ops {
		if !slices.Contains(knownOps, op) {
			return errors.WithHintf(errors.Newf("unknown op %q", op), "known ops: %v", knownOps)
		}
	}
	return nil
}
