// Copyright 2025 The fibersync Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build deadlock

package guard

import (
	"sync"
	"time"

	deadlock "github.com/sasha-s/go-deadlock"
)

// DeadlockEnabled is true if guards are built with deadlock detection.
const DeadlockEnabled = true

// Kind names the guard implementation.
const Kind = "go-deadlock"

func init() {
	// Guards cover a handful of field updates; anything near a second is a bug.
	deadlock.Opts.DeadlockTimeout = time.Second
}

// New returns a fresh, unlocked guard.
func New() sync.Locker {
	return &deadlock.Mutex{}
}
