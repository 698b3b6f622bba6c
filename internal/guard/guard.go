// Copyright 2025 The fibersync Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build !deadlock

// Package guard selects the lock that protects mutex bookkeeping.
//
// By default the guard is a spinlock. Building with -tags=deadlock swaps in
// github.com/sasha-s/go-deadlock, which reports guards held for too long and
// lock-order inversions between guards.
package guard

import (
	"sync"

	"github.com/kolkov/fibersync/internal/spinlock"
)

// DeadlockEnabled is true if guards are built with deadlock detection.
const DeadlockEnabled = false

// Kind names the guard implementation.
const Kind = "spinlock"

// New returns a fresh, unlocked guard.
func New() sync.Locker {
	return &spinlock.Lock{}
}
