// Copyright 2025 The fibersync Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package fiber

import "github.com/cockroachdb/errors"

var (
	// ErrDeadlockDetected is returned when a fiber tries to acquire a mutex
	// it already owns. The mutex is left unchanged.
	ErrDeadlockDetected = errors.New("fiber: a deadlock is detected")

	// ErrNotPermitted is returned when a fiber unlocks a mutex it does not
	// own. The mutex is left unchanged.
	ErrNotPermitted = errors.New("fiber: no privilege to perform the operation")
)
