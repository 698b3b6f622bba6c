// Copyright 2025 The fibersync Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package goid identifies the goroutine that is currently running.
//
// A fiber in this module is a goroutine, so "which fiber is active" reduces to
// "what is the current goroutine ID". Two strategies are available:
//
//   - runtime.g: reads the goid field of the runtime's g struct through
//     github.com/petermattis/goid. Allocation free, a few nanoseconds.
//   - stack: parses the header line of runtime.Stack output
//     ("goroutine 123 [running]:"). Works everywhere, about a microsecond.
//
// The runtime.g strategy depends on the private layout of runtime.g, so it is
// only selected for release toolchains from [MinFastVersion] up to, but not
// including, [MaxFastVersion]. Even then it must pass a self-check at init:
// it has to agree with stack parsing on two goroutines. Devel, unknown and
// newer toolchains, and any failed self-check, fall back to stack parsing.
package goid
