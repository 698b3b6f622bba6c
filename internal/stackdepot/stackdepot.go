// Copyright 2025 The fibersync Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package stackdepot stores deduplicated call stacks of mutex acquisitions.
//
// A mutex built with acquisition-site recording captures the stack of every
// successful acquire and keeps only the 64-bit hash. When the owner later
// tries to re-acquire the same mutex, the hash is resolved back into a stack
// and attached to the deadlock error, showing where the lock was first taken.
//
// Design:
//   - Fixed-size traces (16 frames)
//   - FNV-1a hash of the program counters as the key
//   - Global sync.Map storage, written once per unique stack
//
// Usage:
//
//	hash := stackdepot.Capture(1) // skip the caller's own frame
//	...
//	if st := stackdepot.Get(hash); st != nil {
//	    fmt.Print(st.Format())
//	}
package stackdepot

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"runtime"
	"strings"
	"sync"
)

// MaxFrames is the maximum number of stack frames captured per trace.
const MaxFrames = 16

// Stack is a captured call stack.
type Stack struct {
	PC [MaxFrames]uintptr
	n  int
}

// depot maps hash (uint64) to *Stack.
var depot sync.Map

// Capture records the calling goroutine's stack and returns its hash.
//
// skip is the number of frames to omit above Capture's caller: 0 starts the
// trace at the function that called Capture.
//
// Returns 0 if no stack is available.
func Capture(skip int) uint64 {
	var pcs [MaxFrames]uintptr
	// +2 skips runtime.Callers and Capture itself.
	n := runtime.Callers(skip+2, pcs[:])
	if n == 0 {
		return 0
	}

	hash := hashStack(pcs[:n])
	if _, exists := depot.Load(hash); exists {
		return hash
	}
	depot.LoadOrStore(hash, &Stack{PC: pcs, n: n})
	return hash
}

// Get retrieves a stack by hash, or nil if the hash is 0 or unknown.
func Get(hash uint64) *Stack {
	if hash == 0 {
		return nil
	}
	val, ok := depot.Load(hash)
	if !ok {
		return nil
	}
	return val.(*Stack)
}

// hashStack computes the FNV-1a hash of program counters.
func hashStack(pcs []uintptr) uint64 {
	h := fnv.New64a()
	var b [8]byte
	for _, pc := range pcs {
		binary.LittleEndian.PutUint64(b[:], uint64(pc))
		_, _ = h.Write(b[:])
	}
	return h.Sum64()
}

// Format renders the stack one frame per two lines:
//
//	main.worker()
//	    /path/to/file.go:45
//
// Runtime frames are skipped.
func (st *Stack) Format() string {
	if st == nil || st.n == 0 {
		return "  <unknown>\n"
	}

	frames := runtime.CallersFrames(st.PC[:st.n])

	var buf strings.Builder
	for {
		frame, more := frames.Next()
		if frame.PC != 0 && !strings.HasPrefix(frame.Function, "runtime.") {
			fmt.Fprintf(&buf, "  %s()\n", frame.Function)
			fmt.Fprintf(&buf, "      %s:%d\n", frame.File, frame.Line)
		}
		if !more {
			break
		}
	}

	if buf.Len() == 0 {
		return "  <runtime internal>\n"
	}
	return buf.String()
}

// Reset clears the depot. Only for single-threaded test setup.
func Reset() {
	depot = sync.Map{}
}

// Stats returns the number of unique stacks and an approximate memory
// footprint in bytes. O(N); not for hot paths.
func Stats() (uniqueStacks int, totalMemory int64) {
	depot.Range(func(_, _ any) bool {
		uniqueStacks++
		return true
	})

	// Trace array plus length, plus ~32 bytes of sync.Map entry overhead.
	const bytesPerStack = MaxFrames*8 + 8 + 32
	return uniqueStacks, int64(uniqueStacks) * bytesPerStack
}
