// Copyright 2025 The fibersync Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package lockcheck

import (
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/kolkov/fibersync/fiber"
	"github.com/kolkov/fibersync/internal/stackdepot"
)

// Format writes a human-readable report of the violation.
//
// Output format:
//
//	==================
//	WARNING: MUTEX INVARIANT VIOLATION (lost wakeup)
//	Mutex "accounts": release by fiber 7, expected fiber 12
//	Emitted at:
//	  github.com/kolkov/fibersync/fiber.(*TimedMutex).Unlock()
//	      /path/to/timed_mutex.go:234
//	==================
func (v Violation) Format(w io.Writer) {
	fmt.Fprintf(w, "==================\n")
	fmt.Fprintf(w, "WARNING: MUTEX INVARIANT VIOLATION (%s)\n", v.Kind)
	fmt.Fprintf(w, "Mutex %s: %s by fiber %s", v.Mutex, v.Event.Kind, v.Event.Fiber)
	if v.Event.Kind == fiber.EventHandoff {
		fmt.Fprintf(w, " to fiber %s", v.Event.Next)
	}
	if v.Expected != fiber.NoFiber {
		fmt.Fprintf(w, ", expected fiber %s", v.Expected)
	}
	fmt.Fprintf(w, "\nEmitted at:\n%s", stackdepot.Get(v.Stack).Format())
	fmt.Fprintf(w, "==================\n")
}

// Report writes every violation followed by a summary of traced events.
func (c *Checker) Report(w io.Writer) {
	for _, v := range c.Violations() {
		v.Format(w)
	}

	counts := c.Counts()
	kinds := make([]fiber.EventKind, 0, len(counts))
	for k := range counts {
		kinds = append(kinds, k)
	}
	slices.Sort(kinds)

	parts := make([]string, 0, len(kinds))
	for _, k := range kinds {
		parts = append(parts, fmt.Sprintf("%s=%d", k, counts[k]))
	}
	fmt.Fprintf(w, "lockcheck: %d violation(s); events: %s\n", len(c.Violations()), strings.Join(parts, " "))
}
