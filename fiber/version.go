// Copyright 2025 The fibersync Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package fiber

import (
	"github.com/kolkov/fibersync/internal/goid"
	"github.com/kolkov/fibersync/internal/guard"
)

// Version information for fibersync.
const (
	// Version is the current version of the fiber package.
	Version = "0.1.0"

	// VersionMajor is the major version number.
	VersionMajor = 0

	// VersionMinor is the minor version number.
	VersionMinor = 1

	// VersionPatch is the patch version number.
	VersionPatch = 0
)

// Info describes how the package was built and how it identifies fibers.
type Info struct {
	// Version is the package version string.
	Version string

	// Guard names the bookkeeping guard implementation.
	Guard string

	// DeadlockDetection reports whether guards were built with go-deadlock.
	DeadlockDetection bool

	// FiberID names the goroutine ID extraction strategy.
	FiberID string
}

// GetInfo returns build and runtime information.
//
// Example:
//
//	info := fiber.GetInfo()
//	fmt.Printf("fibersync %s (guard: %s)\n", info.Version, info.Guard)
func GetInfo() Info {
	return Info{
		Version:           Version,
		Guard:             guard.Kind,
		DeadlockDetection: guard.DeadlockEnabled,
		FiberID:           string(goid.Current()),
	}
}
