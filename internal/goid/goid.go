// Copyright 2025 The fibersync Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package goid

import (
	"runtime"
	"strings"

	fastgoid "github.com/petermattis/goid"
	"golang.org/x/mod/semver"
)

// Go releases whose runtime.g layout has been verified against the fast
// path: MinFastVersion inclusive to MaxFastVersion exclusive.
const (
	MinFastVersion = "v1.23.0"
	MaxFastVersion = "v1.26.0"
)

// Strategy names the goroutine ID extraction method in use.
type Strategy string

const (
	// StrategyRuntimeG reads the goid field of the current runtime.g.
	StrategyRuntimeG Strategy = "runtime.g"

	// StrategyStack parses runtime.Stack output.
	StrategyStack Strategy = "stack"
)

var strategy = selectStrategy(runtime.Version(), fastPathAgrees)

// Get returns the ID of the calling goroutine. IDs are always >= 1.
func Get() int64 {
	if strategy == StrategyRuntimeG {
		return fastgoid.Get()
	}
	return getSlow()
}

// Current reports the strategy chosen for this process.
func Current() Strategy {
	return strategy
}

// selectStrategy picks the extraction method for the given toolchain
// version string as reported by runtime.Version ("go1.24.3",
// "devel go1.26-abcdef ..."). The runtime.g path is used only on a verified
// release and only if verify confirms it on the running process.
func selectStrategy(goVersion string, verify func() bool) Strategy {
	v, ok := canonicalVersion(goVersion)
	if !ok {
		return StrategyStack
	}
	if semver.Compare(v, MinFastVersion) < 0 || semver.Compare(v, MaxFastVersion) >= 0 {
		return StrategyStack
	}
	if !verify() {
		return StrategyStack
	}
	return StrategyRuntimeG
}

// fastPathAgrees checks the runtime.g path against stack parsing on the
// calling goroutine and on a fresh one. The IDs must match, be positive and
// differ between the two goroutines.
func fastPathAgrees() bool {
	check := func() (int64, bool) {
		id := fastgoid.Get()
		return id, id > 0 && id == getSlow()
	}

	self, ok := check()
	if !ok {
		return false
	}
	type result struct {
		id int64
		ok bool
	}
	done := make(chan result)
	go func() {
		id, ok := check()
		done <- result{id, ok}
	}()
	other := <-done
	return other.ok && other.id != self
}

// canonicalVersion converts a Go toolchain version into semver form.
// Pre-release toolchains (go1.25rc1) and devel builds are rejected.
func canonicalVersion(goVersion string) (string, bool) {
	if !strings.HasPrefix(goVersion, "go") {
		return "", false
	}
	v := "v" + strings.TrimPrefix(goVersion, "go")
	if !semver.IsValid(v) || semver.Prerelease(v) != "" {
		return "", false
	}
	return semver.Canonical(v), true
}
