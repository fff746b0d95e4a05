// Copyright 2021 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package unwindcore

import "fmt"

// Sentinel errors for the input-driven failure modes spec.md §7 calls
// "degrade" cases: the caller can match against these, but none of them
// indicate a bug in the core itself.
var (
	// ErrPartialBacktrace is raised as a fatal error instead of returned
	// when PanicOnPartialBacktrace is set and the unwind terminates short
	// of the root.
	ErrPartialBacktrace = fmt.Errorf("unwindcore: partial backtrace")
)

// invariant panics with a formatted message when cond is false. Every
// call site is a structural violation of the core's own book-keeping
// (§7 "Invariant violation") — a programmer error, never an input error.
func invariant(cond bool, format string, args ...any) {
	if !cond {
		panic("unwindcore: invariant violation: " + fmt.Sprintf(format, args...))
	}
}
