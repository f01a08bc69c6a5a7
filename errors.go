package rpmalloc

import "errors"

// ErrOutOfMemory is returned when the OS memory interface fails to produce
// a fresh mapping and no retry callback is configured (or the callback
// declines to retry), and by Realloc with ReallocGrowOrFail when the block
// cannot be resized in place. Mirrors spec.md §7's out-of-memory kind.
var ErrOutOfMemory = errors.New("rpmalloc: out of memory")

// ErrInvalidArgument is returned for a bad alignment (not a power of two,
// or at/above maxAlignment), a size that overflows on multiplication
// (Calloc), or any other argument the allocator can validate cheaply.
var ErrInvalidArgument = errors.New("rpmalloc: invalid argument")

// assertInvariant panics with a descriptive message when debug assertions
// are compiled in (see assert_debug.go / assert_release.go). It models
// spec.md §7's internal-invariant-violation kind: a programming error that
// aborts in debug builds and is elided otherwise.
func assertInvariant(truth bool, message string) {
	if debugAssertionsEnabled && !truth {
		panic("rpmalloc: invariant violation: " + message)
	}
}
