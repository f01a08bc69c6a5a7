//go:build rpmalloc_debug

package rpmalloc

// debugAssertionsEnabled gates assertInvariant. Built with -tags
// rpmalloc_debug, matching the teacher's own convention of compiling
// the expensive runtime checks only into debug builds (see mheap.go's
// use of the `debugMalloc` constant in the original allocator).
const debugAssertionsEnabled = true
