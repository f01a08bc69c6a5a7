// Package rpmalloc is a thread-caching allocator for manually-managed byte
// blocks, translated from rpmalloc (https://github.com/mjansson/rpmalloc)
// into Go idiom.
//
// It does not replace Go's own garbage-collected allocator — Go programs
// cannot intercept that — it is a standalone allocator for buffers a
// program wants to manage by hand: arenas handed to cgo, pooled network
// buffers, off-heap caches.
//
// The allocator works in four layers:
//
//	1. Round the request up to one of 73 size classes and look in the
//	   calling thread's heap-local free list for that class. No locking.
//	2. If empty, pull a free page for that class from the thread's heap,
//	   or carve a new one out of the heap's current span.
//	3. If the heap has no usable span of the matching page-type, map a
//	   fresh 256 MiB span from the OS.
//	4. Requests over 8 MiB bypass the class table entirely and get their
//	   own dedicated mapping, released straight back to the OS on Free.
//
// A block may be freed by any goroutine, not just the one that allocated
// it: a non-owning free pushes onto the owning page's lock-free
// thread-free list instead of the page's local free list, and the owner
// adopts that list the next time it touches the page.
//
// Call ThreadInitialize once per OS thread that wants the fast,
// uncontended allocation path (it locks the calling goroutine to its OS
// thread); ThreadFinalize releases that binding. A goroutine that never
// calls ThreadInitialize still allocates correctly: its first Alloc call
// lazily registers and binds a heap of its own, it just isn't pinned to
// an OS thread across calls the way an explicitly initialized one is.
package rpmalloc
