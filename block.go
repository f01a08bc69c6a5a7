package rpmalloc

import "unsafe"

// A block is the unit returned to callers. This file holds the single
// audited primitive for treating raw, OS-mapped bytes as typed storage —
// the allocator files reach memory only through add, loadPtr, storePtr,
// memclr and memmove (and the page/span header overlays in
// page.go/span.go), never through a bare unsafe.Pointer(uintptr)
// conversion of their own. The one exception is the OS backend in
// memory_linux.go, which converts ranges to byte slices for
// mprotect/madvise/munmap. This mirrors
// spec.md §9's guidance to "re-derive the region through a validated
// alignment mask behind a single trusted primitive", and the Go runtime's
// own `add` helper in teacher_src/runtime/mheap.go, which every mspan/mcentral
// access in that file is built on.
//
// Spans, pages and the blocks carved from them are never Go-heap objects:
// they are views over memory obtained from the OS via MemoryInterface.Map.
// Treating an address as a *T through add+cast is safe only because that
// memory is never touched by the Go garbage collector — none of these
// addresses are ever stored as a typed Go pointer (only as uintptr), so
// the GC never attempts to scan or relocate them. The one exception, a
// page's owning heap, is resolved indirectly through heapByID (see
// registry.go) specifically to avoid smuggling a live Go pointer into
// unmanaged memory.
func add(addr uintptr, offset uintptr) uintptr {
	return addr + offset
}

func loadPtr(addr uintptr) uintptr {
	return *(*uintptr)(unsafe.Pointer(addr))
}

func storePtr(addr uintptr, value uintptr) {
	*(*uintptr)(unsafe.Pointer(addr)) = value
}

func memclr(addr uintptr, size uintptr) {
	b := unsafe.Slice((*byte)(unsafe.Pointer(addr)), size)
	for i := range b {
		b[i] = 0
	}
}

func memmove(dst, src uintptr, size uintptr) {
	d := unsafe.Slice((*byte)(unsafe.Pointer(dst)), size)
	s := unsafe.Slice((*byte)(unsafe.Pointer(src)), size)
	copy(d, s)
}

func memcopy(dst, src uintptr, size uintptr) {
	memmove(dst, src, size)
}
