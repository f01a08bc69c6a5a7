//go:build linux

package rpmalloc

import "testing"

func TestGrowTargetAppliesHysteresis(t *testing.T) {
	old := uintptr(1000)
	target := growTarget(old, 1001)
	want := old + old>>2 + old>>3 // 1000 + 250 + 125 = 1375
	if target != want {
		t.Fatalf("growTarget(1000, 1001) = %d, want %d", target, want)
	}

	// A big jump should win over the hysteresis formula.
	target = growTarget(old, 10000)
	if target != 10000 {
		t.Fatalf("growTarget(1000, 10000) = %d, want 10000", target)
	}
}

func TestHeapAllocateReusesFreedBlock(t *testing.T) {
	h := newTestHeap(t)
	a := h.allocate(5000, false)
	if a == 0 {
		t.Fatal("allocate returned 0")
	}
	h.deallocate(a, h.ownerThread)

	b := h.allocate(5000, false)
	if b != a {
		t.Fatalf("second allocate returned %x, want reused block %x", b, a)
	}
}

func TestHeapAcquirePageReusesFreedPage(t *testing.T) {
	h := newTestHeap(t)
	p := newTestPage(t, h, mediumClass)
	h.linkAvailable(p)

	b := p.allocateBlock(false)
	p.deallocateBlock(b, h.ownerThread)
	if h.pageFree[pageMedium] != p {
		t.Fatal("setup failed: page not on page_free")
	}

	reused := h.acquirePage(mediumClass)
	if reused != p {
		t.Fatalf("acquirePage returned %x, want reused page %x", reused, p)
	}
	if reused.hdr().sizeClass != mediumClass {
		t.Fatalf("reused page size_class = %d, want %d", reused.hdr().sizeClass, mediumClass)
	}
}

func TestHeapDeallocateHugeUnmaps(t *testing.T) {
	h := newTestHeap(t)
	ptr := h.allocateHuge(3 * 1024 * 1024)
	if ptr == 0 {
		t.Fatal("allocateHuge returned 0")
	}
	h.deallocate(ptr, h.ownerThread)
}

func TestHeapReallocateShrinkKeepsPointer(t *testing.T) {
	h := newTestHeap(t)
	ptr := h.allocate(4096, false)
	if ptr == 0 {
		t.Fatal("allocate returned 0")
	}
	shrunk := h.reallocate(ptr, 16, 0)
	if shrunk != ptr {
		t.Fatalf("reallocate shrink returned %x, want original %x", shrunk, ptr)
	}
}

func TestHeapUsableSizeWithinBlock(t *testing.T) {
	h := newTestHeap(t)
	ptr := h.allocate(100, false)
	usable := h.usableSize(ptr)
	class, _ := sizeClassOf(100)
	if usable != uintptr(globalSizeClass[class].blockSize) {
		t.Fatalf("usableSize = %d, want %d", usable, globalSizeClass[class].blockSize)
	}
}
