//go:build linux

package rpmalloc

import "testing"

// mediumClass is used throughout these tests instead of a SMALL class:
// page.initializeBlocks only pre-links a whole OS page's worth of blocks
// into local_free for PAGE_SMALL (spec.md §4.3's amortization step), so
// testing against a MEDIUM-backed class keeps the one-block-per-call
// bookkeeping these tests assert on simple to reason about without a
// compiler to check the arithmetic.
const mediumClass = smallSizeClassCount

func newTestHeap(t *testing.T) *heap {
	t.Helper()
	Initialize(nil)
	return registerHeap(globalMemory)
}

func newTestPage(t *testing.T, h *heap, class uint32) pageHandle {
	t.Helper()
	pt := pageTypeForClass(class)
	span := newSpan(h.memory, pt, 0, h)
	if span == 0 {
		t.Fatal("newSpan returned 0")
	}
	p := span.allocatePage(h)
	if p == 0 {
		t.Fatal("allocatePage returned 0")
	}
	h.initFreshPageForClass(p, class)
	return p
}

func threadFreeListLength(p pageHandle) int {
	w := threadFreeWord(p.hdr().threadFree.Load())
	count := 0
	index := w.blockIndex()
	for index != 0 {
		count++
		block := p.block(index - 1)
		next := loadPtr(block)
		if next == 0 {
			break
		}
		index = p.blockIndex(next) + 1
	}
	return count
}

func localFreeListLength(p pageHandle) int {
	count := 0
	block := p.hdr().localFree
	for block != 0 {
		count++
		block = loadPtr(block)
	}
	return count
}

// TestPageBlockAccountingInvariant exercises the per-page block
// accounting: block_used + |local_free| + (block_count - block_initialized)
// == block_count. A block pushed onto thread_free is still counted in
// block_used until the owner adopts the chain (putThreadFreeBlock never
// touches block_used), so |thread_free| is not added separately.
func TestPageBlockAccountingInvariant(t *testing.T) {
	h := newTestHeap(t)
	p := newTestPage(t, h, mediumClass)
	ph := p.hdr()

	blocks := make([]uintptr, 0, 8)
	for i := 0; i < 8; i++ {
		b := p.allocateBlock(false)
		if b == 0 {
			t.Fatalf("allocateBlock #%d returned 0", i)
		}
		blocks = append(blocks, b)
	}

	check := func(label string) {
		t.Helper()
		total := ph.blockUsed + uint32(localFreeListLength(p)) + (ph.blockCount - ph.blockInitialized)
		if total != ph.blockCount {
			t.Fatalf("%s: invariant broken: %d != block_count %d", label, total, ph.blockCount)
		}
	}
	check("after allocate")

	p.deallocateBlock(blocks[0], h.ownerThread)
	check("after owner free")

	p.putThreadFreeBlock(blocks[1])
	check("after remote free")

	p.adoptThreadFreeList()
	check("after adopt")
}

func TestPageFullTransition(t *testing.T) {
	h := newTestHeap(t)
	p := newTestPage(t, h, mediumClass)
	h.linkAvailable(p)

	ph := p.hdr()
	for i := uint32(0); i < ph.blockCount; i++ {
		if b := p.allocateBlock(false); b == 0 {
			t.Fatalf("allocateBlock #%d returned 0 before page should be full", i)
		}
	}
	if !ph.isFull {
		t.Fatal("page not marked full after exhausting block_count allocations")
	}
	if h.pageAvailable[mediumClass] == p {
		t.Fatal("full page still linked in page_available")
	}
}

func TestPageAvailableToFreeOnLastOwnerFree(t *testing.T) {
	h := newTestHeap(t)
	p := newTestPage(t, h, mediumClass)
	h.linkAvailable(p)

	b := p.allocateBlock(false)
	p.deallocateBlock(b, h.ownerThread)

	if !p.hdr().isFree {
		t.Fatal("page not marked free after its only block was freed")
	}
	if h.pageFree[pageMedium] != p {
		t.Fatal("page not linked into heap.pageFree[pageMedium]")
	}
}

// TestAllocateBlockReusesRemoteFreeWithoutInflatingBlockUsed exercises the
// allocate-fast-path -> getThreadFreeBlock route (local_free empty,
// thread_free non-empty) through a real allocateBlock call, rather than
// calling adoptThreadFreeList/putThreadFreeBlock directly: block_used must
// come back to exactly what it was before the remote free, never one
// higher, since getThreadFreeBlock has to adopt the whole chain (and its
// matching block_used decrement) before it may hand one block back out.
func TestAllocateBlockReusesRemoteFreeWithoutInflatingBlockUsed(t *testing.T) {
	h := newTestHeap(t)
	p := newTestPage(t, h, mediumClass)
	ph := p.hdr()

	a := p.allocateBlock(false)
	if a == 0 {
		t.Fatal("allocateBlock returned 0")
	}
	usedBefore := ph.blockUsed

	p.putThreadFreeBlock(a)

	b := p.allocateBlock(false)
	if b != a {
		t.Fatalf("allocateBlock after remote free = %x, want reused block %x", b, a)
	}
	if ph.blockUsed != usedBefore {
		t.Fatalf("block_used = %d after reuse via getThreadFreeBlock, want unchanged %d", ph.blockUsed, usedBefore)
	}
	if ph.blockUsed > ph.blockCount {
		t.Fatalf("block_used %d exceeds block_count %d", ph.blockUsed, ph.blockCount)
	}

	total := ph.blockUsed + uint32(localFreeListLength(p)) + uint32(threadFreeListLength(p)) + (ph.blockCount - ph.blockInitialized)
	if total != ph.blockCount {
		t.Fatalf("invariant broken after reuse: %d != block_count %d", total, ph.blockCount)
	}
}

func TestBlockRealignRecoversAlignedBlock(t *testing.T) {
	h := newTestHeap(t)
	p := newTestPage(t, h, mediumClass)

	b := p.allocateBlock(false)
	shifted := b + 5
	if got := p.blockRealign(shifted); got != b {
		t.Fatalf("blockRealign(%x) = %x, want %x", shifted, got, b)
	}
}
