package rpmalloc

import (
	"sync/atomic"
	"unsafe"
)

// pageHeader is the first pageHeaderSize bytes of every page (and, for
// SMALL/MEDIUM/LARGE spans, the first pageHeaderSize bytes of the span
// itself — see spanHeader). Grounded on rpmalloc.c's page_t; field order
// here is chosen for Go struct packing rather than mirroring the C
// bitfield layout, so sizes differ but the semantics are identical.
//
// heapID, not a *heap, is what a page uses to find its owner: pages live
// in OS-mapped memory the Go garbage collector never scans, so storing an
// ordinary Go pointer here would let the collector free a heap that a
// page still referenced. heapByID (registry.go) is the one place that
// translates an id back into a live *heap.
type pageHeader struct {
	next, prev uintptr
	localFree  uintptr
	threadFree atomic.Uint64

	sizeClass        uint32
	blockSize        uint32
	blockCount       uint32
	blockInitialized uint32
	blockUsed        uint32
	localFreeCount   uint32
	ownerThread      threadID
	heapID           uint32

	pageType        pageType
	isFull          bool
	isFree          bool
	isZero          bool
	isDecommitted   bool
	hasAlignedBlock bool
}

const pageHeaderStructSize = unsafe.Sizeof(pageHeader{})

var _ = [1]struct{}{}[pageHeaderStructSize>>7] // compile error if pageHeader ever reaches 128 bytes (see below)

// The line above relies on pageHeaderStructSize>>7 being 0 when the
// struct is <=127 bytes and the array having exactly one valid index
// (0); it is a deliberately minimal compile-time assertion in the spirit
// of rpmalloc.c's _Static_assert(sizeof(page_t) <= PAGE_HEADER_SIZE, ...).

type pageHandle uintptr

func (p pageHandle) hdr() *pageHeader {
	return (*pageHeader)(unsafe.Pointer(uintptr(p)))
}

func (p pageHandle) span() spanHandle {
	return spanHandle(uintptr(p) & spanMask)
}

func (p pageHandle) blockStart() uintptr {
	return add(uintptr(p), pageHeaderSize)
}

func (p pageHandle) block(index uint32) uintptr {
	h := p.hdr()
	return add(p.blockStart(), uintptr(index)*uintptr(h.blockSize))
}

func (p pageHandle) blockIndex(block uintptr) uint32 {
	h := p.hdr()
	return uint32((block - p.blockStart()) / uintptr(h.blockSize))
}

// blockRealign recovers a block's true origin when the page carries
// aligned_alloc-shifted pointers.
func (p pageHandle) blockRealign(block uintptr) uintptr {
	h := p.hdr()
	offset := uint32(block - p.blockStart())
	return block - uintptr(offset%h.blockSize)
}

func (p pageHandle) size() uintptr {
	h := p.hdr()
	switch h.pageType {
	case pageSmall:
		return smallPageSize
	case pageMedium:
		return mediumPageSize
	case pageLarge:
		return largePageSize
	default:
		return uintptr(p.span().hdr().pageSize)
	}
}

func (p pageHandle) heap() *heap {
	return heapByID(p.hdr().heapID)
}

// getLocalFreeBlock pops the page-local fast-path free list.
func (p pageHandle) getLocalFreeBlock() uintptr {
	h := p.hdr()
	block := h.localFree
	if block == 0 {
		return 0
	}
	h.localFree = loadPtr(block)
	h.localFreeCount--
	h.blockUsed++
	return block
}

// initializeBlocks bumps block_initialized and, for small pages whose
// blocks are less than half an OS page, links the rest of the current OS
// page's worth of not-yet-touched blocks into local_free in one shot —
// spec.md §4.3's amortization step.
func (p pageHandle) initializeBlocks() uintptr {
	h := p.hdr()
	block := p.block(h.blockInitialized)
	h.blockInitialized++
	h.blockUsed++

	if h.pageType == pageSmall && uintptr(h.blockSize) < osPageSize/2 {
		memoryPageStart := block &^ (osPageSize - 1)
		memoryPageNext := memoryPageStart + osPageSize
		freeBlock := add(block, uintptr(h.blockSize))
		firstBlock := freeBlock
		lastBlock := freeBlock
		listCount := uint32(0)
		maxListCount := h.blockCount - h.blockInitialized
		for freeBlock < memoryPageNext && listCount < maxListCount {
			lastBlock = freeBlock
			next := add(freeBlock, uintptr(h.blockSize))
			storePtr(freeBlock, next)
			freeBlock = next
			listCount++
		}
		if listCount > 0 {
			storePtr(lastBlock, 0)
			h.localFree = firstBlock
			h.blockInitialized += listCount
			h.localFreeCount = listCount
		}
	}

	return block
}

// allocateBlock is the page-level allocation path (spec.md §4.3): local
// free list, then adopted thread-free list, then a fresh block.
func (p pageHandle) allocateBlock(zero bool) uintptr {
	h := p.hdr()
	isZero := false

	block := p.getLocalFreeBlock()
	if block == 0 {
		block = p.getThreadFreeBlock()
		if block == 0 {
			block = p.initializeBlocks()
			isZero = h.isZero
		}
	}

	assertInvariant(h.blockUsed <= h.blockCount, "block_used exceeds block_count")
	p.pushLocalFreeToHeap()

	if h.blockUsed == h.blockCount {
		p.adoptThreadFreeList()
	}

	if h.blockUsed == h.blockCount {
		if !h.isFull {
			hp := p.heap()
			hp.unlinkAvailable(p)
		}
		h.isFull = true
		h.isZero = false
	}

	if zero && !isZero && block != 0 {
		memclr(block, uintptr(h.blockSize))
	}

	return block
}

// pushLocalFreeToHeap promotes a page's warm local_free chain to the
// heap-level fast-path list, mirroring rpmalloc.c's
// page_push_local_free_to_heap: the first page a heap touches for a class
// donates its whole chain so the next few allocations skip the page
// layer entirely.
func (p pageHandle) pushLocalFreeToHeap() {
	h := p.hdr()
	if h.localFree == 0 {
		return
	}
	hp := p.heap()
	assertInvariant(hp.localFree[h.sizeClass] == 0, "local_free internal failure")
	hp.localFree[h.sizeClass] = h.localFree
	h.blockUsed += h.localFreeCount
	h.localFree = 0
	h.localFreeCount = 0
}

// deallocateBlock routes a freed block to the local or thread-free list
// depending on whether the calling thread owns the page (spec.md §4.3).
func (p pageHandle) deallocateBlock(block uintptr, callingThread threadID) {
	h := p.hdr()
	if h.hasAlignedBlock {
		block = p.blockRealign(block)
	}
	if h.ownerThread == 0 || h.ownerThread == callingThread {
		p.putLocalFreeBlock(block)
	} else {
		p.putThreadFreeBlock(block)
	}
}

func (p pageHandle) putLocalFreeBlock(block uintptr) {
	h := p.hdr()
	storePtr(block, h.localFree)
	h.localFree = block
	h.localFreeCount++
	h.blockUsed--

	if h.blockUsed == 0 {
		p.availableToFree()
	} else if h.isFull {
		p.fullToAvailable()
	}
}

// availableToFree moves a fully-freed page from the heap's available list
// to its free-page list, decommitting every free page of the same bucket
// but the head to bound the number of syscalls (spec.md §4.3).
func (p pageHandle) availableToFree() {
	h := p.hdr()
	assertInvariant(!h.isFull, "page full flag internal failure")
	hp := p.heap()
	hp.unlinkAvailable(p)
	h.isFree = true
	h.isZero = false
	h.next = uintptr(hp.pageFree[h.pageType])
	hp.pageFree[h.pageType] = p
	if h.next != 0 {
		pageHandle(h.next).decommit()
	}
}

func (p pageHandle) fullToAvailable() {
	h := p.hdr()
	hp := p.heap()
	h.next = uintptr(hp.pageAvailable[h.sizeClass])
	if h.next != 0 {
		pageHandle(h.next).hdr().prev = uintptr(p)
	}
	hp.pageAvailable[h.sizeClass] = p
	h.isFull = false
}

func (p pageHandle) commit(mem MemoryInterface) {
	h := p.hdr()
	extra := add(uintptr(p), osPageSize)
	size := p.size() - osPageSize
	mem.Commit(extra, size)
	h.isDecommitted = false
}

// decommit releases the page's backing beyond its first OS page through
// the owning heap's memory interface; commit is its counterpart and takes
// the interface explicitly.
func (p pageHandle) decommit() {
	hp := p.heap()
	h := p.hdr()
	extra := add(uintptr(p), osPageSize)
	size := p.size() - osPageSize
	hp.memory.Decommit(extra, size)
	h.isDecommitted = true
}

func initPageHeader(p pageHandle, pt pageType, h *heap) {
	hdr := p.hdr()
	*hdr = pageHeader{}
	hdr.pageType = pt
	hdr.isZero = true
	hdr.ownerThread = h.ownerThread
	hdr.heapID = h.id
}
