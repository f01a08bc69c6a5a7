package rpmalloc

import "sync/atomic"

// heap is the per-thread (conceptually) allocation context of spec.md
// §4.4. Unlike rpmalloc.c, where the heap struct itself lives in mapped
// memory, a heap here is an ordinary Go-managed object: Go's collector
// already gives every heap a stable address and a lifetime tied to
// whoever references it, so there is nothing to gain from also carving it
// out of raw OS memory, and doing so would mean storing live Go pointers
// (the MemoryInterface, callback closures) inside unmanaged bytes, which
// block.go's doc comment rules out. Pages reach their heap only through
// heapID + heapByID (registry.go), never through an embedded Go pointer
// inside a page or span header.
type heap struct {
	id          uint32
	ownerThread threadID
	memory      MemoryInterface

	localFree     [sizeClassCount]uintptr
	pageAvailable [sizeClassCount]pageHandle

	pageFree       [3]pageHandle
	pageFreeThread [3]atomic.Uintptr

	spanPartial [3]spanHandle
	spanUsed    [3]spanHandle

	// globalNext links released heaps on the global free queue
	// (registry.go). nil while the heap is bound to a thread.
	globalNext *heap
}

func newHeap(id uint32, mem MemoryInterface) *heap {
	return &heap{id: id, memory: mem}
}

// bind assigns the heap to the calling OS thread, per spec.md §4.6
// "Resolve heap for current thread": acquisition sets owner_thread.
func (h *heap) bind(tid threadID) {
	h.ownerThread = tid
	h.globalNext = nil
}

func (h *heap) unlinkAvailable(p pageHandle) {
	ph := p.hdr()
	class := ph.sizeClass
	if h.pageAvailable[class] == p {
		h.pageAvailable[class] = pageHandle(ph.next)
	}
	if ph.next != 0 {
		pageHandle(ph.next).hdr().prev = ph.prev
	}
	if ph.prev != 0 {
		pageHandle(ph.prev).hdr().next = ph.next
	}
	ph.next, ph.prev = 0, 0
}

func (h *heap) linkAvailable(p pageHandle) {
	ph := p.hdr()
	class := ph.sizeClass
	ph.next = uintptr(h.pageAvailable[class])
	ph.prev = 0
	if ph.next != 0 {
		pageHandle(ph.next).hdr().prev = uintptr(p)
	}
	h.pageAvailable[class] = p
}

// acquirePage implements "Page acquisition for a class" (spec.md §4.6):
// page_available, then page_free (reinit + recommit), then a drain of
// page_free_thread, then a fresh page out of span_partial, then a brand
// new span.
func (h *heap) acquirePage(class uint32) pageHandle {
	if avail := h.pageAvailable[class]; avail != 0 {
		return avail
	}

	pt := pageTypeForClass(class)

	if p := h.takeFreePage(pt); p != 0 {
		h.reinitializeFreePage(p, class)
		h.linkAvailable(p)
		return p
	}

	h.drainRemoteFreePages(pt)

	if p := h.takeFreePage(pt); p != 0 {
		h.reinitializeFreePage(p, class)
		h.linkAvailable(p)
		return p
	}

	if p := h.allocatePageFromPartialSpan(pt); p != 0 {
		h.initFreshPageForClass(p, class)
		h.linkAvailable(p)
		return p
	}

	span := newSpan(h.memory, pt, 0, h)
	if span == 0 {
		return 0
	}
	h.spanPartial[pt] = span
	p := h.allocatePageFromPartialSpan(pt)
	if p == 0 {
		return 0
	}
	h.initFreshPageForClass(p, class)
	h.linkAvailable(p)
	return p
}

func (h *heap) takeFreePage(pt pageType) pageHandle {
	p := h.pageFree[pt]
	if p == 0 {
		return 0
	}
	h.pageFree[pt] = pageHandle(p.hdr().next)
	return p
}

// reinitializeFreePage recommits a page pulled off page_free (it may have
// been decommitted in availableToFree), zeroes only its header-tail OS
// page's worth of bytes (spec.md §4.3's "zero the header-tail OS page"),
// and reassigns it to class.
func (h *heap) reinitializeFreePage(p pageHandle, class uint32) {
	ph := p.hdr()
	if ph.isDecommitted {
		p.commit(h.memory)
	}
	if !ph.isZero {
		memclr(p.blockStart(), uintptr(osPageSize)-pageHeaderSize)
	}
	sc := globalSizeClass[class]
	*ph = pageHeader{
		pageType:    ph.pageType,
		ownerThread: h.ownerThread,
		heapID:      h.id,
		isZero:      ph.isZero,
	}
	ph.sizeClass = class
	ph.blockSize = sc.blockSize
	ph.blockCount = sc.blockCount
}

func (h *heap) initFreshPageForClass(p pageHandle, class uint32) {
	ph := p.hdr()
	sc := globalSizeClass[class]
	ph.sizeClass = class
	ph.blockSize = sc.blockSize
	ph.blockCount = sc.blockCount
	ph.ownerThread = h.ownerThread
	ph.heapID = h.id
}

func (h *heap) allocatePageFromPartialSpan(pt pageType) pageHandle {
	span := h.spanPartial[pt]
	if span == 0 {
		return 0
	}
	p := span.allocatePage(h)
	if p == 0 {
		h.spanPartial[pt] = 0
		h.pushSpanUsed(pt, span)
		return 0
	}
	if span.hdr().pageInitialized >= span.hdr().pageCount {
		h.spanPartial[pt] = 0
		h.pushSpanUsed(pt, span)
	}
	return p
}

func (h *heap) pushSpanUsed(pt pageType, span spanHandle) {
	span.hdr().next = uintptr(h.spanUsed[pt])
	h.spanUsed[pt] = span
}

// drainRemoteFreePages adopts the heap's page_free_thread[pt] Treiber
// stack in one atomic exchange and splices every page on it onto
// page_free[pt], per the page-acquisition order in spec.md §4.6.
func (h *heap) drainRemoteFreePages(pt pageType) {
	head := h.pageFreeThread[pt].Swap(0)
	if head == 0 {
		return
	}
	p := pageHandle(head)
	for p != 0 {
		next := pageHandle(p.hdr().next)
		p.hdr().next = uintptr(h.pageFree[pt])
		h.pageFree[pt] = p
		p = next
	}
}

// pushFreePageRemote is called by a non-owning thread (threadfree.go)
// once it observes it has fully emptied a page. Treiber-stack push keyed
// off page.next, per spec.md §4.3's full-page reclamation rule.
func pushFreePageRemote(h *heap, pt pageType, p pageHandle) {
	for {
		old := h.pageFreeThread[pt].Load()
		p.hdr().next = old
		if h.pageFreeThread[pt].CompareAndSwap(old, uintptr(p)) {
			return
		}
	}
}

// allocate is the heap-level fast path of spec.md §4.6: class lookup,
// heap-local free list, else the page layer.
func (h *heap) allocate(size uintptr, zero bool) uintptr {
	var class uint32
	if size <= smallGranularity*16 {
		if size == 0 {
			return 0
		}
		class = sizeClassTiny(size)
	} else {
		c, huge := sizeClassOf(size)
		if huge {
			return h.allocateHuge(size)
		}
		class = c
	}

	if block := h.localFree[class]; block != 0 {
		h.localFree[class] = loadPtr(block)
		if zero {
			memclr(block, uintptr(globalSizeClass[class].blockSize))
		}
		return block
	}

	p := h.acquirePage(class)
	if p == 0 {
		return 0
	}
	return p.allocateBlock(zero)
}

func (h *heap) allocateHuge(size uintptr) uintptr {
	span := newSpan(h.memory, pageHuge, size, h)
	if span == 0 {
		return 0
	}
	hdr := span.hdr()
	hdr.page.blockSize = uint32(hdr.mappedSize - pageHeaderSize)
	return add(uintptr(span), pageHeaderSize)
}

// deallocate routes ptr back through span/page recovery and the
// local/thread-free split of spec.md §4.3, unmapping directly for HUGE.
func (h *heap) deallocate(ptr uintptr, callingThread threadID) {
	span := spanOf(ptr)
	sh := span.hdr()
	if sh.page.pageType == pageHuge {
		h.memory.Unmap(uintptr(span), uintptr(sh.offset), uintptr(sh.mappedSize))
		return
	}
	page := pageAt(ptr)
	page.deallocateBlock(ptr, callingThread)
}

func (h *heap) usableSize(ptr uintptr) uintptr {
	span := spanOf(ptr)
	sh := span.hdr()
	if sh.page.pageType == pageHuge {
		return uintptr(sh.mappedSize) - (ptr - uintptr(span))
	}
	page := pageAt(ptr)
	ph := page.hdr()
	blockStart := page.blockStart()
	offsetIntoBlock := (ptr - blockStart) % uintptr(ph.blockSize)
	return uintptr(ph.blockSize) - offsetIntoBlock
}

// growTarget applies rpmalloc.c's hysteresis policy (old + old/4 + old/8)
// so a realloc sequence that creeps up in small increments doesn't remap
// on every call.
func growTarget(oldSize, requested uintptr) uintptr {
	grown := oldSize + oldSize>>2 + oldSize>>3
	if requested > grown {
		return requested
	}
	return grown
}

func (h *heap) reallocate(ptr uintptr, size uintptr, flags ReallocFlags) uintptr {
	if ptr == 0 {
		return h.allocate(size, false)
	}
	if size == 0 {
		h.deallocate(ptr, h.ownerThread)
		return 0
	}

	oldUsable := h.usableSize(ptr)
	span := spanOf(ptr)
	if span.hdr().page.pageType == pageHuge {
		if size <= uintptr(span.hdr().mappedSize)-pageHeaderSize {
			span.hdr().page.blockSize = uint32(size)
			return ptr
		}
	} else if size <= oldUsable {
		return ptr
	}

	if flags&ReallocGrowOrFail != 0 {
		return 0
	}
	target := growTarget(oldUsable, size)

	newPtr := h.allocate(target, false)
	if newPtr == 0 {
		return 0
	}
	if flags&ReallocNoPreserve == 0 {
		copySize := oldUsable
		if size < copySize {
			copySize = size
		}
		memmove(newPtr, ptr, copySize)
	}
	h.deallocate(ptr, h.ownerThread)
	return newPtr
}
