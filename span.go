package rpmalloc

import "unsafe"

// spanHeader occupies the first spanHeaderSize bytes of every span. It
// starts with a full pageHeader — for HUGE spans, the span *is* the page
// (spec.md §4.2), and for SMALL/MEDIUM/LARGE spans the leading page_t
// area is shared between the span header and that span's very first
// page, exactly as in rpmalloc.c's span_t. The fields added after embed
// only what a span needs beyond what a page already tracks: page
// geometry, the OS mapping coordinates needed to release it, and the
// span's place in the heap's span_used list.
type spanHeader struct {
	page pageHeader

	pageInitialized uint32
	pageCount       uint32
	pageSize        uint32
	pageSizeShift   uint32
	offset          uint32
	mappedSize      uint64
	next, prev      uintptr
}

const spanHeaderStructSize = unsafe.Sizeof(spanHeader{})

var _ = [1]struct{}{}[spanHeaderStructSize>>7]

type spanHandle uintptr

func (s spanHandle) hdr() *spanHeader {
	return (*spanHeader)(unsafe.Pointer(uintptr(s)))
}

func (s spanHandle) page() pageHandle {
	return pageHandle(s)
}

// spanOf recovers a span from any address inside it by masking off the
// low spanSize-1 bits — the load-bearing alignment invariant of spec.md
// §4.2: every span is mapped on a spanSize-aligned boundary so this
// recovery never needs auxiliary metadata.
func spanOf(addr uintptr) spanHandle {
	return spanHandle(addr & spanMask)
}

// pageAt recovers the page containing addr by masking to the owning span
// and then shift-dividing the intra-span offset by the span's page size
// (spec.md §4.3). For HUGE spans, where the span is the page, it returns
// the span's own page.
func pageAt(addr uintptr) pageHandle {
	span := spanOf(addr)
	h := span.hdr()
	if h.page.pageType == pageHuge {
		return span.page()
	}
	offset := addr - uintptr(span)
	index := offset >> h.pageSizeShift
	return pageHandle(uintptr(span) + index<<h.pageSizeShift)
}

// newSpan maps a fresh span of the given page-type from the OS and
// initializes its header. HUGE spans size themselves to fit the request;
// all other page-types always map a full spanSize region regardless of
// how much of it the caller ends up using.
func newSpan(mem MemoryInterface, pt pageType, requestedSize uintptr, h *heap) spanHandle {
	var reserve uintptr
	if pt == pageHuge {
		reserve = alignUp(requestedSize+pageHeaderSize, osPageSize)
	} else {
		reserve = spanSize
	}

	base, offset, mapped := mem.Map(reserve, spanSize)
	if base == 0 {
		return 0
	}

	span := spanHandle(base)
	hdr := span.hdr()
	*hdr = spanHeader{}
	hdr.page.pageType = pt
	hdr.page.isZero = true
	hdr.page.ownerThread = h.ownerThread
	hdr.page.heapID = h.id
	hdr.offset = uint32(offset)
	hdr.mappedSize = uint64(mapped)

	switch pt {
	case pageHuge:
		hdr.pageSize = uint32(reserve)
		hdr.pageSizeShift = 0
		hdr.pageCount = 1
		hdr.pageInitialized = 1
	default:
		size, shift := pageSizeForType(pt)
		hdr.pageSize = uint32(size)
		hdr.pageSizeShift = uint32(shift)
		hdr.pageCount = uint32(spanSize / size)
		hdr.pageInitialized = 0
	}

	return span
}

// allocatePage carves the next never-used page out of a partially
// initialized span, or returns 0 once page_initialized reaches
// page_count — the caller (heap.go) then knows to retire this span to
// span_used and map a new span_partial.
func (s spanHandle) allocatePage(h *heap) pageHandle {
	hdr := s.hdr()
	if hdr.pageInitialized >= hdr.pageCount {
		return 0
	}

	size, _ := pageSizeForType(hdr.page.pageType)
	page := pageHandle(uintptr(s) + uintptr(hdr.pageInitialized)*size)
	hdr.pageInitialized++

	if page != pageHandle(s) {
		initPageHeader(page, hdr.page.pageType, h)
	}

	return page
}

func alignUp(size, alignment uintptr) uintptr {
	return (size + alignment - 1) &^ (alignment - 1)
}
