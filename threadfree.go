package rpmalloc

// threadID identifies the OS thread currently bound to a heap. 0 means
// "unowned" — a real gettid() never returns 0 for a user thread on
// Linux, so it doubles as the sentinel rather than needing an extra bool.
type threadID int32

// osPageSize is discovered once at init time (registry_linux.go) and used
// to decide how many blocks initializeBlocks can amortize per OS page
// fault, and how much of a page to leave resident across a decommit.
var osPageSize uintptr = 4096

// threadFreeWord packs the lock-free thread-free list rpmalloc.c keeps
// per page: the high 32 bits are the chain length (a push-count that also
// defeats ABA on the CAS loop below, and that putThreadFreeBlock compares
// with block_count for full-page reclamation), the low 32 bits are the
// 1-based index (within the
// page) of the list head, 0 meaning empty. Grounded on
// original_source/rpmalloc/rpmalloc.c's page_block_to_thread_free_list /
// page_thread_free_list_to_block, which use exactly this layout.
type threadFreeWord uint64

func packThreadFree(count uint32, blockIndex uint32) threadFreeWord {
	return threadFreeWord(uint64(count)<<32 | uint64(blockIndex))
}

func (w threadFreeWord) count() uint32 {
	return uint32(w >> 32)
}

func (w threadFreeWord) blockIndex() uint32 {
	return uint32(w)
}

// putThreadFreeBlock pushes block onto the page's lock-free thread-free
// list with a CAS retry loop; any number of non-owning goroutines may
// call this concurrently with each other and with the owner calling
// adoptThreadFreeList.
func (p pageHandle) putThreadFreeBlock(block uintptr) {
	h := p.hdr()
	index := p.blockIndex(block) + 1

	var newCount uint32
	for {
		old := threadFreeWord(h.threadFree.Load())
		storePtr(block, 0)
		if old.blockIndex() != 0 {
			storePtr(block, p.block(old.blockIndex()-1))
		}
		newCount = old.count() + 1
		next := packThreadFree(newCount, index)
		if h.threadFree.CompareAndSwap(uint64(old), uint64(next)) {
			break
		}
	}

	// Full-page reclamation (spec.md §4.3): the push that brings the
	// thread-free chain up to block_count on an already-full page is the
	// one that emptied it. Exactly one non-owning push can observe this,
	// since block_used only ever reaches block_count once, on the owner's
	// allocate path, before any of these remote frees land.
	if h.isFull && newCount >= h.blockCount {
		pushFreePageRemote(p.heap(), h.pageType, p)
	}
}

// adoptThreadFreeChain claims the entire thread-free chain in one CAS and
// splices it onto the page's local free list, decrementing block_used by
// the whole chain length. Reports whether there was anything to adopt.
// Grounded on rpmalloc.c's page_adopt_thread_free_block_list, which both
// adoptThreadFreeList and getThreadFreeBlock below build on — neither may
// touch the shared thread_free word any other way, since a partial,
// single-block CAS pop leaves block_used permanently out of sync with the
// chain (the push side never decrements it; only a full adopt does).
func (p pageHandle) adoptThreadFreeChain() bool {
	h := p.hdr()
	var old threadFreeWord
	for {
		old = threadFreeWord(h.threadFree.Load())
		if old.blockIndex() == 0 {
			return false
		}
		if h.threadFree.CompareAndSwap(uint64(old), 0) {
			break
		}
	}

	head := p.block(old.blockIndex() - 1)
	count := uint32(0)
	last := head
	for {
		count++
		next := loadPtr(last)
		if next == 0 {
			break
		}
		last = next
	}

	storePtr(last, h.localFree)
	h.localFree = head
	h.localFreeCount += count
	h.blockUsed -= count
	return true
}

// getThreadFreeBlock satisfies an allocate when the local free list is
// empty but a concurrent free already landed: adopt the whole thread-free
// chain onto local_free (spec.md §4.3 step 2), then pop one block off it,
// exactly as rpmalloc.c's page_get_thread_free_block does.
func (p pageHandle) getThreadFreeBlock() uintptr {
	if !p.adoptThreadFreeChain() {
		return 0
	}
	return p.getLocalFreeBlock()
}

// adoptThreadFreeList is the owner-side reclamation call: adopt the chain
// and then run the page through whatever state transition the newly freed
// blocks trigger (fully free, or no longer full).
func (p pageHandle) adoptThreadFreeList() {
	if !p.adoptThreadFreeChain() {
		return
	}
	h := p.hdr()
	if h.blockUsed == 0 {
		p.availableToFree()
	} else if h.isFull {
		p.fullToAvailable()
	}
}
