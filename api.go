package rpmalloc

import "math/bits"

// ReallocFlags controls Realloc's copy and failure behavior, mirroring
// rpmalloc's RPMALLOC_NO_PRESERVE / RPMALLOC_GROW_OR_FAIL flags.
type ReallocFlags uint32

const (
	// ReallocNoPreserve skips copying the old contents into the new
	// block. Use when the caller is about to overwrite everything anyway.
	ReallocNoPreserve ReallocFlags = 1 << iota
	// ReallocGrowOrFail makes Realloc fail with ErrOutOfMemory, leaving
	// ptr allocated and untouched, when the block cannot be resized in
	// place instead of moving it to a new block.
	ReallocGrowOrFail
)

// Alloc returns a block of at least size bytes, uninitialized.
func Alloc(size uintptr) (uintptr, error) {
	ensureInitialized()
	ptr := currentHeap().allocate(size, false)
	if ptr == 0 && size != 0 {
		return 0, ErrOutOfMemory
	}
	return ptr, nil
}

// Calloc returns a zero-initialized block sized for count elements of
// size bytes each, failing on overflow rather than silently truncating.
func Calloc(count, size uintptr) (uintptr, error) {
	ensureInitialized()
	if count != 0 && size != 0 {
		hi, _ := bits.Mul64(uint64(count), uint64(size))
		if hi != 0 {
			return 0, ErrInvalidArgument
		}
	}
	total := count * size
	ptr := currentHeap().allocate(total, true)
	if ptr == 0 && total != 0 {
		return 0, ErrOutOfMemory
	}
	return ptr, nil
}

// Free releases a block obtained from this package. Freeing the zero
// value is a no-op; freeing any other pointer not obtained from this
// allocator is undefined behavior, as in the C original.
func Free(ptr uintptr) {
	if ptr == 0 {
		return
	}
	currentHeap().deallocate(ptr, currentThreadID())
}

// Realloc resizes ptr to size bytes, preserving min(old, new) usable
// bytes unless flags includes ReallocNoPreserve. A nil ptr behaves as
// Alloc; a zero size behaves as Free and returns 0.
func Realloc(ptr uintptr, size uintptr, flags ReallocFlags) (uintptr, error) {
	ensureInitialized()
	result := currentHeap().reallocate(ptr, size, flags)
	if result == 0 && size != 0 {
		return 0, ErrOutOfMemory
	}
	return result, nil
}

func validateAlignment(alignment uintptr) error {
	if alignment == 0 {
		return nil
	}
	if alignment&(alignment-1) != 0 {
		return ErrInvalidArgument
	}
	if alignment >= maxAlignment {
		return ErrInvalidArgument
	}
	return nil
}

// AlignedAlloc returns a block of size bytes whose address is a multiple
// of alignment, which must be a power of two less than maxAlignment.
// Grounded on rpmalloc.c's heap_allocate_block_aligned: over-allocate by
// alignment, realign the returned address, and mark the page as holding
// an aligned block so Free/UsableSize know to recover the true block
// origin.
func AlignedAlloc(alignment, size uintptr) (uintptr, error) {
	return alignedAllocate(alignment, size, false)
}

// AlignedCalloc is AlignedAlloc with zero-initialized memory.
func AlignedCalloc(alignment, count, size uintptr) (uintptr, error) {
	if count != 0 && size != 0 {
		hi, _ := bits.Mul64(uint64(count), uint64(size))
		if hi != 0 {
			return 0, ErrInvalidArgument
		}
	}
	return alignedAllocate(alignment, count*size, true)
}

// Memalign is AlignedAlloc under the POSIX memalign name.
func Memalign(alignment, size uintptr) (uintptr, error) {
	return AlignedAlloc(alignment, size)
}

// PosixMemalign mirrors posix_memalign's argument validation (alignment
// must be a power of two multiple of the machine word size) and returns
// the block directly rather than through an out-parameter, which is more
// idiomatic for a Go API than C's int-returning, pointer-writing form.
func PosixMemalign(alignment, size uintptr) (uintptr, error) {
	if alignment%unsafePointerSize != 0 {
		return 0, ErrInvalidArgument
	}
	return AlignedAlloc(alignment, size)
}

func alignedAllocate(alignment, size uintptr, zero bool) (uintptr, error) {
	ensureInitialized()
	if err := validateAlignment(alignment); err != nil {
		return 0, err
	}
	if alignment <= smallGranularity {
		ptr := currentHeap().allocate(size, zero)
		if ptr == 0 && size != 0 {
			return 0, ErrOutOfMemory
		}
		return ptr, nil
	}
	if size+alignment < size {
		return 0, ErrInvalidArgument
	}

	h := currentHeap()
	block := h.allocate(size+alignment, zero)
	if block == 0 {
		return 0, ErrOutOfMemory
	}

	alignMask := alignment - 1
	if block&alignMask != 0 {
		aligned := (block &^ alignMask) + alignment
		page := pageAt(block)
		page.hdr().hasAlignedBlock = true
		block = aligned
	}
	return block, nil
}

// AlignedRealloc resizes a block previously obtained from AlignedAlloc,
// re-establishing the requested alignment (a plain Realloc cannot
// guarantee it keeps an aligned address).
func AlignedRealloc(ptr uintptr, alignment, size uintptr, flags ReallocFlags) (uintptr, error) {
	ensureInitialized()
	if ptr == 0 {
		return alignedAllocate(alignment, size, false)
	}
	if size == 0 {
		Free(ptr)
		return 0, nil
	}
	if err := validateAlignment(alignment); err != nil {
		return 0, err
	}

	h := currentHeap()
	oldUsable := h.usableSize(ptr)
	newPtr, err := alignedAllocate(alignment, size, false)
	if err != nil {
		return 0, err
	}
	if flags&ReallocNoPreserve == 0 {
		copySize := oldUsable
		if size < copySize {
			copySize = size
		}
		memmove(newPtr, ptr, copySize)
	}
	Free(ptr)
	return newPtr, nil
}

// UsableSize reports how many bytes ptr's underlying block can actually
// hold, which is at least the size originally requested.
func UsableSize(ptr uintptr) uintptr {
	if ptr == 0 {
		return 0
	}
	return currentHeap().usableSize(ptr)
}

const unsafePointerSize = 8
