//go:build linux

package rpmalloc

import (
	"unsafe"

	"github.com/golang/glog"
	"golang.org/x/sys/unix"
)

// defaultMemoryInterface is the Linux MemoryInterface backend: mmap-based
// reservation with an over-allocate-then-align strategy, madvise-based
// commit/decommit, and a plain munmap release. Grounded on
// golang.org/x/sys/unix usage in
// _examples/other_examples/1693e926_storj-storj__satellite-jobq-jobqueue_unix.go,
// _examples/other_examples/0c4a8d71_dsmmcken-dh-cli__src-internal-vm-uffd_linux.go
// and _examples/other_examples/498fde23_immunotec18-go-hypervisor__memory.go,
// cross-checked against the commit/decommit split in
// sunshibao-go-runtime_ending/src/runtime/mem_linux.go's sysAlloc/sysUnused.
type defaultMemoryInterface struct {
	hugePages bool
	onOOM     func(requested uintptr) (retry bool)

	// reserve defaults to d.mmapReserve; tests substitute a failing stub
	// to exercise the onOOM retry loop in Map without having to actually
	// exhaust address space.
	reserve func(size uintptr) (unsafe.Pointer, error)
}

func newDefaultMemoryInterface(cfg *Config) *defaultMemoryInterface {
	d := &defaultMemoryInterface{}
	if cfg != nil {
		d.hugePages = cfg.EnableHugePages
		d.onOOM = cfg.OnOutOfMemory
	}
	d.reserve = d.mmapReserve
	return d
}

func (d *defaultMemoryInterface) Map(size, alignment uintptr) (base, offset, mappedSize uintptr) {
	reserve := size
	if alignment > 0 {
		reserve += alignment
	}

	for {
		addr, err := d.reserve(reserve)
		if err != nil {
			if d.onOOM != nil && d.onOOM(size) {
				continue
			}
			return 0, 0, 0
		}

		base = uintptr(addr)
		off := uintptr(0)
		if alignment > 0 {
			aligned := (base + alignment - 1) &^ (alignment - 1)
			off = aligned - base
			base = aligned
		}
		return base, off, reserve
	}
}

func (d *defaultMemoryInterface) mmapReserve(size uintptr) (unsafe.Pointer, error) {
	flags := unix.MAP_ANON | unix.MAP_PRIVATE
	hugeTLBFailed := false
	if d.hugePages {
		b, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, flags|unix.MAP_HUGETLB)
		if err == nil {
			return unsafe.Pointer(&b[0]), nil
		}
		glog.V(2).Infof("rpmalloc: huge page mmap of %d bytes failed (%v), falling back to normal pages", size, err)
		hugeTLBFailed = true
	}
	b, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, flags)
	if err != nil {
		return nil, err
	}
	// Only advise transparent huge pages as the fallback for a requested
	// but unavailable MAP_HUGETLB mapping; a caller that never asked for
	// huge pages at all gets ordinary pages with no advisory, matching
	// rpmalloc.c's os_mmap.
	if hugeTLBFailed {
		_ = unix.Madvise(b, unix.MADV_HUGEPAGE)
	}
	return unsafe.Pointer(&b[0]), nil
}

func (d *defaultMemoryInterface) Commit(addr, size uintptr) {
	b := unsafe.Slice((*byte)(unsafe.Pointer(addr)), size)
	if err := unix.Mprotect(b, unix.PROT_READ|unix.PROT_WRITE); err != nil {
		assertInvariant(false, "mprotect commit failed: "+err.Error())
	}
}

func (d *defaultMemoryInterface) Decommit(addr, size uintptr) {
	b := unsafe.Slice((*byte)(unsafe.Pointer(addr)), size)
	if err := unix.Madvise(b, unix.MADV_DONTNEED); err != nil {
		glog.V(2).Infof("rpmalloc: madvise(DONTNEED) on %d bytes at %#x failed: %v", size, addr, err)
	}
}

func (d *defaultMemoryInterface) Unmap(addr uintptr, offset, mappedSize uintptr) {
	base := addr - offset
	b := unsafe.Slice((*byte)(unsafe.Pointer(base)), mappedSize)
	if err := unix.Munmap(b); err != nil {
		assertInvariant(false, "munmap failed: "+err.Error())
	}
}
