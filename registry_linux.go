//go:build linux

package rpmalloc

import (
	"runtime"

	"golang.org/x/sys/unix"
)

// currentThreadID identifies the underlying OS thread, not the goroutine
// — Go has no native thread-local storage, so this plus
// runtime.LockOSThread is how ThreadInitialize emulates rpmalloc's
// __thread heap pointer (spec.md's "Thread-local globals" redesign
// note). Grounded on unix.Gettid usage in
// _examples/other_examples/0c4a8d71_dsmmcken-dh-cli__src-internal-vm-uffd_linux.go.
func currentThreadID() threadID {
	return threadID(unix.Gettid())
}

func lockOSThread() {
	runtime.LockOSThread()
}

func unlockOSThread() {
	runtime.UnlockOSThread()
}

func init() {
	osPageSize = uintptr(unix.Getpagesize())
}
