package rpmalloc

// Config is the Go analog of rpmalloc's rpmalloc_config_t: in-process
// initialization options, not a file or environment-parsed configuration
// surface (this is an embedded library, not a service). A nil Config
// passed to Initialize uses OS defaults throughout.
type Config struct {
	// Memory overrides the OS memory interface. If nil, the platform
	// default (mmap/mprotect/madvise/munmap on Linux) is used. An
	// implementation that only needs to customize Map/Unmap can embed
	// MemoryInterface and only override those two methods; Commit/Decommit
	// calls will simply run through to whatever is embedded.
	Memory MemoryInterface

	// EnableHugePages requests transparent/explicit huge-page backing for
	// fresh mappings. Per spec.md §4.2, failure falls back silently to
	// normal pages.
	EnableHugePages bool

	// OnOutOfMemory is invoked when a Map call fails. Returning true
	// requests the allocator retry the mapping; returning false (or a nil
	// callback) propagates the failure to the caller as ErrOutOfMemory.
	OnOutOfMemory func(requested uintptr) (retry bool)
}
