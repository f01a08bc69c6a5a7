package rpmalloc

import "sync"

// heapsByID is the indirection table pages and spans use to reach their
// owning heap: append-only, so a *heap already handed out never moves.
// It is indexed by heap id; the OS-thread-keyed, sharded map is
// threadRegistry below.
var (
	heapsMu        sync.Mutex
	heapsByIDTable []*heap
)

func heapByID(id uint32) *heap {
	heapsMu.Lock()
	h := heapsByIDTable[id]
	heapsMu.Unlock()
	return h
}

// registerHeap allocates the next heap id and appends the heap in the
// same critical section, so a heap's id is always exactly its index in
// heapsByIDTable — unlike rpmalloc.c's separate atomic_uint
// global_heap_id counter, which this collapses into the table itself to
// avoid a TOCTOU window between assigning an id and publishing the heap
// that owns it.
func registerHeap(mem MemoryInterface) *heap {
	heapsMu.Lock()
	defer heapsMu.Unlock()
	id := uint32(len(heapsByIDTable))
	h := newHeap(id, mem)
	heapsByIDTable = append(heapsByIDTable, h)
	return h
}

// globalHeapQueue is the spin-locked (here: mutex-guarded, held only for
// a constant number of pointer splices, satisfying spec.md §4.6's bound)
// free list of heaps released by ThreadFinalize, singly linked through
// heap.globalNext.
var (
	globalHeapQueueMu sync.Mutex
	globalHeapQueue   *heap
)

func popGlobalHeap() *heap {
	globalHeapQueueMu.Lock()
	defer globalHeapQueueMu.Unlock()
	h := globalHeapQueue
	if h != nil {
		globalHeapQueue = h.globalNext
	}
	return h
}

func pushGlobalHeap(h *heap) {
	globalHeapQueueMu.Lock()
	h.globalNext = globalHeapQueue
	globalHeapQueue = h
	globalHeapQueueMu.Unlock()
}

const threadRegistryShardCount = 32

type threadRegistryShard struct {
	mu    sync.Mutex
	heaps map[threadID]*heap
}

var threadRegistry [threadRegistryShardCount]threadRegistryShard

func shardFor(tid threadID) *threadRegistryShard {
	return &threadRegistry[uint32(tid)%threadRegistryShardCount]
}

var (
	globalMemory   MemoryInterface
	globalInitMu   sync.Mutex
	globalInitDone bool
)

// Initialize prepares the allocator for use. Passing nil uses the
// platform-default MemoryInterface. Safe to call more than once; later
// calls are no-ops once a configuration has taken effect.
func Initialize(cfg *Config) error {
	globalInitMu.Lock()
	defer globalInitMu.Unlock()
	if globalInitDone {
		return nil
	}
	globalMemory = resolveMemoryInterface(cfg)
	globalInitDone = true
	return nil
}

func ensureInitialized() {
	globalInitMu.Lock()
	done := globalInitDone
	globalInitMu.Unlock()
	if !done {
		_ = Initialize(nil)
	}
}

// Finalize releases process-wide allocator state. Per spec.md's reading
// of rpmalloc_finalize, this is a thin hook: outstanding spans are not
// unmapped (callers that need the memory back should have freed their
// blocks already), it simply forgets bookkeeping so a later Initialize
// starts clean.
func Finalize() {
	globalInitMu.Lock()
	defer globalInitMu.Unlock()
	globalInitDone = false
	heapsMu.Lock()
	heapsByIDTable = nil
	heapsMu.Unlock()
	globalHeapQueueMu.Lock()
	globalHeapQueue = nil
	globalHeapQueueMu.Unlock()
	for i := range threadRegistry {
		threadRegistry[i].mu.Lock()
		threadRegistry[i].heaps = nil
		threadRegistry[i].mu.Unlock()
	}
}

// IsThreadInitialized reports whether the calling OS thread currently has
// a bound heap.
func IsThreadInitialized() bool {
	tid := currentThreadID()
	shard := shardFor(tid)
	shard.mu.Lock()
	_, ok := shard.heaps[tid]
	shard.mu.Unlock()
	return ok
}

// ThreadInitialize binds a heap to the calling OS thread, locking the
// calling goroutine to it for the duration (spec.md §4.6 "Resolve heap
// for current thread"): either an orphaned heap from the global queue
// (inheriting whatever pages it still owns) or a freshly registered one.
func ThreadInitialize() {
	ensureInitialized()
	lockOSThread()
	tid := currentThreadID()
	shard := shardFor(tid)

	shard.mu.Lock()
	defer shard.mu.Unlock()
	if shard.heaps == nil {
		shard.heaps = make(map[threadID]*heap)
	}
	if _, ok := shard.heaps[tid]; ok {
		return
	}

	h := popGlobalHeap()
	if h == nil {
		h = registerHeap(globalMemory)
	}
	h.bind(tid)
	shard.heaps[tid] = h
}

// ThreadFinalize releases the calling thread's bound heap back to the
// global queue for reuse by another thread and unlocks the goroutine
// from its OS thread. releaseCaches is accepted for parity with
// rpmalloc_thread_finalize's signature; per spec.md this hook carries no
// additional behavior beyond returning the heap.
func ThreadFinalize(releaseCaches bool) {
	_ = releaseCaches
	tid := currentThreadID()
	shard := shardFor(tid)

	shard.mu.Lock()
	h, ok := shard.heaps[tid]
	if ok {
		delete(shard.heaps, tid)
	}
	shard.mu.Unlock()

	if ok {
		pushGlobalHeap(h)
	}
	unlockOSThread()
}

// ThreadCollect is a documented no-op: rpmalloc_thread_collect is
// largely empty in the source this allocator is translated from, and the
// spec treats it the same way.
func ThreadCollect() {}

// currentHeap resolves the calling OS thread's heap, lazily registering
// and binding a fresh one on first use exactly as rpmalloc.c's
// get_thread_heap_allocate does: there is no shared, mutated-by-everyone
// fallback heap here, since every heap's page/span fields are plain,
// unlocked state that only its one owning thread may touch (spec.md §5's
// "thread-local heap pointer: accessed only by owning thread"). Unlike
// ThreadInitialize, this does not lock the calling goroutine to its OS
// thread — that pinning is reserved for callers who explicitly opt into
// the fast path.
func currentHeap() *heap {
	ensureInitialized()
	tid := currentThreadID()
	shard := shardFor(tid)

	shard.mu.Lock()
	defer shard.mu.Unlock()
	if shard.heaps == nil {
		shard.heaps = make(map[threadID]*heap)
	}
	if h, ok := shard.heaps[tid]; ok {
		return h
	}
	h := registerHeap(globalMemory)
	h.bind(tid)
	shard.heaps[tid] = h
	return h
}
