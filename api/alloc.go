package api

import "unsafe"

// Token selects one of the pre-created allocator roots behind the
// dispatch table. Token zero is the default root. Tokens enable
// per-call-site segregation of allocations without any per-object tag.
type Token int

// Mallocer interface for custom memory management.
type Mallocer interface {
	// Slabs allocatable slab of sizes.
	Slabs() (sizes []int64)

	// Alloc allocate a chunk of `n` bytes. Allocated memory is always
	// aligned to the allocator's base alignment. Returns nil on
	// exhaustion.
	Alloc(n int64) unsafe.Pointer

	// Slabsize return the size of the chunk's slab size.
	Slabsize(ptr unsafe.Pointer) int64

	// Chunklen return the length of the chunk usable by application.
	Chunklen(ptr unsafe.Pointer) int64

	// Free chunk back to the allocator.
	Free(ptr unsafe.Pointer)

	// Release the allocator and all its resources.
	Release()

	// Info of memory accounting for this allocator.
	Info() (capacity, heap, alloc, overhead int64)

	// Utilization map of slab-size and its utilization.
	Utilization() ([]int, []float64)
}
