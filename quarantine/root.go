package quarantine

import "sync/atomic"
import "unsafe"

// Backend is the allocator-side surface the quarantine calls back into.
// The quarantine itself never touches slot memory except for zapping.
type Backend interface {
	// Freeimmediate release the slot through the allocator's fast free
	// path, bypassing the quarantine.
	Freeimmediate(object unsafe.Pointer, slotstart uintptr)

	// Isdirectmapped whether the slot belongs to a direct-mapped
	// bucket. Direct mappings are too large to usefully quarantine.
	Isdirectmapped(slotstart uintptr) bool

	// Brpenabled whether slots carry an in-slot ref-count header.
	Brpenabled() bool

	// Prerelease notify the in-slot ref-count that the allocator is
	// about to release the slot. Only called when Brpenabled.
	Prerelease(slotstart uintptr)
}

// Stats snapshot of a root's aggregate counters.
type Stats struct {
	Count                 int64
	Sizeinbytes           int64
	Cumulativecount       int64
	Cumulativesizeinbytes int64
	Misscount             int64
}

// Root aggregates counters for all branches of one allocator root. It
// is purely a statistics and configuration container, slots are always
// owned by branches.
type Root struct {
	// 64-bit aligned atomic counters. count and sizeinbytes may
	// decrease on purge, the rest are monotonic.
	count                 int64
	sizeinbytes           int64
	cumulativecount       int64
	cumulativesizeinbytes int64
	misscount             int64

	backend Backend
}

// Newroot create a quarantine root over the allocator backend.
func Newroot(backend Backend) *Root {
	if backend == nil {
		panicerr("quarantine root needs a backend")
	}
	return &Root{backend: backend}
}

// Backend the allocator this root accounts for.
func (root *Root) Backend() Backend {
	return root.backend
}

// Accumulatestats add this root's counters into stats.
func (root *Root) Accumulatestats(stats *Stats) {
	stats.Count += atomic.LoadInt64(&root.count)
	stats.Sizeinbytes += atomic.LoadInt64(&root.sizeinbytes)
	stats.Cumulativecount += atomic.LoadInt64(&root.cumulativecount)
	stats.Cumulativesizeinbytes += atomic.LoadInt64(&root.cumulativesizeinbytes)
	stats.Misscount += atomic.LoadInt64(&root.misscount)
}

// Statistics return the counters as a map, for logging.
func (root *Root) Statistics() map[string]interface{} {
	return map[string]interface{}{
		"count":                 atomic.LoadInt64(&root.count),
		"sizeinbytes":           atomic.LoadInt64(&root.sizeinbytes),
		"cumulativecount":       atomic.LoadInt64(&root.cumulativecount),
		"cumulativesizeinbytes": atomic.LoadInt64(&root.cumulativesizeinbytes),
		"misscount":             atomic.LoadInt64(&root.misscount),
	}
}
