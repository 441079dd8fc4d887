package quarantine

import "sync/atomic"
import "unsafe"

// Threadbranch is the thread-bound quarantine branch. It belongs to a
// single goroutine, typically alongside that goroutine's thread-cache,
// and elides the lock entirely: no two-phase purge, entries free
// in-line during the bookkeeping pass.
type Threadbranch struct {
	branchcore
}

// Newthreadbranch create a thread-bound branch over the allocator
// backend. The branch accepts nothing until Configure enables it.
func Newthreadbranch(backend Backend) *Threadbranch {
	br := &Threadbranch{}
	br.init(backend)
	return br
}

// Configure install root and config, purging any prior content.
func (br *Threadbranch) Configure(root *Root, config Config) {
	br.configure(root, config)
}

// Exclude pause this branch until the returned scope is released.
func (br *Threadbranch) Exclude() *Scopedexclusion {
	return br.exclude()
}

// Quarantine take ownership of a freed slot, or deallocate it
// immediately when the quarantine cannot hold it. tr may be nil.
func (br *Threadbranch) Quarantine(
	object unsafe.Pointer, slotstart uintptr, usablesize int64, tr *Tracker) {

	if br.rejectearly(slotstart) {
		br.backend.Freeimmediate(object, slotstart)
		return
	}

	capacity := atomic.LoadInt64(&br.capacityinbytes)
	if capacity < usablesize {
		// even a full drain of this branch cannot make the entry fit.
		br.backend.Freeimmediate(object, slotstart)
		atomic.AddInt64(&br.root.misscount, 1)
		return
	}

	tr.Purgestart()
	br.purgeinternal(capacity - usablesize)
	br.append(slotstart, usablesize)

	br.accountquarantined(usablesize)
	br.epilogue(object, slotstart, usablesize, tr)
}

// Purge drain every entry held by this branch.
func (br *Threadbranch) Purge() {
	br.purgeinternal(0)
	br.slots = nil
}

// Isquarantined whether this branch holds the object.
func (br *Threadbranch) Isquarantined(object unsafe.Pointer) bool {
	return br.isquarantined(uintptr(object))
}

// Release purge unless configured to leak.
func (br *Threadbranch) Release() {
	if br.leakondestruction == false {
		br.Purge()
	}
}
