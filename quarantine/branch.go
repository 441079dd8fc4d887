package quarantine

import "fmt"
import "sync"
import "sync/atomic"
import "unsafe"

// Maxfreetimesperpurge bound on the number of slots a single purge
// phase releases, also the size of the deferred-free scratch array.
const Maxfreetimesperpurge = 1024

type tobefreed [Maxfreetimesperpurge]uintptr

type quarantineslot struct {
	slotstart  uintptr
	usablesize int64
}

// Brancher common surface of the shared and the thread-bound branch.
type Brancher interface {
	Configure(root *Root, config Config)
	Quarantine(object unsafe.Pointer, slotstart uintptr, usablesize int64, tr *Tracker)
	Purge()
	Setcapacityinbytes(capacity int64)
	Getcapacityinbytes() int64
	Isquarantined(object unsafe.Pointer) bool
	Release()
}

// branchcore bookkeeping shared by both branch variants. All fields
// except the atomics capacityinbytes and pausequarantine are guarded by
// the owning branch's lock, or by thread-boundness.
type branchcore struct {
	capacityinbytes int64 // atomic, takes effect on the next request
	pausequarantine int32 // atomic, non-zero stops accepting requests

	backend Backend
	root    *Root
	rnd     insecurerand

	enablequarantine  bool
	enablezapping     bool
	leakondestruction bool

	// slots hold the quarantined entries, kept shuffled so that
	// popping the back is popping a random entry.
	slots             []quarantineslot
	branchsizeinbytes int64

	configfortesting Config
}

func (core *branchcore) init(backend Backend) {
	if backend == nil {
		panicerr("quarantine branch needs a backend")
	}
	core.backend = backend
	core.rnd = newinsecurerand()
}

// configure shared body of Configure, lock held by caller.
func (core *branchcore) configure(root *Root, config Config) {
	if atomic.LoadInt32(&core.pausequarantine) != 0 {
		panicerr("configuring a paused quarantine branch")
	} else if root.backend != core.backend {
		panicerr("branch and root disagree on the allocator")
	}
	core.configfortesting = config

	if core.enablequarantine {
		// already enabled, explicitly purge the existing instance.
		core.purgeinternal(0)
		core.slots = nil
	}

	core.root = root
	core.enablequarantine = config.Enablequarantine
	core.enablezapping = config.Enablezapping
	core.leakondestruction = config.Leakondestruction
	atomic.StoreInt64(&core.capacityinbytes, config.Capacityinbytes)
}

// purgeinternal dequarantine entries until branchsizeinbytes drops to
// target, freeing in-line. Lock held by caller.
func (core *branchcore) purgeinternal(target int64) {
	freedcount, freedsize := int64(0), int64(0)

	for target < core.branchsizeinbytes {
		// entries are shuffled, the back is a random entry.
		tofree := core.slots[len(core.slots)-1]
		core.slots = core.slots[:len(core.slots)-1]

		object := unsafe.Pointer(tofree.slotstart)
		core.backend.Freeimmediate(object, tofree.slotstart)

		freedcount++
		freedsize += tofree.usablesize
		core.branchsizeinbytes -= tofree.usablesize
	}

	atomic.AddInt64(&core.root.sizeinbytes, -freedsize)
	atomic.AddInt64(&core.root.count, -freedcount)
}

// purgedeferred phase 1 of the two-phase purge: under the lock, pop
// entries into the scratch array and shrink the branch, the actual
// frees happen later without the lock. Stops after filling the array,
// a subsequent request purges further.
func (core *branchcore) purgedeferred(target int64, arr *tobefreed) (nslots int) {
	freedsize := int64(0)

	for target < core.branchsizeinbytes {
		tofree := core.slots[len(core.slots)-1]
		core.slots = core.slots[:len(core.slots)-1]

		arr[nslots] = tofree.slotstart
		nslots++

		freedsize += tofree.usablesize
		core.branchsizeinbytes -= tofree.usablesize

		if nslots >= Maxfreetimesperpurge {
			break
		}
	}

	atomic.AddInt64(&core.root.sizeinbytes, -freedsize)
	atomic.AddInt64(&core.root.count, -int64(nslots))
	return nslots
}

// append the new entry and swap it with a uniformly random resident so
// the list remains shuffled. A single O(1) Fisher-Yates step per
// insertion keeps "pop back" equivalent to "pop random".
func (core *branchcore) append(slotstart uintptr, usablesize int64) {
	core.branchsizeinbytes += usablesize
	core.slots = append(core.slots, quarantineslot{slotstart, usablesize})
	idx := int(core.rnd.randuint32() % uint32(len(core.slots)))
	last := len(core.slots) - 1
	core.slots[idx], core.slots[last] = core.slots[last], core.slots[idx]
}

func (core *branchcore) accountquarantined(usablesize int64) {
	atomic.AddInt64(&core.root.count, 1)
	atomic.AddInt64(&core.root.sizeinbytes, usablesize)
	atomic.AddInt64(&core.root.cumulativecount, 1)
	atomic.AddInt64(&core.root.cumulativesizeinbytes, usablesize)
}

func (core *branchcore) isquarantined(slotstart uintptr) bool {
	for _, slot := range core.slots {
		if slot.slotstart == slotstart {
			return true
		}
	}
	return false
}

// epilogue zap the object and hand the in-slot ref-count its
// pre-release notification.
func (core *branchcore) epilogue(
	object unsafe.Pointer, slotstart uintptr, usablesize int64, tr *Tracker) {

	if core.enablezapping {
		tr.Zapstart()
		Securememset(object, Freedbyte, usablesize)
	}
	if core.backend.Brpenabled() {
		core.backend.Prerelease(slotstart)
	}
}

// rejectearly fast rejects shared by both variants: quarantine
// disabled, a pause scope active, or a direct-mapped slot. The caller
// deallocates immediately when true.
func (core *branchcore) rejectearly(slotstart uintptr) bool {
	return core.enablequarantine == false ||
		atomic.LoadInt32(&core.pausequarantine) != 0 ||
		core.backend.Isdirectmapped(slotstart)
}

// Configfortesting the last configuration applied.
func (core *branchcore) Configfortesting() Config {
	return core.configfortesting
}

// Getcapacityinbytes current branch capacity.
func (core *branchcore) Getcapacityinbytes() int64 {
	return atomic.LoadInt64(&core.capacityinbytes)
}

// Setcapacityinbytes change the branch capacity. Takes effect on the
// next quarantine request, shrinking does not purge eagerly.
func (core *branchcore) Setcapacityinbytes(capacity int64) {
	atomic.StoreInt64(&core.capacityinbytes, capacity)
}

// Scopedexclusion temporarily diverts quarantine requests to the
// immediate free path while held.
type Scopedexclusion struct {
	pause *int32
}

// Release end the exclusion scope.
func (se *Scopedexclusion) Release() {
	atomic.AddInt32(se.pause, -1)
}

func (core *branchcore) exclude() *Scopedexclusion {
	atomic.AddInt32(&core.pausequarantine, 1)
	return &Scopedexclusion{pause: &core.pausequarantine}
}

// Branch is the shared, multi-goroutine quarantine branch. A mutex
// guards the slot list and the purge protocol is split in two phases:
// bookkeeping under the lock, deallocation outside it.
type Branch struct {
	mu sync.Mutex
	branchcore

	// scratch single deferred-free array shared by all requests on
	// this branch, borrowed with an atomic exchange. A loser in the
	// borrow race allocates privately and tries to donate its array
	// back afterwards.
	scratch unsafe.Pointer // *tobefreed
}

// Newbranch create a shared branch over the allocator backend. The
// branch accepts nothing until Configure enables it.
func Newbranch(backend Backend) *Branch {
	br := &Branch{}
	br.init(backend)
	br.scratch = unsafe.Pointer(&tobefreed{})
	return br
}

// Configure install root and config, purging any prior content.
func (br *Branch) Configure(root *Root, config Config) {
	br.mu.Lock()
	defer br.mu.Unlock()
	br.configure(root, config)
}

// Exclude pause this branch until the returned scope is released.
func (br *Branch) Exclude() *Scopedexclusion {
	return br.exclude()
}

// Quarantine take ownership of a freed slot, or deallocate it
// immediately when the quarantine cannot hold it. tr may be nil.
func (br *Branch) Quarantine(
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

	// borrow the reserved scratch array, leaving nil to mark it in
	// use. On contention fall back to a private allocation.
	arr := (*tobefreed)(atomic.SwapPointer(&br.scratch, nil))
	if arr == nil {
		arr = &tobefreed{}
	}

	br.mu.Lock()
	tr.Purgestart()
	nslots := br.purgedeferred(capacity-usablesize, arr)
	br.append(slotstart, usablesize)
	br.mu.Unlock()

	// phase 2, actually deallocate without holding the lock.
	br.batchfree(arr, nslots)

	// return the array, borrowed or private, to the shared slot. It is
	// simply good to make the slot non-nil whenever possible, another
	// request may be about to borrow it.
	atomic.SwapPointer(&br.scratch, unsafe.Pointer(arr))

	br.accountquarantined(usablesize)
	br.epilogue(object, slotstart, usablesize, tr)
}

func (br *Branch) batchfree(arr *tobefreed, nslots int) {
	for i := 0; i < nslots; i++ {
		slotstart := arr[i]
		br.backend.Freeimmediate(unsafe.Pointer(slotstart), slotstart)
	}
}

// Purge drain every entry held by this branch. Entries held by other
// branches of the same root remain quarantined.
func (br *Branch) Purge() {
	br.mu.Lock()
	defer br.mu.Unlock()
	br.purgeinternal(0)
	br.slots = nil
}

// Isquarantined whether this branch holds the object.
func (br *Branch) Isquarantined(object unsafe.Pointer) bool {
	br.mu.Lock()
	defer br.mu.Unlock()
	return br.isquarantined(uintptr(object))
}

// Release purge unless configured to leak, and drop the scratch array.
func (br *Branch) Release() {
	if br.leakondestruction == false {
		br.Purge()
	}
	atomic.SwapPointer(&br.scratch, nil)
}

func panicerr(fmsg string, args ...interface{}) {
	panic(fmt.Errorf(fmsg, args...))
}
