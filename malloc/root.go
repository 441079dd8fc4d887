package malloc

import "fmt"
import "sync"
import "time"
import "unsafe"

import "github.com/bnclabs/golog"
import s "github.com/bnclabs/gosettings"
import humanize "github.com/dustin/go-humanize"

import "github.com/bnclabs/gocage/cage"
import "github.com/bnclabs/gocage/lib"
import "github.com/bnclabs/gocage/quarantine"

// directmap a dedicated chunk of super-pages backing one oversized
// allocation. Direct mappings bypass buckets and quarantine.
type directmap struct {
	base      uintptr // chunk base, super-page aligned
	slotstart uintptr
	size      int64 // usable bytes
	reserved  int64 // committed bytes, super-page multiple
}

// Root one allocator root. Owns buckets of slot-spans inside one pool
// of the cage, a quarantine root with its shared branch, and the
// runtime-stats controller. Implements api.Mallocer and
// quarantine.Backend.
type Root struct {
	// 64-bit aligned stats, guarded by mu.
	mallocated int64 // bytes handed to the application
	heapsize   int64 // bytes committed from the cage

	name      string
	logprefix string
	space     *cage.Addressspace

	mu         sync.Mutex
	buckets    map[int64]*bucket
	spans      map[uintptr]*slotspan // super-page base -> span
	directmaps map[uintptr]*directmap

	qroot  *quarantine.Root
	branch *quarantine.Branch
	stats  *quarantine.Runtimestats

	// settings
	poolhandle   cage.Handle
	brpenabled   bool
	divert       bool
	strictsize   bool
	freewithsize bool
	eventualzero bool
	tagpolicy    string
	minblock     int64
	maxblock     int64
	slabsizes    []int64
	threadcfg    quarantine.Config
	setts        s.Settings
}

// Newroot create an allocator root over the address space. All slot
// spans come from the BRP pool when "brp.enable" is set, from the
// non-BRP pool otherwise.
func Newroot(name string, space *cage.Addressspace, setts s.Settings) *Root {
	root := &Root{name: name, space: space}
	root.logprefix = fmt.Sprintf("MALC [%s]", name)

	setts = make(s.Settings).Mixin(Defaultsettings(), setts)
	root.readsettings(setts)

	root.buckets = make(map[int64]*bucket)
	for _, slab := range root.slabsizes {
		root.buckets[slab] = &bucket{slotsize: slab}
	}
	root.spans = make(map[uintptr]*slotspan)
	root.directmaps = make(map[uintptr]*directmap)

	root.qroot = quarantine.Newroot(root)
	root.branch = quarantine.Newbranch(root)
	globalcfg := quarantine.Newconfig(
		setts.Section("quarantine.global.").Trim("quarantine.global."))
	advcfg := quarantine.Newconfig(
		setts.Section("quarantine.advanced.").Trim("quarantine.advanced."))
	if advcfg.Enablequarantine {
		root.branch.Configure(root.qroot, advcfg)
	} else {
		root.branch.Configure(root.qroot, globalcfg)
	}
	root.divert = globalcfg.Enablequarantine || advcfg.Enablequarantine
	root.threadcfg = quarantine.Newconfig(
		setts.Section("quarantine.thread.").Trim("quarantine.thread."))

	root.stats = quarantine.Newruntimestats(len(root.slabsizes))
	if setts.Bool("stats.enable") {
		pausedelay := time.Duration(setts.Int64("stats.pausedelay"))
		maxdelta := time.Duration(setts.Int64("stats.maxaboveavgzapdelta"))
		root.stats.Initorresetstats(pausedelay, maxdelta)
	}

	fmsg := "%v started, %v buckets %v..%v, pool %v\n"
	log.Infof(
		fmsg, root.logprefix, len(root.slabsizes),
		humanize.Bytes(uint64(root.minblock)),
		humanize.Bytes(uint64(root.maxblock)), root.poolhandle)
	return root
}

func (root *Root) readsettings(setts s.Settings) {
	root.minblock = setts.Int64("minblock")
	root.maxblock = setts.Int64("maxblock")
	root.brpenabled = setts.Bool("brp.enable")
	root.strictsize = setts.Bool("size.strict")
	root.freewithsize = setts.Bool("free.withsize")
	root.eventualzero = setts.Bool("zero.eventual")
	root.tagpolicy = setts.String("tag.policy")
	root.setts = setts

	if root.minblock < Alignment+brpheadersize {
		panicerr("minblock %v too small for slot headers", root.minblock)
	}

	utilization := Utilizationneutral
	switch distribution := setts.String("buckets.distribution"); distribution {
	case "neutral":
	case "denser":
		utilization = Utilizationdenser
	default:
		panicerr("unknown buckets.distribution %q", distribution)
	}
	root.slabsizes = Blocksizes(root.minblock, root.maxblock, utilization)

	root.poolhandle = root.space.Nonbrppool()
	if root.brpenabled {
		root.poolhandle = root.space.Brppool()
	}
	if root.tagpolicy != "disabled" {
		log.Warnf("%v tag.policy %q has no effect\n", root.logprefix, root.tagpolicy)
	}
}

//---- allocation

// Alloc allocate a chunk of `n` usable bytes. Returns nil on pool
// exhaustion, checked entry points turn that into an OOM abort.
func (root *Root) Alloc(n int64) unsafe.Pointer {
	if n < 0 {
		panicerr("%v Alloc size %v", root.logprefix, n)
	} else if n == 0 {
		n = 1
	}
	need := n
	if root.brpenabled {
		need += brpheadersize
	}
	if need > root.maxblock {
		return root.allocdirect(n, Alignment)
	}
	if need < root.minblock {
		need = root.minblock
	}
	slab := SuitableSize(root.slabsizes, need)

	root.mu.Lock()
	slotstart := root.popslot(root.buckets[slab])
	if slotstart != 0 {
		root.mallocated += slab
	}
	root.mu.Unlock()

	if slotstart == 0 {
		return nil
	}
	if root.brpenabled {
		refcountat(slotstart, slab).init()
	}
	return unsafe.Pointer(slotstart)
}

// Allocslab allocate one slot from a known slab size.
func (root *Root) Allocslab(slab int64) unsafe.Pointer {
	if slabindex(root.slabsizes, slab) < 0 {
		panicerr("%v Allocslab unknown slab %v", root.logprefix, slab)
	}
	usable := slab
	if root.brpenabled {
		usable -= brpheadersize
	}
	return root.Alloc(usable)
}

// Allocaligned allocate `n` bytes whose address is a multiple of
// align, a power of two. Alignments beyond a super-page are not
// supported.
func (root *Root) Allocaligned(align, n int64) unsafe.Pointer {
	if align <= 0 || (align&(align-1)) != 0 {
		panicerr("%v alignment %v is not a power of two", root.logprefix, align)
	} else if align > cage.Superpagesize {
		panicerr("%v alignment %v exceeds a superpage", root.logprefix, align)
	}
	if align <= Alignment {
		return root.Alloc(n)
	}
	if n == 0 {
		n = 1
	}
	need := n
	if root.brpenabled {
		need += brpheadersize
	}

	// slots are naturally aligned to min(slotsize, partition-page),
	// the payload area starts on a partition-page boundary and slots
	// are slotsize strides from it.
	if align <= cage.Partitionpagesize {
		if need < align {
			need = align
		}
		if need < root.minblock {
			need = root.minblock
		}
		slab := nextpow2(need)
		if slab <= root.maxblock {
			root.mu.Lock()
			slotstart := root.popslot(root.buckets[slab])
			if slotstart != 0 {
				root.mallocated += slab
			}
			root.mu.Unlock()
			if slotstart == 0 {
				return nil
			}
			if root.brpenabled {
				refcountat(slotstart, slab).init()
			}
			return unsafe.Pointer(slotstart)
		}
	}
	return root.allocdirect(n, align)
}

// allocdirect back the allocation with its own chunk of super-pages.
// The slot begins past the metadata prefix, at the alignment the
// caller asked for.
func (root *Root) allocdirect(n, align int64) unsafe.Pointer {
	slotoffset := cage.Partitionpagesize
	if align > slotoffset {
		slotoffset = align
	}
	chunksize := alignup(int64(slotoffset)+n, cage.Superpagesize)

	chunk := root.space.Allocchunk(root.poolhandle, chunksize)
	if chunk == 0 {
		return nil
	}
	if err := root.space.Commit(chunk, chunksize); err != nil {
		root.space.Freechunk(root.poolhandle, chunk, chunksize)
		panicerr("%v committing direct map %x: %v", root.logprefix, chunk, err)
	}
	dm := &directmap{
		base: chunk, slotstart: chunk + uintptr(slotoffset),
		size: n, reserved: chunksize,
	}

	root.mu.Lock()
	root.directmaps[dm.slotstart] = dm
	root.mallocated += n
	root.heapsize += chunksize
	root.mu.Unlock()
	return unsafe.Pointer(dm.slotstart)
}

//---- free paths

// Free release a chunk, possibly after a stay in the quarantine.
func (root *Root) Free(ptr unsafe.Pointer) {
	addr := uintptr(ptr)
	if root.space.Ismanaged(addr) == false {
		panicerr("%v free of foreign pointer %x", root.logprefix, addr)
	}
	slotstart := addr

	if root.divert == false {
		root.Freeimmediate(ptr, slotstart)
		return
	}
	now := time.Now()
	if root.stats.Shouldpause(now) {
		root.Freeimmediate(ptr, slotstart)
		return
	}
	bucketindex, usable := root.slotinfo(slotstart)
	if bucketindex < 0 { // direct mapped, the branch rejects it anyway
		bucketindex = 0
	}
	tr := root.stats.Track(bucketindex, now)
	root.branch.Quarantine(ptr, slotstart, usable, &tr)
	tr.Done()
}

// Freeimmediate implement quarantine.Backend, the fast free path that
// returns the slot straight to its span's freelist.
func (root *Root) Freeimmediate(object unsafe.Pointer, slotstart uintptr) {
	root.mu.Lock()

	if dm, ok := root.directmaps[slotstart]; ok {
		delete(root.directmaps, slotstart)
		root.mallocated -= dm.size
		root.heapsize -= dm.reserved
		root.mu.Unlock()

		if err := root.space.Decommit(dm.base, dm.reserved); err != nil {
			panicerr("%v decommitting direct map %x: %v", root.logprefix, dm.base, err)
		}
		root.space.Freechunk(root.poolhandle, dm.base, dm.reserved)
		return
	}

	span, ok := root.spans[slotstart&cage.Superpagebasemask]
	if ok == false {
		panicerr("%v free of unallocated pointer %x", root.logprefix, slotstart)
	}
	slab := span.bucket.slotsize
	if slotstart < span.payload() {
		panicerr("%v free of metadata pointer %x", root.logprefix, slotstart)
	} else if (slotstart-span.payload())%uintptr(slab) != 0 {
		panicerr("%v free of misaligned pointer %x", root.logprefix, slotstart)
	}
	if root.eventualzero {
		quarantine.Securememset(object, 0, slab-root.brpoverhead())
	}
	root.pushslot(span, slotstart)
	root.mallocated -= slab
	root.mu.Unlock()
}

// Isdirectmapped implement quarantine.Backend.
func (root *Root) Isdirectmapped(slotstart uintptr) bool {
	root.mu.Lock()
	defer root.mu.Unlock()
	_, ok := root.directmaps[slotstart]
	return ok
}

// Brpenabled implement quarantine.Backend.
func (root *Root) Brpenabled() bool {
	return root.brpenabled
}

// Prerelease implement quarantine.Backend, hand the in-slot ref-count
// its pre-release notification.
func (root *Root) Prerelease(slotstart uintptr) {
	root.mu.Lock()
	span, ok := root.spans[slotstart&cage.Superpagebasemask]
	root.mu.Unlock()
	if ok == false {
		return // direct mappings carry no in-slot header
	}
	refcountat(slotstart, span.bucket.slotsize).prereleasefromallocator()
}

func (root *Root) brpoverhead() int64 {
	if root.brpenabled {
		return brpheadersize
	}
	return 0
}

// slotinfo bucket index and usable size of a slot. Index is -1 for
// direct mappings.
func (root *Root) slotinfo(slotstart uintptr) (bucketindex int, usable int64) {
	root.mu.Lock()
	defer root.mu.Unlock()

	if dm, ok := root.directmaps[slotstart]; ok {
		return -1, dm.size
	}
	span, ok := root.spans[slotstart&cage.Superpagebasemask]
	if ok == false {
		panicerr("%v pointer %x not allocated here", root.logprefix, slotstart)
	}
	slab := span.bucket.slotsize
	return slabindex(root.slabsizes, slab), slab - root.brpoverhead()
}

// owns whether this root allocated slotstart.
func (root *Root) owns(slotstart uintptr) bool {
	root.mu.Lock()
	defer root.mu.Unlock()
	if _, ok := root.directmaps[slotstart]; ok {
		return true
	}
	_, ok := root.spans[slotstart&cage.Superpagebasemask]
	return ok
}

//---- quarantine surfaces

// Quarantineroot the per-root counter aggregate.
func (root *Root) Quarantineroot() *quarantine.Root {
	return root.qroot
}

// Branch the shared quarantine branch of this root.
func (root *Root) Branch() *quarantine.Branch {
	return root.branch
}

// Newthreadbranch create a thread-bound branch for a worker goroutine,
// configured with this root's thread-local quarantine settings.
func (root *Root) Newthreadbranch() *quarantine.Threadbranch {
	br := quarantine.Newthreadbranch(root)
	br.Configure(root.qroot, root.threadcfg)
	return br
}

// Runtimestats the pause controller of this root.
func (root *Root) Runtimestats() *quarantine.Runtimestats {
	return root.stats
}

//---- api.Mallocer

// Slabs implement api.Mallocer interface.
func (root *Root) Slabs() []int64 {
	sizes := make([]int64, len(root.slabsizes))
	copy(sizes, root.slabsizes)
	return sizes
}

// Slabsize implement api.Mallocer interface.
func (root *Root) Slabsize(ptr unsafe.Pointer) int64 {
	root.mu.Lock()
	defer root.mu.Unlock()
	slotstart := uintptr(ptr)
	if dm, ok := root.directmaps[slotstart]; ok {
		return dm.reserved
	}
	span, ok := root.spans[slotstart&cage.Superpagebasemask]
	if ok == false {
		panicerr("%v pointer %x not allocated here", root.logprefix, slotstart)
	}
	return span.bucket.slotsize
}

// Chunklen implement api.Mallocer interface.
func (root *Root) Chunklen(ptr unsafe.Pointer) int64 {
	_, usable := root.slotinfo(uintptr(ptr))
	return usable
}

// Info implement api.Mallocer interface.
func (root *Root) Info() (capacity, heap, alloc, overhead int64) {
	root.mu.Lock()
	defer root.mu.Unlock()

	self := int64(unsafe.Sizeof(*root))
	slicesz := int64(cap(root.slabsizes)) * int64(unsafe.Sizeof(int64(0)))
	spansz := int64(len(root.spans)) * int64(unsafe.Sizeof(slotspan{}))
	return root.space.Poolsize(), root.heapsize, root.mallocated, self + slicesz + spansz
}

// Utilization implement api.Mallocer interface.
func (root *Root) Utilization() ([]int, []float64) {
	root.mu.Lock()
	defer root.mu.Unlock()

	ss, zs := make([]int, 0), make([]float64, 0)
	for _, slab := range root.slabsizes {
		b := root.buckets[slab]
		if b.nspans == 0 {
			continue
		}
		heap := float64(b.nspans) * float64(cage.Superpagesize)
		ss = append(ss, int(slab))
		zs = append(zs, (float64(b.mallocated)/heap)*100)
	}
	return ss, zs
}

// Release implement api.Mallocer interface. Purges the quarantine and
// returns every span and direct map to the cage.
func (root *Root) Release() {
	root.branch.Release()

	root.mu.Lock()
	defer root.mu.Unlock()

	for superpage := range root.spans {
		if err := root.space.Decommit(superpage, cage.Superpagesize); err != nil {
			panicerr("%v decommitting %x: %v", root.logprefix, superpage, err)
		}
		root.space.Freechunk(root.poolhandle, superpage, cage.Superpagesize)
	}
	for _, dm := range root.directmaps {
		if err := root.space.Decommit(dm.base, dm.reserved); err != nil {
			panicerr("%v decommitting %x: %v", root.logprefix, dm.base, err)
		}
		root.space.Freechunk(root.poolhandle, dm.base, dm.reserved)
	}
	root.spans = make(map[uintptr]*slotspan)
	root.directmaps = make(map[uintptr]*directmap)
	for _, b := range root.buckets {
		b.active, b.nspans, b.mallocated = nil, 0, 0
	}
	root.mallocated, root.heapsize = 0, 0
	log.Infof("%v released\n", root.logprefix)
}

//---- statistics

// Statistics aggregate root counters, including the quarantine's.
func (root *Root) Statistics() map[string]interface{} {
	root.mu.Lock()
	stats := map[string]interface{}{
		"mallocated": root.mallocated,
		"heapsize":   root.heapsize,
		"nspans":     int64(len(root.spans)),
		"ndirectmap": int64(len(root.directmaps)),
	}
	root.mu.Unlock()
	for key, value := range root.qroot.Statistics() {
		stats["quarantine."+key] = value
	}
	return stats
}

// Logstats pretty-print statistics at info level.
func (root *Root) Logstats() {
	log.Infof("%v stats %v\n", root.logprefix, lib.Prettystats(root.Statistics(), false))
}
