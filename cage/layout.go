package cage

import "fmt"
import "sync/atomic"

import "github.com/bnclabs/golog"
import s "github.com/bnclabs/gosettings"
import humanize "github.com/dustin/go-humanize"
import sigar "github.com/cloudfoundry/gosigar"

// Poolinfo identifies the pool containing an address together with the
// masks needed to encode and decode intra-pool offsets.
type Poolinfo struct {
	Handle   Handle
	Base     uintptr
	Basemask uintptr
	Offset   uintptr
}

// Addressspace owns the cage reservation and the standard pools carved
// inside it:
//
//	pool-1 (non-BRP)  allocations without a ref-count header.
//	pool-2 (BRP)      allocations carrying an in-slot ref-count. The
//	                  first super-page of the region is a forbidden
//	                  zone, never allocated, so that a pointer just
//	                  past a foreign allocation cannot land on a BRP
//	                  object.
//	pool-3 (configurable, optional)  created later inside an
//	                  embedder-supplied region, outside the cage.
//
// All post-init fields are written once by Newaddressspace (or
// Initconfigurablepool) and published with atomic stores, readers on
// the hot path observe either the sentinel or the fully formed layout.
type Addressspace struct {
	// pool base addresses, atomically published. Until initialized the
	// stored value is the pool's offset-mask, a value no valid address
	// can match, so membership tests return false deterministically.
	nonbrpbase uintptr
	brpbase    uintptr
	configbase uintptr

	mgr            *Poolmanager
	poolsize       int64
	pooloffsetmask uintptr
	poolbasemask   uintptr
	configsize     int64
	configbasemask uintptr

	reservation  []byte
	reservedsize int64
	cagebase     uintptr

	nonbrp Handle
	brp    Handle
	config Handle

	setts     s.Settings
	logprefix string
}

// Newaddressspace reserve the cage and register the non-BRP and BRP
// pools. Shall be called from a single goroutine before any allocation.
func Newaddressspace(setts s.Settings) *Addressspace {
	setts = make(s.Settings).Mixin(Defaultsettings(), setts)
	poolsize := setts.Int64("poolsize")
	if poolsize <= 0 || (poolsize&(poolsize-1)) != 0 {
		panicerr("poolsize %v shall be a power of two", poolsize)
	} else if (poolsize & (Superpagesize - 1)) != 0 {
		panicerr("poolsize %v shall be a superpage multiple", poolsize)
	}

	space := &Addressspace{
		mgr:            Newpoolmanager(),
		poolsize:       poolsize,
		pooloffsetmask: uintptr(poolsize - 1),
		poolbasemask:   ^uintptr(poolsize - 1),
		setts:          setts,
		logprefix:      "CAGE",
	}
	atomic.StoreUintptr(&space.nonbrpbase, space.pooloffsetmask)
	atomic.StoreUintptr(&space.brpbase, space.pooloffsetmask)
	atomic.StoreUintptr(&space.configbase, space.pooloffsetmask)

	// reserve 2 pools worth of cage plus one poolsize of alignment
	// slack, inaccessible until committed.
	space.reservedsize = 3 * poolsize
	reservation, err := reservepages(space.reservedsize)
	if err != nil {
		panicerr("%v reserving %v: %v", space.logprefix, space.reservedsize, err)
	}
	space.reservation = reservation
	reservedstart := addrof(reservation)
	space.cagebase = (reservedstart + space.pooloffsetmask) & space.poolbasemask

	// non-BRP pool at the aligned cage base.
	space.nonbrp = space.mgr.Add(space.cagebase, poolsize)
	atomic.StoreUintptr(&space.nonbrpbase, space.cagebase)

	// BRP pool follows, its first super-page is the forbidden zone and
	// stays out of the allocation bitmap.
	brpregion := space.cagebase + uintptr(poolsize)
	space.brp = space.mgr.Add(brpregion+uintptr(Superpagesize), poolsize-Superpagesize)
	atomic.StoreUintptr(&space.brpbase, brpregion)

	sysfree := uint64(0)
	mem := sigar.Mem{}
	if err := mem.Get(); err == nil {
		sysfree = mem.Free
	}
	fmsg := "%v reserved %v cage, pools of %v, system free %v\n"
	log.Infof(
		fmsg, space.logprefix, humanize.Bytes(uint64(space.reservedsize)),
		humanize.Bytes(uint64(poolsize)), humanize.Bytes(sysfree))
	return space
}

// Initconfigurablepool install the optional third pool inside an
// embedder supplied region, typically outside the cage. The base shall
// be aligned to size and size shall be a power of two not exceeding the
// standard pool size.
func (space *Addressspace) Initconfigurablepool(base uintptr, size int64) Handle {
	if space.config != 0 {
		panicerr("%v configurable pool already initialized", space.logprefix)
	} else if size <= 0 || (size&(size-1)) != 0 {
		panicerr("configurable pool size %v shall be a power of two", size)
	} else if size > space.poolsize {
		panicerr("configurable pool size %v exceeds pool size %v", size, space.poolsize)
	} else if (base & uintptr(size-1)) != 0 {
		panicerr("configurable pool base %x not aligned to %v", base, size)
	}
	space.config = space.mgr.Add(base, size)
	space.configsize = size
	space.configbasemask = ^uintptr(size - 1)
	atomic.StoreUintptr(&space.configbase, base)
	fmsg := "%v configurable pool %v at %x\n"
	log.Infof(fmsg, space.logprefix, humanize.Bytes(uint64(size)), base)
	return space.config
}

//---- membership and lookup, hot path.

// Nonbrppool handle of the non-BRP pool.
func (space *Addressspace) Nonbrppool() Handle {
	return space.nonbrp
}

// Brppool handle of the BRP pool.
func (space *Addressspace) Brppool() Handle {
	return space.brp
}

// Configurablepool handle of the configurable pool, 0 before
// Initconfigurablepool.
func (space *Addressspace) Configurablepool() Handle {
	return space.config
}

// Isinnonbrppool membership test, one mask-and-compare. False for 0.
func (space *Addressspace) Isinnonbrppool(address uintptr) bool {
	return (address & space.poolbasemask) == atomic.LoadUintptr(&space.nonbrpbase)
}

// Isinbrppool membership test, one mask-and-compare. False for 0. Note
// that the forbidden zone at the head of the region tests true, it is
// part of the pool's address range even though nothing is ever
// allocated inside it.
func (space *Addressspace) Isinbrppool(address uintptr) bool {
	return (address & space.poolbasemask) == atomic.LoadUintptr(&space.brpbase)
}

// Isinconfigurablepool membership test, one mask-and-compare.
func (space *Addressspace) Isinconfigurablepool(address uintptr) bool {
	return (address & space.configbasemask) == atomic.LoadUintptr(&space.configbase)
}

// Ismanaged whether address lies in any registered pool.
func (space *Addressspace) Ismanaged(address uintptr) bool {
	return space.Isinnonbrppool(address) || space.Isinbrppool(address) ||
		space.Isinconfigurablepool(address)
}

// Getpoolinfo return the pool containing address along with base, mask
// and the low-order offset bits within the pool. ok is false when the
// address is outside every pool.
func (space *Addressspace) Getpoolinfo(address uintptr) (info Poolinfo, ok bool) {
	if space.Isinnonbrppool(address) {
		base := atomic.LoadUintptr(&space.nonbrpbase)
		return Poolinfo{
			Handle: space.nonbrp, Base: base,
			Basemask: space.poolbasemask, Offset: address - base,
		}, true

	} else if space.Isinbrppool(address) {
		base := atomic.LoadUintptr(&space.brpbase)
		return Poolinfo{
			Handle: space.brp, Base: base,
			Basemask: space.poolbasemask, Offset: address - base,
		}, true

	} else if space.Isinconfigurablepool(address) {
		base := atomic.LoadUintptr(&space.configbase)
		return Poolinfo{
			Handle: space.config, Base: base,
			Basemask: space.configbasemask, Offset: address - base,
		}, true
	}
	return Poolinfo{}, false
}

// Offsetinbrppool offset of address within the BRP pool.
func (space *Addressspace) Offsetinbrppool(address uintptr) uintptr {
	if space.Isinbrppool(address) == false {
		panicerr("address %x outside brp pool", address)
	}
	return address - atomic.LoadUintptr(&space.brpbase)
}

//---- chunk allocation, forwarded to the pool manager.

// Allocchunk allocate size bytes, rounded up to super-pages, from pool.
// The chunk stays inaccessible until committed. Returns 0 on
// exhaustion.
func (space *Addressspace) Allocchunk(handle Handle, size int64) uintptr {
	return space.mgr.Alloc(handle, size)
}

// Freechunk return a chunk to its pool. The caller shall have
// decommitted it.
func (space *Addressspace) Freechunk(handle Handle, address uintptr, size int64) {
	space.mgr.Free(handle, address, size)
}

// Poolsize size of each standard pool.
func (space *Addressspace) Poolsize() int64 {
	return space.poolsize
}

// Manager expose the pool manager, mainly for statistics and tests.
func (space *Addressspace) Manager() *Poolmanager {
	return space.mgr
}

// Commit make [address, address+size) usable. The range shall lie
// within a chunk handed out by Allocchunk.
func (space *Addressspace) Commit(address uintptr, size int64) error {
	return commitpages(address, size)
}

// Decommit drop the backing of [address, address+size), contents are
// lost and the range becomes inaccessible.
func (space *Addressspace) Decommit(address uintptr, size int64) error {
	return decommitpages(address, size)
}

// Uninitfortesting release the cage and drop all pool registrations.
// The configurable pool region is embedder owned and is not released.
func (space *Addressspace) Uninitfortesting() {
	if space.reservation != nil {
		if err := releasepages(space.reservation); err != nil {
			panicerr("%v releasing cage: %v", space.logprefix, err)
		}
	}
	space.reservation = nil
	space.mgr.Resetfortesting()
	space.nonbrp, space.brp, space.config = 0, 0, 0
	atomic.StoreUintptr(&space.nonbrpbase, space.pooloffsetmask)
	atomic.StoreUintptr(&space.brpbase, space.pooloffsetmask)
	atomic.StoreUintptr(&space.configbase, space.pooloffsetmask)
	space.configbasemask = 0
}

// Info memory accounting of the address space.
func (space *Addressspace) Info() string {
	free := space.mgr.Freeblocks(space.nonbrp) + space.mgr.Freeblocks(space.brp)
	if space.config != 0 {
		free += space.mgr.Freeblocks(space.config)
	}
	fmsg := "cage:%v pools:%v freesuperpages:%v"
	return fmt.Sprintf(fmsg, space.reservedsize, space.poolsize, free)
}
