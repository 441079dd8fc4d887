package cage

// Poolmanager owns up to Maxpools pools and sub-allocates super-page
// aligned chunks inside each of them. Registration and removal happen
// at initialization and shutdown, allocation can race freely across
// pools, each pool carries its own lock.
type Poolmanager struct {
	pools [Maxpools]*pool
}

// Newpoolmanager create an empty pool table.
func Newpoolmanager() *Poolmanager {
	return &Poolmanager{}
}

// Add register a new pool covering [base, base+length) and return its
// handle. Both base and length shall be super-page multiples. Fails
// fatally when the table is full.
func (mgr *Poolmanager) Add(base uintptr, length int64) Handle {
	for i := 0; i < Maxpools; i++ {
		if mgr.pools[i] == nil {
			mgr.pools[i] = newpool(base, length)
			return Handle(i + 1)
		}
	}
	panicerr("poolmanager: all %v pool handles in use", Maxpools)
	return 0
}

// Remove drop the pool registration. Only meant for shutdown and for
// test reset, outstanding chunks are abandoned.
func (mgr *Poolmanager) Remove(handle Handle) {
	mgr.getpool(handle)
	mgr.pools[handle-1] = nil
}

// Alloc a chunk of `size` bytes, rounded up to a super-page multiple,
// from the pool. Returns a super-page aligned address within the pool,
// 0 when no free run of the required length exists.
func (mgr *Poolmanager) Alloc(handle Handle, size int64) uintptr {
	return mgr.getpool(handle).findchunk(size)
}

// Free return ceil(size/superpage) contiguous super-pages starting at
// address back to the pool.
func (mgr *Poolmanager) Free(handle Handle, address uintptr, size int64) {
	mgr.getpool(handle).freechunk(address, size)
}

// Freeblocks count of free super-pages in the pool.
func (mgr *Poolmanager) Freeblocks(handle Handle) int64 {
	return mgr.getpool(handle).freeblocks()
}

// Poolof return the handle of the pool containing address, 0 when the
// address is outside every registered pool.
func (mgr *Poolmanager) Poolof(address uintptr) Handle {
	for i, p := range mgr.pools {
		if p != nil && address >= p.addrbegin && address < p.addrend {
			return Handle(i + 1)
		}
	}
	return 0
}

// Resetfortesting drop all pool registrations.
func (mgr *Poolmanager) Resetfortesting() {
	for i := range mgr.pools {
		mgr.pools[i] = nil
	}
}

func (mgr *Poolmanager) getpool(handle Handle) *pool {
	if handle <= 0 || int(handle) > Maxpools {
		panicerr("poolmanager: invalid handle %v", handle)
	}
	p := mgr.pools[handle-1]
	if p == nil {
		panicerr("poolmanager: handle %v not registered", handle)
	}
	return p
}
