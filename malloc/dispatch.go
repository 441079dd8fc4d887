package malloc

import "math/bits"
import "sync/atomic"
import "unsafe"

import "github.com/bnclabs/golog"
import s "github.com/bnclabs/gosettings"

import "github.com/bnclabs/gocage/api"
import "github.com/bnclabs/gocage/cage"
import "github.com/bnclabs/gocage/lib"

// Maxtokens number of parallel allocator roots behind the dispatch
// table. Token 0 is the default root.
const Maxtokens = 4

var _ api.Mallocer = (*Root)(nil)

// Dispatch stable table of entry points handed to the symbol
// interception shim. Checked entry points abort through the OOM
// handler, unchecked ones return nil. ctx is opaque shim state, the
// core threads it through untouched.
type Dispatch struct {
	Alloc                func(size int64, token api.Token, ctx unsafe.Pointer) unsafe.Pointer
	Allocunchecked       func(size int64, token api.Token, ctx unsafe.Pointer) unsafe.Pointer
	Alloczeroinitialized func(n, size int64, token api.Token, ctx unsafe.Pointer) unsafe.Pointer
	Allocaligned         func(align, size int64, token api.Token, ctx unsafe.Pointer) unsafe.Pointer
	Realloc              func(ptr unsafe.Pointer, size int64, token api.Token, ctx unsafe.Pointer) unsafe.Pointer
	Reallocunchecked     func(ptr unsafe.Pointer, size int64, token api.Token, ctx unsafe.Pointer) unsafe.Pointer

	Free                     func(ptr unsafe.Pointer, ctx unsafe.Pointer)
	Freewithsize             func(ptr unsafe.Pointer, size int64, ctx unsafe.Pointer)
	Freewithalignment        func(ptr unsafe.Pointer, align int64, ctx unsafe.Pointer)
	Freewithsizeandalignment func(ptr unsafe.Pointer, size, align int64, ctx unsafe.Pointer)

	Getsizeestimate func(ptr unsafe.Pointer, ctx unsafe.Pointer) int64
	Batchmalloc     func(size int64, results []unsafe.Pointer, token api.Token, ctx unsafe.Pointer)
	Batchfree       func(ptrs []unsafe.Pointer, ctx unsafe.Pointer)

	Goodsize       func(size int64) int64
	Claimedaddress func(ptr unsafe.Pointer, ctx unsafe.Pointer) uintptr
	Tryfreedefault func(ptr unsafe.Pointer, ctx unsafe.Pointer)
}

// Shim the top-level context owning the process-wide pieces: the
// address space, the table of allocator roots per token and the
// dispatch table. Explicitly constructed once by the embedder, there
// are no hidden singletons.
type Shim struct {
	configured int32
	space      *cage.Addressspace
	roots      [Maxtokens]unsafe.Pointer // *Root
	originals  [Maxtokens]*Root
	dispatch   unsafe.Pointer // *Dispatch
	setts      s.Settings
	logprefix  string
}

// Newshim reserve the cage and stand up the default roots, one per
// token, with default options. Shall run on a single goroutine before
// any allocation.
func Newshim(setts s.Settings) *Shim {
	shim := &Shim{logprefix: "SHIM"}
	shim.setts = make(s.Settings).Mixin(Defaultsettings(), setts)
	shim.space = cage.Newaddressspace(setts)
	for i := 0; i < Maxtokens; i++ {
		root := Newroot(tokenname(i), shim.space, setts)
		shim.originals[i] = root
		atomic.StorePointer(&shim.roots[i], unsafe.Pointer(root))
	}
	atomic.StorePointer(&shim.dispatch, unsafe.Pointer(shim.newdispatch()))
	return shim
}

func tokenname(i int) string {
	return "token" + string(rune('0'+i))
}

// Configurepartitions one-shot reconfiguration by the embedder:
// replaces the default roots with roots built from the final set of
// options. Installing twice is a fatal error, asserted with a
// compare-and-swap. The original roots remain queryable for
// late-binding statistics.
func (shim *Shim) Configurepartitions(setts s.Settings) {
	if atomic.CompareAndSwapInt32(&shim.configured, 0, 1) == false {
		panicerr("%v configurepartitions called twice", shim.logprefix)
	}
	setts = make(s.Settings).Mixin(shim.setts, setts)
	for i := 0; i < Maxtokens; i++ {
		root := Newroot(tokenname(i)+"-cfg", shim.space, setts)
		atomic.StorePointer(&shim.roots[i], unsafe.Pointer(root))
	}
	// callers may briefly observe the previous table, they tolerate
	// either across the install window.
	atomic.StorePointer(&shim.dispatch, unsafe.Pointer(shim.newdispatch()))
	log.Infof("%v partitions configured\n", shim.logprefix)
}

// Root the allocator root currently serving token.
func (shim *Shim) Root(token api.Token) *Root {
	if token < 0 || token >= Maxtokens {
		panicerr("%v token %v out of range", shim.logprefix, token)
	}
	return (*Root)(atomic.LoadPointer(&shim.roots[token]))
}

// Originalroot the pre-configuration root for token, for late-binding
// statistics.
func (shim *Shim) Originalroot(token api.Token) *Root {
	if token < 0 || token >= Maxtokens {
		panicerr("%v token %v out of range", shim.logprefix, token)
	}
	return shim.originals[token]
}

// Addressspace the cage behind this shim.
func (shim *Shim) Addressspace() *cage.Addressspace {
	return shim.space
}

// Dispatchtable the current dispatch table.
func (shim *Shim) Dispatchtable() *Dispatch {
	return (*Dispatch)(atomic.LoadPointer(&shim.dispatch))
}

// rootof find the root owning ptr, nil for foreign pointers. Tries the
// current roots first, then the originals that were replaced by
// Configurepartitions.
func (shim *Shim) rootof(addr uintptr) *Root {
	if shim.space.Ismanaged(addr) == false {
		return nil
	}
	for i := 0; i < Maxtokens; i++ {
		root := (*Root)(atomic.LoadPointer(&shim.roots[i]))
		if root.owns(addr) {
			return root
		}
	}
	for i := 0; i < Maxtokens; i++ {
		if root := shim.originals[i]; root.owns(addr) {
			return root
		}
	}
	return nil
}

func (shim *Shim) freeroute(ptr unsafe.Pointer) *Root {
	root := shim.rootof(uintptr(ptr))
	if root == nil {
		// no zone dispatching on this platform, a foreign pointer in
		// free is fatal.
		panicerr("%v free of foreign pointer %x", shim.logprefix, uintptr(ptr))
	}
	return root
}

func (shim *Shim) newdispatch() *Dispatch {
	d := &Dispatch{}

	d.Alloc = func(size int64, token api.Token, ctx unsafe.Pointer) unsafe.Pointer {
		ptr := shim.Root(token).Alloc(size)
		if ptr == nil {
			oomabort(size)
		}
		return ptr
	}

	d.Allocunchecked = func(size int64, token api.Token, ctx unsafe.Pointer) unsafe.Pointer {
		return shim.Root(token).Alloc(size)
	}

	d.Alloczeroinitialized = func(n, size int64, token api.Token, ctx unsafe.Pointer) unsafe.Pointer {
		hi, total := bits.Mul64(uint64(n), uint64(size))
		if hi != 0 || n < 0 || size < 0 || total > uint64(1)<<62 {
			oomabort(-1)
		}
		ptr := shim.Root(token).Alloc(int64(total))
		if ptr == nil {
			oomabort(int64(total))
		}
		zeromemory(ptr, int64(total))
		return ptr
	}

	d.Allocaligned = func(align, size int64, token api.Token, ctx unsafe.Pointer) unsafe.Pointer {
		ptr := shim.Root(token).Allocaligned(align, size)
		if ptr == nil {
			oomabort(size)
		}
		return ptr
	}

	d.Realloc = func(ptr unsafe.Pointer, size int64, token api.Token, ctx unsafe.Pointer) unsafe.Pointer {
		newptr := shim.realloc(ptr, size, token)
		if newptr == nil && size > 0 {
			oomabort(size)
		}
		return newptr
	}

	d.Reallocunchecked = func(ptr unsafe.Pointer, size int64, token api.Token, ctx unsafe.Pointer) unsafe.Pointer {
		return shim.realloc(ptr, size, token)
	}

	d.Free = func(ptr unsafe.Pointer, ctx unsafe.Pointer) {
		if ptr == nil {
			return
		}
		shim.freeroute(ptr).Free(ptr)
	}

	d.Freewithsize = func(ptr unsafe.Pointer, size int64, ctx unsafe.Pointer) {
		if ptr == nil {
			return
		}
		root := shim.freeroute(ptr)
		if root.freewithsize && root.strictsize {
			if usable := root.Chunklen(ptr); size > usable {
				panicerr("%v free size %v exceeds usable %v", shim.logprefix, size, usable)
			}
		}
		root.Free(ptr)
	}

	d.Freewithalignment = func(ptr unsafe.Pointer, align int64, ctx unsafe.Pointer) {
		if ptr == nil {
			return
		}
		checkalignment(uintptr(ptr), align)
		shim.freeroute(ptr).Free(ptr)
	}

	d.Freewithsizeandalignment = func(ptr unsafe.Pointer, size, align int64, ctx unsafe.Pointer) {
		if ptr == nil {
			return
		}
		checkalignment(uintptr(ptr), align)
		d.Freewithsize(ptr, size, ctx)
	}

	d.Getsizeestimate = func(ptr unsafe.Pointer, ctx unsafe.Pointer) int64 {
		root := shim.rootof(uintptr(ptr))
		if root == nil {
			return 0 // zone dispatching relies on this
		}
		return root.Chunklen(ptr)
	}

	d.Batchmalloc = func(size int64, results []unsafe.Pointer, token api.Token, ctx unsafe.Pointer) {
		root := shim.Root(token)
		for i := range results {
			ptr := root.Alloc(size)
			if ptr == nil {
				oomabort(size)
			}
			results[i] = ptr
		}
	}

	d.Batchfree = func(ptrs []unsafe.Pointer, ctx unsafe.Pointer) {
		for _, ptr := range ptrs {
			if ptr != nil {
				shim.freeroute(ptr).Free(ptr)
			}
		}
	}

	d.Goodsize = func(size int64) int64 {
		root := shim.Root(0)
		need := size + root.brpoverhead()
		if need > root.maxblock {
			return size
		}
		if need < root.minblock {
			need = root.minblock
		}
		return SuitableSize(root.slabsizes, need) - root.brpoverhead()
	}

	d.Claimedaddress = func(ptr unsafe.Pointer, ctx unsafe.Pointer) uintptr {
		if root := shim.rootof(uintptr(ptr)); root != nil {
			return uintptr(ptr)
		}
		return 0
	}

	d.Tryfreedefault = func(ptr unsafe.Pointer, ctx unsafe.Pointer) {
		if ptr == nil {
			return
		}
		if root := shim.rootof(uintptr(ptr)); root != nil {
			root.Free(ptr)
		}
	}

	return d
}

// realloc common body of the checked and unchecked variants. A nil ptr
// degenerates to alloc, a zero size to free. Note that the alignment
// of the original allocation is not consulted, a block obtained from
// Allocaligned keeps only the new request's natural alignment.
func (shim *Shim) realloc(ptr unsafe.Pointer, size int64, token api.Token) unsafe.Pointer {
	root := shim.Root(token)
	if ptr == nil {
		return root.Alloc(size)
	} else if size == 0 {
		shim.freeroute(ptr).Free(ptr)
		return nil
	}
	oldroot := shim.freeroute(ptr)
	oldusable := oldroot.Chunklen(ptr)

	newptr := root.Alloc(size)
	if newptr == nil {
		return nil
	}
	copied := oldusable
	if size < copied {
		copied = size
	}
	lib.Memcpy(newptr, ptr, int(copied))
	oldroot.Free(ptr)
	return newptr
}

func checkalignment(addr uintptr, align int64) {
	if align <= 0 || (align&(align-1)) != 0 {
		panicerr("alignment %v is not a power of two", align)
	} else if addr&uintptr(align-1) != 0 {
		panicerr("pointer %x not aligned to %v", addr, align)
	}
}

func zeromemory(ptr unsafe.Pointer, n int64) {
	block := unsafe.Slice((*byte)(ptr), n)
	for i := range block {
		block[i] = 0
	}
}
