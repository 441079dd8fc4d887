package malloc

import "errors"
import "sync/atomic"
import "unsafe"

import "github.com/bnclabs/golog"

// In-slot reference count for BackupRefPtr. The header occupies the
// last word of the slot, usable size shrinks accordingly. Bit zero is
// the allocator's own reference, the remaining bits count outstanding
// smart-pointer references in steps of two.
const brpheadersize = int64(8)

const allocatorbit = uint64(1)

// ErrorRefcountCorruption the in-slot header was tampered with.
var ErrorRefcountCorruption = errors.New("malloc.refcountcorruption")

type inslotrefcount struct {
	bits uint64
}

func refcountat(slotstart uintptr, slotsize int64) *inslotrefcount {
	addr := slotstart + uintptr(slotsize-brpheadersize)
	return (*inslotrefcount)(unsafe.Pointer(addr))
}

func (rc *inslotrefcount) init() {
	atomic.StoreUint64(&rc.bits, allocatorbit)
}

// Acquire register one more smart-pointer reference.
func (rc *inslotrefcount) Acquire() {
	atomic.AddUint64(&rc.bits, 2)
}

// Release drop a smart-pointer reference, true when the slot has no
// referents left, including the allocator.
func (rc *inslotrefcount) Release() bool {
	for {
		old := atomic.LoadUint64(&rc.bits)
		if old < 2 {
			log.Errorf("refcount underflow, header %x\n", old)
			panic(ErrorRefcountCorruption)
		}
		if atomic.CompareAndSwapUint64(&rc.bits, old, old-2) {
			return old-2 == 0
		}
	}
}

// prereleasefromallocator the allocator is about to release the slot,
// drop its own reference. Dangling smart pointers keep their count,
// they will crash deterministically instead of reading reused memory.
func (rc *inslotrefcount) prereleasefromallocator() {
	for {
		old := atomic.LoadUint64(&rc.bits)
		if old&allocatorbit == 0 {
			log.Errorf("refcount released twice, header %x\n", old)
			panic(ErrorRefcountCorruption)
		}
		if atomic.CompareAndSwapUint64(&rc.bits, old, old&^allocatorbit) {
			return
		}
	}
}
