// Package freelist implements the intrusive free list of a slot-span,
// hardened against corruption. The link occupying the head of every
// free slot is not a pointer but a pool-relative offset, paired with a
// shadow word holding its bitwise complement. Use-after-free writes
// that land on the slot head typically destroy the shadow relation or
// set bits belonging to the pool base, and are detected before the
// decoded pointer is ever dereferenced.
package freelist

import "errors"
import "unsafe"
import "runtime/debug"

import "github.com/bnclabs/golog"
import "github.com/bnclabs/gocage/cage"
import "github.com/bnclabs/gocage/lib"

// tagmask bits reserved for platform memory tags inside encoded
// offsets. There is no memory tagging on go targets, encoded offsets
// collapse to the pure intra-pool offset.
const tagmask = uintptr(0)

// ErrorCorruption distinguishing signature for freelist corruption
// panics. The offending next and shadow words are logged right before
// panicking so that crash reports are self diagnosing.
var ErrorCorruption = errors.New("freelist.corruption")

// Entry overlays the head of a free slot. next is the encoded offset of
// the successor within the same pool, zero means end-of-list. shadow is
// the bitwise complement of next, maintained on every write.
type Entry struct {
	next   uintptr
	shadow uintptr
}

// Headersize bytes of slot memory occupied by a freelist entry. Slot
// sizes shall never be smaller than this.
const Headersize = int64(unsafe.Sizeof(Entry{}))

// At interpret the memory at slotstart as a freelist entry.
func At(slotstart uintptr) *Entry {
	return (*Entry)(unsafe.Pointer(slotstart))
}

// Emplacenull place a null-terminated entry at the beginning of the
// given free slot.
func Emplacenull(slotstart uintptr) *Entry {
	e := At(slotstart)
	e.next = 0
	if freelistshadow {
		e.shadow = ^uintptr(0)
	}
	return e
}

// Addr the address of the slot this entry lives in.
func (e *Entry) Addr() uintptr {
	return uintptr(unsafe.Pointer(e))
}

// Isencodednextzero whether this entry terminates the list.
func (e *Entry) Isencodednextzero() bool {
	return e.next == 0
}

// Setnext update the link, and the shadow along with it. Regular free
// lists always point within the same super-page, linking outside it is
// an allocator bug.
func (e *Entry) Setnext(space *cage.Addressspace, next *Entry) {
	if next != nil {
		here, there := e.Addr(), next.Addr()
		if (here & cage.Superpagebasemask) != (there & cage.Superpagebasemask) {
			corruptiondetected(there, 0, 0)
		}
	}
	e.next = encode(space, next)
	if freelistshadow {
		e.shadow = ^e.next
	}
}

// Clearforallocation zero both words and return the slot address. The
// memory is about to be handed to the caller of Alloc, it must carry no
// freelist metadata.
func (e *Entry) Clearforallocation() uintptr {
	e.next = 0
	e.shadow = 0
	return e.Addr()
}

// Getnext decode, validate and return the successor entry, nil at the
// end of the list. Validation failure is fatal.
func (e *Entry) Getnext(space *cage.Addressspace, slotsize int64) *Entry {
	return e.getnext(space, slotsize, true /*crash*/, false /*threadcache*/)
}

// Getnextsafe best-effort variant of Getnext, returns nil instead of
// panicking when validation fails. Used by walkers that only probe.
func (e *Entry) Getnextsafe(space *cage.Addressspace, slotsize int64) *Entry {
	return e.getnext(space, slotsize, false /*crash*/, false /*threadcache*/)
}

// Getnextforthreadcache like Getnext but skips the same-super-page
// check, thread-cache lists may chain slots across super-pages.
func (e *Entry) Getnextforthreadcache(
	space *cage.Addressspace, slotsize int64, crash bool) *Entry {

	return e.getnext(space, slotsize, crash, true /*threadcache*/)
}

// Checkfreelist walk the whole list validating every hop.
func (e *Entry) Checkfreelist(space *cage.Addressspace, slotsize int64) {
	for entry := e; entry != nil; entry = entry.Getnext(space, slotsize) {
	}
}

//---- local functions

// encode `next` as a tagged offset within the pool that contains it,
// nil maps to zero. The encoded value has zeros in all the bits that
// make up the pool's base.
func encode(space *cage.Addressspace, next *Entry) uintptr {
	if next == nil {
		return 0
	}
	addr := next.Addr()
	info, ok := space.Getpoolinfo(addr)
	if ok == false {
		corruptiondetected(addr, 0, 0)
	}
	return addr & (tagmask | ^info.Basemask)
}

func (e *Entry) getnext(
	space *cage.Addressspace, slotsize int64, crash, threadcache bool) *Entry {

	// Getnext can be called on discarded memory, in which case next is
	// zero and none of the checks apply.
	if e.next == 0 {
		return nil
	}

	info, ok := space.Getpoolinfo(e.Addr())
	if ok == false {
		if crash {
			corruptiondetected(e.next, e.shadow, slotsize)
		}
		return nil
	}
	next := At(info.Base | (e.next &^ tagmask))
	if e.wellformed(info, next, threadcache) == false {
		if crash {
			corruptiondetected(e.next, e.shadow, slotsize)
		}
		return nil
	}
	return next
}

// wellformed refuse to follow the list blindly:
//   - shadow shall be the complement of next (when enabled).
//   - next shall have no stray bits inside the pool base mask.
//   - next shall not point into the metadata prefix of its super-page.
//   - this and next shall share a super-page, except for thread-cache
//     lists.
func (e *Entry) wellformed(info cage.Poolinfo, next *Entry, threadcache bool) bool {
	here, there := e.Addr(), next.Addr()

	shadowok := true
	if freelistshadow {
		shadowok = ^e.next == e.shadow
	}

	strayok := (e.next &^ tagmask & info.Basemask) == 0

	// necessary but not sufficient, the entry could still point into
	// another span's slots. The span level checks live with the owning
	// bucket.
	notinmetadata := (there & cage.Superpageoffsetmask) >= uintptr(cage.Partitionpagesize)

	if threadcache {
		return shadowok && strayok && notinmetadata
	}

	samesuperpage := (here & cage.Superpagebasemask) == (there & cage.Superpagebasemask)
	return shadowok && strayok && notinmetadata && samesuperpage
}

func corruptiondetected(next, shadow uintptr, slotsize int64) {
	fmsg := "freelist corruption slotsize:%v next:%x shadow:%x\n"
	log.Errorf(fmsg, slotsize, next, shadow)
	log.Errorf("\n%s", lib.GetStacktrace(2, debug.Stack()))
	panic(ErrorCorruption)
}
