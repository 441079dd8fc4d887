package cage

import "fmt"
import "sync"

import "github.com/bnclabs/gocage/lib"

// pool tracks allocation of super-pages within one contiguous region.
// One bit per super-page, bit set means allocated. bithint is a lower
// bound on the lowest free bit: every bit strictly below it is known to
// be allocated.
type pool struct {
	mu        sync.Mutex
	totalbits int64
	addrbegin uintptr
	addrend   uintptr
	bithint   int64
	bitmap    []uint64
}

func newpool(base uintptr, length int64) *pool {
	if (base & Superpageoffsetmask) != 0 {
		panicerr("pool base %x not superpage aligned", base)
	} else if (length & int64(Superpageoffsetmask)) != 0 {
		panicerr("pool length %v not superpage multiple", length)
	}
	totalbits := length >> Superpageshift
	if totalbits > Maxpoolbits {
		panicerr("pool of %v bits exceeds %v", totalbits, Maxpoolbits)
	}
	return &pool{
		totalbits: totalbits,
		addrbegin: base,
		addrend:   base + uintptr(length),
		bitmap:    make([]uint64, (totalbits+63)/64),
	}
}

func (p *pool) isset(bit int64) bool {
	return lib.Bit64(p.bitmap[bit>>6]).Isset(uint8(bit & 0x3f))
}

func (p *pool) setbit(bit int64) {
	p.bitmap[bit>>6] = uint64(lib.Bit64(p.bitmap[bit>>6]).Setbit(uint8(bit & 0x3f)))
}

func (p *pool) clearbit(bit int64) {
	p.bitmap[bit>>6] = uint64(lib.Bit64(p.bitmap[bit>>6]).Clearbit(uint8(bit & 0x3f)))
}

// findchunk allocate a run of super-pages first-fit, starting the scan
// at bithint. Returns 0 when no free run of the required length exists.
func (p *pool) findchunk(requestedsize int64) uintptr {
	p.mu.Lock()
	defer p.mu.Unlock()

	requiredsize := alignup(requestedsize, Superpagesize)
	needbits := requiredsize >> Superpageshift

	begbit, currbit := p.bithint, p.bithint
	for {
		// endbit points 1 past the last bit that needs to be 0. If it
		// goes past totalbits there is no free chunk.
		endbit := begbit + needbits
		if endbit > p.totalbits {
			return 0
		}

		found := true
		for ; currbit < endbit; currbit++ {
			if p.isset(currbit) {
				// The run is broken. Restart just past the set bit, but
				// keep scanning forward from currbit so the same bits
				// are not rechecked.
				begbit = currbit + 1
				found = false
				if p.bithint == currbit {
					p.bithint++
				}
			}
		}

		if found {
			for i := begbit; i < endbit; i++ {
				p.setbit(i)
			}
			if p.bithint == begbit {
				p.bithint = endbit
			}
			return p.addrbegin + uintptr(begbit<<Superpageshift)
		}
	}
}

// freechunk return a run of super-pages starting at address back to the
// pool. Freeing an unallocated super-page is a fatal error.
func (p *pool) freechunk(address uintptr, freesize int64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if (address & Superpageoffsetmask) != 0 {
		panicerr("freechunk: address %x not superpage aligned", address)
	} else if address < p.addrbegin {
		panicerr("freechunk: address %x below pool base %x", address, p.addrbegin)
	}
	size := alignup(freesize, Superpagesize)
	if address+uintptr(size) > p.addrend {
		panicerr("freechunk: range [%x,+%v) past pool end %x", address, size, p.addrend)
	}

	begbit := int64(address-p.addrbegin) >> Superpageshift
	endbit := begbit + (size >> Superpageshift)
	for i := begbit; i < endbit; i++ {
		if p.isset(i) == false {
			panicerr("freechunk: superpage %v already free", i)
		}
		p.clearbit(i)
	}
	if begbit < p.bithint {
		p.bithint = begbit
	}
}

// freeblocks count of super-pages currently free in this pool. Costly,
// used by statistics and tests.
func (p *pool) freeblocks() (n int64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, word := range p.bitmap {
		n += int64(lib.Bit64(word).Zeros())
	}
	// trailing bits of the last word do not belong to the pool.
	n -= int64(len(p.bitmap))*64 - p.totalbits
	return n
}

func alignup(size, align int64) int64 {
	return (size + align - 1) & ^(align - 1)
}

func panicerr(fmsg string, args ...interface{}) {
	panic(fmt.Errorf(fmsg, args...))
}
