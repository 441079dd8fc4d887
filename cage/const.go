package cage

import "errors"

// Superpageshift fixed log2 of the super-page size, the unit managed by
// the pool bitmaps.
const Superpageshift = 21

// Superpagesize is 2MB, the granularity at which pools hand out chunks.
const Superpagesize = int64(1) << Superpageshift

// Superpageoffsetmask mask of the offset bits within a super-page.
const Superpageoffsetmask = uintptr(Superpagesize - 1)

// Superpagebasemask mask of the base bits of a super-page.
const Superpagebasemask = ^Superpageoffsetmask

// Partitionpageshift fixed log2 of the partition-page size. The first
// partition-page of every super-page holds slot-span metadata, no slot
// may begin inside it.
const Partitionpageshift = 14

// Partitionpagesize is 16KB.
const Partitionpagesize = int64(1) << Partitionpageshift

// Maxpools maximum number of pools that can be registered with the
// pool manager.
const Maxpools = 3

// Maxpoolbits upper bound on the number of super-pages a single pool
// can manage, 16GB worth of address space.
const Maxpoolbits = int64(16*1024*1024*1024) >> Superpageshift

// Handle identifies a registered pool, 1-based. Zero is reserved to
// mean "no pool".
type Handle int

// ErrorExhausted pool has no free run of super-pages for the request.
var ErrorExhausted = errors.New("cage.exhausted")
