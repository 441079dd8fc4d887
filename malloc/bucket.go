package malloc

import "github.com/bnclabs/gocage/cage"
import "github.com/bnclabs/gocage/freelist"

// bucket manages slot-spans of one fixed slot size.
type bucket struct {
	slotsize   int64
	mallocated int64       // bytes handed out of this bucket
	active     []*slotspan // spans with at least one free slot
	nspans     int64       // live spans, active or full
	cspans     int64       // spans ever created, including released
}

// slotspan one super-page carved into equal slots. The first
// partition-page is the metadata prefix, slots begin after it. The
// span descriptor itself lives on the go heap, keyed by super-page
// base in the root's span table.
type slotspan struct {
	superpage uintptr
	bucket    *bucket
	freehead  *freelist.Entry
	nfree     int64
	nslots    int64
}

func (span *slotspan) payload() uintptr {
	return span.superpage + uintptr(cage.Partitionpagesize)
}

// provision carve a new slot-span out of one super-page from the
// root's pool, threading every slot on the freelist lowest first.
// Returns nil on pool exhaustion. Lock held.
func (root *Root) provision(b *bucket) *slotspan {
	chunk := root.space.Allocchunk(root.poolhandle, cage.Superpagesize)
	if chunk == 0 {
		return nil
	}
	if err := root.space.Commit(chunk, cage.Superpagesize); err != nil {
		root.space.Freechunk(root.poolhandle, chunk, cage.Superpagesize)
		panicerr("%v committing superpage %x: %v", root.logprefix, chunk, err)
	}

	nslots := (cage.Superpagesize - cage.Partitionpagesize) / b.slotsize
	span := &slotspan{
		superpage: chunk, bucket: b, nslots: nslots, nfree: nslots,
	}
	base := span.payload()
	var next *freelist.Entry
	for i := nslots - 1; i >= 0; i-- {
		entry := freelist.Emplacenull(base + uintptr(i*b.slotsize))
		if next != nil {
			entry.Setnext(root.space, next)
		}
		next = entry
	}
	span.freehead = next

	b.active = append(b.active, span)
	b.nspans++
	b.cspans++
	root.spans[chunk] = span
	root.heapsize += cage.Superpagesize
	return span
}

// popslot take one slot out of the bucket, provisioning a fresh span
// when every span is full. Returns 0 on pool exhaustion. Lock held.
func (root *Root) popslot(b *bucket) uintptr {
	if len(b.active) == 0 {
		if root.provision(b) == nil {
			return 0
		}
	}
	span := b.active[len(b.active)-1]
	head := span.freehead
	span.freehead = head.Getnext(root.space, b.slotsize)
	span.nfree--
	if span.nfree == 0 {
		b.active = b.active[:len(b.active)-1]
	}
	b.mallocated += b.slotsize
	return head.Clearforallocation()
}

// pushslot return a slot to its span. A span that turns fully free is
// released back to the pool, as long as the bucket keeps at least one
// other span with free slots. Lock held.
func (root *Root) pushslot(span *slotspan, slotstart uintptr) {
	b := span.bucket
	entry := freelist.Emplacenull(slotstart)
	if span.freehead != nil {
		entry.Setnext(root.space, span.freehead)
	}
	span.freehead = entry
	span.nfree++
	b.mallocated -= b.slotsize

	if span.nfree == 1 {
		b.active = append(b.active, span)
	} else if span.nfree == span.nslots && len(b.active) > 1 {
		root.releasespan(span)
	}
}

// releasespan decommit the super-page and hand it back to the pool.
// Lock held.
func (root *Root) releasespan(span *slotspan) {
	b := span.bucket
	for i, active := range b.active {
		if active == span {
			b.active = append(b.active[:i], b.active[i+1:]...)
			break
		}
	}
	delete(root.spans, span.superpage)
	b.nspans--
	root.heapsize -= cage.Superpagesize

	if err := root.space.Decommit(span.superpage, cage.Superpagesize); err != nil {
		panicerr("%v decommitting superpage %x: %v", root.logprefix, span.superpage, err)
	}
	root.space.Freechunk(root.poolhandle, span.superpage, cage.Superpagesize)
}
