//go:build unix

package malloc

import "testing"
import "unsafe"

import s "github.com/bnclabs/gosettings"

import "github.com/bnclabs/gocage/cage"
import "github.com/bnclabs/gocage/quarantine"

func newtestroot(t testing.TB, setts s.Settings) *Root {
	t.Helper()
	space := cage.Newaddressspace(s.Settings{"poolsize": int64(64 * 1024 * 1024)})
	t.Cleanup(space.Uninitfortesting)
	return Newroot("test", space, setts)
}

func TestRootAllocFree(t *testing.T) {
	root := newtestroot(t, nil)

	ptr := root.Alloc(100)
	if ptr == nil {
		t.Fatalf("unexpected exhaustion")
	}
	addr := uintptr(ptr)
	if addr%uintptr(Alignment) != 0 {
		t.Errorf("pointer %x not %v-byte aligned", addr, Alignment)
	}
	if root.space.Isinnonbrppool(addr) == false {
		t.Errorf("pointer %x outside the non-brp pool", addr)
	}
	if (addr & cage.Superpageoffsetmask) < uintptr(cage.Partitionpagesize) {
		t.Errorf("pointer %x inside the metadata prefix", addr)
	}
	if usable := root.Chunklen(ptr); usable < 100 {
		t.Errorf("usable %v below requested %v", usable, 100)
	}
	if slab := root.Slabsize(ptr); slab != SuitableSize(root.slabsizes, 100) {
		t.Errorf("expected %v, got %v", SuitableSize(root.slabsizes, 100), slab)
	}

	// the memory is writable end to end.
	block := unsafe.Slice((*byte)(ptr), root.Chunklen(ptr))
	for i := range block {
		block[i] = 0x5a
	}

	_, heap0, alloc0, _ := root.Info()
	root.Free(ptr)
	_, heap1, alloc1, _ := root.Info()
	if alloc1 >= alloc0 {
		t.Errorf("allocated did not drop: %v -> %v", alloc0, alloc1)
	}
	if heap1 > heap0 {
		t.Errorf("heap grew on free: %v -> %v", heap0, heap1)
	}

	// steady state: the slot comes back.
	ptr2 := root.Alloc(100)
	if ptr2 != ptr {
		t.Errorf("expected slot reuse, %x != %x", uintptr(ptr2), addr)
	}
	root.Free(ptr2)
}

func TestRootSlotLinearity(t *testing.T) {
	root := newtestroot(t, nil)

	slab := SuitableSize(root.slabsizes, 64)
	first := uintptr(root.Alloc(64))
	second := uintptr(root.Alloc(64))
	if second != first+uintptr(slab) {
		t.Errorf("expected %x, got %x", first+uintptr(slab), second)
	}
	root.Free(unsafe.Pointer(first))
	// freed head is reused before fresh slots.
	if again := uintptr(root.Alloc(64)); again != first {
		t.Errorf("expected %x, got %x", first, again)
	}
}

func TestRootSpanRelease(t *testing.T) {
	root := newtestroot(t, nil)

	slab := SuitableSize(root.slabsizes, 128)
	perspan := (cage.Superpagesize - cage.Partitionpagesize) / slab

	// fill two spans.
	ptrs := make([]unsafe.Pointer, 0, 2*perspan)
	for i := int64(0); i < 2*perspan; i++ {
		ptrs = append(ptrs, root.Alloc(128))
	}
	if x := int64(len(root.spans)); x != 2 {
		t.Fatalf("expected %v spans, got %v", 2, x)
	}
	// partially drain the first span, then free the second span
	// completely: with another active span around, the empty one goes
	// back to the pool.
	for _, ptr := range ptrs[1:perspan] {
		root.Free(ptr)
	}
	for _, ptr := range ptrs[perspan:] {
		root.Free(ptr)
	}
	if x := int64(len(root.spans)); x != 1 {
		t.Errorf("expected %v span, got %v", 1, x)
	}
	root.Free(ptrs[0])
}

func TestRootAllocaligned(t *testing.T) {
	root := newtestroot(t, nil)

	for _, align := range []int64{16, 32, 256, 4096, 16384, 65536, 1 << 20} {
		ptr := root.Allocaligned(align, 100)
		if ptr == nil {
			t.Fatalf("align %v: unexpected exhaustion", align)
		}
		if uintptr(ptr)%uintptr(align) != 0 {
			t.Errorf("align %v: pointer %x misaligned", align, uintptr(ptr))
		}
		root.Free(ptr)
	}
	func() {
		defer func() {
			if r := recover(); r == nil {
				t.Errorf("expected panic on non power of two")
			}
		}()
		root.Allocaligned(48, 100)
	}()
}

func TestRootDirectmap(t *testing.T) {
	root := newtestroot(t, nil)

	n := root.maxblock + 1
	ptr := root.Alloc(n)
	if ptr == nil {
		t.Fatalf("unexpected exhaustion")
	}
	if root.Isdirectmapped(uintptr(ptr)) == false {
		t.Errorf("expected a direct mapping")
	}
	if usable := root.Chunklen(ptr); usable != n {
		t.Errorf("expected %v, got %v", n, usable)
	}
	block := unsafe.Slice((*byte)(ptr), n)
	block[0], block[n-1] = 1, 2

	_, heap0, _, _ := root.Info()
	root.Free(ptr)
	_, heap1, _, _ := root.Info()
	if heap1 >= heap0 {
		t.Errorf("direct map not returned: heap %v -> %v", heap0, heap1)
	}
}

func TestRootExhaustion(t *testing.T) {
	root := newtestroot(t, nil)

	// the pool holds 32 super-pages, a 33 super-page direct map
	// cannot fit.
	if ptr := root.Alloc(33 * cage.Superpagesize); ptr != nil {
		t.Errorf("expected nil, got %x", uintptr(ptr))
	}
	// exhaust the pool with single super-page direct maps, then
	// bucketed allocation fails too.
	held := make([]unsafe.Pointer, 0, 32)
	for {
		ptr := root.Alloc(cage.Superpagesize - cage.Partitionpagesize)
		if ptr == nil {
			break
		}
		held = append(held, ptr)
	}
	if len(held) != 32 {
		t.Errorf("expected %v direct maps, got %v", 32, len(held))
	}
	if ptr := root.Alloc(64); ptr != nil {
		t.Errorf("expected bucket exhaustion, got %x", uintptr(ptr))
	}
	for _, ptr := range held {
		root.Free(ptr)
	}
	if ptr := root.Alloc(64); ptr == nil {
		t.Errorf("expected recovery after frees")
	}
}

func TestRootQuarantineDivert(t *testing.T) {
	setts := s.Settings{
		"checks.advanced":              true,
		"quarantine.advanced.enable":   true,
		"quarantine.advanced.zap":      true,
		"quarantine.advanced.capacity": int64(64 * 1024),
	}
	root := newtestroot(t, setts)

	ptr := root.Alloc(100)
	block := unsafe.Slice((*byte)(ptr), 100)
	copy(block, []byte("soon to be freed"))

	root.Free(ptr)
	if root.branch.Isquarantined(ptr) == false {
		t.Errorf("expected %x quarantined", uintptr(ptr))
	}
	for i, b := range block {
		if b != quarantine.Freedbyte {
			t.Fatalf("byte %v: expected %x, got %x", i, quarantine.Freedbyte, b)
		}
	}
	// the slot is not reusable until the quarantine lets go.
	ptr2 := root.Alloc(100)
	if ptr2 == ptr {
		t.Errorf("quarantined slot reused immediately")
	}
	root.branch.Purge()
	root.Free(ptr2)

	stats := quarantine.Stats{}
	root.Quarantineroot().Accumulatestats(&stats)
	if stats.Cumulativecount == 0 {
		t.Errorf("expected quarantine traffic")
	}
}

func TestRootBrp(t *testing.T) {
	root := newtestroot(t, s.Settings{"brp.enable": true})

	ptr := root.Alloc(100)
	addr := uintptr(ptr)
	if root.space.Isinbrppool(addr) == false {
		t.Errorf("pointer %x outside the brp pool", addr)
	}
	slab := root.Slabsize(ptr)
	if usable := root.Chunklen(ptr); usable != slab-brpheadersize {
		t.Errorf("expected %v, got %v", slab-brpheadersize, usable)
	}

	// an embedder reference outlives the allocator's: after the
	// pre-release hand-off, the embedder's drop is the last one.
	rc := refcountat(addr, slab)
	rc.Acquire()
	rc.prereleasefromallocator()
	if released := rc.Release(); released == false {
		t.Errorf("expected the last reference to report release")
	}

	// releasing the allocator reference twice is corruption.
	ptr2 := root.Alloc(100)
	rc = refcountat(uintptr(ptr2), root.Slabsize(ptr2))
	rc.prereleasefromallocator()
	func() {
		defer func() {
			if r := recover(); r != ErrorRefcountCorruption {
				t.Errorf("expected %v, got %v", ErrorRefcountCorruption, r)
			}
		}()
		rc.prereleasefromallocator()
	}()
	root.Free(ptr)
}

func TestRootEventualZero(t *testing.T) {
	root := newtestroot(t, s.Settings{"zero.eventual": true})

	ptr := root.Alloc(64)
	block := unsafe.Slice((*byte)(ptr), 64)
	for i := range block {
		block[i] = 0xff
	}
	root.Free(ptr)
	ptr2 := root.Alloc(64)
	if ptr2 != ptr {
		t.Fatalf("expected slot reuse")
	}
	// past the freelist header the slot shall be zero.
	block = unsafe.Slice((*byte)(ptr2), 64)
	for i := int64(16); i < 64; i++ {
		if block[i] != 0 {
			t.Errorf("byte %v: expected 0, got %x", i, block[i])
		}
	}
	root.Free(ptr2)
}

func TestRootUtilization(t *testing.T) {
	root := newtestroot(t, nil)

	ptrs := make([]unsafe.Pointer, 0, 100)
	for i := 0; i < 100; i++ {
		ptrs = append(ptrs, root.Alloc(128))
	}
	sizes, utils := root.Utilization()
	if len(sizes) != 1 {
		t.Fatalf("expected one bucket in use, got %v", sizes)
	}
	if utils[0] <= 0 {
		t.Errorf("expected positive utilization, got %v", utils[0])
	}
	for _, ptr := range ptrs {
		root.Free(ptr)
	}
}

func TestRootRelease(t *testing.T) {
	root := newtestroot(t, nil)

	for i := 0; i < 10; i++ {
		root.Alloc(100)
	}
	root.Alloc(root.maxblock + 1)
	root.Release()
	if len(root.spans) != 0 || len(root.directmaps) != 0 {
		t.Errorf("expected empty root after release")
	}
	_, heap, alloc, _ := root.Info()
	if heap != 0 || alloc != 0 {
		t.Errorf("expected zeroed accounting, got heap %v alloc %v", heap, alloc)
	}
	// the pool is whole again.
	mgr := root.space.Manager()
	if x := mgr.Freeblocks(root.poolhandle); x != 32 {
		t.Errorf("expected %v free superpages, got %v", 32, x)
	}
}

func TestRootStatistics(t *testing.T) {
	root := newtestroot(t, nil)
	ptr := root.Alloc(100)
	stats := root.Statistics()
	if stats["mallocated"].(int64) <= 0 {
		t.Errorf("expected positive mallocated")
	}
	if _, ok := stats["quarantine.count"]; ok == false {
		t.Errorf("expected quarantine counters in statistics")
	}
	root.Logstats()
	root.Free(ptr)
}
