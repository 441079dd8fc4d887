//go:build unix

package malloc

import "testing"
import "unsafe"

import "github.com/stretchr/testify/require"
import s "github.com/bnclabs/gosettings"

import "github.com/bnclabs/gocage/api"

func newtestshim(t testing.TB) *Shim {
	t.Helper()
	shim := Newshim(s.Settings{"poolsize": int64(64 * 1024 * 1024)})
	t.Cleanup(shim.Addressspace().Uninitfortesting)
	return shim
}

func TestDispatchAlloc(t *testing.T) {
	shim := newtestshim(t)
	d := shim.Dispatchtable()

	ptr := d.Alloc(100, 0, nil)
	require.NotNil(t, ptr)
	require.True(t, shim.Addressspace().Ismanaged(uintptr(ptr)))
	d.Free(ptr, nil)

	require.Nil(t, d.Allocunchecked(128*1024*1024, 0, nil))
}

func TestDispatchZeroinitialized(t *testing.T) {
	shim := newtestshim(t)
	d := shim.Dispatchtable()

	// dirty a slot, free it, then calloc the same slab.
	ptr := d.Alloc(256, 0, nil)
	block := unsafe.Slice((*byte)(ptr), 256)
	for i := range block {
		block[i] = 0xff
	}
	d.Free(ptr, nil)

	ptr = d.Alloczeroinitialized(16, 16, 0, nil)
	require.NotNil(t, ptr)
	block = unsafe.Slice((*byte)(ptr), 256)
	for i := range block {
		require.Equalf(t, byte(0), block[i], "byte %v", i)
	}
	d.Free(ptr, nil)

	// overflowing multiply aborts.
	require.Panics(t, func() {
		d.Alloczeroinitialized(1<<33, 1<<33, 0, nil)
	})
}

func TestDispatchAligned(t *testing.T) {
	shim := newtestshim(t)
	d := shim.Dispatchtable()

	ptr := d.Allocaligned(4096, 100, 0, nil)
	require.NotNil(t, ptr)
	require.Zero(t, uintptr(ptr)%4096)
	d.Freewithalignment(ptr, 4096, nil)

	require.Panics(t, func() { d.Allocaligned(100, 100, 0, nil) })
}

func TestDispatchRealloc(t *testing.T) {
	shim := newtestshim(t)
	d := shim.Dispatchtable()

	// nil pointer degenerates to alloc.
	ptr := d.Realloc(nil, 64, 0, nil)
	require.NotNil(t, ptr)

	block := unsafe.Slice((*byte)(ptr), 64)
	copy(block, []byte("through the looking glass"))

	// growing preserves content.
	ptr2 := d.Realloc(ptr, 100*1024, 0, nil)
	require.NotNil(t, ptr2)
	require.NotEqual(t, ptr, ptr2)
	grown := unsafe.Slice((*byte)(ptr2), 25)
	require.Equal(t, []byte("through the looking glass"), grown[:25])

	// zero size with a live pointer is a free.
	require.Nil(t, d.Realloc(ptr2, 0, 0, nil))
}

func TestDispatchFreewithsize(t *testing.T) {
	shim := newtestshim(t)
	d := shim.Dispatchtable()

	ptr := d.Alloc(100, 0, nil)
	d.Freewithsize(ptr, 100, nil)

	ptr = d.Alloc(100, 0, nil)
	d.Freewithsizeandalignment(ptr, 100, 16, nil)
}

func TestDispatchSizeestimate(t *testing.T) {
	shim := newtestshim(t)
	d := shim.Dispatchtable()

	ptr := d.Alloc(100, 0, nil)
	require.GreaterOrEqual(t, d.Getsizeestimate(ptr, nil), int64(100))
	require.Equal(t, uintptr(ptr), d.Claimedaddress(ptr, nil))
	d.Free(ptr, nil)

	// foreign pointers estimate to zero, zone dispatch relies on it.
	foreign := unsafe.Pointer(&struct{ x int }{})
	require.Equal(t, int64(0), d.Getsizeestimate(foreign, nil))
	require.Equal(t, uintptr(0), d.Claimedaddress(foreign, nil))
	d.Tryfreedefault(foreign, nil) // no-op, not a crash
}

func TestDispatchBatch(t *testing.T) {
	shim := newtestshim(t)
	d := shim.Dispatchtable()

	ptrs := make([]unsafe.Pointer, 16)
	d.Batchmalloc(64, ptrs, 0, nil)
	seen := map[unsafe.Pointer]bool{}
	for _, ptr := range ptrs {
		require.NotNil(t, ptr)
		require.False(t, seen[ptr])
		seen[ptr] = true
	}
	d.Batchfree(ptrs, nil)
}

func TestDispatchGoodsize(t *testing.T) {
	shim := newtestshim(t)
	d := shim.Dispatchtable()

	good := d.Goodsize(100)
	require.GreaterOrEqual(t, good, int64(100))
	// allocating the good size wastes nothing.
	ptr := d.Alloc(good, 0, nil)
	require.Equal(t, good, d.Getsizeestimate(ptr, nil))
	d.Free(ptr, nil)

	// oversized requests are already their own good size.
	require.Equal(t, int64(1024*1024), d.Goodsize(1024*1024))
}

func TestDispatchTokens(t *testing.T) {
	shim := newtestshim(t)
	d := shim.Dispatchtable()

	// tokens segregate allocations across roots.
	p0 := d.Alloc(64, 0, nil)
	p1 := d.Alloc(64, 1, nil)
	require.NotSame(t, shim.Root(0), shim.Root(1))
	require.True(t, shim.Root(0).owns(uintptr(p0)))
	require.False(t, shim.Root(0).owns(uintptr(p1)))
	require.True(t, shim.Root(1).owns(uintptr(p1)))

	// free does not need the token, pointers route to their root.
	d.Free(p1, nil)
	d.Free(p0, nil)

	require.Panics(t, func() { d.Alloc(64, Maxtokens, nil) })
}

func TestConfigurepartitions(t *testing.T) {
	shim := newtestshim(t)

	before := shim.Root(0)
	ptr := shim.Dispatchtable().Alloc(64, 0, nil)

	shim.Configurepartitions(s.Settings{
		"brp.enable":                 true,
		"checks.advanced":            true,
		"quarantine.advanced.enable": true,
		"quarantine.advanced.zap":    true,
	})
	after := shim.Root(0)
	require.NotSame(t, before, after)
	require.Same(t, before, shim.Originalroot(0))
	require.True(t, after.Brpenabled())

	// allocations from the original root still free correctly.
	shim.Dispatchtable().Free(ptr, nil)

	// new allocations land in the BRP pool and quarantine on free.
	d := shim.Dispatchtable()
	ptr = d.Alloc(64, 0, nil)
	require.True(t, shim.Addressspace().Isinbrppool(uintptr(ptr)))
	d.Free(ptr, nil)
	require.True(t, after.Branch().Isquarantined(ptr))
	after.Branch().Purge()

	// exactly-once.
	require.Panics(t, func() { shim.Configurepartitions(nil) })
}

func TestDispatchForeignFree(t *testing.T) {
	shim := newtestshim(t)
	d := shim.Dispatchtable()

	var local int64
	require.Panics(t, func() { d.Free(unsafe.Pointer(&local), nil) })
}

func TestTokenAPI(t *testing.T) {
	shim := newtestshim(t)
	// api.Token threading through the table compiles and routes.
	token := api.Token(2)
	ptr := shim.Dispatchtable().Alloc(64, token, nil)
	require.True(t, shim.Root(token).owns(uintptr(ptr)))
	shim.Dispatchtable().Free(ptr, nil)
}
