//go:build unix

package cage

import "unsafe"

import "golang.org/x/sys/unix"

// Page primitives for the cage. The reservation is a PROT_NONE private
// anonymous mapping, so that multi-GB cages cost nothing until a
// sub-region is committed.

func addrof(block []byte) uintptr {
	return uintptr(unsafe.Pointer(&block[0]))
}

func reservepages(size int64) ([]byte, error) {
	prot, flags := unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANON
	return unix.Mmap(-1, 0, int(size), prot, flags)
}

func releasepages(block []byte) error {
	return unix.Munmap(block)
}

// commitpages make [addr, addr+size) readable and writable. The range
// must lie within an existing reservation.
func commitpages(addr uintptr, size int64) error {
	block := unsafe.Slice((*byte)(unsafe.Pointer(addr)), size)
	return unix.Mprotect(block, unix.PROT_READ|unix.PROT_WRITE)
}

// decommitpages drop the backing of [addr, addr+size) and make it
// inaccessible again. Contents are lost.
func decommitpages(addr uintptr, size int64) error {
	block := unsafe.Slice((*byte)(unsafe.Pointer(addr)), size)
	if err := unix.Madvise(block, unix.MADV_DONTNEED); err != nil {
		return err
	}
	return unix.Mprotect(block, unix.PROT_NONE)
}
