package quarantine

import "unsafe"

// Freedbyte pattern written over quarantined objects when zapping is
// enabled. Latent use-after-free reads surface as 0xcd garbage, writes
// break the pattern and can be diagnosed.
const Freedbyte = byte(0xcd)

// Securememset overwrite `n` bytes at ptr with b. The stores go one
// byte at a time through an unsafe slice over the caller's memory.
func Securememset(ptr unsafe.Pointer, b byte, n int64) {
	if n <= 0 {
		return
	}
	block := unsafe.Slice((*byte)(ptr), n)
	for i := range block {
		block[i] = b
	}
}
