//go:build !nofreelistshadow

package freelist

// freelistshadow maintain and verify the shadow word on every link.
const freelistshadow = true
