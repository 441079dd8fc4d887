//go:build nofreelistshadow

package freelist

// Builds tagged nofreelistshadow drop the shadow word maintenance, the
// offset and metadata-range checks still apply.
const freelistshadow = false
