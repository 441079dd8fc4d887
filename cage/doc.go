// Package cage reserves a single large contiguous region of virtual
// address space for the allocator, carves it into a small fixed set of
// disjoint pools, and sub-allocates super-page sized chunks inside each
// pool.
//
//   - The entire reservation, called the cage, is obtained once at
//     initialization and stays inaccessible until a sub-region is
//     explicitly committed.
//   - Every pool is a power-of-two sized region aligned to its own size,
//     so that membership of an arbitrary address reduces to a single
//     mask-and-compare.
//   - Within a pool, chunks are super-page multiples handed out first-fit
//     over a bitmap, with a bit-hint to skip the fully allocated
//     prefix. The hint advances on allocation and drops back on free.
//
// Pools are identified by small 1-based handles. Handle zero means
// "no pool". Handles are not recycled in normal operation; after an
// explicit Remove the pool manager may hand the same handle out again.
package cage
