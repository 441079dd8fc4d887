// Package malloc implements the allocator roots behind the dispatch
// table. A root owns buckets of fixed slot sizes, provisions slot-spans
// out of super-page chunks handed to it by the cage, threads free slots
// on hardened freelists, and optionally diverts frees through the
// scheduler-loop quarantine.
//
// Sizes above the largest bucket become direct mappings, one chunk of
// super-pages per allocation, bypassing buckets and quarantine.
//
// Roots are created up front, one per allocation token, and installed
// behind a process-wide dispatch table exactly once via
// Configurepartitions.
package malloc
