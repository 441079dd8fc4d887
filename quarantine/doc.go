// Package quarantine delays the release of freed slots back to the
// allocator's free lists. Holding just-freed memory for a while, and
// releasing it in randomized order, makes use-after-free exploitation
// techniques that depend on precise reuse ordering significantly
// harder.
//
// There is one Root per allocator root, it only aggregates counters and
// never owns slots. Branches own the quarantined slots and come in two
// flavours sharing the Brancher interface: Branch is safe for
// concurrent use and splits its purge into a locked bookkeeping phase
// and an unlocked deallocation phase, Threadbranch belongs to a single
// goroutine and elides the lock entirely.
//
//	malloc.Root
//	   └── quarantine.Root
//	         ├── Branch (shared)
//	         ├── Threadbranch (goroutine 1)
//	         └── Threadbranch (goroutine 2)
//
// The runtime-stats controller watches purge and zap latencies per size
// class and pauses the whole quarantine for a while when zapping turns
// anomalously slow.
package quarantine
