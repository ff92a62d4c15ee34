// Package shadow implements the out-of-band metadata index of the memory
// monitor.
//
// Every tracked region of memory (a heap allocation with its redzones, or an
// active stack buffer with its guards) is described by one Entry covering the
// half-open span [Lo, Hi). The Index answers "which entry contains this
// address" for arbitrary runtime addresses, and is consulted on every
// instrumented load and store.
//
// # Layout
//
// The address space is cut into regions of 1<<RegionShift bytes. Regions are
// hashed onto NumShards shards; each shard holds a slice of entries sorted by
// Lo, guarded by its own sync.RWMutex. An entry that spans several regions is
// stored in the shard of every region it touches, so a lookup only ever needs
// the single shard of the queried address:
//
//	addr ──► region = addr >> RegionShift ──► shard = hash(region) % NumShards
//	                                         └─► binary search: greatest Lo <= addr
//
// Because entries never overlap, the greatest Lo <= addr is the only
// candidate for containment, which makes Find O(log n) in the shard size.
//
// # Concurrency
//
// Find takes a read lock on one shard and never blocks other readers.
// Insert and Remove lock only the shards their span covers, in ascending
// shard order. The mutex release in Insert happens before the read lock of a
// later Find on any goroutine, so a registered span is always visible to
// subsequent lookups.
package shadow
