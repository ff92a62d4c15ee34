package shadow

import (
	"errors"
	"math/bits"
	"sync"
	"sync/atomic"
)

const (
	// RegionShift sets the region granularity (64 KiB).
	RegionShift = 16

	// NumShards is the number of independently locked shards. Must stay at
	// 64 so a set of shards fits in one uint64 mask.
	NumShards = 64

	shardBits = 6
)

var (
	// ErrOverlap is returned by Insert when the span intersects an existing entry.
	ErrOverlap = errors.New("shadow: span overlaps an existing entry")

	// ErrEmptySpan is returned by Insert for spans with Hi <= Lo.
	ErrEmptySpan = errors.New("shadow: empty span")
)

// Entry is one tracked span and its metadata.
type Entry[T any] struct {
	Lo, Hi uintptr
	Value  T
}

// Contains reports whether addr lies in [Lo, Hi).
func (e Entry[T]) Contains(addr uintptr) bool {
	return addr >= e.Lo && addr < e.Hi
}

type shard[T any] struct {
	mu      sync.RWMutex
	entries []Entry[T] // sorted by Lo, pairwise disjoint

	// hint is the entry last found in this shard. It is only set under
	// the read lock and cleared under the write lock by Remove, so it
	// never outlives its entry.
	hint atomic.Pointer[Entry[T]]
	_    [8]byte // keep neighbouring shard locks off one cache line
}

// Index is a sharded ordered interval index. The zero value is ready to use.
type Index[T any] struct {
	shards [NumShards]shard[T]
	count  atomic.Int64

	// [lo, hi) covers every span ever inserted; hi == 0 while empty.
	lo, hi atomic.Uintptr
}

// New returns an empty index.
func New[T any]() *Index[T] {
	return &Index[T]{}
}

// shardOf maps an address to its shard using Fibonacci hashing of the region.
//
//go:nosplit
func shardOf(addr uintptr) int {
	region := uint64(addr >> RegionShift)
	return int((region * 0x9E3779B97F4A7C15) >> (64 - shardBits))
}

// shardMask returns the set of shards touched by [lo, hi).
func shardMask(lo, hi uintptr) uint64 {
	const all = ^uint64(0)
	var mask uint64
	for r := lo >> RegionShift; r <= (hi-1)>>RegionShift; r++ {
		mask |= 1 << shardOf(r<<RegionShift)
		if mask == all {
			break
		}
	}
	return mask
}

func (ix *Index[T]) lockMask(mask uint64) {
	for m := mask; m != 0; m &= m - 1 {
		ix.shards[bits.TrailingZeros64(m)].mu.Lock()
	}
}

func (ix *Index[T]) unlockMask(mask uint64) {
	for m := mask; m != 0; m &= m - 1 {
		ix.shards[bits.TrailingZeros64(m)].mu.Unlock()
	}
}

// widen grows the covered bounds to include [lo, hi).
func (ix *Index[T]) widen(lo, hi uintptr) {
	for cur := ix.lo.Load(); cur == 0 || lo < cur; cur = ix.lo.Load() {
		if ix.lo.CompareAndSwap(cur, lo) {
			break
		}
	}
	for cur := ix.hi.Load(); hi > cur; cur = ix.hi.Load() {
		if ix.hi.CompareAndSwap(cur, hi) {
			break
		}
	}
}

// search returns the number of entries with Lo <= addr.
func search[T any](entries []Entry[T], addr uintptr) int {
	lo, hi := 0, len(entries)
	for lo < hi {
		mid := int(uint(lo+hi) >> 1)
		if entries[mid].Lo <= addr {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

// Insert adds [lo, hi) with value v. It fails with ErrOverlap, leaving the
// index unchanged, if any existing entry intersects the span.
func (ix *Index[T]) Insert(lo, hi uintptr, v T) error {
	if hi <= lo {
		return ErrEmptySpan
	}
	mask := shardMask(lo, hi)
	ix.lockMask(mask)
	defer ix.unlockMask(mask)

	for m := mask; m != 0; m &= m - 1 {
		s := &ix.shards[bits.TrailingZeros64(m)]
		// The entry with the greatest Lo below hi is the only one that can
		// reach past lo.
		if j := search(s.entries, hi-1); j > 0 && s.entries[j-1].Hi > lo {
			return ErrOverlap
		}
	}

	ix.widen(lo, hi)
	e := Entry[T]{Lo: lo, Hi: hi, Value: v}
	for m := mask; m != 0; m &= m - 1 {
		s := &ix.shards[bits.TrailingZeros64(m)]
		j := search(s.entries, lo)
		s.entries = append(s.entries, Entry[T]{})
		copy(s.entries[j+1:], s.entries[j:])
		s.entries[j] = e
	}
	ix.count.Add(1)
	return nil
}

// Remove deletes the entry starting exactly at lo and returns it.
func (ix *Index[T]) Remove(lo uintptr) (Entry[T], bool) {
	home := &ix.shards[shardOf(lo)]

	home.mu.RLock()
	j := search(home.entries, lo)
	if j == 0 || home.entries[j-1].Lo != lo {
		home.mu.RUnlock()
		return Entry[T]{}, false
	}
	hi := home.entries[j-1].Hi
	home.mu.RUnlock()

	mask := shardMask(lo, hi)
	ix.lockMask(mask)
	defer ix.unlockMask(mask)

	// Re-validate under the write locks; a racing Remove may have won.
	j = search(home.entries, lo)
	if j == 0 || home.entries[j-1].Lo != lo || home.entries[j-1].Hi != hi {
		return Entry[T]{}, false
	}
	removed := home.entries[j-1]

	for m := mask; m != 0; m &= m - 1 {
		s := &ix.shards[bits.TrailingZeros64(m)]
		if h := s.hint.Load(); h != nil && h.Lo == lo {
			s.hint.Store(nil)
		}
		k := search(s.entries, lo) - 1
		copy(s.entries[k:], s.entries[k+1:])
		s.entries[len(s.entries)-1] = Entry[T]{}
		s.entries = s.entries[:len(s.entries)-1]
	}
	ix.count.Add(-1)
	return removed, true
}

// Find returns the entry containing addr.
//
// Hot path: addresses outside every span ever inserted miss on two atomic
// loads, repeated hits in one entry are served from the shard hint, and
// everything else takes one read lock and one binary search.
func (ix *Index[T]) Find(addr uintptr) (Entry[T], bool) {
	if addr < ix.lo.Load() || addr >= ix.hi.Load() {
		return Entry[T]{}, false
	}
	s := &ix.shards[shardOf(addr)]
	if h := s.hint.Load(); h != nil && h.Contains(addr) {
		return *h, true
	}
	s.mu.RLock()
	j := search(s.entries, addr)
	if j > 0 {
		if e := s.entries[j-1]; addr < e.Hi {
			s.hint.Store(&e)
			s.mu.RUnlock()
			return e, true
		}
	}
	s.mu.RUnlock()
	return Entry[T]{}, false
}

// Len returns the number of entries.
func (ix *Index[T]) Len() int {
	return int(ix.count.Load())
}

// Range calls fn once per entry until fn returns false. Entries added or
// removed concurrently may or may not be visited.
func (ix *Index[T]) Range(fn func(Entry[T]) bool) {
	for i := range ix.shards {
		s := &ix.shards[i]
		s.mu.RLock()
		snapshot := make([]Entry[T], 0, len(s.entries))
		for _, e := range s.entries {
			// Multi-region entries live in several shards; visit them from
			// the shard of their first byte only.
			if shardOf(e.Lo) == i {
				snapshot = append(snapshot, e)
			}
		}
		s.mu.RUnlock()

		for _, e := range snapshot {
			if !fn(e) {
				return
			}
		}
	}
}
