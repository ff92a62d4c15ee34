// Package epoch implements the monotonic logical clock of the memory monitor.
//
// An Epoch is a 64-bit logical timestamp. Every allocation record takes its
// sequence number from a Clock, and every stack scope descriptor is stamped
// with the epoch of the function entry that created it. Epochs are strictly
// increasing per Clock, so comparing two of them gives creation order without
// consulting wall time.
package epoch

import (
	"strconv"
	"sync/atomic"
)

// Epoch is a logical timestamp. The zero Epoch is never handed out and marks
// "not stamped".
type Epoch uint64

// Before reports whether e was issued before other.
//
//go:nosplit
func (e Epoch) Before(other Epoch) bool {
	return e < other
}

// IsZero reports whether e was never stamped.
func (e Epoch) IsZero() bool {
	return e == 0
}

// String returns "#n", used in diagnostics.
func (e Epoch) String() string {
	return "#" + strconv.FormatUint(uint64(e), 10)
}

// Clock issues strictly increasing epochs. The zero value is ready to use
// and safe for concurrent callers.
type Clock struct {
	now atomic.Uint64
}

// Tick advances the clock and returns the new epoch.
//
//go:nosplit
func (c *Clock) Tick() Epoch {
	return Epoch(c.now.Add(1))
}

// Now returns the most recently issued epoch without advancing.
func (c *Clock) Now() Epoch {
	return Epoch(c.now.Load())
}
