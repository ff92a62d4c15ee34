// Package registry maps heap addresses to allocation records.
//
// The registry is the single source of truth for "is this address inside a
// known allocation". Records are indexed by their guarded span in a
// shadow.Index, so a lookup for any byte of an allocation or its redzones
// finds the record in O(log n). Retired records stay indexed while they sit
// in the quarantine; eviction removes them and hands their memory back to
// the underlying allocator through the release callback.
package registry

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/kolkov/memsafe/internal/memsafe/checker"
	"github.com/kolkov/memsafe/internal/memsafe/epoch"
	"github.com/kolkov/memsafe/internal/memsafe/shadow"
)

var (
	// ErrOverlap means a new span intersects a live or quarantined record.
	// The monitor's metadata can no longer be trusted.
	ErrOverlap = errors.New("registry: allocation overlaps an existing record")

	// ErrDoubleFree means the record at the address was already retired.
	ErrDoubleFree = errors.New("registry: double free")

	// ErrInvalidFree means the address is not the base of any allocation.
	ErrInvalidFree = errors.New("registry: free of address not returned by allocation")
)

const (
	// DefaultQuarantineCount bounds the number of quarantined records.
	DefaultQuarantineCount = 1 << 16

	// DefaultQuarantineBytes bounds the guarded bytes held in quarantine.
	DefaultQuarantineBytes = 64 << 20
)

// Config bounds the quarantine. A zero limit disables that bound; both zero
// keeps every freed record until Drain.
type Config struct {
	QuarantineCount int
	QuarantineBytes uintptr
}

// DefaultConfig returns the documented default limits.
func DefaultConfig() Config {
	return Config{
		QuarantineCount: DefaultQuarantineCount,
		QuarantineBytes: DefaultQuarantineBytes,
	}
}

// Stats is a snapshot of registry counters.
type Stats struct {
	Registered       uint64
	LiveCount        int64
	LiveBytes        int64
	QuarantinedCount int
	QuarantinedBytes uintptr
	Evicted          uint64
}

// Registry tracks heap allocations. Safe for concurrent use.
type Registry struct {
	index   *shadow.Index[*Record]
	clock   epoch.Clock
	q       quarantine
	release func(*Record)

	registered atomic.Uint64
	liveCount  atomic.Int64
	liveBytes  atomic.Int64
	evicted    atomic.Uint64
}

// New returns an empty registry. release is called once for every record
// evicted from quarantine, after it is removed from the index; it may be nil.
func New(cfg Config, release func(*Record)) *Registry {
	r := &Registry{
		index:   shadow.New[*Record](),
		release: release,
	}
	r.q.maxCount = cfg.QuarantineCount
	r.q.maxBytes = cfg.QuarantineBytes
	return r
}

// Register publishes a Live record for the requested span [base, base+size)
// inside the guarded span [lo, hi).
func (r *Registry) Register(lo, base, size, hi uintptr, site uint64) (*Record, error) {
	if lo > base || base+size > hi || base+size < base {
		return nil, fmt.Errorf("registry: malformed span [%#x, %#x) in [%#x, %#x)", base, base+size, lo, hi)
	}
	rec := &Record{
		Lo:      lo,
		Hi:      hi,
		Base:    base,
		Size:    size,
		Redzone: base - lo,
		Site:    site,
		Born:    r.clock.Tick(),
	}
	rec.state.Store(uint32(Live))

	if err := r.index.Insert(lo, hi, rec); err != nil {
		if errors.Is(err, shadow.ErrOverlap) {
			return nil, fmt.Errorf("%w: [%#x, %#x)", ErrOverlap, lo, hi)
		}
		return nil, fmt.Errorf("registry: %w", err)
	}

	r.registered.Add(1)
	r.liveCount.Add(1)
	r.liveBytes.Add(int64(size))
	return rec, nil
}

// Lookup returns the record whose guarded span contains addr.
func (r *Registry) Lookup(addr uintptr) (*Record, bool) {
	e, ok := r.index.Find(addr)
	return e.Value, ok
}

// Retire moves the record based at addr from Live to Quarantined and
// evicts the oldest quarantined records if the quarantine is over its
// limits. On ErrDoubleFree the already-retired record is returned for
// diagnostics; on ErrInvalidFree the record containing addr, if any, is.
func (r *Registry) Retire(addr uintptr, freeSite uint64) (*Record, error) {
	e, ok := r.index.Find(addr)
	if !ok {
		return nil, ErrInvalidFree
	}
	rec := e.Value
	if rec.Base != addr {
		return rec, ErrInvalidFree
	}
	if !rec.state.CompareAndSwap(uint32(Live), uint32(Quarantined)) {
		return rec, ErrDoubleFree
	}
	rec.freeSite.Store(freeSite)
	r.liveCount.Add(-1)
	r.liveBytes.Add(-int64(rec.Size))

	for _, old := range r.q.push(rec) {
		r.evict(old)
	}
	return rec, nil
}

func (r *Registry) evict(rec *Record) {
	rec.state.Store(uint32(Reclaimed))
	r.index.Remove(rec.Lo)
	r.evicted.Add(1)
	if r.release != nil {
		r.release(rec)
	}
}

// Drain evicts every quarantined record, oldest first.
func (r *Registry) Drain() {
	for _, rec := range r.q.drain() {
		r.evict(rec)
	}
}

// Live returns the records still in the Live state.
func (r *Registry) Live() []*Record {
	var out []*Record
	r.index.Range(func(e shadow.Entry[*Record]) bool {
		if e.Value.State() == Live {
			out = append(out, e.Value)
		}
		return true
	})
	return out
}

// Stats returns a snapshot of the registry counters.
func (r *Registry) Stats() Stats {
	qc, qb := r.q.stats()
	return Stats{
		Registered:       r.registered.Load(),
		LiveCount:        r.liveCount.Load(),
		LiveBytes:        r.liveBytes.Load(),
		QuarantinedCount: qc,
		QuarantinedBytes: qb,
		Evicted:          r.evicted.Load(),
	}
}

// Region implements checker.Checkable.
func (r *Registry) Region(addr uintptr) (checker.Region, bool) {
	rec, ok := r.Lookup(addr)
	if !ok {
		return checker.Region{}, false
	}
	return rec.Region(), true
}

// Region returns the checker view of the record.
func (rec *Record) Region() checker.Region {
	st := rec.State()
	return checker.Region{
		Kind:      checker.Heap,
		Lo:        rec.Lo,
		Hi:        rec.Hi,
		Base:      rec.Base,
		Size:      rec.Size,
		Freed:     st != Live,
		AllocSite: rec.Site,
		FreeSite:  rec.FreeSite(),
		Epoch:     rec.Born,
	}
}
