package registry

import (
	"sync/atomic"

	"github.com/kolkov/memsafe/internal/memsafe/epoch"
)

// State is the lifecycle state of an allocation record.
//
//	Live ──Retire──► Quarantined ──evict──► Reclaimed
//
// Transitions only move forward.
type State uint32

const (
	Live State = iota + 1
	Quarantined
	Reclaimed
)

func (s State) String() string {
	switch s {
	case Live:
		return "live"
	case Quarantined:
		return "quarantined"
	case Reclaimed:
		return "reclaimed"
	}
	return "unregistered"
}

// Record is the metadata of one heap allocation.
//
// The guarded span [Lo, Hi) covers the left redzone, the requested bytes
// [Base, Base+Size) and the right redzone. Immutable fields are set before
// the record is published in the index.
type Record struct {
	Lo, Hi  uintptr
	Base    uintptr
	Size    uintptr
	Redzone uintptr // left guard width; the right guard is Hi-Base-Size

	Site uint64      // allocation stack id
	Born epoch.Epoch // registration order

	state    atomic.Uint32
	seq      atomic.Uint64 // quarantine entry order, 0 while live
	freeSite atomic.Uint64
}

// State returns the current lifecycle state.
func (r *Record) State() State {
	return State(r.state.Load())
}

// Seq returns the quarantine sequence number, or zero if the record was
// never quarantined.
func (r *Record) Seq() epoch.Epoch {
	return epoch.Epoch(r.seq.Load())
}

// FreeSite returns the stack id of the free that retired the record.
func (r *Record) FreeSite() uint64 {
	return r.freeSite.Load()
}

// Permits reports whether the record is live and [addr, addr+width) lies
// in its requested bytes. A zero width counts as one byte.
func (r *Record) Permits(addr, width uintptr) bool {
	end := addr + max(width, 1)
	return end > addr && addr >= r.Base && end <= r.Base+r.Size && r.State() == Live
}

// Gross returns the size of the guarded span.
func (r *Record) Gross() uintptr {
	return r.Hi - r.Lo
}
