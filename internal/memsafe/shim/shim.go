// Package shim wraps the arena with redzones, poisoning and free validation.
//
// Layout of one block:
//
//	lo          base                 base+size          hi
//	│ redzone   │ requested bytes    │ tail + redzone   │
//	└───────────┴────────────────────┴──────────────────┘
//
// The right side is padded so every base is 16-byte aligned. Redzone bytes
// are filled with RedzoneFill when the block is handed out; freed bytes are
// filled with the poison byte when the block enters quarantine.
package shim

import (
	"errors"
	"math/bits"
	"unsafe"

	"github.com/kolkov/memsafe/internal/memsafe/arena"
	"github.com/kolkov/memsafe/internal/memsafe/checker"
	"github.com/kolkov/memsafe/internal/memsafe/registry"
	"github.com/kolkov/memsafe/internal/memsafe/report"
	"github.com/kolkov/memsafe/internal/memsafe/stackdepot"
)

// RedzoneFill marks guard bytes.
const RedzoneFill = 0xfa

// Config controls block layout and bookkeeping.
type Config struct {
	Redzone       uintptr
	PoisonByte    byte
	MallocContext bool
}

// Shim is the allocator the instrumented program calls.
type Shim struct {
	arena  *arena.Arena
	reg    *registry.Registry
	depot  *stackdepot.Depot
	cfg    Config
	report func(*report.Violation)
}

// New wires a shim. report is called for every invalid free and for
// registry inconsistencies.
func New(a *arena.Arena, reg *registry.Registry, depot *stackdepot.Depot, cfg Config, report func(*report.Violation)) *Shim {
	return &Shim{arena: a, reg: reg, depot: depot, cfg: cfg, report: report}
}

func bytesAt(addr, n uintptr) []byte {
	//nolint:gosec // G103: addr is arena memory outside the Go heap.
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), n)
}

func fill(b []byte, v byte) {
	for i := range b {
		b[i] = v
	}
}

func (s *Shim) site() uint64 {
	if !s.cfg.MallocContext {
		return 0
	}
	return s.depot.Capture(1)
}

// Alloc returns size usable bytes, or nil if the request cannot be served.
// Contents are unspecified, as with malloc.
func (s *Shim) Alloc(size uintptr) unsafe.Pointer {
	p, _ := s.alloc(size)
	return p
}

func (s *Shim) alloc(size uintptr) (unsafe.Pointer, error) {
	rz := s.cfg.Redzone
	body := arena.Size(size)
	if body < size || body > ^uintptr(0)-2*rz {
		return nil, arena.ErrTooLarge
	}
	gross := rz + body + rz

	lo, err := s.arena.Alloc(gross)
	if err != nil {
		return nil, err
	}
	base, hi := lo+rz, lo+gross

	fill(bytesAt(lo, rz), RedzoneFill)
	fill(bytesAt(base+size, hi-base-size), RedzoneFill)

	if _, err := s.reg.Register(lo, base, size, hi, s.site()); err != nil {
		s.report(&report.Violation{
			Verdict: checker.Unknown,
			Access:  report.Alloc,
			Addr:    base,
			Width:   size,
			Stack:   report.CaptureStack(2),
			Detail:  err.Error(),
		})
		return nil, err
	}
	//nolint:govet // base is arena memory, never moved by the Go runtime.
	return unsafe.Pointer(base), nil
}

// Calloc returns n*size zeroed bytes, or nil on overflow or exhaustion.
func (s *Shim) Calloc(n, size uintptr) unsafe.Pointer {
	hi, total := bits.Mul64(uint64(n), uint64(size))
	if hi != 0 || uint64(uintptr(total)) != total {
		return nil
	}
	p, err := s.alloc(uintptr(total))
	if err != nil {
		return nil
	}
	clear(bytesAt(uintptr(p), uintptr(total)))
	return p
}

// Realloc resizes the block at p, preserving min(old, new) bytes. A nil p
// behaves like Alloc; size 0 frees p and returns nil. An invalid p is
// reported like an invalid free.
func (s *Shim) Realloc(p unsafe.Pointer, size uintptr) unsafe.Pointer {
	if p == nil {
		return s.Alloc(size)
	}
	if size == 0 {
		_ = s.Dealloc(p)
		return nil
	}

	addr := uintptr(p)
	rec, ok := s.reg.Lookup(addr)
	if !ok || rec.Base != addr || rec.State() != registry.Live {
		_ = s.Dealloc(p)
		return nil
	}

	q, err := s.alloc(size)
	if err != nil {
		// realloc failure leaves the original block untouched.
		return nil
	}
	copy(bytesAt(uintptr(q), size), bytesAt(addr, min(rec.Size, size)))
	_ = s.Dealloc(p)
	return q
}

// Dealloc frees the block at p. nil is ignored. A double free or a pointer
// that is not a block base is reported and nothing is freed; the error is
// returned in case the report function returns.
func (s *Shim) Dealloc(p unsafe.Pointer) error {
	if p == nil {
		return nil
	}
	addr := uintptr(p)

	// Poison before the record can reach the quarantine: once retired it may
	// be evicted and reused at any moment.
	if rec, ok := s.reg.Lookup(addr); ok && rec.Base == addr && rec.State() == registry.Live {
		fill(bytesAt(rec.Base, rec.Size), s.cfg.PoisonByte)
	}

	rec, err := s.reg.Retire(addr, s.site())
	if err == nil {
		return nil
	}

	v := &report.Violation{
		Access: report.Free,
		Addr:   addr,
		Stack:  report.CaptureStack(1),
	}
	switch {
	case errors.Is(err, registry.ErrDoubleFree):
		v.Verdict = checker.DoubleFree
	default:
		v.Verdict = checker.InvalidFree
	}
	if rec != nil {
		v.Region, v.Found = rec.Region(), true
	}
	s.report(v)
	return err
}

// UsableSize returns the requested size of the live block at p, or 0.
func (s *Shim) UsableSize(p unsafe.Pointer) uintptr {
	rec, ok := s.reg.Lookup(uintptr(p))
	if !ok || rec.Base != uintptr(p) || rec.State() != registry.Live {
		return 0
	}
	return rec.Size
}
