package stack

import (
	"errors"
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/kolkov/memsafe/internal/memsafe/checker"
	"github.com/kolkov/memsafe/internal/memsafe/epoch"
	"github.com/kolkov/memsafe/internal/memsafe/shadow"
)

// ErrOverlap means a scope was entered for memory another active scope
// already covers.
var ErrOverlap = errors.New("stack: scope overlaps an active scope")

// Descriptor describes one active tracked buffer.
type Descriptor struct {
	ptr unsafe.Pointer // keeps the buffer reachable and in place

	Base, Size uintptr
	Lo, Hi     uintptr // guarded span
	Func       string
	Epoch      epoch.Epoch // frame entry that created it

	active atomic.Bool
}

// Active reports whether the scope is still open.
func (d *Descriptor) Active() bool {
	return d.active.Load()
}

// Permits reports whether [addr, addr+width) lies in the buffer. A zero
// width counts as one byte.
func (d *Descriptor) Permits(addr, width uintptr) bool {
	end := addr + max(width, 1)
	return end > addr && addr >= d.Base && end <= d.Base+d.Size
}

// Region returns the checker view of the descriptor.
func (d *Descriptor) Region() checker.Region {
	return checker.Region{
		Kind:  checker.Stack,
		Lo:    d.Lo,
		Hi:    d.Hi,
		Base:  d.Base,
		Size:  d.Size,
		Func:  d.Func,
		Epoch: d.Epoch,
	}
}

// Token matches a scope exit to its entry. The zero Token is valid and
// exits nothing.
type Token struct {
	d *Descriptor
}

// Descriptor returns the descriptor the token refers to, or nil.
func (t Token) Descriptor() *Descriptor {
	return t.d
}

// Tracker is the registry of active stack scopes.
type Tracker struct {
	index *shadow.Index[*Descriptor]
	clock epoch.Clock

	// OnError receives inconsistencies found while entering scopes. Nil
	// discards them.
	OnError func(error)
}

// New returns an empty tracker.
func New() *Tracker {
	return &Tracker{index: shadow.New[*Descriptor]()}
}

// EnterScope starts tracking [ptr, ptr+size) for function fn.
func (t *Tracker) EnterScope(ptr unsafe.Pointer, size uintptr, fn string) (Token, error) {
	base := uintptr(ptr)
	return t.enter(ptr, base, base, size, base+size, fn, t.clock.Tick())
}

func (t *Tracker) enter(ptr unsafe.Pointer, lo, base, size, hi uintptr, fn string, ep epoch.Epoch) (Token, error) {
	if hi == lo {
		// Nothing addressable to track.
		return Token{}, nil
	}
	d := &Descriptor{
		ptr:   ptr,
		Base:  base,
		Size:  size,
		Lo:    lo,
		Hi:    hi,
		Func:  fn,
		Epoch: ep,
	}
	d.active.Store(true)
	if err := t.index.Insert(lo, hi, d); err != nil {
		if errors.Is(err, shadow.ErrOverlap) {
			err = fmt.Errorf("%w: %s [%#x, %#x)", ErrOverlap, fn, base, base+size)
		}
		return Token{}, err
	}
	return Token{d: d}, nil
}

// ExitScope stops tracking the scope of tok. Exiting a scope twice is a no-op.
func (t *Tracker) ExitScope(tok Token) {
	d := tok.d
	if d == nil || !d.active.CompareAndSwap(true, false) {
		return
	}
	t.index.Remove(d.Lo)
	d.ptr = nil
}

// Lookup returns the active descriptor whose guarded span contains addr.
func (t *Tracker) Lookup(addr uintptr) (*Descriptor, bool) {
	e, ok := t.index.Find(addr)
	return e.Value, ok
}

// Region implements checker.Checkable.
func (t *Tracker) Region(addr uintptr) (checker.Region, bool) {
	d, ok := t.Lookup(addr)
	if !ok {
		return checker.Region{}, false
	}
	return d.Region(), true
}

// Active returns the number of open scopes.
func (t *Tracker) Active() int {
	return t.index.Len()
}

func (t *Tracker) fail(err error) {
	if t.OnError != nil {
		t.OnError(err)
	}
}
