package checker

import (
	"strconv"

	"github.com/kolkov/memsafe/internal/memsafe/epoch"
)

// Verdict is the classification of one access or free.
type Verdict uint8

const (
	Valid Verdict = iota
	HeapOutOfBounds
	StackOutOfBounds
	UseAfterFree
	DoubleFree
	InvalidFree
	Unknown
)

var verdictNames = [...]string{
	Valid:            "valid",
	HeapOutOfBounds:  "heap-buffer-overflow",
	StackOutOfBounds: "stack-buffer-overflow",
	UseAfterFree:     "heap-use-after-free",
	DoubleFree:       "double-free",
	InvalidFree:      "bad-free",
	Unknown:          "unknown-address",
}

// String returns the diagnostic name of the verdict.
func (v Verdict) String() string {
	if int(v) < len(verdictNames) {
		return verdictNames[v]
	}
	return "verdict(" + strconv.Itoa(int(v)) + ")"
}

// Kind tells which store answered a lookup.
type Kind uint8

const (
	Heap Kind = iota + 1
	Stack
)

func (k Kind) String() string {
	switch k {
	case Heap:
		return "heap"
	case Stack:
		return "stack"
	}
	return "none"
}

// Region is a snapshot of the metadata a store holds for one tracked span.
//
// [Lo, Hi) is the guarded span including redzones; [Base, Base+Size) is the
// part the program may touch.
type Region struct {
	Kind       Kind
	Lo, Hi     uintptr
	Base, Size uintptr
	Freed      bool

	AllocSite uint64 // stack depot id, 0 if not captured
	FreeSite  uint64
	Func      string // enclosing function of a stack buffer
	Epoch     epoch.Epoch
}

// Holds reports whether [addr, addr+width) lies inside the requested span.
// A range that wraps past the top of the address space never does.
func (r Region) Holds(addr, width uintptr) bool {
	end := addr + width
	return end >= addr && addr >= r.Base && end <= r.Base+r.Size
}

// Offset describes where addr sits relative to the requested span: negative
// before Base, zero inside, or the distance past the end.
func (r Region) Offset(addr uintptr) int64 {
	switch {
	case addr < r.Base:
		return -int64(r.Base - addr)
	case addr >= r.Base+r.Size:
		return int64(addr - (r.Base + r.Size))
	}
	return 0
}

// Checkable is a store of tracked regions.
type Checkable interface {
	// Region returns the region whose guarded span contains addr.
	Region(addr uintptr) (Region, bool)
}

// Result is a verdict plus the region that produced it.
type Result struct {
	Verdict Verdict
	Region  Region
	Found   bool
}

// Checker classifies accesses against its stores in order.
type Checker struct {
	stores []Checkable
}

// New returns a checker consulting stores in the given order.
func New(stores ...Checkable) *Checker {
	return &Checker{stores: stores}
}

// Check classifies the access [addr, addr+width). Reads and writes get the
// same verdict, so the direction is left to the caller's report.
func (c *Checker) Check(addr, width uintptr) Result {
	if width == 0 {
		width = 1
	}
	for _, s := range c.stores {
		r, ok := s.Region(addr)
		if !ok {
			continue
		}
		return Result{Verdict: Classify(r, addr, width), Region: r, Found: true}
	}
	return Result{Verdict: Unknown}
}

// Classify applies the containment rules to one region.
func Classify(r Region, addr, width uintptr) Verdict {
	inside := r.Holds(addr, width)
	switch {
	case inside && !r.Freed:
		return Valid
	case !inside && r.Kind == Stack:
		return StackOutOfBounds
	case !inside:
		return HeapOutOfBounds
	default:
		return UseAfterFree
	}
}
