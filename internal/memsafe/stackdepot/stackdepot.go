// Package stackdepot stores deduplicated call stacks for diagnostics.
//
// Allocation and free sites are recorded as 64-bit ids: the FNV-1a hash of
// the captured program counters. Identical stacks share one entry, so a hot
// allocation site costs one hash per call and no memory after the first.
//
// Usage:
//
//	d := stackdepot.New()
//	id := d.Capture(1)       // stack of the caller
//	...
//	fmt.Print(d.Get(id).Format())
package stackdepot

import (
	"fmt"
	"hash/fnv"
	"runtime"
	"strings"
	"sync"
	"unsafe"
)

// MaxFrames is the number of frames kept per stack.
const MaxFrames = 16

// Trace is one captured stack.
type Trace struct {
	PC [MaxFrames]uintptr
	n  int
}

// Frames returns the captured program counters.
func (t *Trace) Frames() []uintptr {
	return t.PC[:t.n]
}

// Depot is a concurrent store of traces keyed by hash.
type Depot struct {
	m sync.Map // uint64 -> *Trace
}

// New returns an empty depot.
func New() *Depot {
	return &Depot{}
}

// Capture records the stack of the caller's caller, skipping skip extra
// frames, and returns its id. Zero means no stack was available.
func (d *Depot) Capture(skip int) uint64 {
	var pcs [MaxFrames]uintptr
	// runtime.Callers and Capture itself.
	n := runtime.Callers(2+skip, pcs[:])
	if n == 0 {
		return 0
	}
	id := hashStack(pcs[:n])
	if _, ok := d.m.Load(id); !ok {
		d.m.Store(id, &Trace{PC: pcs, n: n})
	}
	return id
}

// Get returns the trace for id, or nil.
func (d *Depot) Get(id uint64) *Trace {
	if id == 0 {
		return nil
	}
	v, ok := d.m.Load(id)
	if !ok {
		return nil
	}
	return v.(*Trace)
}

// Len returns the number of unique stacks stored.
func (d *Depot) Len() int {
	n := 0
	d.m.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

func hashStack(pcs []uintptr) uint64 {
	h := fnv.New64a()
	for _, pc := range pcs {
		//nolint:gosec // G103: reading the PC value as bytes for hashing.
		_, _ = h.Write((*[unsafe.Sizeof(pc)]byte)(unsafe.Pointer(&pc))[:])
	}
	return h.Sum64()
}

// hiddenPrefixes are frames that say nothing about the monitored program.
var hiddenPrefixes = []string{
	"runtime.",
	"github.com/kolkov/memsafe/memsafe.",
	"github.com/kolkov/memsafe/internal/memsafe/api.",
	"github.com/kolkov/memsafe/internal/memsafe/rt.",
	"github.com/kolkov/memsafe/internal/memsafe/shim.",
	"github.com/kolkov/memsafe/internal/memsafe/stack.",
}

// Hidden reports whether a frame of function fn is omitted from reports.
func Hidden(fn string) bool {
	for _, p := range hiddenPrefixes {
		if strings.HasPrefix(fn, p) {
			return true
		}
	}
	return false
}

// Format renders the trace as indented "function()\n    file:line" pairs,
// omitting runtime and monitor frames.
func (t *Trace) Format() string {
	if t == nil {
		return "  <unknown>\n"
	}
	return FormatPCs(t.Frames())
}

// FormatPCs renders raw program counters the same way as Trace.Format.
func FormatPCs(pcs []uintptr) string {
	if len(pcs) == 0 {
		return "  <unknown>\n"
	}
	var buf strings.Builder
	frames := runtime.CallersFrames(pcs)
	for {
		f, more := frames.Next()
		if f.Function != "" && !Hidden(f.Function) {
			fmt.Fprintf(&buf, "  %s()\n      %s:%d\n", f.Function, f.File, f.Line)
		}
		if !more {
			break
		}
	}
	if buf.Len() == 0 {
		return "  <runtime internal>\n"
	}
	return buf.String()
}
