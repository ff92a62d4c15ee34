// Package memsafe is the public runtime of the memory-safety monitor.
//
// See doc.go for an overview.
package memsafe

import (
	"unsafe"

	"github.com/kolkov/memsafe/internal/memsafe/api"
	"github.com/kolkov/memsafe/internal/memsafe/checker"
	"github.com/kolkov/memsafe/internal/memsafe/rt"
	"github.com/kolkov/memsafe/internal/memsafe/stack"
)

// Verdict classifies one access or free.
type Verdict = checker.Verdict

// Verdicts returned by CheckAddr.
const (
	Valid            = checker.Valid
	HeapOutOfBounds  = checker.HeapOutOfBounds
	StackOutOfBounds = checker.StackOutOfBounds
	UseAfterFree     = checker.UseAfterFree
	DoubleFree       = checker.DoubleFree
	InvalidFree      = checker.InvalidFree
	Unknown          = checker.Unknown
)

// Result is a verdict together with the region it was decided against.
type Result = checker.Result

// Frame is the scope frame of one function activation. Locals opened in a
// frame are released, last first, by Exit.
type Frame = stack.Frame

// Stats is a snapshot of monitor counters.
type Stats = rt.Stats

// Integer is any type usable as an index.
type Integer = api.Integer

// Init resets the monitor to an empty state, re-reading MEMSAFE_OPTIONS.
//
// The monitor is already initialized when this package is imported, so
// instrumented programs never need to call Init. Tests use it to start from
// clean registries:
//
//	func TestMain(m *testing.M) {
//		memsafe.Init()
//		os.Exit(m.Run())
//	}
func Init() {
	api.Init()
}

// Cleanup ends monitoring. Blocks still live are reported as leaks when
// report_leaks is on. Cleanup never changes the exit status and is safe to
// call more than once. The memsafe tool defers it in main.
func Cleanup() {
	api.Cleanup()
}

// CheckAddr checks an access of width bytes at addr before it happens.
//
// A violation is reported on stderr (or log_path) and the process exits with
// the violation's code:
//
//	66 heap-buffer-overflow   67 stack-buffer-overflow
//	68 heap-use-after-free    69 double-free
//	70 bad-free               71 unknown-address (strict mode)
//
// Addresses outside every tracked region return Unknown and pass, unless the
// strict option is set.
func CheckAddr(addr, width uintptr, isWrite bool) Verdict {
	return api.CheckAddr(addr, width, isWrite)
}

// Check classifies an access without reporting or exiting.
func Check(addr, width uintptr, isWrite bool) Result {
	return api.Check(addr, width, isWrite)
}

// Malloc allocates size bytes surrounded by redzones. Malloc(0) returns a
// unique non-nil pointer.
func Malloc(size uintptr) unsafe.Pointer {
	return api.Malloc(size)
}

// Calloc allocates n*size zeroed bytes. It returns nil if the product
// overflows.
func Calloc(n, size uintptr) unsafe.Pointer {
	return api.Calloc(n, size)
}

// Realloc resizes a block, moving it. Realloc(nil, n) is Malloc(n) and
// Realloc(p, 0) frees p and returns nil.
func Realloc(p unsafe.Pointer, size uintptr) unsafe.Pointer {
	return api.Realloc(p, size)
}

// Free releases a block. Freeing twice, or freeing a pointer Malloc did not
// return, is reported. Free(nil) does nothing.
func Free(p unsafe.Pointer) {
	api.Free(p)
}

// Deref checks an access to *p and returns p.
//
//	*p = v   becomes   *memsafe.Deref(p, true) = v
func Deref[T any](p *T, write bool) *T {
	return api.Deref(p, write)
}

// Index checks element i of the array at base and returns i.
//
//	s[i] = v   becomes   s[memsafe.Index(unsafe.Pointer(unsafe.SliceData(s)), i, unsafe.Sizeof(s[0]), true)] = v
func Index[I Integer](base unsafe.Pointer, i I, elem uintptr, write bool) I {
	return api.Index(base, i, elem, write)
}

// EnterFrame opens the frame of a function activation. fn names the
// function in reports.
func EnterFrame(fn string) *Frame {
	return api.EnterFrame(fn)
}

// Local allocates a tracked, zeroed T in frame f. The object stays valid
// until f exits or f.ExitScope is called on it.
func Local[T any](f *Frame) *T {
	return stack.Local[T](f)
}

// Enable turns access checking on.
func Enable() {
	api.Enable()
}

// Disable turns access checking off. Allocation bookkeeping continues.
func Disable() {
	api.Disable()
}

// GetStats returns monitor counters.
func GetStats() Stats {
	return api.Stats()
}
