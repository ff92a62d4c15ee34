// Package api is the process-wide memory monitor called by instrumented code.
//
// Every instrumented dereference and index passes through Deref or Index,
// and every rewritten allocation call through Malloc, Calloc, Realloc or
// Free. These are hot paths: the disabled case is a single atomic load, and
// the enabled case is one sharded index lookup per store.
//
// The runtime is created by the package initializer from MEMSAFE_OPTIONS,
// so it is ready before any instrumented package's init runs. Init replaces
// it with a fresh one (tests); Cleanup runs the exit-time leak report.
package api

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/kolkov/memsafe/internal/memsafe/checker"
	"github.com/kolkov/memsafe/internal/memsafe/config"
	"github.com/kolkov/memsafe/internal/memsafe/rt"
	"github.com/kolkov/memsafe/internal/memsafe/stack"
)

var (
	// cur is the active runtime. Swapped only by Init.
	cur atomic.Pointer[rt.Runtime]

	// initMu serializes Init calls.
	initMu sync.Mutex

	// LinkedOptions holds options baked in at link time by the memsafe
	// driver (-ldflags=-X). MEMSAFE_OPTIONS entries override them.
	LinkedOptions string
)

func init() {
	cur.Store(newRuntime())
}

// newRuntime builds a runtime from the linked options and the
// environment. Malformed options are reported once and the defaults are
// used; monitoring never silently turns off.
func newRuntime() *rt.Runtime {
	opts, err := config.Parse(LinkedOptions + ":" + os.Getenv(config.EnvVar))
	if err != nil {
		fmt.Fprintf(os.Stderr, "memsafe: %v; using defaults\n", err)
		opts = config.Default()
	}
	r, err := rt.New(opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "memsafe: %v; using defaults\n", err)
		r, err = rt.New(config.Default())
		if err != nil {
			panic(err)
		}
	}
	return r
}

// Runtime returns the active runtime.
func Runtime() *rt.Runtime {
	return cur.Load()
}

// Init re-creates the monitor with empty registries, re-reading
// MEMSAFE_OPTIONS. Blocks from the previous runtime stay mapped but are no
// longer tracked. Calling Init is optional: the package initializer has
// already set up a runtime.
func Init() {
	initMu.Lock()
	defer initMu.Unlock()
	cur.Store(newRuntime())
}

// InitWith installs r as the active runtime and returns the previous one.
func InitWith(r *rt.Runtime) *rt.Runtime {
	initMu.Lock()
	defer initMu.Unlock()
	return cur.Swap(r)
}

// Cleanup reports leaks and disables checking. It is safe to call more than
// once and never changes the exit status.
func Cleanup() {
	cur.Load().Cleanup()
}

// Enable turns access checking on.
func Enable() { cur.Load().Enable() }

// Disable turns access checking off.
func Disable() { cur.Load().Disable() }

// CheckAddr checks an access of width bytes at addr and aborts the process
// on a violation.
func CheckAddr(addr, width uintptr, isWrite bool) checker.Verdict {
	return cur.Load().CheckAddr(addr, width, isWrite)
}

// Check classifies an access without reporting it.
func Check(addr, width uintptr, isWrite bool) checker.Result {
	return cur.Load().Check(addr, width, isWrite)
}

// Malloc allocates size bytes of monitored memory.
func Malloc(size uintptr) unsafe.Pointer {
	return cur.Load().Malloc(size)
}

// Calloc allocates n*size zeroed bytes.
func Calloc(n, size uintptr) unsafe.Pointer {
	return cur.Load().Calloc(n, size)
}

// Realloc resizes a block returned by Malloc, Calloc or Realloc.
func Realloc(p unsafe.Pointer, size uintptr) unsafe.Pointer {
	return cur.Load().Realloc(p, size)
}

// Free releases a monitored block.
func Free(p unsafe.Pointer) {
	cur.Load().Free(p)
}

// EnterFrame opens the scope frame of a function activation.
func EnterFrame(fn string) *stack.Frame {
	return cur.Load().EnterFrame(fn)
}

// Stats returns counters of the active runtime.
func Stats() rt.Stats {
	return cur.Load().Stats()
}
