// Package rt assembles the memory monitor into one runtime context.
//
// A Runtime owns every piece of mutable monitor state: the arena, the heap
// registry with its quarantine, the stack tracker, the stack depot and the
// reporter. Nothing is global, so tests can build as many independent
// runtimes as they need; the process-wide instance used by instrumented
// programs lives in package api.
//
// Lifecycle:
//
//	r, err := rt.New(opts)   // registries ready
//	...                      // CheckAddr / Malloc / Free / EnterFrame
//	r.Cleanup()              // leak report, safe on a clean state
//	r.Close()                // unmap the arena (tests, embedders)
package rt

import (
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/kolkov/memsafe/internal/memsafe/arena"
	"github.com/kolkov/memsafe/internal/memsafe/checker"
	"github.com/kolkov/memsafe/internal/memsafe/config"
	"github.com/kolkov/memsafe/internal/memsafe/registry"
	"github.com/kolkov/memsafe/internal/memsafe/report"
	"github.com/kolkov/memsafe/internal/memsafe/shim"
	"github.com/kolkov/memsafe/internal/memsafe/stack"
	"github.com/kolkov/memsafe/internal/memsafe/stackdepot"
)

// Runtime is one independent memory monitor.
type Runtime struct {
	opts config.Options

	arena   *arena.Arena
	reg     *registry.Registry
	tracker *stack.Tracker
	check   *checker.Checker
	shim    *shim.Shim
	depot   *stackdepot.Depot
	rep     *report.Reporter

	enabled   atomic.Bool
	cleanOnce sync.Once
	logFile   *os.File
}

type settings struct {
	w    io.Writer
	exit func(int)
}

// Option overrides runtime wiring.
type Option func(*settings)

// WithWriter sends reports to w instead of stderr or log_path.
func WithWriter(w io.Writer) Option {
	return func(s *settings) { s.w = w }
}

// WithExit replaces os.Exit on the report path.
func WithExit(exit func(int)) Option {
	return func(s *settings) { s.exit = exit }
}

// New builds a runtime from validated options.
func New(opts config.Options, options ...Option) (*Runtime, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	s := settings{w: os.Stderr, exit: os.Exit}
	for _, o := range options {
		o(&s)
	}

	r := &Runtime{opts: opts}
	if opts.LogPath != "" && s.w == io.Writer(os.Stderr) {
		f, err := os.OpenFile(opts.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("memsafe: open log_path: %w", err)
		}
		r.logFile = f
		s.w = f
	}

	r.arena = arena.New(0)
	r.reg = registry.New(registry.Config{
		QuarantineCount: opts.QuarantineCount,
		QuarantineBytes: opts.QuarantineBytes,
	}, r.release)
	r.tracker = stack.New()
	r.tracker.OnError = r.scopeError
	r.depot = stackdepot.New()
	r.rep = report.New(s.w, r.depot, s.exit)
	r.check = checker.New(r.reg, r.tracker)
	r.shim = shim.New(r.arena, r.reg, r.depot, shim.Config{
		Redzone:       opts.Redzone,
		PoisonByte:    opts.PoisonByte,
		MallocContext: opts.MallocContext,
	}, r.rep.Report)

	r.enabled.Store(true)
	return r, nil
}

func (r *Runtime) release(rec *registry.Record) {
	if err := r.arena.Free(rec.Lo, rec.Gross()); err != nil {
		fmt.Fprintf(r.rep.Writer(), "memsafe: %v\n", err)
	}
}

func (r *Runtime) scopeError(err error) {
	r.rep.Report(&report.Violation{
		Verdict: checker.Unknown,
		Access:  report.Alloc,
		Stack:   report.CaptureStack(2),
		Detail:  err.Error(),
	})
}

// Options returns the options the runtime was built with.
func (r *Runtime) Options() config.Options {
	return r.opts
}

// Enable turns checking on.
func (r *Runtime) Enable() { r.enabled.Store(true) }

// Disable turns checking off; every access is then Valid. Allocation and
// free bookkeeping continue.
func (r *Runtime) Disable() { r.enabled.Store(false) }

// Enabled reports whether checking is on.
func (r *Runtime) Enabled() bool { return r.enabled.Load() }

// Check classifies an access without reporting it. The verdict does not
// depend on isWrite.
func (r *Runtime) Check(addr, width uintptr, isWrite bool) checker.Result {
	return r.check.Check(addr, width)
}

// CheckAddr is the check run before every instrumented access. Violations
// are reported and end the process. Unknown addresses pass unless the
// runtime is strict.
//
// Valid and unknown accesses are answered from the stores' records
// directly; only a suspect access builds a Region and goes through the
// checker.
func (r *Runtime) CheckAddr(addr, width uintptr, isWrite bool) checker.Verdict {
	if !r.enabled.Load() {
		return checker.Valid
	}
	if rec, ok := r.reg.Lookup(addr); ok {
		if rec.Permits(addr, width) {
			return checker.Valid
		}
	} else if d, ok := r.tracker.Lookup(addr); ok {
		if d.Permits(addr, width) {
			return checker.Valid
		}
	} else if !r.opts.Strict {
		return checker.Unknown
	}
	return r.suspect(addr, width, isWrite)
}

// suspect classifies an access the fast path could not clear and reports
// it unless it turns out valid.
func (r *Runtime) suspect(addr, width uintptr, isWrite bool) checker.Verdict {
	res := r.check.Check(addr, width)
	if res.Verdict == checker.Valid || (res.Verdict == checker.Unknown && !r.opts.Strict) {
		return res.Verdict
	}

	access := report.Read
	if isWrite {
		access = report.Write
	}
	r.rep.Report(&report.Violation{
		Verdict: res.Verdict,
		Access:  access,
		Addr:    addr,
		Width:   max(width, 1),
		Region:  res.Region,
		Found:   res.Found,
		Stack:   report.CaptureStack(1),
	})
	return res.Verdict
}

// Malloc allocates size bytes from the monitored heap.
func (r *Runtime) Malloc(size uintptr) unsafe.Pointer {
	return r.shim.Alloc(size)
}

// Calloc allocates n*size zeroed bytes.
func (r *Runtime) Calloc(n, size uintptr) unsafe.Pointer {
	return r.shim.Calloc(n, size)
}

// Realloc resizes a monitored block.
func (r *Runtime) Realloc(p unsafe.Pointer, size uintptr) unsafe.Pointer {
	return r.shim.Realloc(p, size)
}

// Free releases a monitored block; invalid and double frees are reported.
func (r *Runtime) Free(p unsafe.Pointer) {
	_ = r.shim.Dealloc(p)
}

// UsableSize returns the requested size of a live block, or 0.
func (r *Runtime) UsableSize(p unsafe.Pointer) uintptr {
	return r.shim.UsableSize(p)
}

// EnterFrame opens the scope frame of one function activation.
func (r *Runtime) EnterFrame(fn string) *stack.Frame {
	return r.tracker.EnterFrame(fn)
}

// Tracker exposes the stack tracker.
func (r *Runtime) Tracker() *stack.Tracker {
	return r.tracker
}

// Registry exposes the heap registry.
func (r *Runtime) Registry() *registry.Registry {
	return r.reg
}

// Stats is a snapshot of runtime counters.
type Stats struct {
	Heap        registry.Stats
	Arena       arena.Stats
	ActiveScope int
	Violations  int64
	Stacks      int
}

// Stats returns current counters.
func (r *Runtime) Stats() Stats {
	return Stats{
		Heap:        r.reg.Stats(),
		Arena:       r.arena.Stats(),
		ActiveScope: r.tracker.Active(),
		Violations:  r.rep.Count(),
		Stacks:      r.depot.Len(),
	}
}

// Close tears the runtime down: the quarantine is drained and the arena
// unmapped. Pointers handed out become invalid.
func (r *Runtime) Close() error {
	r.enabled.Store(false)
	r.reg.Drain()
	err := r.arena.Close()
	if r.logFile != nil {
		if cerr := r.logFile.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
