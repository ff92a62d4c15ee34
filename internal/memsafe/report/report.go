// Package report formats memory-safety violations and terminates the
// monitored process.
//
// Every violation is fatal. The report is written in one piece under a
// mutex, then the exit function runs with the exit code of the violation
// kind. Exit codes are stable and documented on the Exit* constants so that
// harnesses can tell violation kinds apart without parsing text.
package report

import (
	"fmt"
	"io"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/kolkov/memsafe/internal/memsafe/checker"
	"github.com/kolkov/memsafe/internal/memsafe/stackdepot"
)

// Banner is the first and last line of every report.
const Banner = "=================================================================="

// Headline is the fixed text every violation report starts with.
const Headline = "Illegal memory access"

// Exit codes, one per violation kind.
const (
	ExitHeapOutOfBounds  = 66
	ExitStackOutOfBounds = 67
	ExitUseAfterFree     = 68
	ExitDoubleFree       = 69
	ExitInvalidFree      = 70
	ExitUnknown          = 71
)

// ExitCode returns the process exit status for a verdict. Valid maps to 0.
func ExitCode(v checker.Verdict) int {
	switch v {
	case checker.Valid:
		return 0
	case checker.HeapOutOfBounds:
		return ExitHeapOutOfBounds
	case checker.StackOutOfBounds:
		return ExitStackOutOfBounds
	case checker.UseAfterFree:
		return ExitUseAfterFree
	case checker.DoubleFree:
		return ExitDoubleFree
	case checker.InvalidFree:
		return ExitInvalidFree
	}
	return ExitUnknown
}

// AccessType is the operation that triggered a report.
type AccessType int

const (
	Read AccessType = iota
	Write
	Free
	Alloc
)

func (a AccessType) String() string {
	switch a {
	case Read:
		return "READ"
	case Write:
		return "WRITE"
	case Free:
		return "FREE"
	case Alloc:
		return "ALLOC"
	}
	return "ACCESS"
}

const maxStackDepth = 32

// CaptureStack returns the program counters of the caller, skipping skip
// additional frames.
func CaptureStack(skip int) []uintptr {
	pcs := make([]uintptr, maxStackDepth)
	n := runtime.Callers(2+skip, pcs)
	return pcs[:n]
}

// Violation is one detected error.
type Violation struct {
	Verdict checker.Verdict
	Access  AccessType
	Addr    uintptr
	Width   uintptr

	// Region is the tracked region that claimed Addr, valid when Found.
	Region checker.Region
	Found  bool

	Stack  []uintptr // where it happened
	Detail string    // extra line for internal inconsistencies
}

// Format writes the report for v, resolving stack ids through depot.
func (v *Violation) Format(w io.Writer, depot *stackdepot.Depot) {
	fmt.Fprintln(w, Banner)
	fmt.Fprintf(w, "ERROR: memsafe: %s: %s on address 0x%016x\n", Headline, v.Verdict, v.Addr)

	switch v.Access {
	case Free:
		fmt.Fprintf(w, "%s of address 0x%016x\n", v.Access, v.Addr)
	case Alloc:
		fmt.Fprintf(w, "%s at 0x%016x\n", v.Access, v.Addr)
	default:
		fmt.Fprintf(w, "%s of size %d at 0x%016x\n", v.Access, v.Width, v.Addr)
	}
	fmt.Fprint(w, stackdepot.FormatPCs(v.Stack))

	if v.Detail != "" {
		fmt.Fprintf(w, "%s\n", v.Detail)
	}

	if v.Found {
		fmt.Fprintf(w, "\n%s\n", describe(v.Addr, v.Region))
		if v.Region.Kind == checker.Heap && depot != nil {
			if v.Region.FreeSite != 0 {
				fmt.Fprintf(w, "\nfreed by:\n%s", depot.Get(v.Region.FreeSite).Format())
			}
			if v.Region.AllocSite != 0 {
				fmt.Fprintf(w, "\nallocated by:\n%s", depot.Get(v.Region.AllocSite).Format())
			}
		}
	}

	fmt.Fprintf(w, "\nSUMMARY: memsafe: %s%s\n", v.Verdict, summaryFrame(v.Stack))
	fmt.Fprintln(w, Banner)
}

// String renders the report without allocation stacks.
func (v *Violation) String() string {
	var buf strings.Builder
	v.Format(&buf, nil)
	return buf.String()
}

func describe(addr uintptr, r checker.Region) string {
	var where string
	switch off := r.Offset(addr); {
	case off < 0:
		where = fmt.Sprintf("%d bytes before", -off)
	case addr >= r.Base+r.Size:
		where = fmt.Sprintf("%d bytes after", off)
	default:
		where = fmt.Sprintf("%d bytes inside", addr-r.Base)
	}

	span := fmt.Sprintf("[0x%016x, 0x%016x)", r.Base, r.Base+r.Size)
	if r.Kind == checker.Stack {
		return fmt.Sprintf("0x%016x is located %s %d-byte stack buffer %s of %s (frame %s)",
			addr, where, r.Size, span, r.Func, r.Epoch)
	}
	state := "region"
	if r.Freed {
		state = "freed region"
	}
	return fmt.Sprintf("0x%016x is located %s %d-byte %s %s", addr, where, r.Size, state, span)
}

func summaryFrame(pcs []uintptr) string {
	frames := runtime.CallersFrames(pcs)
	for {
		f, more := frames.Next()
		if f.Function != "" && !stackdepot.Hidden(f.Function) {
			return fmt.Sprintf(" %s:%d in %s", f.File, f.Line, f.Function)
		}
		if !more {
			return ""
		}
	}
}

// Reporter writes violations and ends the process.
type Reporter struct {
	mu    sync.Mutex
	w     io.Writer
	depot *stackdepot.Depot
	exit  func(int)
	count atomic.Int64
}

// New returns a reporter writing to w. exit is called with the violation's
// exit code after the report is written; in production it is os.Exit.
func New(w io.Writer, depot *stackdepot.Depot, exit func(int)) *Reporter {
	return &Reporter{w: w, depot: depot, exit: exit}
}

// Report writes v and calls the exit function. Only the first violation is
// written; later ones, which can only arrive when the exit function returns,
// are counted and exit silently. Report only returns if the exit function
// does.
func (r *Reporter) Report(v *Violation) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.count.Add(1) == 1 {
		v.Format(r.w, r.depot)
		if s, ok := r.w.(interface{ Sync() error }); ok {
			_ = s.Sync()
		}
	}
	r.exit(ExitCode(v.Verdict))
}

// Count returns how many violations were reported.
func (r *Reporter) Count() int64 {
	return r.count.Load()
}

// Writer returns the destination of reports.
func (r *Reporter) Writer() io.Writer {
	return r.w
}
