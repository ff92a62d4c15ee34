package rt

import (
	"fmt"
	"io"
	"sort"

	"github.com/kolkov/memsafe/internal/memsafe/registry"
	"github.com/kolkov/memsafe/internal/memsafe/report"
)

// maxLeaksListed caps the per-block lines of a leak report.
const maxLeaksListed = 20

// Cleanup ends monitoring at program exit. It reports blocks still live when
// report_leaks is on, prints a summary at verbosity >= 1, and never changes
// the exit status. Only the first call does anything.
func (r *Runtime) Cleanup() {
	r.cleanOnce.Do(func() {
		r.enabled.Store(false)
		w := r.rep.Writer()

		if r.opts.ReportLeaks {
			r.reportLeaks(w)
		}
		if r.opts.Verbosity >= 1 {
			r.printSummary(w)
		}
	})
}

func (r *Runtime) reportLeaks(w io.Writer) {
	leaks := r.reg.Live()
	if len(leaks) == 0 {
		return
	}
	sort.Slice(leaks, func(i, j int) bool { return leaks[i].Born < leaks[j].Born })

	var total uintptr
	for _, rec := range leaks {
		total += rec.Size
	}

	fmt.Fprintln(w, report.Banner)
	fmt.Fprintln(w, "memsafe: detected memory leaks")
	for i, rec := range leaks {
		if i == maxLeaksListed {
			fmt.Fprintf(w, "\n... %d more block(s) not shown\n", len(leaks)-i)
			break
		}
		fmt.Fprintf(w, "\nLeak of %d byte(s) at 0x%016x allocated by:\n", rec.Size, rec.Base)
		fmt.Fprint(w, r.depot.Get(rec.Site).Format())
	}
	fmt.Fprintf(w, "\nSUMMARY: memsafe: %d byte(s) leaked in %d allocation(s).\n", total, len(leaks))
	fmt.Fprintln(w, report.Banner)
}

func (r *Runtime) printSummary(w io.Writer) {
	st := r.Stats()
	fmt.Fprintln(w, report.Banner)
	fmt.Fprintln(w, "memsafe summary")
	fmt.Fprintf(w, "  allocations:   %d\n", st.Heap.Registered)
	fmt.Fprintf(w, "  live:          %d block(s), %d byte(s)\n", st.Heap.LiveCount, st.Heap.LiveBytes)
	fmt.Fprintf(w, "  quarantined:   %d block(s), %d byte(s)\n", st.Heap.QuarantinedCount, st.Heap.QuarantinedBytes)
	fmt.Fprintf(w, "  evicted:       %d\n", st.Heap.Evicted)
	fmt.Fprintf(w, "  arena mapped:  %d byte(s)\n", st.Arena.Mapped)
	fmt.Fprintf(w, "  stack scopes:  %d active\n", st.ActiveScope)
	fmt.Fprintf(w, "  violations:    %d\n", st.Violations)
	fmt.Fprintln(w, report.Banner)
}

// Leaks returns the blocks still live, oldest first.
func (r *Runtime) Leaks() []*registry.Record {
	leaks := r.reg.Live()
	sort.Slice(leaks, func(i, j int) bool { return leaks[i].Born < leaks[j].Born })
	return leaks
}
