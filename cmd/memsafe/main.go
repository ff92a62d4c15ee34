// Package main implements the memsafe CLI tool.
//
// memsafe builds Go programs with memory-safety checking. It works by:
//
//  1. Parsing the package's Go source files using go/ast
//  2. Routing pointer dereferences, indexing and cgo allocation calls
//     through the memsafe runtime
//  3. Linking the runtime through an alternate go.mod
//  4. Building or running the instrumented code
//
// Usage:
//
//	memsafe build -o app .          # Build with memory-safety checks
//	memsafe run main.go -- args     # Run with memory-safety checks
//	memsafe test ./...              # Test with memory-safety checks
//	memsafe instrument -o out .     # Write instrumented sources
//
// A detected violation prints an "Illegal memory access" report and exits
// with a status identifying its kind (66-71).
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kolkov/memsafe/cmd/memsafe/instrument"
	"github.com/kolkov/memsafe/internal/memsafe/config"
)

// globalFlags are shared by every command that instruments code.
type globalFlags struct {
	verbose bool
	passes  []string
	allocs  []string
	frees   []string

	// Runtime options baked into built binaries.
	redzone         uint
	quarantineCount int
	quarantineBytes uint64
	poisonByte      uint8
	mallocContext   bool
	reportLeaks     bool
	strict          bool
	logPath         string
	verbosity       int
}

func newRootCommand() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:   "memsafe",
		Short: "Build and run Go programs with memory-safety checking",
		Long: `memsafe instruments Go source so that every pointer dereference, index
and C allocation is checked by a runtime monitor. Heap blocks get redzones
and a quarantine; local arrays are tracked per stack frame. The first
out-of-bounds access, use after free, double free or invalid free stops
the program with an "Illegal memory access" report.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	d := config.Default()
	pf := root.PersistentFlags()
	pf.BoolVarP(&g.verbose, "verbose", "v", false, "print instrumentation statistics per file")
	pf.StringSliceVar(&g.passes, "passes", []string{instrument.MemorySafety}, "instrumentation passes to run, in order")
	pf.StringArrayVar(&g.allocs, "alloc", nil, "treat `name[=kind]` as an allocation function (kind: malloc, calloc, realloc)")
	pf.StringArrayVar(&g.frees, "free", nil, "treat `name` as a deallocation function")
	pf.UintVar(&g.redzone, "redzone", uint(d.Redzone), "guard bytes on each side of a heap block")
	pf.IntVar(&g.quarantineCount, "quarantine-count", d.QuarantineCount, "freed blocks kept before reuse (0 = unbounded)")
	pf.Uint64Var(&g.quarantineBytes, "quarantine-bytes", uint64(d.QuarantineBytes), "freed bytes kept before reuse (0 = unbounded)")
	pf.Uint8Var(&g.poisonByte, "poison-byte", d.PoisonByte, "fill byte for freed memory")
	pf.BoolVar(&g.mallocContext, "malloc-context", d.MallocContext, "record allocation and free stacks")
	pf.BoolVar(&g.reportLeaks, "report-leaks", d.ReportLeaks, "report blocks still live at exit")
	pf.BoolVar(&g.strict, "strict", d.Strict, "abort on accesses to untracked memory")
	pf.StringVar(&g.logPath, "log-path", d.LogPath, "write reports to this file instead of stderr")
	pf.IntVar(&g.verbosity, "verbosity", d.Verbosity, "runtime verbosity (1 prints a summary at exit)")

	root.AddCommand(
		newBuildCommand(g),
		newRunCommand(g),
		newTestCommand(g),
		newInstrumentCommand(g),
		newVersionCommand(),
	)
	return root
}

// runtimeOptions renders the runtime flags in MEMSAFE_OPTIONS syntax.
func (g *globalFlags) runtimeOptions() (string, error) {
	o := config.Options{
		Redzone:         uintptr(g.redzone),
		QuarantineCount: g.quarantineCount,
		QuarantineBytes: uintptr(g.quarantineBytes),
		PoisonByte:      g.poisonByte,
		MallocContext:   g.mallocContext,
		ReportLeaks:     g.reportLeaks,
		Strict:          g.strict,
		LogPath:         g.logPath,
		Verbosity:       g.verbosity,
	}
	if err := o.Validate(); err != nil {
		return "", err
	}
	return o.String(), nil
}

// instrumentOptions builds the pass options from --alloc and --free.
func (g *globalFlags) instrumentOptions() (instrument.Options, error) {
	tbl := instrument.DefaultAllocTable()
	for _, a := range g.allocs {
		if err := tbl.Add(a, instrument.AllocMalloc); err != nil {
			return instrument.Options{}, err
		}
	}
	for _, f := range g.frees {
		if err := tbl.Add(f, instrument.AllocFree); err != nil {
			return instrument.Options{}, err
		}
	}
	return instrument.Options{Allocs: tbl}, nil
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		var exit exitError
		if errors.As(err, &exit) {
			os.Exit(int(exit))
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
