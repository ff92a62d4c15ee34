// build.go implements the 'memsafe build' command.
package main

import (
	"context"
	"fmt"
	"go/build"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kolkov/memsafe/cmd/memsafe/instrument"
	rtlink "github.com/kolkov/memsafe/cmd/memsafe/runtime"
)

// buildConfig holds configuration for the build, run and instrument
// commands.
type buildConfig struct {
	// Source files or package directories to instrument. The first one is
	// the package that is built.
	sources []string

	// Output binary name (from -o flag)
	outputFile string

	// Additional go build flags
	buildFlags []string

	// Working directory for build
	workDir string

	// Verbose output flag (-v)
	verbose bool

	passes      []string
	opts        instrument.Options
	runtimeOpts string // MEMSAFE_OPTIONS baked into the binary

	stdout io.Writer
	stderr io.Writer
}

// goBuildFlags are the go build flags memsafe passes through.
type goBuildFlags struct {
	tags     string
	ldflags  string
	gcflags  string
	mod      string
	trimpath bool
	race     bool
	extra    []string
}

func (f *goBuildFlags) register(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.StringVar(&f.tags, "tags", "", "go build -tags")
	fs.StringVar(&f.ldflags, "ldflags", "", "go build -ldflags")
	fs.StringVar(&f.gcflags, "gcflags", "", "go build -gcflags")
	fs.StringVar(&f.mod, "mod", "", "go build -mod (readonly, vendor)")
	fs.BoolVar(&f.trimpath, "trimpath", false, "go build -trimpath")
	fs.BoolVar(&f.race, "race", false, "also enable the Go race detector (requires cgo)")
	fs.StringArrayVar(&f.extra, "build-flag", nil, "pass `flag` to go build unchanged (repeatable)")
}

func (f *goBuildFlags) args() []string {
	var args []string
	if f.tags != "" {
		args = append(args, "-tags="+f.tags)
	}
	if f.ldflags != "" {
		args = append(args, "-ldflags="+f.ldflags)
	}
	if f.gcflags != "" {
		args = append(args, "-gcflags="+f.gcflags)
	}
	if f.trimpath {
		args = append(args, "-trimpath")
	}
	if f.race {
		args = append(args, "-race")
	}
	return append(args, f.extra...)
}

// newBuildConfig combines the shared flags with the command's arguments.
func newBuildConfig(g *globalFlags, sources []string, bf *goBuildFlags) (*buildConfig, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("failed to get working directory: %w", err)
	}
	opts, err := g.instrumentOptions()
	if err != nil {
		return nil, err
	}
	runtimeOpts, err := g.runtimeOptions()
	if err != nil {
		return nil, err
	}
	if len(sources) == 0 {
		sources = []string{"."}
	}
	cfg := &buildConfig{
		sources:     sources,
		workDir:     cwd,
		verbose:     g.verbose,
		passes:      g.passes,
		opts:        opts,
		runtimeOpts: runtimeOpts,
		stdout:      os.Stdout,
		stderr:      os.Stderr,
	}
	if bf != nil {
		if bf.mod != "" && bf.mod != "mod" {
			return nil, fmt.Errorf("-mod=%s is not supported: memsafe adds its runtime to a temporary go.mod", bf.mod)
		}
		cfg.buildFlags = bf.args()
	}
	return cfg, nil
}

// newBuildCommand creates the 'memsafe build' command.
//
// It instruments the named package and builds it with the runtime linked
// in, as a drop-in replacement for 'go build'.
//
// Flow:
//  1. Check the go toolchain and locate the runtime
//  2. Instrument the package's source files concurrently
//  3. Write an alternate go.mod and a build overlay
//  4. Call 'go build' with both
//  5. Cleanup temporary files
func newBuildCommand(g *globalFlags) *cobra.Command {
	var (
		output string
		bf     goBuildFlags
	)
	cmd := &cobra.Command{
		Use:   "build [flags] [files|dirs]",
		Short: "Build a program with memory-safety checks",
		Example: `  memsafe build -o app .
  memsafe build -o app main.go util.go
  memsafe build --redzone 64 --strict -o app ./cmd/app ./internal/buf`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := newBuildConfig(g, args, &bf)
			if err != nil {
				return err
			}
			cfg.outputFile = output
			cfg.stdout, cfg.stderr = cmd.OutOrStdout(), cmd.ErrOrStderr()
			if err := runBuild(cmd.Context(), cfg); err != nil {
				return err
			}
			if cfg.outputFile != "" {
				fmt.Fprintf(cfg.stdout, "Built successfully: %s\n", cfg.outputFile)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "output binary")
	bf.register(cmd)
	return cmd
}

// runBuild instruments cfg.sources and builds the result.
func runBuild(ctx context.Context, cfg *buildConfig) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := rtlink.CheckToolchain(ctx); err != nil {
		return err
	}
	rt, err := rtlink.Locate()
	if err != nil {
		return err
	}

	pkgs, err := collectPackages(cfg.sources, cfg.workDir)
	if err != nil {
		return fmt.Errorf("failed to collect source files: %w", err)
	}

	ws, err := createWorkspace()
	if err != nil {
		return err
	}
	defer ws.cleanup()

	results, err := instrumentPackages(ctx, cfg, pkgs)
	if err != nil {
		return fmt.Errorf("error instrumenting sources: %w", err)
	}
	if err := ws.link(pkgs, results, rt); err != nil {
		return fmt.Errorf("error setting up runtime: %w", err)
	}
	if err := ws.build(ctx, cfg); err != nil {
		return fmt.Errorf("build failed: %w", err)
	}
	return nil
}

// pkgSources is one package directory and the files of it to instrument.
type pkgSources struct {
	dir   string
	files []string // absolute paths

	// whole is set when the directory itself was named, so files added
	// later belong to the package too.
	whole bool
}

// collectPackages resolves sources (files or directories) into packages.
// Directories contribute the non-test files that match the build
// context; files are grouped by directory in argument order.
func collectPackages(sources []string, workDir string) ([]*pkgSources, error) {
	var pkgs []*pkgSources
	byDir := map[string]*pkgSources{}

	for _, src := range sources {
		path := src
		if !filepath.IsAbs(path) {
			path = filepath.Join(workDir, src)
		}
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("cannot access %s: %w", src, err)
		}

		dir := path
		if !info.IsDir() {
			if !strings.HasSuffix(path, ".go") {
				return nil, fmt.Errorf("%s is not a Go source file", src)
			}
			dir = filepath.Dir(path)
		}
		pkg := byDir[dir]
		if pkg == nil {
			pkg = &pkgSources{dir: dir}
			byDir[dir] = pkg
			pkgs = append(pkgs, pkg)
		}

		if !info.IsDir() {
			pkg.files = appendUnique(pkg.files, path)
			continue
		}
		pkg.whole = true
		files, err := packageFiles(dir)
		if err != nil {
			return nil, err
		}
		for _, f := range files {
			pkg.files = appendUnique(pkg.files, f)
		}
	}

	for _, pkg := range pkgs {
		if len(pkg.files) == 0 {
			return nil, fmt.Errorf("no Go source files in %s", pkg.dir)
		}
	}
	if len(pkgs) == 0 {
		return nil, fmt.Errorf("no Go source files found")
	}
	return pkgs, nil
}

// packageFiles lists the buildable non-test .go files of dir.
func packageFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot read directory %s: %w", dir, err)
	}
	var files []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".go") || strings.HasSuffix(name, "_test.go") {
			continue
		}
		if ok, err := build.Default.MatchFile(dir, name); err != nil || !ok {
			continue
		}
		files = append(files, filepath.Join(dir, name))
	}
	return files, nil
}

func appendUnique(list []string, s string) []string {
	for _, x := range list {
		if x == s {
			return list
		}
	}
	return append(list, s)
}

// instrumentPackage runs the configured passes over one package.
func instrumentPackage(cfg *buildConfig, pkg *pkgSources) ([]*instrument.InstrumentResult, error) {
	srcs := make([]instrument.Source, len(pkg.files))
	for i, f := range pkg.files {
		b, err := os.ReadFile(f)
		if err != nil {
			return nil, err
		}
		srcs[i] = instrument.Source{Name: f, Src: b}
	}
	return instrument.RunPasses(cfg.passes, srcs, cfg.opts)
}

// instrumentPackages instruments every package concurrently. Results are
// indexed like pkgs and reported in that order.
func instrumentPackages(ctx context.Context, cfg *buildConfig, pkgs []*pkgSources) ([][]*instrument.InstrumentResult, error) {
	results := make([][]*instrument.InstrumentResult, len(pkgs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, pkg := range pkgs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			res, err := instrumentPackage(cfg, pkg)
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for _, res := range results {
		for _, r := range res {
			printResult(cfg, r)
		}
	}
	return results, nil
}

// printResult reports one instrumented file, with statistics when verbose.
func printResult(cfg *buildConfig, r *instrument.InstrumentResult) {
	name := r.Name
	if rel, err := filepath.Rel(cfg.workDir, name); err == nil && !strings.HasPrefix(rel, "..") {
		name = rel
	}
	if r.AlreadyInstrumented {
		fmt.Fprintf(cfg.stderr, "Already instrumented: %s\n", name)
		return
	}
	if !cfg.verbose {
		return
	}
	s := r.Stats
	fmt.Fprintf(cfg.stderr, "%s: %d reads, %d writes checked (%d coalesced), %s, %s in %s\n",
		name, s.ReadsInstrumented, s.WritesInstrumented, s.ChecksCoalesced,
		plural(s.AllocSitesRewritten, "alloc site"), plural(s.LocalsTracked, "local"), plural(s.FramesInserted, "frame"))
	for _, skip := range s.Skipped {
		fmt.Fprintf(cfg.stderr, "  skipped %s:%d:%d: %s\n", filepath.Base(skip.File), skip.Line, skip.Column, skip.Message)
	}
}

func plural(n int, what string) string {
	if n == 1 {
		return "1 " + what
	}
	return strconv.Itoa(n) + " " + what + "s"
}

// workspace represents a temporary workspace for instrumented code.
type workspace struct {
	// Root directory of workspace
	dir string

	// srcDir holds the instrumented package when the sources are not in
	// a module.
	srcDir string

	modFile  *rtlink.ModFile
	overlay  string   // build overlay, empty in standalone mode
	buildDir string   // where go build runs
	targets  []string // what go build builds
}

// createWorkspace creates a temporary workspace for building instrumented code.
func createWorkspace() (*workspace, error) {
	dir, err := os.MkdirTemp("", "memsafe-build-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp directory: %w", err)
	}
	srcDir := filepath.Join(dir, "src")
	if err := os.MkdirAll(srcDir, 0o755); err != nil {
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("failed to create src directory: %w", err)
	}
	return &workspace{dir: dir, srcDir: srcDir}, nil
}

// cleanup removes the temporary workspace.
func (w *workspace) cleanup() {
	if w.dir != "" {
		_ = os.RemoveAll(w.dir) // best effort
	}
}

// link writes the instrumented files and the alternate go.mod. Inside a
// module the files are substituted with a build overlay, so the rest of
// the module builds unchanged. Outside one, the package is copied into a
// generated module.
func (w *workspace) link(pkgs []*pkgSources, results [][]*instrument.InstrumentResult, rt rtlink.Runtime) error {
	mf, err := rtlink.WriteModFile(w.dir, pkgs[0].dir, rt)
	if err != nil {
		return err
	}
	w.modFile = mf

	if mf.ModuleDir == "" {
		if len(pkgs) > 1 {
			return fmt.Errorf("sources outside a module must be in one directory")
		}
		for _, r := range results[0] {
			if err := os.WriteFile(filepath.Join(w.srcDir, filepath.Base(r.Name)), []byte(r.Code), 0o644); err != nil {
				return fmt.Errorf("failed to write instrumented file: %w", err)
			}
		}
		w.buildDir = w.srcDir
		w.targets = []string{"."}
		return nil
	}

	replace := map[string]string{}
	for i, res := range results {
		dir := filepath.Join(w.dir, "overlay", strconv.Itoa(i))
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
		for _, r := range res {
			out := filepath.Join(dir, filepath.Base(r.Name))
			if err := os.WriteFile(out, []byte(r.Code), 0o644); err != nil {
				return fmt.Errorf("failed to write instrumented file %s: %w", out, err)
			}
			replace[r.Name] = out
		}
	}
	w.overlay = filepath.Join(w.dir, "overlay.json")
	if err := rtlink.WriteOverlay(w.overlay, replace); err != nil {
		return err
	}

	target := pkgs[0]
	w.buildDir = target.dir
	if target.whole {
		w.targets = []string{target.dir}
	} else {
		w.targets = target.files
	}
	return nil
}

// build runs 'go build' on the instrumented code.
func (w *workspace) build(ctx context.Context, cfg *buildConfig) error {
	var out []string
	if cfg.outputFile != "" {
		o := cfg.outputFile
		if !filepath.IsAbs(o) {
			o = filepath.Join(cfg.workDir, o)
		}
		out = []string{"-o", o}
	}
	return w.goCommand(ctx, cfg, "build", out, nil).Run()
}

// goCommand prepares 'go verb' over w.targets with the linking flags.
// pre goes before the flags, post after the targets.
func (w *workspace) goCommand(ctx context.Context, cfg *buildConfig, verb string, pre, post []string) *exec.Cmd {
	args := append([]string{verb}, pre...)
	args = append(args, rtlink.BuildFlags(cfg.buildFlags, w.modFile.Path, w.overlay, cfg.runtimeOpts)...)
	args = append(args, w.targets...)
	args = append(args, post...)

	cmd := exec.CommandContext(ctx, "go", args...)
	cmd.Dir = w.buildDir
	cmd.Stdout = cfg.stdout
	cmd.Stderr = cfg.stderr
	if cfg.verbose {
		fmt.Fprintf(cfg.stderr, "go %s\n", strings.Join(args, " "))
	}
	return cmd
}
