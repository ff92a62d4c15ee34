package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fsnotify/fsnotify"

	"github.com/kolkov/memsafe/cmd/memsafe/instrument"
	"github.com/kolkov/memsafe/internal/memsafe/config"
	"github.com/kolkov/memsafe/memsafe"
)

func TestVersionMatchesRuntime(t *testing.T) {
	if version != memsafe.Version {
		t.Errorf("driver version %s, runtime version %s", version, memsafe.Version)
	}
}

// execute runs the CLI with args and returns its combined output.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCommand()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

// TestRuntimeOptions tests rendering the runtime flags.
func TestRuntimeOptions(t *testing.T) {
	tests := []struct {
		name    string
		set     func(g *globalFlags)
		want    string
		wantErr bool
	}{
		{"defaults", func(*globalFlags) {}, "", false},
		{"strict", func(g *globalFlags) { g.strict = true }, "strict=1", false},
		{"several", func(g *globalFlags) {
			g.redzone = 64
			g.quarantineCount = 0
			g.reportLeaks = false
		}, "quarantine_count=0:redzone=64:report_leaks=0", false},
		{"poison", func(g *globalFlags) { g.poisonByte = 0xab }, "poison_byte=0xab", false},
		{"bad redzone", func(g *globalFlags) { g.redzone = 24 }, "", true},
		{"negative verbosity", func(g *globalFlags) { g.verbosity = -1 }, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := config.Default()
			g := &globalFlags{
				redzone:         uint(d.Redzone),
				quarantineCount: d.QuarantineCount,
				quarantineBytes: uint64(d.QuarantineBytes),
				poisonByte:      d.PoisonByte,
				mallocContext:   d.MallocContext,
				reportLeaks:     d.ReportLeaks,
			}
			tt.set(g)
			got, err := g.runtimeOptions()
			if tt.wantErr {
				if err == nil {
					t.Errorf("runtimeOptions() = %q, want error", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("runtimeOptions() error: %v", err)
			}
			if got != tt.want {
				t.Errorf("runtimeOptions() = %q, want %q", got, tt.want)
			}
			if _, err := config.Parse(got); err != nil {
				t.Errorf("rendered options do not parse: %v", err)
			}
		})
	}
}

func TestInstrumentOptions(t *testing.T) {
	g := &globalFlags{
		allocs: []string{"pool.Get", "arena.Zeroed=calloc"},
		frees:  []string{"pool.Put"},
	}
	opts, err := g.instrumentOptions()
	if err != nil {
		t.Fatalf("instrumentOptions() error: %v", err)
	}
	want := map[string]instrument.AllocKind{
		"C.malloc":     instrument.AllocMalloc,
		"pool.Get":     instrument.AllocMalloc,
		"arena.Zeroed": instrument.AllocCalloc,
		"pool.Put":     instrument.AllocFree,
	}
	for name, kind := range want {
		if got, ok := opts.Allocs[name]; !ok || got != kind {
			t.Errorf("Allocs[%s] = %v, want %v", name, got, kind)
		}
	}

	g.allocs = []string{"x=mmap"}
	if _, err := g.instrumentOptions(); err == nil {
		t.Error("unknown allocation kind accepted")
	}
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	for _, want := range []string{"memsafe version " + version, "go toolchain:", "runtime:"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

// TestInstrumentCommand tests writing instrumented sources.
func TestInstrumentCommand(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{
		"app/main.go": "package main\n\nfunc main() {\n\tvar a [4]int\n\ti := 4\n\ta[i] = 1\n}\n",
		"app/util.go": "package main\n\nfunc get(p *int) int { return *p }\n",
	})
	t.Chdir(dir)

	t.Run("stdout", func(t *testing.T) {
		out, err := execute(t, "instrument", "app/main.go")
		if err != nil {
			t.Fatalf("instrument: %v", err)
		}
		if !strings.Contains(out, instrument.Marker) || !strings.Contains(out, "memsafe.Local[[4]int](__msframe)") {
			t.Errorf("unexpected output:\n%s", out)
		}
	})

	t.Run("output directory", func(t *testing.T) {
		out, err := execute(t, "instrument", "-o", "out", "app")
		if err != nil {
			t.Fatalf("instrument: %v", err)
		}
		for _, name := range []string{"main.go", "util.go"} {
			data, err := os.ReadFile(filepath.Join(dir, "out", "app", name))
			if err != nil {
				t.Fatalf("missing output: %v", err)
			}
			if !strings.HasPrefix(string(data), instrument.GeneratedHeader) {
				t.Errorf("%s is not instrumented", name)
			}
			if !strings.Contains(out, "Instrumented: "+filepath.Join(dir, "app", name)) {
				t.Errorf("output does not mention %s:\n%s", name, out)
			}
		}
	})

	t.Run("output required", func(t *testing.T) {
		if _, err := execute(t, "instrument", "app"); err == nil || !strings.Contains(err.Error(), "-o is required") {
			t.Errorf("got %v, want -o is required", err)
		}
	})

	t.Run("unknown pass", func(t *testing.T) {
		if _, err := execute(t, "instrument", "--passes", "nope", "app/main.go"); err == nil {
			t.Error("unknown pass accepted")
		}
	})
}

func TestOutputDir(t *testing.T) {
	cfg := &buildConfig{workDir: filepath.FromSlash("/work")}
	tests := []struct {
		dir  string
		want string
	}{
		{"/work/cmd/app", "/out/cmd/app"},
		{"/work", "/out"},
		{"/elsewhere/lib", "/out/lib"},
	}
	for _, tt := range tests {
		got := outputDir(cfg, filepath.FromSlash("/out"), &pkgSources{dir: filepath.FromSlash(tt.dir)})
		if got != filepath.FromSlash(tt.want) {
			t.Errorf("outputDir(%s) = %s, want %s", tt.dir, got, tt.want)
		}
	}
}

// TestRelevant tests which file events trigger re-instrumentation.
func TestRelevant(t *testing.T) {
	whole := &pkgSources{dir: "/p", whole: true}
	picked := &pkgSources{dir: "/p", files: []string{"/p/a.go"}}

	tests := []struct {
		name string
		pkg  *pkgSources
		ev   fsnotify.Event
		want bool
	}{
		{"write", whole, fsnotify.Event{Name: "/p/b.go", Op: fsnotify.Write}, true},
		{"create", whole, fsnotify.Event{Name: "/p/new.go", Op: fsnotify.Create}, true},
		{"chmod", whole, fsnotify.Event{Name: "/p/b.go", Op: fsnotify.Chmod}, false},
		{"test file", whole, fsnotify.Event{Name: "/p/b_test.go", Op: fsnotify.Write}, false},
		{"editor swap file", whole, fsnotify.Event{Name: "/p/.b.go.swp", Op: fsnotify.Write}, false},
		{"named file", picked, fsnotify.Event{Name: "/p/a.go", Op: fsnotify.Write}, true},
		{"other file", picked, fsnotify.Event{Name: "/p/b.go", Op: fsnotify.Write}, false},
	}
	for _, tt := range tests {
		if got := relevant(tt.pkg, tt.ev); got != tt.want {
			t.Errorf("%s: relevant() = %v, want %v", tt.name, got, tt.want)
		}
	}
}

// TestReinstrument tests that a watched directory picks up new files.
func TestReinstrument(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{"p/a.go": "package p\n\nfunc A(p *int) int { return *p }\n"})
	cfg, out := testConfig(t, dir)

	pkgs, err := collectPackages([]string{"p"}, dir)
	if err != nil {
		t.Fatal(err)
	}
	writeFiles(t, dir, map[string]string{"p/b.go": "package p\n\nfunc B(p *int) { *p = 1 }\n"})

	outDir := filepath.Join(dir, "out")
	if err := reinstrument(cfg, outDir, pkgs[0]); err != nil {
		t.Fatalf("reinstrument() error: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(outDir, "p", "b.go"))
	if err != nil {
		t.Fatalf("new file not instrumented: %v", err)
	}
	if !strings.Contains(string(data), "memsafe.Deref(p, true)") {
		t.Errorf("unexpected output:\n%s", data)
	}
	if !strings.Contains(out.String(), "Instrumented: ") {
		t.Errorf("no progress output: %q", out.String())
	}
}
