package runtime

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"runtime/debug"
	"strings"
	"testing"

	"golang.org/x/mod/modfile"
)

func readModFile(t *testing.T, path string) *modfile.File {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	f, err := modfile.Parse(path, data, nil)
	if err != nil {
		t.Fatalf("generated go.mod does not parse: %v\n%s", err, data)
	}
	return f
}

func replacement(f *modfile.File, path string) (string, bool) {
	for _, r := range f.Replace {
		if r.Old.Path == path {
			return r.New.Path, true
		}
	}
	return "", false
}

// TestWriteModFile_Module tests extending the user's go.mod.
func TestWriteModFile_Module(t *testing.T) {
	proj := t.TempDir()
	src := filepath.Join(proj, "cmd", "app")
	if err := os.MkdirAll(src, 0o755); err != nil {
		t.Fatal(err)
	}
	gomod := `module example.com/app

go 1.20

require example.com/dep v1.2.0

replace example.com/dep => ../dep

replace example.com/other => example.com/fork v1.0.0
`
	if err := os.WriteFile(filepath.Join(proj, "go.mod"), []byte(gomod), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(proj, "go.sum"), []byte("example.com/dep v1.2.0 h1:x\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	out := t.TempDir()
	mf, err := WriteModFile(out, src, Runtime{Dir: "/opt/memsafe"})
	if err != nil {
		t.Fatalf("WriteModFile() error: %v", err)
	}
	if mf.ModuleDir != proj {
		t.Errorf("ModuleDir = %s, want %s", mf.ModuleDir, proj)
	}

	f := readModFile(t, mf.Path)
	if f.Module.Mod.Path != "example.com/app" {
		t.Errorf("module = %s", f.Module.Mod.Path)
	}
	if f.Go.Version != MinGoVersion {
		t.Errorf("go directive = %s, want %s", f.Go.Version, MinGoVersion)
	}

	var found bool
	for _, r := range f.Require {
		if r.Mod.Path == ModulePath {
			found = true
			if r.Mod.Version != develVersion {
				t.Errorf("runtime version = %s, want %s", r.Mod.Version, develVersion)
			}
		}
	}
	if !found {
		t.Errorf("runtime not required")
	}

	tests := []struct {
		path string
		want string
	}{
		{ModulePath, "/opt/memsafe"},
		{"example.com/dep", filepath.Join(filepath.Dir(proj), "dep")},
		{"example.com/other", "example.com/fork"},
	}
	for _, tt := range tests {
		got, ok := replacement(f, tt.path)
		if !ok || got != tt.want {
			t.Errorf("replace %s => %q, want %q", tt.path, got, tt.want)
		}
	}

	if sum, err := os.ReadFile(filepath.Join(out, "go.sum")); err != nil || !strings.Contains(string(sum), "example.com/dep") {
		t.Errorf("go.sum not copied: %v", err)
	}
}

// TestWriteModFile_Standalone tests sources outside any module.
func TestWriteModFile_Standalone(t *testing.T) {
	src := t.TempDir()
	if FindGoMod(src) != "" {
		t.Skip("temporary directory is inside a module")
	}
	out := t.TempDir()
	mf, err := WriteModFile(out, src, Runtime{Version: "v0.1.0"})
	if err != nil {
		t.Fatalf("WriteModFile() error: %v", err)
	}
	if mf.ModuleDir != "" {
		t.Errorf("ModuleDir = %q, want empty", mf.ModuleDir)
	}
	f := readModFile(t, mf.Path)
	if f.Module.Mod.Path != "instrumented" || f.Go == nil {
		t.Errorf("unexpected module %v", f.Module.Mod)
	}
	if len(f.Require) != 1 || f.Require[0].Mod.Version != "v0.1.0" || len(f.Replace) != 0 {
		t.Errorf("requires %v, replaces %v", f.Require, f.Replace)
	}

	if _, err := WriteModFile(t.TempDir(), src, Runtime{}); !errors.Is(err, ErrNoRuntime) {
		t.Errorf("empty runtime: got %v, want ErrNoRuntime", err)
	}
}

// TestWriteModFile_Self tests that memsafe's own module is left alone.
func TestWriteModFile_Self(t *testing.T) {
	proj := t.TempDir()
	if err := os.WriteFile(filepath.Join(proj, "go.mod"), []byte("module "+ModulePath+"\n\ngo 1.24.0\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	mf, err := WriteModFile(t.TempDir(), proj, Runtime{Dir: proj})
	if err != nil {
		t.Fatal(err)
	}
	f := readModFile(t, mf.Path)
	if len(f.Require) != 0 || len(f.Replace) != 0 || f.Go.Version != "1.24.0" {
		t.Errorf("self module changed: require %v, replace %v, go %s", f.Require, f.Replace, f.Go.Version)
	}
}

func TestIsLocalPath(t *testing.T) {
	tests := []struct {
		path string
		want bool
	}{
		{"./dep", true},
		{"../dep", true},
		{`..\dep`, true},
		{"/abs/dep", true},
		{`C:\dep`, true},
		{"example.com/dep", false},
		{"dep", false},
	}
	for _, tt := range tests {
		if got := IsLocalPath(tt.path); got != tt.want {
			t.Errorf("IsLocalPath(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}

func TestWriteOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "overlay.json")
	replace := map[string]string{"/src/main.go": "/tmp/x/main.go"}
	if err := WriteOverlay(path, replace); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var got map[string]map[string]string
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got["Replace"], replace) {
		t.Errorf("overlay = %s", data)
	}
}

// TestBuildFlags tests flag assembly and -ldflags merging.
func TestBuildFlags(t *testing.T) {
	x := "-X '" + OptionsSymbol + "=strict=1'"
	tests := []struct {
		name    string
		user    []string
		mod     string
		overlay string
		options string
		want    []string
	}{
		{
			name: "nothing",
		},
		{
			name:    "module build",
			mod:     "/tmp/w/go.mod",
			overlay: "/tmp/w/overlay.json",
			want:    []string{"-modfile=/tmp/w/go.mod", "-mod=mod", "-overlay=/tmp/w/overlay.json"},
		},
		{
			name:    "options only",
			options: "strict=1",
			want:    []string{"-ldflags=" + x},
		},
		{
			name:    "merged ldflags",
			user:    []string{"-tags=a", "-ldflags=-s -w", "-trimpath"},
			mod:     "/m",
			options: "strict=1",
			want:    []string{"-tags=a", "-trimpath", "-ldflags=-s -w " + x, "-modfile=/m", "-mod=mod"},
		},
		{
			name: "separate ldflags argument",
			user: []string{"-ldflags", "-s"},
			want: []string{"-ldflags=-s"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := BuildFlags(tt.user, tt.mod, tt.overlay, tt.options)
			if len(got) != len(tt.want) || (len(got) > 0 && !reflect.DeepEqual(got, tt.want)) {
				t.Errorf("BuildFlags() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFindGoMod(t *testing.T) {
	proj := t.TempDir()
	deep := filepath.Join(proj, "a", "b")
	if err := os.MkdirAll(deep, 0o755); err != nil {
		t.Fatal(err)
	}
	want := filepath.Join(proj, "go.mod")
	if err := os.WriteFile(want, []byte("module x\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if got := FindGoMod(deep); got != want {
		t.Errorf("FindGoMod() = %q, want %q", got, want)
	}
}

// TestLocate tests runtime discovery.
func TestLocate(t *testing.T) {
	t.Run("environment", func(t *testing.T) {
		root := t.TempDir()
		if err := os.MkdirAll(filepath.Join(root, runtimeMarker), 0o755); err != nil {
			t.Fatal(err)
		}
		t.Setenv(RootEnv, root)
		rt, err := Locate()
		if err != nil || rt.Dir != root {
			t.Errorf("Locate() = %+v, %v", rt, err)
		}
	})

	t.Run("environment without runtime", func(t *testing.T) {
		t.Setenv(RootEnv, t.TempDir())
		if _, err := Locate(); !errors.Is(err, ErrNoRuntime) {
			t.Errorf("got %v, want ErrNoRuntime", err)
		}
	})

	t.Run("working directory", func(t *testing.T) {
		t.Setenv(RootEnv, "")
		rt, err := Locate()
		if err != nil {
			t.Fatalf("Locate() from the source tree: %v", err)
		}
		if !isRuntimeRoot(rt.Dir) {
			t.Errorf("Locate() = %s, not a memsafe tree", rt.Dir)
		}
	})
}

func TestInstalled(t *testing.T) {
	tests := []struct {
		path, version string
		want          bool
	}{
		{ModulePath, "v0.1.0", true},
		{ModulePath, "(devel)", false},
		{"example.com/other", "v1.0.0", false},
	}
	for _, tt := range tests {
		bi := &debug.BuildInfo{Main: debug.Module{Path: tt.path, Version: tt.version}}
		if got := installed(bi); got != tt.want {
			t.Errorf("installed(%s@%s) = %v, want %v", tt.path, tt.version, got, tt.want)
		}
	}
}
