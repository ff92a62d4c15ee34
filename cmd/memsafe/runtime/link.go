// Package runtime links instrumented code against the memsafe runtime.
//
// Instrumented files import github.com/kolkov/memsafe/memsafe. The user's
// module does not require it, so the driver builds with an alternate
// go.mod (-modfile) that adds the requirement, and replaces the module with
// the local checkout when memsafe runs from source. Replace directives of
// the user's go.mod are kept, with relative paths made absolute because the
// alternate file lives in a temporary directory.
package runtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"

	"golang.org/x/mod/modfile"
	"golang.org/x/mod/module"
)

const (
	// ModulePath is the module providing the runtime.
	ModulePath = "github.com/kolkov/memsafe"

	// OptionsSymbol is the variable the driver sets with -X to bake
	// runtime options into a binary.
	OptionsSymbol = ModulePath + "/internal/memsafe/api.LinkedOptions"

	// RootEnv overrides the location of the memsafe source tree.
	RootEnv = "MEMSAFE_ROOT"

	// develVersion is required when the runtime is replaced by a local tree.
	develVersion = "v0.0.0-00010101000000-000000000000"
)

// runtimeMarker is a directory only the memsafe tree has.
var runtimeMarker = filepath.Join("internal", "memsafe", "api")

// ErrNoRuntime is returned when neither a source tree nor a published
// version of the runtime can be located.
var ErrNoRuntime = errors.New("memsafe runtime not found")

// Runtime says where instrumented code gets the runtime from: a local
// tree (Dir) or a published version.
type Runtime struct {
	Dir     string
	Version string
}

// Locate finds the runtime: $MEMSAFE_ROOT, then a memsafe tree above the
// working directory or the executable, then the version the driver itself
// was installed at.
func Locate() (Runtime, error) {
	if dir := os.Getenv(RootEnv); dir != "" {
		if !isRuntimeRoot(dir) {
			return Runtime{}, fmt.Errorf("%w: %s=%s has no %s", ErrNoRuntime, RootEnv, dir, runtimeMarker)
		}
		return Runtime{Dir: dir}, nil
	}
	if dir, err := FindProjectRoot(); err == nil {
		return Runtime{Dir: dir}, nil
	}
	if bi, ok := debug.ReadBuildInfo(); ok && installed(bi) {
		return Runtime{Version: bi.Main.Version}, nil
	}
	return Runtime{}, fmt.Errorf("%w: set %s to a memsafe checkout", ErrNoRuntime, RootEnv)
}

// installed reports a driver built by go install at a module version.
func installed(bi *debug.BuildInfo) bool {
	return bi.Main.Path == ModulePath && module.Check(ModulePath, bi.Main.Version) == nil
}

func isRuntimeRoot(dir string) bool {
	info, err := os.Stat(filepath.Join(dir, runtimeMarker))
	return err == nil && info.IsDir()
}

// FindProjectRoot walks up from the working directory, then looks next to
// the executable, for a memsafe source tree. A plain go.mod is not enough:
// it would match the user's project.
func FindProjectRoot() (string, error) {
	if cwd, err := os.Getwd(); err == nil {
		for dir := cwd; ; {
			if isRuntimeRoot(dir) {
				return dir, nil
			}
			parent := filepath.Dir(dir)
			if parent == dir {
				break
			}
			dir = parent
		}
	}

	if exe, err := os.Executable(); err == nil {
		exeDir := filepath.Dir(exe)
		for _, dir := range []string{exeDir, filepath.Dir(exeDir), filepath.Dir(filepath.Dir(exeDir))} {
			if isRuntimeRoot(dir) {
				return dir, nil
			}
		}
	}
	return "", fmt.Errorf("could not find memsafe project root")
}

// FindGoMod returns the go.mod governing startDir, or "".
func FindGoMod(startDir string) string {
	for dir := startDir; ; {
		p := filepath.Join(dir, "go.mod")
		if _, err := os.Stat(p); err == nil {
			return p
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// ModFile is an alternate go.mod written for a build.
type ModFile struct {
	// Path of the written file.
	Path string

	// ModuleDir is the directory of the user's go.mod, empty when the
	// sources are not in a module and a standalone module was generated.
	ModuleDir string
}

// WriteModFile writes dir/go.mod for building the package in sourceDir
// with the runtime rt. The user's go.sum is copied alongside.
func WriteModFile(dir, sourceDir string, rt Runtime) (*ModFile, error) {
	var (
		f         *modfile.File
		moduleDir string
	)
	if orig := FindGoMod(sourceDir); orig != "" {
		data, err := os.ReadFile(orig)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", orig, err)
		}
		f, err = modfile.Parse(orig, data, nil)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", orig, err)
		}
		moduleDir = filepath.Dir(orig)
		if err := absReplaces(f, moduleDir); err != nil {
			return nil, err
		}
		if err := copyFile(filepath.Join(moduleDir, "go.sum"), filepath.Join(dir, "go.sum")); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	} else {
		f = &modfile.File{Syntax: new(modfile.FileSyntax)}
		if err := f.AddModuleStmt("instrumented"); err != nil {
			return nil, err
		}
	}

	// memsafe's own packages already have the runtime.
	if f.Module == nil || f.Module.Mod.Path != ModulePath {
		if err := addRuntime(f, rt); err != nil {
			return nil, err
		}
	}
	if err := RaiseGoDirective(f); err != nil {
		return nil, err
	}

	f.Cleanup()
	out, err := f.Format()
	if err != nil {
		return nil, fmt.Errorf("format go.mod: %w", err)
	}
	path := filepath.Join(dir, "go.mod")
	if err := os.WriteFile(path, out, 0o644); err != nil {
		return nil, fmt.Errorf("failed to create go.mod overlay: %w", err)
	}
	return &ModFile{Path: path, ModuleDir: moduleDir}, nil
}

func addRuntime(f *modfile.File, rt Runtime) error {
	version := rt.Version
	if rt.Dir != "" {
		version = develVersion
	}
	if version == "" {
		return ErrNoRuntime
	}
	if err := f.AddRequire(ModulePath, version); err != nil {
		return fmt.Errorf("add require: %w", err)
	}
	if rt.Dir != "" {
		if err := f.DropReplace(ModulePath, ""); err != nil {
			return err
		}
		if err := f.AddReplace(ModulePath, "", rt.Dir, ""); err != nil {
			return fmt.Errorf("add replace: %w", err)
		}
	}
	return nil
}

// absReplaces rewrites relative replacement directories against modDir.
func absReplaces(f *modfile.File, modDir string) error {
	type rep struct{ oldPath, oldVersion, newPath, newVersion string }
	var fix []rep
	for _, r := range f.Replace {
		if r.New.Version == "" && IsLocalPath(r.New.Path) && !filepath.IsAbs(r.New.Path) {
			abs, err := filepath.Abs(filepath.Join(modDir, r.New.Path))
			if err != nil {
				return err
			}
			fix = append(fix, rep{r.Old.Path, r.Old.Version, abs, ""})
		}
	}
	for _, r := range fix {
		if err := f.DropReplace(r.oldPath, r.oldVersion); err != nil {
			return err
		}
		if err := f.AddReplace(r.oldPath, r.oldVersion, r.newPath, r.newVersion); err != nil {
			return err
		}
	}
	return nil
}

// IsLocalPath reports whether a replacement path is a directory rather
// than a module path.
func IsLocalPath(path string) bool {
	if strings.HasPrefix(path, "./") || strings.HasPrefix(path, "../") ||
		strings.HasPrefix(path, `.\`) || strings.HasPrefix(path, `..\`) {
		return true
	}
	if filepath.IsAbs(path) {
		return true
	}
	// C:\...
	return len(path) >= 2 && path[1] == ':'
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o644)
}

// Overlay is the JSON file read by go build -overlay.
type Overlay struct {
	Replace map[string]string
}

// WriteOverlay writes an overlay substituting instrumented files for the
// originals. Keys and values must be absolute.
func WriteOverlay(path string, replace map[string]string) error {
	data, err := json.MarshalIndent(Overlay{Replace: replace}, "", "\t")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// BuildFlags returns the go build flags linking instrumented code: the
// alternate go.mod and overlay (either may be empty), module resolution
// that may update them, and the baked-in runtime options merged into any
// -ldflags the user gave.
func BuildFlags(user []string, modPath, overlayPath, options string) []string {
	var flags []string
	ldflags := ""
	for i := 0; i < len(user); i++ {
		switch f := user[i]; {
		case f == "-ldflags" && i+1 < len(user):
			ldflags = user[i+1]
			i++
		case strings.HasPrefix(f, "-ldflags="):
			ldflags = strings.TrimPrefix(f, "-ldflags=")
		default:
			flags = append(flags, f)
		}
	}
	if options != "" {
		x := fmt.Sprintf("-X '%s=%s'", OptionsSymbol, options)
		if ldflags == "" {
			ldflags = x
		} else {
			ldflags += " " + x
		}
	}
	if ldflags != "" {
		flags = append(flags, "-ldflags="+ldflags)
	}
	if modPath != "" {
		flags = append(flags, "-modfile="+modPath, "-mod=mod")
	}
	if overlayPath != "" {
		flags = append(flags, "-overlay="+overlayPath)
	}
	return flags
}
