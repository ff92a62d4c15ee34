// test.go implements the 'memsafe test' command.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	rtlink "github.com/kolkov/memsafe/cmd/memsafe/runtime"
)

// newTestCommand creates the 'memsafe test' command.
//
// The packages' own files are instrumented and substituted through the
// build overlay; their _test.go files compile unchanged and exercise the
// instrumented code. A violation inside a test aborts that test binary,
// which go test reports as a failed package.
func newTestCommand(g *globalFlags) *cobra.Command {
	var bf goBuildFlags
	cmd := &cobra.Command{
		Use:   "test [flags] [packages] [-- test flags]",
		Short: "Test packages with memory-safety checks",
		Example: `  memsafe test ./...
  memsafe test ./internal/buf -- -run TestEncode -v`,
		RunE: func(cmd *cobra.Command, args []string) error {
			patterns, testFlags := args, []string(nil)
			if dash := cmd.ArgsLenAtDash(); dash >= 0 {
				patterns, testFlags = args[:dash], args[dash:]
			}
			cfg, err := newBuildConfig(g, nil, &bf)
			if err != nil {
				return err
			}
			cfg.stdout, cfg.stderr = cmd.OutOrStdout(), cmd.ErrOrStderr()

			if len(patterns) == 0 {
				patterns = []string{"."}
			}
			if cfg.sources, err = resolvePackagePatterns(patterns, cfg.workDir); err != nil {
				return fmt.Errorf("failed to resolve packages: %w", err)
			}

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			return runTests(ctx, cfg, testFlags)
		},
	}
	bf.register(cmd)
	return cmd
}

// resolvePackagePatterns expands "dir/..." patterns into every directory
// below dir holding buildable non-test files. Other patterns are kept as
// given. Hidden directories, vendor and testdata are skipped.
func resolvePackagePatterns(patterns []string, workDir string) ([]string, error) {
	var dirs []string
	seen := map[string]bool{}
	add := func(dir string) {
		if !seen[dir] {
			seen[dir] = true
			dirs = append(dirs, dir)
		}
	}

	for _, pattern := range patterns {
		base, ok := strings.CutSuffix(filepath.ToSlash(pattern), "/...")
		if !ok {
			add(pattern)
			continue
		}
		root := filepath.FromSlash(base)
		if !filepath.IsAbs(root) {
			root = filepath.Join(workDir, root)
		}
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.IsDir() {
				return nil
			}
			name := d.Name()
			if path != root && (strings.HasPrefix(name, ".") || strings.HasPrefix(name, "_") || name == "vendor" || name == "testdata") {
				return filepath.SkipDir
			}
			if files, err := packageFiles(path); err == nil && len(files) > 0 {
				add(path)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to walk %s: %w", root, err)
		}
	}
	if len(dirs) == 0 {
		return nil, fmt.Errorf("no packages found matching %v", patterns)
	}
	return dirs, nil
}

// runTests instruments cfg.sources and runs go test on them. A failing
// go test is returned as its exit status.
func runTests(ctx context.Context, cfg *buildConfig, testFlags []string) error {
	pkgs, err := collectPackages(cfg.sources, cfg.workDir)
	if err != nil {
		return fmt.Errorf("failed to collect source files: %w", err)
	}
	for _, pkg := range pkgs {
		if rtlink.FindGoMod(pkg.dir) == "" {
			return fmt.Errorf("%s is not in a module: memsafe test needs a go.mod", pkg.dir)
		}
	}

	if err := rtlink.CheckToolchain(ctx); err != nil {
		return err
	}
	rt, err := rtlink.Locate()
	if err != nil {
		return err
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
	ws.targets = ws.targets[:0]
	for _, pkg := range pkgs {
		ws.targets = append(ws.targets, pkg.dir)
	}

	err = ws.goCommand(ctx, cfg, "test", nil, testFlags).Run()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitError(exitErr.ExitCode())
	}
	return err
}
