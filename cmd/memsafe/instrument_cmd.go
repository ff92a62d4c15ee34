// instrument_cmd.go implements the 'memsafe instrument' command.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kolkov/memsafe/cmd/memsafe/instrument"
)

// newInstrumentCommand creates the 'memsafe instrument' command, which
// writes instrumented sources instead of building them. A single file with
// no -o goes to stdout.
func newInstrumentCommand(g *globalFlags) *cobra.Command {
	var (
		outDir string
		watch  bool
	)
	cmd := &cobra.Command{
		Use:   "instrument [flags] files|dirs",
		Short: "Write instrumented sources",
		Example: `  memsafe instrument main.go
  memsafe instrument -o out ./cmd/app ./internal/buf
  memsafe instrument -o out --watch .`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := newBuildConfig(g, args, nil)
			if err != nil {
				return err
			}
			cfg.stdout, cfg.stderr = cmd.OutOrStdout(), cmd.ErrOrStderr()

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			pkgs, err := collectPackages(cfg.sources, cfg.workDir)
			if err != nil {
				return err
			}
			if outDir == "" && (watch || len(pkgs) > 1 || len(pkgs[0].files) > 1) {
				return fmt.Errorf("-o is required for more than one file or with --watch")
			}

			results, err := instrumentPackages(ctx, cfg, pkgs)
			if err != nil {
				return err
			}
			if outDir == "" {
				_, err := fmt.Fprint(cfg.stdout, results[0][0].Code)
				return err
			}
			for i, pkg := range pkgs {
				if err := writeResults(cfg, outDir, pkg, results[i]); err != nil {
					return err
				}
			}
			if !watch {
				return nil
			}

			ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
			defer stop()
			return watchPackages(ctx, cfg, outDir, pkgs)
		},
	}
	cmd.Flags().StringVarP(&outDir, "output", "o", "", "output directory")
	cmd.Flags().BoolVar(&watch, "watch", false, "re-instrument packages when their sources change")
	return cmd
}

// outputDir mirrors pkg's location below the working directory inside
// outDir. Packages outside it are placed by base name.
func outputDir(cfg *buildConfig, outDir string, pkg *pkgSources) string {
	rel, err := filepath.Rel(cfg.workDir, pkg.dir)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		rel = filepath.Base(pkg.dir)
	}
	return filepath.Join(outDir, rel)
}

// writeResults writes one package's instrumented files.
func writeResults(cfg *buildConfig, outDir string, pkg *pkgSources, results []*instrument.InstrumentResult) error {
	dir := outputDir(cfg, outDir, pkg)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	for _, r := range results {
		out := filepath.Join(dir, filepath.Base(r.Name))
		if err := os.WriteFile(out, []byte(r.Code), 0o644); err != nil {
			return fmt.Errorf("failed to write instrumented file %s: %w", out, err)
		}
		fmt.Fprintf(cfg.stdout, "Instrumented: %s -> %s\n", r.Name, out)
	}
	return nil
}
