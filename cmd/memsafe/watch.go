package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watchDebounce groups the bursts of events editors produce on save.
const watchDebounce = 150 * time.Millisecond

// watchPackages re-instruments a package whenever one of its source files
// changes, until ctx is done. Instrumentation errors are printed and the
// watch goes on; the previous output stays in place.
func watchPackages(ctx context.Context, cfg *buildConfig, outDir string, pkgs []*pkgSources) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch: %w", err)
	}
	defer func() { _ = w.Close() }()

	byDir := map[string]*pkgSources{}
	for _, pkg := range pkgs {
		if err := w.Add(pkg.dir); err != nil {
			return fmt.Errorf("watch %s: %w", pkg.dir, err)
		}
		byDir[pkg.dir] = pkg
	}
	fmt.Fprintf(cfg.stderr, "Watching %d package(s); press Ctrl-C to stop\n", len(pkgs))

	dirty := map[string]bool{}
	timer := time.NewTimer(watchDebounce)
	if !timer.Stop() {
		<-timer.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			pkg := byDir[filepath.Dir(ev.Name)]
			if pkg == nil || !relevant(pkg, ev) {
				continue
			}
			dirty[pkg.dir] = true
			timer.Reset(watchDebounce)

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			fmt.Fprintf(cfg.stderr, "watch: %v\n", err)

		case <-timer.C:
			for dir := range dirty {
				if err := reinstrument(cfg, outDir, byDir[dir]); err != nil {
					fmt.Fprintf(cfg.stderr, "Error: %v\n", err)
				}
			}
			clear(dirty)
		}
	}
}

// relevant reports whether ev changes the sources of pkg.
func relevant(pkg *pkgSources, ev fsnotify.Event) bool {
	if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
		return false
	}
	name := filepath.Base(ev.Name)
	if !strings.HasSuffix(name, ".go") || strings.HasSuffix(name, "_test.go") {
		return false
	}
	if pkg.whole {
		return true
	}
	for _, f := range pkg.files {
		if f == ev.Name {
			return true
		}
	}
	return false
}

// reinstrument refreshes the file list of a whole-directory package and
// instruments it again.
func reinstrument(cfg *buildConfig, outDir string, pkg *pkgSources) error {
	if pkg.whole {
		files, err := packageFiles(pkg.dir)
		if err != nil {
			return err
		}
		if len(files) == 0 {
			return fmt.Errorf("no Go source files in %s", pkg.dir)
		}
		pkg.files = files
	} else {
		var kept []string
		for _, f := range pkg.files {
			if _, err := os.Stat(f); err == nil {
				kept = append(kept, f)
			}
		}
		pkg.files = kept
		if len(kept) == 0 {
			return fmt.Errorf("all watched files in %s were removed", pkg.dir)
		}
	}

	results, err := instrumentPackage(cfg, pkg)
	if err != nil {
		return err
	}
	for _, r := range results {
		printResult(cfg, r)
	}
	return writeResults(cfg, outDir, pkg, results)
}
