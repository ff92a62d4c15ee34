package instrument

import (
	"go/ast"
	"path"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/tools/go/ast/astutil"
)

func importPath(imp *ast.ImportSpec) string {
	p, err := strconv.Unquote(imp.Path.Value)
	if err != nil {
		return ""
	}
	return p
}

func importName(imp *ast.ImportSpec) string {
	if imp.Name != nil {
		return imp.Name.Name
	}
	return path.Base(importPath(imp))
}

// resolveNames picks the local names used for the runtime and unsafe
// packages, reusing existing imports and avoiding file-level names.
func (r *rewriter) resolveNames() {
	taken := map[string]bool{}
	for _, imp := range r.file.Imports {
		name := importName(imp)
		usable := name != "_" && name != "."
		switch importPath(imp) {
		case RuntimeImportPath:
			if usable {
				r.runtimeNames[name] = true
			}
		case "unsafe":
			if usable {
				r.unsafeNames[name] = true
			}
		}
		taken[name] = true
	}
	//nolint:staticcheck // file scope from parser resolution
	for name := range r.file.Scope.Objects {
		taken[name] = true
	}

	r.alias = pick(r.runtimeNames, RuntimeAlias, taken)
	r.unsafeName = pick(r.unsafeNames, "unsafe", taken)
}

func pick(existing map[string]bool, want string, taken map[string]bool) string {
	if existing[want] {
		return want
	}
	if len(existing) > 0 {
		names := make([]string, 0, len(existing))
		for n := range existing {
			names = append(names, n)
		}
		sort.Strings(names)
		return names[0]
	}
	name := want
	for i := 2; taken[name]; i++ {
		name = want + "_" + strconv.Itoa(i)
	}
	return name
}

// injectImports adds the imports the rewritten code needs and drops
// import "C" when every cgo call was replaced.
func (r *rewriter) injectImports() {
	if r.usedRuntime && !r.runtimeNames[r.alias] {
		if r.alias == RuntimeAlias {
			astutil.AddImport(r.fset, r.file, RuntimeImportPath)
		} else {
			astutil.AddNamedImport(r.fset, r.file, r.alias, RuntimeImportPath)
		}
	}
	if r.usedUnsafe && !r.unsafeNames[r.unsafeName] {
		if r.unsafeName == "unsafe" {
			astutil.AddImport(r.fset, r.file, "unsafe")
		} else {
			astutil.AddNamedImport(r.fset, r.file, r.unsafeName, "unsafe")
		}
	}
	if r.rewroteC && !astutil.UsesImport(r.file, "C") && !hasCgoExport(r.file) {
		astutil.DeleteImport(r.fset, r.file, "C")
	}
}

func hasCgoExport(f *ast.File) bool {
	for _, cg := range f.Comments {
		for _, c := range cg.List {
			if strings.HasPrefix(c.Text, "//export ") {
				return true
			}
		}
	}
	return false
}
