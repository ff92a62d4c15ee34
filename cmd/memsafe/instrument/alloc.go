package instrument

import (
	"fmt"
	"go/ast"
	"go/types"
	"sort"
	"strings"
)

// AllocKind is the C allocation function an entry behaves like.
type AllocKind int

const (
	AllocMalloc  AllocKind = iota // func(size) pointer
	AllocCalloc                   // func(n, size) pointer
	AllocRealloc                  // func(ptr, size) pointer
	AllocFree                     // func(ptr)
)

var allocKinds = map[string]AllocKind{
	"malloc":  AllocMalloc,
	"calloc":  AllocCalloc,
	"realloc": AllocRealloc,
	"free":    AllocFree,
}

func (k AllocKind) String() string {
	for name, v := range allocKinds {
		if v == k {
			return name
		}
	}
	return fmt.Sprintf("AllocKind(%d)", int(k))
}

func (k AllocKind) arity() int {
	if k == AllocCalloc || k == AllocRealloc {
		return 2
	}
	return 1
}

// AllocTable maps callee names ("C.malloc", "pool.Get") to the runtime
// function replacing them.
type AllocTable map[string]AllocKind

// DefaultAllocTable covers the cgo allocation functions.
func DefaultAllocTable() AllocTable {
	return AllocTable{
		"C.malloc":  AllocMalloc,
		"C.calloc":  AllocCalloc,
		"C.realloc": AllocRealloc,
		"C.free":    AllocFree,
	}
}

// Add registers spec, either "name" (taking kind def) or "name=kind".
func (t AllocTable) Add(spec string, def AllocKind) error {
	name, kindName, hasKind := strings.Cut(spec, "=")
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("instrument: empty allocation function in %q", spec)
	}
	kind := def
	if hasKind {
		k, ok := allocKinds[strings.TrimSpace(kindName)]
		if !ok {
			return fmt.Errorf("instrument: unknown allocation kind %q (want malloc, calloc, realloc or free)", kindName)
		}
		kind = k
	}
	t[name] = kind
	return nil
}

// Names returns the table's callee names, sorted.
func (t AllocTable) Names() []string {
	names := make([]string, 0, len(t))
	for n := range t {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func calleeName(fun ast.Expr) string {
	switch f := unparen(fun).(type) {
	case *ast.Ident:
		return f.Name
	case *ast.SelectorExpr:
		if x, ok := f.X.(*ast.Ident); ok {
			return x.Name + "." + f.Sel.Name
		}
	}
	return ""
}

// rewriteAlloc returns the runtime call replacing call, or nil.
func (r *rewriter) rewriteAlloc(call *ast.CallExpr) ast.Expr {
	name := calleeName(call.Fun)
	kind, ok := r.allocs[name]
	if !ok {
		return nil
	}
	if call.Ellipsis.IsValid() || len(call.Args) != kind.arity() {
		r.skip(call.Pos(), fmt.Sprintf("%s called with %d arguments; not treated as %s", name, len(call.Args), kind),
			"allocation table entries must have C-like signatures")
		return nil
	}

	args := call.Args
	var repl ast.Expr
	switch kind {
	case AllocMalloc:
		repl = r.runtimeCall("Malloc", uintptrOf(args[0]))
	case AllocCalloc:
		repl = r.runtimeCall("Calloc", uintptrOf(args[0]), uintptrOf(args[1]))
	case AllocRealloc:
		repl = r.runtimeCall("Realloc", r.pointerArg(args[0]), uintptrOf(args[1]))
	case AllocFree:
		repl = r.runtimeCall("Free", r.pointerArg(args[0]))
	}
	if strings.HasPrefix(name, "C.") {
		r.rewroteC = true
	}
	r.stats.AllocSitesRewritten++
	return repl
}

// pointerArg converts e to unsafe.Pointer unless it already is one.
func (r *rewriter) pointerArg(e ast.Expr) ast.Expr {
	if t := r.typeOf(e); t != nil && types.Identical(t, types.Typ[types.UnsafePointer]) {
		return e
	}
	if call, ok := unparen(e).(*ast.CallExpr); ok && len(call.Args) == 1 {
		if sel, ok := unparen(call.Fun).(*ast.SelectorExpr); ok && sel.Sel.Name == "Pointer" {
			if pkg, ok := sel.X.(*ast.Ident); ok && r.unsafeNames[pkg.Name] {
				return e
			}
		}
	}
	return r.unsafeCall("Pointer", e)
}

func uintptrOf(e ast.Expr) ast.Expr {
	return &ast.CallExpr{Fun: ast.NewIdent("uintptr"), Args: []ast.Expr{e}}
}
