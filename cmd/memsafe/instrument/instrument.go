// Package instrument rewrites Go source so that every checked memory access
// goes through the memsafe runtime.
//
// The pass parses a package, type-checks it when it can, and rewrites a copy
// of each file:
//
//	*p          → *memsafe.Deref(p, write)
//	p.f         → (*memsafe.Deref(&p.f, write))       p a pointer to struct
//	a[i]        → a[memsafe.Index(base, i, elem, write)]
//	C.malloc(n) → memsafe.Malloc(uintptr(n))
//	var a [N]T  → a := memsafe.Local[[N]T](__msframe)  uses become (*a)
//
// Checks are expressions that return their operand, so evaluation order,
// short-circuiting and loop conditions stay exactly as written. Functions
// that own tracked arrays open a frame on entry and close it in a defer.
//
// The output starts with a generated-code header and a marker comment;
// marked files are returned unchanged, which makes the pass idempotent.
//
// Thread Safety: a single call is single-threaded. Separate calls share no
// state and may run concurrently.
package instrument

import (
	"bytes"
	"errors"
	"fmt"
	"go/ast"
	"go/format"
	"go/importer"
	"go/parser"
	"go/printer"
	"go/scanner"
	"go/token"
	"go/types"
	"io"
	"os"
)

const (
	// RuntimeImportPath is the package instrumented code calls into.
	RuntimeImportPath = "github.com/kolkov/memsafe/memsafe"

	// RuntimeAlias is the preferred local name of the runtime package.
	RuntimeAlias = "memsafe"

	// GeneratedHeader is the first line of every instrumented file.
	GeneratedHeader = "// Code generated by memsafe. DO NOT EDIT."

	// Marker identifies instrumented files.
	Marker = "//memsafe:instrumented"

	// FrameVar is the variable holding a function's scope frame.
	FrameVar = "__msframe"
)

// Source is one file of a package.
type Source struct {
	Name string
	Src  []byte
}

// Options configures the pass.
type Options struct {
	// Allocs maps allocation functions to runtime replacements.
	// Nil means DefaultAllocTable.
	Allocs AllocTable

	// Importer resolves imports during type checking. Nil means a source
	// importer, which also resolves packages of the module being built.
	Importer types.Importer

	// NoTypes disables type checking. Only star expressions, tracked local
	// arrays and allocation calls are then instrumented.
	NoTypes bool
}

// InstrumentResult holds one instrumented file.
//
//nolint:revive // InstrumentResult is clear and descriptive despite stuttering
type InstrumentResult struct {
	Name  string
	Code  string
	Stats InstrumentStats

	// AlreadyInstrumented is set when the input carried the marker and was
	// returned unchanged.
	AlreadyInstrumented bool
}

// InstrumentFile instruments a single Go source file.
//
// src may be nil (read filename), []byte, string or io.Reader, as with
// go/parser. The file is type-checked on its own; use InstrumentPackage to
// give the type checker the whole package.
//
// Example:
//
//	result, err := InstrumentFile("main.go", nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Printf("%d reads, %d writes checked\n",
//	    result.Stats.ReadsInstrumented, result.Stats.WritesInstrumented)
//
//nolint:revive // InstrumentFile is the standard API naming for this operation
func InstrumentFile(filename string, src interface{}) (*InstrumentResult, error) {
	b, err := readSource(filename, src)
	if err != nil {
		return nil, err
	}
	res, err := InstrumentPackage([]Source{{Name: filename, Src: b}}, Options{})
	if err != nil {
		return nil, err
	}
	return res[0], nil
}

func readSource(filename string, src interface{}) ([]byte, error) {
	switch s := src.(type) {
	case nil:
		return os.ReadFile(filename)
	case []byte:
		return s, nil
	case string:
		return []byte(s), nil
	case io.Reader:
		return io.ReadAll(s)
	}
	return nil, fmt.Errorf("instrument: invalid source type %T", src)
}

// InstrumentPackage instruments the files of one package directory. Files
// are grouped by package name for type checking, so a directory holding
// both p and p_test sources is handled correctly.
func InstrumentPackage(srcs []Source, opts Options) ([]*InstrumentResult, error) {
	fset := token.NewFileSet()
	files := make([]*ast.File, len(srcs))
	for i, s := range srcs {
		f, err := parser.ParseFile(fset, s.Name, s.Src, parser.ParseComments)
		if err != nil {
			return nil, parseError(s.Name, err)
		}
		files[i] = f
	}

	if opts.Allocs == nil {
		opts.Allocs = DefaultAllocTable()
	}
	if opts.Importer == nil && !opts.NoTypes {
		opts.Importer = importer.ForCompiler(fset, "source", nil)
	}

	results := make([]*InstrumentResult, len(files))
	groups := map[string][]int{}
	var order []string
	for i, f := range files {
		if isInstrumented(f) {
			results[i] = &InstrumentResult{Name: srcs[i].Name, Code: string(srcs[i].Src), AlreadyInstrumented: true}
			continue
		}
		pkg := f.Name.Name
		if _, ok := groups[pkg]; !ok {
			order = append(order, pkg)
		}
		groups[pkg] = append(groups[pkg], i)
	}

	for _, pkg := range order {
		idx := groups[pkg]
		var info *types.Info
		if !opts.NoTypes {
			group := make([]*ast.File, len(idx))
			for j, i := range idx {
				group[j] = files[i]
			}
			info = typeCheck(fset, group, opts.Importer)
		}
		for _, i := range idx {
			res, err := instrumentAST(fset, files[i], info, opts)
			if err != nil {
				return nil, err
			}
			res.Name = srcs[i].Name
			results[i] = res
		}
	}
	return results, nil
}

// InstrumentAST instruments already-parsed files. The input trees are
// printed and parsed again before rewriting and are never modified.
func InstrumentAST(fset *token.FileSet, files []*ast.File, opts Options) ([]*InstrumentResult, error) {
	srcs := make([]Source, len(files))
	for i, f := range files {
		var buf bytes.Buffer
		if err := format.Node(&buf, fset, f); err != nil {
			return nil, fmt.Errorf("instrument: print %s: %w", fset.Position(f.Package).Filename, err)
		}
		srcs[i] = Source{Name: fset.Position(f.Package).Filename, Src: buf.Bytes()}
	}
	return InstrumentPackage(srcs, opts)
}

func parseError(filename string, err error) error {
	var list scanner.ErrorList
	if errors.As(err, &list) && len(list) > 0 {
		e := list[0]
		return &InstrumentationError{
			File:       filename,
			Line:       e.Pos.Line,
			Column:     e.Pos.Column,
			Message:    e.Msg,
			Suggestion: "memsafe only instruments files that parse; fix the syntax error and rerun",
		}
	}
	return &InstrumentationError{File: filename, Message: err.Error()}
}

// typeCheck collects what type information it can. Errors are expected
// (unresolvable imports, C names outside the allocation API) and ignored;
// nodes without types fall back to syntactic rules. Package C comes from
// cgoImporter, so memory returned by C.malloc and friends is typed.
func typeCheck(fset *token.FileSet, files []*ast.File, imp types.Importer) *types.Info {
	info := &types.Info{
		Types:      map[ast.Expr]types.TypeAndValue{},
		Defs:       map[*ast.Ident]types.Object{},
		Uses:       map[*ast.Ident]types.Object{},
		Selections: map[*ast.SelectorExpr]*types.Selection{},
	}
	conf := types.Config{
		Importer: newCgoImporter(imp),
		Error:    func(error) {},
	}
	_, _ = conf.Check(files[0].Name.Name, fset, files, info)
	return info
}

func isInstrumented(f *ast.File) bool {
	for _, cg := range f.Comments {
		if cg.Pos() > f.Package {
			break
		}
		for _, c := range cg.List {
			if c.Text == Marker {
				return true
			}
		}
	}
	return false
}

func instrumentAST(fset *token.FileSet, file *ast.File, info *types.Info, opts Options) (*InstrumentResult, error) {
	r := newRewriter(fset, file, info, opts.Allocs)
	r.run()

	var buf bytes.Buffer
	buf.WriteString(GeneratedHeader + "\n" + Marker + "\n\n")
	cfg := &printer.Config{
		Mode:     printer.UseSpaces | printer.TabIndent,
		Tabwidth: 8,
	}
	if err := cfg.Fprint(&buf, fset, file); err != nil {
		return nil, fmt.Errorf("failed to generate code: %w", err)
	}
	return &InstrumentResult{Code: buf.String(), Stats: r.stats}, nil
}
