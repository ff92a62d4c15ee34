package instrument

import (
	"go/ast"
	"go/token"
	"go/types"

	"golang.org/x/tools/go/ast/astutil"
)

// InstrumentStats counts what the pass did to one file.
//
// With -v the driver prints them per file:
//
//	main.go: 12 reads, 5 writes checked (2 coalesced), 1 alloc site, 1 local in 1 frame
//
//nolint:revive // InstrumentStats is clear and descriptive despite stuttering
type InstrumentStats struct {
	ReadsInstrumented   int // Read checks inserted
	WritesInstrumented  int // Write checks inserted
	ChecksCoalesced     int // Read checks dropped in favor of a write check
	AllocSitesRewritten int // Allocation calls routed to the runtime
	LocalsTracked       int // Local arrays moved into frames
	FramesInserted      int // Functions given a scope frame

	// Skipped lists constructs that were deliberately left unchecked.
	Skipped []*InstrumentationError
}

// Total returns the number of checks inserted.
func (s *InstrumentStats) Total() int {
	return s.ReadsInstrumented + s.WritesInstrumented
}

// TotalSkipped returns the number of skipped constructs.
func (s *InstrumentStats) TotalSkipped() int {
	return len(s.Skipped)
}

type accessKind uint8

const (
	derefAccess accessKind = iota // *p
	fieldAccess                   // p.f through a pointer
	indexAccess                   // a[i]
)

type baseKind uint8

const (
	arrayBase   baseKind = iota // &a
	pointerBase                 // pa, a pointer to array
	sliceBase                   // unsafe.SliceData(s)
)

// access is the decision to check one expression.
type access struct {
	kind  accessKind
	base  baseKind
	write bool
	key   string // expression text, for coalescing
}

// rewriter instruments one file. Decisions are taken on the original tree,
// where type information is valid, and applied in a second traversal.
type rewriter struct {
	fset   *token.FileSet
	file   *ast.File
	info   *types.Info // nil without type information
	allocs AllocTable

	alias        string          // local name of the runtime package
	unsafeName   string          // local name of package unsafe
	runtimeNames map[string]bool // names the input already imports the runtime as
	unsafeNames  map[string]bool // names the input already imports unsafe as

	writes    map[ast.Expr]bool
	noAccess  map[ast.Expr]bool // addressed, not loaded
	covered   map[ast.Expr]bool // checked by an enclosing access
	typeCases map[*ast.CaseClause]bool
	pending   map[ast.Node]*access
	quietCall map[*ast.CallExpr]bool
	quiet     int // depth of unevaluated or runtime calls

	locals *localSet

	usedRuntime bool
	usedUnsafe  bool
	rewroteC    bool

	stats InstrumentStats
}

func newRewriter(fset *token.FileSet, file *ast.File, info *types.Info, allocs AllocTable) *rewriter {
	return &rewriter{
		fset:         fset,
		file:         file,
		info:         info,
		allocs:       allocs,
		runtimeNames: map[string]bool{},
		unsafeNames:  map[string]bool{},
		writes:       map[ast.Expr]bool{},
		noAccess:     map[ast.Expr]bool{},
		covered:      map[ast.Expr]bool{},
		typeCases:    map[*ast.CaseClause]bool{},
		pending:      map[ast.Node]*access{},
		quietCall:    map[*ast.CallExpr]bool{},
	}
}

func (r *rewriter) run() {
	r.resolveNames()
	r.locals = r.collectLocals()
	r.analyze()
	astutil.Apply(r.file, r.decide, r.leave)
	r.coalesce()
	astutil.Apply(r.file, nil, r.apply)
	r.rewriteScopes()
	r.injectImports()
}

func (r *rewriter) skip(pos token.Pos, msg, suggestion string) {
	r.stats.Skipped = append(r.stats.Skipped, NewInstrumentationErrorWithSuggestion(r.fset, pos, msg, suggestion))
}

func unparen(e ast.Expr) ast.Expr {
	for {
		p, ok := e.(*ast.ParenExpr)
		if !ok {
			return e
		}
		e = p.X
	}
}

func (r *rewriter) typeOf(e ast.Expr) types.Type {
	if r.info == nil {
		return nil
	}
	tv, ok := r.info.Types[e]
	if !ok || tv.Type == nil {
		return nil
	}
	if b, ok := tv.Type.(*types.Basic); ok && b.Kind() == types.Invalid {
		return nil
	}
	return tv.Type
}

func (r *rewriter) isType(e ast.Expr) bool {
	if r.info == nil {
		return false
	}
	tv, ok := r.info.Types[e]
	return ok && tv.IsType()
}

func (r *rewriter) isValue(e ast.Expr) bool {
	if r.info == nil {
		return false
	}
	tv, ok := r.info.Types[e]
	return ok && tv.IsValue()
}

func (r *rewriter) isConstant(e ast.Expr) bool {
	if r.info != nil {
		if tv, ok := r.info.Types[e]; ok {
			return tv.Value != nil
		}
	}
	_, ok := unparen(e).(*ast.BasicLit)
	return ok
}

func isArray(t types.Type) bool {
	if t == nil {
		return false
	}
	_, ok := t.Underlying().(*types.Array)
	return ok
}

func isArrayOrArrayPointer(t types.Type) bool {
	if t == nil {
		return false
	}
	if p, ok := t.Underlying().(*types.Pointer); ok {
		t = p.Elem()
	}
	return isArray(t)
}

// indirectField reports whether sel loads a struct field through a pointer.
// Without type information it is never known.
func (r *rewriter) indirectField(sel *ast.SelectorExpr) bool {
	if r.info == nil {
		return false
	}
	s := r.info.Selections[sel]
	if s == nil || s.Kind() != types.FieldVal {
		return false
	}
	if s.Indirect() {
		return true
	}
	_, star := unparen(sel.X).(*ast.StarExpr)
	return star
}

// markChain marks e and the operands it is addressed through. In a[i].f = v
// the whole chain a[i].f, a[i], a is written; the chain stops at the first
// pointer indirection.
func (r *rewriter) markChain(e ast.Expr, set map[ast.Expr]bool) {
	for {
		set[e] = true
		switch x := e.(type) {
		case *ast.ParenExpr:
			e = x.X
		case *ast.SelectorExpr:
			if r.indirectField(x) {
				return
			}
			e = x.X
		case *ast.IndexExpr:
			if r.info != nil && !isArray(r.typeOf(x.X)) {
				return
			}
			e = x.X
		default:
			return
		}
	}
}

// analyze finds writes, address-only operands and accesses already covered
// by an enclosing check.
func (r *rewriter) analyze() {
	ast.Inspect(r.file, func(n ast.Node) bool {
		switch n := n.(type) {
		case *ast.AssignStmt:
			if n.Tok != token.DEFINE {
				for _, l := range n.Lhs {
					r.markChain(l, r.writes)
				}
			}
		case *ast.IncDecStmt:
			r.markChain(n.X, r.writes)
		case *ast.RangeStmt:
			if n.Tok == token.ASSIGN {
				if n.Key != nil {
					r.markChain(n.Key, r.writes)
				}
				if n.Value != nil {
					r.markChain(n.Value, r.writes)
				}
			}
		case *ast.UnaryExpr:
			if n.Op == token.AND {
				r.markChain(n.X, r.noAccess)
			}
		case *ast.SliceExpr:
			if isArray(r.typeOf(n.X)) || r.locals.isUse(unparen(n.X)) {
				r.markChain(n.X, r.noAccess)
			}
		case *ast.TypeSwitchStmt:
			for _, s := range n.Body.List {
				if cc, ok := s.(*ast.CaseClause); ok {
					r.typeCases[cc] = true
				}
			}
		case *ast.IndexExpr:
			if isArray(r.typeOf(n.X)) {
				switch x := unparen(n.X).(type) {
				case *ast.StarExpr:
					r.covered[x] = true
				case *ast.SelectorExpr:
					r.covered[x] = true
				}
			}
		case *ast.SelectorExpr:
			if r.indirectField(n) {
				if s, ok := unparen(n.X).(*ast.StarExpr); ok {
					r.covered[s] = true
				}
			}
		}
		return true
	})
}

// unevaluated reports calls whose operands are not evaluated, or are
// already routed through the runtime.
func (r *rewriter) unevaluated(call *ast.CallExpr) bool {
	fun := unparen(call.Fun)
	if ix, ok := fun.(*ast.IndexExpr); ok {
		fun = ix.X
	}
	switch f := fun.(type) {
	case *ast.SelectorExpr:
		pkg, ok := f.X.(*ast.Ident)
		if !ok {
			return false
		}
		if r.runtimeNames[pkg.Name] {
			return true
		}
		if r.unsafeNames[pkg.Name] {
			switch f.Sel.Name {
			case "Sizeof", "Alignof", "Offsetof":
				return true
			}
		}
	case *ast.Ident:
		if (f.Name == "len" || f.Name == "cap") && len(call.Args) == 1 && r.isBuiltin(f) {
			return r.info == nil || isArrayOrArrayPointer(r.typeOf(call.Args[0]))
		}
	}
	return false
}

func (r *rewriter) isBuiltin(id *ast.Ident) bool {
	if r.info != nil {
		if obj := r.info.Uses[id]; obj != nil {
			_, ok := obj.(*types.Builtin)
			return ok
		}
	}
	return id.Obj == nil //nolint:staticcheck // parser scope resolution is enough here
}

// inTypePosition reports nodes that are (or hold) types rather than values.
func (r *rewriter) inTypePosition(c *astutil.Cursor) bool {
	switch n := c.Node().(type) {
	case *ast.GenDecl:
		return n.Tok != token.VAR
	case *ast.FuncType, *ast.ArrayType, *ast.MapType, *ast.ChanType,
		*ast.StructType, *ast.InterfaceType, *ast.Field, *ast.FieldList, *ast.Ellipsis:
		return true
	}
	if c.Name() == "Type" {
		return true
	}
	if cc, ok := c.Parent().(*ast.CaseClause); ok && c.Name() == "List" && r.typeCases[cc] {
		return true
	}
	if call, ok := c.Parent().(*ast.CallExpr); ok {
		if c.Name() == "Fun" {
			// (*T)(x) and f[T](x) are conversions and instantiations
			// unless the type checker says otherwise.
			switch unparen(call.Fun).(type) {
			case *ast.StarExpr, *ast.IndexExpr, *ast.IndexListExpr:
				if !r.isValue(call.Fun) {
					return true
				}
			}
		}
		if c.Name() == "Args" && c.Index() == 0 {
			if id, ok := call.Fun.(*ast.Ident); ok && (id.Name == "new" || id.Name == "make") && r.isBuiltin(id) {
				return true
			}
		}
	}
	if e, ok := c.Node().(ast.Expr); ok && r.isType(e) {
		return true
	}
	return false
}

// decide is the pre-order callback of the decision traversal.
func (r *rewriter) decide(c *astutil.Cursor) bool {
	if c.Node() == nil {
		return true
	}
	if r.inTypePosition(c) {
		return false
	}
	switch n := c.Node().(type) {
	case *ast.CallExpr:
		if r.unevaluated(n) {
			r.quietCall[n] = true
			r.quiet++
		}
	case *ast.StarExpr:
		r.decideStar(n)
	case *ast.SelectorExpr:
		r.decideField(n)
	case *ast.IndexExpr:
		r.decideIndex(n)
	}
	return true
}

func (r *rewriter) leave(c *astutil.Cursor) bool {
	if call, ok := c.Node().(*ast.CallExpr); ok && r.quietCall[call] {
		r.quiet--
	}
	return true
}

func (r *rewriter) checkable(e ast.Expr) bool {
	return r.quiet == 0 && !r.noAccess[e] && !r.covered[e]
}

func (r *rewriter) record(n ast.Expr, a *access) {
	a.write = r.writes[n]
	a.key = types.ExprString(n)
	r.pending[n] = a
}

func (r *rewriter) decideStar(n *ast.StarExpr) {
	if !r.checkable(n) {
		return
	}
	if r.info != nil {
		// Unresolved operands may be types (*C.char); leave them alone.
		t := r.typeOf(n.X)
		if t == nil {
			return
		}
		if _, ok := t.Underlying().(*types.Pointer); !ok {
			return
		}
	}
	r.record(n, &access{kind: derefAccess})
}

func (r *rewriter) decideField(n *ast.SelectorExpr) {
	if !r.checkable(n) || !r.indirectField(n) {
		return
	}
	r.record(n, &access{kind: fieldAccess})
}

func (r *rewriter) decideIndex(n *ast.IndexExpr) {
	if !r.checkable(n) {
		return
	}
	t := r.typeOf(n.X)
	if t == nil {
		// Without types only tracked local arrays are known to be arrays.
		if r.locals.isUse(unparen(n.X)) && !r.isConstant(n.Index) {
			r.record(n, &access{kind: indexAccess, base: arrayBase})
		}
		return
	}

	switch u := t.Underlying().(type) {
	case *types.Array:
		if u.Len() == 0 || r.isConstant(n.Index) {
			return
		}
		if !r.addressable(n.X) {
			r.skip(n.Pos(), "array operand is not addressable; access not checked",
				"assign the array to a variable before indexing it")
			return
		}
		if !r.pure(n.X) {
			r.skip(n.Pos(), "index base has side effects; access not checked",
				"assign the indexed value to a local variable first")
			return
		}
		r.record(n, &access{kind: indexAccess, base: arrayBase})
	case *types.Pointer:
		if arr, ok := u.Elem().Underlying().(*types.Array); !ok || arr.Len() == 0 {
			return
		}
		if !r.pure(n.X) {
			r.skip(n.Pos(), "index base has side effects; access not checked",
				"assign the array pointer to a local variable first")
			return
		}
		r.record(n, &access{kind: indexAccess, base: pointerBase})
	case *types.Slice:
		if !r.pure(n.X) {
			r.skip(n.Pos(), "index base has side effects; access not checked",
				"assign the slice to a local variable first")
			return
		}
		r.record(n, &access{kind: indexAccess, base: sliceBase})
	}
}

// addressable reports whether &e is legal.
func (r *rewriter) addressable(e ast.Expr) bool {
	switch x := unparen(e).(type) {
	case *ast.Ident:
		if r.locals.isUse(x) {
			return true
		}
		if r.info != nil {
			_, ok := r.info.Uses[x].(*types.Var)
			return ok
		}
	case *ast.StarExpr:
		return true
	case *ast.SelectorExpr:
		if r.info == nil {
			return false
		}
		if s := r.info.Selections[x]; s != nil {
			return s.Kind() == types.FieldVal && (r.indirectField(x) || r.addressable(x.X))
		}
		_, ok := r.info.Uses[x.Sel].(*types.Var)
		return ok
	case *ast.IndexExpr:
		switch u := r.typeOf(x.X).(type) {
		case nil:
			return false
		default:
			switch u.Underlying().(type) {
			case *types.Slice, *types.Pointer:
				return true
			case *types.Array:
				return r.addressable(x.X)
			}
		}
	}
	return false
}

// pure reports whether evaluating e twice is indistinguishable from
// evaluating it once.
func (r *rewriter) pure(e ast.Expr) bool {
	switch x := e.(type) {
	case *ast.Ident, *ast.BasicLit:
		return true
	case *ast.ParenExpr:
		return r.pure(x.X)
	case *ast.SelectorExpr:
		return r.pure(x.X)
	case *ast.StarExpr:
		return r.pure(x.X)
	case *ast.IndexExpr:
		return r.pure(x.X) && r.pure(x.Index)
	case *ast.UnaryExpr:
		return x.Op != token.ARROW && r.pure(x.X)
	case *ast.BinaryExpr:
		return r.pure(x.X) && r.pure(x.Y)
	case *ast.CallExpr:
		if len(x.Args) != 1 || !r.pure(x.Args[0]) {
			return false
		}
		if r.isType(x.Fun) {
			return true
		}
		if id, ok := x.Fun.(*ast.Ident); ok && (id.Name == "len" || id.Name == "cap") {
			return r.isBuiltin(id)
		}
	}
	return false
}

// apply is the post-order callback of the rewriting traversal. Children
// are already rewritten when a parent is visited.
func (r *rewriter) apply(c *astutil.Cursor) bool {
	switch n := c.Node().(type) {
	case *ast.Ident:
		if _, key := c.Parent().(*ast.KeyValueExpr); key && c.Name() == "Key" && r.info == nil {
			break
		}
		if r.locals.isUse(n) {
			c.Replace(&ast.ParenExpr{X: &ast.StarExpr{X: n}})
		}
	case *ast.StarExpr:
		if a := r.pending[n]; a != nil {
			n.X = r.runtimeCall("Deref", n.X, boolLit(a.write))
			r.count(a)
		}
	case *ast.SelectorExpr:
		if a := r.pending[n]; a != nil {
			addr := &ast.UnaryExpr{Op: token.AND, X: n}
			c.Replace(&ast.ParenExpr{X: &ast.StarExpr{X: r.runtimeCall("Deref", addr, boolLit(a.write))}})
			r.count(a)
		}
	case *ast.IndexExpr:
		if a := r.pending[n]; a != nil {
			n.Index = r.runtimeCall("Index", r.indexBase(a.base, n.X), n.Index,
				r.unsafeCall("Sizeof", &ast.IndexExpr{X: cloneExpr(n.X), Index: &ast.BasicLit{Kind: token.INT, Value: "0"}}),
				boolLit(a.write))
			r.count(a)
		}
	case *ast.CallExpr:
		if repl := r.rewriteAlloc(n); repl != nil {
			c.Replace(repl)
		}
	}
	return true
}

func (r *rewriter) count(a *access) {
	if a.write {
		r.stats.WritesInstrumented++
	} else {
		r.stats.ReadsInstrumented++
	}
}

func (r *rewriter) indexBase(kind baseKind, x ast.Expr) ast.Expr {
	switch kind {
	case pointerBase:
		return r.unsafeCall("Pointer", cloneExpr(x))
	case sliceBase:
		return r.unsafeCall("Pointer", r.unsafeCall("SliceData", cloneExpr(x)))
	}
	return r.unsafeCall("Pointer", &ast.UnaryExpr{Op: token.AND, X: cloneExpr(x)})
}

func (r *rewriter) runtimeCall(name string, args ...ast.Expr) *ast.CallExpr {
	r.usedRuntime = true
	return &ast.CallExpr{Fun: &ast.SelectorExpr{X: ast.NewIdent(r.alias), Sel: ast.NewIdent(name)}, Args: args}
}

func (r *rewriter) unsafeCall(name string, args ...ast.Expr) *ast.CallExpr {
	r.usedUnsafe = true
	return &ast.CallExpr{Fun: &ast.SelectorExpr{X: ast.NewIdent(r.unsafeName), Sel: ast.NewIdent(name)}, Args: args}
}

func boolLit(b bool) ast.Expr {
	if b {
		return ast.NewIdent("true")
	}
	return ast.NewIdent("false")
}

// cloneExpr copies the expression shapes that index bases can take.
// Anything else is shared, which the printer tolerates.
func cloneExpr(e ast.Expr) ast.Expr {
	switch x := e.(type) {
	case *ast.Ident:
		return ast.NewIdent(x.Name)
	case *ast.BasicLit:
		return &ast.BasicLit{Kind: x.Kind, Value: x.Value}
	case *ast.ParenExpr:
		return &ast.ParenExpr{X: cloneExpr(x.X)}
	case *ast.StarExpr:
		return &ast.StarExpr{X: cloneExpr(x.X)}
	case *ast.SelectorExpr:
		return &ast.SelectorExpr{X: cloneExpr(x.X), Sel: ast.NewIdent(x.Sel.Name)}
	case *ast.IndexExpr:
		return &ast.IndexExpr{X: cloneExpr(x.X), Index: cloneExpr(x.Index)}
	case *ast.UnaryExpr:
		return &ast.UnaryExpr{Op: x.Op, X: cloneExpr(x.X)}
	case *ast.BinaryExpr:
		return &ast.BinaryExpr{X: cloneExpr(x.X), Op: x.Op, Y: cloneExpr(x.Y)}
	case *ast.CallExpr:
		args := make([]ast.Expr, len(x.Args))
		for i, a := range x.Args {
			args[i] = cloneExpr(a)
		}
		return &ast.CallExpr{Fun: cloneExpr(x.Fun), Args: args}
	}
	return e
}
