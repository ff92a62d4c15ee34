package instrument

import (
	"fmt"
	"go/ast"
	"go/token"
	"go/types"
	"strconv"

	"golang.org/x/tools/go/ast/astutil"
)

// local is a fixed-size array declared in a function body that the pass
// moves into the function's frame.
type local struct {
	name    *ast.Ident
	arr     *ast.ArrayType // with an explicit length
	spec    *ast.ValueSpec // var form
	index   int            // position of name in spec
	assign  *ast.AssignStmt
	block   *scopeBlock
	declIdx int // statement index in the block
}

// scopeBlock is a statement list that declares tracked locals.
type scopeBlock struct {
	owner  ast.Node // *ast.BlockStmt, *ast.CaseClause or *ast.CommClause
	isBody bool
	locals []*local
}

// frameFunc is a function body that may need a frame.
type frameFunc struct {
	name   string
	body   *ast.BlockStmt
	blocks []*scopeBlock
	lits   int
	isMain bool
}

func (fn *frameFunc) tracked() int {
	n := 0
	for _, b := range fn.blocks {
		n += len(b.locals)
	}
	return n
}

type localSet struct {
	info  *types.Info
	byKey map[any]*local
	decls map[*ast.Ident]bool
	funcs []*frameFunc
}

// keys returns every identity an identifier can be looked up by: its
// parser object and, when type checking succeeded, its types object.
func (ls *localSet) keys(id *ast.Ident) []any {
	var ks []any
	//nolint:staticcheck // ast.Object is the syntactic resolution we want
	if id.Obj != nil {
		ks = append(ks, id.Obj)
	}
	if ls.info != nil {
		if o := ls.info.Defs[id]; o != nil {
			ks = append(ks, o)
		} else if o := ls.info.Uses[id]; o != nil {
			ks = append(ks, o)
		}
	}
	return ks
}

// lookup finds the tracked local id refers to. Type information wins when
// present: the parser also resolves composite literal keys, which may be
// field names.
func (ls *localSet) lookup(id *ast.Ident) *local {
	if ls.info != nil {
		if o := ls.info.Uses[id]; o != nil {
			return ls.byKey[o]
		}
	}
	//nolint:staticcheck // see keys
	if id.Obj != nil {
		return ls.byKey[id.Obj]
	}
	return nil
}

// isUse reports whether e is a use (not the declaration) of a tracked local.
func (ls *localSet) isUse(e ast.Expr) bool {
	if ls == nil {
		return false
	}
	id, ok := e.(*ast.Ident)
	if !ok || ls.decls[id] {
		return false
	}
	return ls.lookup(id) != nil
}

func (ls *localSet) untrack(l *local) {
	for _, k := range ls.keys(l.name) {
		delete(ls.byKey, k)
	}
	delete(ls.decls, l.name)
	b := l.block
	for i, x := range b.locals {
		if x == l {
			b.locals = append(b.locals[:i], b.locals[i+1:]...)
			break
		}
	}
}

func (r *rewriter) collectLocals() *localSet {
	ls := &localSet{info: r.info, byKey: map[any]*local{}, decls: map[*ast.Ident]bool{}}
	for _, d := range r.file.Decls {
		fd, ok := d.(*ast.FuncDecl)
		if !ok || fd.Body == nil {
			continue
		}
		fn := &frameFunc{
			name:   r.funcName(fd),
			body:   fd.Body,
			isMain: r.file.Name.Name == "main" && fd.Recv == nil && fd.Name.Name == "main",
		}
		ls.funcs = append(ls.funcs, fn)
		r.walkFunc(ls, fn)
	}

	// a, err := f() may redeclare a tracked array; (*a) cannot be assigned
	// with :=, so such arrays stay where they are.
	ast.Inspect(r.file, func(n ast.Node) bool {
		as, ok := n.(*ast.AssignStmt)
		if !ok || as.Tok != token.DEFINE || len(as.Lhs) < 2 {
			return true
		}
		for _, e := range as.Lhs {
			id, ok := e.(*ast.Ident)
			if !ok {
				continue
			}
			if l := ls.lookup(id); l != nil && l.assign != as {
				r.skip(id.Pos(), fmt.Sprintf("array %s is redeclared with :=; not tracked", id.Name),
					"declare the other variables separately")
				ls.untrack(l)
			}
		}
		return true
	})
	return ls
}

// funcName renders a function the way stack traces do: pkg.F, pkg.T.M or
// pkg.(*T).M.
func (r *rewriter) funcName(fd *ast.FuncDecl) string {
	pkg := r.file.Name.Name
	if fd.Recv == nil || len(fd.Recv.List) == 0 {
		return pkg + "." + fd.Name.Name
	}
	recv := fd.Recv.List[0].Type
	star := false
	if s, ok := recv.(*ast.StarExpr); ok {
		recv, star = s.X, true
	}
	switch x := recv.(type) {
	case *ast.IndexExpr:
		recv = x.X
	case *ast.IndexListExpr:
		recv = x.X
	}
	name := types.ExprString(recv)
	if star {
		name = "(*" + name + ")"
	}
	return pkg + "." + name + "." + fd.Name.Name
}

func (r *rewriter) walkFunc(ls *localSet, fn *frameFunc) {
	ast.Inspect(fn.body, func(n ast.Node) bool {
		switch n := n.(type) {
		case *ast.FuncLit:
			fn.lits++
			lit := &frameFunc{name: fn.name + ".func" + strconv.Itoa(fn.lits), body: n.Body}
			ls.funcs = append(ls.funcs, lit)
			r.walkFunc(ls, lit)
			return false
		case *ast.BlockStmt:
			r.scanList(ls, fn, n, n.List, n == fn.body)
		case *ast.CaseClause:
			r.scanList(ls, fn, n, n.Body, false)
		case *ast.CommClause:
			r.scanList(ls, fn, n, n.Body, false)
		}
		return true
	})
}

func (r *rewriter) scanList(ls *localSet, fn *frameFunc, owner ast.Node, list []ast.Stmt, isBody bool) {
	var blk *scopeBlock
	add := func(l *local) {
		ks := ls.keys(l.name)
		if len(ks) == 0 {
			return
		}
		if blk == nil {
			blk = &scopeBlock{owner: owner, isBody: isBody}
			fn.blocks = append(fn.blocks, blk)
		}
		l.block = blk
		blk.locals = append(blk.locals, l)
		for _, k := range ks {
			ls.byKey[k] = l
		}
		ls.decls[l.name] = true
	}

	for i, s := range list {
		switch s := s.(type) {
		case *ast.DeclStmt:
			gd, ok := s.Decl.(*ast.GenDecl)
			if !ok || gd.Tok != token.VAR {
				continue
			}
			for _, spec := range gd.Specs {
				vs := spec.(*ast.ValueSpec)
				for j, name := range vs.Names {
					if name.Name == "_" {
						continue
					}
					if arr := r.specArrayType(vs, j); arr != nil {
						add(&local{name: name, arr: arr, spec: vs, index: j, declIdx: i})
					}
				}
			}
		case *ast.AssignStmt:
			if s.Tok != token.DEFINE || len(s.Lhs) != 1 || len(s.Rhs) != 1 {
				continue
			}
			id, ok := s.Lhs[0].(*ast.Ident)
			if !ok || id.Name == "_" {
				continue
			}
			lit, ok := s.Rhs[0].(*ast.CompositeLit)
			if !ok {
				continue
			}
			if arr := r.literalArrayType(lit); arr != nil {
				add(&local{name: id, arr: arr, assign: s, declIdx: i})
			}
		}
	}
}

func (r *rewriter) specArrayType(vs *ast.ValueSpec, j int) *ast.ArrayType {
	if vs.Type != nil {
		at, ok := vs.Type.(*ast.ArrayType)
		if !ok || at.Len == nil {
			return nil
		}
		if len(vs.Values) != 0 && len(vs.Values) != len(vs.Names) {
			return nil
		}
		return at
	}
	if len(vs.Values) != len(vs.Names) {
		return nil
	}
	lit, ok := vs.Values[j].(*ast.CompositeLit)
	if !ok {
		return nil
	}
	return r.literalArrayType(lit)
}

// literalArrayType returns the array type of lit with an explicit length,
// resolving [...]T from type information or by counting elements.
func (r *rewriter) literalArrayType(lit *ast.CompositeLit) *ast.ArrayType {
	at, ok := lit.Type.(*ast.ArrayType)
	if !ok || at.Len == nil {
		return nil
	}
	if _, ell := at.Len.(*ast.Ellipsis); !ell {
		return at
	}

	n := int64(-1)
	if t := r.typeOf(lit); t != nil {
		if a, ok := t.Underlying().(*types.Array); ok {
			n = a.Len()
		}
	}
	if n < 0 {
		for _, e := range lit.Elts {
			if _, kv := e.(*ast.KeyValueExpr); kv {
				r.skip(lit.Pos(), "length of keyed [...]T literal is unknown; array not tracked",
					"write the array length explicitly")
				return nil
			}
		}
		n = int64(len(lit.Elts))
	}
	return &ast.ArrayType{
		Len: &ast.BasicLit{Kind: token.INT, Value: strconv.FormatInt(n, 10)},
		Elt: at.Elt,
	}
}

// rewriteScopes moves tracked locals into frames and adds the frame
// prologue, scope exits and the Cleanup defer of main.
func (r *rewriter) rewriteScopes() {
	for _, fn := range r.locals.funcs {
		if n := fn.tracked(); n > 0 {
			for _, blk := range fn.blocks {
				if len(blk.locals) > 0 {
					r.rewriteBlock(blk)
				}
			}
			prologue := []ast.Stmt{
				&ast.AssignStmt{
					Lhs: []ast.Expr{ast.NewIdent(FrameVar)},
					Tok: token.DEFINE,
					Rhs: []ast.Expr{r.runtimeCall("EnterFrame", &ast.BasicLit{Kind: token.STRING, Value: strconv.Quote(fn.name)})},
				},
				&ast.DeferStmt{Call: frameCall("Exit")},
			}
			fn.body.List = append(prologue, fn.body.List...)
			r.stats.FramesInserted++
			r.stats.LocalsTracked += n
		}
		if fn.isMain {
			fn.body.List = append([]ast.Stmt{&ast.DeferStmt{Call: r.runtimeCall("Cleanup")}}, fn.body.List...)
		}
	}
}

func frameCall(method string, args ...ast.Expr) *ast.CallExpr {
	return &ast.CallExpr{
		Fun:  &ast.SelectorExpr{X: ast.NewIdent(FrameVar), Sel: ast.NewIdent(method)},
		Args: args,
	}
}

func stmtList(owner ast.Node) *[]ast.Stmt {
	switch o := owner.(type) {
	case *ast.BlockStmt:
		return &o.List
	case *ast.CaseClause:
		return &o.Body
	case *ast.CommClause:
		return &o.Body
	}
	panic(fmt.Sprintf("instrument: unexpected block owner %T", owner))
}

func (r *rewriter) rewriteBlock(blk *scopeBlock) {
	list := stmtList(blk.owner)
	stmts := *list

	if !blk.isBody {
		labels := labelsIn(stmts)
		for j := range stmts {
			if live := declaredBefore(blk.locals, j); len(live) > 0 {
				stmts[j] = r.wrapExits(stmts[j], live, labels)
			}
		}
	}

	out := make([]ast.Stmt, 0, len(stmts)+2*len(blk.locals))
	for j, s := range stmts {
		var here []*local
		for _, l := range blk.locals {
			if l.declIdx == j {
				here = append(here, l)
			}
		}
		if len(here) == 0 {
			out = append(out, s)
			continue
		}
		out = append(out, r.declare(s, here)...)
	}

	if !blk.isBody && len(out) > 0 {
		last := out[len(out)-1]
		if br, ok := last.(*ast.BranchStmt); ok && br.Tok == token.FALLTHROUGH {
			out = append(append(out[:len(out)-1:len(out)-1], r.exitStmts(blk.locals)...), last)
		} else if !terminates(last) {
			out = append(out, r.exitStmts(blk.locals)...)
		}
	}
	*list = out
}

func declaredBefore(locals []*local, j int) []*local {
	var live []*local
	for _, l := range locals {
		if l.declIdx < j {
			live = append(live, l)
		}
	}
	return live
}

// exitStmts closes locals in reverse declaration order.
func (r *rewriter) exitStmts(locals []*local) []ast.Stmt {
	out := make([]ast.Stmt, 0, len(locals))
	for i := len(locals) - 1; i >= 0; i-- {
		ptr := r.unsafeCall("Pointer", ast.NewIdent(locals[i].name.Name))
		out = append(out, &ast.ExprStmt{X: frameCall("ExitScope", ptr)})
	}
	return out
}

func (r *rewriter) declare(s ast.Stmt, here []*local) []ast.Stmt {
	if as, ok := s.(*ast.AssignStmt); ok {
		return r.localStmts(here[0], as.Rhs[0])
	}

	gd := s.(*ast.DeclStmt).Decl.(*ast.GenDecl)
	var out []ast.Stmt
	for _, spec := range gd.Specs {
		vs := spec.(*ast.ValueSpec)
		tracked := map[int]*local{}
		for _, l := range here {
			if l.spec == vs {
				tracked[l.index] = l
			}
		}
		if len(tracked) == 0 {
			out = append(out, &ast.DeclStmt{Decl: &ast.GenDecl{Tok: token.VAR, Specs: []ast.Spec{vs}}})
			continue
		}
		for j, name := range vs.Names {
			var val ast.Expr
			if len(vs.Values) > 0 {
				val = vs.Values[j]
			}
			if l := tracked[j]; l != nil {
				out = append(out, r.localStmts(l, val)...)
				continue
			}
			single := &ast.ValueSpec{Names: []*ast.Ident{name}, Type: vs.Type}
			if val != nil {
				single.Values = []ast.Expr{val}
			}
			out = append(out, &ast.DeclStmt{Decl: &ast.GenDecl{Tok: token.VAR, Specs: []ast.Spec{single}}})
		}
	}
	return out
}

// localStmts renders
//
//	a := memsafe.Local[[N]T](__msframe)
//	*a = val
func (r *rewriter) localStmts(l *local, val ast.Expr) []ast.Stmt {
	r.usedRuntime = true
	alloc := &ast.CallExpr{
		Fun: &ast.IndexExpr{
			X:     &ast.SelectorExpr{X: ast.NewIdent(r.alias), Sel: ast.NewIdent("Local")},
			Index: l.arr,
		},
		Args: []ast.Expr{ast.NewIdent(FrameVar)},
	}
	stmts := []ast.Stmt{&ast.AssignStmt{Lhs: []ast.Expr{l.name}, Tok: token.DEFINE, Rhs: []ast.Expr{alloc}}}
	if val != nil {
		stmts = append(stmts, &ast.AssignStmt{
			Lhs: []ast.Expr{&ast.StarExpr{X: ast.NewIdent(l.name.Name)}},
			Tok: token.ASSIGN,
			Rhs: []ast.Expr{val},
		})
	}
	return stmts
}

// labelsIn collects the labels defined within stmts.
func labelsIn(stmts []ast.Stmt) map[string]bool {
	labels := map[string]bool{}
	for _, s := range stmts {
		ast.Inspect(s, func(n ast.Node) bool {
			switch n := n.(type) {
			case *ast.FuncLit:
				return false
			case *ast.LabeledStmt:
				labels[n.Label.Name] = true
			}
			return true
		})
	}
	return labels
}

// wrapExits prefixes every break, continue and goto in s that leaves the
// enclosing block with scope exits for live.
func (r *rewriter) wrapExits(s ast.Stmt, live []*local, labels map[string]bool) ast.Stmt {
	breaks, loops := 0, 0
	res := astutil.Apply(s, func(c *astutil.Cursor) bool {
		switch c.Node().(type) {
		case *ast.FuncLit:
			return false
		case *ast.ForStmt, *ast.RangeStmt:
			breaks++
			loops++
		case *ast.SwitchStmt, *ast.TypeSwitchStmt, *ast.SelectStmt:
			breaks++
		}
		return true
	}, func(c *astutil.Cursor) bool {
		switch n := c.Node().(type) {
		case *ast.ForStmt, *ast.RangeStmt:
			breaks--
			loops--
		case *ast.SwitchStmt, *ast.TypeSwitchStmt, *ast.SelectStmt:
			breaks--
		case *ast.BranchStmt:
			if leaves(n, breaks, loops, labels) {
				c.Replace(&ast.BlockStmt{List: append(r.exitStmts(live), n)})
			}
		}
		return true
	})
	return res.(ast.Stmt)
}

func leaves(br *ast.BranchStmt, breaks, loops int, labels map[string]bool) bool {
	switch br.Tok {
	case token.BREAK:
		if br.Label == nil {
			return breaks == 0
		}
		return !labels[br.Label.Name]
	case token.CONTINUE:
		if br.Label == nil {
			return loops == 0
		}
		return !labels[br.Label.Name]
	case token.GOTO:
		return !labels[br.Label.Name]
	}
	return false
}

// terminates reports statements after which the end of the list is not
// reached.
func terminates(s ast.Stmt) bool {
	switch s := s.(type) {
	case *ast.ReturnStmt:
		return true
	case *ast.BranchStmt:
		return s.Tok != token.FALLTHROUGH
	case *ast.BlockStmt:
		return len(s.List) > 0 && terminates(s.List[len(s.List)-1])
	case *ast.ExprStmt:
		call, ok := s.X.(*ast.CallExpr)
		if !ok {
			return false
		}
		id, ok := call.Fun.(*ast.Ident)
		return ok && id.Name == "panic"
	}
	return false
}
