package instrument

import (
	"go/ast"
	"go/token"
)

// coalesce drops redundant checks inside a single assignment.
//
// In a[i] = a[i] + 1 the write check of a[i] runs before the read (checks
// are calls, evaluated left to right, and left-hand index operands come
// first), so the read check can only repeat its verdict. The same holds for
// a repeated read. Assignments that call anything other than conversions
// and len/cap, or receive from a channel, are left alone: the callee could
// free the memory between the two accesses.
func (r *rewriter) coalesce() {
	ast.Inspect(r.file, func(n ast.Node) bool {
		as, ok := n.(*ast.AssignStmt)
		if !ok || r.hasEffects(as) {
			return true
		}

		var accesses []ast.Node
		ast.Inspect(as, func(m ast.Node) bool {
			if _, ok := m.(*ast.FuncLit); ok {
				return false
			}
			if r.pending[m] != nil {
				accesses = append(accesses, m)
			}
			return true
		})

		written := map[string]bool{}
		for _, m := range accesses {
			if a := r.pending[m]; a.write {
				written[a.key] = true
			}
		}
		read := map[string]bool{}
		for _, m := range accesses {
			a := r.pending[m]
			if a.write {
				continue
			}
			if written[a.key] || read[a.key] {
				delete(r.pending, m)
				r.stats.ChecksCoalesced++
				continue
			}
			read[a.key] = true
		}
		return true
	})
}

// hasEffects reports whether evaluating s can run arbitrary code.
func (r *rewriter) hasEffects(s ast.Stmt) bool {
	effects := false
	ast.Inspect(s, func(n ast.Node) bool {
		if effects {
			return false
		}
		switch n := n.(type) {
		case *ast.FuncLit:
			return false
		case *ast.UnaryExpr:
			if n.Op == token.ARROW {
				effects = true
			}
		case *ast.CallExpr:
			if r.isType(n.Fun) {
				return true
			}
			if id, ok := n.Fun.(*ast.Ident); ok && (id.Name == "len" || id.Name == "cap") && r.isBuiltin(id) {
				return true
			}
			effects = true
		}
		return !effects
	})
	return effects
}
