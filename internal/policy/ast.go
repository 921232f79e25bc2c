package policy

import "strings"

// Expr is a compiled condition node. Evaluation walks the tree against a
// context map; there are no function calls, no arithmetic, and no side
// effects, so a condition can never escape the engine sandbox.
type Expr interface {
	eval(ctx map[string]any) any
}

// litExpr is a literal: string, int64, float64, bool, or nil.
type litExpr struct {
	value any
}

func (e *litExpr) eval(map[string]any) any { return e.value }

// pathExpr is a dotted context lookup, e.g. "data.contains_pii".
type pathExpr struct {
	path string
}

func (e *pathExpr) eval(ctx map[string]any) any { return lookupPath(ctx, e.path) }

// Comparison operators.
const (
	opEq         = "=="
	opNeq        = "!="
	opIn         = "in"
	opStartsWith = "starts_with"
)

// binExpr is a comparison between two operands.
type binExpr struct {
	op          string
	left, right Expr
}

func (e *binExpr) eval(ctx map[string]any) any {
	l := e.left.eval(ctx)
	r := e.right.eval(ctx)
	switch e.op {
	case opEq:
		return equalValues(l, r)
	case opNeq:
		return !equalValues(l, r)
	case opIn:
		return memberOf(l, r)
	case opStartsWith:
		ls, lok := l.(string)
		rs, rok := r.(string)
		return lok && rok && strings.HasPrefix(ls, rs)
	}
	return false
}

// notExpr negates its operand; a non-boolean operand negates to true only
// when the operand was not a match.
type notExpr struct {
	operand Expr
}

func (e *notExpr) eval(ctx map[string]any) any { return !truthy(e.operand.eval(ctx)) }

// logicalExpr is a short-circuiting "and"/"or" over two or more operands.
type logicalExpr struct {
	op       string // "and" | "or"
	operands []Expr
}

func (e *logicalExpr) eval(ctx map[string]any) any {
	if e.op == "and" {
		for _, o := range e.operands {
			if !truthy(o.eval(ctx)) {
				return false
			}
		}
		return true
	}
	for _, o := range e.operands {
		if truthy(o.eval(ctx)) {
			return true
		}
	}
	return false
}
