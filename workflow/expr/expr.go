// Package expr compiles the boolean condition expressions used by Condition
// nodes.
//
// An expression combines variable paths, literals and the operators
// ==, !=, >, <, >=, <=, &&, || and !, with parentheses for grouping:
//
//	review.score >= 0.8 && !blocked
//	status == "approved" || attempts > 3
//
// Identifiers are gjson paths over the run variables, so "items.#" is the
// length of an array and "review.tags.0" its first element. A path that
// does not resolve evaluates to null.
package expr

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

// Expr is a compiled expression. It is immutable and safe for concurrent use.
type Expr struct {
	src  string
	root node
}

// Parse compiles src. Syntax errors carry the offending position.
func Parse(src string) (*Expr, error) {
	src = strings.TrimSpace(src)
	if src == "" {
		return nil, fmt.Errorf("empty expression")
	}
	toks, err := tokenize(src)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	root, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if t := p.peek(); t != nil {
		return nil, fmt.Errorf("unexpected %q at position %d", t.text, t.pos)
	}
	return &Expr{src: src, root: root}, nil
}

// MustParse is Parse that panics on error.
func MustParse(src string) *Expr {
	e, err := Parse(src)
	if err != nil {
		panic(err)
	}
	return e
}

func (e *Expr) String() string { return e.src }

// Eval evaluates the expression against vars and reports its truthiness.
func (e *Expr) Eval(vars map[string]any) (bool, error) {
	doc, err := json.Marshal(vars)
	if err != nil {
		return false, fmt.Errorf("encode variables: %w", err)
	}
	return truthy(e.root.eval(doc)), nil
}

// Paths returns the variable paths the expression reads, in source order.
func (e *Expr) Paths() []string {
	var out []string
	e.root.walk(func(n node) {
		if p, ok := n.(pathNode); ok {
			out = append(out, string(p))
		}
	})
	return out
}

// =============================================================================
// AST
// =============================================================================

type node interface {
	eval(doc []byte) any
	walk(fn func(node))
}

type literal struct{ v any }

func (l literal) eval([]byte) any { return l.v }
func (l literal) walk(fn func(node)) { fn(l) }

type pathNode string

func (p pathNode) eval(doc []byte) any {
	res := gjson.GetBytes(doc, string(p))
	if !res.Exists() {
		return nil
	}
	return res.Value()
}

func (p pathNode) walk(fn func(node)) { fn(p) }

type notNode struct{ x node }

func (n notNode) eval(doc []byte) any { return !truthy(n.x.eval(doc)) }
func (n notNode) walk(fn func(node)) {
	fn(n)
	n.x.walk(fn)
}

type binaryNode struct {
	op   string
	l, r node
}

func (b binaryNode) eval(doc []byte) any {
	switch b.op {
	case "&&":
		return truthy(b.l.eval(doc)) && truthy(b.r.eval(doc))
	case "||":
		return truthy(b.l.eval(doc)) || truthy(b.r.eval(doc))
	}
	return compare(b.l.eval(doc), b.op, b.r.eval(doc))
}

func (b binaryNode) walk(fn func(node)) {
	fn(b)
	b.l.walk(fn)
	b.r.walk(fn)
}

// =============================================================================
// Parser
// =============================================================================

type parser struct {
	toks []token
	pos  int
}

func (p *parser) peek() *token {
	if p.pos < len(p.toks) {
		return &p.toks[p.pos]
	}
	return nil
}

func (p *parser) accept(kind tokenKind, text ...string) bool {
	t := p.peek()
	if t == nil || t.kind != kind {
		return false
	}
	if len(text) > 0 && !contains(text, t.text) {
		return false
	}
	p.pos++
	return true
}

func (p *parser) parseOr() (node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.accept(tokOp, "||") {
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = binaryNode{op: "||", l: left, r: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (node, error) {
	left, err := p.parseComparison()
	if err != nil {
		return nil, err
	}
	for p.accept(tokOp, "&&") {
		right, err := p.parseComparison()
		if err != nil {
			return nil, err
		}
		left = binaryNode{op: "&&", l: left, r: right}
	}
	return left, nil
}

// Comparisons do not chain: "a < b < c" is a syntax error.
func (p *parser) parseComparison() (node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	t := p.peek()
	if t == nil || t.kind != tokOp || !contains(comparisonOps, t.text) {
		return left, nil
	}
	op := t.text
	p.pos++
	right, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	return binaryNode{op: op, l: left, r: right}, nil
}

func (p *parser) parseUnary() (node, error) {
	if p.accept(tokOp, "!") {
		x, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return notNode{x: x}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (node, error) {
	t := p.peek()
	if t == nil {
		return nil, fmt.Errorf("unexpected end of expression")
	}
	p.pos++
	switch t.kind {
	case tokNumber:
		f, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid number %q at position %d", t.text, t.pos)
		}
		return literal{f}, nil
	case tokString:
		return literal{t.text}, nil
	case tokIdent:
		switch t.text {
		case "true":
			return literal{true}, nil
		case "false":
			return literal{false}, nil
		case "null":
			return literal{nil}, nil
		}
		return pathNode(t.text), nil
	case tokLParen:
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if !p.accept(tokRParen) {
			return nil, fmt.Errorf("missing ) for ( at position %d", t.pos)
		}
		return inner, nil
	}
	return nil, fmt.Errorf("unexpected %q at position %d", t.text, t.pos)
}

var comparisonOps = []string{"==", "!=", ">", "<", ">=", "<="}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// =============================================================================
// Values
// =============================================================================

// truthy follows the same rules as a Condition path: null, false, 0 and ""
// are false, everything else is true.
func truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case float64:
		return x != 0
	case string:
		return x != ""
	}
	return true
}

// compare orders numbers numerically and everything else by its string
// form. null equals only null and sorts below every other value.
func compare(l any, op string, r any) bool {
	if l == nil || r == nil {
		c := 0
		switch {
		case l == nil && r != nil:
			c = -1
		case l != nil && r == nil:
			c = 1
		}
		return order(c, op)
	}
	lf, lok := l.(float64)
	rf, rok := r.(float64)
	if lok && rok {
		switch {
		case lf < rf:
			return order(-1, op)
		case lf > rf:
			return order(1, op)
		}
		return order(0, op)
	}
	if lb, ok := l.(bool); ok {
		if rb, ok := r.(bool); ok && (op == "==" || op == "!=") {
			return (lb == rb) == (op == "==")
		}
	}
	return order(strings.Compare(fmt.Sprint(l), fmt.Sprint(r)), op)
}

func order(c int, op string) bool {
	switch op {
	case "==":
		return c == 0
	case "!=":
		return c != 0
	case ">":
		return c > 0
	case "<":
		return c < 0
	case ">=":
		return c >= 0
	case "<=":
		return c <= 0
	}
	return false
}
