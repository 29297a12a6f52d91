package reload

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// Condition is a compiled reload condition.
//
// The language is small: boolean operators ||, && and ! with parentheses,
// comparisons == != < <= > >=, literals (quoted strings, numbers, true,
// false, null) and dotted paths into the run document. ! binds looser than
// a comparison, so "!a == b" reads as "!(a == b)". A bare path is tested
// for truthiness.
type Condition struct {
	src  string
	root node
}

// ParseCondition compiles src. An empty condition always holds.
func ParseCondition(src string) (*Condition, error) {
	if strings.TrimSpace(src) == "" {
		return &Condition{src: src, root: literal{v: true}}, nil
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
	if p.peek().kind != tokEOF {
		return nil, fmt.Errorf("condition %q: unexpected %q at offset %d", src, p.peek().text, p.peek().pos)
	}
	return &Condition{src: src, root: root}, nil
}

// String returns the source text.
func (c *Condition) String() string { return c.src }

// Eval evaluates the condition against doc.
func (c *Condition) Eval(doc map[string]any) bool {
	return truthy(c.root.eval(doc))
}

// EvalCondition parses and evaluates src in one step. A condition that does
// not parse evaluates to false.
func EvalCondition(src string, doc map[string]any) bool {
	c, err := ParseCondition(src)
	if err != nil {
		return false
	}
	return c.Eval(doc)
}

// -----------------------------------------------------------------------------
// Tokens
// -----------------------------------------------------------------------------

type tokKind int

const (
	tokEOF tokKind = iota
	tokPath
	tokString
	tokNumber
	tokTrue
	tokFalse
	tokNull
	tokOp
	tokLParen
	tokRParen
)

type token struct {
	kind tokKind
	text string
	pos  int
}

var operators = []string{"||", "&&", "==", "!=", "<=", ">=", "<", ">", "!"}

func tokenize(src string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(src) {
		c := src[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '(':
			toks = append(toks, token{kind: tokLParen, text: "(", pos: i})
			i++
		case c == ')':
			toks = append(toks, token{kind: tokRParen, text: ")", pos: i})
			i++
		case c == '\'' || c == '"':
			end := strings.IndexByte(src[i+1:], c)
			if end < 0 {
				return nil, fmt.Errorf("condition %q: unterminated string at offset %d", src, i)
			}
			toks = append(toks, token{kind: tokString, text: src[i+1 : i+1+end], pos: i})
			i += end + 2
		case isDigit(c) || (c == '-' && i+1 < len(src) && isDigit(src[i+1])):
			start := i
			i++
			for i < len(src) && (isDigit(src[i]) || src[i] == '.') {
				i++
			}
			toks = append(toks, token{kind: tokNumber, text: src[start:i], pos: start})
		case isPathStart(rune(c)):
			start := i
			for i < len(src) && isPathChar(rune(src[i])) {
				i++
			}
			word := src[start:i]
			kind := tokPath
			switch word {
			case "true":
				kind = tokTrue
			case "false":
				kind = tokFalse
			case "null":
				kind = tokNull
			}
			toks = append(toks, token{kind: kind, text: word, pos: start})
		default:
			op := ""
			for _, candidate := range operators {
				if strings.HasPrefix(src[i:], candidate) {
					op = candidate
					break
				}
			}
			if op == "" {
				return nil, fmt.Errorf("condition %q: unexpected character %q at offset %d", src, c, i)
			}
			toks = append(toks, token{kind: tokOp, text: op, pos: i})
			i += len(op)
		}
	}
	return append(toks, token{kind: tokEOF, pos: len(src)}), nil
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func isPathStart(r rune) bool { return r == '_' || unicode.IsLetter(r) }

func isPathChar(r rune) bool {
	return isPathStart(r) || unicode.IsDigit(r) || r == '.' || r == '-'
}

// -----------------------------------------------------------------------------
// Parser
// -----------------------------------------------------------------------------

type parser struct {
	toks []token
	pos  int
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) isOp(op string) bool {
	t := p.peek()
	return t.kind == tokOp && t.text == op
}

func (p *parser) parseOr() (node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.isOp("||") {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = orNode{left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.isOp("&&") {
		p.next()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = andNode{left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseUnary() (node, error) {
	if p.isOp("!") {
		p.next()
		x, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return notNode{x: x}, nil
	}
	return p.parseComparison()
}

func (p *parser) parseComparison() (node, error) {
	left, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	t := p.peek()
	if t.kind != tokOp {
		return left, nil
	}
	switch t.text {
	case "==", "!=", "<", "<=", ">", ">=":
		p.next()
		right, err := p.parsePrimary()
		if err != nil {
			return nil, err
		}
		return cmpNode{op: t.text, left: left, right: right}, nil
	}
	return left, nil
}

func (p *parser) parsePrimary() (node, error) {
	t := p.next()
	switch t.kind {
	case tokLParen:
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.peek().kind != tokRParen {
			return nil, fmt.Errorf("expected ')' at offset %d", p.peek().pos)
		}
		p.next()
		return inner, nil
	case tokString:
		return literal{v: t.text}, nil
	case tokNumber:
		f, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return nil, fmt.Errorf("bad number %q at offset %d", t.text, t.pos)
		}
		return literal{v: f}, nil
	case tokTrue:
		return literal{v: true}, nil
	case tokFalse:
		return literal{v: false}, nil
	case tokNull:
		return literal{v: nil}, nil
	case tokPath:
		return pathNode{path: t.text}, nil
	case tokEOF:
		return nil, fmt.Errorf("unexpected end of condition")
	}
	return nil, fmt.Errorf("unexpected %q at offset %d", t.text, t.pos)
}

// -----------------------------------------------------------------------------
// Evaluation
// -----------------------------------------------------------------------------

type node interface {
	eval(doc map[string]any) any
}

type literal struct{ v any }

func (n literal) eval(map[string]any) any { return n.v }

type pathNode struct{ path string }

func (n pathNode) eval(doc map[string]any) any {
	v, _ := Lookup(doc, n.path)
	return v
}

type notNode struct{ x node }

func (n notNode) eval(doc map[string]any) any { return !truthy(n.x.eval(doc)) }

type andNode struct{ left, right node }

func (n andNode) eval(doc map[string]any) any {
	return truthy(n.left.eval(doc)) && truthy(n.right.eval(doc))
}

type orNode struct{ left, right node }

func (n orNode) eval(doc map[string]any) any {
	return truthy(n.left.eval(doc)) || truthy(n.right.eval(doc))
}

type cmpNode struct {
	op          string
	left, right node
}

func (n cmpNode) eval(doc map[string]any) any {
	a, b := normalize(n.left.eval(doc)), normalize(n.right.eval(doc))
	switch n.op {
	case "==":
		return equal(a, b)
	case "!=":
		return !equal(a, b)
	}

	c, ok := compare(a, b)
	if !ok {
		return false
	}
	switch n.op {
	case "<":
		return c < 0
	case "<=":
		return c <= 0
	case ">":
		return c > 0
	case ">=":
		return c >= 0
	}
	return false
}

// normalize folds numeric types into float64 so documents built by hand
// compare like decoded JSON.
func normalize(v any) any {
	switch x := v.(type) {
	case int:
		return float64(x)
	case int64:
		return float64(x)
	case float32:
		return float64(x)
	}
	return v
}

func equal(a, b any) bool {
	switch x := a.(type) {
	case nil:
		return b == nil
	case string:
		y, ok := b.(string)
		return ok && x == y
	case float64:
		y, ok := b.(float64)
		return ok && x == y
	case bool:
		y, ok := b.(bool)
		return ok && x == y
	}
	return false
}

func compare(a, b any) (int, bool) {
	switch x := a.(type) {
	case float64:
		y, ok := b.(float64)
		if !ok {
			return 0, false
		}
		switch {
		case x < y:
			return -1, true
		case x > y:
			return 1, true
		}
		return 0, true
	case string:
		y, ok := b.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(x, y), true
	}
	return 0, false
}

func truthy(v any) bool {
	switch x := normalize(v).(type) {
	case nil:
		return false
	case bool:
		return x
	case string:
		return x != ""
	case float64:
		return x != 0
	case []any:
		return len(x) > 0
	case map[string]any:
		return len(x) > 0
	}
	return true
}
