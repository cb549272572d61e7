package workflow

import (
	"fmt"
	"strings"
	"unicode"
)

// Predicate is a compiled boolean expression over status.<field> terms.
// Grammar:
//
//	expr   := term ( "||" term )*
//	term   := factor ( "&&" factor )*
//	factor := "(" expr ")" | comparison
//	comparison := "status." field ("==" | "!=") literal
//	literal := "true" | "false" | "null" | quoted string
type Predicate struct {
	src  string
	root node
}

// ErrPredicateType is wrapped into evaluation failures caused by comparing a
// status value of the wrong kind. Evaluation failure is fatal for the run.
type PredicateTypeError struct {
	Field string
	Have  any
	Want  string
}

func (e *PredicateTypeError) Error() string {
	return fmt.Sprintf("status.%s: cannot compare %T against %s literal", e.Field, e.Have, e.Want)
}

type node interface {
	eval(status map[string]any) (bool, error)
}

type orNode struct{ terms []node }

func (n orNode) eval(status map[string]any) (bool, error) {
	for _, t := range n.terms {
		ok, err := t.eval(status)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

type andNode struct{ factors []node }

func (n andNode) eval(status map[string]any) (bool, error) {
	for _, f := range n.factors {
		ok, err := f.eval(status)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

type cmpNode struct {
	field  string
	negate bool
	lit    literal
}

type litKind int

const (
	litBool litKind = iota
	litString
	litNull
)

type literal struct {
	kind litKind
	b    bool
	s    string
}

func (l literal) String() string {
	switch l.kind {
	case litBool:
		return fmt.Sprintf("%v", l.b)
	case litNull:
		return "null"
	default:
		return fmt.Sprintf("%q", l.s)
	}
}

func (n cmpNode) eval(status map[string]any) (bool, error) {
	value, present := status[n.field]
	var eq bool
	switch n.lit.kind {
	case litNull:
		eq = !present || value == nil
	case litBool:
		if !present || value == nil {
			eq = false
			break
		}
		b, ok := value.(bool)
		if !ok {
			return false, &PredicateTypeError{Field: n.field, Have: value, Want: "boolean"}
		}
		eq = b == n.lit.b
	case litString:
		if !present || value == nil {
			eq = false
			break
		}
		s, ok := value.(string)
		if !ok {
			return false, &PredicateTypeError{Field: n.field, Have: value, Want: "string"}
		}
		eq = s == n.lit.s
	}
	if n.negate {
		eq = !eq
	}
	return eq, nil
}

// ParsePredicate compiles a when-expression.
func ParsePredicate(src string) (*Predicate, error) {
	p := &parser{input: src}
	root, err := p.parseExpr()
	if err != nil {
		return nil, fmt.Errorf("predicate %q: %w", src, err)
	}
	p.skipSpace()
	if p.pos != len(p.input) {
		return nil, fmt.Errorf("predicate %q: unexpected trailing input at offset %d", src, p.pos)
	}
	return &Predicate{src: src, root: root}, nil
}

// Eval evaluates the predicate against a status mapping.
func (p *Predicate) Eval(status map[string]any) (bool, error) {
	return p.root.eval(status)
}

// String returns the original expression source.
func (p *Predicate) String() string { return p.src }

type parser struct {
	input string
	pos   int
}

func (p *parser) skipSpace() {
	for p.pos < len(p.input) && unicode.IsSpace(rune(p.input[p.pos])) {
		p.pos++
	}
}

func (p *parser) consume(tok string) bool {
	p.skipSpace()
	if strings.HasPrefix(p.input[p.pos:], tok) {
		p.pos += len(tok)
		return true
	}
	return false
}

func (p *parser) parseExpr() (node, error) {
	first, err := p.parseTerm()
	if err != nil {
		return nil, err
	}
	terms := []node{first}
	for p.consume("||") {
		next, err := p.parseTerm()
		if err != nil {
			return nil, err
		}
		terms = append(terms, next)
	}
	if len(terms) == 1 {
		return first, nil
	}
	return orNode{terms: terms}, nil
}

func (p *parser) parseTerm() (node, error) {
	first, err := p.parseFactor()
	if err != nil {
		return nil, err
	}
	factors := []node{first}
	for p.consume("&&") {
		next, err := p.parseFactor()
		if err != nil {
			return nil, err
		}
		factors = append(factors, next)
	}
	if len(factors) == 1 {
		return first, nil
	}
	return andNode{factors: factors}, nil
}

func (p *parser) parseFactor() (node, error) {
	if p.consume("(") {
		inner, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if !p.consume(")") {
			return nil, fmt.Errorf("missing closing parenthesis at offset %d", p.pos)
		}
		return inner, nil
	}
	return p.parseComparison()
}

func (p *parser) parseComparison() (node, error) {
	if !p.consume("status.") {
		return nil, fmt.Errorf("expected status.<field> at offset %d", p.pos)
	}
	field := p.parseIdent()
	if field == "" {
		return nil, fmt.Errorf("expected field name at offset %d", p.pos)
	}
	negate := false
	switch {
	case p.consume("=="):
	case p.consume("!="):
		negate = true
	default:
		return nil, fmt.Errorf("expected == or != after status.%s", field)
	}
	lit, err := p.parseLiteral()
	if err != nil {
		return nil, err
	}
	return cmpNode{field: field, negate: negate, lit: lit}, nil
}

func (p *parser) parseIdent() string {
	start := p.pos
	for p.pos < len(p.input) {
		c := p.input[p.pos]
		if c == '_' || unicode.IsLetter(rune(c)) || unicode.IsDigit(rune(c)) {
			p.pos++
			continue
		}
		break
	}
	return p.input[start:p.pos]
}

func (p *parser) parseLiteral() (literal, error) {
	p.skipSpace()
	switch {
	case p.consume("true"):
		return literal{kind: litBool, b: true}, nil
	case p.consume("false"):
		return literal{kind: litBool, b: false}, nil
	case p.consume("null"):
		return literal{kind: litNull}, nil
	}
	if p.pos < len(p.input) && (p.input[p.pos] == '\'' || p.input[p.pos] == '"') {
		quote := p.input[p.pos]
		p.pos++
		start := p.pos
		for p.pos < len(p.input) && p.input[p.pos] != quote {
			p.pos++
		}
		if p.pos >= len(p.input) {
			return literal{}, fmt.Errorf("unterminated string literal at offset %d", start)
		}
		s := p.input[start:p.pos]
		p.pos++
		return literal{kind: litString, s: s}, nil
	}
	return literal{}, fmt.Errorf("expected literal (true, false, null, or quoted string) at offset %d", p.pos)
}
