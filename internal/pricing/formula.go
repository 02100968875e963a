package pricing

import (
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/shopspring/decimal"
)

var (
	ErrSyntax          = errors.New("pricing: formula syntax error")
	ErrUnknownVariable = errors.New("pricing: unknown variable")
	ErrUnknownFunction = errors.New("pricing: unknown function")
	ErrDivisionByZero  = errors.New("pricing: division by zero")
	ErrFormulaTooLong  = errors.New("pricing: formula too long")
	ErrFormulaTooDeep  = errors.New("pricing: formula nested too deeply")
	ErrMissingVariable = errors.New("pricing: variable has no value")
)

const (
	maxFormulaLen   = 512
	maxFormulaDepth = 32
	divisionPlaces  = 8
)

// Variables formulas may reference.
var Variables = []string{"area", "hours", "difficulty"}

// functions maps whitelisted function names to their implementation.
var functions = map[string]func(args []decimal.Decimal) (decimal.Decimal, error){
	"min": func(args []decimal.Decimal) (decimal.Decimal, error) {
		if len(args) == 0 {
			return decimal.Zero, fmt.Errorf("%w: min needs arguments", ErrSyntax)
		}
		return decimal.Min(args[0], args[1:]...), nil
	},
	"max": func(args []decimal.Decimal) (decimal.Decimal, error) {
		if len(args) == 0 {
			return decimal.Zero, fmt.Errorf("%w: max needs arguments", ErrSyntax)
		}
		return decimal.Max(args[0], args[1:]...), nil
	},
	"round": func(args []decimal.Decimal) (decimal.Decimal, error) {
		switch len(args) {
		case 1:
			return args[0].Round(0), nil
		case 2:
			return args[0].Round(int32(args[1].IntPart())), nil
		}
		return decimal.Zero, fmt.Errorf("%w: round takes 1 or 2 arguments", ErrSyntax)
	},
	"ceil": func(args []decimal.Decimal) (decimal.Decimal, error) {
		if len(args) != 1 {
			return decimal.Zero, fmt.Errorf("%w: ceil takes 1 argument", ErrSyntax)
		}
		return args[0].Ceil(), nil
	},
	"floor": func(args []decimal.Decimal) (decimal.Decimal, error) {
		if len(args) != 1 {
			return decimal.Zero, fmt.Errorf("%w: floor takes 1 argument", ErrSyntax)
		}
		return args[0].Floor(), nil
	},
}

// Formula is a compiled arithmetic expression over decimal values. Only
// numbers, the names in Variables, + - * / parentheses and the functions
// min, max, round, ceil and floor are accepted.
type Formula struct {
	src  string
	root node
}

// Compile parses src.
func Compile(src string) (*Formula, error) {
	if len(src) > maxFormulaLen {
		return nil, ErrFormulaTooLong
	}
	toks, err := lex(src)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	root, err := p.expr(0)
	if err != nil {
		return nil, err
	}
	if p.peek().kind != tokEOF {
		return nil, fmt.Errorf("%w: unexpected %q at %d", ErrSyntax, p.peek().text, p.peek().pos)
	}
	return &Formula{src: src, root: root}, nil
}

// MustCompile is Compile that panics, for built-in rules.
func MustCompile(src string) *Formula {
	f, err := Compile(src)
	if err != nil {
		panic(err)
	}
	return f
}

func (f *Formula) String() string { return f.src }

// Eval evaluates the formula. Every referenced variable must be in vars.
func (f *Formula) Eval(vars map[string]decimal.Decimal) (decimal.Decimal, error) {
	return f.root.eval(vars)
}

type node interface {
	eval(vars map[string]decimal.Decimal) (decimal.Decimal, error)
}

type numberNode struct{ v decimal.Decimal }

func (n numberNode) eval(map[string]decimal.Decimal) (decimal.Decimal, error) { return n.v, nil }

type varNode struct{ name string }

func (n varNode) eval(vars map[string]decimal.Decimal) (decimal.Decimal, error) {
	v, ok := vars[n.name]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrMissingVariable, n.name)
	}
	return v, nil
}

type negNode struct{ x node }

func (n negNode) eval(vars map[string]decimal.Decimal) (decimal.Decimal, error) {
	v, err := n.x.eval(vars)
	return v.Neg(), err
}

type binaryNode struct {
	op   byte
	l, r node
}

func (n binaryNode) eval(vars map[string]decimal.Decimal) (decimal.Decimal, error) {
	l, err := n.l.eval(vars)
	if err != nil {
		return decimal.Zero, err
	}
	r, err := n.r.eval(vars)
	if err != nil {
		return decimal.Zero, err
	}
	switch n.op {
	case '+':
		return l.Add(r), nil
	case '-':
		return l.Sub(r), nil
	case '*':
		return l.Mul(r), nil
	default:
		if r.IsZero() {
			return decimal.Zero, ErrDivisionByZero
		}
		return l.DivRound(r, divisionPlaces), nil
	}
}

type callNode struct {
	name string
	fn   func([]decimal.Decimal) (decimal.Decimal, error)
	args []node
}

func (n callNode) eval(vars map[string]decimal.Decimal) (decimal.Decimal, error) {
	vals := make([]decimal.Decimal, len(n.args))
	for i, a := range n.args {
		v, err := a.eval(vars)
		if err != nil {
			return decimal.Zero, err
		}
		vals[i] = v
	}
	return n.fn(vals)
}

type tokKind int

const (
	tokEOF tokKind = iota
	tokNumber
	tokIdent
	tokOp
	tokLParen
	tokRParen
	tokComma
)

type token struct {
	kind tokKind
	text string
	pos  int
}

func lex(src string) ([]token, error) {
	var toks []token
	for i := 0; i < len(src); {
		c := rune(src[i])
		switch {
		case unicode.IsSpace(c):
			i++
		case unicode.IsDigit(c) || c == '.':
			start := i
			for i < len(src) && (unicode.IsDigit(rune(src[i])) || src[i] == '.') {
				i++
			}
			toks = append(toks, token{tokNumber, src[start:i], start})
		case unicode.IsLetter(c) || c == '_':
			start := i
			for i < len(src) && (unicode.IsLetter(rune(src[i])) || unicode.IsDigit(rune(src[i])) || src[i] == '_') {
				i++
			}
			toks = append(toks, token{tokIdent, strings.ToLower(src[start:i]), start})
		case strings.ContainsRune("+-*/", c):
			toks = append(toks, token{tokOp, string(c), i})
			i++
		case c == '(':
			toks = append(toks, token{tokLParen, "(", i})
			i++
		case c == ')':
			toks = append(toks, token{tokRParen, ")", i})
			i++
		case c == ',':
			toks = append(toks, token{tokComma, ",", i})
			i++
		default:
			return nil, fmt.Errorf("%w: unexpected character %q at %d", ErrSyntax, c, i)
		}
	}
	return append(toks, token{kind: tokEOF, pos: len(src)}), nil
}

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

func (p *parser) expr(depth int) (node, error) {
	if depth > maxFormulaDepth {
		return nil, ErrFormulaTooDeep
	}
	left, err := p.term(depth)
	if err != nil {
		return nil, err
	}
	for t := p.peek(); t.kind == tokOp && (t.text == "+" || t.text == "-"); t = p.peek() {
		p.next()
		right, err := p.term(depth)
		if err != nil {
			return nil, err
		}
		left = binaryNode{op: t.text[0], l: left, r: right}
	}
	return left, nil
}

func (p *parser) term(depth int) (node, error) {
	left, err := p.unary(depth)
	if err != nil {
		return nil, err
	}
	for t := p.peek(); t.kind == tokOp && (t.text == "*" || t.text == "/"); t = p.peek() {
		p.next()
		right, err := p.unary(depth)
		if err != nil {
			return nil, err
		}
		left = binaryNode{op: t.text[0], l: left, r: right}
	}
	return left, nil
}

func (p *parser) unary(depth int) (node, error) {
	if t := p.peek(); t.kind == tokOp && t.text == "-" {
		p.next()
		if depth+1 > maxFormulaDepth {
			return nil, ErrFormulaTooDeep
		}
		x, err := p.unary(depth + 1)
		if err != nil {
			return nil, err
		}
		return negNode{x}, nil
	}
	return p.primary(depth)
}

func (p *parser) primary(depth int) (node, error) {
	t := p.next()
	switch t.kind {
	case tokNumber:
		v, err := decimal.NewFromString(t.text)
		if err != nil {
			return nil, fmt.Errorf("%w: bad number %q at %d", ErrSyntax, t.text, t.pos)
		}
		return numberNode{v}, nil

	case tokIdent:
		if p.peek().kind == tokLParen {
			return p.call(t, depth)
		}
		if !isVariable(t.text) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownVariable, t.text)
		}
		return varNode{t.text}, nil

	case tokLParen:
		inner, err := p.expr(depth + 1)
		if err != nil {
			return nil, err
		}
		if p.next().kind != tokRParen {
			return nil, fmt.Errorf("%w: missing ) for ( at %d", ErrSyntax, t.pos)
		}
		return inner, nil
	}
	if t.kind == tokEOF {
		return nil, fmt.Errorf("%w: unexpected end of formula", ErrSyntax)
	}
	return nil, fmt.Errorf("%w: unexpected %q at %d", ErrSyntax, t.text, t.pos)
}

func (p *parser) call(name token, depth int) (node, error) {
	fn, ok := functions[name.text]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFunction, name.text)
	}
	p.next() // (
	call := callNode{name: name.text, fn: fn}
	if p.peek().kind == tokRParen {
		p.next()
		return call, nil
	}
	for {
		arg, err := p.expr(depth + 1)
		if err != nil {
			return nil, err
		}
		call.args = append(call.args, arg)
		switch t := p.next(); t.kind {
		case tokComma:
			continue
		case tokRParen:
			return call, nil
		default:
			return nil, fmt.Errorf("%w: expected , or ) in call to %s at %d", ErrSyntax, name.text, t.pos)
		}
	}
}

func isVariable(name string) bool {
	for _, v := range Variables {
		if v == name {
			return true
		}
	}
	return false
}
