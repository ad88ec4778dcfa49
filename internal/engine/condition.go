package engine

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// Condition — разобранное условие шага.
//
// Грамматика:
//
//	expr    := or
//	or      := and { ("or" | "||") and }
//	and     := not { ("and" | "&&") not }
//	not     := ("not" | "!") not | cmp
//	cmp     := operand [ ("==" | "!=" | "<" | "<=" | ">" | ">=") operand ]
//	operand := ident | string | number | "true" | "false" | "(" expr ")"
//
// Идентификаторы могут содержать точки: steps.build.state, vars.region.
// Выражение не исполняет код — только сравнивает значения из контекста.
type Condition struct {
	src  string
	root condNode
}

// Lookuper — источник значений для идентификаторов условия.
type Lookuper interface {
	Lookup(name string) (any, bool)
}

// ParseCondition разбирает строку условия.
func ParseCondition(src string) (*Condition, error) {
	tokens, err := tokenize(src)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConditionSyntax, err)
	}

	p := &condParser{tokens: tokens}
	root, err := p.parseOr()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConditionSyntax, err)
	}
	if tok := p.peek(); tok.kind != tokEOF {
		return nil, fmt.Errorf("%w: unexpected %q at %d", ErrConditionSyntax, tok.text, tok.pos)
	}

	return &Condition{src: src, root: root}, nil
}

// String возвращает исходный текст условия.
func (c *Condition) String() string {
	return c.src
}

// Eval вычисляет условие в контексте.
func (c *Condition) Eval(ctx Lookuper) (bool, error) {
	v, err := c.root.eval(ctx)
	if err != nil {
		return false, fmt.Errorf("%w: %s: %v", ErrConditionEval, c.src, err)
	}
	return truthy(v), nil
}

// --- AST ---

type condNode interface {
	eval(ctx Lookuper) (any, error)
}

type literalNode struct{ value any }

func (n literalNode) eval(Lookuper) (any, error) { return n.value, nil }

type identNode struct{ name string }

func (n identNode) eval(ctx Lookuper) (any, error) {
	if ctx == nil {
		return nil, nil
	}
	v, _ := ctx.Lookup(n.name)
	return v, nil
}

type notNode struct{ operand condNode }

func (n notNode) eval(ctx Lookuper) (any, error) {
	v, err := n.operand.eval(ctx)
	if err != nil {
		return nil, err
	}
	return !truthy(v), nil
}

type logicalNode struct {
	and         bool
	left, right condNode
}

func (n logicalNode) eval(ctx Lookuper) (any, error) {
	l, err := n.left.eval(ctx)
	if err != nil {
		return nil, err
	}
	// Короткое замыкание
	if n.and && !truthy(l) {
		return false, nil
	}
	if !n.and && truthy(l) {
		return true, nil
	}
	r, err := n.right.eval(ctx)
	if err != nil {
		return nil, err
	}
	return truthy(r), nil
}

type compareNode struct {
	op          string
	left, right condNode
}

func (n compareNode) eval(ctx Lookuper) (any, error) {
	l, err := n.left.eval(ctx)
	if err != nil {
		return nil, err
	}
	r, err := n.right.eval(ctx)
	if err != nil {
		return nil, err
	}

	switch n.op {
	case "==":
		return equal(l, r), nil
	case "!=":
		return !equal(l, r), nil
	}

	lf, lok := toNumber(l)
	rf, rok := toNumber(r)
	if !lok || !rok {
		return nil, fmt.Errorf("operator %s needs numbers, got %v and %v", n.op, l, r)
	}
	switch n.op {
	case "<":
		return lf < rf, nil
	case "<=":
		return lf <= rf, nil
	case ">":
		return lf > rf, nil
	default:
		return lf >= rf, nil
	}
}

// --- значения ---

// truthy приводит значение к bool.
// Строки "false", "0" и пустая строка считаются ложными:
// значения из --set и переменных окружения приходят строками.
func truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case string:
		return x != "" && x != "0" && !strings.EqualFold(x, "false")
	default:
		if f, ok := toNumber(v); ok {
			return f != 0
		}
		return true
	}
}

// equal сравнивает значения с приведением типов:
// bool с bool, число с числом, иначе строковое представление.
func equal(l, r any) bool {
	if l == nil || r == nil {
		return l == nil && r == nil
	}

	if lb, ok := l.(bool); ok {
		rb, ok := toBool(r)
		return ok && lb == rb
	}
	if rb, ok := r.(bool); ok {
		lb, ok := toBool(l)
		return ok && lb == rb
	}

	if lf, lok := toNumber(l); lok {
		if rf, rok := toNumber(r); rok {
			return lf == rf
		}
	}

	return fmt.Sprint(l) == fmt.Sprint(r)
}

func toBool(v any) (bool, bool) {
	switch x := v.(type) {
	case bool:
		return x, true
	case string:
		b, err := strconv.ParseBool(x)
		return b, err == nil
	default:
		return false, false
	}
}

func toNumber(v any) (float64, bool) {
	switch x := v.(type) {
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case string:
		f, err := strconv.ParseFloat(x, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// --- лексер ---

type tokKind int

const (
	tokEOF tokKind = iota
	tokIdent
	tokString
	tokNumber
	tokTrue
	tokFalse
	tokAnd
	tokOr
	tokNot
	tokCmp
	tokLParen
	tokRParen
)

type token struct {
	kind tokKind
	text string
	pos  int
}

func tokenize(src string) ([]token, error) {
	var tokens []token
	rs := []rune(src)

	for i := 0; i < len(rs); {
		c := rs[i]
		switch {
		case unicode.IsSpace(c):
			i++

		case c == '(':
			tokens = append(tokens, token{tokLParen, "(", i})
			i++
		case c == ')':
			tokens = append(tokens, token{tokRParen, ")", i})
			i++

		case c == '\'' || c == '"':
			start := i
			i++
			var sb strings.Builder
			for i < len(rs) && rs[i] != c {
				if rs[i] == '\\' && i+1 < len(rs) {
					i++
				}
				sb.WriteRune(rs[i])
				i++
			}
			if i >= len(rs) {
				return nil, fmt.Errorf("unterminated string at %d", start)
			}
			i++
			tokens = append(tokens, token{tokString, sb.String(), start})

		case c == '=' || c == '!' || c == '<' || c == '>':
			start := i
			if i+1 < len(rs) && rs[i+1] == '=' {
				tokens = append(tokens, token{tokCmp, string(rs[i : i+2]), start})
				i += 2
				continue
			}
			switch c {
			case '!':
				tokens = append(tokens, token{tokNot, "!", start})
			case '<', '>':
				tokens = append(tokens, token{tokCmp, string(c), start})
			default:
				return nil, fmt.Errorf("unexpected '=' at %d (use ==)", start)
			}
			i++

		case c == '&' || c == '|':
			if i+1 >= len(rs) || rs[i+1] != c {
				return nil, fmt.Errorf("unexpected %q at %d", c, i)
			}
			kind := tokAnd
			if c == '|' {
				kind = tokOr
			}
			tokens = append(tokens, token{kind, string(rs[i : i+2]), i})
			i += 2

		case unicode.IsDigit(c) || (c == '-' && i+1 < len(rs) && unicode.IsDigit(rs[i+1])):
			start := i
			i++
			for i < len(rs) && (unicode.IsDigit(rs[i]) || rs[i] == '.') {
				i++
			}
			tokens = append(tokens, token{tokNumber, string(rs[start:i]), start})

		case isIdentRune(c, true):
			start := i
			for i < len(rs) && isIdentRune(rs[i], false) {
				i++
			}
			word := string(rs[start:i])
			switch strings.ToLower(word) {
			case "and":
				tokens = append(tokens, token{tokAnd, word, start})
			case "or":
				tokens = append(tokens, token{tokOr, word, start})
			case "not":
				tokens = append(tokens, token{tokNot, word, start})
			case "true":
				tokens = append(tokens, token{tokTrue, word, start})
			case "false":
				tokens = append(tokens, token{tokFalse, word, start})
			default:
				tokens = append(tokens, token{tokIdent, word, start})
			}

		default:
			return nil, fmt.Errorf("unexpected %q at %d", c, i)
		}
	}

	return append(tokens, token{tokEOF, "", len(rs)}), nil
}

func isIdentRune(c rune, first bool) bool {
	if unicode.IsLetter(c) || c == '_' {
		return true
	}
	if first {
		return false
	}
	return unicode.IsDigit(c) || c == '.' || c == '-'
}

// --- парсер (рекурсивный спуск) ---

type condParser struct {
	tokens []token
	pos    int
}

func (p *condParser) peek() token {
	return p.tokens[p.pos]
}

func (p *condParser) next() token {
	tok := p.tokens[p.pos]
	if tok.kind != tokEOF {
		p.pos++
	}
	return tok
}

func (p *condParser) parseOr() (condNode, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokOr {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = logicalNode{and: false, left: left, right: right}
	}
	return left, nil
}

func (p *condParser) parseAnd() (condNode, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokAnd {
		p.next()
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = logicalNode{and: true, left: left, right: right}
	}
	return left, nil
}

func (p *condParser) parseNot() (condNode, error) {
	if p.peek().kind == tokNot {
		p.next()
		operand, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return notNode{operand: operand}, nil
	}
	return p.parseCompare()
}

func (p *condParser) parseCompare() (condNode, error) {
	left, err := p.parseOperand()
	if err != nil {
		return nil, err
	}
	if p.peek().kind != tokCmp {
		return left, nil
	}
	op := p.next().text
	right, err := p.parseOperand()
	if err != nil {
		return nil, err
	}
	return compareNode{op: op, left: left, right: right}, nil
}

func (p *condParser) parseOperand() (condNode, error) {
	tok := p.next()
	switch tok.kind {
	case tokIdent:
		return identNode{name: tok.text}, nil
	case tokString:
		return literalNode{value: tok.text}, nil
	case tokNumber:
		f, err := strconv.ParseFloat(tok.text, 64)
		if err != nil {
			return nil, fmt.Errorf("bad number %q at %d", tok.text, tok.pos)
		}
		return literalNode{value: f}, nil
	case tokTrue:
		return literalNode{value: true}, nil
	case tokFalse:
		return literalNode{value: false}, nil
	case tokLParen:
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if closing := p.next(); closing.kind != tokRParen {
			return nil, fmt.Errorf("expected ')' at %d", closing.pos)
		}
		return inner, nil
	case tokEOF:
		return nil, fmt.Errorf("unexpected end of expression")
	default:
		return nil, fmt.Errorf("unexpected %q at %d", tok.text, tok.pos)
	}
}
