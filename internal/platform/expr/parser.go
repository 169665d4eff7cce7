package expr

import (
	"fmt"
	"strconv"
)

// ============================================================================
// AST node types
// ============================================================================

type nodeKind int

const (
	ndLiteral nodeKind = iota // string, number, bool, null
	ndIdent                   // bare identifier (field id, binding)
	ndMember                  // a.b
	ndIndex                   // a[b]
	ndCall                    // fn(args...)
	ndMethod                  // a.fn(args...)
	ndUnary                   // !a, -a
	ndBinary                  // arithmetic, comparison, equality
	ndLogical                 // && || ??
	ndTernary                 // a ? b : c
	ndArray                   // [a, b]
)

type astNode struct {
	kind     nodeKind
	value    interface{} // literal value, identifier, property/function name or operator
	children []*astNode
}

// ============================================================================
// Parser: precedence climbing
// ============================================================================

type parser struct {
	tokens []token
	pos    int
}

func parse(src string) (*astNode, error) {
	tokens, err := tokenize(src)
	if err != nil {
		return nil, fmt.Errorf("tokenize: %w", err)
	}
	p := &parser{tokens: tokens}
	root, err := p.parseTernary()
	if err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	if tok := p.peek(); tok.kind != tkEOF {
		return nil, fmt.Errorf("parse: unexpected token %q at position %d", tok.value, tok.pos)
	}
	return root, nil
}

func (p *parser) peek() token {
	if p.pos < len(p.tokens) {
		return p.tokens[p.pos]
	}
	return token{kind: tkEOF, pos: -1}
}

func (p *parser) advance() token {
	t := p.peek()
	if p.pos < len(p.tokens) {
		p.pos++
	}
	return t
}

func (p *parser) expect(kind tokenKind, what string) (token, error) {
	t := p.advance()
	if t.kind != kind {
		if t.kind == tkEOF {
			return t, fmt.Errorf("expected %s but reached end of expression", what)
		}
		return t, fmt.Errorf("expected %s but got %q at position %d", what, t.value, t.pos)
	}
	return t, nil
}

// Operator precedence (lowest to highest):
//   ?:               (0)  handled by parseTernary
//   ??               (1)
//   ||               (2)
//   &&               (3)
//   == != === !==    (4)
//   < > <= >=        (5)
//   + -              (6)
//   * / %            (7)
//   unary ! -        (8)
//   . [] ()          (9)

func (p *parser) parseTernary() (*astNode, error) {
	cond, err := p.parseBinary(1)
	if err != nil {
		return nil, err
	}
	if p.peek().kind != tkQuestion {
		return cond, nil
	}
	p.advance()
	then, err := p.parseTernary()
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(tkColon, "':'"); err != nil {
		return nil, err
	}
	otherwise, err := p.parseTernary()
	if err != nil {
		return nil, err
	}
	return &astNode{kind: ndTernary, children: []*astNode{cond, then, otherwise}}, nil
}

func (p *parser) parseBinary(minPrec int) (*astNode, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		tok := p.peek()
		prec, kind := infixInfo(tok.kind)
		if prec < minPrec {
			break
		}
		p.advance()
		right, err := p.parseBinary(prec + 1)
		if err != nil {
			return nil, err
		}
		left = &astNode{kind: kind, value: tok.value, children: []*astNode{left, right}}
	}
	return left, nil
}

func infixInfo(kind tokenKind) (int, nodeKind) {
	switch kind {
	case tkNullish:
		return 1, ndLogical
	case tkOr:
		return 2, ndLogical
	case tkAnd:
		return 3, ndLogical
	case tkEq, tkNe, tkStrictEq, tkStrictNe:
		return 4, ndBinary
	case tkLt, tkGt, tkLe, tkGe:
		return 5, ndBinary
	case tkPlus, tkMinus:
		return 6, ndBinary
	case tkStar, tkSlash, tkPercent:
		return 7, ndBinary
	}
	return -1, 0
}

func (p *parser) parseUnary() (*astNode, error) {
	tok := p.peek()
	if tok.kind == tkNot || tok.kind == tkMinus {
		p.advance()
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &astNode{kind: ndUnary, value: tok.value, children: []*astNode{operand}}, nil
	}
	return p.parsePostfix()
}

func (p *parser) parsePostfix() (*astNode, error) {
	node, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}

	for {
		switch p.peek().kind {
		case tkDot:
			p.advance()
			ident, err := p.expect(tkIdent, "property name after '.'")
			if err != nil {
				return nil, err
			}
			if p.peek().kind == tkLParen {
				p.advance()
				args, err := p.parseArgList(tkRParen)
				if err != nil {
					return nil, err
				}
				node = &astNode{kind: ndMethod, value: ident.value, children: append([]*astNode{node}, args...)}
			} else {
				node = &astNode{kind: ndMember, value: ident.value, children: []*astNode{node}}
			}
		case tkLBrack:
			p.advance()
			idx, err := p.parseTernary()
			if err != nil {
				return nil, err
			}
			if _, err := p.expect(tkRBrack, "']'"); err != nil {
				return nil, err
			}
			node = &astNode{kind: ndIndex, children: []*astNode{node, idx}}
		default:
			return node, nil
		}
	}
}

func (p *parser) parsePrimary() (*astNode, error) {
	tok := p.advance()

	switch tok.kind {
	case tkLParen:
		inner, err := p.parseTernary()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tkRParen, "')'"); err != nil {
			return nil, err
		}
		return inner, nil

	case tkLBrack:
		items, err := p.parseArgList(tkRBrack)
		if err != nil {
			return nil, err
		}
		return &astNode{kind: ndArray, children: items}, nil

	case tkString:
		return &astNode{kind: ndLiteral, value: tok.value}, nil

	case tkNumber:
		f, err := strconv.ParseFloat(tok.value, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid number %q at position %d", tok.value, tok.pos)
		}
		return &astNode{kind: ndLiteral, value: f}, nil

	case tkIdent:
		switch tok.value {
		case "true":
			return &astNode{kind: ndLiteral, value: true}, nil
		case "false":
			return &astNode{kind: ndLiteral, value: false}, nil
		case "null", "undefined":
			return &astNode{kind: ndLiteral, value: nil}, nil
		}
		if p.peek().kind == tkLParen {
			p.advance()
			args, err := p.parseArgList(tkRParen)
			if err != nil {
				return nil, err
			}
			return &astNode{kind: ndCall, value: tok.value, children: args}, nil
		}
		return &astNode{kind: ndIdent, value: tok.value}, nil

	case tkEOF:
		return nil, fmt.Errorf("unexpected end of expression")

	default:
		return nil, fmt.Errorf("unexpected token %q at position %d", tok.value, tok.pos)
	}
}

// parseArgList parses comma separated expressions up to and including the
// closing token.
func (p *parser) parseArgList(closing tokenKind) ([]*astNode, error) {
	var args []*astNode
	if p.peek().kind == closing {
		p.advance()
		return args, nil
	}
	for {
		arg, err := p.parseTernary()
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
		if p.peek().kind != tkComma {
			break
		}
		p.advance()
	}
	if _, err := p.expect(closing, "closing bracket"); err != nil {
		return nil, err
	}
	return args, nil
}
