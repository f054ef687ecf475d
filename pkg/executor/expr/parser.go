package expr

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

type parser struct {
	ctx  context.Context
	lex  *lexer
	cur  token
	peek token
}

func newParser(ctx context.Context, lex *lexer) *parser {
	p := &parser{ctx: ctx, lex: lex}
	p.nextToken()
	p.nextToken()
	return p
}

func (p *parser) nextToken() {
	p.cur = p.peek
	p.peek = p.lex.nextToken()
}

// parseProgram parses statements separated by ';'. The value of a program is the value of its
// last statement.
func (p *parser) parseProgram() (node, error) {
	var statements []node
	for {
		for p.cur.typ == tokenSemicolon {
			p.nextToken()
		}
		if p.cur.typ == tokenEOF {
			break
		}
		stmt, err := p.parseExpression()
		if err != nil {
			return nil, err
		}
		statements = append(statements, stmt)

		if p.cur.typ == tokenEOF {
			break
		}
		if err := p.expect(tokenSemicolon); err != nil {
			return nil, err
		}
	}

	switch len(statements) {
	case 0:
		return nil, fmt.Errorf("%w: empty expression", ErrSyntax)
	case 1:
		return statements[0], nil
	default:
		return &sequenceExpr{statements: statements}, nil
	}
}

func (p *parser) parseExpression() (node, error) {
	return p.parseTernary()
}

func (p *parser) parseTernary() (node, error) {
	cond, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.cur.typ != tokenQuestion {
		return cond, nil
	}
	p.nextToken()

	then, err := p.parseExpression()
	if err != nil {
		return nil, err
	}
	if err := p.expect(tokenColon); err != nil {
		return nil, err
	}
	p.nextToken()

	otherwise, err := p.parseExpression()
	if err != nil {
		return nil, err
	}
	return &ternaryExpr{cond: cond, then: then, otherwise: otherwise}, nil
}

func (p *parser) parseOr() (node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}

	for p.cur.typ == tokenOr {
		op := p.cur.typ
		p.nextToken()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &binaryExpr{op: op, left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (node, error) {
	left, err := p.parseComparison()
	if err != nil {
		return nil, err
	}

	for p.cur.typ == tokenAnd {
		op := p.cur.typ
		p.nextToken()
		right, err := p.parseComparison()
		if err != nil {
			return nil, err
		}
		left = &binaryExpr{op: op, left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseComparison() (node, error) {
	left, err := p.parseAdditive()
	if err != nil {
		return nil, err
	}

	for {
		switch p.cur.typ {
		case tokenEq, tokenNeq, tokenGt, tokenGte, tokenLt, tokenLte:
			op := p.cur.typ
			p.nextToken()
			right, err := p.parseAdditive()
			if err != nil {
				return nil, err
			}
			left = &binaryExpr{op: op, left: left, right: right}
		default:
			return left, nil
		}
	}
}

func (p *parser) parseAdditive() (node, error) {
	left, err := p.parseMultiplicative()
	if err != nil {
		return nil, err
	}

	for p.cur.typ == tokenPlus || p.cur.typ == tokenMinus {
		op := p.cur.typ
		p.nextToken()
		right, err := p.parseMultiplicative()
		if err != nil {
			return nil, err
		}
		left = &binaryExpr{op: op, left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseMultiplicative() (node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}

	for p.cur.typ == tokenStar || p.cur.typ == tokenSlash || p.cur.typ == tokenPercent {
		op := p.cur.typ
		p.nextToken()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = &binaryExpr{op: op, left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseUnary() (node, error) {
	switch p.cur.typ {
	case tokenNot, tokenMinus, tokenPlus:
		op := p.cur.typ
		p.nextToken()
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &unaryExpr{op: op, operand: operand}, nil
	}
	return p.parsePostfix()
}

func (p *parser) parsePostfix() (node, error) {
	expr, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}

	for {
		switch p.cur.typ {
		case tokenDot:
			p.nextToken()
			if err := p.expect(tokenIdentifier); err != nil {
				return nil, err
			}
			expr = &selectorExpr{target: expr, name: p.cur.literal}
			p.nextToken()
		case tokenLParen:
			p.nextToken()
			args, err := p.parseArguments()
			if err != nil {
				return nil, err
			}
			expr = &callExpr{callee: expr, args: args}
		case tokenLBracket:
			p.nextToken()
			index, err := p.parseExpression()
			if err != nil {
				return nil, err
			}
			if err := p.expect(tokenRBracket); err != nil {
				return nil, err
			}
			p.nextToken()
			expr = &indexExpr{target: expr, index: index}
		default:
			return expr, nil
		}
	}
}

// parseArguments parses a call's argument list; the opening parenthesis is already consumed.
func (p *parser) parseArguments() ([]node, error) {
	var args []node
	if p.cur.typ == tokenRParen {
		p.nextToken()
		return args, nil
	}
	for {
		arg, err := p.parseExpression()
		if err != nil {
			return nil, err
		}
		args = append(args, arg)

		if p.cur.typ == tokenComma {
			p.nextToken()
			continue
		}
		if err := p.expect(tokenRParen); err != nil {
			return nil, err
		}
		p.nextToken()
		return args, nil
	}
}

func (p *parser) parsePrimary() (node, error) {
	if err := checkContext(p.ctx); err != nil {
		return nil, err
	}

	tok := p.cur
	switch tok.typ {
	case tokenIdentifier:
		p.nextToken()
		return &identifierExpr{name: tok.literal}, nil
	case tokenInt:
		p.nextToken()
		value, err := strconv.Atoi(tok.literal)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid integer %q", ErrSyntax, tok.literal)
		}
		return &literalExpr{value: value}, nil
	case tokenFloat:
		p.nextToken()
		value, err := strconv.ParseFloat(tok.literal, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid number %q", ErrSyntax, tok.literal)
		}
		return &literalExpr{value: value}, nil
	case tokenString:
		p.nextToken()
		return &literalExpr{value: tok.literal}, nil
	case tokenBool:
		p.nextToken()
		return &literalExpr{value: strings.EqualFold(tok.literal, "true")}, nil
	case tokenNil:
		p.nextToken()
		return &literalExpr{value: nil}, nil
	case tokenLParen:
		p.nextToken()
		exprNode, err := p.parseExpression()
		if err != nil {
			return nil, err
		}
		if err := p.expect(tokenRParen); err != nil {
			return nil, err
		}
		p.nextToken()
		return exprNode, nil
	case tokenIllegal:
		return nil, fmt.Errorf("%w: %s at offset %d", ErrSyntax, tok.literal, tok.pos)
	case tokenEOF:
		return nil, fmt.Errorf("%w: unexpected end of expression", ErrSyntax)
	default:
		return nil, fmt.Errorf("%w: unexpected token %q at offset %d", ErrSyntax, tok.literal, tok.pos)
	}
}

func (p *parser) expect(expected tokenType) error {
	if p.cur.typ == tokenIllegal {
		return fmt.Errorf("%w: %s at offset %d", ErrSyntax, p.cur.literal, p.cur.pos)
	}
	if p.cur.typ != expected {
		return fmt.Errorf("%w: expected %s, got %s at offset %d", ErrSyntax, expected.String(), p.cur.typ.String(), p.cur.pos)
	}
	return nil
}
