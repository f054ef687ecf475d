package expr

import (
	"context"
	"fmt"
)

// LookupFunc resolves identifiers encountered in expressions.
type LookupFunc func(name string) (any, bool)

type node interface {
	Eval(ctx context.Context, lookup LookupFunc) (any, error)
}

type sequenceExpr struct {
	statements []node
}

type ternaryExpr struct {
	cond      node
	then      node
	otherwise node
}

type binaryExpr struct {
	op    tokenType
	left  node
	right node
}

type unaryExpr struct {
	op      tokenType
	operand node
}

type selectorExpr struct {
	target node
	name   string
}

type callExpr struct {
	callee node
	args   []node
}

type indexExpr struct {
	target node
	index  node
}

type identifierExpr struct {
	name string
}

type literalExpr struct {
	value any
}

func (n *sequenceExpr) Eval(ctx context.Context, lookup LookupFunc) (any, error) {
	var last any
	for _, stmt := range n.statements {
		value, err := stmt.Eval(ctx, lookup)
		if err != nil {
			return nil, err
		}
		last = value
	}
	return last, nil
}

func (n *ternaryExpr) Eval(ctx context.Context, lookup LookupFunc) (any, error) {
	condVal, err := n.cond.Eval(ctx, lookup)
	if err != nil {
		return nil, err
	}
	ok, err := toBool(condVal)
	if err != nil {
		return nil, err
	}
	if ok {
		return n.then.Eval(ctx, lookup)
	}
	return n.otherwise.Eval(ctx, lookup)
}

func (n *binaryExpr) Eval(ctx context.Context, lookup LookupFunc) (any, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	leftVal, err := n.left.Eval(ctx, lookup)
	if err != nil {
		return nil, err
	}

	switch n.op {
	case tokenAnd:
		leftBool, err := toBool(leftVal)
		if err != nil {
			return nil, err
		}
		if !leftBool {
			return false, nil
		}
		rightVal, err := n.right.Eval(ctx, lookup)
		if err != nil {
			return nil, err
		}
		return toBool(rightVal)
	case tokenOr:
		leftBool, err := toBool(leftVal)
		if err != nil {
			return nil, err
		}
		if leftBool {
			return true, nil
		}
		rightVal, err := n.right.Eval(ctx, lookup)
		if err != nil {
			return nil, err
		}
		return toBool(rightVal)
	}

	rightVal, err := n.right.Eval(ctx, lookup)
	if err != nil {
		return nil, err
	}

	switch n.op {
	case tokenEq:
		return equals(leftVal, rightVal)
	case tokenNeq:
		eq, err := equals(leftVal, rightVal)
		if err != nil {
			return nil, err
		}
		return !eq, nil
	case tokenGt, tokenGte, tokenLt, tokenLte:
		return compare(leftVal, rightVal, n.op)
	case tokenPlus, tokenMinus, tokenStar, tokenSlash, tokenPercent:
		return arithmetic(leftVal, rightVal, n.op)
	default:
		return nil, fmt.Errorf("%w: unsupported binary operator %s", ErrSyntax, n.op)
	}
}

func (n *unaryExpr) Eval(ctx context.Context, lookup LookupFunc) (any, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	value, err := n.operand.Eval(ctx, lookup)
	if err != nil {
		return nil, err
	}
	switch n.op {
	case tokenNot:
		boolVal, err := toBool(value)
		if err != nil {
			return nil, err
		}
		return !boolVal, nil
	case tokenMinus:
		if i, ok := toInt(value); ok {
			return int(-i), nil
		}
		number, ok := toFloat(value)
		if !ok {
			return nil, fmt.Errorf("%w: unary - expects numeric operand", ErrTypeMismatch)
		}
		return -number, nil
	case tokenPlus:
		if i, ok := toInt(value); ok {
			return int(i), nil
		}
		number, ok := toFloat(value)
		if !ok {
			return nil, fmt.Errorf("%w: unary + expects numeric operand", ErrTypeMismatch)
		}
		return number, nil
	default:
		return nil, fmt.Errorf("%w: unsupported unary operator", ErrSyntax)
	}
}

func (n *selectorExpr) Eval(ctx context.Context, lookup LookupFunc) (any, error) {
	target, err := n.target.Eval(ctx, lookup)
	if err != nil {
		return nil, err
	}
	return selectMember(target, n.name)
}

func (n *callExpr) Eval(ctx context.Context, lookup LookupFunc) (any, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	callee, err := n.callee.Eval(ctx, lookup)
	if err != nil {
		return nil, err
	}
	args := make([]any, len(n.args))
	for i, arg := range n.args {
		if args[i], err = arg.Eval(ctx, lookup); err != nil {
			return nil, err
		}
	}
	if b, ok := callee.(builtin); ok {
		return b(args)
	}
	return callFunc(callee, args)
}

func (n *indexExpr) Eval(ctx context.Context, lookup LookupFunc) (any, error) {
	target, err := n.target.Eval(ctx, lookup)
	if err != nil {
		return nil, err
	}
	index, err := n.index.Eval(ctx, lookup)
	if err != nil {
		return nil, err
	}
	return indexValue(target, index)
}

func (n *identifierExpr) Eval(ctx context.Context, lookup LookupFunc) (any, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	if value, ok := lookup(n.name); ok {
		return value, nil
	}
	if b, ok := builtins[n.name]; ok {
		return b, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownIdentifier, n.name)
}

func (n *literalExpr) Eval(ctx context.Context, _ LookupFunc) (any, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	return n.value, nil
}

func checkContext(ctx context.Context) error {
	if ctx == nil {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}
