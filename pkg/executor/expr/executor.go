// Package expr implements the default behavior language: a small expression language with
// arithmetic, comparisons, a ternary, ';'-separated statements and reflective access to
// fields, methods and functions of bound Go values.
//
//	$this.Balance() > limit ? fail("limit exceeded") : $this.Balance() * 2
//	$jp.continueAfter(); nil
//
// Identifiers resolve against the invocation bindings. Unknown identifiers fail the body
// as a binding error; faults raised with fail(v) or returned as errors by called Go functions
// are runtime faults carrying the original error.
package expr

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/polisai/polis-intercept/internal/cache"
	"github.com/polisai/polis-intercept/pkg/domain"
)

// Engine is the name this executor registers under.
const Engine = "expr"

var (
	// ErrSyntax indicates the body could not be parsed.
	ErrSyntax = domain.ErrSyntax
	// ErrUnknownIdentifier indicates a referenced name is not bound.
	ErrUnknownIdentifier = domain.ErrUnboundName
	// ErrTypeMismatch indicates an operation was applied to unsupported operand types.
	ErrTypeMismatch = errors.New("type mismatch")
	// ErrDivisionByZero is raised by '/' and '%' with a zero divisor.
	ErrDivisionByZero = errors.New("division by zero")
	// ErrNilDereference is raised when selecting or indexing into nil.
	ErrNilDereference = errors.New("nil dereference")
	// ErrUnknownMember indicates a value has no field, key or method of the requested name.
	ErrUnknownMember = errors.New("unknown member")
	// ErrIndexOutOfRange is raised for out of bounds indexes.
	ErrIndexOutOfRange = errors.New("index out of range")
	// ErrNotCallable indicates a call of a value that is not a function.
	ErrNotCallable = errors.New("value is not callable")
)

// Program is a parsed body. It is immutable and safe for concurrent evaluation.
type Program struct {
	source string
	root   node
}

// Parse parses source into a Program.
func Parse(ctx context.Context, source string) (*Program, error) {
	source = strings.TrimSpace(source)
	if ctx == nil {
		ctx = context.Background()
	}
	p := newParser(ctx, newLexer(source))
	root, err := p.parseProgram()
	if err != nil {
		return nil, err
	}
	return &Program{source: source, root: root}, nil
}

// Source returns the trimmed program text.
func (p *Program) Source() string { return p.source }

// Eval evaluates the program against lookup.
func (p *Program) Eval(ctx context.Context, lookup LookupFunc) (any, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if lookup == nil {
		lookup = func(string) (any, bool) { return nil, false }
	}
	return p.root.Eval(ctx, lookup)
}

// Options control executor behaviour.
type Options struct {
	// CacheSize bounds the parsed-program cache. Zero selects the default; negative disables
	// caching.
	CacheSize int
	// Timeout bounds a single evaluation. Zero leaves evaluation bounded by the caller's context
	// only.
	Timeout time.Duration
}

const defaultCacheSize = 512

// Executor runs expr bodies.
type Executor struct {
	programs *cache.LRU[*Program]
	timeout  time.Duration
}

var (
	_ domain.Executor = (*Executor)(nil)
	_ domain.Compiler = (*Executor)(nil)
)

// New constructs an Executor.
func New(opts Options) *Executor {
	size := opts.CacheSize
	switch {
	case size == 0:
		size = defaultCacheSize
	case size < 0:
		size = 0
	}
	return &Executor{programs: cache.New[*Program](size), timeout: opts.Timeout}
}

func (e *Executor) program(body string) (*Program, error) {
	key := strings.TrimSpace(body)
	if prog, ok := e.programs.Get(key); ok {
		return prog, nil
	}
	prog, err := Parse(context.Background(), key)
	if err != nil {
		return nil, err
	}
	e.programs.Add(key, prog)
	return prog, nil
}

// Compile parses body.
func (e *Executor) Compile(body string) error {
	if _, err := e.program(body); err != nil {
		return domain.CompileError(Engine, err)
	}
	return nil
}

// Execute evaluates the body of inv with its bindings in scope.
func (e *Executor) Execute(ctx context.Context, inv *domain.Invocation) (any, error) {
	prog, err := e.program(inv.Entry.Body)
	if err != nil {
		return nil, domain.CompileError(Engine, err)
	}

	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	scope := inv.Scope()
	value, err := prog.Eval(ctx, func(name string) (any, bool) {
		v, ok := scope[name]
		return v, ok
	})
	if err != nil {
		return nil, classify(err)
	}
	return value, nil
}

func classify(err error) error {
	var raised *raisedError
	if errors.As(err, &raised) {
		return domain.RuntimeFault(Engine, raised.err)
	}
	if errors.Is(err, ErrSyntax) || errors.Is(err, ErrUnknownIdentifier) {
		return domain.CompileError(Engine, err)
	}
	return domain.RuntimeFault(Engine, err)
}
