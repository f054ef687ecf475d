// Package hcl evaluates behavior bodies written as HCL native-syntax expressions.
//
//	code == "TENOFF" ? this.total / 10 : null
//	continue_after(jp)
//
// The instance is bound as this, the call site as jp, and every parameter and static under its
// name. A nil binding is null. Go values are visible as HCL objects through their JSON form.
// Values without one are opaque and can only be passed around.
//
// Unlike the other engines, a null result is never a handled nil: HCL conditionals need both
// branches to share a type, so null hands the call back to the host, as returning jp does. A
// body that overrides a member without a result returns true instead. Both branches of a
// conditional are evaluated, so continue_after belongs outside of them.
package hcl

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	hclv2 "github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function"

	"github.com/polisai/polis-intercept/internal/cache"
	"github.com/polisai/polis-intercept/pkg/domain"
)

// Engine is the name this executor registers under.
const Engine = "hcl"

const (
	nameThis = "this"
	nameJP   = "jp"

	defaultCacheSize = 256
)

// ErrFault is wrapped by faults raised with fail(message).
var ErrFault = errors.New("hcl fault")

// Options control executor behaviour.
type Options struct {
	// CacheSize bounds the parsed-expression cache. Zero selects the default; negative disables
	// caching.
	CacheSize int
	// Functions are made available to bodies in addition to the standard set.
	Functions map[string]function.Function
}

// Executor evaluates HCL bodies.
type Executor struct {
	exprs     *cache.LRU[hclsyntax.Expression]
	functions map[string]function.Function
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
	funcs := standardFunctions()
	for name, fn := range opts.Functions {
		funcs[name] = fn
	}
	return &Executor{exprs: cache.New[hclsyntax.Expression](size), functions: funcs}
}

// Functions lists the names of the functions bodies may call.
func (e *Executor) Functions() []string {
	names := make([]string, 0, len(e.functions))
	for name := range e.functions {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// parse parses body and checks that every function it calls exists.
func (e *Executor) parse(body string) (hclsyntax.Expression, error) {
	key := strings.TrimSpace(body)
	if expr, ok := e.exprs.Get(key); ok {
		return expr, nil
	}

	expr, diags := hclsyntax.ParseExpression([]byte(key), "behavior.hcl", hclv2.InitialPos)
	if diags.HasErrors() {
		return nil, fmt.Errorf("%w: %s", domain.ErrSyntax, diags.Error())
	}

	var unknown error
	hclsyntax.VisitAll(expr, func(node hclsyntax.Node) hclv2.Diagnostics {
		if call, ok := node.(*hclsyntax.FunctionCallExpr); ok && unknown == nil {
			if _, exists := e.functions[call.Name]; !exists {
				unknown = fmt.Errorf("%w: %q", domain.ErrUnknownFunction, call.Name)
			}
		}
		return nil
	})
	if unknown != nil {
		return nil, unknown
	}

	e.exprs.Add(key, expr)
	return expr, nil
}

// Compile parses body.
func (e *Executor) Compile(body string) error {
	if _, err := e.parse(body); err != nil {
		return domain.CompileError(Engine, err)
	}
	return nil
}

// Execute evaluates the body of inv.
func (e *Executor) Execute(ctx context.Context, inv *domain.Invocation) (any, error) {
	expr, err := e.parse(inv.Entry.Body)
	if err != nil {
		return nil, domain.CompileError(Engine, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, domain.RuntimeFault(Engine, err)
	}

	vars := variables(inv)
	for _, traversal := range expr.Variables() {
		if _, ok := vars[traversal.RootName()]; !ok {
			return nil, domain.CompileError(Engine, fmt.Errorf("%w: %s", domain.ErrUnboundName, traversal.RootName()))
		}
	}

	value, diags := expr.Value(&hclv2.EvalContext{Variables: vars, Functions: e.functions})
	if diags.HasErrors() {
		return nil, classify(diags)
	}

	if value.IsNull() {
		return inv.JoinPoint, nil
	}
	result, err := fromCty(value)
	if err != nil {
		return nil, domain.RuntimeFault(Engine, err)
	}
	return result, nil
}

func variables(inv *domain.Invocation) map[string]cty.Value {
	vars := make(map[string]cty.Value, len(inv.Namespace)+len(inv.Statics)+len(inv.Params)+2)
	for name, value := range inv.Namespace {
		if hclsyntax.ValidIdentifier(name) {
			vars[name] = toCty(value)
		}
	}
	for name, value := range inv.Statics {
		if hclsyntax.ValidIdentifier(name) {
			vars[name] = toCty(value)
		}
	}
	for _, p := range inv.Params {
		vars[p.Name] = toCty(p.Value)
	}
	vars[nameThis] = toCty(inv.Instance)
	if inv.JoinPoint != nil {
		vars[nameJP] = joinPointVal(inv.JoinPoint)
	} else {
		vars[nameJP] = cty.NullVal(cty.DynamicPseudoType)
	}
	return vars
}

// classify returns the first error a called function raised, or the diagnostics themselves.
func classify(diags hclv2.Diagnostics) error {
	for _, diag := range diags {
		if diag.Severity != hclv2.DiagError {
			continue
		}
		if extra, ok := hclv2.DiagnosticExtra[hclsyntax.FunctionCallDiagExtra](diag); ok {
			if err := extra.FunctionCallError(); err != nil {
				return domain.RuntimeFault(Engine, err)
			}
		}
	}
	return domain.RuntimeFault(Engine, diags)
}
