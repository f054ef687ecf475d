// Package rego evaluates behavior bodies written as Rego modules with an embedded OPA.
//
// The body is a complete module. Its package document is evaluated against an input built
// from the call site and the decision is read from these rules:
//
//	result          the value returned to the host; undefined leaves the call to the host
//	continue_after  when true the host logic resumes after the body
//	fault           a message raised as the body's own fault
//
// The input document carries owner, member, key, params (by name), args (in order), this
// and statics. Values that have no JSON form are left out.
package rego

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"

	"github.com/polisai/polis-intercept/internal/cache"
	"github.com/polisai/polis-intercept/pkg/domain"
)

// Engine is the name this executor registers under.
const Engine = "rego"

// Decision document keys.
const (
	keyResult        = "result"
	keyContinueAfter = "continue_after"
	keyFault         = "fault"
)

// ErrFault is wrapped by faults a module raises through its fault rule.
var ErrFault = errors.New("rego fault")

const defaultCacheSize = 128

// Options control executor behaviour.
type Options struct {
	// CacheSize bounds the prepared-query cache. Zero selects the default; negative disables
	// caching.
	CacheSize int
	// Timeout bounds a single evaluation.
	Timeout time.Duration
}

// Executor evaluates Rego bodies.
type Executor struct {
	queries *cache.LRU[*rego.PreparedEvalQuery]
	timeout time.Duration
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
	return &Executor{queries: cache.New[*rego.PreparedEvalQuery](size), timeout: opts.Timeout}
}

func bodyKey(body string) string {
	sum := sha256.Sum256([]byte(body))
	return hex.EncodeToString(sum[:])
}

// prepare parses body and prepares the query for its package document.
func (e *Executor) prepare(ctx context.Context, body string) (*rego.PreparedEvalQuery, error) {
	key := bodyKey(body)
	if prepared, ok := e.queries.Get(key); ok {
		return prepared, nil
	}

	module, err := ast.ParseModuleWithOpts("behavior.rego", body, ast.ParserOptions{RegoVersion: ast.RegoV1})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrSyntax, err)
	}
	if module == nil {
		return nil, fmt.Errorf("%w: empty module", domain.ErrSyntax)
	}

	r := rego.New(
		rego.Query(module.Package.Path.String()),
		rego.ParsedModule(module),
	)
	prepared, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrSyntax, err)
	}
	e.queries.Add(key, &prepared)
	return &prepared, nil
}

// Compile parses body and type checks it.
func (e *Executor) Compile(body string) error {
	if _, err := e.prepare(context.Background(), body); err != nil {
		return domain.CompileError(Engine, err)
	}
	return nil
}

// Execute evaluates the module in inv.Entry.Body.
func (e *Executor) Execute(ctx context.Context, inv *domain.Invocation) (any, error) {
	prepared, err := e.prepare(ctx, inv.Entry.Body)
	if err != nil {
		return nil, domain.CompileError(Engine, err)
	}

	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	results, err := prepared.Eval(ctx, rego.EvalInput(input(inv)))
	if err != nil {
		return nil, domain.RuntimeFault(Engine, err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return inv.JoinPoint, nil
	}

	decision, ok := results[0].Expressions[0].Value.(map[string]any)
	if !ok {
		return nil, domain.RuntimeFault(Engine, fmt.Errorf("unexpected decision type %T", results[0].Expressions[0].Value))
	}

	if fault, ok := decision[keyFault]; ok {
		return nil, domain.RuntimeFault(Engine, fmt.Errorf("%w: %v", ErrFault, fault))
	}
	if cont, _ := decision[keyContinueAfter].(bool); cont && inv.JoinPoint != nil {
		inv.JoinPoint.ContinueAfter()
	}
	result, ok := decision[keyResult]
	if !ok {
		return inv.JoinPoint, nil
	}
	return normalize(result), nil
}

// input builds the input document for inv.
func input(inv *domain.Invocation) map[string]any {
	params := make(map[string]any, len(inv.Params))
	args := make([]any, 0, len(inv.Params))
	for _, p := range inv.Params {
		v, _ := jsonable(p.Value)
		params[p.Name] = v
		args = append(args, v)
	}
	statics := make(map[string]any, len(inv.Statics))
	for name, value := range inv.Statics {
		if v, ok := jsonable(value); ok {
			statics[name] = v
		}
	}

	doc := map[string]any{
		"key":     inv.Key.String(),
		"params":  params,
		"args":    args,
		"statics": statics,
	}
	if inv.JoinPoint != nil {
		doc["owner"] = inv.JoinPoint.OwnerName()
		doc["member"] = inv.JoinPoint.Member()
	} else {
		doc["owner"] = inv.Key.Owner
		doc["member"] = inv.Key.Member
	}
	if this, ok := jsonable(inv.Instance); ok {
		doc["this"] = this
	}
	return doc
}

// jsonable returns the JSON form of v as plain maps, slices and scalars.
func jsonable(v any) (any, bool) {
	if v == nil {
		return nil, true
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, false
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, false
	}
	return out, true
}

// normalize turns the json.Number values OPA produces into int or float64.
func normalize(v any) any {
	switch val := v.(type) {
	case json.Number:
		if i, err := val.Int64(); err == nil && i >= math.MinInt && i <= math.MaxInt {
			return int(i)
		}
		if f, err := val.Float64(); err == nil {
			return f
		}
		return val.String()
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = normalize(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalize(item)
		}
		return out
	}
	return v
}
