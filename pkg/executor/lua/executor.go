// Package lua runs behavior bodies as Lua chunks on an embedded gopher-lua interpreter.
//
// A body is either an expression or a chunk ending in a return statement:
//
//	this:Balance() * 2
//	if amount > limit then error("limit exceeded") end; return amount
//
// The instance is bound as this, the call site as jp, and every parameter under its name.
// A bound name may hold nil. Reading a name that is neither bound nor a Lua builtin fails the
// body with a binding error.
// Go values cross into Lua as userdata: fields and map keys are read with '.', methods are
// called with ':' and a Go error returned by a method is raised as the body's own fault.
package lua

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	glua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"

	"github.com/polisai/polis-intercept/internal/cache"
	"github.com/polisai/polis-intercept/pkg/domain"
)

// Engine is the name this executor registers under.
const Engine = "lua"

const (
	// Names under which the instance and the call site are bound.
	nameThis = "this"
	nameJP   = "jp"

	defaultPoolSize  = 4
	defaultCacheSize = 256
)

// Options control executor behaviour.
type Options struct {
	// PoolSize bounds the number of idle interpreter states kept for reuse.
	PoolSize int
	// CacheSize bounds the compiled-chunk cache. Zero selects the default; negative disables
	// caching.
	CacheSize int
	// Timeout bounds a single execution.
	Timeout time.Duration
}

// Executor runs Lua bodies. It is safe for concurrent use; every execution borrows its own
// interpreter state.
type Executor struct {
	states  chan *glua.LState
	protos  *cache.LRU[*glua.FunctionProto]
	timeout time.Duration
}

var (
	_ domain.Executor = (*Executor)(nil)
	_ domain.Compiler = (*Executor)(nil)
)

// New constructs an Executor.
func New(opts Options) *Executor {
	poolSize := opts.PoolSize
	if poolSize <= 0 {
		poolSize = defaultPoolSize
	}
	cacheSize := opts.CacheSize
	switch {
	case cacheSize == 0:
		cacheSize = defaultCacheSize
	case cacheSize < 0:
		cacheSize = 0
	}
	return &Executor{
		states:  make(chan *glua.LState, poolSize),
		protos:  cache.New[*glua.FunctionProto](cacheSize),
		timeout: opts.Timeout,
	}
}

// newState creates an interpreter with the safe subset of the standard library.
func newState() *glua.LState {
	L := glua.NewState(glua.Options{SkipOpenLibs: true})
	glua.OpenBase(L)
	glua.OpenTable(L)
	glua.OpenString(L)
	glua.OpenMath(L)

	// No file system access from bodies.
	L.SetGlobal("dofile", glua.LNil)
	L.SetGlobal("loadfile", glua.LNil)
	L.SetGlobal("print", glua.LNil)
	registerValueType(L)
	return L
}

func (e *Executor) getState() *glua.LState {
	select {
	case L := <-e.states:
		return L
	default:
		return newState()
	}
}

func (e *Executor) putState(L *glua.LState) {
	L.SetTop(0)
	select {
	case e.states <- L:
	default:
		L.Close()
	}
}

// Close releases the idle interpreter states.
func (e *Executor) Close() {
	for {
		select {
		case L := <-e.states:
			L.Close()
		default:
			return
		}
	}
}

// compile parses body, first as a single expression and then as a chunk.
func compile(body string) (*glua.FunctionProto, error) {
	const name = "behavior"
	chunk, err := parse.Parse(strings.NewReader("return "+body), name)
	if err != nil {
		chunk, err = parse.Parse(strings.NewReader(body), name)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrSyntax, err)
		}
	}
	proto, err := glua.Compile(chunk, name)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrSyntax, err)
	}
	return proto, nil
}

func (e *Executor) proto(body string) (*glua.FunctionProto, error) {
	key := strings.TrimSpace(body)
	if proto, ok := e.protos.Get(key); ok {
		return proto, nil
	}
	proto, err := compile(key)
	if err != nil {
		return nil, err
	}
	e.protos.Add(key, proto)
	return proto, nil
}

// Compile parses and compiles body.
func (e *Executor) Compile(body string) error {
	if _, err := e.proto(body); err != nil {
		return domain.CompileError(Engine, err)
	}
	return nil
}

// Execute runs the body of inv and returns its first result.
func (e *Executor) Execute(ctx context.Context, inv *domain.Invocation) (any, error) {
	proto, err := e.proto(inv.Entry.Body)
	if err != nil {
		return nil, domain.CompileError(Engine, err)
	}

	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}
	if err := ctx.Err(); err != nil {
		return nil, domain.RuntimeFault(Engine, err)
	}

	L := e.getState()
	L.SetContext(ctx)

	fn := L.NewFunctionFromProto(proto)
	fn.Env = bindings(L, inv)
	L.Push(fn)
	callErr := L.PCall(0, 1, nil)

	L.RemoveContext()
	if ctx.Err() != nil {
		// An interrupted state may hold a half-unwound stack.
		L.Close()
		return nil, domain.RuntimeFault(Engine, ctx.Err())
	}
	defer e.putState(L)

	if callErr != nil {
		return nil, classify(callErr)
	}
	result := fromLua(L.Get(-1))
	L.Pop(1)
	return result, nil
}

// bindings builds the body's environment. Global writes land in the environment, never in the
// shared interpreter globals. A Lua table cannot hold nil, so declared names are tracked apart
// from their values and read back as nil rather than as unbound.
func bindings(L *glua.LState, inv *domain.Invocation) *glua.LTable {
	env := L.NewTable()
	declared := map[string]struct{}{nameThis: {}, nameJP: {}}
	bind := func(name string, value any) {
		declared[name] = struct{}{}
		env.RawSetString(name, toLua(L, value))
	}
	for name, value := range inv.Namespace {
		bind(name, value)
	}
	for name, value := range inv.Statics {
		bind(name, value)
	}
	for _, p := range inv.Params {
		bind(p.Name, p.Value)
	}
	bind(nameThis, inv.Instance)
	if inv.JoinPoint != nil {
		bind(nameJP, inv.JoinPoint)
	}

	meta := L.NewTable()
	globals := L.G.Global
	meta.RawSetString("__index", L.NewFunction(func(L *glua.LState) int {
		name := L.CheckString(2)
		if _, ok := declared[name]; ok {
			L.Push(glua.LNil)
			return 1
		}
		if v := globals.RawGetString(name); v != glua.LNil {
			L.Push(v)
			return 1
		}
		raise(L, fmt.Errorf("%w: %s", domain.ErrUnboundName, name))
		return 0
	}))
	L.SetMetatable(env, meta)
	return env
}

// raise aborts the running body with err as the error object.
func raise(L *glua.LState, err error) {
	ud := L.NewUserData()
	ud.Value = err
	L.Error(ud, 1)
}

func classify(err error) error {
	var apiErr *glua.ApiError
	if !errors.As(err, &apiErr) {
		return domain.RuntimeFault(Engine, err)
	}
	if ud, ok := apiErr.Object.(*glua.LUserData); ok {
		if cause, ok := ud.Value.(error); ok {
			if errors.Is(cause, domain.ErrUnboundName) {
				return domain.CompileError(Engine, cause)
			}
			return domain.RuntimeFault(Engine, cause)
		}
	}
	if apiErr.Cause != nil {
		return domain.RuntimeFault(Engine, apiErr.Cause)
	}
	return domain.RuntimeFault(Engine, apiErr)
}
