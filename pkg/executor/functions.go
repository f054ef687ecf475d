package executor

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/polisai/polis-intercept/pkg/domain"
)

// EngineFunctions is the engine name Functions registers under.
const EngineFunctions = "func"

// Function is a compiled-in behavior.
type Function func(ctx context.Context, inv *domain.Invocation) (any, error)

// Functions executes bodies that name a registered Go function.
type Functions struct {
	mu    sync.RWMutex
	funcs map[string]Function
}

var (
	_ domain.Executor = (*Functions)(nil)
	_ domain.Compiler = (*Functions)(nil)
)

// NewFunctions creates an empty function table.
func NewFunctions() *Functions {
	return &Functions{funcs: make(map[string]Function)}
}

// Register adds fn under name.
func (f *Functions) Register(name string, fn Function) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.funcs[name] = fn
}

func (f *Functions) lookup(body string) (Function, error) {
	name := strings.TrimSpace(body)
	f.mu.RLock()
	fn, ok := f.funcs[name]
	f.mu.RUnlock()
	if !ok {
		return nil, domain.CompileError(EngineFunctions, fmt.Errorf("%w: %q", domain.ErrUnknownFunction, name))
	}
	return fn, nil
}

// Compile checks that body names a registered function.
func (f *Functions) Compile(body string) error {
	_, err := f.lookup(body)
	return err
}

// Execute calls the function the body names. Errors returned by the function are runtime faults
// unless they already carry a phase.
func (f *Functions) Execute(ctx context.Context, inv *domain.Invocation) (any, error) {
	fn, err := f.lookup(inv.Entry.Body)
	if err != nil {
		return nil, err
	}
	result, err := fn(ctx, inv)
	if err != nil {
		se := domain.AsScriptError(err)
		if se.Engine == "" {
			se.Engine = EngineFunctions
		}
		return nil, se
	}
	return result, nil
}
