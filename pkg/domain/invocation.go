package domain

import (
	"context"
	"reflect"
)

// Reserved binding names under which the instance and the call site are visible to a body.
const (
	BindingInstance = "$this"
	BindingCallSite = "$jp"
)

// JoinPoint is the view of a call-site descriptor exposed to executed bodies.
type JoinPoint interface {
	OwnerName() string
	Member() string
	Instance() any
	// ContinueAfter asks the coordinator to resume the host logic after the body ends.
	ContinueAfter()
	ShouldContinueAfter() bool
}

// NamedValue is one ordered binding.
type NamedValue struct {
	Name  string
	Type  reflect.Type
	Value any
}

// Invocation is the binding context handed to an Executor.
type Invocation struct {
	Key      MatchKey
	Entry    Entry
	Instance any
	// JoinPoint is the descriptor itself; returning it from a body means "not an override".
	JoinPoint JoinPoint
	// Params are bound in declared order under their names.
	Params []NamedValue
	// Statics are the owner's static members, visible without qualification.
	Statics map[string]any
	// Namespace holds the symbols of the owner's package, visible without qualification.
	Namespace map[string]any
}

// Scope flattens the bindings into one lookup table. Precedence, lowest first: namespace,
// statics, parameters, reserved names.
func (inv *Invocation) Scope() map[string]any {
	scope := make(map[string]any, len(inv.Namespace)+len(inv.Statics)+len(inv.Params)+2)
	for name, value := range inv.Namespace {
		scope[name] = value
	}
	for name, value := range inv.Statics {
		scope[name] = value
	}
	for _, p := range inv.Params {
		scope[p.Name] = p.Value
	}
	scope[BindingInstance] = inv.Instance
	scope[BindingCallSite] = inv.JoinPoint
	return scope
}

// IsJoinPoint reports whether v is the invocation's own descriptor.
func (inv *Invocation) IsJoinPoint(v any) bool {
	if v == nil || inv.JoinPoint == nil {
		return false
	}
	jp, ok := v.(JoinPoint)
	return ok && jp == inv.JoinPoint
}

// Executor runs a behavior body with the bindings of an invocation.
type Executor interface {
	// Execute returns the body's value or a *ScriptError.
	Execute(ctx context.Context, inv *Invocation) (any, error)
}

// Compiler is implemented by executors able to validate a body without running it.
type Compiler interface {
	Compile(body string) error
}
