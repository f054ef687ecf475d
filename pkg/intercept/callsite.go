package intercept

import (
	"context"
	"reflect"
	"strconv"

	"github.com/polisai/polis-intercept/pkg/domain"
)

// Param is one declared parameter of a call site.
type Param struct {
	Type  reflect.Type
	Name  string
	Value any
	// TypeName overrides the name derived from Type.
	TypeName string
}

func (p Param) typeName() string {
	if p.TypeName != "" {
		return p.TypeName
	}
	return TypeName(p.Type)
}

// Arg captures a parameter together with its static type, so a nil pointer or interface
// value still contributes its declared type to the signature.
func Arg[T any](name string, value T) Param {
	return Param{Type: reflect.TypeFor[T](), Name: name, Value: value}
}

// CallSite describes one interception attempt. It is created by host code at an
// interception point, used by a single goroutine and discarded after the outcome is read.
type CallSite struct {
	owner     reflect.Type
	ownerName string
	instance  any
	member    string
	params    []Param

	result        any
	continueAfter bool
}

var _ domain.JoinPoint = (*CallSite)(nil)

// At describes a call of member on instance. The owner type is the static type T with
// pointers removed; an interface T defers to the dynamic type of instance.
func At[T any](instance T, member string, args ...Param) *CallSite {
	owner := reflect.TypeFor[T]()
	if owner.Kind() == reflect.Interface {
		owner = nil
	}
	return NewCallSite(owner, instance, member).With(args...)
}

// NewCallSite describes a call of member on instance, owned by owner. A nil owner falls back
// to the dynamic type of instance.
func NewCallSite(owner reflect.Type, instance any, member string) *CallSite {
	if owner == nil && instance != nil {
		owner = reflect.TypeOf(instance)
	}
	return &CallSite{owner: ownerType(owner), instance: instance, member: member}
}

// Named describes a call by names alone, for call sites that have no Go type behind them
// (simulation, foreign hosts). Parameters are added with TypedParam.
func Named(owner, member string, instance any) *CallSite {
	return &CallSite{ownerName: owner, instance: instance, member: member}
}

// TypedParam appends one parameter whose type is given by name.
func (c *CallSite) TypedParam(typeName, name string, value any) *CallSite {
	c.Param(nil, name, value)
	c.params[len(c.params)-1].TypeName = typeName
	return c
}

// With appends parameters in declared order.
func (c *CallSite) With(args ...Param) *CallSite {
	for _, a := range args {
		c.Param(a.Type, a.Name, a.Value)
		c.params[len(c.params)-1].TypeName = a.TypeName
	}
	return c
}

// Param appends one parameter. An empty name is replaced by its position, "_<index>".
func (c *CallSite) Param(t reflect.Type, name string, value any) *CallSite {
	if name == "" {
		name = "_" + strconv.Itoa(len(c.params))
	}
	c.params = append(c.params, Param{Type: t, Name: name, Value: value})
	return c
}

// Owner returns the owner type.
func (c *CallSite) Owner() reflect.Type { return c.owner }

// OwnerName returns the qualified owner type name used for matching.
func (c *CallSite) OwnerName() string {
	if c.ownerName != "" {
		return c.ownerName
	}
	return TypeName(c.owner)
}

// Instance returns the receiver, which may be nil.
func (c *CallSite) Instance() any { return c.instance }

// Member returns the member name.
func (c *CallSite) Member() string { return c.member }

// Params returns a copy of the declared parameters.
func (c *CallSite) Params() []Param {
	return append([]Param(nil), c.params...)
}

// Signature returns the ordered parameter type names.
func (c *CallSite) Signature() []string {
	sig := make([]string, len(c.params))
	for i, p := range c.params {
		sig[i] = p.typeName()
	}
	return sig
}

// Key returns the exact match key of this call site.
func (c *CallSite) Key() domain.MatchKey {
	return domain.MatchKey{Owner: c.OwnerName(), Member: c.member, Params: c.Signature()}
}

// Result returns the value produced by the executed behavior.
func (c *CallSite) Result() any { return c.result }

// ContinueAfter asks for the host logic to run after the behavior, even though the behavior
// executed. It does not stop the body; it is inspected once the body returns.
func (c *CallSite) ContinueAfter() { c.continueAfter = true }

// ShouldContinueAfter reports whether ContinueAfter was requested.
func (c *CallSite) ShouldContinueAfter() bool { return c.continueAfter }

// RunIf resolves the call site against coord. It reports whether the host should skip its own
// logic and use Result instead.
func (c *CallSite) RunIf(ctx context.Context, coord *Coordinator) (bool, error) {
	if coord == nil {
		return false, nil
	}
	return coord.Run(ctx, c)
}

// Run resolves the call site against the process-wide default coordinator.
func (c *CallSite) Run(ctx context.Context) (bool, error) {
	return c.RunIf(ctx, Default())
}

// ResultAs returns the result converted to R when it holds one.
func ResultAs[R any](c *CallSite) (R, bool) {
	r, ok := c.result.(R)
	return r, ok
}
