package intercept

import (
	"context"
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type Foo struct {
	Greeting string
}

func (f Foo) Hello(name string) string { return f.Greeting + " " + name }

func (f *Foo) Bar() int { return 0 }

type Labels map[string]string

type Greeter interface {
	Hello(name string) string
}

const pkgPath = "github.com/polisai/polis-intercept/pkg/intercept"

func TestTypeName(t *testing.T) {
	tests := []struct {
		name string
		typ  reflect.Type
		want string
	}{
		{"nil", nil, ""},
		{"builtin", reflect.TypeFor[int](), "int"},
		{"string", reflect.TypeFor[string](), "string"},
		{"named struct", reflect.TypeFor[Foo](), pkgPath + ".Foo"},
		{"pointer", reflect.TypeFor[*Foo](), "*" + pkgPath + ".Foo"},
		{"slice", reflect.TypeFor[[]*Foo](), "[]*" + pkgPath + ".Foo"},
		{"map", reflect.TypeFor[map[string]Foo](), "map[string]" + pkgPath + ".Foo"},
		{"named map", reflect.TypeFor[Labels](), pkgPath + ".Labels"},
		{"bytes", reflect.TypeFor[[]byte](), "[]uint8"},
		{"error", reflect.TypeFor[error](), "error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, TypeName(tt.typ))
		})
	}
}

func TestCallSiteOwnerDereferencesPointers(t *testing.T) {
	cs := At(&Foo{}, "Bar")
	assert.Equal(t, reflect.TypeFor[Foo](), cs.Owner())
	assert.Equal(t, pkgPath+".Foo", cs.OwnerName())

	cs = NewCallSite(nil, &Foo{}, "Bar")
	assert.Equal(t, pkgPath+".Foo", cs.OwnerName())
}

func TestCallSiteInterfaceOwnerUsesDynamicType(t *testing.T) {
	var g Greeter = Foo{Greeting: "hi"}
	cs := At(g, "Hello", Arg("name", "bob"))
	assert.Equal(t, pkgPath+".Foo", cs.OwnerName())
}

func TestCallSiteWithoutOwner(t *testing.T) {
	cs := NewCallSite(nil, nil, "Bar")
	assert.Nil(t, cs.Owner())
	assert.Equal(t, "", cs.OwnerName())
}

func TestCallSiteStaticOwnerWithNilInstance(t *testing.T) {
	cs := NewCallSite(reflect.TypeFor[Foo](), nil, "New")
	assert.Equal(t, pkgPath+".Foo", cs.OwnerName())
	assert.Nil(t, cs.Instance())
}

func TestCallSiteParams(t *testing.T) {
	var nilFoo *Foo
	cs := At(Foo{}, "Hello",
		Arg("x", 1),
		Arg("", "two"),
		Arg("target", nilFoo),
	)

	params := cs.Params()
	require.Len(t, params, 3)
	assert.Equal(t, "x", params[0].Name)
	assert.Equal(t, "_1", params[1].Name, "unnamed parameters are named by position")
	assert.Equal(t, "target", params[2].Name)

	assert.Equal(t, []string{"int", "string", "*" + pkgPath + ".Foo"}, cs.Signature())
	assert.Equal(t, pkgPath+".Foo.Hello(int,string,*"+pkgPath+".Foo)", cs.Key().String())

	params[0].Name = "mutated"
	assert.Equal(t, "x", cs.Params()[0].Name, "Params returns a copy")
}

func TestNamedCallSite(t *testing.T) {
	cs := Named("billing.Account", "Withdraw", nil).
		TypedParam("int", "amount", 5).
		TypedParam("string", "", "memo")

	assert.Equal(t, "billing.Account", cs.OwnerName())
	assert.Nil(t, cs.Owner())
	assert.Equal(t, []string{"int", "string"}, cs.Signature())
	assert.Equal(t, "_1", cs.Params()[1].Name)
	assert.Equal(t, "billing.Account.Withdraw(int,string)", cs.Key().String())
}

func TestNamedCallSiteIsResolved(t *testing.T) {
	coord := newTestCoordinator(newStubLoader(behavior("billing.Account", "Withdraw", "int", "7")))

	cs := Named("billing.Account", "Withdraw", nil).TypedParam("int", "amount", 5)
	handled, err := coord.Run(context.Background(), cs)

	require.NoError(t, err)
	assert.True(t, handled)
	assert.Equal(t, 7, cs.Result())
}

func TestCallSiteNoParamsHasEmptySignature(t *testing.T) {
	cs := At(Foo{}, "Bar")
	assert.Empty(t, cs.Signature())
	assert.True(t, cs.Key().Equal(cs.Key()))
}

func TestCallSiteContinueAfter(t *testing.T) {
	cs := At(Foo{}, "Bar")
	assert.False(t, cs.ShouldContinueAfter())
	cs.ContinueAfter()
	assert.True(t, cs.ShouldContinueAfter())
}

func TestResultAs(t *testing.T) {
	cs := At(Foo{}, "Bar")
	cs.result = 42

	n, ok := ResultAs[int](cs)
	assert.True(t, ok)
	assert.Equal(t, 42, n)

	_, ok = ResultAs[string](cs)
	assert.False(t, ok)
}

func TestSymbolsStaticsOf(t *testing.T) {
	syms := NewSymbols()
	syms.RegisterStatics(reflect.TypeFor[*Foo](), map[string]any{"Limit": 10, "Hello": "shadowed"})
	syms.RegisterPackage(pkgPath, map[string]any{"Version": "1.0"})

	statics := syms.StaticsOf(reflect.TypeFor[Foo]())
	assert.Equal(t, 10, statics["Limit"])
	assert.Equal(t, "shadowed", statics["Hello"], "registered statics take precedence")
	require.Contains(t, statics, "Bar")

	bar, ok := statics["Bar"].(func(*Foo) int)
	require.True(t, ok)
	assert.Equal(t, 0, bar(&Foo{}))

	ns := syms.NamespaceOf(reflect.TypeFor[*Foo]())
	assert.Equal(t, map[string]any{"Version": "1.0"}, ns)

	assert.Nil(t, syms.NamespaceOf(reflect.TypeFor[int]()))
	assert.Empty(t, syms.StaticsOf(reflect.TypeFor[Greeter]()))
}

func TestNilSymbolsStillExposeMethods(t *testing.T) {
	var syms *Symbols
	statics := syms.StaticsOf(reflect.TypeFor[Foo]())
	assert.Contains(t, statics, "Hello")
	assert.Nil(t, syms.NamespaceOf(reflect.TypeFor[Foo]()))
}
