package expr

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-intercept/pkg/domain"
	"github.com/polisai/polis-intercept/pkg/intercept"
	"github.com/polisai/polis-intercept/pkg/loader"
)

var errInsufficientFunds = errors.New("insufficient funds")

type Account struct {
	Owner   string
	balance int
	Tags    map[string]string
}

func (a *Account) Balance() int { return a.balance }

func (a *Account) Withdraw(amount int) (int, error) {
	if amount > a.balance {
		return 0, errInsufficientFunds
	}
	a.balance -= amount
	return a.balance, nil
}

func (a Account) Label(prefix string, parts ...string) string {
	out := prefix + a.Owner
	for _, p := range parts {
		out += "/" + p
	}
	return out
}

func mapLookup(values map[string]any) LookupFunc {
	return func(name string) (any, bool) {
		v, ok := values[name]
		return v, ok
	}
}

func eval(t *testing.T, source string, scope map[string]any) (any, error) {
	t.Helper()
	prog, err := Parse(context.Background(), source)
	if err != nil {
		return nil, err
	}
	return prog.Eval(context.Background(), mapLookup(scope))
}

func TestEval(t *testing.T) {
	acct := &Account{Owner: "ada", balance: 100, Tags: map[string]string{"tier": "gold"}}
	scope := map[string]any{
		"acct":  acct,
		"x":     7,
		"ratio": 0.5,
		"names": []string{"a", "b", "c"},
		"limit": int64(50),
		"add":   func(a, b int) int { return a + b },
	}

	tests := []struct {
		name string
		expr string
		want any
	}{
		{"integer literal", "42", 42},
		{"float literal", "1.5", 1.5},
		{"leading dot float", ".25", 0.25},
		{"string", `"hi"`, "hi"},
		{"nil", "nil", nil},
		{"integer arithmetic", "x * 6 - (2 + 4) / 3", 40},
		{"modulo", "x % 4", 3},
		{"mixed arithmetic", "x * ratio", 3.5},
		{"unary minus", "-x", -7},
		{"concatenation", `"n=" + x`, "n=7"},
		{"comparison across int kinds", "limit < x * 10", true},
		{"logic", "x > 5 && !(x == 8) || false", true},
		{"ternary", `x > 10 ? "big" : "small"`, "small"},
		{"nested ternary", `x > 10 ? "big" : x > 5 ? "medium" : "small"`, "medium"},
		{"sequence yields last", "1; 2; x", 7},
		{"trailing semicolon", "x;", 7},
		{"comment", "# double it\nx * 2", 14},
		{"method call", "acct.Balance()", 100},
		{"lower-case method name", "acct.balance()", 100},
		{"field", "acct.Owner", "ada"},
		{"lower-case field", "acct.owner", "ada"},
		{"map member", "acct.Tags.tier", "gold"},
		{"map index", `acct.Tags["tier"]`, "gold"},
		{"missing map key", `acct.Tags["none"]`, nil},
		{"slice index", "names[1]", "b"},
		{"value method on pointer", `acct.Label("@")`, "@ada"},
		{"variadic method", `acct.Label("@", "x", "y")`, "@ada/x/y"},
		{"function value", "add(x, 3)", 10},
		{"builtin len", "len(names)", 3},
		{"builtin str", "str(x) + str(1)", "71"},
		{"builtin int", "int(7.9)", 7},
		{"builtin float", "float(x)", 7.0},
		{"builtin sprintf", `sprintf("%s:%d", acct.Owner, x)`, "ada:7"},
		{"nil equality", "acct.Tags.none == nil", true},
		{"pointer identity", "acct == acct", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := eval(t, tt.expr, scope)
			if err != nil {
				t.Fatalf("Eval(%q) error = %v", tt.expr, err)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvalErrors(t *testing.T) {
	scope := map[string]any{
		"acct":    &Account{Owner: "ada", balance: 10},
		"x":       7,
		"nothing": nil,
	}

	tests := []struct {
		name string
		expr string
		want error
	}{
		{"unknown identifier", "missing + 1", ErrUnknownIdentifier},
		{"dangling operator", "x >=", ErrSyntax},
		{"unbalanced paren", "(x + 1", ErrSyntax},
		{"lone equals", "x = 1", ErrSyntax},
		{"unterminated string", `"abc`, ErrSyntax},
		{"missing ternary branch", "x ? 1", ErrSyntax},
		{"empty", "  ", ErrSyntax},
		{"type mismatch", `x == "seven"`, ErrTypeMismatch},
		{"non-boolean condition", "x ? 1 : 2", ErrTypeMismatch},
		{"division by zero", "x / 0", ErrDivisionByZero},
		{"nil member", "nothing.field", ErrNilDereference},
		{"unknown member", "acct.Nope", ErrUnknownMember},
		{"index out of range", `"ab"[5]`, ErrIndexOutOfRange},
		{"not callable", "x()", ErrNotCallable},
		{"wrong arity", "acct.Withdraw()", ErrTypeMismatch},
		{"wrong argument type", `acct.Withdraw("all")`, ErrTypeMismatch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := eval(t, tt.expr, scope)
			if !errors.Is(err, tt.want) {
				t.Fatalf("Eval(%q) error = %v, want %v", tt.expr, err, tt.want)
			}
		})
	}
}

func TestEvalHonoursCancelledContext(t *testing.T) {
	prog, err := Parse(context.Background(), "1 + 1")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = prog.Eval(ctx, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func invocation(body string, instance any, params ...domain.NamedValue) *domain.Invocation {
	return &domain.Invocation{
		Key:      domain.WildcardKey("Account", "Withdraw"),
		Entry:    domain.Entry{Engine: Engine, Body: body},
		Instance: instance,
		Params:   params,
	}
}

func TestExecutorClassifiesFailures(t *testing.T) {
	exec := New(Options{})
	acct := &Account{balance: 10}

	_, err := exec.Execute(context.Background(), invocation("$this.Withdraw(amount)", acct,
		domain.NamedValue{Name: "amount", Value: 50}))
	var se *domain.ScriptError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, domain.PhaseRuntime, se.Phase)
	assert.Same(t, errInsufficientFunds, se.Err, "the Go error returned by the method is kept")

	_, err = exec.Execute(context.Background(), invocation(`fail("nope")`, acct))
	require.ErrorAs(t, err, &se)
	assert.Equal(t, domain.PhaseRuntime, se.Phase)
	assert.EqualError(t, se.Err, "nope")

	_, err = exec.Execute(context.Background(), invocation("$this.Balance( +", acct))
	require.ErrorAs(t, err, &se)
	assert.Equal(t, domain.PhaseCompile, se.Phase)
	assert.ErrorIs(t, err, domain.ErrSyntax)

	_, err = exec.Execute(context.Background(), invocation("undefined_name", acct))
	require.ErrorAs(t, err, &se)
	assert.Equal(t, domain.PhaseCompile, se.Phase)
	assert.ErrorIs(t, err, domain.ErrUnboundName)

	_, err = exec.Execute(context.Background(), invocation("1 / 0", acct))
	require.ErrorAs(t, err, &se)
	assert.Equal(t, domain.PhaseRuntime, se.Phase)
}

func TestExecutorFailWithErrorValue(t *testing.T) {
	exec := New(Options{})
	inv := invocation("fail(cause)", nil)
	inv.Namespace = map[string]any{"cause": errInsufficientFunds}

	_, err := exec.Execute(context.Background(), inv)
	assert.ErrorIs(t, err, errInsufficientFunds)
}

func TestExecutorCompileAndCache(t *testing.T) {
	exec := New(Options{CacheSize: 2})
	require.NoError(t, exec.Compile("1 + 1"))
	require.NoError(t, exec.Compile(" 1 + 1 "))
	assert.Equal(t, 1, exec.programs.Len())

	err := exec.Compile("1 +")
	var se *domain.ScriptError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, Engine, se.Engine)
	assert.Equal(t, 1, exec.programs.Len(), "failed parses are not cached")

	uncached := New(Options{CacheSize: -1})
	require.NoError(t, uncached.Compile("1"))
	assert.Zero(t, uncached.programs.Len())
}

func TestExecutorTimeout(t *testing.T) {
	exec := New(Options{Timeout: time.Millisecond})
	inv := invocation("slow()", nil)
	inv.Namespace = map[string]any{"slow": func() int { time.Sleep(5 * time.Millisecond); return 1 }}
	inv.Entry.Body = "slow(); slow()"

	_, err := exec.Execute(context.Background(), inv)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

type Greeter struct{ Greeting string }

func (g *Greeter) Hello(name string) string { return g.Greeting + " " + name }

func TestCoordinatorWithExprBehaviors(t *testing.T) {
	owner := intercept.TypeName(reflectTypeOfGreeter)
	src := loader.Static(
		loader.Row{Owner: owner, Member: "Hello", Params: "*", Body: `name == "bob" ? "hey bob" : $jp`}.Behavior(),
		loader.Row{Owner: owner, Member: "Shout", Params: "*", Body: `$jp.continueAfter(); $this.Greeting + "!"`}.Behavior(),
	)
	coord := intercept.NewCoordinator(intercept.CoordinatorConfig{
		Loader:   loader.New(src),
		Executor: New(Options{}),
	})
	g := &Greeter{Greeting: "hello"}

	cs := intercept.At(g, "Hello", intercept.Arg("name", "bob"))
	handled, err := coord.Run(context.Background(), cs)
	require.NoError(t, err)
	assert.True(t, handled)
	assert.Equal(t, "hey bob", cs.Result())

	cs = intercept.At(g, "Hello", intercept.Arg("name", "eve"))
	handled, err = coord.Run(context.Background(), cs)
	require.NoError(t, err)
	assert.False(t, handled, "returning the join point leaves the call to the host")

	cs = intercept.At(g, "Shout")
	handled, err = coord.Run(context.Background(), cs)
	require.NoError(t, err)
	assert.False(t, handled)
	assert.Equal(t, "hello!", cs.Result())
}

var reflectTypeOfGreeter = reflect.TypeFor[Greeter]()

func TestExecutorNilBindings(t *testing.T) {
	exec := New(Options{})

	tests := []struct {
		name     string
		body     string
		instance any
		params   []domain.NamedValue
		want     any
	}{
		{"nil parameter", `name == nil ? "anon" : name`, &Account{}, []domain.NamedValue{{Name: "name"}}, "anon"},
		{"set parameter", `name == nil ? "anon" : name`, &Account{}, []domain.NamedValue{{Name: "name", Value: "ada"}}, "ada"},
		{"typed nil parameter", "acct == nil", nil, []domain.NamedValue{{Name: "acct", Value: (*Account)(nil)}}, true},
		{"nil instance", "$this == nil", nil, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := exec.Execute(context.Background(), invocation(tt.body, tt.instance, tt.params...))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCoordinatorStaticCallSiteWithNilArgument(t *testing.T) {
	src := loader.Static(
		loader.Row{Owner: intercept.TypeName(reflectTypeOfGreeter), Member: "Default", Params: "*",
			Body: `$this == nil && name == nil ? "hello stranger" : $jp`}.Behavior(),
	)
	coord := intercept.NewCoordinator(intercept.CoordinatorConfig{
		Loader:   loader.New(src),
		Executor: New(Options{}),
	})

	cs := intercept.NewCallSite(reflectTypeOfGreeter, nil, "Default").Param(reflect.TypeFor[*string](), "name", nil)
	handled, err := coord.Run(context.Background(), cs)
	require.NoError(t, err)
	assert.True(t, handled)
	assert.Equal(t, "hello stranger", cs.Result())
}
