package rego

import (
	"context"
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-intercept/pkg/domain"
	"github.com/polisai/polis-intercept/pkg/intercept"
	"github.com/polisai/polis-intercept/pkg/loader"
)

type Order struct {
	ID    string `json:"id"`
	Total int    `json:"total"`
}

type joinPoint struct{ cont bool }

func (j *joinPoint) OwnerName() string         { return "Order" }
func (j *joinPoint) Member() string            { return "Discount" }
func (j *joinPoint) Instance() any             { return nil }
func (j *joinPoint) ContinueAfter()            { j.cont = true }
func (j *joinPoint) ShouldContinueAfter() bool { return j.cont }

const discountModule = `package behaviors.discount

result := input.this.total / 10 if input.params.code == "TENOFF"

continue_after if input.params.code == "AUDIT"
`

func invocation(body string, code string) *domain.Invocation {
	return &domain.Invocation{
		Key:       domain.WildcardKey("Order", "Discount"),
		Entry:     domain.Entry{Engine: Engine, Body: body},
		Instance:  &Order{ID: "o-1", Total: 250},
		JoinPoint: &joinPoint{},
		Params: []domain.NamedValue{
			{Name: "code", Type: reflect.TypeFor[string](), Value: code},
			{Name: "notify", Type: reflect.TypeFor[func()](), Value: func() {}},
		},
	}
}

func TestExecuteDecision(t *testing.T) {
	exec := New(Options{})

	got, err := exec.Execute(context.Background(), invocation(discountModule, "TENOFF"))
	require.NoError(t, err)
	assert.Equal(t, 25, got)

	inv := invocation(discountModule, "NONE")
	got, err = exec.Execute(context.Background(), inv)
	require.NoError(t, err)
	assert.True(t, inv.IsJoinPoint(got), "undefined result leaves the call to the host")
	assert.False(t, inv.JoinPoint.ShouldContinueAfter())

	inv = invocation(discountModule, "AUDIT")
	_, err = exec.Execute(context.Background(), inv)
	require.NoError(t, err)
	assert.True(t, inv.JoinPoint.ShouldContinueAfter())
}

func TestExecuteInputDocument(t *testing.T) {
	exec := New(Options{})
	body := `package behaviors.echo

result := {
	"owner": input.owner,
	"member": input.member,
	"key": input.key,
	"args": count(input.args),
	"id": input.this.id,
}
`
	got, err := exec.Execute(context.Background(), invocation(body, "x"))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"owner":  "Order",
		"member": "Discount",
		"key":    "Order.Discount(*)",
		"args":   2,
		"id":     "o-1",
	}, got)
}

func TestExecuteFault(t *testing.T) {
	exec := New(Options{})
	body := `package behaviors.guard

fault := sprintf("order %s rejected", [input.this.id]) if input.this.total > 100
`
	_, err := exec.Execute(context.Background(), invocation(body, ""))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrFault)
	var se *domain.ScriptError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, domain.PhaseRuntime, se.Phase)
	assert.Contains(t, err.Error(), "order o-1 rejected")
}

func TestCompileErrors(t *testing.T) {
	exec := New(Options{})

	tests := []struct {
		name string
		body string
	}{
		{"not a module", "result := 1"},
		{"syntax", "package x\n\nresult := if {"},
		{"unsafe variable", "package x\n\nresult := y if { y > 1 }"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := exec.Compile(tt.body)
			require.Error(t, err)
			assert.ErrorIs(t, err, domain.ErrSyntax)

			_, err = exec.Execute(context.Background(), invocation(tt.body, ""))
			var se *domain.ScriptError
			require.ErrorAs(t, err, &se)
			assert.Equal(t, domain.PhaseCompile, se.Phase)
		})
	}

	assert.NoError(t, exec.Compile(discountModule))
}

func TestPreparedQueriesAreCached(t *testing.T) {
	exec := New(Options{CacheSize: 4})
	require.NoError(t, exec.Compile(discountModule))
	assert.Equal(t, 1, exec.queries.Len())

	_, err := exec.Execute(context.Background(), invocation(discountModule, "TENOFF"))
	require.NoError(t, err)
	assert.Equal(t, 1, exec.queries.Len())
}

func TestCoordinatorWithRegoBehaviors(t *testing.T) {
	owner := intercept.TypeName(reflect.TypeFor[Order]())
	src := loader.Static(
		loader.Row{Owner: owner, Member: "Discount", Params: "*", Engine: Engine, Body: discountModule}.Behavior(),
	)
	coord := intercept.NewCoordinator(intercept.CoordinatorConfig{
		Loader:   loader.New(src),
		Executor: New(Options{}),
	})
	order := &Order{ID: "o-2", Total: 90}

	cs := intercept.At(order, "Discount", intercept.Arg("code", "TENOFF"))
	handled, err := coord.Run(context.Background(), cs)
	require.NoError(t, err)
	assert.True(t, handled)
	got, ok := intercept.ResultAs[int](cs)
	require.True(t, ok)
	assert.Equal(t, 9, got)

	cs = intercept.At(order, "Discount", intercept.Arg("code", "OTHER"))
	handled, err = coord.Run(context.Background(), cs)
	require.NoError(t, err)
	assert.False(t, handled)
}
