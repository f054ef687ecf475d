package loader

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-intercept/pkg/domain"
)

func rows(ctxRows ...Row) func(context.Context) ([]Row, error) {
	return func(context.Context) ([]Row, error) { return ctxRows, nil }
}

func bodies(t *testing.T, set *domain.BehaviorSet) map[string]string {
	t.Helper()
	out := make(map[string]string, set.Len())
	for _, b := range set.Behaviors() {
		out[b.Key.String()] = b.Entry.Body
	}
	return out
}

func TestTriples(t *testing.T) {
	src := Triples(rows(
		Row{Owner: "Foo", Member: "bar", Params: "*", Body: "42"},
		Row{Owner: "Foo", Member: "baz", Params: "", Engine: "lua", Body: "return 1"},
		Row{Owner: "Foo", Member: "qux", Params: "int, string", Body: "x"},
		Row{Owner: "Foo", Member: "bar", Params: "*", Body: "43"},
	))

	set, err := src.Fetch(context.Background())
	require.NoError(t, err)

	want := map[string]string{
		"Foo.bar(*)":          "43",
		"Foo.baz()":           "return 1",
		"Foo.qux(int,string)": "x",
	}
	if diff := cmp.Diff(want, bodies(t, set)); diff != "" {
		t.Errorf("behaviors mismatch (-want +got):\n%s", diff)
	}

	entry, ok := set.Get(domain.NewMatchKey("Foo", "baz"))
	require.True(t, ok)
	assert.Equal(t, "lua", entry.Engine)
}

func TestTriplesRejectsInvalidRows(t *testing.T) {
	_, err := Triples(rows(Row{Owner: "", Member: "bar"})).Fetch(context.Background())
	assert.ErrorIs(t, err, domain.ErrInvalidKey)

	_, err = Triples(rows(Row{Owner: "Foo", Member: "bar", Params: "*,int"})).Fetch(context.Background())
	assert.ErrorIs(t, err, domain.ErrInvalidKey)
}

func TestMap(t *testing.T) {
	src := Map(func(context.Context) (map[string]domain.Entry, error) {
		return map[string]domain.Entry{
			"example.com/shop.Cart.Total(*)": {Body: "0"},
			"Foo.bar(int)":                   {Engine: "rego", Body: "package x"},
		}, nil
	})

	set, err := src.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, set.Len())

	entry, ok := set.Get(domain.WildcardKey("example.com/shop.Cart", "Total"))
	require.True(t, ok)
	assert.Equal(t, "0", entry.Body)

	_, err = Map(func(context.Context) (map[string]domain.Entry, error) {
		return map[string]domain.Entry{"nonsense": {}}, nil
	}).Fetch(context.Background())
	assert.ErrorIs(t, err, domain.ErrInvalidKey)
}

func TestMergeLaterSourceWins(t *testing.T) {
	triples := Triples(rows(
		Row{Owner: "Foo", Member: "bar", Params: "*", Body: "from-rows"},
		Row{Owner: "Foo", Member: "only", Body: "rows"},
	))
	overrides := Map(func(context.Context) (map[string]domain.Entry, error) {
		return map[string]domain.Entry{"Foo.bar(*)": {Body: "from-map"}}, nil
	})

	set, err := Merge(triples, nil, overrides).Fetch(context.Background())
	require.NoError(t, err)

	assert.Equal(t, map[string]string{
		"Foo.bar(*)": "from-map",
		"Foo.only()": "rows",
	}, bodies(t, set))
}

func TestMergeFailsOnFirstError(t *testing.T) {
	boom := errors.New("table missing")
	failing := SourceFunc(func(context.Context) (*domain.BehaviorSet, error) { return nil, boom })

	_, err := Merge(Static(), failing).Fetch(context.Background())
	require.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "source 1")
}

func TestStaticReturnsIndependentCopies(t *testing.T) {
	src := Static(Row{Owner: "Foo", Member: "bar", Body: "1"}.Behavior())

	first, err := src.Fetch(context.Background())
	require.NoError(t, err)
	first.Put(domain.NewMatchKey("Foo", "extra"), domain.Entry{})

	second, err := src.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, second.Len())
}

func TestLoaderDefaultsAndOptions(t *testing.T) {
	l := New(Static())
	assert.True(t, l.Enabled())
	assert.Equal(t, DefaultReloadInterval, l.ReloadInterval())

	l = New(Static(), WithEnabled(false), WithReloadInterval(time.Second))
	assert.False(t, l.Enabled())
	assert.Equal(t, time.Second, l.ReloadInterval())

	l.SetEnabled(true)
	assert.True(t, l.Enabled())
}

func TestLoaderAppliesDocumentSettings(t *testing.T) {
	data := []byte("enabled: false\nreload_interval: 5s\nbehaviors:\n  - {owner: Foo, member: bar, params: \"*\", body: \"1\"}\n")
	src := Documents(func(context.Context) ([]byte, Format, error) { return data, FormatYAML, nil })
	l := New(src, WithReloadInterval(time.Hour))

	set, err := l.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, set.Len())
	assert.False(t, l.Enabled())
	assert.Equal(t, 5*time.Second, l.ReloadInterval())

	data = []byte("behaviors: []\n")
	_, err = l.Load(context.Background())
	require.NoError(t, err)
	assert.False(t, l.Enabled(), "absent settings leave the current values")
	assert.Equal(t, 5*time.Second, l.ReloadInterval())
}
