package intercept

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/polisai/polis-intercept/pkg/domain"
)

func TestShouldRefreshProperty(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	rapid.Check(t, func(rt *rapid.T) {
		last := base.Add(time.Duration(rapid.Int64Range(-1e12, 1e12).Draw(rt, "last")))
		now := base.Add(time.Duration(rapid.Int64Range(-1e12, 1e12).Draw(rt, "now")))
		interval := time.Duration(rapid.Int64Range(0, 1e12).Draw(rt, "interval"))

		want := now.UnixNano() > last.UnixNano()+int64(interval)
		if got := ShouldRefresh(now, last, interval); got != want {
			rt.Fatalf("ShouldRefresh(%v, %v, %v) = %v, want %v", now, last, interval, got, want)
		}
	})
}

func TestRegistryFirstGateCheckIsDue(t *testing.T) {
	reg := NewRegistry(nil)
	assert.True(t, reg.Due(time.Hour))
	assert.True(t, reg.LastRefresh().IsZero())
}

func TestRegistryTimeGate(t *testing.T) {
	clock := newManualClock()
	reg := NewRegistry(clock.Now)
	loader := newStubLoader(behavior("Foo", "bar", "", "1"))
	loader.interval = time.Minute

	refreshed, err := reg.Refresh(context.Background(), loader, false)
	require.NoError(t, err)
	require.True(t, refreshed)
	assert.Equal(t, clock.Now(), reg.LastRefresh())

	clock.Advance(time.Minute)
	refreshed, err = reg.Refresh(context.Background(), loader, false)
	require.NoError(t, err)
	assert.False(t, refreshed, "gate opens strictly after the interval")

	refreshed, err = reg.Refresh(context.Background(), loader, true)
	require.NoError(t, err)
	assert.True(t, refreshed, "forced refresh bypasses the gate")

	clock.Advance(time.Minute + time.Nanosecond)
	assert.True(t, reg.Due(time.Minute))
	assert.EqualValues(t, 2, loader.calls.Load())
}

// For every registry, a wildcard entry is chosen over any exact entry of the same member.
func TestWildcardShadowsExactProperty(t *testing.T) {
	typeName := rapid.SampledFrom([]string{"int", "string", "bool", "*Foo", "[]byte"})
	rapid.Check(t, func(rt *rapid.T) {
		sig := rapid.SliceOfN(typeName, 0, 3).Draw(rt, "signature")
		withWildcard := rapid.Bool().Draw(rt, "with_wildcard")

		set := domain.NewBehaviorSet()
		set.Put(domain.NewMatchKey("Foo", "bar", sig...), domain.Entry{Body: "exact"})
		if withWildcard {
			set.Put(domain.WildcardKey("Foo", "bar"), domain.Entry{Body: "wildcard"})
		}

		reg := NewRegistry(nil)
		reg.apply(set)

		got, ok := reg.Resolve("Foo", "bar", sig)
		if !ok {
			rt.Fatalf("expected a match for %v", sig)
		}
		want := "exact"
		if withWildcard {
			want = "wildcard"
		}
		if got.Entry.Body != want {
			rt.Fatalf("resolved %q, want %q", got.Entry.Body, want)
		}
	})
}

func TestResolveUnregisteredMemberIsMiss(t *testing.T) {
	reg := NewRegistry(nil)
	_, ok := reg.Resolve("Foo", "bar", nil)
	assert.False(t, ok)

	loader := newStubLoader(behavior("Foo", "bar", "int", "1"))
	_, err := reg.Refresh(context.Background(), loader, true)
	require.NoError(t, err)

	_, ok = reg.Resolve("Foo", "baz", []string{"int"})
	assert.False(t, ok)
	_, ok = reg.Resolve("Foo", "bar", []string{"int", "int"})
	assert.False(t, ok, "exact signature must match in full")
	_, ok = reg.Resolve("Foo", "bar", []string{"int"})
	assert.True(t, ok)
}

// After a refresh, stale keys are gone and candidate keys resolve to the new entry.
func TestRefreshEvictsAndOverwritesProperty(t *testing.T) {
	members := rapid.SampledFrom([]string{"a", "b", "c", "d", "e"})
	rapid.Check(t, func(rt *rapid.T) {
		oldMembers := rapid.SliceOfDistinct(members, func(s string) string { return s }).Draw(rt, "old")
		newMembers := rapid.SliceOfDistinct(members, func(s string) string { return s }).Draw(rt, "new")

		loader := newStubLoader()
		var old []domain.Behavior
		for _, m := range oldMembers {
			old = append(old, behavior("Foo", m, "", "old-"+m))
		}
		loader.replace(old...)

		reg := NewRegistry(nil)
		if _, err := reg.Refresh(context.Background(), loader, true); err != nil {
			rt.Fatalf("initial refresh: %v", err)
		}

		var fresh []domain.Behavior
		inNew := map[string]bool{}
		for _, m := range newMembers {
			fresh = append(fresh, behavior("Foo", m, "", "new-"+m))
			inNew[m] = true
		}
		loader.replace(fresh...)
		if _, err := reg.Refresh(context.Background(), loader, true); err != nil {
			rt.Fatalf("second refresh: %v", err)
		}

		for _, m := range append(oldMembers, newMembers...) {
			got, ok := reg.Resolve("Foo", m, []string{})
			if inNew[m] {
				if !ok || got.Entry.Body != "new-"+m {
					rt.Fatalf("member %s: got %+v ok=%v, want new entry", m, got, ok)
				}
			} else if ok {
				rt.Fatalf("member %s should have been evicted", m)
			}
		}
		if reg.Len() != len(newMembers) {
			rt.Fatalf("Len() = %d, want %d", reg.Len(), len(newMembers))
		}
	})
}

func TestLoaderFailureKeepsRegistryAndTimestamp(t *testing.T) {
	clock := newManualClock()
	reg := NewRegistry(clock.Now)
	loader := newStubLoader(behavior("Foo", "bar", "", "1"), behavior("Foo", "baz", "*", "2"))

	_, err := reg.Refresh(context.Background(), loader, true)
	require.NoError(t, err)
	stamp := reg.LastRefresh()

	boom := errors.New("backend unavailable")
	loader.fail(boom)
	clock.Advance(2 * time.Hour)

	refreshed, err := reg.Refresh(context.Background(), loader, false)
	assert.False(t, refreshed)
	require.ErrorIs(t, err, ErrLoaderFailure)
	require.ErrorIs(t, err, boom)

	assert.Equal(t, stamp, reg.LastRefresh())
	assert.True(t, reg.Due(loader.interval), "gate stays open so the next call retries")
	_, ok := reg.Resolve("Foo", "bar", []string{})
	assert.True(t, ok)
	_, ok = reg.Resolve("Foo", "baz", []string{"string"})
	assert.True(t, ok)
}

func TestLoaderPanicIsContained(t *testing.T) {
	reg := NewRegistry(nil)
	loader := newStubLoader()
	loader.onLoad = func() { panic("corrupt source") }

	refreshed, err := reg.Refresh(context.Background(), loader, true)
	assert.False(t, refreshed)
	require.ErrorIs(t, err, ErrLoaderFailure)
	assert.True(t, reg.LastRefresh().IsZero())
}

func TestRefreshNeverRunsConcurrently(t *testing.T) {
	reg := NewRegistry(nil)
	loader := newStubLoader(behavior("Foo", "bar", "", "1"))
	loader.interval = 0

	var inFlight, maxInFlight atomic.Int32
	loader.onLoad = func() {
		n := inFlight.Add(1)
		for {
			cur := maxInFlight.Load()
			if n <= cur || maxInFlight.CompareAndSwap(cur, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		inFlight.Add(-1)
	}

	var wg sync.WaitGroup
	for i := range 16 {
		wg.Add(1)
		go func(force bool) {
			defer wg.Done()
			_, _ = reg.Refresh(context.Background(), loader, force)
		}(i%4 == 0)
	}
	wg.Wait()

	assert.EqualValues(t, 1, maxInFlight.Load())
}

func TestRefreshWithoutLoader(t *testing.T) {
	_, err := NewRegistry(nil).Refresh(context.Background(), nil, true)
	assert.ErrorIs(t, err, ErrNoLoader)
}

func TestRegistryBehaviorsSnapshotSorted(t *testing.T) {
	reg := NewRegistry(nil)
	loader := newStubLoader(behavior("Foo", "zed", "", "1"), behavior("Foo", "alpha", "int", "2"))
	_, err := reg.Refresh(context.Background(), loader, true)
	require.NoError(t, err)

	got := reg.Behaviors()
	require.Len(t, got, 2)
	assert.Equal(t, "alpha", got[0].Key.Member)
	assert.Equal(t, "zed", got[1].Key.Member)

	entry, ok := reg.Lookup(domain.NewMatchKey("Foo", "alpha", "int"))
	require.True(t, ok)
	assert.Equal(t, "2", entry.Body)
}
