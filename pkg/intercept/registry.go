package intercept

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/polisai/polis-intercept/pkg/domain"
)

var (
	// ErrNoLoader is returned when a refresh is requested without any loader.
	ErrNoLoader = errors.New("no behavior loader registered")
	// ErrLoaderFailure wraps every error raised by a loader during refresh.
	ErrLoaderFailure = errors.New("behavior loader failed")
)

// ShouldRefresh reports whether a refresh is due: now is strictly after last+interval.
func ShouldRefresh(now, last time.Time, interval time.Duration) bool {
	return now.After(last.Add(interval))
}

// Registry is a concurrently readable mapping from MatchKey to Entry, refreshed from a
// Loader. Reads never block; refreshes are serialized.
type Registry struct {
	entries sync.Map // MatchKey.ID() -> domain.Behavior
	size    atomic.Int64

	// lastRefresh holds the refresh instant as nanoseconds past base, plus one; zero means
	// the registry was never refreshed.
	lastRefresh atomic.Int64
	base        time.Time
	clock       func() time.Time

	mu sync.Mutex
}

// NewRegistry creates an empty registry. clock may be nil.
func NewRegistry(clock func() time.Time) *Registry {
	if clock == nil {
		clock = time.Now
	}
	return &Registry{clock: clock, base: clock()}
}

// LastRefresh returns the instant of the last successful refresh, or the zero time.
func (r *Registry) LastRefresh() time.Time {
	stamp := r.lastRefresh.Load()
	if stamp == 0 {
		return time.Time{}
	}
	return r.base.Add(time.Duration(stamp - 1))
}

// Due reports whether the time gate for interval is open. It never blocks.
func (r *Registry) Due(interval time.Duration) bool {
	if r.lastRefresh.Load() == 0 {
		return true
	}
	return ShouldRefresh(r.clock(), r.LastRefresh(), interval)
}

// Refresh reloads the registry from loader when the time gate is open, or unconditionally when
// force is set. Only one refresh runs at a time: a non-forced call made while another refresh
// is in progress returns immediately, a forced call waits for it.
//
// On success, keys missing from the loaded set are evicted first and every loaded key is then
// stored. The two steps are not atomic; a concurrent reader may miss an evicted key before its
// replacement lands, which resolution treats as "not intercepted".
//
// On failure the live entries and the refresh timestamp are left untouched.
func (r *Registry) Refresh(ctx context.Context, loader domain.Loader, force bool) (refreshed bool, err error) {
	if loader == nil {
		return false, ErrNoLoader
	}

	if force {
		r.mu.Lock()
	} else if !r.mu.TryLock() {
		return false, nil
	}
	defer r.mu.Unlock()

	if !force && !r.Due(loader.ReloadInterval()) {
		return false, nil
	}

	candidate, err := load(ctx, loader)
	if err != nil {
		return false, err
	}

	r.apply(candidate)
	r.lastRefresh.Store(int64(r.clock().Sub(r.base)) + 1)
	return true, nil
}

func load(ctx context.Context, loader domain.Loader) (set *domain.BehaviorSet, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			set, err = nil, fmt.Errorf("%w: panic: %v", ErrLoaderFailure, rec)
		}
	}()

	set, err = loader.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLoaderFailure, err)
	}
	if set == nil {
		set = domain.NewBehaviorSet()
	}
	return set, nil
}

func (r *Registry) apply(candidate *domain.BehaviorSet) {
	r.entries.Range(func(id, _ any) bool {
		if !candidate.Contains(id.(string)) {
			r.entries.Delete(id)
		}
		return true
	})

	for _, b := range candidate.Behaviors() {
		r.entries.Store(b.Key.ID(), b)
	}
	r.size.Store(int64(candidate.Len()))
}

// Lookup probes a single key.
func (r *Registry) Lookup(key domain.MatchKey) (domain.Entry, bool) {
	v, ok := r.entries.Load(key.ID())
	if !ok {
		return domain.Entry{}, false
	}
	return v.(domain.Behavior).Entry, true
}

// Resolve finds the behavior for a call site. The wildcard key {owner, member, ["*"]} is
// probed first and wins unconditionally when present; exact-signature entries of the same
// member are only consulted when no wildcard entry exists.
func (r *Registry) Resolve(owner, member string, params []string) (domain.Behavior, bool) {
	if r.size.Load() == 0 {
		return domain.Behavior{}, false
	}

	if v, ok := r.entries.Load(domain.WildcardKey(owner, member).ID()); ok {
		return v.(domain.Behavior), true
	}
	if v, ok := r.entries.Load(domain.MatchKey{Owner: owner, Member: member, Params: params}.ID()); ok {
		return v.(domain.Behavior), true
	}
	return domain.Behavior{}, false
}

// Len returns the number of live entries.
func (r *Registry) Len() int {
	return int(r.size.Load())
}

// Behaviors returns a snapshot of the live entries sorted by key.
func (r *Registry) Behaviors() []domain.Behavior {
	var out []domain.Behavior
	r.entries.Range(func(_, v any) bool {
		out = append(out, v.(domain.Behavior))
		return true
	})
	domain.SortBehaviors(out)
	return out
}

// Keys returns the live keys sorted by their rendered form.
func (r *Registry) Keys() []domain.MatchKey {
	behaviors := r.Behaviors()
	keys := make([]domain.MatchKey, len(behaviors))
	for i, b := range behaviors {
		keys[i] = b.Key
	}
	return keys
}
