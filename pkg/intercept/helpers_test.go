package intercept

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/polisai/polis-intercept/pkg/domain"
)

// stubLoader serves a mutable behavior set.
type stubLoader struct {
	mu       sync.Mutex
	set      *domain.BehaviorSet
	err      error
	interval time.Duration
	disabled bool
	calls    atomic.Int32
	onLoad   func()
}

func newStubLoader(behaviors ...domain.Behavior) *stubLoader {
	l := &stubLoader{interval: time.Hour}
	l.replace(behaviors...)
	return l
}

func (l *stubLoader) replace(behaviors ...domain.Behavior) {
	set := domain.NewBehaviorSet()
	for _, b := range behaviors {
		set.Put(b.Key, b.Entry)
	}
	l.mu.Lock()
	l.set = set
	l.mu.Unlock()
}

func (l *stubLoader) fail(err error) {
	l.mu.Lock()
	l.err = err
	l.mu.Unlock()
}

func (l *stubLoader) Load(_ context.Context) (*domain.BehaviorSet, error) {
	l.calls.Add(1)
	if l.onLoad != nil {
		l.onLoad()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, l.err
	}
	out := domain.NewBehaviorSet()
	out.PutAll(l.set)
	return out, nil
}

func (l *stubLoader) ReloadInterval() time.Duration { return l.interval }

func (l *stubLoader) Enabled() bool { return !l.disabled }

// executorFunc adapts a function to domain.Executor.
type executorFunc func(ctx context.Context, inv *domain.Invocation) (any, error)

func (f executorFunc) Execute(ctx context.Context, inv *domain.Invocation) (any, error) {
	return f(ctx, inv)
}

func behavior(owner, member, spec, body string) domain.Behavior {
	return domain.Behavior{Key: domain.ParseMatchKey(owner, member, spec), Entry: domain.Entry{Body: body}}
}

// manualClock is a settable clock for time-gate tests.
type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}
