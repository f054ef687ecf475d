package loader

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/polisai/polis-intercept/pkg/domain"
)

// DefaultReloadInterval applies when neither an option nor a document sets one.
const DefaultReloadInterval = 30 * time.Second

// Settings are loader switches a source may carry alongside its behaviors. Nil fields leave the
// current value unchanged.
type Settings struct {
	Enabled        *bool
	ReloadInterval *time.Duration
}

// SettingsSource is implemented by sources whose content also carries loader settings. The
// Loader reads them after every successful Fetch.
type SettingsSource interface {
	Source
	Settings() Settings
}

// Option configures a Loader.
type Option func(*Loader)

// WithReloadInterval sets the minimum time between opportunistic refreshes.
func WithReloadInterval(d time.Duration) Option {
	return func(l *Loader) { l.interval.Store(int64(d)) }
}

// WithEnabled sets the initial enabled switch.
func WithEnabled(enabled bool) Option {
	return func(l *Loader) { l.enabled.Store(enabled) }
}

// WithLogger sets the logger used to report settings changes.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Loader) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// Loader adapts a Source to domain.Loader.
type Loader struct {
	source   Source
	interval atomic.Int64
	enabled  atomic.Bool
	logger   *slog.Logger
}

var _ domain.Loader = (*Loader)(nil)

// New creates a Loader over source. It is enabled, with DefaultReloadInterval, unless options
// say otherwise.
func New(source Source, opts ...Option) *Loader {
	l := &Loader{source: source, logger: slog.Default()}
	l.interval.Store(int64(DefaultReloadInterval))
	l.enabled.Store(true)
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load fetches the candidate set from the source.
func (l *Loader) Load(ctx context.Context) (*domain.BehaviorSet, error) {
	set, err := l.source.Fetch(ctx)
	if err != nil {
		return nil, err
	}
	if s, ok := l.source.(SettingsSource); ok {
		l.apply(s.Settings())
	}
	return set, nil
}

func (l *Loader) apply(s Settings) {
	if s.Enabled != nil && l.enabled.Swap(*s.Enabled) != *s.Enabled {
		l.logger.Info("Interception switched", "enabled", *s.Enabled)
	}
	if s.ReloadInterval != nil {
		if old := time.Duration(l.interval.Swap(int64(*s.ReloadInterval))); old != *s.ReloadInterval {
			l.logger.Info("Reload interval changed", "from", old, "to", *s.ReloadInterval)
		}
	}
}

// ReloadInterval returns the current reload interval.
func (l *Loader) ReloadInterval() time.Duration {
	return time.Duration(l.interval.Load())
}

// Enabled reports whether interception is active.
func (l *Loader) Enabled() bool {
	return l.enabled.Load()
}

// SetEnabled flips the enabled switch at runtime.
func (l *Loader) SetEnabled(enabled bool) {
	l.enabled.Store(enabled)
}

// Source returns the underlying source.
func (l *Loader) Source() Source {
	return l.source
}
