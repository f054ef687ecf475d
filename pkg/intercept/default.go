package intercept

import (
	"context"
	"sync/atomic"

	"github.com/polisai/polis-intercept/pkg/domain"
)

// Service holds the process-wide default coordinator. Installing a coordinator replaces the
// previous one; call sites resolved through CallSite.Run pick up the replacement on their
// next attempt.
type Service struct {
	current atomic.Pointer[Coordinator]
}

var defaultService Service

// Install makes c the coordinator served by s. A nil c uninstalls.
func (s *Service) Install(c *Coordinator) {
	s.current.Store(c)
}

// Coordinator returns the installed coordinator or nil.
func (s *Service) Coordinator() *Coordinator {
	return s.current.Load()
}

// Register builds a coordinator for loader from cfg and installs it as the process-wide
// default. Exactly one default exists at a time.
func Register(loader domain.Loader, cfg CoordinatorConfig) *Coordinator {
	cfg.Loader = loader
	c := NewCoordinator(cfg)
	defaultService.Install(c)
	return c
}

// SetDefault installs an already built coordinator as the process-wide default.
func SetDefault(c *Coordinator) {
	defaultService.Install(c)
}

// Default returns the process-wide coordinator, or nil when none is registered.
func Default() *Coordinator {
	return defaultService.Coordinator()
}

// Reset removes the process-wide coordinator.
func Reset() {
	defaultService.Install(nil)
}

// Invalidate forces a refresh of the default coordinator's registry from loader, or from the
// default coordinator's own loader when loader is nil.
func Invalidate(ctx context.Context, loader domain.Loader) error {
	c := Default()
	if c == nil {
		return ErrNoLoader
	}
	if loader == nil {
		return c.Invalidate(ctx)
	}
	_, err := c.refreshFrom(ctx, loader)
	return err
}
