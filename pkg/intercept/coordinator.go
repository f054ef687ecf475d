package intercept

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/polis-intercept/pkg/domain"
)

// Interception outcomes reported to a Recorder.
const (
	OutcomeDisabled       = "disabled"
	OutcomeNotIntercepted = "not_intercepted"
	OutcomeSilent         = "silent"
	OutcomeHandled        = "handled"
	OutcomeContinued      = "continued"
	OutcomeFailed         = "failed"
)

// Refresh statuses reported to a Recorder.
const (
	RefreshSuccess = "success"
	RefreshFailed  = "failed"
)

// Recorder receives coordinator events. telemetry.Metrics implements it.
type Recorder interface {
	RecordInterception(outcome string)
	RecordRefresh(status string, entries int)
	RecordExecution(engine string, phase string, duration time.Duration)
}

// CoordinatorConfig wires a Coordinator.
type CoordinatorConfig struct {
	Loader   domain.Loader
	Executor domain.Executor
	// Registry defaults to a fresh registry.
	Registry *Registry
	Symbols  *Symbols
	Logger   *slog.Logger
	Recorder Recorder
	Tracer   trace.Tracer
	Clock    func() time.Time
}

// Coordinator drives one interception attempt: time-gate check, optional refresh, key
// resolution, binding, execution and outcome interpretation.
type Coordinator struct {
	loader   domain.Loader
	executor domain.Executor
	registry *Registry
	symbols  *Symbols
	logger   *slog.Logger
	recorder Recorder
	tracer   trace.Tracer
}

// NewCoordinator builds a Coordinator from cfg.
func NewCoordinator(cfg CoordinatorConfig) *Coordinator {
	registry := cfg.Registry
	if registry == nil {
		registry = NewRegistry(cfg.Clock)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = otel.Tracer("github.com/polisai/polis-intercept/pkg/intercept")
	}
	return &Coordinator{
		loader:   cfg.Loader,
		executor: cfg.Executor,
		registry: registry,
		symbols:  cfg.Symbols,
		logger:   logger,
		recorder: cfg.Recorder,
		tracer:   tracer,
	}
}

// Registry exposes the live registry.
func (c *Coordinator) Registry() *Registry { return c.registry }

// Loader returns the configured loader.
func (c *Coordinator) Loader() domain.Loader { return c.loader }

// Executor returns the configured executor.
func (c *Coordinator) Executor() domain.Executor { return c.executor }

// Run resolves cs and, on a hit, executes the matched behavior. It reports true when the host
// should skip its own logic. Loader failures are logged and swallowed; execution failures are
// always returned as *ExecutionError.
func (c *Coordinator) Run(ctx context.Context, cs *CallSite) (bool, error) {
	if cs == nil || cs.OwnerName() == "" || c.loader == nil {
		return false, nil
	}
	if !c.loader.Enabled() {
		c.recordInterception(OutcomeDisabled)
		return false, nil
	}

	if c.registry.Due(c.loader.ReloadInterval()) {
		c.refresh(ctx, false)
	}

	behavior, ok := c.registry.Resolve(cs.OwnerName(), cs.member, cs.Signature())
	if !ok {
		c.recordInterception(OutcomeNotIntercepted)
		return false, nil
	}

	if !behavior.Entry.HasBody() {
		c.recordInterception(OutcomeSilent)
		return true, nil
	}

	return c.execute(ctx, cs, behavior)
}

// Invalidate forces a refresh regardless of the time gate. Unlike opportunistic refreshes,
// the loader error is returned.
func (c *Coordinator) Invalidate(ctx context.Context) error {
	if c.loader == nil {
		return ErrNoLoader
	}
	_, err := c.refresh(ctx, true)
	return err
}

func (c *Coordinator) refresh(ctx context.Context, force bool) (bool, error) {
	return c.refreshWith(ctx, c.loader, force)
}

// refreshFrom forces a refresh from a loader other than the configured one.
func (c *Coordinator) refreshFrom(ctx context.Context, loader domain.Loader) (bool, error) {
	return c.refreshWith(ctx, loader, true)
}

func (c *Coordinator) refreshWith(ctx context.Context, loader domain.Loader, force bool) (bool, error) {
	start := time.Now()
	refreshed, err := c.registry.Refresh(ctx, loader, force)
	if err != nil {
		c.logger.Warn("Behavior refresh failed, keeping previous registry",
			"error", err,
			"forced", force,
			"entries", c.registry.Len())
		if c.recorder != nil {
			c.recorder.RecordRefresh(RefreshFailed, c.registry.Len())
		}
		return false, err
	}
	if refreshed {
		c.logger.Info("Behavior registry refreshed",
			"entries", c.registry.Len(),
			"forced", force,
			"duration", time.Since(start))
		if c.recorder != nil {
			c.recorder.RecordRefresh(RefreshSuccess, c.registry.Len())
		}
	}
	return refreshed, nil
}

func (c *Coordinator) execute(ctx context.Context, cs *CallSite, behavior domain.Behavior) (bool, error) {
	attemptID := uuid.NewString()
	engine := behavior.Entry.Engine
	if engine == "" {
		engine = "default"
	}

	ctx, span := c.tracer.Start(ctx, "intercept.execute", trace.WithAttributes(
		attribute.String("intercept.attempt_id", attemptID),
		attribute.String("intercept.key", behavior.Key.String()),
		attribute.String("intercept.engine", engine),
	))
	defer span.End()

	inv := c.bind(cs, behavior)

	start := time.Now()
	result, err := c.invoke(ctx, inv)
	duration := time.Since(start)

	if err != nil {
		xerr := translate(behavior.Key, err)
		span.RecordError(xerr)
		span.SetStatus(codes.Error, string(xerr.Phase))
		c.logger.Debug("Behavior execution failed",
			"attempt_id", attemptID,
			"key", behavior.Key.String(),
			"phase", xerr.Phase,
			"error", xerr.Err)
		c.recordExecution(engine, string(xerr.Phase), duration)
		c.recordInterception(OutcomeFailed)
		return false, xerr
	}

	c.recordExecution(engine, "ok", duration)
	cs.result = result

	if cs.continueAfter || inv.IsJoinPoint(result) {
		span.SetAttributes(attribute.Bool("intercept.handled", false))
		c.recordInterception(OutcomeContinued)
		return false, nil
	}

	span.SetAttributes(attribute.Bool("intercept.handled", true))
	c.recordInterception(OutcomeHandled)
	return true, nil
}

func (c *Coordinator) bind(cs *CallSite, behavior domain.Behavior) *domain.Invocation {
	params := make([]domain.NamedValue, len(cs.params))
	for i, p := range cs.params {
		params[i] = domain.NamedValue{Name: p.Name, Type: p.Type, Value: p.Value}
	}
	return &domain.Invocation{
		Key:       behavior.Key,
		Entry:     behavior.Entry,
		Instance:  cs.instance,
		JoinPoint: cs,
		Params:    params,
		Statics:   c.symbols.StaticsOf(cs.owner),
		Namespace: c.symbols.NamespaceOf(cs.owner),
	}
}

func (c *Coordinator) invoke(ctx context.Context, inv *domain.Invocation) (result any, err error) {
	if c.executor == nil {
		return nil, domain.CompileError(inv.Entry.Engine, fmt.Errorf("%w: no executor configured", domain.ErrUnknownEngine))
	}

	defer func() {
		if rec := recover(); rec != nil {
			result = nil
			if recErr, ok := rec.(error); ok {
				err = domain.RuntimeFault(inv.Entry.Engine, recErr)
				return
			}
			err = domain.RuntimeFault(inv.Entry.Engine, fmt.Errorf("%w: panic: %v", domain.ErrBehaviorFault, rec))
		}
	}()

	return c.executor.Execute(ctx, inv)
}

func (c *Coordinator) recordInterception(outcome string) {
	if c.recorder != nil {
		c.recorder.RecordInterception(outcome)
	}
}

func (c *Coordinator) recordExecution(engine, phase string, d time.Duration) {
	if c.recorder != nil {
		c.recorder.RecordExecution(engine, phase, d)
	}
}
