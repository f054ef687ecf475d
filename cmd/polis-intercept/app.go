package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/polisai/polis-intercept/pkg/config"
	"github.com/polisai/polis-intercept/pkg/domain"
	"github.com/polisai/polis-intercept/pkg/executor"
	"github.com/polisai/polis-intercept/pkg/executor/expr"
	"github.com/polisai/polis-intercept/pkg/executor/hcl"
	"github.com/polisai/polis-intercept/pkg/executor/lua"
	"github.com/polisai/polis-intercept/pkg/executor/rego"
	"github.com/polisai/polis-intercept/pkg/intercept"
	"github.com/polisai/polis-intercept/pkg/loader"
	"github.com/polisai/polis-intercept/pkg/loader/s3"
	"github.com/polisai/polis-intercept/pkg/loader/sqlstore"
	"github.com/polisai/polis-intercept/pkg/telemetry"
)

// app is the wired service: one loader, the engine mux and the coordinator installed as the
// process-wide default.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *telemetry.Metrics
	loader  *loader.Loader
	mux     *executor.Mux
	coord   *intercept.Coordinator
	watcher *loader.Watcher

	closers []func() error
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{
		cfg:     cfg,
		logger:  logger,
		metrics: telemetry.NewMetrics(),
	}

	l, err := a.buildLoader(ctx)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	a.loader = l
	a.mux = a.buildExecutors()

	a.coord = intercept.Register(a.loader, intercept.CoordinatorConfig{
		Executor: a.mux,
		Symbols:  intercept.NewSymbols(),
		Logger:   logger,
		Recorder: a.metrics,
	})
	return a, nil
}

func (a *app) buildLoader(ctx context.Context) (*loader.Loader, error) {
	src := a.cfg.Source
	opts := []loader.Option{
		loader.WithReloadInterval(src.ReloadInterval),
		loader.WithEnabled(src.IsEnabled()),
		loader.WithLogger(a.logger),
	}

	switch src.Kind {
	case config.SourceFile:
		return loader.NewFile(src.Path, opts...)
	case config.SourceSQLite, config.SourcePostgres:
		dialect, err := sqlstore.DialectFor(src.Kind)
		if err != nil {
			return nil, err
		}
		store, err := sqlstore.Open(ctx, dialect, src.DSN, src.Table)
		if err != nil {
			return nil, fmt.Errorf("open behavior store: %w", err)
		}
		a.closers = append(a.closers, store.Close)
		return loader.New(store, opts...), nil
	case config.SourceS3:
		obj, err := s3.New(ctx, s3.Config{
			Region:    src.Region,
			Bucket:    src.Bucket,
			Key:       src.Key,
			Endpoint:  src.Endpoint,
			PathStyle: src.PathStyle,
		})
		if err != nil {
			return nil, fmt.Errorf("create s3 source: %w", err)
		}
		return loader.New(obj, opts...), nil
	default:
		return nil, fmt.Errorf("unknown source kind %q", src.Kind)
	}
}

func (a *app) buildExecutors() *executor.Mux {
	exec := a.cfg.Executor
	mux := executor.NewMux(exec.DefaultEngine)

	mux.Handle(expr.Engine, expr.New(expr.Options{Timeout: exec.Timeout}))

	luaExec := lua.New(lua.Options{PoolSize: exec.LuaPoolSize, Timeout: exec.Timeout})
	a.closers = append(a.closers, func() error {
		luaExec.Close()
		return nil
	})
	mux.Handle(lua.Engine, luaExec)

	mux.Handle(rego.Engine, rego.New(rego.Options{Timeout: exec.Timeout}))
	mux.Handle(hcl.Engine, hcl.New(hcl.Options{}))
	mux.Handle(executor.EngineFunctions, builtinFunctions())
	return mux
}

// builtinFunctions are the compiled-in behaviors every deployment can name with engine "func".
func builtinFunctions() *executor.Functions {
	fns := executor.NewFunctions()
	fns.Register("proceed", func(_ context.Context, inv *domain.Invocation) (any, error) {
		return inv.JoinPoint, nil
	})
	fns.Register("nil", func(context.Context, *domain.Invocation) (any, error) {
		return nil, nil
	})
	fns.Register("first_arg", func(_ context.Context, inv *domain.Invocation) (any, error) {
		if len(inv.Params) == 0 {
			return nil, nil
		}
		return inv.Params[0].Value, nil
	})
	return fns
}

// watch starts a file watcher that forces a refresh whenever the behavior document changes.
func (a *app) watch(ctx context.Context) error {
	if a.cfg.Source.Kind != config.SourceFile || !a.cfg.Source.Watch {
		return nil
	}
	w, err := loader.NewWatcher(a.cfg.Source.Path, a.reload, a.logger)
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := w.Start(ctx); err != nil {
		return fmt.Errorf("start watcher: %w", err)
	}
	a.watcher = w
	return nil
}

// reload forces a refresh and records its outcome.
func (a *app) reload(ctx context.Context) error {
	if err := a.coord.Invalidate(ctx); err != nil {
		a.metrics.RecordSourceReload("failure")
		return err
	}
	a.metrics.RecordSourceReload("success")
	return nil
}

// check compiles every loaded body with its engine and returns the failures keyed by behavior.
func (a *app) check(ctx context.Context) (map[string]error, int, error) {
	set, err := a.loader.Load(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("load behaviors: %w", err)
	}
	failures := make(map[string]error)
	behaviors := set.Behaviors()
	for _, b := range behaviors {
		if err := a.mux.Compile(b.Entry); err != nil {
			failures[b.Key.String()] = err
		}
	}
	return failures, len(behaviors), nil
}

func (a *app) Close() error {
	intercept.Reset()
	var errs []error
	if a.watcher != nil {
		errs = append(errs, a.watcher.Stop())
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	return errors.Join(errs...)
}
